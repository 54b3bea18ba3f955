package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Link is the connectivity of a peer as the call core sees it.
type Link int

const (
	LinkConnecting Link = iota
	LinkUp
	LinkDown
	LinkFailed
)

func (l Link) String() string {
	switch l {
	case LinkConnecting:
		return "connecting"
	case LinkUp:
		return "up"
	case LinkDown:
		return "down"
	case LinkFailed:
		return "failed"
	}
	return fmt.Sprintf("Link(%d)", int(l))
}

// classify maps ICE connection states onto Link. States that do not change
// what the call core shows report false.
func classify(s webrtc.ICEConnectionState) (Link, bool) {
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return LinkUp, true
	case webrtc.ICEConnectionStateDisconnected:
		return LinkDown, true
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		return LinkFailed, true
	}
	return 0, false
}

// Callbacks are invoked from pion goroutines.
type Callbacks struct {
	OnCandidate    func(init webrtc.ICECandidateInit)
	OnLink         func(Link)
	OnRemoteStream func(streamID string)
}

// Peer is one side of a call.
type Peer struct {
	conv string
	pc   *webrtc.PeerConnection
	cb   Callbacks

	localStream string
	audio       *webrtc.TrackLocalStaticSample
	video       *webrtc.TrackLocalStaticSample

	mu           sync.Mutex
	remoteStream string
	videoSSRCs   []webrtc.SSRC
	pending      []webrtc.ICECandidateInit
	haveRemote   bool
	lastLink     Link
	closed       bool
}

// NewPeer creates a PeerConnection with local tracks for mode ("audio" adds
// one Opus track, "video" adds a VP8 track as well).
func (e *Engine) NewPeer(conversationID, mode string, cb Callbacks) (*Peer, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, err
	}

	p := &Peer{
		conv:        conversationID,
		pc:          pc,
		cb:          cb,
		localStream: "callcore-" + conversationID,
	}

	p.audio, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", p.localStream)
	if err == nil {
		_, err = pc.AddTrack(p.audio)
	}
	if err == nil && mode == "video" {
		p.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", p.localStream)
		if err == nil {
			_, err = pc.AddTrack(p.video)
		}
	}
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add local tracks: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.cb.OnCandidate == nil {
			return
		}
		p.cb.OnCandidate(c.ToJSON())
	})
	pc.OnICEConnectionStateChange(p.onICEState)
	pc.OnTrack(p.onTrack)

	return p, nil
}

func (p *Peer) onICEState(s webrtc.ICEConnectionState) {
	log.Debugf("[%s] ICE %s", p.conv, s)
	link, ok := classify(s)
	if !ok {
		return
	}

	p.mu.Lock()
	prev := p.lastLink
	p.lastLink = link
	p.mu.Unlock()

	if link == LinkUp && prev == LinkDown {
		p.requestKeyframes()
	}
	if p.cb.OnLink != nil {
		p.cb.OnLink(link)
	}
}

func (p *Peer) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.mu.Lock()
	p.remoteStream = track.StreamID()
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		p.videoSSRCs = append(p.videoSSRCs, track.SSRC())
	}
	p.mu.Unlock()
	log.Infof("[%s] remote %s track (stream %s)", p.conv, track.Kind(), track.StreamID())

	if p.cb.OnRemoteStream != nil {
		p.cb.OnRemoteStream(track.StreamID())
	}

	// Keep the interceptors fed; playback happens elsewhere.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debugf("[%s] remote track read: %v", p.conv, err)
				}
				return
			}
		}
	}()
}

// requestKeyframes sends a PLI for every remote video track so the picture
// recovers right after the link comes back.
func (p *Peer) requestKeyframes() {
	p.mu.Lock()
	ssrcs := append([]webrtc.SSRC(nil), p.videoSSRCs...)
	p.mu.Unlock()
	if len(ssrcs) == 0 {
		return
	}

	pkts := make([]rtcp.Packet, 0, len(ssrcs))
	for _, s := range ssrcs {
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(s)})
	}
	if err := p.pc.WriteRTCP(pkts); err != nil {
		log.Debugf("[%s] PLI: %v", p.conv, err)
	}
}

// Offer creates and applies the local offer.
func (p *Peer) Offer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

// Answer applies a remote offer and returns the local answer.
func (p *Peer) Answer(offerSDP string) (string, error) {
	if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// SetAnswer applies the remote answer to an offer made by this peer.
func (p *Peer) SetAnswer(answerSDP string) error {
	return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP})
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	p.mu.Lock()
	p.haveRemote = true
	queued := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Debugf("[%s] queued candidate: %v", p.conv, err)
		}
	}
	return nil
}

// AddCandidate applies a remote trickle candidate, holding it until the
// remote description is known.
func (p *Peer) AddCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	p.mu.Lock()
	if !p.haveRemote {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(c)
}

func (p *Peer) LocalStream() string { return p.localStream }

func (p *Peer) RemoteStream() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteStream
}

// LocalAudio is the track an encoder writes Opus samples to.
func (p *Peer) LocalAudio() *webrtc.TrackLocalStaticSample { return p.audio }

// LocalVideo is nil for audio calls.
func (p *Peer) LocalVideo() *webrtc.TrackLocalStaticSample { return p.video }

// Close tears the connection down. Safe to call more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

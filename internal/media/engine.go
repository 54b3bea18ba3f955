// Package media wraps pion PeerConnections for one-to-one calls. Only the
// signaling surface is modelled: SDP, trickle ICE, connectivity and stream
// handles. Capture and encoding are left to whoever writes to the local
// tracks.
package media

import (
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

type EngineOptions struct {
	ICEServers []string

	// Loopback candidates are off by default; tests turn them on.
	IncludeLoopback bool

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAlive           time.Duration
}

// Engine builds PeerConnections that share one codec and interceptor setup.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

func NewEngine(o EngineOptions) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// A relay or NAT hiccup of a few seconds should read as reconnecting,
	// not as a dead call.
	if o.DisconnectedTimeout <= 0 {
		o.DisconnectedTimeout = 30 * time.Second
	}
	if o.FailedTimeout <= 0 {
		o.FailedTimeout = 120 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 2 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(o.DisconnectedTimeout, o.FailedTimeout, o.KeepAlive)
	if o.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	var servers []webrtc.ICEServer
	if len(o.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: o.ICEServers}}
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		iceServers: servers,
	}, nil
}

// Package proto holds the wire format shared by every broadcast transport.
package proto

import "encoding/json"

const (
	// TopicPrefix is the default prefix for per-conversation broadcast topics.
	TopicPrefix = "callcore"

	MdnsTag = "callcore-mdns"
)

// Broadcast event names. invite/decline/reaction are the conversation-level
// events; the rest carry peer-connection signaling once a call is accepted.
const (
	EventInvite   = "invite"
	EventDecline  = "decline"
	EventReaction = "reaction"

	EventAccept    = "accept"    // callee → caller: invite accepted, caller sends offer
	EventOffer     = "offer"     // caller → callee: SDP offer
	EventAnswer    = "answer"    // callee → caller: SDP answer
	EventCandidate = "candidate" // either → other: trickle ICE candidate
	EventHangup    = "hangup"    // either side: end the call
)

// Media modes carried in invites.
const (
	ModeAudio = "audio"
	ModeVideo = "video"
)

// Frame is what actually travels on a conversation topic.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// InvitePayload is the invite broadcast. FromName and Mode are the plaintext
// fallback; Enc carries the same fields sealed for the conversation.
type InvitePayload struct {
	FromID   string `json:"fromId"`
	ToID     string `json:"toId,omitempty"`
	FromName string `json:"fromName"`
	Mode     string `json:"mode"`
	Enc      string `json:"enc,omitempty"`
}

// DeclinePayload is sent by the callee (decline) or the caller (cancel).
type DeclinePayload struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId,omitempty"`
}

// ReactionPayload is consumed by chat features, not by the call core.
type ReactionPayload struct {
	FromID    string `json:"fromId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// SignalPayload carries accept/offer/answer/candidate/hangup.
type SignalPayload struct {
	FromID string          `json:"fromId"`
	ToID   string          `json:"toId,omitempty"`
	SDP    string          `json:"sdp,omitempty"`
	ICE    json.RawMessage `json:"ice,omitempty"`
}

// ValidMode reports whether m is a known media mode.
func ValidMode(m string) bool { return m == ModeAudio || m == ModeVideo }

// Topic returns the broadcast topic for a conversation.
func Topic(prefix, conversationID string) string {
	if prefix == "" {
		prefix = TopicPrefix
	}
	return prefix + "/conv/" + conversationID
}

// NewFrame marshals payload into a frame for event.
func NewFrame(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Payload: raw})
}

package call

import "time"

// Invite is an inbound call invitation. It lives only in memory, from the
// moment it is surfaced until it is accepted, declined, dismissed or expired.
type Invite struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	FromUserID      string    `json:"fromUserId"`
	FromDisplayName string    `json:"fromDisplayName"`
	FromAvatarURL   string    `json:"fromAvatarUrl,omitempty"`
	Mode            string    `json:"mode"`
	Decrypted       bool      `json:"decrypted"`
	LedgerID        string    `json:"ledgerId,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// Session is the single active call. Callers always get copies; the only way
// to change the live one is through Machine.
type Session struct {
	ID              string       `json:"id"`
	ConversationID  string       `json:"conversationId"`
	PeerID          string       `json:"peerId"`
	PeerDisplayName string       `json:"peerDisplayName"`
	PeerAvatarURL   string       `json:"peerAvatarUrl,omitempty"`
	State           SessionState `json:"state"`
	Mode            string       `json:"mode"`
	Muted           bool         `json:"muted"`
	Outgoing        bool         `json:"outgoing"`
	LocalStream     string       `json:"localStream,omitempty"`
	RemoteStream    string       `json:"remoteStream,omitempty"`
	StartedAt       time.Time    `json:"startedAt"`
}

// EventKind tells subscribers which slot changed.
type EventKind string

const (
	EventSession EventKind = "session"
	EventInvite  EventKind = "invite"
)

// Event is emitted on every machine change. Session or Invite is nil when the
// corresponding slot is now empty.
type Event struct {
	Kind    EventKind   `json:"kind"`
	Session *Session    `json:"session,omitempty"`
	Invite  *Invite     `json:"invite,omitempty"`
	Outcome InviteState `json:"outcome,omitempty"`
}

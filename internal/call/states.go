package call

import "fmt"

// SessionState is the lifecycle of the active call session.
//
//	off → connecting → live ⇄ reconnecting → off
type SessionState int

const (
	StateOff SessionState = iota
	StateConnecting
	StateLive
	StateReconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether the state occupies the session slot.
func (s SessionState) Active() bool {
	return s != StateOff
}

// legal lists the transitions Machine.Transition accepts. Any active state
// may go to off; same-state transitions are no-ops and not listed.
var legal = map[SessionState][]SessionState{
	StateConnecting:   {StateLive, StateOff},
	StateLive:         {StateReconnecting, StateOff},
	StateReconnecting: {StateLive, StateOff},
}

func canTransition(from, to SessionState) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InviteState is the lifecycle of an inbound invite before a session exists.
//
//	none → ringing → accepted | declined | expired
//
// Accepted feeds into a connecting session; every outcome frees the
// ringing slot again.
type InviteState int

const (
	InviteNone InviteState = iota
	InviteRinging
	InviteAccepted
	InviteDeclined
	InviteExpired
	InviteDismissed
)

func (s InviteState) String() string {
	switch s {
	case InviteNone:
		return "none"
	case InviteRinging:
		return "ringing"
	case InviteAccepted:
		return "accepted"
	case InviteDeclined:
		return "declined"
	case InviteExpired:
		return "expired"
	case InviteDismissed:
		return "dismissed"
	}
	return fmt.Sprintf("InviteState(%d)", int(s))
}

func (s InviteState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

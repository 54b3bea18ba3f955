package signaling

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/petervdpas/callcore/internal/envelope"
	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/proto"
)

var errNoEnvelope = errors.New("invite carries no envelope")

// handleInvite filters, decodes and surfaces one invite frame. The viewing
// check runs again after decoding because focus can move while the key is
// being looked up.
func (m *Manager) handleInvite(conversationID string, raw json.RawMessage) {
	var p proto.InvitePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.FromID == "" {
		m.metrics.Invite(metrics.InviteMalformed)
		log.Debugf("[%s] malformed invite dropped", conversationID)
		return
	}

	switch {
	case p.FromID == m.selfID:
		m.metrics.Invite(metrics.InviteSuppressedSelf)
		return
	case p.ToID != "" && p.ToID != m.selfID:
		m.metrics.Invite(metrics.InviteSuppressedNotAddressed)
		return
	case m.isViewing(conversationID):
		m.metrics.Invite(metrics.InviteSuppressedViewing)
		log.Debugf("[%s] invite suppressed: conversation on screen", conversationID)
		return
	}

	payload, decrypted := m.open(conversationID, p)

	if m.isViewing(conversationID) {
		m.metrics.Invite(metrics.InviteSuppressedViewing)
		return
	}

	m.hmu.RLock()
	surface := m.onInvite
	m.hmu.RUnlock()
	if surface == nil {
		return
	}

	id, ok := surface(Invite{
		ConversationID: conversationID,
		FromID:         p.FromID,
		FromName:       payload.FromName,
		Mode:           payload.Mode,
		Decrypted:      decrypted,
	})
	if !ok {
		m.metrics.Invite(metrics.InviteSuppressedBusy)
		log.Infof("[%s] invite from %s dropped: busy", conversationID, p.FromID)
		return
	}
	m.metrics.Invite(metrics.InviteSurfaced)
	m.enrich(id, p.FromID)
}

// open resolves the effective name and mode, falling back to the plaintext
// fields whenever the envelope is absent or unusable.
func (m *Manager) open(conversationID string, p proto.InvitePayload) (envelope.Payload, bool) {
	outer := envelope.Payload{FromName: p.FromName, Mode: p.Mode}

	var result envelope.Result = envelope.Fallback{Err: errNoEnvelope}
	if p.Enc != "" && m.codec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		result = m.codec.Decode(ctx, conversationID, m.selfID, p.FromID, p.Enc)
		cancel()
	}

	payload, decrypted := envelope.Resolve(result, outer)
	switch {
	case decrypted:
		m.metrics.Decode(metrics.DecodeDecrypted)
	case p.Enc == "":
		m.metrics.Decode(metrics.DecodePlain)
	default:
		m.metrics.Decode(metrics.DecodeFallback)
	}

	if !proto.ValidMode(payload.Mode) {
		payload.Mode = proto.ModeAudio
	}
	return payload, decrypted
}

// enrich resolves the caller's avatar in the background. Failures only mean
// the UI keeps its placeholder.
func (m *Manager) enrich(inviteID, userID string) {
	if m.avatars == nil {
		return
	}
	m.hmu.RLock()
	apply := m.onEnrich
	m.hmu.RUnlock()
	if apply == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*m.timeout)
		defer cancel()
		url, err := m.avatars.Resolve(ctx, userID)
		if err != nil {
			log.Debugf("avatar for %s: %v", userID, err)
			return
		}
		if url != "" {
			apply(inviteID, url)
		}
	}()
}

func (m *Manager) handleDecline(conversationID string, raw json.RawMessage) {
	var p proto.DeclinePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.FromID == "" || p.FromID == m.selfID {
		return
	}
	if p.ToID != "" && p.ToID != m.selfID {
		return
	}
	m.hmu.RLock()
	fn := m.onDecline
	m.hmu.RUnlock()
	if fn != nil {
		fn(Decline{ConversationID: conversationID, FromID: p.FromID})
	}
}

func (m *Manager) handleReaction(conversationID string, raw json.RawMessage) {
	var p proto.ReactionPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.FromID == "" || p.FromID == m.selfID {
		return
	}
	m.hmu.RLock()
	fn := m.onReaction
	m.hmu.RUnlock()
	if fn != nil {
		fn(Reaction{ConversationID: conversationID, FromID: p.FromID, MessageID: p.MessageID, Emoji: p.Emoji})
	}
}

func (m *Manager) handleSignal(conversationID, event string, raw json.RawMessage) {
	var p proto.SignalPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.FromID == "" || p.FromID == m.selfID {
		return
	}
	if p.ToID != "" && p.ToID != m.selfID {
		return
	}
	m.hmu.RLock()
	fn := m.onSignal
	m.hmu.RUnlock()
	if fn != nil {
		fn(Signal{ConversationID: conversationID, Event: event, FromID: p.FromID, SDP: p.SDP, ICE: p.ICE})
	}
}

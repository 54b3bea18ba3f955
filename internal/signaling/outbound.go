package signaling

import (
	"context"
	"fmt"

	"github.com/petervdpas/callcore/internal/envelope"
	"github.com/petervdpas/callcore/internal/proto"
)

// SendInvite broadcasts an invite addressed to peerID. The sealed envelope is
// added when key material is available; the plaintext fields always go out.
func (m *Manager) SendInvite(ctx context.Context, conversationID, peerID, fromName, mode string) error {
	if !proto.ValidMode(mode) {
		return fmt.Errorf("invalid mode %q", mode)
	}
	ch, err := m.channel(ctx, conversationID, peerID)
	if err != nil {
		return err
	}

	p := proto.InvitePayload{
		FromID:   m.selfID,
		ToID:     peerID,
		FromName: fromName,
		Mode:     mode,
	}
	if m.codec != nil {
		enc, err := m.codec.Encode(ctx, conversationID, peerID, envelope.Payload{FromName: fromName, Mode: mode})
		if err != nil {
			log.Debugf("[%s] sending invite without envelope: %v", conversationID, err)
		} else {
			p.Enc = enc
		}
	}

	if err := ch.Send(ctx, proto.EventInvite, p); err != nil {
		m.metrics.SendFailure(proto.EventInvite)
		return fmt.Errorf("send invite: %w", err)
	}
	return nil
}

// SendDecline tells peerID the invite was declined (or cancelled). It is a
// courtesy: errors are logged and dropped.
func (m *Manager) SendDecline(ctx context.Context, conversationID, peerID string) {
	ch, err := m.channel(ctx, conversationID, peerID)
	if err == nil {
		err = ch.Send(ctx, proto.EventDecline, proto.DeclinePayload{FromID: m.selfID, ToID: peerID})
	}
	if err != nil {
		m.metrics.SendFailure(proto.EventDecline)
		log.Warnf("[%s] decline to %s not delivered: %v", conversationID, peerID, err)
	}
}

// SendReaction broadcasts a message reaction.
func (m *Manager) SendReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	ch, err := m.channel(ctx, conversationID, "")
	if err != nil {
		return err
	}
	return ch.Send(ctx, proto.EventReaction, proto.ReactionPayload{FromID: m.selfID, MessageID: messageID, Emoji: emoji})
}

// SendSignal sends one peer-connection signaling event to peerID.
func (m *Manager) SendSignal(ctx context.Context, conversationID, peerID, event string, p proto.SignalPayload) error {
	switch event {
	case proto.EventAccept, proto.EventOffer, proto.EventAnswer, proto.EventCandidate, proto.EventHangup:
	default:
		return fmt.Errorf("not a signaling event: %q", event)
	}
	ch, err := m.channel(ctx, conversationID, peerID)
	if err != nil {
		return err
	}
	p.FromID = m.selfID
	p.ToID = peerID
	if err := ch.Send(ctx, event, p); err != nil {
		m.metrics.SendFailure(event)
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

package api

import (
	"sync"

	"github.com/petervdpas/callcore/internal/signaling"
)

// Reaction is a chat reaction as the UI sees it on /api/call/events.
type Reaction struct {
	ConversationID string `json:"conversationId"`
	FromID         string `json:"fromId"`
	MessageID      string `json:"messageId"`
	Emoji          string `json:"emoji"`
}

// ReactionFeed forwards reactions received on conversation channels to the
// event stream. Publish is meant for signaling.Manager.OnReaction.
type ReactionFeed struct {
	mu   sync.Mutex
	subs map[chan Reaction]struct{}
}

func NewReactionFeed() *ReactionFeed {
	return &ReactionFeed{subs: make(map[chan Reaction]struct{})}
}

func (f *ReactionFeed) Publish(r signaling.Reaction) {
	rx := Reaction{ConversationID: r.ConversationID, FromID: r.FromID, MessageID: r.MessageID, Emoji: r.Emoji}

	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- rx:
		default:
		}
	}
}

func (f *ReactionFeed) Subscribe() (<-chan Reaction, func()) {
	ch := make(chan Reaction, 16)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

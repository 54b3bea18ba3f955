// Package ledger is the advisory, durable record of outstanding invites.
//
// It is a fallback for callees that missed the live broadcast, never the
// primary ringing trigger. Every operation swallows backend errors: reads
// return nil, creates return "", status updates run in the background.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/storage"
)

var log = logging.Logger("ledger")

// Record is one pending call row.
type Record = storage.PendingCall

// Store is the persistence the ledger needs. *storage.DB implements it.
type Store interface {
	InsertPendingCall(ctx context.Context, rec storage.PendingCall) error
	LatestPendingCall(ctx context.Context, conversationID, toUserID string, now time.Time) (*storage.PendingCall, error)
	UpdatePendingCallStatus(ctx context.Context, id, status string) error
}

type Ledger struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	timeout time.Duration
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics records backend failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New returns a ledger whose records expire ttl after creation.
func New(store Store, ttl time.Duration, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		timeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CreatePending writes a new pending record and returns its id, or "" when
// the backend rejected it.
func (l *Ledger) CreatePending(ctx context.Context, conversationID, fromID, toID, fromName, mode string) string {
	now := l.now()
	rec := storage.PendingCall{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		FromUserID:      fromID,
		ToUserID:        toID,
		FromDisplayName: fromName,
		Mode:            mode,
		Status:          storage.StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(l.ttl),
	}
	if err := l.store.InsertPendingCall(ctx, rec); err != nil {
		log.Warnf("create pending call for %s: %v", conversationID, err)
		l.metrics.LedgerFailure("create")
		return ""
	}
	return rec.ID
}

// GetPendingForCallee returns the newest unexpired pending record for the
// pair, or nil.
func (l *Ledger) GetPendingForCallee(ctx context.Context, conversationID, toID string) *Record {
	rec, err := l.store.LatestPendingCall(ctx, conversationID, toID, l.now())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warnf("read pending call for %s: %v", conversationID, err)
			l.metrics.LedgerFailure("get")
		}
		return nil
	}
	return rec
}

// UpdateStatus marks a record in the background. The caller never waits.
func (l *Ledger) UpdateStatus(id, status string) {
	if id == "" {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if err := l.store.UpdatePendingCallStatus(ctx, id, status); err != nil {
			log.Warnf("mark pending call %s %s: %v", id, status, err)
			l.metrics.LedgerFailure("update")
		}
	}()
}

// Wait blocks until every in-flight status update has finished.
func (l *Ledger) Wait() {
	l.wg.Wait()
}

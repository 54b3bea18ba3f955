package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogBuffer keeps the most recent log lines for /api/logs and fans new ones
// out to /api/logs/stream subscribers.
type LogBuffer struct {
	mu    sync.Mutex
	buf   []LogEntry
	head  int
	count int
	subs  map[chan LogEntry]struct{}
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{buf: make([]LogEntry, max), subs: make(map[chan LogEntry]struct{})}
}

// Capture tees every go-log line into b until ctx is cancelled.
func (b *LogBuffer) Capture(ctx context.Context) {
	r := logging.NewPipeReader()
	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()
	b.ReadLines(r)
}

// ReadLines appends each non-empty line of r until r is exhausted.
func (b *LogBuffer) ReadLines(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.add(LogEntry{TS: time.Now(), Msg: line})
	}
}

func (b *LogBuffer) add(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf[(b.head+b.count)%len(b.buf)] = e
	if b.count == len(b.buf) {
		b.head = (b.head + 1) % len(b.buf)
	} else {
		b.count++
	}

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Snapshot returns the buffered lines, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, b.count)
	for i := range out {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	return out
}

func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

func registerLogs(mux *http.ServeMux, logs *LogBuffer) {
	if logs == nil {
		return
	}

	handleGet(mux, "/api/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logs.Snapshot())
	})

	// Tail only, no snapshot.
	handleGet(mux, "/api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := logs.Subscribe()
		defer cancel()
		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				data, _ := json.Marshal(e)
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}

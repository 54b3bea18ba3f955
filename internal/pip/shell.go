package pip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Conn is the message connection to a platform shell. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// shellHello is the first message a shell sends.
type shellHello struct {
	Type         string `json:"type"`
	PiPSupported bool   `json:"pipSupported"`
}

type shellCommand struct {
	Type string `json:"type"`
}

// Shell is a Native driven over a Conn: commands go out as
// {"type":"enterPiP"}, {"type":"exitPiP"} or {"type":"closeCallScreen"},
// events come back as Event.
type Shell struct {
	conn      Conn
	supported bool

	wmu sync.Mutex
}

func (s *Shell) Supported() bool { return s.supported }

func (s *Shell) Enter(ctx context.Context) error { return s.send(ctx, "enterPiP") }

func (s *Shell) Exit(ctx context.Context) error { return s.send(ctx, "exitPiP") }

func (s *Shell) CloseCallScreen(ctx context.Context) error { return s.send(ctx, "closeCallScreen") }

func (s *Shell) send(ctx context.Context, typ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteJSON(shellCommand{Type: typ})
}

// Serve runs one shell session: it waits for the hello, attaches the shell
// to b, feeds its events into b until the connection drops, then detaches.
func Serve(ctx context.Context, conn Conn, b *Bridge) error {
	var hello shellHello
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != "ready" {
		return fmt.Errorf("expected ready, got %q", hello.Type)
	}

	s := &Shell{conn: conn, supported: hello.PiPSupported}
	b.Attach(s)
	defer b.Detach(s)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Debugf("shell: bad event: %v", err)
			continue
		}
		switch ev.Kind {
		case PiPModeChanged, PiPAction, CallKitAction, CallScreen:
			b.Deliver(ev)
		default:
			log.Debugf("shell: ignoring %q", ev.Kind)
		}
	}
}

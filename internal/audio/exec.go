package audio

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Probe looks for the audio helper executable. It returns nil when no helper
// is configured or it cannot be found, which New turns into the no-op Router.
func Probe(command string) Native {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}
	path, err := exec.LookPath(command)
	if err != nil {
		log.Infof("audio helper %q not found: %v", command, err)
		return nil
	}
	return &Helper{Path: path, Timeout: 3 * time.Second}
}

// Helper drives the platform audio session through an external executable:
//
//	<helper> start audio|video
//	<helper> speaker on|off
//	<helper> stop
//
// A non-zero exit is a failure.
type Helper struct {
	Path    string
	Timeout time.Duration
}

func (h *Helper) Start(ctx context.Context, mode string) error {
	return h.run(ctx, "start", mode)
}

func (h *Helper) SetSpeaker(ctx context.Context, enabled bool) error {
	arg := "off"
	if enabled {
		arg = "on"
	}
	return h.run(ctx, "speaker", arg)
}

func (h *Helper) Stop(ctx context.Context) error {
	return h.run(ctx, "stop")
}

func (h *Helper) run(ctx context.Context, args ...string) error {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, h.Path, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s %s: %w: %s", h.Path, strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("%s %s: %w", h.Path, strings.Join(args, " "), err)
	}
	return nil
}

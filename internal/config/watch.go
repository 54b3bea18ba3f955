package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// reloadDebounce coalesces the burst of events editors emit on save
// (truncate + write + chmod, or rename-over).
const reloadDebounce = 250 * time.Millisecond

// Watch re-reads path whenever it changes and calls apply with the new,
// validated config. Invalid edits are logged and skipped. Watch blocks until
// ctx is cancelled.
//
// The parent directory is watched rather than the file itself so that
// rename-over saves keep being observed.
func Watch(ctx context.Context, path string, apply func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watch error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				log.Warnf("reload %s skipped: %v", abs, err)
				continue
			}
			log.Infof("reloaded %s", abs)
			apply(cfg)
		}
	}
}

// Reloadable holds the subset of Config that a running node applies live.
type Reloadable struct {
	LogLevel      string
	LogSubsystems map[string]string
	InviteTTL     time.Duration
}

// Reloadable extracts the live-applicable settings.
func (c Config) Reloadable() Reloadable {
	return Reloadable{
		LogLevel:      c.Log.Level,
		LogSubsystems: c.Log.Subsystems,
		InviteTTL:     time.Duration(c.Calls.InviteTTLSec) * time.Second,
	}
}

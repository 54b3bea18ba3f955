package app

import (
	"context"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callcore/internal/avatar"
	"github.com/petervdpas/callcore/internal/config"
	"github.com/petervdpas/callcore/internal/storage"
)

// NormalizeLocalAddr keeps the API on loopback. A bare ":port" or a
// 0.0.0.0 bind is rewritten to 127.0.0.1. Returns the listen address and the
// URL to reach it.
func NormalizeLocalAddr(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

// applyLogLevels sets the global level first, then per-subsystem overrides.
// Unknown level names are reported and skipped.
func applyLogLevels(l config.Log) {
	if l.Level != "" {
		lvl, err := logging.LevelFromString(l.Level)
		if err != nil {
			log.Warnf("log level %q: %v", l.Level, err)
		} else {
			logging.SetAllLoggers(lvl)
		}
	}
	for name, level := range l.Subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			log.Warnf("log level %s=%q: %v", name, level, err)
		}
	}
}

// peerDirectory names callees from the local profile store.
type peerDirectory struct {
	db      *storage.DB
	avatars *avatar.Resolver
}

func (p peerDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	return p.db.DisplayName(ctx, userID)
}

func (p peerDirectory) AvatarURL(ctx context.Context, userID string) (string, error) {
	return p.avatars.Resolve(ctx, userID)
}

func logBanner(peerDir, cfgPath, dbPath, selfID string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("callcore node")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Database    : %s", dbPath)
	log.Infof(" User        : %s (%s)", cfg.Identity.DisplayName, selfID)
	log.Infof(" Transport   : %s", cfg.Transport.Kind)
	log.Info("────────────────────────────────────────")
}

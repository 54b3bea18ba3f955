// Package app wires a callcore node together and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/callcore/internal/api"
	"github.com/petervdpas/callcore/internal/audio"
	"github.com/petervdpas/callcore/internal/avatar"
	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/config"
	"github.com/petervdpas/callcore/internal/envelope"
	"github.com/petervdpas/callcore/internal/ledger"
	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/p2p"
	"github.com/petervdpas/callcore/internal/pip"
	"github.com/petervdpas/callcore/internal/signaling"
	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/transport"
	"github.com/petervdpas/callcore/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Hub replaces the configured transport with an in-process hub. Used
	// by tests and by the memory transport.
	Hub *transport.Hub
}

// Run starts a node and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	n, err := Build(ctx, opt)
	if err != nil {
		return err
	}
	defer n.Close()
	return n.Serve(ctx)
}

// Node is a fully wired call node.
type Node struct {
	Cfg     config.Config
	SelfID  string
	DB      *storage.DB
	Metrics *metrics.Metrics
	Calls   *call.Coordinator

	cfgPath   string
	sig       *signaling.Manager
	ledger    *ledger.Ledger
	avatars   *avatar.Resolver
	discovery *Discovery
	logs      *api.LogBuffer
	reactions *api.ReactionFeed
	closers   []func() error
}

// Build opens storage, the transport and every call component. The caller
// must Close the node.
func Build(ctx context.Context, opt Options) (_ *Node, err error) {
	cfg := opt.Cfg
	applyLogLevels(cfg.Log)

	n := &Node{
		Cfg:       cfg,
		cfgPath:   opt.CfgPath,
		Metrics:   metrics.New(),
		logs:      api.NewLogBuffer(800),
		reactions: api.NewReactionFeed(),
	}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	n.DB, err = storage.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.DBFile))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n.closers = append(n.closers, n.DB.Close)

	bc, selfID, err := n.openTransport(ctx, opt)
	if err != nil {
		return nil, err
	}
	n.SelfID = selfID
	n.closers = append(n.closers, bc.Close)

	n.avatars = avatar.NewResolver(n.DB, cfg.Calls.AvatarCacheSize,
		time.Duration(cfg.Calls.AvatarCacheTTLSec)*time.Second)

	n.sig = signaling.New(bc, signaling.Options{
		SelfID:        selfID,
		Codec:         envelope.NewCodec(n.DB, selfID),
		Avatars:       n.avatars,
		DecodeTimeout: time.Duration(cfg.Calls.DecodeTimeoutMs) * time.Millisecond,
		Metrics:       n.Metrics,
	})
	n.closers = append(n.closers, n.sig.Close)
	n.sig.OnReaction(n.reactions.Publish)

	n.ledger = ledger.New(n.DB, time.Duration(cfg.Calls.LedgerTTLSec)*time.Second,
		ledger.WithMetrics(n.Metrics))

	co := call.Options{
		Signaler:    n.sig,
		Ledger:      n.ledger,
		Audio:       audio.New(audio.Probe(cfg.Audio.Command), n.Metrics),
		PiP:         pip.New(n.Metrics),
		Peers:       peerDirectory{db: n.DB, avatars: n.avatars},
		Metrics:     n.Metrics,
		DisplayName: cfg.Identity.DisplayName,
		InviteTTL:   time.Duration(cfg.Calls.InviteTTLSec) * time.Second,
	}
	if eng, err := media.NewEngine(media.EngineOptions{ICEServers: cfg.Calls.ICEServers}); err != nil {
		log.Warnf("media engine unavailable, calls will be signaling-only: %v", err)
	} else {
		co.Media = eng
	}
	n.Calls = call.NewCoordinator(co)

	n.discovery = NewDiscovery(n.DB, n.sig, time.Duration(cfg.Calls.ResyncSec)*time.Second)

	logBanner(opt.PeerDir, opt.CfgPath, n.DB.Path(), selfID, cfg)
	return n, nil
}

func (n *Node) openTransport(ctx context.Context, opt Options) (transport.Broadcaster, string, error) {
	cfg := n.Cfg
	selfID := strings.TrimSpace(cfg.Identity.UserID)

	if opt.Hub != nil || cfg.Transport.Kind == config.TransportMemory {
		hub := opt.Hub
		if hub == nil {
			hub = transport.NewHub()
		}
		if selfID == "" {
			return nil, "", errors.New("identity.user_id is required for the memory transport")
		}
		return hub.Endpoint(), selfID, nil
	}

	switch cfg.Transport.Kind {
	case config.TransportNATS:
		creds := cfg.Transport.NATSCredentials
		if creds != "" {
			creds = util.ResolvePath(opt.PeerDir, creds)
		}
		nc, err := transport.NewNATS(transport.NATSOptions{
			URL:             cfg.Transport.NATSURL,
			Name:            cfg.Transport.NATSName,
			CredentialsFile: creds,
			ReconnectWait:   time.Duration(cfg.Transport.NATSReconnectMs) * time.Millisecond,
			MaxReconnects:   cfg.Transport.NATSMaxReconnects,
			SubjectPrefix:   cfg.Transport.TopicPrefix,
		})
		if err != nil {
			return nil, "", fmt.Errorf("connect nats: %w", err)
		}
		log.Infof("nats: %s", nc.Status())
		return nc, selfID, nil

	default:
		node, err := p2p.New(ctx, p2p.Options{
			ListenPort: cfg.P2P.ListenPort,
			KeyFile:    util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
			MdnsTag:    cfg.P2P.MdnsTag,
			Bootstrap:  cfg.P2P.Bootstrap,
		})
		if err != nil {
			return nil, "", fmt.Errorf("start p2p node: %w", err)
		}
		n.closers = append(n.closers, node.Close)
		if selfID == "" {
			selfID = node.ID()
		}
		log.Infof("peer id: %s", node.ID())
		return transport.NewGossip(node.PubSub, node.Host.ID(), cfg.Transport.TopicPrefix), selfID, nil
	}
}

// Serve runs discovery, the API server and the config watcher until ctx is
// cancelled or one of them fails.
func (n *Node) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.discovery.Run(ctx) })

	if n.Cfg.API.HTTPAddr != "" {
		go n.logs.Capture(ctx)

		addr, url := NormalizeLocalAddr(n.Cfg.API.HTTPAddr)
		srv := api.NewServer(addr, api.Deps{
			Calls:     n.Calls,
			Avatars:   n.avatars,
			Metrics:   n.Metrics,
			Logs:      n.logs,
			Reactions: n.reactions,
		})
		log.Infof("call API: %s", url)
		g.Go(func() error {
			if err := srv.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}

	if n.cfgPath != "" {
		g.Go(func() error {
			err := config.Watch(ctx, n.cfgPath, n.Reload)
			if err != nil {
				log.Warnf("config hot reload disabled: %v", err)
			}
			return nil
		})
	}

	go n.reportSubscriptions(ctx)

	return g.Wait()
}

// Reload applies the live-reloadable part of cfg.
func (n *Node) Reload(cfg config.Config) {
	r := cfg.Reloadable()
	applyLogLevels(config.Log{Level: r.LogLevel, Subsystems: r.LogSubsystems})
	n.Calls.SetInviteTTL(r.InviteTTL)
}

func (n *Node) reportSubscriptions(ctx context.Context) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		n.Metrics.SetSubscriptions(len(n.sig.Conversations()))
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Close tears the node down in reverse order of construction.
func (n *Node) Close() {
	if n.Calls != nil {
		n.Calls.Close()
	}
	if n.ledger != nil {
		n.ledger.Wait()
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			log.Debugf("close: %v", err)
		}
	}
	n.closers = nil
}

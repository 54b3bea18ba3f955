// Package p2p builds the libp2p host and GossipSub router used by the gossip
// broadcast transport.
package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Dial failures and backoff errors are noise for a call node.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// Options configures New.
type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	Bootstrap  []string
}

type Node struct {
	Host   host.Host
	PubSub *pubsub.PubSub

	mdns      mdns.Service
	closeOnce sync.Once
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns: connect %s: %v", pi.ID, err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts a libp2p host with mDNS discovery and a GossipSub router, and
// dials the bootstrap peers in the background.
func New(ctx context.Context, o Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(o.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", o.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", o.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", o.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	tag := o.MdnsTag
	if tag == "" {
		tag = proto.MdnsTag
	}
	md := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	n := &Node{Host: h, PubSub: ps, mdns: md}

	peers, err := bootstrapPeers(o.Bootstrap)
	if err != nil {
		_ = n.Close()
		return nil, err
	}
	for _, pi := range peers {
		go func(pi peer.AddrInfo) {
			cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
			defer cancel()
			if err := h.Connect(cctx, pi); err != nil {
				log.Warnf("bootstrap %s: %v", pi.ID, err)
				return
			}
			log.Infof("bootstrap: connected to %s", pi.ID)
		}(pi)
	}

	log.Infof("peer id %s, listening on %v", h.ID(), h.Addrs())
	return n, nil
}

func bootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	for _, s := range addrs {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", s, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(m)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", s, err)
		}
		out = append(out, *pi)
	}
	return out, nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		_ = n.mdns.Close()
		err = n.Host.Close()
	})
	return err
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/callcore/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Storage   Storage   `json:"storage"`
	P2P       P2P       `json:"p2p"`
	Transport Transport `json:"transport"`
	Calls     Calls     `json:"calls"`
	Audio     Audio     `json:"audio"`
	API       API       `json:"api"`
	Log       Log       `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file" env:"CALLCORE_KEY_FILE"`

	// UserID identifies this user on the broadcast channels. Empty means
	// "use the libp2p peer id" (gossip transport only).
	UserID      string `json:"user_id" env:"CALLCORE_USER_ID"`
	DisplayName string `json:"display_name" env:"CALLCORE_DISPLAY_NAME"`
}

type Storage struct {
	DBFile string `json:"db_file" env:"CALLCORE_DB_FILE"`
}

type P2P struct {
	ListenPort int      `json:"listen_port" env:"CALLCORE_LISTEN_PORT"`
	MdnsTag    string   `json:"mdns_tag"`
	Bootstrap  []string `json:"bootstrap" env:"CALLCORE_BOOTSTRAP" envSeparator:","`
}

// Transport selects the broadcast primitive.
//
//	gossip: libp2p GossipSub, one topic per conversation
//	nats: hosted NATS server, one subject per conversation
//	memory: in-process hub (single process, development only)
type Transport struct {
	Kind        string `json:"kind" env:"CALLCORE_TRANSPORT"`
	TopicPrefix string `json:"topic_prefix"`

	NATSURL           string `json:"nats_url" env:"CALLCORE_NATS_URL"`
	NATSName          string `json:"nats_name"`
	NATSCredentials   string `json:"nats_credentials" env:"CALLCORE_NATS_CREDENTIALS"`
	NATSReconnectMs   int    `json:"nats_reconnect_wait_ms"`
	NATSMaxReconnects int    `json:"nats_max_reconnects"`
}

type Calls struct {
	// How long a surfaced invite rings before it is expired locally.
	InviteTTLSec int `json:"invite_ttl_seconds" env:"CALLCORE_INVITE_TTL"`

	// Lifetime of the durable ledger row written by the caller.
	LedgerTTLSec int `json:"ledger_ttl_seconds"`

	// Upper bound on envelope decode (key lookup) before falling back.
	DecodeTimeoutMs int `json:"decode_timeout_ms"`

	AvatarCacheSize   int `json:"avatar_cache_size"`
	AvatarCacheTTLSec int `json:"avatar_cache_ttl_seconds"`

	// Interval for re-running conversation discovery so failed subscriptions
	// are retried even without a new-conversation notification.
	ResyncSec int `json:"resync_seconds"`

	ICEServers []string `json:"ice_servers"`
}

type Audio struct {
	// Optional helper executable that bridges the platform audio session.
	// Invoked as: <command> start <mode> | speaker on|off | stop
	Command string `json:"command" env:"CALLCORE_AUDIO_COMMAND"`
}

type API struct {
	HTTPAddr string `json:"http_addr" env:"CALLCORE_HTTP_ADDR"`
}

type Log struct {
	Level      string            `json:"level" env:"CALLCORE_LOG_LEVEL"`
	Subsystems map[string]string `json:"subsystems"`
}

const (
	TransportGossip = "gossip"
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile:     "data/identity.key",
			DisplayName: "anonymous",
		},
		Storage: Storage{
			DBFile: "data/calls.db",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "callcore-mdns",
		},
		Transport: Transport{
			Kind:              TransportGossip,
			TopicPrefix:       "callcore",
			NATSName:          "callcore",
			NATSReconnectMs:   2000,
			NATSMaxReconnects: -1,
		},
		Calls: Calls{
			InviteTTLSec:      45,
			LedgerTTLSec:      60,
			DecodeTimeoutMs:   1500,
			AvatarCacheSize:   256,
			AvatarCacheTTLSec: 600,
			ResyncSec:         30,
			ICEServers:        []string{"stun:stun.l.google.com:19302"},
		},
		API: API{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBFile) == "" {
		return errors.New("storage.db_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, b := range c.P2P.Bootstrap {
		if _, err := ma.NewMultiaddr(b); err != nil {
			return fmt.Errorf("p2p.bootstrap: %q: %w", b, err)
		}
	}

	// Transport
	switch c.Transport.Kind {
	case TransportGossip:
	case TransportNATS:
		if err := validateNATSURL(c.Transport.NATSURL); err != nil {
			return fmt.Errorf("transport.nats_url: %w", err)
		}
	case TransportMemory:
		if strings.TrimSpace(c.Identity.UserID) == "" {
			return errors.New("identity.user_id is required for the memory transport")
		}
	default:
		return fmt.Errorf("transport.kind must be gossip, nats or memory (got %q)", c.Transport.Kind)
	}
	if c.Transport.Kind == TransportNATS && strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required for the nats transport")
	}
	if strings.ContainsAny(c.Transport.TopicPrefix, " *>") {
		return errors.New("transport.topic_prefix must not contain spaces or wildcards")
	}

	// Calls
	if c.Calls.InviteTTLSec <= 0 {
		return errors.New("calls.invite_ttl_seconds must be > 0")
	}
	if c.Calls.LedgerTTLSec <= 0 {
		return errors.New("calls.ledger_ttl_seconds must be > 0")
	}
	if c.Calls.DecodeTimeoutMs <= 0 {
		return errors.New("calls.decode_timeout_ms must be > 0")
	}
	if c.Calls.AvatarCacheSize <= 0 {
		return errors.New("calls.avatar_cache_size must be > 0")
	}
	if c.Calls.AvatarCacheTTLSec < 0 {
		return errors.New("calls.avatar_cache_ttl_seconds must be >= 0")
	}
	if c.Calls.ResyncSec < 0 {
		return errors.New("calls.resync_seconds must be >= 0")
	}

	// API
	if a := strings.TrimSpace(c.API.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("api.http_addr: %w", err)
		}
	}

	return nil
}

func validateNATSURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("required for the nats transport")
	}
	// nats.Connect accepts a comma-separated server list.
	for _, part := range strings.Split(raw, ",") {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid url: %v", err)
		}
		switch u.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			return fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("missing host")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file and applies environment overrides without
// validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyEnv overlays CALLCORE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, true, cfg.Validate()
}

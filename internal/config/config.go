package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/petervdpas/peercall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Call     Call     `json:"call"`
	Consent  Consent  `json:"consent"`
	Audit    Audit    `json:"audit"`
	HTTP     HTTP     `json:"http"`
}

type Identity struct {
	// EndpointID identifies this endpoint in signal traffic.  No spaces,
	// slashes or "..".
	EndpointID  string `json:"endpoint_id"`
	DisplayName string `json:"display_name"`
}

type Store struct {
	// Backend selects the signal store: "memory", "redis" or "relay".
	Backend string `json:"backend"`

	// RedisAddr is the redis host:port (backend "redis").
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// RelayURL is the relay websocket URL (backend "relay"),
	// e.g. ws://localhost:8787/relay.
	RelayURL string `json:"relay_url"`
}

type Call struct {
	// ICEServers are STUN/TURN URLs handed to the peer connection.
	// Hot-reloaded when the config file changes.
	ICEServers []string `json:"ice_servers"`

	// Encrypt seals signal payloads with the per-session key.
	Encrypt bool `json:"encrypt"`

	// RequireLocalMedia makes camera/mic failure fatal instead of
	// degrading to a receive-only call.
	RequireLocalMedia bool `json:"require_local_media"`

	// MonitorBoundSec is the health monitor's connection bound. 0 = 30s.
	MonitorBoundSec int `json:"monitor_bound_sec"`
}

type Consent struct {
	// DevMode bypasses the standing consent check. The call-specific
	// prompt is never bypassed.
	DevMode bool `json:"dev_mode"`
}

type Audit struct {
	// Dir holds audit.db. Empty disables the audit trail.
	Dir string `json:"dir"`
}

type HTTP struct {
	// Addr the local API listens on. Empty disables the HTTP surface.
	Addr string `json:"addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			EndpointID:  "peer-" + util.RandomSuffix(4),
			DisplayName: "peercall endpoint",
		},
		Store: Store{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			RelayURL:  "ws://localhost:8787/relay",
		},
		Call: Call{
			ICEServers:      []string{"stun:stun.l.google.com:19302"},
			Encrypt:         true,
			MonitorBoundSec: 30,
		},
		Audit: Audit{Dir: "data"},
		HTTP:  HTTP{Addr: "127.0.0.1:8790"},
	}
}

func (c *Config) Validate() error {
	id, err := util.ValidateEndpointID(c.Identity.EndpointID)
	if err != nil {
		return fmt.Errorf("identity.endpoint_id: %w", err)
	}
	c.Identity.EndpointID = id
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis backend")
		}
	case "relay":
		if !strings.HasPrefix(c.Store.RelayURL, "ws://") && !strings.HasPrefix(c.Store.RelayURL, "wss://") {
			return fmt.Errorf("store.relay_url %q must be a ws:// or wss:// URL", c.Store.RelayURL)
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, redis, relay", c.Store.Backend)
	}
	if c.Call.MonitorBoundSec < 0 {
		return errors.New("call.monitor_bound_sec must not be negative")
	}
	for _, u := range c.Call.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("call.ice_servers entry %q must be a stun/turn URL", u)
		}
	}
	return nil
}

func Load(path string) (Config, error) {
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

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
	return cfg, true, nil
}

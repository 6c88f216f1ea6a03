// Package gwconfig loads the gateway's configuration from the environment,
// enforces the loopback-only bind policy, and optionally layers in a
// hot-reloadable YAML file for the handful of tunables an operator might
// want to retune without a restart.
package gwconfig

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rustamtm/termgw/internal/ptyproc"
)

// AuthMode selects how incoming HTTP requests are authenticated.
type AuthMode string

const (
	AuthCloudflare AuthMode = "cloudflare"
	AuthBasic      AuthMode = "basic"
	AuthNone       AuthMode = "none"
)

// Config is the gateway's full configuration, assembled once at startup.
type Config struct {
	Host string
	Port int

	AuthMode       AuthMode
	CFIssuer       string
	CFAudience     string
	BasicUser      string
	BasicPassHash  string // bcrypt hash
	AppToken       string

	ShellEnabled        bool
	NodeEnabled         bool
	ReadonlyTailEnabled bool
	TmuxEnabled         bool

	TmuxPrefix    string
	TmuxScope     string
	TmuxMouseMode bool

	DefaultShell string
	DefaultCWD   string

	AttachTokenTTL     time.Duration
	DetachGraceMs      int
	IdleTimeoutMs      int
	MaxSessionsPerUser int
	MaxWsMessageBytes  int

	AuditLogPath string

	TTSEnabled     bool
	STTEnabled     bool
	AINamingEnabled bool
	TTSEndpoint    string
	STTEndpoint    string

	// Tunables holds the subset of the above that may be hot-reloaded from
	// an optional YAML file (see WatchFile).
	Tunables Tunables
}

// Tunables is the hot-reloadable subset of Config. A change here only
// affects sessions created after the reload; a live Session's own copy of
// its config is immutable for its lifetime (SPEC_FULL.md §6).
type Tunables struct {
	IdleTimeoutMs      int      `yaml:"idleTimeoutMs"`
	DetachGraceMs      int      `yaml:"detachGraceMs"`
	MaxSessionsPerUser int      `yaml:"maxSessionsPerUser"`
	PromptPatterns     []string `yaml:"promptPatterns"`
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// Load assembles a Config from the environment and validates the bind
// address is loopback-only, per spec §6/§8 scenario 6.
func Load() (*Config, error) {
	cfg := &Config{
		Host: envOr("GW_HOST", "127.0.0.1"),
		Port: envIntOr("GW_PORT", 8088),

		AuthMode:      AuthMode(envOr("GW_AUTH_MODE", string(AuthNone))),
		CFIssuer:      os.Getenv("GW_CF_ISSUER"),
		CFAudience:    os.Getenv("GW_CF_AUDIENCE"),
		BasicUser:     os.Getenv("GW_BASIC_USER"),
		BasicPassHash: os.Getenv("GW_BASIC_PASS_HASH"),
		AppToken:      os.Getenv("GW_APP_TOKEN"),

		ShellEnabled:        envBoolOr("GW_MODE_SHELL", true),
		NodeEnabled:         envBoolOr("GW_MODE_NODE", false),
		ReadonlyTailEnabled: envBoolOr("GW_MODE_READONLY_TAIL", false),
		TmuxEnabled:         envBoolOr("GW_MODE_TMUX", true),

		TmuxPrefix:    envOr("GW_TMUX_PREFIX", "gw"),
		TmuxScope:     envOr("GW_TMUX_SCOPE", "user"),
		TmuxMouseMode: envBoolOr("GW_TMUX_MOUSE", true),

		DefaultShell: envOr("GW_DEFAULT_SHELL", "/bin/sh"),
		DefaultCWD:   envOr("GW_DEFAULT_CWD", "."),

		AttachTokenTTL:     time.Duration(envIntOr("GW_ATTACH_TOKEN_TTL_MS", 60000)) * time.Millisecond,
		DetachGraceMs:      envIntOr("GW_DETACH_GRACE_MS", 5*60*1000),
		IdleTimeoutMs:      envIntOr("GW_IDLE_TIMEOUT_MS", 60*60*1000),
		MaxSessionsPerUser: envIntOr("GW_MAX_SESSIONS_PER_USER", 12),
		MaxWsMessageBytes:  envIntOr("GW_MAX_WS_MESSAGE_BYTES", 1<<20),

		AuditLogPath: envOr("GW_AUDIT_LOG_PATH", "audit.ndjson"),

		TTSEnabled:      envBoolOr("GW_TTS_ENABLED", false),
		STTEnabled:      envBoolOr("GW_STT_ENABLED", false),
		AINamingEnabled: envBoolOr("GW_AI_NAMING_ENABLED", false),
		TTSEndpoint:     os.Getenv("GW_TTS_ENDPOINT"),
		STTEndpoint:     os.Getenv("GW_STT_ENDPOINT"),
	}

	cfg.Tunables = Tunables{
		IdleTimeoutMs:      cfg.IdleTimeoutMs,
		DetachGraceMs:      cfg.DetachGraceMs,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
	}

	if err := requireLoopback(cfg.Host); err != nil {
		return nil, err
	}

	return cfg, nil
}

// requireLoopback rejects any bind host that doesn't resolve to a loopback
// address, matching the non-loopback-refusal startup check (SPEC_FULL.md
// §8 scenario 6).
func requireLoopback(host string) error {
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("gwconfig: GW_HOST %q is not a valid IP or \"localhost\"", host)
	}
	if !ip.IsLoopback() {
		return fmt.Errorf("gwconfig: refusing to bind non-loopback host %q", host)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ModeEnabledFunc adapts Config's per-mode flags to the predicate
// ptyproc.Spec.Enabled expects.
func (c *Config) ModeEnabledFunc() func(ptyproc.Mode) bool {
	return func(mode ptyproc.Mode) bool {
		switch mode {
		case ptyproc.ModeShell:
			return c.ShellEnabled
		case ptyproc.ModeNode:
			return c.NodeEnabled
		case ptyproc.ModeReadonlyTail:
			return c.ReadonlyTailEnabled
		case ptyproc.ModeTmux:
			return c.TmuxEnabled
		default:
			return false
		}
	}
}

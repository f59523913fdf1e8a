// Package config loads the larkcoder configuration from a JSON file with
// environment-variable overrides (LARKCODER_ prefix).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LarkConfig holds credentials and identity for the Lark/Feishu app.
type LarkConfig struct {
	// AppID / AppSecret identify the custom app in the workspace.
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`

	// BaseDomain overrides the OpenAPI base URL (Feishu vs Lark tenants).
	BaseDomain string `mapstructure:"base_domain"`

	// VerificationToken and EventEncryptKey are passed to the event
	// dispatcher; both may be empty for WS long connections.
	VerificationToken string `mapstructure:"verification_token"`
	EventEncryptKey   string `mapstructure:"event_encrypt_key"`

	// BotOpenID, when set, is used to tell apart mentions of this bot from
	// mentions of other users in group chats. When empty, any mention
	// addresses the bot.
	BotOpenID string `mapstructure:"bot_open_id"`
}

// AgentConfig describes how the ACP agent subprocess is launched and reached.
type AgentConfig struct {
	// Command and Args form the agent command line for the stdio transport.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// WorkDir is the base directory under which session working directories
	// and project folders are created.
	WorkDir string `mapstructure:"work_dir"`

	// Transport selects "stdio" (subprocess pipes) or "sse".
	Transport string `mapstructure:"transport"`

	// SSEURL is the event-stream endpoint; SSESendURL receives JSON-RPC
	// frames via POST. Only used when Transport is "sse".
	SSEURL     string `mapstructure:"sse_url"`
	SSESendURL string `mapstructure:"sse_send_url"`

	// HeartbeatTimeout is how long the SSE reader waits without any frame
	// before declaring the connection dead.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`

	// ReconnectBaseDelay seeds the exponential reconnect backoff, capped at
	// 30s. MaxRetries of 0 retries forever.
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// StreamConfig tunes the streaming card renderer.
type StreamConfig struct {
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	AutoCloseAfter  time.Duration `mapstructure:"auto_close_after"`
	MaxContentBytes int           `mapstructure:"max_content_bytes"`
}

// ShellConfig tunes inline `!` shell command execution.
type ShellConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
}

// EventsConfig tunes inbound event dedup and pruning.
type EventsConfig struct {
	// DedupTTL bounds the in-memory fast path; MaxAge bounds the durable
	// processed_events table, pruned on PruneSchedule (cron spec).
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

// Config is the top-level larkcoder configuration.
type Config struct {
	Lark     LarkConfig     `mapstructure:"lark"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Database DatabaseConfig `mapstructure:"database"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Shell    ShellConfig    `mapstructure:"shell"`
	Events   EventsConfig   `mapstructure:"events"`

	// Commands maps a slash-command name to a prompt template; "{args}" is
	// replaced with the command's argument string.
	Commands map[string]string `mapstructure:"commands"`
}

// DefaultPath is used when neither --config nor CONFIG_PATH is given.
const DefaultPath = "larkcoder.json"

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("LARKCODER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("lark.base_domain", "https://open.feishu.cn")
	v.SetDefault("agent.command", "claude-code-acp")
	v.SetDefault("agent.work_dir", "workspace")
	v.SetDefault("agent.transport", "stdio")
	v.SetDefault("agent.heartbeat_timeout", 90*time.Second)
	v.SetDefault("agent.reconnect_base_delay", time.Second)
	v.SetDefault("agent.max_retries", 0)
	v.SetDefault("database.path", "larkcoder.db")
	v.SetDefault("stream.flush_interval", 150*time.Millisecond)
	v.SetDefault("stream.auto_close_after", 10*time.Minute)
	v.SetDefault("stream.max_content_bytes", 100*1024)
	v.SetDefault("shell.timeout", 5*time.Minute)
	v.SetDefault("shell.max_output_bytes", 100*1024)
	v.SetDefault("events.dedup_ttl", 10*time.Minute)
	v.SetDefault("events.max_age", 7*24*time.Hour)
	v.SetDefault("events.prune_schedule", "@hourly")
	return v
}

// Parse reads the config file at path (or CONFIG_PATH, or DefaultPath) and
// applies env overrides on top.
func Parse(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Lark.AppID == "" || c.Lark.AppSecret == "" {
		return fmt.Errorf("lark.app_id and lark.app_secret are required")
	}
	switch c.Agent.Transport {
	case "stdio":
		if c.Agent.Command == "" {
			return fmt.Errorf("agent.command is required for the stdio transport")
		}
	case "sse":
		if c.Agent.SSEURL == "" || c.Agent.SSESendURL == "" {
			return fmt.Errorf("agent.sse_url and agent.sse_send_url are required for the sse transport")
		}
	default:
		return fmt.Errorf("unknown agent.transport %q", c.Agent.Transport)
	}
	return nil
}

// WriteStarter writes a commented-out starter config to path. It refuses to
// overwrite unless force is set.
func WriteStarter(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	starter := `{
  "lark": {
    "app_id": "cli_xxx",
    "app_secret": "xxx",
    "base_domain": "https://open.feishu.cn"
  },
  "agent": {
    "command": "claude-code-acp",
    "args": [],
    "work_dir": "workspace",
    "transport": "stdio"
  },
  "database": {
    "path": "larkcoder.db"
  }
}
`
	return os.WriteFile(path, []byte(starter), 0o600)
}

// Package config loads the scheduler's JSON5 configuration file and
// keeps it hot-reloadable: a background fsnotify watcher re-parses the
// file on write and swaps it in atomically under a RWMutex.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/lemonforge/runsched/internal/scheduler"
	"github.com/lemonforge/runsched/internal/worker"
)

// EngineConfig describes one entry in the engines.* table.
type EngineConfig struct {
	Kind string `json:"kind"` // "echo", "cli", "mcp"
	ID   string `json:"id"`

	// Command is the stdio command line of an mcp engine; the cli engine
	// takes its command per job from job.Meta["command"] instead.
	Command string   `json:"command,omitempty"`
	// cli
	WorkDir string   `json:"work_dir,omitempty"`
	Timeout int      `json:"timeout_seconds,omitempty"`

	// mcp
	MCPURL   string `json:"mcp_url,omitempty"`
	MCPTool  string `json:"mcp_tool,omitempty"`
}

// TelegramConfig, DiscordConfig, SlackConfig hold per-channel secrets.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
}

type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Token   string `json:"token"`
}

// TracingConfig configures the OTLP exporter tracing.SetupProvider installs.
// Empty Endpoint installs no provider: the OTel global default stays in
// place, so spans are neither recorded nor exported.
type TracingConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	Protocol string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure bool   `json:"insecure,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver"` // "memory", "sqlite", "postgres"
	DSN    string `json:"dsn"`
}

type BusConfig struct {
	Driver string `json:"driver"` // "memory", "redis"
	Addr   string `json:"addr"`
}

type CronJobConfig struct {
	Name       string `json:"name"`
	Expr       string `json:"expr"`
	SessionKey string `json:"session_key"`
	EngineID   string `json:"engine_id"`
	Prompt     string `json:"prompt"`
}

// Config is the root JSON5 document.
type Config struct {
	mu sync.RWMutex

	Scheduler struct {
		MaxConcurrent int `json:"max_concurrent"`
	} `json:"scheduler"`

	Queue struct {
		Cap              int  `json:"cap"`
		DropNewest       bool `json:"drop_newest"`
		FollowupDebounceMs int `json:"followup_debounce_ms"`
		SlotTimeoutSeconds int `json:"slot_timeout_seconds"`
	} `json:"queue"`

	Lanes []scheduler.LaneConfig `json:"lanes"`

	Engines       []EngineConfig `json:"engines"`
	DefaultEngine string         `json:"default_engine"`

	Store    StoreConfig     `json:"store"`
	Bus      BusConfig       `json:"bus"`
	Gateway  GatewayConfig   `json:"gateway"`
	Channels ChannelsConfig  `json:"channels"`
	Cron     []CronJobConfig `json:"cron"`
	Tracing  TracingConfig   `json:"tracing"`

	ChatTTLHours int `json:"chat_ttl_hours"`
}

// Default returns the zero-value config with sane scheduling defaults.
func Default() *Config {
	c := &Config{}
	c.Scheduler.MaxConcurrent = 4
	c.Queue.Cap = 50
	c.Queue.FollowupDebounceMs = 500
	c.Queue.SlotTimeoutSeconds = 30
	c.Lanes = scheduler.DefaultLanes()
	c.DefaultEngine = "echo"
	c.Engines = []EngineConfig{{Kind: "echo", ID: "echo"}}
	c.Store.Driver = "memory"
	c.Bus.Driver = "memory"
	c.ChatTTLHours = 24
	return c
}

// SchedulerConfig translates the loaded document into scheduler.Config.
func (c *Config) SchedulerConfig() scheduler.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return scheduler.Config{
		MaxConcurrent: c.Scheduler.MaxConcurrent,
		WorkerConfig: worker.Config{
			QueueCap:         c.Queue.Cap,
			QueueDropNewest:  c.Queue.DropNewest,
			FollowupDebounce: time.Duration(c.Queue.FollowupDebounceMs) * time.Millisecond,
			SlotTimeout:      time.Duration(c.Queue.SlotTimeoutSeconds) * time.Second,
		},
	}
}

// Load reads and parses a JSON5 config file, overlaying onto defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c := Default()
	if err := json5.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// Save writes cfg to path as indented JSON, which is also valid JSON5.
// Callers that don't want secrets round-tripping to disk should call
// StripSecrets first.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Watcher hot-reloads a Config from disk on write, invoking onChange
// (if non-nil) with the freshly parsed document after each swap.
type Watcher struct {
	path     string
	current  *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	stop     chan struct{}
}

// NewWatcher loads path once, then starts watching it for writes.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{path: path, current: c, watcher: fw, onChange: onChange, stop: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c, err := Load(w.path)
			if err != nil {
				continue // keep serving the last good config
			}
			w.mu.Lock()
			w.current = c
			w.mu.Unlock()
			if w.onChange != nil {
				w.onChange(c)
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}

// Engine kind discriminators used in EngineConfig.Kind.
const (
	EngineKindEcho = "echo"
	EngineKindCLI  = "cli"
	EngineKindMCP  = "mcp"
)

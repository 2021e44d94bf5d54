package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lemonforge/runsched/internal/bus"
	"github.com/lemonforge/runsched/internal/channels"
	"github.com/lemonforge/runsched/internal/channels/discord"
	"github.com/lemonforge/runsched/internal/channels/slack"
	"github.com/lemonforge/runsched/internal/channels/telegram"
	"github.com/lemonforge/runsched/internal/config"
	"github.com/lemonforge/runsched/internal/cron"
	"github.com/lemonforge/runsched/internal/engine"
	"github.com/lemonforge/runsched/internal/enginelock"
	"github.com/lemonforge/runsched/internal/gateway"
	"github.com/lemonforge/runsched/internal/run"
	"github.com/lemonforge/runsched/internal/scheduler"
	"github.com/lemonforge/runsched/internal/store"
	"github.com/lemonforge/runsched/internal/store/pg"
	"github.com/lemonforge/runsched/internal/store/sqlite"
	"github.com/lemonforge/runsched/internal/tracing"
	"github.com/lemonforge/runsched/internal/worker"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/redis/go-redis/v9"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runsched daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// schedAdapter satisfies gateway.Submitter by translating
// scheduler.LaneStats into the gateway package's own LaneStats type, so
// the gateway never imports the scheduler package directly.
type schedAdapter struct {
	*scheduler.Scheduler
}

func (a schedAdapter) LaneStats() []gateway.LaneStats {
	src := a.Scheduler.LaneStats()
	out := make([]gateway.LaneStats, len(src))
	for i, s := range src {
		out[i] = gateway.LaneStats{Name: s.Name, InFlight: s.InFlight, Completed: s.Completed}
	}
	return out
}

func writePIDFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create pid dir: %w", err)
	}
	path := filepath.Join(dir, "runsched.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write pid file: %w", err)
	}
	return path, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return sqlite.Open(cfg.Store.DSN)
	case "postgres":
		return pg.Open(context.Background(), cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("serve: unknown store driver %q", cfg.Store.Driver)
	}
}

func openBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "", "memory":
		return bus.NewMemory(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Bus.Addr})
		return bus.NewRedis(client), nil
	default:
		return nil, fmt.Errorf("serve: unknown bus driver %q", cfg.Bus.Driver)
	}
}

func buildEngineRegistry(ctx context.Context, cfg *config.Config) (*engine.Registry, error) {
	reg := engine.NewRegistry(cfg.DefaultEngine)
	for _, ec := range cfg.Engines {
		switch ec.Kind {
		case config.EngineKindEcho:
			reg.Register(engine.NewEcho())
		case config.EngineKindCLI:
			timeout := time.Duration(ec.Timeout) * time.Second
			cli := engine.NewCLI(ec.WorkDir, timeout)
			reg.Register(namedEngine{CLI: cli, id: engineID(ec)})
		case config.EngineKindMCP:
			cl, err := dialMCP(ctx, ec)
			if err != nil {
				return nil, fmt.Errorf("serve: engine %q: %w", ec.ID, err)
			}
			reg.Register(engine.NewMCP(engineID(ec), cl, ec.MCPTool))
		default:
			return nil, fmt.Errorf("serve: unknown engine kind %q", ec.Kind)
		}
	}
	if len(cfg.Engines) == 0 {
		reg.Register(engine.NewEcho())
	}
	return reg, nil
}

func engineID(ec config.EngineConfig) string {
	if ec.ID != "" {
		return ec.ID
	}
	return ec.Kind
}

// namedEngine lets a *engine.CLI register under a configured id distinct
// from its package-level "cli" default, since a config can name several
// CLI engines against different commands.
type namedEngine struct {
	*engine.CLI
	id string
}

func (n namedEngine) ID() string { return n.id }

// dialMCP connects to and initializes an MCP server: stdio if the engine
// config names a Command, streamable HTTP against MCPURL otherwise.
func dialMCP(ctx context.Context, ec config.EngineConfig) (*mcpclient.Client, error) {
	var cl *mcpclient.Client
	var err error
	switch {
	case ec.Command != "":
		cl, err = mcpclient.NewStdioMCPClient(ec.Command, []string(nil))
	default:
		cl, err = mcpclient.NewStreamableHttpClient(ec.MCPURL)
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if ec.Command == "" {
		if err := cl.Start(ctx); err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
	}
	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "runsched", Version: "0.1.0"}
	if _, err := cl.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return cl, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	dataDir := filepath.Dir(cfgPath)
	pidPath, err := writePIDFile(dataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.SetupProvider(ctx, tracing.ProviderConfig{
		Endpoint: cfg.Tracing.Endpoint,
		Protocol: cfg.Tracing.Protocol,
		Insecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("serve: tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("serve: store: %w", err)
	}
	defer st.Close()

	b, err := openBus(cfg)
	if err != nil {
		return fmt.Errorf("serve: bus: %w", err)
	}

	reg, err := buildEngineRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("serve: engines: %w", err)
	}

	chatState := store.NewChatStateStore(st.Chat(), time.Duration(cfg.ChatTTLHours)*time.Hour, 10*time.Minute)
	idReg := run.NewIDRegistry()
	lock := enginelock.New(enginelock.Config{MaxHold: 10 * time.Minute, ReapInterval: time.Minute})

	deps := worker.Deps{
		Lock:     lock,
		Registry: reg,
		Store:    st,
		Bus:      b,
		Tracer:   tracing.New(),
	}

	sched := scheduler.New(cfg.SchedulerConfig(), deps, cfg.Lanes, chatState, idReg)
	defer sched.Stop()

	slog.Info("runsched started",
		"config", cfgPath,
		"store_driver", cfg.Store.Driver,
		"bus_driver", cfg.Bus.Driver,
		"default_engine", cfg.DefaultEngine,
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
		"pid_file", pidPath,
	)

	if cfg.Gateway.Enabled {
		gw := gateway.New(schedAdapter{sched}, b, cfg.Gateway.Token, func() any {
			masked := cfg.MaskedCopy()
			return masked
		})
		go func() {
			addr := cfg.Gateway.Addr
			if addr == "" {
				addr = ":8099"
			}
			if err := gw.ListenAndServe(ctx, addr); err != nil {
				slog.Error("gateway server error", "error", err)
			}
		}()
		slog.Info("gateway listening", "addr", cfg.Gateway.Addr)
	}

	startChannels(ctx, cfg, sched, b)

	if len(cfg.Cron) > 0 {
		entries := make([]cron.Entry, len(cfg.Cron))
		for i, c := range cfg.Cron {
			entries[i] = cron.Entry{
				Name:       c.Name,
				Expr:       c.Expr,
				SessionKey: c.SessionKey,
				EngineID:   c.EngineID,
				Prompt:     c.Prompt,
			}
		}
		cronSvc, err := cron.New(sched, entries)
		if err != nil {
			return fmt.Errorf("serve: cron: %w", err)
		}
		go cronSvc.Start(ctx)
		defer cronSvc.Stop()
		slog.Info("cron started", "entries", len(entries))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to resolve executable for restart", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("re-exec failed", "error", err)
				if _, werr := writePIDFile(dataDir); werr != nil {
					slog.Error("failed to re-write pid file", "error", werr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}

func startChannels(ctx context.Context, cfg *config.Config, sched channels.Submitter, b bus.Bus) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram.Token, sched, b, cfg.DefaultEngine, scheduler.LaneMain)
		if err != nil {
			slog.Error("telegram adapter failed to start", "error", err)
		} else {
			go func() {
				if err := ch.Start(ctx); err != nil {
					slog.Error("telegram adapter stopped", "error", err)
				}
			}()
			slog.Info("telegram adapter started")
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord.Token, sched, b, cfg.DefaultEngine, scheduler.LaneMain)
		if err != nil {
			slog.Error("discord adapter failed to start", "error", err)
		} else {
			go func() {
				if err := ch.Start(ctx); err != nil {
					slog.Error("discord adapter stopped", "error", err)
				}
			}()
			slog.Info("discord adapter started")
		}
	}
	if cfg.Channels.Slack.Enabled {
		ch, err := slack.New(cfg.Channels.Slack.BotToken, cfg.Channels.Slack.AppToken, sched, b, cfg.DefaultEngine, scheduler.LaneMain)
		if err != nil {
			slog.Error("slack adapter failed to start", "error", err)
		} else {
			go func() {
				if err := ch.Start(ctx); err != nil {
					slog.Error("slack adapter stopped", "error", err)
				}
			}()
			slog.Info("slack adapter started")
		}
	}
}

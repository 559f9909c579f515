package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/channels/console"
	"github.com/nextlevelbuilder/copaw/internal/channels/dingtalk"
	"github.com/nextlevelbuilder/copaw/internal/channels/discord"
	"github.com/nextlevelbuilder/copaw/internal/channels/feishu"
	"github.com/nextlevelbuilder/copaw/internal/channels/imessage"
	"github.com/nextlevelbuilder/copaw/internal/channels/qq"
	"github.com/nextlevelbuilder/copaw/internal/config"
	"github.com/nextlevelbuilder/copaw/internal/cron"
	"github.com/nextlevelbuilder/copaw/internal/gateway"
	"github.com/nextlevelbuilder/copaw/internal/store/file"
	"github.com/nextlevelbuilder/copaw/internal/telemetry"
)

const stopTimeout = 10 * time.Second

// runServe wires the whole runner: config, tracing, the six channel adapters
// behind one manager, cron dispatch, the status server and the config watch.
// Blocks until SIGINT/SIGTERM.
func runServe() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("starting copaw", "version", Version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Debug("trace flush failed", "error", err)
		}
	}()

	manager := channels.NewManager()
	sched := cron.NewScheduler(manager, cfg.Cron.Jobs)
	opts := channels.Options{
		Process:     agent.NewLoopback(),
		OnReplySent: sched.RecordReply,
	}

	for _, name := range channelNames {
		ch, err := buildChannel(name, cfg, opts)
		if err != nil {
			return fmt.Errorf("build %s channel: %w", name, err)
		}
		manager.Register(ch)
	}

	manager.StartAll(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		manager.StopAll(stopCtx)
	}()

	sched.Start(ctx)
	defer sched.Stop()

	server := gateway.NewServer(cfg, manager, Version)
	if cleanup := gateway.StartTailscale(ctx, cfg.Tailscale, server.BuildMux()); cleanup != nil {
		defer cleanup()
	}
	go func() {
		if err := server.Start(ctx); err != nil {
			slog.Error("status server stopped", "error", err)
		}
	}()

	cleanupWatch, err := watchConfig(ctx, cfgPath, cfg, manager, sched, opts)
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else {
		defer cleanupWatch()
	}

	go consoleREPL(ctx, manager)

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// channelNames fixes the registration (and StopAll reverse) order.
var channelNames = []string{
	channels.NameConsole,
	channels.NameIMessage,
	channels.NameDiscord,
	channels.NameDingTalk,
	channels.NameFeishu,
	channels.NameQQ,
}

// buildChannel constructs one adapter from the current config. Disabled
// adapters are still built and registered; their Start is a no-op, and a
// config reload can enable them in place via Replace.
func buildChannel(name string, cfg *config.Config, opts channels.Options) (channels.Channel, error) {
	switch name {
	case channels.NameConsole:
		push := file.NewPushStore(cfg.DataPath("console_push.jsonl"))
		return console.New(cfg.Channels.Console, push, opts), nil
	case channels.NameIMessage:
		return imessage.New(cfg.Channels.IMessage, opts), nil
	case channels.NameDiscord:
		return discord.New(cfg.Channels.Discord, opts)
	case channels.NameDingTalk:
		webhooks := file.NewRoutingStore(cfg.DataPath("dingtalk_session_webhooks.json"))
		return dingtalk.New(cfg.Channels.DingTalk, webhooks, opts), nil
	case channels.NameFeishu:
		routes := file.NewRoutingStore(cfg.DataPath("feishu_receive_ids.json"))
		return feishu.New(cfg.Channels.Feishu, routes, opts), nil
	case channels.NameQQ:
		return qq.New(cfg.Channels.QQ, opts), nil
	}
	return nil, fmt.Errorf("unknown channel %q", name)
}

// consoleREPL feeds stdin lines into the console adapter. Looked up through
// the manager on every line so a hot-swapped instance is picked up.
func consoleREPL(ctx context.Context, manager *channels.Manager) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ch, ok := manager.Get(channels.NameConsole)
		if !ok {
			continue
		}
		con, ok := ch.(*console.Channel)
		if !ok || !con.Enabled() || !con.IsRunning() {
			continue
		}
		if err := con.EnqueueText(ctx, line); err != nil {
			slog.Warn("console input dropped", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("stdin closed", "error", err)
	}
}

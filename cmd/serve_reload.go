package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
	"github.com/nextlevelbuilder/copaw/internal/cron"
)

const reloadDebounce = 500 * time.Millisecond

// watchConfig hot-reloads the config file: changed channel sections rebuild
// that adapter and swap it in through Manager.Replace, cron jobs are applied
// in place. Gateway/telemetry/tailscale changes need a restart and are only
// logged. Returns a cleanup func.
func watchConfig(ctx context.Context, path string, cfg *config.Config, manager *channels.Manager, sched *cron.Scheduler, opts channels.Options) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory: editors and config.Save replace the file by
	// rename, which drops a watch on the file itself.
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	r := &reloader{
		path:    path,
		manager: manager,
		sched:   sched,
		opts:    opts,
		cfg:     cfg,
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				r.trigger(ctx)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// reloader debounces file events and applies config diffs. cfg is the live
// instance shared with the gateway server, updated in place via ReplaceFrom.
type reloader struct {
	path    string
	manager *channels.Manager
	sched   *cron.Scheduler
	opts    channels.Options
	cfg     *config.Config

	mu    sync.Mutex
	timer *time.Timer
}

func (r *reloader) trigger(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(reloadDebounce, func() {
		if ctx.Err() != nil {
			return
		}
		r.reload(ctx)
	})
}

func (r *reloader) reload(ctx context.Context) {
	next, err := config.Load(r.path)
	if err != nil {
		slog.Error("config reload failed, keeping current config", "error", err)
		return
	}

	prev := r.cfg.Snapshot()
	if next.Hash() == prev.Hash() {
		return
	}
	slog.Info("config changed, applying")

	// Update the shared instance in place so the gateway server and anything
	// else holding the pointer sees the new values.
	r.cfg.ReplaceFrom(next)

	r.sched.SetJobs(next.Cron.Jobs)

	for _, name := range changedChannels(prev, next) {
		ch, err := buildChannel(name, next, r.opts)
		if err != nil {
			slog.Error("channel rebuild failed", "channel", name, "error", err)
			continue
		}
		if err := r.manager.Replace(ctx, ch); err != nil {
			slog.Error("channel replace failed, old instance kept", "channel", name, "error", err)
		}
	}

	if !reflect.DeepEqual(prev.Gateway, next.Gateway) ||
		!reflect.DeepEqual(prev.Telemetry, next.Telemetry) ||
		!reflect.DeepEqual(prev.Tailscale, next.Tailscale) {
		slog.Warn("gateway/telemetry/tailscale changes take effect on restart")
	}
}

// changedChannels lists the channel sections that differ between two configs.
func changedChannels(prev, next *config.Config) []string {
	var out []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	add(channels.NameConsole, prev.Channels.Console, next.Channels.Console)
	add(channels.NameIMessage, prev.Channels.IMessage, next.Channels.IMessage)
	add(channels.NameDiscord, prev.Channels.Discord, next.Channels.Discord)
	add(channels.NameDingTalk, prev.Channels.DingTalk, next.Channels.DingTalk)
	add(channels.NameFeishu, prev.Channels.Feishu, next.Channels.Feishu)
	add(channels.NameQQ, prev.Channels.QQ, next.Channels.QQ)
	return out
}

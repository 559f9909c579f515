package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/copaw/internal/agent"
)

// ErrChannelNotFound is returned by dispatch entry points when the named
// channel is not registered.
var ErrChannelNotFound = errors.New("channel not found")

// Manager holds the active set of adapters, drives their lifecycle, supports
// live replacement of one adapter, and exposes the two proactive dispatch
// entry points used by schedulers and HTTP layers.
//
// The adapter list is ordered (start order) and guarded by one lock.
type Manager struct {
	mu       sync.Mutex
	channels []Channel
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register appends an adapter to the list.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Get returns a registered adapter by channel tag.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if ch.Name() == name {
			return ch, true
		}
	}
	return nil, false
}

// Names returns the registered channel tags in list order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Status returns per-channel enabled/running state for the status server.
func (m *Manager) Status() map[string]map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := make(map[string]map[string]bool, len(m.channels))
	for _, ch := range m.channels {
		running := false
		if r, ok := ch.(interface{ IsRunning() bool }); ok {
			running = r.IsRunning()
		}
		status[ch.Name()] = map[string]bool{
			"enabled": ch.Enabled(),
			"running": running,
		}
	}
	return status
}

// StartAll starts adapters in list order. A startup failure is logged and
// must not block the remaining adapters.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return
	}

	slog.Info("starting all channels", "count", len(m.channels))
	for _, ch := range m.channels {
		slog.Info("starting channel", "channel", ch.Name())
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", ch.Name(), "error", err)
		}
	}
}

// StopAll stops adapters in reverse list order, concurrently. Per-adapter
// failures are isolated and logged, never propagated.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("stopping all channels")
	g, ctx := errgroup.WithContext(ctx)
	for i := len(m.channels) - 1; i >= 0; i-- {
		ch := m.channels[i]
		g.Go(func() error {
			if err := ch.Stop(ctx); err != nil {
				slog.Error("error stopping channel", "channel", ch.Name(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("all channels stopped")
}

// Replace hot-swaps the adapter with the same channel tag. The new instance
// is started outside the lock first — startup can be slow (gateway dial) and
// must not block dispatch. Only after a successful start is the list entry
// swapped and the old instance stopped, both inside the brief critical
// section. If the new instance fails to start it is stopped and the error
// returned; the old instance keeps running untouched.
func (m *Manager) Replace(ctx context.Context, newCh Channel) error {
	if err := newCh.Start(ctx); err != nil {
		if stopErr := newCh.Stop(ctx); stopErr != nil {
			slog.Warn("stopping failed replacement channel", "channel", newCh.Name(), "error", stopErr)
		}
		return fmt.Errorf("start replacement channel %s: %w", newCh.Name(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, ch := range m.channels {
		if ch.Name() == newCh.Name() {
			old := ch
			m.channels[i] = newCh
			if err := old.Stop(ctx); err != nil {
				slog.Error("error stopping replaced channel", "channel", old.Name(), "error", err)
			}
			slog.Info("channel replaced", "channel", newCh.Name())
			return nil
		}
	}

	m.channels = append(m.channels, newCh)
	slog.Info("channel added", "channel", newCh.Name())
	return nil
}

// SendEvent delivers one canonical event to a specific (channel, user,
// session), merging the adapter's bot prefix and the routing ids into meta.
// Returns ErrChannelNotFound for an unknown channel tag.
func (m *Manager) SendEvent(ctx context.Context, channel, userID, sessionID string, ev agent.Event, meta map[string]any) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	meta = mergeDispatchMeta(meta, ch, userID, sessionID)
	return ch.SendEvent(ctx, userID, sessionID, ev, meta)
}

// SendText delivers plain text to a specific (channel, user, session) through
// the adapter's parts path. This is the scheduled-job dispatch entry point: it
// must work with no open conversation, relying entirely on persisted routing
// state, and must not return an error when no routing token exists (the
// adapter warns and no-ops).
func (m *Manager) SendText(ctx context.Context, channel, userID, sessionID, text string, meta map[string]any) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	meta = mergeDispatchMeta(meta, ch, userID, sessionID)
	toHandle := ch.HandleFromTarget(userID, sessionID)
	parts := []Part{{Type: agent.BlockText, Text: text}}
	return ch.SendParts(ctx, toHandle, parts, meta)
}

// mergeDispatchMeta builds the meta for an out-of-band dispatch: routing ids
// and the adapter prefix are filled in, and the send is marked as a push so
// adapters that capture proactive deliveries (console) can tell it apart from
// an in-conversation reply. Caller-provided values always win.
func mergeDispatchMeta(meta map[string]any, ch Channel, userID, sessionID string) map[string]any {
	merged := make(map[string]any, len(meta)+4)
	for k, v := range meta {
		merged[k] = v
	}
	if _, ok := merged["push"]; !ok {
		merged["push"] = true
	}
	if _, ok := merged["bot_prefix"]; !ok {
		merged["bot_prefix"] = ch.BotPrefix()
	}
	if _, ok := merged["session_id"]; !ok && sessionID != "" {
		merged["session_id"] = sessionID
	}
	if _, ok := merged["user_id"]; !ok && userID != "" {
		merged["user_id"] = userID
	}
	return merged
}

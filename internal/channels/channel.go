// Package channels provides the channel abstraction layer bridging external
// chat platforms (console, iMessage, Discord, DingTalk, Feishu, QQ) to the
// agent-processing pipeline. Each adapter owns one platform transport,
// normalizes inbound events into the Incoming envelope, and renders canonical
// pipeline events back into platform sends.
package channels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/copaw/internal/agent"
)

// OnReplySent is invoked once per completed dispatch that produced a
// user-visible reply. The owner process uses it to track the most recently
// active conversation for default-target cron dispatch.
type OnReplySent func(channel, userID, sessionID string)

// Channel is the contract every platform adapter satisfies.
type Channel interface {
	// Name returns the channel tag ("discord", "dingtalk", ...).
	Name() string

	// Enabled reports whether the adapter is configured to run.
	Enabled() bool

	// BotPrefix returns the configured reply prefix for this adapter.
	BotPrefix() string

	// Start begins the platform transport. Non-blocking after setup,
	// idempotent, and a no-op (no error) on a disabled adapter.
	Start(ctx context.Context) error

	// Stop shuts the transport down. Idempotent; swallows internal
	// cancellation errors so one adapter cannot abort shutdown of others.
	Stop(ctx context.Context) error

	// ToAgentRequest converts an Incoming into the canonical request.
	ToAgentRequest(in *Incoming) *agent.Request

	// Send is the minimal platform delivery primitive. A missing routing
	// token must not return an error (warn and no-op); a structurally
	// unresolvable target may (programmer error).
	Send(ctx context.Context, toHandle, text string, meta map[string]any) error

	// SendMedia delivers one media part. The base default is a no-op since
	// the default SendParts already degrades media to bracketed text.
	SendMedia(ctx context.Context, toHandle string, part Part, meta map[string]any) error

	// SendParts is the core outbound contract: deliver a list of rendered
	// parts to a handle.
	SendParts(ctx context.Context, toHandle string, parts []Part, meta map[string]any) error

	// HandleFromTarget maps a (user, session) pair from out-of-band dispatch
	// to the adapter's own addressing scheme.
	HandleFromTarget(userID, sessionID string) string

	// SendEvent delivers one canonical event proactively. Only completed
	// message events are rendered; everything else is ignored.
	SendEvent(ctx context.Context, userID, sessionID string, ev agent.Event, meta map[string]any) error
}

// BaseChannel carries the shared adapter state and the default behaviors of
// the channel contract. Adapters embed it and shadow what they do differently.
type BaseChannel struct {
	name            string
	enabled         bool
	botPrefix       string
	showToolDetails bool
	process         agent.Process
	onReplySent     OnReplySent
	running         bool
}

// Options configures a BaseChannel.
type Options struct {
	Enabled         bool
	BotPrefix       string
	ShowToolDetails bool
	Process         agent.Process
	OnReplySent     OnReplySent
}

// NewBaseChannel creates the shared adapter core.
func NewBaseChannel(name string, opts Options) *BaseChannel {
	prefix := opts.BotPrefix
	if prefix == "" {
		prefix = "[BOT] "
	}
	return &BaseChannel{
		name:            name,
		enabled:         opts.Enabled,
		botPrefix:       prefix,
		showToolDetails: opts.ShowToolDetails,
		process:         opts.Process,
		onReplySent:     opts.OnReplySent,
	}
}

// Name returns the channel tag.
func (b *BaseChannel) Name() string { return b.name }

// Enabled reports whether the adapter is configured to run.
func (b *BaseChannel) Enabled() bool { return b.enabled }

// BotPrefix returns the configured reply prefix.
func (b *BaseChannel) BotPrefix() string { return b.botPrefix }

// ShowToolDetails reports whether tool calls/results are rendered verbosely.
func (b *BaseChannel) ShowToolDetails() bool { return b.showToolDetails }

// IsRunning reports whether the transport is active.
func (b *BaseChannel) IsRunning() bool { return b.running }

// SetRunning updates the running state.
func (b *BaseChannel) SetRunning(running bool) { b.running = running }

// ToAgentRequest is the default conversion: user id is the sender handle and
// the session id is "{channel}:{sender}". Adapters with a stronger
// conversation identity (DingTalk, Feishu, Discord) shadow this.
func (b *BaseChannel) ToAgentRequest(in *Incoming) *agent.Request {
	return &agent.Request{
		SessionID: fmt.Sprintf("%s:%s", in.Channel, in.Sender),
		UserID:    in.Sender,
		Channel:   in.Channel,
		Input:     in.ContentList(),
	}
}

// HandleFromTarget defaults to the user id.
func (b *BaseChannel) HandleFromTarget(userID, _ string) string { return userID }

// SendMedia is a no-op by default: the default SendParts path already degraded
// media parts to bracketed text in the body.
func (b *BaseChannel) SendMedia(_ context.Context, _ string, _ Part, _ map[string]any) error {
	return nil
}

// ForwardEvent implements the default SendEvent: filter to completed message
// events, resolve the handle via the adapter's HandleFromTarget, render and
// forward to its SendParts. Adapters call this with themselves as ch so the
// shadowed methods are the ones dispatched.
func (b *BaseChannel) ForwardEvent(ctx context.Context, ch Channel, userID, sessionID string, ev agent.Event, meta map[string]any) error {
	if ev.Object != agent.ObjectMessage || ev.Status != agent.StatusCompleted || ev.Message == nil {
		return nil
	}
	toHandle := ch.HandleFromTarget(userID, sessionID)
	parts := RenderMessage(ev.Message, b.showToolDetails)
	return ch.SendParts(ctx, toHandle, parts, meta)
}

// NotifyReplySent fires the reply-sent callback if one is configured.
func (b *BaseChannel) NotifyReplySent(userID, sessionID string) {
	if b.onReplySent != nil {
		b.onReplySent(b.name, userID, sessionID)
	}
}

// Process returns the pipeline callable.
func (b *BaseChannel) Process() agent.Process { return b.process }

// SendMeta merges the adapter bot prefix into a copy of the inbound meta bag,
// producing the meta passed along the outbound path.
func (b *BaseChannel) SendMeta(in *Incoming) map[string]any {
	meta := make(map[string]any, len(in.Meta)+1)
	for k, v := range in.Meta {
		meta[k] = v
	}
	meta["bot_prefix"] = b.botPrefix
	return meta
}

// PrefixFrom resolves the effective bot prefix for a send: an explicit
// meta["bot_prefix"] wins over the adapter default.
func (b *BaseChannel) PrefixFrom(meta map[string]any) string {
	if meta != nil {
		if v, ok := meta["bot_prefix"].(string); ok {
			return v
		}
	}
	return b.botPrefix
}

// LogSendError logs a failed outbound delivery without propagating it;
// per-message send failures never abort a consumer loop.
func (b *BaseChannel) LogSendError(toHandle string, err error) {
	if err != nil {
		slog.Error("send failed", "channel", b.name, "to", toHandle, "error", err)
	}
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package channels

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/copaw/internal/agent"
)

// GenericErrorReply is synthesized when the pipeline fails before producing a
// terminal response event.
const GenericErrorReply = "An error occurred while processing your request."

// RunIncoming drives one Incoming through the pipeline and fans the event
// stream back out through the adapter: completed message events are rendered
// and sent as one logical unit each, in stream order; the terminal response
// event is inspected only for its error. Every failure path ends in either a
// human-readable reply or silence — never a propagated panic/error, so a bad
// message cannot kill an adapter's consumer loop.
func (b *BaseChannel) RunIncoming(ctx context.Context, ch Channel, in *Incoming, toHandle string) {
	tracer := otel.Tracer("copaw/channels")
	ctx, span := tracer.Start(ctx, "channel.dispatch",
		trace.WithAttributes(attribute.String("channel", b.name)))
	defer span.End()

	req := ch.ToAgentRequest(in)
	meta := b.SendMeta(in)
	meta["session_id"] = req.SessionID
	meta["user_id"] = req.UserID

	stream, err := b.process(ctx, req)
	if err != nil {
		slog.Error("pipeline invocation failed", "channel", b.name, "session_id", req.SessionID, "error", err)
		span.RecordError(err)
		if sendErr := ch.Send(ctx, toHandle, b.PrefixFrom(meta)+GenericErrorReply, meta); sendErr != nil {
			b.LogSendError(toHandle, sendErr)
		} else {
			b.NotifyReplySent(req.UserID, req.SessionID)
		}
		return
	}

	replied := false
	var last *agent.Event
	count := 0
	for ev := range stream {
		count++
		switch ev.Object {
		case agent.ObjectMessage:
			if ev.Status != agent.StatusCompleted || ev.Message == nil {
				continue
			}
			slog.Debug("sending completed message",
				"channel", b.name, "type", ev.Message.Type, "to", toHandle)
			parts := RenderMessage(ev.Message, b.showToolDetails)
			if err := ch.SendParts(ctx, toHandle, parts, meta); err != nil {
				b.LogSendError(toHandle, err)
			} else {
				replied = true
			}
		case agent.ObjectResponse:
			ev := ev
			last = &ev
		}
	}

	slog.Debug("stream done",
		"channel", b.name, "events", count, "has_response", last != nil)

	switch {
	case last == nil:
		// Stream ended without a terminal response: treat as silently failed.
		if err := ch.Send(ctx, toHandle, b.PrefixFrom(meta)+GenericErrorReply, meta); err != nil {
			b.LogSendError(toHandle, err)
		} else {
			replied = true
		}
	case last.Error != nil:
		span.RecordError(last.Error)
		if err := ch.Send(ctx, toHandle, b.PrefixFrom(meta)+"Error: "+last.Error.Message, meta); err != nil {
			b.LogSendError(toHandle, err)
		} else {
			replied = true
		}
	}

	// The callback tracks the most recently active conversation for default
	// cron targeting, so it only fires when something actually went out.
	if replied {
		b.NotifyReplySent(req.UserID, req.SessionID)
	}
}

// ConsumeLoop drains an inbound queue, dispatching each Incoming through
// RunIncoming. Returns when the context is cancelled or the queue closes.
// toHandle derives the reply handle from the message (most adapters reply to
// the sender; conversation-keyed adapters derive it from meta).
func (b *BaseChannel) ConsumeLoop(ctx context.Context, ch Channel, queue <-chan *Incoming, toHandle func(*Incoming) string) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-queue:
			if !ok {
				return
			}
			b.RunIncoming(ctx, ch, in, toHandle(in))
		}
	}
}

// Package console implements the local terminal adapter. It is the default
// channel: inbound lines come from whatever feeds Enqueue (the serve REPL),
// replies are printed to stdout with ANSI styling, and proactive pushes that
// arrive while nobody is watching are also captured to a JSON-lines store.
package console

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
	"github.com/nextlevelbuilder/copaw/internal/store/file"
)

const (
	ansiReset = "\x1b[0m"
	ansiBold  = "\x1b[1m"
	ansiCyan  = "\x1b[36m"
	ansiDim   = "\x1b[2m"
)

const queueSize = 1000

// DefaultSender is the user id attributed to terminal input.
const DefaultSender = "local"

// Channel is the console adapter.
type Channel struct {
	*channels.BaseChannel
	color bool
	push  *file.PushStore
	queue chan *channels.Incoming
	out   *os.File

	cancel context.CancelFunc
	done   chan struct{}
}

var _ channels.Channel = (*Channel)(nil)

// New creates the console adapter.
func New(cfg config.ConsoleConfig, push *file.PushStore, opts channels.Options) *Channel {
	opts.Enabled = cfg.Enabled
	if cfg.BotPrefix != "" {
		opts.BotPrefix = cfg.BotPrefix
	}
	opts.ShowToolDetails = cfg.ShowToolDetails

	color := true
	if cfg.Color != nil {
		color = *cfg.Color
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel(channels.NameConsole, opts),
		color:       color,
		push:        push,
		queue:       make(chan *channels.Incoming, queueSize),
		out:         os.Stdout,
	}
}

// Start launches the queue consumer.
func (c *Channel) Start(ctx context.Context) error {
	if !c.Enabled() || c.IsRunning() {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)

	go func() {
		defer close(c.done)
		c.ConsumeLoop(ctx, c, c.queue, func(in *channels.Incoming) string {
			return in.Sender
		})
	}()
	return nil
}

// Stop cancels the consumer and waits for it to drain.
func (c *Channel) Stop(ctx context.Context) error {
	if !c.IsRunning() {
		return nil
	}
	c.SetRunning(false)
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return nil
}

// Enqueue submits one inbound envelope for processing. Blocks when the queue
// is full, which back-pressures the feeder.
func (c *Channel) Enqueue(ctx context.Context, in *channels.Incoming) error {
	select {
	case c.queue <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueText submits one line of terminal input.
func (c *Channel) EnqueueText(ctx context.Context, text string) error {
	return c.Enqueue(ctx, &channels.Incoming{
		Channel: channels.NameConsole,
		Sender:  DefaultSender,
		Text:    text,
	})
}

// Send prints the text to the terminal. Pushes (out-of-band dispatch) are
// additionally captured to the push store so a reply printed to a detached
// terminal is not lost.
func (c *Channel) Send(_ context.Context, toHandle, text string, meta map[string]any) error {
	fmt.Fprintln(c.out, c.banner())
	fmt.Fprintln(c.out, text)

	if isPush(meta) && c.push != nil {
		rec := file.PushRecord{
			Time:    time.Now(),
			Channel: channels.NameConsole,
			UserID:  toHandle,
			Text:    text,
		}
		if sid, ok := meta["session_id"].(string); ok {
			rec.SessionID = sid
		}
		if err := c.push.Append(rec); err != nil {
			return fmt.Errorf("append push record: %w", err)
		}
	}
	return nil
}

// SendParts prints each part on its own styled line instead of collapsing to
// one body, so media references stay visually distinct in the terminal.
func (c *Channel) SendParts(ctx context.Context, toHandle string, parts []channels.Part, meta map[string]any) error {
	var lines []string
	for _, p := range parts {
		switch p.Type {
		case agent.BlockText:
			lines = append(lines, p.Text)
		case agent.BlockRefusal:
			lines = append(lines, c.dim(p.Refusal))
		case agent.BlockImage:
			lines = append(lines, c.dim("[Image] ")+p.ImageURL)
		case agent.BlockVideo:
			lines = append(lines, c.dim("[Video] ")+p.VideoURL)
		case agent.BlockAudio:
			lines = append(lines, c.dim("[Audio]"))
		case agent.BlockFile:
			ref := p.FileURL
			if ref == "" {
				ref = p.FileName
			}
			lines = append(lines, c.dim("[File] ")+ref)
		default:
			lines = append(lines, p.Text)
		}
	}
	body := strings.Join(lines, "\n")
	if prefix := c.PrefixFrom(meta); prefix != "" {
		body = c.style(ansiBold, prefix) + body
	}
	return c.Send(ctx, toHandle, body, meta)
}

// SendEvent forwards through the default event path.
func (c *Channel) SendEvent(ctx context.Context, userID, sessionID string, ev agent.Event, meta map[string]any) error {
	return c.ForwardEvent(ctx, c, userID, sessionID, ev, meta)
}

// banner is a width-aware separator printed before each reply.
func (c *Channel) banner() string {
	label := " copaw "
	width := 48
	pad := width - runewidth.StringWidth(label)
	if pad < 2 {
		pad = 2
	}
	left := strings.Repeat("─", pad/2)
	right := strings.Repeat("─", pad-pad/2)
	return c.style(ansiCyan, left+label+right)
}

func (c *Channel) style(code, s string) string {
	if !c.color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func (c *Channel) dim(s string) string { return c.style(ansiDim, s) }

func isPush(meta map[string]any) bool {
	if meta == nil {
		return false
	}
	v, ok := meta["push"].(bool)
	return ok && v
}

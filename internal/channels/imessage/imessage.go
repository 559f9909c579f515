// Package imessage implements the macOS Messages adapter. There is no bot
// API: inbound messages are read straight out of the Messages SQLite database
// by polling for new ROWIDs, and outbound replies go through the imsg CLI.
package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
)

const queueSize = 1000

// Channel is the iMessage adapter.
type Channel struct {
	*channels.BaseChannel
	dbPath   string
	imsgPath string
	poll     time.Duration

	db    *sql.DB
	queue chan *channels.Incoming

	cancel context.CancelFunc
	done   chan struct{}
}

var _ channels.Channel = (*Channel)(nil)

// New creates the iMessage adapter.
func New(cfg config.IMessageConfig, opts channels.Options) *Channel {
	opts.Enabled = cfg.Enabled
	if cfg.BotPrefix != "" {
		opts.BotPrefix = cfg.BotPrefix
	}
	opts.ShowToolDetails = cfg.ShowToolDetails

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "~/Library/Messages/chat.db"
	}
	imsgPath := cfg.IMsgPath
	if imsgPath == "" {
		imsgPath = "imsg"
	}
	poll := time.Duration(cfg.PollIntervalSec) * time.Second
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel(channels.NameIMessage, opts),
		dbPath:      config.ExpandHome(dbPath),
		imsgPath:    imsgPath,
		poll:        poll,
		queue:       make(chan *channels.Incoming, queueSize),
	}
}

// Start verifies the imsg binary, opens the Messages database read-only and
// launches the poller and consumer.
func (c *Channel) Start(ctx context.Context) error {
	if !c.Enabled() || c.IsRunning() {
		return nil
	}

	path, err := exec.LookPath(c.imsgPath)
	if err != nil {
		return fmt.Errorf("imsg binary not found (brew install steipete/tap/imsg): %w", err)
	}
	c.imsgPath = path

	db, err := sql.Open("sqlite", "file:"+c.dbPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open messages db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping messages db: %w", err)
	}
	c.db = db

	lastRowID, err := c.maxRowID(ctx)
	if err != nil {
		db.Close()
		return fmt.Errorf("read rowid watermark: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)

	go c.pollLoop(ctx, lastRowID)
	go func() {
		defer close(c.done)
		c.ConsumeLoop(ctx, c, c.queue, func(in *channels.Incoming) string {
			return in.Sender
		})
	}()

	slog.Info("imessage watcher started", "db", c.dbPath, "poll", c.poll)
	return nil
}

// Stop cancels the poller and consumer and closes the database.
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
	if c.db != nil {
		c.db.Close()
	}
	return nil
}

// Send delivers text through the imsg CLI. Disabled adapters no-op.
func (c *Channel) Send(ctx context.Context, toHandle, text string, _ map[string]any) error {
	if !c.Enabled() {
		return nil
	}
	cmd := exec.CommandContext(ctx, c.imsgPath, "send", "--to", toHandle, "--text", text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("imsg send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SendParts uses the default text-merging delivery.
func (c *Channel) SendParts(ctx context.Context, toHandle string, parts []channels.Part, meta map[string]any) error {
	return c.DeliverParts(ctx, c, toHandle, parts, meta)
}

// SendEvent forwards through the default event path.
func (c *Channel) SendEvent(ctx context.Context, userID, sessionID string, ev agent.Event, meta map[string]any) error {
	return c.ForwardEvent(ctx, c, userID, sessionID, ev, meta)
}

func (c *Channel) maxRowID(ctx context.Context) (int64, error) {
	var rowid int64
	err := c.db.QueryRowContext(ctx, "SELECT IFNULL(MAX(ROWID),0) FROM message").Scan(&rowid)
	return rowid, err
}

const pollQuery = `
SELECT m.ROWID, m.text, m.is_from_me, c.ROWID AS chat_rowid, h.id AS sender
FROM message m
JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
JOIN chat c ON c.ROWID = cmj.chat_id
LEFT JOIN handle h ON h.ROWID = m.handle_id
WHERE m.ROWID > ?
ORDER BY m.ROWID ASC`

// pollLoop scans for messages past the ROWID watermark. The watermark
// advances over every row seen (own and skipped messages included) so a bad
// row is never re-read.
func (c *Channel) pollLoop(ctx context.Context, lastRowID int64) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := c.pollOnce(ctx, lastRowID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("imessage poll failed", "error", err)
			continue
		}
		lastRowID = next
	}
}

func (c *Channel) pollOnce(ctx context.Context, lastRowID int64) (int64, error) {
	rows, err := c.db.QueryContext(ctx, pollQuery, lastRowID)
	if err != nil {
		return lastRowID, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rowid     int64
			text      sql.NullString
			isFromMe  int
			chatRowID int64
			sender    sql.NullString
		)
		if err := rows.Scan(&rowid, &text, &isFromMe, &chatRowID, &sender); err != nil {
			return lastRowID, err
		}
		lastRowID = rowid

		// Own messages and our bot's echoed replies are not input.
		if isFromMe == 1 {
			continue
		}
		body := text.String
		if body == "" || strings.HasPrefix(body, c.BotPrefix()) {
			continue
		}
		from := strings.TrimSpace(sender.String)
		if from == "" {
			continue
		}

		in := &channels.Incoming{
			Channel: channels.NameIMessage,
			Sender:  from,
			Text:    body,
			Meta: map[string]any{
				"chat_rowid": strconv.FormatInt(chatRowID, 10),
				"rowid":      rowid,
			},
		}
		slog.Info("imessage received", "from", from, "rowid", rowid)

		select {
		case c.queue <- in:
		case <-ctx.Done():
			return lastRowID, ctx.Err()
		}
	}
	return lastRowID, rows.Err()
}

package qq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
)

func testChannel() *Channel {
	return New(config.QQConfig{Enabled: true, AppID: "app", AppSecret: "secret"}, channels.Options{})
}

func TestParseExpiresIn(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Duration
	}{
		{"number", `7200`, 7200 * time.Second},
		{"string", `"3600"`, 3600 * time.Second},
		{"garbage string", `"soon"`, 7200 * time.Second},
		{"missing", ``, 7200 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseExpiresIn(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("parseExpiresIn(%s) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNextSeq(t *testing.T) {
	c := newAPIClient("a", "s", false)

	t.Run("increments per message id", func(t *testing.T) {
		if got := c.nextSeq("m1"); got != 1 {
			t.Errorf("first = %d", got)
		}
		if got := c.nextSeq("m1"); got != 2 {
			t.Errorf("second = %d", got)
		}
		if got := c.nextSeq("m2"); got != 1 {
			t.Errorf("other id = %d", got)
		}
	})

	t.Run("trim spares the live key", func(t *testing.T) {
		c := newAPIClient("a", "s", false)
		for i := 0; i < 1000; i++ {
			c.nextSeq(fmt.Sprintf("m%d", i))
		}
		c.nextSeq("live")
		if got := c.nextSeq("live"); got != 2 {
			t.Errorf("live seq = %d, want 2", got)
		}
		c.seqMu.Lock()
		n := len(c.seq)
		c.seqMu.Unlock()
		if n > 1000 {
			t.Errorf("seq cache = %d entries after trim", n)
		}
	})
}

func TestSandboxBase(t *testing.T) {
	if got := newAPIClient("a", "s", true).base; got != sandboxAPIBase {
		t.Errorf("base = %q", got)
	}
	if got := newAPIClient("a", "s", false).base; got != apiBase {
		t.Errorf("base = %q", got)
	}
}

func TestIntentsFallback(t *testing.T) {
	g := newGateway(newAPIClient("a", "s", false), nil)

	full := g.intents()
	if full&intentDirectMessage == 0 || full&intentGroupAndC2C == 0 {
		t.Errorf("full intents = %#x, want DM and group bits", full)
	}

	g.identifyFails = identifyFailLimit
	reduced := g.intents()
	if reduced&intentDirectMessage != 0 || reduced&intentGroupAndC2C != 0 {
		t.Errorf("reduced intents = %#x, want DM and group bits dropped", reduced)
	}
	if reduced&intentPublicGuildMessages == 0 {
		t.Errorf("reduced intents = %#x, guild messages must survive", reduced)
	}
}

func TestHeartbeatReadsSeqConcurrently(t *testing.T) {
	g := newGateway(newAPIClient("a", "s", false), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.heartbeatLoop(ctx, time.Millisecond)
	}()

	// Writes race the heartbeat reads unless the seq state is synchronized.
	for i := int64(1); i <= 200; i++ {
		g.lastSeq.Store(i)
		g.hasSeq.Store(true)
		time.Sleep(100 * time.Microsecond)
	}
	cancel()
	<-done

	if got := g.lastSeq.Load(); got != 200 {
		t.Errorf("lastSeq = %d", got)
	}
}

func TestOnEventEnqueues(t *testing.T) {
	c := testChannel()

	data := json.RawMessage(`{
		"id": "msg-1",
		"content": " hello ",
		"author": {"id": "a1", "user_openid": "uo-1"},
		"attachments": [{"url": "http://cdn/x.png", "content_type": "image/png", "filename": "x.png"}]
	}`)
	c.onEvent("C2C_MESSAGE_CREATE", data)

	select {
	case in := <-c.queue:
		if in.Sender != "uo-1" {
			t.Errorf("sender = %q, want the user openid", in.Sender)
		}
		if in.Text != "hello" {
			t.Errorf("text = %q", in.Text)
		}
		if in.Meta["message_type"] != "c2c" || in.Meta["message_id"] != "msg-1" {
			t.Errorf("meta = %+v", in.Meta)
		}
		if len(in.Content) != 1 || in.Content[0].URL != "http://cdn/x.png" {
			t.Errorf("content = %+v", in.Content)
		}
	default:
		t.Fatal("nothing enqueued")
	}
}

func TestOnEventGroupSender(t *testing.T) {
	c := testChannel()
	data := json.RawMessage(`{
		"id": "msg-2",
		"content": "hey",
		"author": {"id": "a1", "member_openid": "mo-1"},
		"group_openid": "go-1"
	}`)
	c.onEvent("GROUP_AT_MESSAGE_CREATE", data)

	in := <-c.queue
	if in.Sender != "mo-1" {
		t.Errorf("sender = %q, want the member openid", in.Sender)
	}
	if in.Meta["message_type"] != "group" || in.Meta["group_openid"] != "go-1" {
		t.Errorf("meta = %+v", in.Meta)
	}
}

func TestOnEventSkips(t *testing.T) {
	tests := []struct {
		name string
		typ  string
		data string
	}{
		{"unknown event type", "GUILD_CREATE", `{"id":"x","content":"hi","author":{"id":"a"}}`},
		{"empty content no attachments", "C2C_MESSAGE_CREATE", `{"id":"x","content":"  ","author":{"id":"a"}}`},
		{"bot echo", "C2C_MESSAGE_CREATE", `{"id":"x","content":"[BOT] hi","author":{"id":"a"}}`},
		{"missing sender", "C2C_MESSAGE_CREATE", `{"id":"x","content":"hi","author":{}}`},
		{"malformed json", "C2C_MESSAGE_CREATE", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testChannel()
			c.onEvent(tt.typ, json.RawMessage(tt.data))
			select {
			case in := <-c.queue:
				t.Errorf("unexpected enqueue: %+v", in)
			default:
			}
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty = %q", got)
	}
}

func TestTruncateBody(t *testing.T) {
	if got := truncate([]byte("short"), 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate([]byte("0123456789abc"), 10); got != "0123456789..." {
		t.Errorf("truncate = %q", got)
	}
}

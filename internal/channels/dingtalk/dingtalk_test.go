package dingtalk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
	"github.com/nextlevelbuilder/copaw/internal/store/file"
)

func testChannel(t *testing.T) *Channel {
	t.Helper()
	store := file.NewRoutingStore(filepath.Join(t.TempDir(), "webhooks.json"))
	return New(config.DingTalkConfig{Enabled: true, ClientID: "id", ClientSecret: "secret"}, store, channels.Options{})
}

func TestRobotCodeFallback(t *testing.T) {
	store := file.NewRoutingStore(filepath.Join(t.TempDir(), "webhooks.json"))

	t.Run("defaults to client id", func(t *testing.T) {
		c := New(config.DingTalkConfig{ClientID: "id", ClientSecret: "secret"}, store, channels.Options{})
		if c.robotCode != "id" {
			t.Errorf("robotCode = %q, want client id", c.robotCode)
		}
	})

	t.Run("explicit robot code wins", func(t *testing.T) {
		c := New(config.DingTalkConfig{ClientID: "id", ClientSecret: "secret", RobotCode: "robot-9"}, store, channels.Options{})
		if c.robotCode != "robot-9" {
			t.Errorf("robotCode = %q, want robot-9", c.robotCode)
		}
	})
}

func TestShortSessionID(t *testing.T) {
	if got := shortSessionID("cidAbCdEfGh123456=="); got != "123456==" {
		t.Errorf("shortSessionID = %q", got)
	}
	if got := shortSessionID("short"); got != "short" {
		t.Errorf("shortSessionID short input = %q", got)
	}
}

func TestSenderTag(t *testing.T) {
	tests := []struct {
		name     string
		nickname string
		senderID string
		want     string
		ok       bool
	}{
		{"both present", "alice", "user123456", "alice#3456", true},
		{"short id used whole", "bob", "u12", "bob#u12", true},
		{"missing nickname", "", "user123456", "unknown#3456", true},
		{"missing id", "alice", "", "alice#????", true},
		{"both missing", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := senderTag(tt.nickname, tt.senderID)
			if got != tt.want || ok != tt.ok {
				t.Errorf("senderTag(%q, %q) = %q, %v; want %q, %v",
					tt.nickname, tt.senderID, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestReplyFuture(t *testing.T) {
	t.Run("first resolve wins", func(t *testing.T) {
		f := newReplyFuture()
		f.Resolve("first")
		f.Resolve("second")
		got, ok := f.Wait(context.Background(), time.Second)
		if !ok || got != "first" {
			t.Errorf("Wait = %q, %v", got, ok)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		f := newReplyFuture()
		if _, ok := f.Wait(context.Background(), 10*time.Millisecond); ok {
			t.Error("want timeout")
		}
	})

	t.Run("context cancel", func(t *testing.T) {
		f := newReplyFuture()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, ok := f.Wait(ctx, time.Minute); ok {
			t.Error("want cancellation")
		}
	})
}

func TestDebouncerMergesBurst(t *testing.T) {
	flushed := make(chan *channels.Incoming, 1)
	var displaced []*channels.Incoming

	d := newDebouncer(30*time.Millisecond,
		func(in *channels.Incoming) { flushed <- in },
		func(in *channels.Incoming) { displaced = append(displaced, in) },
	)
	defer d.Stop()

	mk := func(text, cid string) *channels.Incoming {
		return &channels.Incoming{
			Channel: channels.NameDingTalk,
			Sender:  "alice#1234",
			Text:    text,
			Meta:    map[string]any{"conversation_id": cid},
		}
	}
	d.Add("k", mk("one", "c1"))
	d.Add("k", mk("two", "c1"))
	d.Add("k", mk("three", "c1"))

	select {
	case merged := <-flushed:
		if merged.Text != "one\ntwo\nthree" {
			t.Errorf("merged text = %q", merged.Text)
		}
		if merged.Meta["batched_count"] != 3 {
			t.Errorf("batched_count = %v", merged.Meta["batched_count"])
		}
		if len(displaced) != 2 {
			t.Errorf("displaced = %d, want 2 (all but the last)", len(displaced))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush never fired")
	}
}

func TestDebouncerIndependentKeys(t *testing.T) {
	flushed := make(chan *channels.Incoming, 2)
	d := newDebouncer(20*time.Millisecond,
		func(in *channels.Incoming) { flushed <- in },
		nil,
	)
	defer d.Stop()

	d.Add("a", &channels.Incoming{Text: "for a"})
	d.Add("b", &channels.Incoming{Text: "for b"})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case in := <-flushed:
			got[in.Text] = true
		case <-time.After(2 * time.Second):
			t.Fatal("flush missing")
		}
	}
	if !got["for a"] || !got["for b"] {
		t.Errorf("flushes = %v", got)
	}
}

func TestMergeIncomingMetaLayering(t *testing.T) {
	items := []*channels.Incoming{
		{Sender: "s", Text: "a", Meta: map[string]any{"session_webhook": "old", "keep": "x"}},
		{Text: "b", Meta: map[string]any{"session_webhook": "new"}},
	}
	merged := mergeIncoming(items)
	if merged.Meta["session_webhook"] != "new" {
		t.Errorf("last meta must win: %v", merged.Meta["session_webhook"])
	}
	if merged.Meta["keep"] != "x" {
		t.Errorf("first meta keys lost: %+v", merged.Meta)
	}
}

func TestResolveWebhook(t *testing.T) {
	c := testChannel(t)
	if err := c.webhooks.PutString("dingtalk:sw:abcd1234", "https://hook.example/stored"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		toHandle string
		meta     map[string]any
		want     string
	}{
		{"meta wins", "whatever", map[string]any{"session_webhook": "https://hook.example/meta"}, "https://hook.example/meta"},
		{"direct url", "https://hook.example/direct", nil, "https://hook.example/direct"},
		{"webhook prefix", "dingtalk:webhook:https://hook.example/pfx", nil, "https://hook.example/pfx"},
		{"session key via store", "dingtalk:sw:abcd1234", nil, "https://hook.example/stored"},
		{"unknown session", "dingtalk:sw:zzzz", nil, ""},
		{"plain handle misses", "someone", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.resolveWebhook(tt.toHandle, tt.meta); got != tt.want {
				t.Errorf("resolveWebhook(%q) = %q, want %q", tt.toHandle, got, tt.want)
			}
		})
	}
}

func TestHandleFromTarget(t *testing.T) {
	c := testChannel(t)
	if got := c.HandleFromTarget("user", "abcd1234"); got != "dingtalk:sw:abcd1234" {
		t.Errorf("HandleFromTarget = %q", got)
	}
}

func TestSendWithoutWebhookIsNoop(t *testing.T) {
	c := testChannel(t)
	if err := c.Send(context.Background(), "dingtalk:sw:unknown", "hello", nil); err != nil {
		t.Errorf("missing webhook must no-op, got %v", err)
	}
}

func TestSendPartsResolvesFutureWithoutWebhook(t *testing.T) {
	c := testChannel(t)
	f := newReplyFuture()
	meta := map[string]any{"reply_future": f, "bot_prefix": "[B] "}
	parts := []channels.Part{{Type: agent.BlockText, Text: "answer"}}

	if err := c.SendParts(context.Background(), "dingtalk:sw:unknown", parts, meta); err != nil {
		t.Fatal(err)
	}
	got, ok := f.Wait(context.Background(), time.Second)
	if !ok || got != "answer" {
		t.Errorf("future = %q, %v; want the unprefixed body", got, ok)
	}
}

func TestMapTypes(t *testing.T) {
	if got := mapInboundType("PICTURE"); got != agent.BlockImage {
		t.Errorf("mapInboundType = %q", got)
	}
	if got := mapInboundType("somethingelse"); got != agent.BlockFile {
		t.Errorf("mapInboundType default = %q", got)
	}
	if got := mapUploadType(agent.BlockAudio); got != "voice" {
		t.Errorf("mapUploadType = %q", got)
	}
}

func TestGuessFilename(t *testing.T) {
	tests := []struct {
		name       string
		part       channels.Part
		uploadType string
		wantName   string
		wantExt    string
	}{
		{
			name:       "explicit file name",
			part:       channels.Part{FileName: "report.PDF"},
			uploadType: "file",
			wantName:   "report.PDF",
			wantExt:    "pdf",
		},
		{
			name:       "name from url path",
			part:       channels.Part{ImageURL: "https://cdn.example/pics/cat.jpeg?sig=1"},
			uploadType: "image",
			wantName:   "cat.jpeg",
			wantExt:    "jpg",
		},
		{
			name:       "data url falls back to default",
			part:       channels.Part{ImageURL: "data:image/png;base64,xxxx"},
			uploadType: "image",
			wantName:   "image.png",
			wantExt:    "png",
		},
		{
			name:       "no hints",
			part:       channels.Part{},
			uploadType: "file",
			wantName:   "file.bin",
			wantExt:    "bin",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, ext := guessFilename(tt.part, tt.uploadType)
			if name != tt.wantName || ext != tt.wantExt {
				t.Errorf("guessFilename = %q, %q; want %q, %q", name, ext, tt.wantName, tt.wantExt)
			}
		})
	}
}

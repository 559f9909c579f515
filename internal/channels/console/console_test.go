package console

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
	"github.com/nextlevelbuilder/copaw/internal/store/file"
)

func testChannel(t *testing.T) (*Channel, string) {
	t.Helper()
	noColor := false
	pushPath := filepath.Join(t.TempDir(), "push.jsonl")
	c := New(
		config.ConsoleConfig{Enabled: true, Color: &noColor},
		file.NewPushStore(pushPath),
		channels.Options{},
	)

	out, err := os.CreateTemp(t.TempDir(), "console-out")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { out.Close() })
	c.out = out
	return c, pushPath
}

func readOut(t *testing.T, c *Channel) string {
	t.Helper()
	data, err := os.ReadFile(c.out.Name())
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestSendPrints(t *testing.T) {
	c, _ := testChannel(t)
	if err := c.Send(context.Background(), "local", "hello there", nil); err != nil {
		t.Fatal(err)
	}
	got := readOut(t, c)
	if !strings.Contains(got, "hello there") {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(got, "copaw") {
		t.Errorf("banner missing: %q", got)
	}
}

func TestSendCapturesPush(t *testing.T) {
	c, pushPath := testChannel(t)
	meta := map[string]any{"push": true, "session_id": "console:local"}
	if err := c.Send(context.Background(), "local", "scheduled note", meta); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(pushPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var recs []file.PushRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec file.PushRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatal(err)
		}
		recs = append(recs, rec)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Text != "scheduled note" || recs[0].SessionID != "console:local" || recs[0].UserID != "local" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestManagerSendTextCapturesPush(t *testing.T) {
	c, pushPath := testChannel(t)
	m := channels.NewManager()
	m.Register(c)

	if err := m.SendText(context.Background(), channels.NameConsole, "local", "console:local", "reminder", nil); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(pushPath)
	if err != nil {
		t.Fatalf("out-of-band send not captured: %v", err)
	}
	var rec file.PushRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Text, "reminder") || rec.SessionID != "console:local" {
		t.Errorf("record = %+v", rec)
	}
}

func TestSendWithoutPushMetaSkipsStore(t *testing.T) {
	c, pushPath := testChannel(t)
	if err := c.Send(context.Background(), "local", "interactive reply", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pushPath); !os.IsNotExist(err) {
		t.Errorf("push store written for a non-push send: %v", err)
	}
}

func TestSendPartsKeepsMediaDistinct(t *testing.T) {
	c, _ := testChannel(t)
	parts := []channels.Part{
		{Type: agent.BlockText, Text: "here you go"},
		{Type: agent.BlockImage, ImageURL: "https://cdn.example/pic.png"},
		{Type: agent.BlockFile, FileName: "notes.txt"},
	}
	meta := map[string]any{"bot_prefix": "[B] "}
	if err := c.SendParts(context.Background(), "local", parts, meta); err != nil {
		t.Fatal(err)
	}

	got := readOut(t, c)
	for _, want := range []string{"[B] here you go", "[Image] https://cdn.example/pic.png", "[File] notes.txt"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestIsPush(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want bool
	}{
		{"nil", nil, false},
		{"set true", map[string]any{"push": true}, true},
		{"set false", map[string]any{"push": false}, false},
		{"wrong type", map[string]any{"push": "yes"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPush(tt.meta); got != tt.want {
				t.Errorf("isPush = %v", got)
			}
		})
	}
}

func TestEnqueueText(t *testing.T) {
	c, _ := testChannel(t)
	if err := c.EnqueueText(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	select {
	case in := <-c.queue:
		if in.Sender != DefaultSender || in.Text != "hi" || in.Channel != channels.NameConsole {
			t.Errorf("incoming = %+v", in)
		}
	default:
		t.Fatal("nothing enqueued")
	}
}

func TestStyleDisabledColor(t *testing.T) {
	c, _ := testChannel(t)
	if got := c.style(ansiBold, "x"); got != "x" {
		t.Errorf("style with color off = %q", got)
	}
}

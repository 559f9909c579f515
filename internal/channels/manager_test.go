package channels

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/copaw/internal/agent"
)

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	a := newFakeChannel("a", Options{Enabled: true})
	b := newFakeChannel("b", Options{Enabled: true})
	m.Register(a)
	m.Register(b)

	if got := m.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Names = %v", got)
	}

	m.StartAll(ctx)
	if a.started != 1 || b.started != 1 {
		t.Errorf("started = %d/%d", a.started, b.started)
	}

	st := m.Status()
	if !st["a"]["running"] || !st["a"]["enabled"] {
		t.Errorf("status = %+v", st)
	}

	m.StopAll(ctx)
	if a.stopped != 1 || b.stopped != 1 {
		t.Errorf("stopped = %d/%d", a.stopped, b.stopped)
	}
}

func TestManagerStartAllIsolatesFailures(t *testing.T) {
	m := NewManager()
	bad := newFakeChannel("bad", Options{Enabled: true})
	bad.startErr = errors.New("dial failed")
	good := newFakeChannel("good", Options{Enabled: true})
	m.Register(bad)
	m.Register(good)

	m.StartAll(context.Background())
	if good.started != 1 {
		t.Error("failure of one channel blocked the next")
	}
}

func TestManagerReplace(t *testing.T) {
	ctx := context.Background()

	t.Run("swap stops old and keeps position", func(t *testing.T) {
		m := NewManager()
		old := newFakeChannel("a", Options{Enabled: true})
		other := newFakeChannel("b", Options{Enabled: true})
		m.Register(old)
		m.Register(other)
		m.StartAll(ctx)

		repl := newFakeChannel("a", Options{Enabled: true})
		if err := m.Replace(ctx, repl); err != nil {
			t.Fatal(err)
		}
		if old.stopped != 1 {
			t.Error("old instance not stopped")
		}
		if repl.started != 1 {
			t.Error("replacement not started")
		}
		if got := m.Names(); got[0] != "a" || got[1] != "b" {
			t.Errorf("order changed: %v", got)
		}
		ch, _ := m.Get("a")
		if ch != Channel(repl) {
			t.Error("Get returns the old instance")
		}
	})

	t.Run("failed start keeps old instance", func(t *testing.T) {
		m := NewManager()
		old := newFakeChannel("a", Options{Enabled: true})
		m.Register(old)
		m.StartAll(ctx)

		repl := newFakeChannel("a", Options{Enabled: true})
		repl.startErr = errors.New("bad credentials")
		if err := m.Replace(ctx, repl); err == nil {
			t.Fatal("want error")
		}
		if old.stopped != 0 {
			t.Error("old instance stopped despite failed replacement")
		}
		ch, _ := m.Get("a")
		if ch != Channel(old) {
			t.Error("old instance no longer registered")
		}
	})

	t.Run("unknown tag is appended", func(t *testing.T) {
		m := NewManager()
		ch := newFakeChannel("new", Options{Enabled: true})
		if err := m.Replace(ctx, ch); err != nil {
			t.Fatal(err)
		}
		if _, ok := m.Get("new"); !ok {
			t.Error("channel not added")
		}
	})
}

func TestManagerSendText(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	f := newFakeChannel("a", Options{Enabled: true, BotPrefix: "[B] "})
	m.Register(f)

	if err := m.SendText(ctx, "a", "u1", "s1", "ping", nil); err != nil {
		t.Fatal(err)
	}
	texts := f.sentTexts()
	if len(texts) != 1 || texts[0].To != "u1" {
		t.Fatalf("sent = %+v", texts)
	}
	if !strings.Contains(texts[0].Text, "ping") {
		t.Errorf("text = %q", texts[0].Text)
	}
	if texts[0].Meta["session_id"] != "s1" || texts[0].Meta["user_id"] != "u1" || texts[0].Meta["bot_prefix"] != "[B] " {
		t.Errorf("meta = %+v", texts[0].Meta)
	}
}

func TestManagerSendEventUnknownChannel(t *testing.T) {
	m := NewManager()
	err := m.SendEvent(context.Background(), "nope", "u", "s", agent.NewTextMessage("x"), nil)
	if !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("err = %v, want ErrChannelNotFound", err)
	}
	err = m.SendText(context.Background(), "nope", "u", "s", "x", nil)
	if !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestMergeDispatchMeta(t *testing.T) {
	ch := newFakeChannel("a", Options{BotPrefix: "[A] "})

	t.Run("fills missing keys", func(t *testing.T) {
		got := mergeDispatchMeta(nil, ch, "u1", "s1")
		if got["bot_prefix"] != "[A] " || got["session_id"] != "s1" || got["user_id"] != "u1" {
			t.Errorf("meta = %+v", got)
		}
		if got["push"] != true {
			t.Errorf("out-of-band dispatch not marked as push: %+v", got)
		}
	})

	t.Run("caller push value wins", func(t *testing.T) {
		got := mergeDispatchMeta(map[string]any{"push": false}, ch, "u1", "s1")
		if got["push"] != false {
			t.Errorf("meta = %+v", got)
		}
	})

	t.Run("caller values win", func(t *testing.T) {
		in := map[string]any{"bot_prefix": "", "session_id": "other"}
		got := mergeDispatchMeta(in, ch, "u1", "s1")
		if got["bot_prefix"] != "" || got["session_id"] != "other" {
			t.Errorf("meta = %+v", got)
		}
	})

	t.Run("input map not mutated", func(t *testing.T) {
		in := map[string]any{"k": "v"}
		_ = mergeDispatchMeta(in, ch, "u1", "s1")
		if len(in) != 1 {
			t.Errorf("input mutated: %+v", in)
		}
	})
}

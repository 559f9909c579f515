package dingtalk

import (
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/copaw/internal/channels"
)

// debouncer batches rapid-fire messages from the same conversation into one
// merged envelope. The window restarts on every arrival, so a burst flushes
// once, debounceWindow after its last message.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string][]*channels.Incoming
	timers  map[string]*time.Timer

	// flush receives the merged envelope after the window closes.
	flush func(*channels.Incoming)
	// displaced is invoked for each message that got merged away and will
	// never see its own dispatch (its reply continuation must be released).
	displaced func(*channels.Incoming)
}

func newDebouncer(window time.Duration, flush, displaced func(*channels.Incoming)) *debouncer {
	return &debouncer{
		window:    window,
		pending:   make(map[string][]*channels.Incoming),
		timers:    make(map[string]*time.Timer),
		flush:     flush,
		displaced: displaced,
	}
}

// Add enqueues one envelope under the conversation key and restarts the
// window timer.
func (d *debouncer) Add(key string, in *channels.Incoming) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// The previous message in this window is about to be merged away;
	// release its continuation now so the platform callback does not hang.
	if prev := d.pending[key]; len(prev) > 0 && d.displaced != nil {
		d.displaced(prev[len(prev)-1])
	}
	d.pending[key] = append(d.pending[key], in)

	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.window, func() { d.fire(key) })
}

func (d *debouncer) fire(key string) {
	d.mu.Lock()
	items := d.pending[key]
	delete(d.pending, key)
	delete(d.timers, key)
	d.mu.Unlock()

	if len(items) == 0 {
		return
	}
	d.flush(mergeIncoming(items))
}

// Stop cancels all timers. Pending batches are dropped.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
		delete(d.pending, key)
	}
}

// mergeIncoming combines batched envelopes: texts joined with newlines,
// content concatenated, and the last message's routing meta (its reply
// continuation is the only live one) layered over the first's.
func mergeIncoming(items []*channels.Incoming) *channels.Incoming {
	first := items[0]

	var texts []string
	merged := &channels.Incoming{
		Channel: first.Channel,
		Sender:  first.Sender,
		Meta:    make(map[string]any, len(first.Meta)+1),
	}
	for k, v := range first.Meta {
		merged.Meta[k] = v
	}
	for _, it := range items {
		if t := strings.TrimSpace(it.Text); t != "" {
			texts = append(texts, t)
		}
		merged.Content = append(merged.Content, it.Content...)
	}
	merged.Text = strings.Join(texts, "\n")

	last := items[len(items)-1]
	for k, v := range last.Meta {
		merged.Meta[k] = v
	}
	merged.Meta["batched_count"] = len(items)
	return merged
}

package agent

import (
	"context"
	"fmt"
)

// NewLoopback returns a pipeline that answers every request with a single
// completed message echoing the request text. It stands in for a real engine
// so the full dispatch path (render, prefix, delivery, reply notification)
// runs end to end; serve uses it until an engine is attached.
func NewLoopback() Process {
	return func(_ context.Context, req *Request) (<-chan Event, error) {
		out := make(chan Event, 2)

		var text string
		var attachments int
		for _, item := range req.Input {
			switch {
			case item.Type == BlockText && item.Text != "":
				if text != "" {
					text += "\n"
				}
				text += item.Text
			case item.Type != BlockText:
				attachments++
			}
		}
		if text == "" {
			text = fmt.Sprintf("received %d attachment(s)", attachments)
		}

		out <- NewTextMessage(text)
		out <- Event{Object: ObjectResponse, Status: StatusCompleted}
		close(out)
		return out, nil
	}
}

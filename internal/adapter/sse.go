package adapter

import (
	"context"
	"io"

	sse "github.com/tmaxmax/go-sse"
)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// readSSE parses a text/event-stream body and delivers each event that
// carries data on out until the body ends or ctx is done. out is closed on
// return; the returned error is nil on a clean EOF.
func readSSE(ctx context.Context, r io.Reader, out chan<- sseEvent) error {
	defer close(out)

	for ev, err := range sse.Read(r, &sse.ReadConfig{MaxEventSize: maxLineSize}) {
		if err != nil {
			return err
		}
		if ev.Data == "" {
			continue
		}
		select {
		case out <- sseEvent{Event: ev.Type, Data: ev.Data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

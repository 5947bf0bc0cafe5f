package proxy

import (
	"log/slog"
	"sync/atomic"

	"github.com/cnrmurphy/sentinel/internal/events"
	"github.com/cnrmurphy/sentinel/internal/sse"
)

// tap is the side-channel that feeds response bytes into the stream
// parser. Chunks are handed over by aliasing, never copied; a bounded
// pending budget keeps a stalled parser from growing without limit. When
// the budget is exceeded the tap is abandoned — the client copy is never
// affected.
type tap struct {
	ch      chan []byte
	done    chan struct{}
	limit   int64
	pending atomic.Int64

	abandoned atomic.Bool
	dec       *sse.Decoder
	acc       *sse.Accumulator
}

func newTap(limit int64, onPhase sse.PhaseFunc) *tap {
	t := &tap{
		ch:    make(chan []byte, 64),
		done:  make(chan struct{}),
		limit: limit,
		dec:   &sse.Decoder{},
		acc:   sse.NewAccumulator(onPhase),
	}
	go t.run()
	return t
}

func (t *tap) run() {
	defer close(t.done)
	for chunk := range t.ch {
		t.pending.Add(int64(-len(chunk)))
		for _, f := range t.dec.Feed(chunk) {
			t.acc.HandleFrame(f)
		}
	}
	for _, f := range t.dec.Flush() {
		t.acc.HandleFrame(f)
	}
}

// feed offers one chunk to the parser without blocking the caller.
func (t *tap) feed(chunk []byte) {
	if t.abandoned.Load() {
		return
	}
	if t.pending.Load()+int64(len(chunk)) > t.limit {
		t.abandon("tap buffer limit exceeded")
		return
	}
	select {
	case t.ch <- chunk:
		t.pending.Add(int64(len(chunk)))
	default:
		t.abandon("tap queue full")
	}
}

func (t *tap) abandon(reason string) {
	if t.abandoned.CompareAndSwap(false, true) {
		slog.Warn("response tap abandoned", "reason", reason, "limit", t.limit)
	}
}

// finish closes the feed side, waits for the parser to drain, and returns
// the reconstruction together with whether the tap survived to the end.
func (t *tap) finish() (events.AssistantResponse, bool) {
	close(t.ch)
	<-t.done
	return t.acc.Finalize(), !t.abandoned.Load()
}

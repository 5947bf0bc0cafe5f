package bus

import (
	"context"
	"testing"

	"github.com/cnrmurphy/sentinel/internal/events"
)

func event(seq int64) events.Event {
	e := events.New(events.Payload{UserMessage: &events.UserMessage{Text: "x"}})
	e.Seq = seq
	return e
}

func TestPublish_DeliversInSeqOrder(t *testing.T) {
	b := New(16)
	_, ch := b.Subscribe()

	for i := int64(1); i <= 5; i++ {
		b.Publish(event(i))
	}

	for want := int64(1); want <= 5; want++ {
		d := <-ch
		if d.Event == nil {
			t.Fatalf("expected event, got resync")
		}
		if d.Event.Seq != want {
			t.Errorf("expected seq %d, got %d", want, d.Event.Seq)
		}
	}
}

func TestPublish_TwoSubscribersSeeSameSequence(t *testing.T) {
	b := New(16)
	_, chA := b.Subscribe()
	_, chB := b.Subscribe()

	for i := int64(1); i <= 10; i++ {
		b.Publish(event(i))
	}

	for i := int64(1); i <= 10; i++ {
		a := <-chA
		bb := <-chB
		if a.Event.Seq != i || bb.Event.Seq != i {
			t.Errorf("subscribers diverged at %d: A=%d B=%d", i, a.Event.Seq, bb.Event.Seq)
		}
	}
}

func TestPublish_OverflowSignalsSingleResync(t *testing.T) {
	const bufSize = 4
	b := New(bufSize)
	_, ch := b.Subscribe()

	// Paused subscriber: fill the buffer, then overflow it.
	const total = 10
	for i := int64(1); i <= total; i++ {
		b.Publish(event(i))
	}

	// Drain the buffered deliveries.
	for want := int64(1); want <= bufSize; want++ {
		d := <-ch
		if d.Resync != nil {
			t.Fatalf("unexpected resync before drain complete")
		}
		if d.Event.Seq != want {
			t.Errorf("expected seq %d, got %d", want, d.Event.Seq)
		}
	}

	// Next publish delivers exactly one resync marker, then the event.
	b.Publish(event(total + 1))

	d := <-ch
	if d.Resync == nil {
		t.Fatalf("expected resync marker, got event seq %d", d.Event.Seq)
	}
	if d.Resync.EventsDropped != total-bufSize {
		t.Errorf("expected %d dropped, got %d", total-bufSize, d.Resync.EventsDropped)
	}
	if d.Resync.LatestSeq != total {
		t.Errorf("expected latest_seq %d, got %d", total, d.Resync.LatestSeq)
	}

	d = <-ch
	if d.Event == nil || d.Event.Seq != total+1 {
		t.Fatalf("expected event %d after resync, got %+v", total+1, d)
	}

	// Counters reset: no further resync markers.
	b.Publish(event(total + 2))
	d = <-ch
	if d.Resync != nil {
		t.Error("resync counters were not reset")
	}
}

func TestPublish_OverflowIsolatedPerSubscriber(t *testing.T) {
	b := New(2)
	_, slow := b.Subscribe()
	_, fast := b.Subscribe()

	// The fast subscriber drains after every publish; the slow one never
	// reads and overflows without affecting its peer.
	for i := int64(1); i <= 6; i++ {
		b.Publish(event(i))
		d := <-fast
		if d.Event == nil || d.Event.Seq != i {
			t.Fatalf("fast subscriber disturbed at %d: %+v", i, d)
		}
	}

	// The slow subscriber kept only its buffered prefix.
	d := <-slow
	if d.Event == nil || d.Event.Seq != 1 {
		t.Errorf("slow subscriber first delivery wrong: %+v", d)
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New(4)
	id, ch := b.Subscribe()

	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	b.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Error("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestClose_ReleasesAllSubscribers(t *testing.T) {
	b := New(4)
	_, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()

	b.Close()

	if _, open := <-ch1; open {
		t.Error("ch1 still open after close")
	}
	if _, open := <-ch2; open {
		t.Error("ch2 still open after close")
	}

	// Publish after close is a no-op.
	b.Publish(event(1))
}

func TestRecorder_AssignsSeqThenPublishes(t *testing.T) {
	b := New(4)
	_, ch := b.Subscribe()

	sink := &fakeSink{}
	rec := NewRecorder(sink, b)

	e := events.New(events.Payload{UserMessage: &events.UserMessage{Text: "hello"}})
	seq, err := rec.Record(context.Background(), &e)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1, got %d", seq)
	}

	d := <-ch
	if d.Event == nil || d.Event.Seq != 1 {
		t.Fatalf("published event missing assigned seq: %+v", d)
	}
}

func TestRecorder_BroadcastSkipsStore(t *testing.T) {
	b := New(4)
	_, ch := b.Subscribe()

	sink := &fakeSink{}
	rec := NewRecorder(sink, b)

	e := events.New(events.Payload{AgentActivity: &events.AgentActivity{Phase: events.PhaseWriting}})
	rec.Broadcast(e)

	if sink.calls != 0 {
		t.Errorf("broadcast must not touch the store, got %d inserts", sink.calls)
	}
	d := <-ch
	if d.Event == nil || d.Event.Payload.AgentActivity == nil {
		t.Fatalf("expected agent_activity delivery, got %+v", d)
	}
	if d.Event.Seq != 0 {
		t.Errorf("transient event must not carry a seq, got %d", d.Event.Seq)
	}
}

type fakeSink struct {
	calls int
	next  int64
}

func (f *fakeSink) InsertEvent(_ context.Context, e *events.Event) (int64, error) {
	f.calls++
	f.next++
	e.Seq = f.next
	return f.next, nil
}

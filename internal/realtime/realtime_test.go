package realtime

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/shared/signing"
	"github.com/marcus-qen/llmctl/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stageRunEvents(t *testing.T, s *store.Store, runID string, types ...string) {
	t.Helper()
	drafts := make([]store.EventDraft, 0, len(types))
	for _, et := range types {
		drafts = append(drafts, RunDraft(et, runID, map[string]any{"run_id": runID}))
	}
	if _, err := s.CreateRun(store.FlowchartRun{
		FlowchartID: "fc-" + runID,
		RequestID:   "req-" + runID,
		ID:          runID,
	}, []byte(`{}`), drafts); err != nil {
		t.Fatalf("stage events: %v", err)
	}
}

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker(4)
	defer b.Close()

	ch1, cancel1, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel1()
	ch2, cancel2, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel2()

	env := Envelope{EventID: "e1", EventType: EventRunStarted, SequenceStream: "run:r1"}
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	for i, ch := range []<-chan Envelope{ch1, ch2} {
		select {
		case got := <-ch:
			if got.EventID != "e1" {
				t.Fatalf("subscriber %d got %q", i, got.EventID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestMemoryBrokerDropsSlowSubscriber(t *testing.T) {
	b := NewMemoryBroker(1)
	defer b.Close()
	ch, cancel, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := b.Publish(context.Background(), Envelope{EventID: "e", Sequence: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	// Buffer holds one; the rest were dropped without blocking.
	got := <-ch
	if got.Sequence != 0 {
		t.Fatalf("sequence = %d", got.Sequence)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered envelope %d", extra.Sequence)
	default:
	}
}

func TestPublisherDrainsInStreamOrder(t *testing.T) {
	s := openTestStore(t)
	b := NewMemoryBroker(16)
	defer b.Close()
	ch, cancel, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	stageRunEvents(t, s, "r1", EventRunQueued, EventRunStarted, EventRunSucceeded)

	p := NewPublisher(s, b, nil, zap.NewNop())
	if err := p.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	want := []string{EventRunQueued, EventRunStarted, EventRunSucceeded}
	for i, et := range want {
		select {
		case env := <-ch:
			if env.EventType != et {
				t.Fatalf("envelope %d = %s, want %s", i, env.EventType, et)
			}
			if env.Sequence != int64(i+1) {
				t.Fatalf("envelope %d sequence = %d", i, env.Sequence)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for envelope %d", i)
		}
	}

	// All marked published.
	remaining, err := s.UnpublishedEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Fatalf("unpublished = %d", len(remaining))
	}
}

func TestPublisherSignsEnvelopes(t *testing.T) {
	s := openTestStore(t)
	b := NewMemoryBroker(16)
	defer b.Close()
	ch, cancel, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	stageRunEvents(t, s, "r2", EventRunStarted)

	master := []byte("0123456789abcdef0123456789abcdef")
	p := NewPublisher(s, b, master, zap.NewNop())
	if err := p.DrainOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	env := <-ch
	if env.Signature == "" {
		t.Fatal("expected signature")
	}
	verifier := signing.NewSigner(signing.DeriveStreamKey(master, env.SequenceStream))
	if err := verifier.Verify(env.IdempotencyKey, env.Payload, env.Signature); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

type failingBroker struct {
	inner    *MemoryBroker
	failures int
}

func (f *failingBroker) Publish(ctx context.Context, env Envelope) error {
	if f.failures > 0 {
		f.failures--
		return context.DeadlineExceeded
	}
	return f.inner.Publish(ctx, env)
}
func (f *failingBroker) Subscribe(ctx context.Context) (<-chan Envelope, func(), error) {
	return f.inner.Subscribe(ctx)
}
func (f *failingBroker) Close() error { return f.inner.Close() }

func TestPublisherHoldsStreamOnFailure(t *testing.T) {
	s := openTestStore(t)
	mem := NewMemoryBroker(16)
	defer mem.Close()
	fb := &failingBroker{inner: mem, failures: 1}

	stageRunEvents(t, s, "r3", EventRunQueued, EventRunStarted)

	p := NewPublisher(s, fb, nil, zap.NewNop())
	if err := p.DrainOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	// First publish failed, so neither envelope of the stream may be marked
	// published: a later envelope must not overtake an earlier one.
	remaining, err := s.UnpublishedEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("unpublished = %d, want 2", len(remaining))
	}

	// Next drain succeeds in order.
	ch, cancel, _ := mem.Subscribe(context.Background())
	defer cancel()
	if err := p.DrainOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := <-ch
	if first.EventType != EventRunQueued {
		t.Fatalf("first = %s", first.EventType)
	}
}

func TestNodeDraftRooms(t *testing.T) {
	d := NodeDraft(EventNodeSucceeded, "run-1", "rn-1", nil)
	if d.SequenceStream != "run:run-1" {
		t.Fatalf("stream = %s", d.SequenceStream)
	}
	if len(d.RoomKeys) != 2 || d.RoomKeys[0] != "run:run-1" || d.RoomKeys[1] != "node:rn-1" {
		t.Fatalf("rooms = %v", d.RoomKeys)
	}
}

package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemEventStoreListAfterSeq(t *testing.T) {
	store := NewMemEventStore()
	ctx := context.Background()

	for i := uint64(1); i <= 4; i++ {
		if err := store.Append(ctx, Event{RunID: "run-1", Seq: i, Kind: KindStepStart}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	store.Append(ctx, Event{RunID: "run-2", Seq: 1, Kind: KindFinished})

	events, err := store.List(ctx, "run-1", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 3 || events[1].Seq != 4 {
		t.Fatalf("events after seq 2 = %+v", events)
	}

	limited, err := store.List(ctx, "run-1", 0, 3)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("limit 3 returned %d events", len(limited))
	}

	latest, err := store.LatestSeq(ctx, "run-1")
	if err != nil || latest != 4 {
		t.Fatalf("latest = %d, %v", latest, err)
	}
	if latest, _ := store.LatestSeq(ctx, "run-404"); latest != 0 {
		t.Fatalf("latest for unknown run = %d", latest)
	}
}

func TestRecordingBusStampsAndPersists(t *testing.T) {
	store := NewMemEventStore()
	inner := NewMemBus(MemBusConfig{})
	b := Record(inner, store)
	defer b.Close()

	sub := b.Subscribe("run-1")
	b.Publish(Event{Kind: KindStepStart, RunID: "run-1"})
	b.Publish(Event{Kind: KindFinished, RunID: "run-1"})
	b.Publish(Event{Kind: KindStepStart, RunID: "run-other"})

	select {
	case ev := <-sub.Events():
		if ev.Seq != 1 {
			t.Fatalf("first live event seq = %d", ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no live event delivered")
	}

	events, err := store.List(context.Background(), "run-1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("stored events = %+v", events)
	}
	// Sequence numbers restart per run.
	other, _ := store.List(context.Background(), "run-other", 0, 0)
	if len(other) != 1 || other[0].Seq != 1 {
		t.Fatalf("other-run events = %+v", other)
	}
}

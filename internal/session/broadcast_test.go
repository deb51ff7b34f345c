package session

import (
	"context"
	"errors"
	"testing"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

func collectEvents(ch <-chan *models.StreamEvent) []*models.StreamEvent {
	var events []*models.StreamEvent
	for event := range ch {
		events = append(events, event)
	}
	return events
}

func TestStream_OrderedEventsWithOneTerminal(t *testing.T) {
	b := NewBroadcaster(nil)
	stream, err := b.Start(context.Background(), "sess-1", "task-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch, _ := stream.Subscribe()

	stream.PublishChunk("Hel")
	stream.PublishChunk("lo")
	stream.PublishStatus("tool-executing:context.read")
	stream.Complete()
	// Post-terminal publishes are silently dropped.
	stream.PublishChunk("late")
	stream.Complete()

	events := collectEvents(ch)
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	for i, event := range events {
		if event.Seq != i {
			t.Errorf("events[%d].Seq = %d, want %d", i, event.Seq, i)
		}
		if event.SessionID != "sess-1" || event.TaskID != "task-1" {
			t.Errorf("events[%d] missing correlation ids: %+v", i, event)
		}
	}
	last := events[len(events)-1]
	if last.Type != models.StreamCompleted || !last.Type.Terminal() {
		t.Errorf("last event = %s, want completed", last.Type)
	}
	for _, event := range events[:len(events)-1] {
		if event.Type.Terminal() {
			t.Errorf("non-final terminal event: %+v", event)
		}
	}
}

func TestStream_CancelEmitsCancelledAndStopsDelivery(t *testing.T) {
	b := NewBroadcaster(nil)
	stream, _ := b.Start(context.Background(), "sess-1", "task-1")
	ch, _ := stream.Subscribe()

	stream.PublishChunk("partial")
	if err := b.Cancel("sess-1", "task-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if stream.Context().Err() == nil {
		t.Error("stream context not cancelled")
	}
	stream.PublishChunk("after cancel")

	events := collectEvents(ch)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[1].Type != models.StreamCancelled {
		t.Errorf("terminal = %s, want cancelled", events[1].Type)
	}
}

func TestStream_MultipleSubscribersSeeSameSequence(t *testing.T) {
	b := NewBroadcaster(nil)
	stream, _ := b.Start(context.Background(), "sess-1", "task-1")
	ch1, _ := stream.Subscribe()
	ch2, _ := stream.Subscribe()

	stream.PublishChunk("a")
	stream.PublishChunk("b")
	stream.Complete()

	events1 := collectEvents(ch1)
	events2 := collectEvents(ch2)
	if len(events1) != 3 || len(events2) != 3 {
		t.Fatalf("events = %d/%d, want 3/3", len(events1), len(events2))
	}
	for i := range events1 {
		if events1[i].Seq != events2[i].Seq || events1[i].Type != events2[i].Type {
			t.Errorf("subscriber divergence at %d: %+v vs %+v", i, events1[i], events2[i])
		}
	}
}

func TestStream_SubscribeAfterFinishReplaysHistory(t *testing.T) {
	b := NewBroadcaster(nil)
	stream, _ := b.Start(context.Background(), "sess-1", "task-1")
	stream.PublishChunk("already gone")
	stream.Complete()

	// A late subscriber still sees the full ordered sequence, then
	// end-of-stream.
	ch, cancel := stream.Subscribe()
	defer cancel()
	events := collectEvents(ch)
	if len(events) != 2 {
		t.Fatalf("replayed events = %d, want 2", len(events))
	}
	if events[0].Type != models.StreamChunk || events[1].Type != models.StreamCompleted {
		t.Errorf("replay order wrong: %+v", events)
	}
}

func TestBroadcaster_OneStreamPerSession(t *testing.T) {
	b := NewBroadcaster(nil)
	first, err := b.Start(context.Background(), "sess-1", "task-1")
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := b.Start(context.Background(), "sess-1", "task-2"); !errors.Is(err, ErrStreamActive) {
		t.Errorf("second Start = %v, want ErrStreamActive", err)
	}

	// Finishing the first stream frees the slot.
	first.Complete()
	if _, err := b.Start(context.Background(), "sess-1", "task-3"); err != nil {
		t.Errorf("Start after finish: %v", err)
	}
}

func TestBroadcaster_CancelUnknown(t *testing.T) {
	b := NewBroadcaster(nil)
	if err := b.Cancel("missing", ""); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Cancel = %v, want ErrStreamNotFound", err)
	}

	b.Start(context.Background(), "sess-1", "task-1")
	if err := b.Cancel("sess-1", "other-task"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Cancel with wrong task = %v, want ErrStreamNotFound", err)
	}
}

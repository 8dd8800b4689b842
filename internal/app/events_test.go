package app

import (
	"context"
	"slices"
	"testing"

	"github.com/hylla/concord/internal/domain"
)

func TestEventBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewEventBus(quietLogger())
	var got []string
	bus.Subscribe(func(context.Context, domain.Event) { got = append(got, "first") })
	bus.Subscribe(func(context.Context, domain.Event) { got = append(got, "second") })

	bus.Publish(context.Background(), domain.Event{Type: domain.EventMemberActivity})
	if !slices.Equal(got, []string{"first", "second"}) {
		t.Fatalf("delivery order = %v", got)
	}
}

func TestEventBusFiltersByType(t *testing.T) {
	bus := NewEventBus(quietLogger())
	var conflicts, all int
	bus.Subscribe(func(context.Context, domain.Event) { conflicts++ }, domain.EventConflictDetected)
	bus.Subscribe(func(context.Context, domain.Event) { all++ })

	bus.Publish(context.Background(), domain.Event{Type: domain.EventMemberActivity})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventConflictDetected})
	if conflicts != 1 || all != 2 {
		t.Fatalf("conflicts = %d all = %d, want 1 and 2", conflicts, all)
	}
}

func TestEventBusRecoversFromPanickingHandler(t *testing.T) {
	bus := NewEventBus(quietLogger())
	delivered := false
	bus.Subscribe(func(context.Context, domain.Event) { panic("boom") })
	bus.Subscribe(func(context.Context, domain.Event) { delivered = true })

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPermissionDenied})
	if !delivered {
		t.Fatal("expected later handler to run after panic")
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(quietLogger())
	calls := 0
	unsubscribe := bus.Subscribe(func(context.Context, domain.Event) { calls++ })
	bus.Publish(context.Background(), domain.Event{Type: domain.EventSyncRequested})
	unsubscribe()
	bus.Publish(context.Background(), domain.Event{Type: domain.EventSyncRequested})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	bus.Subscribe(nil)()
}

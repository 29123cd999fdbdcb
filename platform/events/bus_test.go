package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"agency_portal_backend/platform/logger"
)

type pingEvent struct{ BaseEvent }

func (pingEvent) EventName() string { return "test.ping" }

func TestPublishSyncJoinsHandlerErrors(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	var calls int32
	bus.Subscribe("test.ping", HandlerFunc(func(context.Context, Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("first failed")
	}))
	bus.Subscribe("test.ping", HandlerFunc(func(context.Context, Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	err := bus.PublishSync(context.Background(), pingEvent{NewBaseEvent(time.Now())})
	if err == nil || err.Error() != "first failed" {
		t.Fatalf("PublishSync() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected both handlers to run, got %d", calls)
	}
}

func TestPublishSurvivesPanickingHandler(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	var delivered int32
	bus.Subscribe("test.ping", HandlerFunc(func(context.Context, Event) error {
		panic("boom")
	}))
	bus.Subscribe("test.ping", HandlerFunc(func(context.Context, Event) error {
		atomic.StoreInt32(&delivered, 1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, pingEvent{NewBaseEvent(time.Now())})
	bus.Wait()

	if atomic.LoadInt32(&delivered) != 1 {
		t.Fatalf("expected the healthy handler to receive the event")
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	bus.Publish(context.Background(), pingEvent{NewBaseEvent(time.Now())})
	bus.Wait()
	if err := bus.PublishSync(context.Background(), pingEvent{NewBaseEvent(time.Now())}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type pongEvent struct{ BaseEvent }

func (pongEvent) EventName() string { return "test.ping" }

func TestOnFiltersByType(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	var pings atomic.Int32
	bus.Subscribe("test.ping", On(func(_ context.Context, e pingEvent) error {
		if e.OccurredAt().IsZero() {
			t.Errorf("event lost its timestamp")
		}
		pings.Add(1)
		return nil
	}))

	if err := bus.PublishSync(context.Background(), pingEvent{NewBaseEvent(time.Now())}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := bus.PublishSync(context.Background(), pongEvent{NewBaseEvent(time.Now())}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := pings.Load(); got != 1 {
		t.Fatalf("typed handler ran %d times, want 1", got)
	}
}

package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quizapp/orchestrator/transport"
	"github.com/quizapp/orchestrator/transport/message"
	"go.opentelemetry.io/otel/trace"
)

func testMessage(id, payload string) transport.Message {
	return message.New(id, "test", []byte(payload), nil, trace.SpanContext{})
}

func receive(t *testing.T, sub transport.Subscription, timeout time.Duration) transport.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestDeclare(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	t.Run("declare is idempotent", func(t *testing.T) {
		if err := tr.Declare(ctx, "tasks"); err != nil {
			t.Fatalf("Declare failed: %v", err)
		}
		if err := tr.Declare(ctx, "tasks"); err != nil {
			t.Fatalf("second Declare failed: %v", err)
		}
	})

	t.Run("declare on closed transport returns error", func(t *testing.T) {
		tr2 := New()
		tr2.Close(ctx)

		if err := tr2.Declare(ctx, "tasks"); !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	})
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	t.Run("publish to undeclared queue returns error", func(t *testing.T) {
		err := tr.Publish(ctx, "unknown", testMessage("id-1", "x"))
		if !errors.Is(err, transport.ErrQueueNotDeclared) {
			t.Errorf("expected ErrQueueNotDeclared, got %v", err)
		}
	})

	t.Run("publish on closed transport returns error", func(t *testing.T) {
		tr2 := New()
		tr2.Declare(ctx, "tasks")
		tr2.Close(ctx)

		if err := tr2.Publish(ctx, "tasks", testMessage("id-2", "x")); !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	})

	t.Run("publish to full group times out", func(t *testing.T) {
		tr3 := New(WithGroupCapacity(1), WithTimeout(20*time.Millisecond))
		defer tr3.Close(ctx)
		tr3.Declare(ctx, "tasks")

		sub, err := tr3.Subscribe(ctx, "tasks")
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Close(ctx)

		var lastErr error
		for i := 0; i < 5 && lastErr == nil; i++ {
			lastErr = tr3.Publish(ctx, "tasks", testMessage("id", "x"))
		}
		if !errors.Is(lastErr, transport.ErrPublishTimeout) {
			t.Errorf("expected ErrPublishTimeout, got %v", lastErr)
		}
	})
}

func TestBacklogDeliveredToFirstGroup(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)
	tr.Declare(ctx, "tasks")

	for _, id := range []string{"a", "b", "c"} {
		if err := tr.Publish(ctx, "tasks", testMessage(id, id)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	sub, err := tr.Subscribe(ctx, "tasks")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close(ctx)

	for _, want := range []string{"a", "b", "c"} {
		msg := receive(t, sub, time.Second)
		if msg.ID() != want {
			t.Errorf("expected %s, got %s", want, msg.ID())
		}
		msg.Ack(nil)
	}
}

func TestCompetingConsumers(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)
	tr.Declare(ctx, "tasks")

	const total = 20
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(total)

	for i := 0; i < 3; i++ {
		sub, err := tr.Subscribe(ctx, "tasks", transport.WithWorkerGroup("workers"))
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Close(ctx)
		go func() {
			for msg := range sub.Messages() {
				mu.Lock()
				seen[msg.ID()]++
				mu.Unlock()
				msg.Ack(nil)
				wg.Done()
			}
		}()
	}

	for i := 0; i < total; i++ {
		if err := tr.Publish(ctx, "tasks", testMessage(string(rune('a'+i)), "x")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != total {
		t.Errorf("expected %d distinct messages, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s delivered %d times", id, n)
		}
	}
}

func TestNackRedelivers(t *testing.T) {
	ctx := context.Background()
	tr := New(WithRedeliveryDelay(5 * time.Millisecond))
	defer tr.Close(ctx)
	tr.Declare(ctx, "tasks")

	sub, err := tr.Subscribe(ctx, "tasks")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close(ctx)

	tr.Publish(ctx, "tasks", testMessage("saga_1", "x"))

	first := receive(t, sub, time.Second)
	if first.RetryCount() != 0 {
		t.Errorf("expected retry count 0, got %d", first.RetryCount())
	}
	first.Ack(errors.New("backend unavailable"))

	second := receive(t, sub, time.Second)
	if second.ID() != "saga_1" {
		t.Errorf("expected saga_1, got %s", second.ID())
	}
	if second.RetryCount() != 1 {
		t.Errorf("expected retry count 1, got %d", second.RetryCount())
	}
	second.Ack(nil)

	t.Run("double ack is ignored", func(t *testing.T) {
		if err := first.Ack(errors.New("again")); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
		select {
		case msg := <-sub.Messages():
			t.Errorf("unexpected redelivery of %s", msg.ID())
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestUnackedMessageRedeliveredAfterClose(t *testing.T) {
	ctx := context.Background()
	tr := New(WithRedeliveryDelay(time.Millisecond))
	defer tr.Close(ctx)
	tr.Declare(ctx, "tasks")

	crashed, err := tr.Subscribe(ctx, "tasks")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	tr.Publish(ctx, "tasks", testMessage("saga_2", "x"))

	msg := receive(t, crashed, time.Second)
	if msg.ID() != "saga_2" {
		t.Fatalf("expected saga_2, got %s", msg.ID())
	}
	crashed.Close(ctx)

	survivor, err := tr.Subscribe(ctx, "tasks")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer survivor.Close(ctx)

	again := receive(t, survivor, time.Second)
	if again.ID() != "saga_2" {
		t.Errorf("expected saga_2, got %s", again.ID())
	}
	if again.RetryCount() != 1 {
		t.Errorf("expected retry count 1, got %d", again.RetryCount())
	}
}

func TestSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)
	tr.Declare(ctx, "tasks")

	sub, _ := tr.Subscribe(ctx, "tasks")
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed")
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	tr := New()
	tr.Declare(ctx, "tasks")
	tr.Publish(ctx, "tasks", testMessage("held", "x"))

	result := tr.Health(ctx)
	if result.Status != transport.HealthStatusHealthy {
		t.Errorf("expected healthy, got %s", result.Status)
	}
	if result.Details["backlog"] != 1 {
		t.Errorf("expected backlog 1, got %v", result.Details["backlog"])
	}

	tr.Close(ctx)
	if tr.Health(ctx).Status != transport.HealthStatusUnhealthy {
		t.Error("expected unhealthy after close")
	}
}

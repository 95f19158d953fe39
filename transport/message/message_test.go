package message

import (
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

func TestMessageNew(t *testing.T) {
	metadata := map[string]string{"key": "value"}
	msg := New("id-1", "source-1", []byte("payload"), metadata, trace.SpanContext{})

	if msg.ID() != "id-1" {
		t.Errorf("expected id-1, got %s", msg.ID())
	}
	if msg.Source() != "source-1" {
		t.Errorf("expected source-1, got %s", msg.Source())
	}
	if string(msg.Payload()) != "payload" {
		t.Errorf("expected payload, got %s", msg.Payload())
	}
	if msg.Metadata()["key"] != "value" {
		t.Errorf("expected metadata key=value")
	}
	if msg.RetryCount() != 0 {
		t.Errorf("expected retry count 0, got %d", msg.RetryCount())
	}
	if msg.Timestamp().IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestMessageNewWithRetry(t *testing.T) {
	msg := NewWithRetry("id-1", "source-1", nil, nil, trace.SpanContext{}, 3)

	if msg.RetryCount() != 3 {
		t.Errorf("expected retry count 3, got %d", msg.RetryCount())
	}
}

func TestMessageNewWithTimestamp(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	msg := NewWithTimestamp("id-1", "source-1", nil, nil, trace.SpanContext{}, ts)

	if !msg.Timestamp().Equal(ts) {
		t.Errorf("expected %v, got %v", ts, msg.Timestamp())
	}
}

func TestMessageWithAck(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	base := NewWithTimestamp("id-1", "source-1", []byte("p"), map[string]string{"env": "test"}, trace.SpanContext{}, ts)

	var got error
	called := false
	msg := WithAck(base, 4, func(err error) error {
		called = true
		got = err
		return nil
	})

	if msg.ID() != "id-1" || msg.Source() != "source-1" || string(msg.Payload()) != "p" {
		t.Errorf("fields not carried over: %s %s %s", msg.ID(), msg.Source(), msg.Payload())
	}
	if msg.Metadata()["env"] != "test" {
		t.Error("expected metadata env=test")
	}
	if !msg.Timestamp().Equal(ts) {
		t.Errorf("expected %v, got %v", ts, msg.Timestamp())
	}
	if msg.RetryCount() != 4 {
		t.Errorf("expected retry count 4, got %d", msg.RetryCount())
	}

	nack := errors.New("boom")
	if err := msg.Ack(nack); err != nil {
		t.Fatalf("Ack returned %v", err)
	}
	if !called || !errors.Is(got, nack) {
		t.Errorf("expected ack function to receive the nack error, got %v", got)
	}
}

func TestMessageAckWithNilFunction(t *testing.T) {
	msg := New("id-1", "source-1", nil, nil, trace.SpanContext{})

	if err := msg.Ack(nil); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestMessageContext(t *testing.T) {
	msg := New("id-1", "source-1", nil, nil, trace.SpanContext{})

	if msg.Context() == nil {
		t.Error("expected non-nil context")
	}
}

func TestMessageContextCarriesSpan(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	msg := New("id-1", "source-1", nil, nil, sc)

	got := trace.SpanContextFromContext(msg.Context())
	if got.TraceID() != sc.TraceID() {
		t.Errorf("expected trace id %s, got %s", sc.TraceID(), got.TraceID())
	}
	if !got.IsRemote() {
		t.Error("expected remote span context")
	}
}

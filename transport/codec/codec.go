// Package codec puts task messages on the wire for the external
// transports. JSON is the default; msgpack and proto trade readability
// for size.
package codec

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/quizapp/orchestrator/transport/message"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEncodeFailure = errors.New("failed to encode message")
	ErrDecodeFailure = errors.New("failed to decode message")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// Message is the message interface used by codecs
type Message = message.Message

// Codec serializes messages. Implementations are stateless and safe for
// concurrent use.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	// Decode rejects data without a message ID.
	Decode(data []byte) (Message, error)
	ContentType() string
	Name() string
}

// Default returns the JSON codec.
func Default() Codec {
	return JSON{}
}

// ByName maps a broker.codec setting to its codec. An empty name selects
// the default.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	case "proto":
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// envelope is the field set every codec carries. Trace context travels in
// Metadata, so the decoded message starts with an empty span context.
type envelope struct {
	ID         string            `json:"id" msgpack:"id"`
	Source     string            `json:"source" msgpack:"source"`
	Payload    []byte            `json:"payload" msgpack:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	RetryCount int               `json:"retry_count,omitempty" msgpack:"retry_count,omitempty"`
	Timestamp  time.Time         `json:"timestamp" msgpack:"timestamp"`
}

func seal(msg Message) envelope {
	return envelope{
		ID:         msg.ID(),
		Source:     msg.Source(),
		Payload:    msg.Payload(),
		Metadata:   maps.Clone(msg.Metadata()),
		RetryCount: msg.RetryCount(),
		Timestamp:  msg.Timestamp(),
	}
}

func (e envelope) open() (Message, error) {
	if e.ID == "" {
		return nil, errors.Join(ErrDecodeFailure, errors.New("missing message id"))
	}
	msg := message.NewWithTimestamp(e.ID, e.Source, e.Payload, e.Metadata, trace.SpanContext{}, e.Timestamp)
	return message.WithAck(msg, e.RetryCount, nil), nil
}

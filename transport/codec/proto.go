package codec

import (
	"encoding/base64"
	"errors"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto encodes the envelope as a google.protobuf.Struct, which needs no
// generated code:
//
//	id          string
//	source      string
//	payload     string (base64)
//	metadata    struct of strings
//	retry_count number
//	timestamp   string (RFC 3339, nanoseconds)
type Proto struct{}

func (Proto) Encode(msg Message) ([]byte, error) {
	env := seal(msg)
	metadata := make(map[string]any, len(env.Metadata))
	for k, v := range env.Metadata {
		metadata[k] = v
	}

	st, err := structpb.NewStruct(map[string]any{
		"id":          env.ID,
		"source":      env.Source,
		"payload":     base64.StdEncoding.EncodeToString(env.Payload),
		"metadata":    metadata,
		"retry_count": env.RetryCount,
		"timestamp":   env.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	data, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

func (Proto) Decode(data []byte) (Message, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	fields := st.GetFields()

	env := envelope{
		ID:         fields["id"].GetStringValue(),
		Source:     fields["source"].GetStringValue(),
		RetryCount: int(fields["retry_count"].GetNumberValue()),
	}

	var err error
	if env.Payload, err = base64.StdEncoding.DecodeString(fields["payload"].GetStringValue()); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	if md := fields["metadata"].GetStructValue(); len(md.GetFields()) > 0 {
		env.Metadata = make(map[string]string, len(md.GetFields()))
		for k, v := range md.GetFields() {
			env.Metadata[k] = v.GetStringValue()
		}
	}
	if raw := fields["timestamp"].GetStringValue(); raw != "" {
		if env.Timestamp, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, errors.Join(ErrDecodeFailure, err)
		}
	}
	return env.open()
}

func (Proto) ContentType() string { return "application/x-protobuf" }
func (Proto) Name() string        { return "proto" }

var _ Codec = Proto{}

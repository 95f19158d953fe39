package codec

import (
	"encoding/json"
	"errors"
)

// JSON is the default codec. The payload is base64 inside the document.
type JSON struct{}

func (JSON) Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(seal(msg))
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

func (JSON) Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return env.open()
}

func (JSON) ContentType() string { return "application/json" }
func (JSON) Name() string        { return "json" }

var _ Codec = JSON{}

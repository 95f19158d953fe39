package codec

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack carries the payload as a native binary field.
type MsgPack struct{}

func (MsgPack) Encode(msg Message) ([]byte, error) {
	data, err := msgpack.Marshal(seal(msg))
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

func (MsgPack) Decode(data []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return env.open()
}

func (MsgPack) ContentType() string { return "application/msgpack" }
func (MsgPack) Name() string        { return "msgpack" }

var _ Codec = MsgPack{}

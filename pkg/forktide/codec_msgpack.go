package forktide

import "github.com/vmihailenco/msgpack/v5"

// MessagePackCodec implements Codec using MessagePack; NewCodec returns
// it for CodecMessagePack.
type MessagePackCodec struct{}

func (c *MessagePackCodec) Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }

func (c *MessagePackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MessagePackCodec) Name() string { return "msgpack" }

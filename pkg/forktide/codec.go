package forktide

import (
	"fmt"
	"os"
)

// Codec is a selectable serializer, built by NewCodec as JSON or
// MessagePack. The wire format between master and worker over the
// descriptor channel is always JSON (see internal/protocol) and does not
// go through a Codec.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// CodecType names a selectable Codec implementation.
type CodecType string

const (
	CodecJSON        CodecType = "json"
	CodecMessagePack CodecType = "msgpack"
)

// ActiveJSONCodecName reports which JSON codec implementation this
// binary was built with, overridable at runtime via the
// FORKTIDE_JSON_CODEC environment variable for diagnostic logging.
func ActiveJSONCodecName() string {
	if name := os.Getenv("FORKTIDE_JSON_CODEC"); name != "" {
		return name
	}
	return (&JSONCodec{}).Name()
}

// NewCodec builds the Codec named by codecType.
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecJSON, "":
		return &JSONCodec{}, nil
	case CodecMessagePack:
		return &MessagePackCodec{}, nil
	default:
		return nil, fmt.Errorf("forktide: unknown codec type %q", codecType)
	}
}

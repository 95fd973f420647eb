package serializers

import (
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/frames"
)

// SerializerType indicates the wire format of serialized frames
type SerializerType string

const (
	SerializerTypeText   SerializerType = "text"
	SerializerTypeBinary SerializerType = "binary"
)

// FrameSerializer converts between wire messages and frames
type FrameSerializer interface {
	// Type returns whether serialized output is text or binary
	Type() SerializerType

	// Serialize converts a frame to wire format; nil output means the
	// frame has no wire representation and should be skipped
	Serialize(frame frames.Frame) ([]byte, error)

	// Deserialize converts wire data to a frame; nil output means the
	// message carries nothing the pipeline cares about
	Deserialize(data []byte) (frames.Frame, error)
}

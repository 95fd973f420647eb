package serializers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/frames"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
)

// TelephonySerializer handles the carrier's media-stream WebSocket protocol:
// JSON envelopes with start/media/stop/mark events inbound and
// media/mark/clear events outbound, audio as base64 µ-law.
type TelephonySerializer struct {
	streamSid string
	callSid   string
	log       *logger.Logger
}

type telephonyMessage struct {
	Event     string          `json:"event"`
	StreamSid string          `json:"streamSid,omitempty"`
	Media     *telephonyMedia `json:"media,omitempty"`
	Start     *telephonyStart `json:"start,omitempty"`
	Mark      *telephonyMark  `json:"mark,omitempty"`
}

type telephonyMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64-encoded µ-law audio
}

type telephonyStart struct {
	StreamSid        string               `json:"streamSid"`
	CallSid          string               `json:"callSid"`
	AccountSid       string               `json:"accountSid"`
	Tracks           []string             `json:"tracks"`
	MediaFormat      *telephonyMediaFmt   `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string    `json:"customParameters,omitempty"`
}

type telephonyMediaFmt struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type telephonyMark struct {
	Name string `json:"name"`
}

// NewTelephonySerializer creates a serializer. The stream SID is learned
// from the start event; until then outbound serialization fails.
func NewTelephonySerializer() *TelephonySerializer {
	return &TelephonySerializer{
		log: logger.WithPrefix("TelephonySerializer"),
	}
}

func (s *TelephonySerializer) Type() SerializerType {
	return SerializerTypeText
}

// StreamSid returns the media stream identifier learned from the start event.
func (s *TelephonySerializer) StreamSid() string {
	return s.streamSid
}

// CallSid returns the carrier call identifier learned from the start event.
func (s *TelephonySerializer) CallSid() string {
	return s.callSid
}

// Serialize converts a frame to a carrier JSON message. AudioFrame becomes
// a media event, InterruptionFrame a clear event; other frames have no
// wire representation.
func (s *TelephonySerializer) Serialize(frame frames.Frame) ([]byte, error) {
	switch f := frame.(type) {
	case *frames.AudioFrame:
		return s.SerializeMedia(f.Data)
	case *frames.InterruptionFrame:
		return s.SerializeClear()
	default:
		return nil, nil
	}
}

// SerializeMedia wraps one µ-law frame as a media event.
func (s *TelephonySerializer) SerializeMedia(payload []byte) ([]byte, error) {
	if s.streamSid == "" {
		return nil, fmt.Errorf("stream not started: no streamSid")
	}
	msg := telephonyMessage{
		Event:     "media",
		StreamSid: s.streamSid,
		Media: &telephonyMedia{
			Payload: base64.StdEncoding.EncodeToString(payload),
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal media message: %w", err)
	}
	return data, nil
}

// SerializeMark wraps a named mark event for playback-progress tracking.
func (s *TelephonySerializer) SerializeMark(name string) ([]byte, error) {
	if s.streamSid == "" {
		return nil, fmt.Errorf("stream not started: no streamSid")
	}
	msg := telephonyMessage{
		Event:     "mark",
		StreamSid: s.streamSid,
		Mark:      &telephonyMark{Name: name},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mark message: %w", err)
	}
	return data, nil
}

// SerializeClear builds the clear event that discards audio buffered on the
// carrier side. Sent on barge-in.
func (s *TelephonySerializer) SerializeClear() ([]byte, error) {
	if s.streamSid == "" {
		return nil, fmt.Errorf("stream not started: no streamSid")
	}
	msg := telephonyMessage{
		Event:     "clear",
		StreamSid: s.streamSid,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal clear message: %w", err)
	}
	return data, nil
}

// Deserialize converts a carrier JSON message to a frame. Unknown events
// are ignored with a warning and return (nil, nil).
func (s *TelephonySerializer) Deserialize(data []byte) (frames.Frame, error) {
	var msg telephonyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal telephony message: %w", err)
	}

	switch msg.Event {
	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("start event missing start data")
		}
		s.streamSid = msg.Start.StreamSid
		s.callSid = msg.Start.CallSid

		frame := frames.NewStartFrame(s.streamSid, s.callSid)
		frame.CustomParameters = msg.Start.CustomParameters
		if fmtInfo := msg.Start.MediaFormat; fmtInfo != nil {
			frame.Encoding = fmtInfo.Encoding
			frame.SampleRate = fmtInfo.SampleRate
			frame.Channels = fmtInfo.Channels
		}
		return frame, nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("media event missing media data")
		}
		audioData, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio payload: %w", err)
		}
		frame := frames.NewAudioFrame(audioData, 8000, 1)
		if msg.Media.Timestamp != "" {
			if ts, err := strconv.ParseInt(msg.Media.Timestamp, 10, 64); err == nil {
				frame.TimestampMs = ts
			}
		}
		return frame, nil

	case "stop":
		return frames.NewEndFrame(), nil

	case "mark":
		if msg.Mark == nil {
			return nil, nil
		}
		return frames.NewMarkAckFrame(msg.Mark.Name), nil

	case "connected":
		// Handshake preamble some carriers send before start.
		return nil, nil

	default:
		s.log.Warn("ignoring unknown telephony event %q", msg.Event)
		return nil, nil
	}
}

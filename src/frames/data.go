package frames

import "time"

// DataFrame is the base for data frames (audio, transcripts, tokens)
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

// AudioFrame carries one inbound telephony media frame (µ-law 8 kHz, 160 bytes)
type AudioFrame struct {
	*DataFrame
	Data        []byte
	SampleRate  int
	Channels    int
	TimestampMs int64 // carrier timestamp from the media event
}

func NewAudioFrame(data []byte, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("AudioFrame"),
		},
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// TranscriptionFrame carries one STT result, partial or final
type TranscriptionFrame struct {
	*DataFrame
	Text       string
	Confidence float64
	Seq        int
	IsFinal    bool
}

func NewTranscriptionFrame(text string, isFinal bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("TranscriptionFrame"),
		},
		Text:    text,
		IsFinal: isFinal,
	}
}

// TextFrame carries one LLM token in arrival order
type TextFrame struct {
	*DataFrame
	Text string
}

func NewTextFrame(text string) *TextFrame {
	return &TextFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("TextFrame"),
		},
		Text: text,
	}
}

// TTSAudioSentFrame reports that one 20 ms µ-law frame was written to the
// telephony sink. SentAt drives the barge-in "recent audio" window.
type TTSAudioSentFrame struct {
	*DataFrame
	SentAt time.Time
	Bytes  int
}

func NewTTSAudioSentFrame(sentAt time.Time, n int) *TTSAudioSentFrame {
	return &TTSAudioSentFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("TTSAudioSentFrame"),
		},
		SentAt: sentAt,
		Bytes:  n,
	}
}

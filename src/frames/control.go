package frames

// ControlFrame is the base for turn-progress marker frames
type ControlFrame struct {
	*BaseFrame
}

func (f *ControlFrame) Category() FrameCategory {
	return ControlCategory
}

// LLMFullResponseStartFrame marks the beginning of an LLM response
type LLMFullResponseStartFrame struct {
	*ControlFrame
}

func NewLLMFullResponseStartFrame() *LLMFullResponseStartFrame {
	return &LLMFullResponseStartFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("LLMFullResponseStartFrame"),
		},
	}
}

// LLMFullResponseEndFrame marks the clean end of an LLM response.
// FullText is the complete assistant text as assembled by the streamer.
type LLMFullResponseEndFrame struct {
	*ControlFrame
	FullText string
}

func NewLLMFullResponseEndFrame(fullText string) *LLMFullResponseEndFrame {
	return &LLMFullResponseEndFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("LLMFullResponseEndFrame"),
		},
		FullText: fullText,
	}
}

// TTSStoppedFrame marks completion of the current TTS generation,
// either by upstream isFinal or by the flush-quiet timer.
type TTSStoppedFrame struct {
	*ControlFrame
}

func NewTTSStoppedFrame() *TTSStoppedFrame {
	return &TTSStoppedFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("TTSStoppedFrame"),
		},
	}
}

// MarkAckFrame reports a telephony mark acknowledgment (playback progress)
type MarkAckFrame struct {
	*ControlFrame
	MarkName string
}

func NewMarkAckFrame(name string) *MarkAckFrame {
	return &MarkAckFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("MarkAckFrame"),
		},
		MarkName: name,
	}
}

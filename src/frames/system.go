package frames

// SystemFrame is the base for all system-level frames
type SystemFrame struct {
	*BaseFrame
}

func (f *SystemFrame) Category() FrameCategory {
	return SystemCategory
}

// StartFrame signals the telephony media stream has started
type StartFrame struct {
	*SystemFrame
	StreamSid        string
	CallSid          string
	Encoding         string
	SampleRate       int
	Channels         int
	CustomParameters map[string]string
}

func NewStartFrame(streamSid, callSid string) *StartFrame {
	return &StartFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("StartFrame"),
		},
		StreamSid: streamSid,
		CallSid:   callSid,
	}
}

// EndFrame signals the media stream has stopped (stop event or socket close)
type EndFrame struct {
	*SystemFrame
}

func NewEndFrame() *EndFrame {
	return &EndFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("EndFrame"),
		},
	}
}

// InterruptionFrame signals user barge-in over the assistant's audio
type InterruptionFrame struct {
	*SystemFrame
}

func NewInterruptionFrame() *InterruptionFrame {
	return &InterruptionFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("InterruptionFrame"),
		},
	}
}

// ErrorFrame carries error information from an upstream collaborator
type ErrorFrame struct {
	*SystemFrame
	Source string // "stt", "llm", "tts", "telephony"
	Error  error
	Fatal  bool // fatal errors close the session
}

func NewErrorFrame(source string, err error) *ErrorFrame {
	return &ErrorFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("ErrorFrame"),
		},
		Source: source,
		Error:  err,
	}
}

// UserStartedSpeakingFrame signals the VAD gate detected start of user speech
type UserStartedSpeakingFrame struct {
	*SystemFrame
}

func NewUserStartedSpeakingFrame() *UserStartedSpeakingFrame {
	return &UserStartedSpeakingFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("UserStartedSpeakingFrame"),
		},
	}
}

// UserStoppedSpeakingFrame signals the VAD gate detected end of user speech.
// Utterance carries the buffered µ-law audio of the whole utterance.
type UserStoppedSpeakingFrame struct {
	*SystemFrame
	Utterance []byte
}

func NewUserStoppedSpeakingFrame(utterance []byte) *UserStoppedSpeakingFrame {
	return &UserStoppedSpeakingFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("UserStoppedSpeakingFrame"),
		},
		Utterance: utterance,
	}
}

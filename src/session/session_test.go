package session

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/audio"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/audio/vad"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/frames"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services"
)

// fakeClock drives the session's injectable clock deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time             { return c.t }
func (c *fakeClock) Advance(d time.Duration)    { c.t = c.t.Add(d) }

type fakeSTT struct {
	mu     sync.Mutex
	frames int
	closed int
}

func (f *fakeSTT) SendAudio(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeSTT) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type fakeTTS struct {
	mu         sync.Mutex
	opens      int
	tokens     []string
	flushes    int
	interrupts int
	closed     int
}

func (f *fakeTTS) EnsureOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return nil
}

func (f *fakeTTS) SendToken(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return nil
}

func (f *fakeTTS) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeTTS) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}

func (f *fakeTTS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	media  int
	marks  int
	clears int
}

func (f *fakeSink) WriteMedia(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media++
	return nil
}

func (f *fakeSink) WriteMark(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks++
	return nil
}

func (f *fakeSink) WriteClear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

// llmCall captures one StreamCompletion invocation; the test drives the
// handler callbacks itself.
type llmCall struct {
	ctx     context.Context
	req     services.CompletionRequest
	handler services.StreamHandler
}

type fakeLLM struct {
	calls chan llmCall
}

func (f *fakeLLM) StreamCompletion(ctx context.Context, req services.CompletionRequest, handler services.StreamHandler) {
	f.calls <- llmCall{ctx: ctx, req: req, handler: handler}
}

type fixture struct {
	clock *fakeClock
	stt   *fakeSTT
	tts   *fakeTTS
	sink  *fakeSink
	llm   *fakeLLM
}

// newTestSession builds a session whose loop is NOT running; tests call
// handle and drain directly so every step is deterministic.
func newTestSession(systemPrompt string) (*Session, *fixture) {
	fx := &fixture{
		clock: &fakeClock{t: time.Unix(1700000000, 0)},
		stt:   &fakeSTT{},
		tts:   &fakeTTS{},
		sink:  &fakeSink{},
		llm:   &fakeLLM{calls: make(chan llmCall, 4)},
	}
	tun := DefaultTunables()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		CallID: "call-1",
		deps: Deps{
			STTFactory: func(string, func(frames.Frame)) (STTStream, error) { return fx.stt, nil },
			TTSFactory: func(services.MediaSink, func(frames.Frame)) TTSStreamer { return fx.tts },
			LLM:        fx.llm,
			Tunables:   tun,
		},
		tun:     tun,
		log:     logger.WithPrefix("SessionTest"),
		queue:   make(chan frames.Frame, queueDepth),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		now:     fx.clock.Now,
		history: services.NewLLMContext(systemPrompt),
		gate:    vad.NewGate(vad.NewClassifier(8000, tun.VADMode), tun.VADSilence),
	}
	s.Bind(fx.sink)
	return s, fx
}

// drain processes everything the collaborator callbacks posted.
func drain(s *Session) {
	for {
		select {
		case f := <-s.queue:
			s.handle(f)
		default:
			return
		}
	}
}

func voicePayload() []byte {
	pcm := make([]int16, audio.FrameBytes)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*400*float64(i)/8000))
	}
	return audio.PCMToMulaw(pcm)
}

func silencePayload() []byte {
	frame := make([]byte, audio.FrameBytes)
	for i := range frame {
		frame[i] = audio.MulawSilence
	}
	return frame
}

// feedAudio pushes n media frames 20 ms apart.
func feedAudio(s *Session, fx *fixture, payload []byte, n int) {
	for i := 0; i < n; i++ {
		s.handle(frames.NewAudioFrame(payload, 8000, 1))
		fx.clock.Advance(frameDuration)
	}
}

// speakUtterance simulates: user speaks for speakMs, a final transcript
// arrives, then silence runs the VAD hangover out.
func speakUtterance(s *Session, fx *fixture, transcript string, speakMs int) {
	feedAudio(s, fx, voicePayload(), speakMs/audio.FrameDurationMs)
	s.handle(frames.NewTranscriptionFrame(transcript, true))
	feedAudio(s, fx, silencePayload(), 42) // 840 ms, past the 800 ms hangover
}

// completeLLM drives a full uninterrupted LLM+TTS turn to commit.
func completeLLM(t *testing.T, s *Session, fx *fixture, tokens []string, full string) {
	t.Helper()
	call := <-fx.llm.calls
	call.handler.OnFirstToken()
	for _, tok := range tokens {
		call.handler.OnToken(tok)
	}
	call.handler.OnComplete(full)
	drain(s)

	s.handle(frames.NewTTSAudioSentFrame(fx.clock.Now(), audio.FrameBytes))
	fx.clock.Advance(100 * time.Millisecond)
	s.handle(frames.NewTTSStoppedFrame())
}

func requireNoConsecutiveAssistant(t *testing.T, history []services.LLMMessage) {
	t.Helper()
	for i := 1; i < len(history); i++ {
		if history[i].Role == "assistant" && history[i-1].Role == "assistant" {
			t.Fatalf("consecutive assistant entries at %d: %+v", i, history)
		}
	}
}

func TestCleanSingleTurn(t *testing.T) {
	t.Parallel()

	s, fx := newTestSession("")
	s.handle(frames.NewStartFrame("MZ1", "CA1"))
	require.Equal(t, 1, fx.tts.opens)

	speakUtterance(s, fx, "안녕하세요", 400)

	require.Equal(t, PhaseGenerating, s.turn.phase)
	require.False(t, s.turn.timings.VADEnd.IsZero())

	call := <-fx.llm.calls
	require.Len(t, call.req.Messages, 1)
	require.Equal(t, "user", call.req.Messages[0].Role)
	require.Equal(t, "안녕하세요", call.req.Messages[0].Content)

	call.handler.OnFirstToken()
	call.handler.OnToken("네, ")
	call.handler.OnToken("안녕하세요.")
	call.handler.OnComplete("네, 안녕하세요.")
	drain(s)

	require.Equal(t, []string{"네, ", "안녕하세요."}, fx.tts.tokens)
	require.Equal(t, 1, fx.tts.flushes)

	s.handle(frames.NewTTSAudioSentFrame(fx.clock.Now(), audio.FrameBytes))
	require.Equal(t, PhaseSpeaking, s.turn.phase)
	require.False(t, s.turn.timings.TTSFirstChunk.Before(s.turn.timings.VADEnd),
		"TTS first chunk must not precede VAD end")

	s.handle(frames.NewTTSStoppedFrame())
	require.Equal(t, PhaseIdle, s.turn.phase)

	require.Len(t, s.history.Messages, 2)
	require.Equal(t, "assistant", s.history.Messages[1].Role)
	require.Equal(t, "네, 안녕하세요.", s.history.Messages[1].Content)
	requireNoConsecutiveAssistant(t, s.history.Messages)
	require.Zero(t, fx.sink.clears)

	// STT received only in-utterance audio: 400 ms of voice plus the
	// in-hangover silence, never the trailing idle silence.
	require.Greater(t, fx.stt.frames, 19)
}

func TestEmptyUtteranceReturnsToIdle(t *testing.T) {
	t.Parallel()

	s, fx := newTestSession("")
	s.handle(frames.NewStartFrame("MZ1", "CA1"))

	// Noise with no transcript at all.
	feedAudio(s, fx, voicePayload(), 20)
	feedAudio(s, fx, silencePayload(), 42)

	require.Equal(t, PhaseIdle, s.turn.phase)
	require.Empty(t, s.history.Messages)
	select {
	case <-fx.llm.calls:
		t.Fatal("LLM dispatched with empty transcript buffer")
	default:
	}
}

func TestBargeInRollsBackCommittedTurn(t *testing.T) {
	t.Parallel()

	s, fx := newTestSession("")
	s.handle(frames.NewStartFrame("MZ1", "CA1"))

	speakUtterance(s, fx, "안녕하세요", 400)
	completeLLM(t, s, fx, []string{"네."}, "네.")
	require.Len(t, s.history.Messages, 2)

	// 200 ms after commit the user barges in; last audio was sent well
	// within the TTS-recent window.
	fx.clock.Advance(200 * time.Millisecond)
	feedAudio(s, fx, voicePayload(), 5)
	s.handle(frames.NewTranscriptionFrame("잠깐만요", true))
	feedAudio(s, fx, voicePayload(), 25) // past the 500 ms confident rule

	require.Equal(t, 1, fx.sink.clears, "clear must go to the carrier")
	require.Equal(t, 1, fx.tts.interrupts)
	require.Len(t, s.history.Messages, 1, "assistant entry must be rolled back")
	require.Equal(t, "user", s.history.Messages[0].Role)

	// The interrupted speech then ends and dispatches the next turn.
	feedAudio(s, fx, silencePayload(), 42)
	call := <-fx.llm.calls
	require.Equal(t, "잠깐만요", call.req.Messages[len(call.req.Messages)-1].Content)
	requireNoConsecutiveAssistant(t, s.history.Messages)
}

func TestSafetyInterruptWithoutTranscript(t *testing.T) {
	t.Parallel()

	s, fx := newTestSession("")
	s.handle(frames.NewStartFrame("MZ1", "CA1"))

	speakUtterance(s, fx, "볼륨 좀 키워줘", 400)
	call := <-fx.llm.calls
	call.handler.OnFirstToken()
	call.handler.OnToken("네")
	drain(s)
	s.handle(frames.NewTTSAudioSentFrame(fx.clock.Now(), audio.FrameBytes))
	require.Equal(t, PhaseSpeaking, s.turn.phase)

	// 1600 ms of noise the STT never transcribes.
	feedAudio(s, fx, voicePayload(), 80)

	require.Equal(t, 1, fx.sink.clears)
	require.Equal(t, 1, fx.tts.interrupts)
	require.Error(t, call.ctx.Err(), "LLM context must be cancelled")

	// The cooperative abort surfaces as an expected error, not a failure.
	call.handler.OnError(services.ErrAborted)
	drain(s)

	require.Len(t, s.history.Messages, 1, "no assistant entry for the interrupted turn")
	requireNoConsecutiveAssistant(t, s.history.Messages)
}

func TestShortSpeechDoesNotInterrupt(t *testing.T) {
	t.Parallel()

	s, fx := newTestSession("")
	s.handle(frames.NewStartFrame("MZ1", "CA1"))

	speakUtterance(s, fx, "안녕", 400)
	call := <-fx.llm.calls
	call.handler.OnFirstToken()
	call.handler.OnToken("네")
	drain(s)
	s.handle(frames.NewTTSAudioSentFrame(fx.clock.Now(), audio.FrameBytes))

	// 480 ms of speech with a transcript: under the 500 ms confident rule.
	feedAudio(s, fx, voicePayload(), 5)
	s.handle(frames.NewTranscriptionFrame("아", true))
	feedAudio(s, fx, voicePayload(), 19)

	require.Zero(t, fx.sink.clears, "no interrupt below the fast threshold")
	require.Zero(t, fx.tts.interrupts)
	require.NoError(t, call.ctx.Err())
}

func TestLateFinalJoinsNextTurn(t *testing.T) {
	t.Parallel()

	s, fx := newTestSession("")
	s.handle(frames.NewStartFrame("MZ1", "CA1"))

	speakUtterance(s, fx, "첫번째", 400)
	require.Equal(t, PhaseGenerating, s.turn.phase)

	// A straggler final lands after dispatch already consumed the buffer.
	s.handle(frames.NewTranscriptionFrame("두번째", true))

	completeLLM(t, s, fx, []string{"답변"}, "답변")
	require.Len(t, s.history.Messages, 2)
	require.Equal(t, "첫번째", s.history.Messages[0].Content)

	// Next utterance carries the straggler along with the new final.
	fx.clock.Advance(3 * time.Second) // outside the TTS-recent window
	speakUtterance(s, fx, "세번째", 400)
	call := <-fx.llm.calls
	last := call.req.Messages[len(call.req.Messages)-1]
	require.Equal(t, "두번째 세번째", last.Content)
}

func TestGreetingInterruptNotCommitted(t *testing.T) {
	t.Parallel()

	s, fx := newTestSession("당신은 상담원입니다.")
	s.handle(frames.NewStartFrame("MZ1", "CA1"))

	call := <-fx.llm.calls
	require.Empty(t, call.req.Messages, "greeting turn carries no user message")
	require.Equal(t, "당신은 상담원입니다.", call.req.SystemPrompt)

	call.handler.OnFirstToken()
	call.handler.OnToken("여보세요, ")
	drain(s)
	s.handle(frames.NewTTSAudioSentFrame(fx.clock.Now(), audio.FrameBytes))

	// User talks over the greeting with a confirmed transcript.
	feedAudio(s, fx, voicePayload(), 5)
	s.handle(frames.NewTranscriptionFrame("네 여보세요", true))
	feedAudio(s, fx, voicePayload(), 25)

	require.Equal(t, 1, fx.tts.interrupts)

	// The abandoned completion still reports; it must not flush or commit.
	call.handler.OnComplete("여보세요, 무엇을 도와드릴까요?")
	drain(s)
	require.Zero(t, fx.tts.flushes)

	feedAudio(s, fx, silencePayload(), 42)
	next := <-fx.llm.calls
	require.Equal(t, "네 여보세요", next.req.Messages[0].Content)
	require.Empty(t, callHistoryAssistants(s.history.Messages), "greeting must not be in history")
}

func callHistoryAssistants(history []services.LLMMessage) []services.LLMMessage {
	var out []services.LLMMessage
	for _, m := range history {
		if m.Role == "assistant" {
			out = append(out, m)
		}
	}
	return out
}

func TestProviderErrorAbortsTurnKeepsSession(t *testing.T) {
	t.Parallel()

	s, fx := newTestSession("")
	s.handle(frames.NewStartFrame("MZ1", "CA1"))

	speakUtterance(s, fx, "질문", 400)
	call := <-fx.llm.calls
	call.handler.OnError(context.DeadlineExceeded)
	drain(s)

	require.Equal(t, PhaseIdle, s.turn.phase)
	require.Len(t, s.history.Messages, 1, "only the user entry survives")

	// The session still takes the next turn.
	fx.clock.Advance(3 * time.Second)
	speakUtterance(s, fx, "다시", 400)
	next := <-fx.llm.calls
	require.Equal(t, "다시", next.req.Messages[len(next.req.Messages)-1].Content)
}

func TestMultiTurnHistoryOrdering(t *testing.T) {
	t.Parallel()

	s, fx := newTestSession("")
	s.handle(frames.NewStartFrame("MZ1", "CA1"))

	for i, turn := range []struct{ user, assistant string }{
		{"안녕하세요", "네, 안녕하세요."},
		{"날씨 어때요", "맑습니다."},
		{"고마워요", "천만에요."},
	} {
		if i > 0 {
			fx.clock.Advance(3 * time.Second)
		}
		speakUtterance(s, fx, turn.user, 400)
		completeLLM(t, s, fx, []string{turn.assistant}, turn.assistant)
	}

	require.Len(t, s.history.Messages, 6)
	for i, want := range []string{"user", "assistant", "user", "assistant", "user", "assistant"} {
		require.Equal(t, want, s.history.Messages[i].Role, "entry %d", i)
	}
	requireNoConsecutiveAssistant(t, s.history.Messages)
}

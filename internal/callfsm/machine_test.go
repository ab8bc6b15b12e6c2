// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callfsm

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	internal_audio "github.com/rapidaai/voice-core/internal/audio"
	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
	internal_hedge "github.com/rapidaai/voice-core/internal/hedge"
	internal_intelligence "github.com/rapidaai/voice-core/internal/intelligence"
	internal_llm "github.com/rapidaai/voice-core/internal/llm"
	"github.com/rapidaai/voice-core/pkg/commons"
)

// fakeSession scripts the model side of a call.
type fakeSession struct {
	mu           sync.Mutex
	events       chan internal_llm.Event
	audioFrames  int
	sentTexts    []string
	instructions []string
	cancels      int
	closed       bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan internal_llm.Event, 64)}
}

func (f *fakeSession) Events() <-chan internal_llm.Event { return f.events }

func (f *fakeSession) SendAudio(pcm []int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioFrames++
	return nil
}

func (f *fakeSession) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return nil
}

func (f *fakeSession) UpdateSystemInstruction(instruction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instructions = append(f.instructions, instruction)
	return nil
}

func (f *fakeSession) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeSession) emit(ev internal_llm.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

func (f *fakeSession) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeSession) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioFrames
}

func (f *fakeSession) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentTexts...)
}

// fakeSink records what the machine pushes toward the carrier.
type fakeSink struct {
	mu       sync.Mutex
	enqueued int
	samples  int
	clears   int
}

func (s *fakeSink) EnqueueAudio(pcm []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued++
	s.samples += len(pcm)
}

func (s *fakeSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
}

func (s *fakeSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueued, s.clears
}

type fixture struct {
	machine *Machine
	session *fakeSession
	sink    *fakeSink
	store   internal_callstore.Store
	writer  *internal_callstore.AsyncWriter
	callID  string
	cancel  context.CancelFunc
}

func testTimers() TimerConfig {
	return TimerConfig{
		Setup:         500 * time.Millisecond,
		Welcome:       300 * time.Millisecond,
		Thinking:      300 * time.Millisecond,
		Responding:    time.Second,
		Speaking:      5 * time.Second,
		ResponsePause: 30 * time.Millisecond,
		FillerGrace:   20 * time.Millisecond,
		SessionOpen:   500 * time.Millisecond,
		Voicemail:     300 * time.Millisecond,
	}
}

func defaultAgent() *internal_callstore.AgentConfig {
	return &internal_callstore.AgentConfig{
		Name:   "Riya",
		Prompt: "You are a helpful sales agent for Acme.",
		Speech: internal_callstore.SpeechSettings{
			VoiceSpeed:              1.0,
			InterruptionSensitivity: 0.5,
			Responsiveness:          0.9,
		},
		Limits: internal_callstore.CallLimits{
			MaxCallDurationSec: 300,
			SilenceDetectionMs: 800,
		},
		StartBehavior: internal_callstore.StartWaitForHuman,
	}
}

func newFixture(t *testing.T, agent *internal_callstore.AgentConfig, hedge *internal_hedge.Engine) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store, err := internal_callstore.NewStore(db, commons.NewNopLogger())
	require.NoError(t, err)

	call := &internal_callstore.Call{
		AgentID:    "agent-1",
		ProviderID: "provider-1",
		FromNumber: "+14155550100",
		ToNumber:   "+15551230001",
		Direction:  internal_callstore.DirectionOutbound,
	}
	require.NoError(t, store.CreateCall(context.Background(), call))

	writer := internal_callstore.NewAsyncWriter(store, commons.NewNopLogger())
	session := newFakeSession()
	sink := &fakeSink{}

	machine := NewMachine(Deps{
		Logger: commons.NewNopLogger(),
		CallID: call.ID,
		Agent:  agent,
		OpenSession: func(ctx context.Context, instruction string, voice internal_llm.VoiceConfig) (internal_llm.Session, error) {
			return session, nil
		},
		Hedge:  hedge,
		Writer: writer,
		Sink:   sink,
		Timers: testTimers(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go machine.Run(ctx)
	t.Cleanup(cancel)

	return &fixture{
		machine: machine, session: session, sink: sink,
		store: store, writer: writer, callID: call.ID, cancel: cancel,
	}
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state %s not reached, still %s", want, m.State())
}

func waitEnded(t *testing.T, f *fixture) *internal_callstore.Call {
	t.Helper()
	select {
	case <-f.machine.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("machine did not end")
	}
	f.writer.Close()
	call, err := f.store.GetCall(context.Background(), f.callID)
	require.NoError(t, err)
	return call
}

// loudFrame is 20 ms of a 440 Hz tone around −12 dBFS, comfortably above
// the −40 dB speech threshold.
func loudFrame() []int16 {
	frame := make([]int16, internal_audio.ModelInRate/50)
	for i := range frame {
		frame[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(internal_audio.ModelInRate)))
	}
	return frame
}

func quietFrame() []int16 {
	return make([]int16, internal_audio.ModelInRate/50)
}

func pushFrames(m *Machine, frame []int16, n int) {
	for i := 0; i < n; i++ {
		m.PushAudio(frame)
	}
}

func speakTurn(t *testing.T, f *fixture, transcript string) {
	t.Helper()
	pushFrames(f.machine, loudFrame(), 10) // 200 ms speech
	waitState(t, f.machine, StateHumanSpeaking)
	f.session.emit(internal_llm.Event{Type: internal_llm.EventUserTranscript, Transcript: transcript})
	pushFrames(f.machine, quietFrame(), 45) // 900 ms silence
	waitState(t, f.machine, StateThinking)
}

func respond(t *testing.T, f *fixture, transcript string) {
	t.Helper()
	f.session.emit(internal_llm.Event{Type: internal_llm.EventResponseStart})
	waitState(t, f.machine, StateResponding)
	f.session.emit(internal_llm.Event{Type: internal_llm.EventAudioChunk, Audio: make([]int16, 480)})
	if transcript != "" {
		f.session.emit(internal_llm.Event{Type: internal_llm.EventTranscriptPartial, Transcript: transcript})
	}
	f.session.emit(internal_llm.Event{Type: internal_llm.EventResponseComplete})
	waitState(t, f.machine, StateListening)
}

func TestHappyPathConversation(t *testing.T) {
	f := newFixture(t, defaultAgent(), nil)

	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	speakTurn(t, f, "Hello, I want to know more about this")
	assert.Greater(t, f.session.audioCount(), 0)

	respond(t, f, "Happy to walk you through it.")

	f.machine.MediaStopped()
	call := waitEnded(t, f)

	assert.Equal(t, internal_callstore.StatusCompleted, call.Status)
	assert.Equal(t, OutcomeCompleted, call.Outcome)
	require.Len(t, call.Turns, 1)

	turn := call.Turns[0]
	assert.Equal(t, 1, turn.TurnNumber)
	assert.Equal(t, string(internal_intelligence.StageAwareness), turn.Stage)
	assert.Contains(t, []string{
		string(internal_intelligence.PrincipleAuthority),
		string(internal_intelligence.PrincipleLiking),
		string(internal_intelligence.PrincipleSocialProof),
	}, turn.AppliedPrinciple)
	assert.Equal(t, "Hello, I want to know more about this", turn.UserText)
	assert.Equal(t, "Happy to walk you through it.", turn.AgentText)
	assert.Equal(t, 0, call.Metrics.Interruptions)

	enqueued, _ := f.sink.counts()
	assert.Greater(t, enqueued, 0)
}

func TestWelcomeMessagePlaysFirst(t *testing.T) {
	agent := defaultAgent()
	agent.WelcomeMessage = "Hi, this is Riya from Acme."
	agent.StartBehavior = internal_callstore.StartImmediately

	f := newFixture(t, agent, nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateWelcome)

	require.Eventually(t, func() bool {
		texts := f.session.texts()
		return len(texts) == 1 && texts[0] == agent.WelcomeMessage
	}, time.Second, 5*time.Millisecond)

	f.session.emit(internal_llm.Event{Type: internal_llm.EventAudioChunk, Audio: make([]int16, 480)})
	f.session.emit(internal_llm.Event{Type: internal_llm.EventResponseComplete})
	waitState(t, f.machine, StateListening)

	enqueued, _ := f.sink.counts()
	assert.Equal(t, 1, enqueued)
}

func TestWelcomeTimeoutFallsThroughToListening(t *testing.T) {
	agent := defaultAgent()
	agent.WelcomeMessage = "Hello there"
	agent.StartBehavior = internal_callstore.StartImmediately

	f := newFixture(t, agent, nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateWelcome)
	// No model events at all: the welcome timer gives up.
	waitState(t, f.machine, StateListening)
}

func TestBargeIn_HighSensitivity(t *testing.T) {
	agent := defaultAgent()
	agent.Speech.InterruptionSensitivity = 1.0 // debounce 80 ms

	f := newFixture(t, agent, nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	speakTurn(t, f, "tell me about pricing")
	f.session.emit(internal_llm.Event{Type: internal_llm.EventResponseStart})
	waitState(t, f.machine, StateResponding)

	// 300 ms of speech: the debounce trips mid-burst, the response is cut,
	// and the still-talking caller opens the next turn.
	pushFrames(f.machine, loudFrame(), 15)
	waitState(t, f.machine, StateHumanSpeaking)

	assert.Equal(t, 1, f.session.cancelCount())
	_, clears := f.sink.counts()
	assert.GreaterOrEqual(t, clears, 1)

	f.machine.MediaStopped()
	call := waitEnded(t, f)
	assert.Equal(t, 1, call.Metrics.Interruptions)
	// Only the interrupted turn was persisted; the barge-in turn never
	// reached its end of speech.
	require.Len(t, call.Turns, 1)
	assert.Equal(t, "tell me about pricing", call.Turns[0].UserText)
}

func TestBargeIn_LowSensitivityIgnoresShortSpeech(t *testing.T) {
	agent := defaultAgent()
	agent.Speech.InterruptionSensitivity = 0.0 // debounce 300 ms

	f := newFixture(t, agent, nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	speakTurn(t, f, "tell me about pricing")
	f.session.emit(internal_llm.Event{Type: internal_llm.EventResponseStart})
	waitState(t, f.machine, StateResponding)

	pushFrames(f.machine, loudFrame(), 10) // only 200 ms
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateResponding, f.machine.State())
	assert.Equal(t, 0, f.session.cancelCount())
}

func TestSilenceLimitShortensTurnEnd(t *testing.T) {
	agent := defaultAgent()
	agent.Limits.SilenceDetectionMs = 300

	f := newFixture(t, agent, nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	pushFrames(f.machine, loudFrame(), 10)
	waitState(t, f.machine, StateHumanSpeaking)
	f.session.emit(internal_llm.Event{Type: internal_llm.EventUserTranscript, Transcript: "hello"})

	// 400 ms of silence: short of the 800 ms default hangover, past the
	// agent's 300 ms limit.
	pushFrames(f.machine, quietFrame(), 20)
	waitState(t, f.machine, StateThinking)
}

func TestDetectorConfigDerivesHangover(t *testing.T) {
	agent := defaultAgent()
	agent.Limits.SilenceDetectionMs = 300
	assert.Equal(t, 300*time.Millisecond, DetectorConfig(agent).SilenceHangover)

	agent.Limits.SilenceDetectionMs = 0
	assert.Equal(t, 800*time.Millisecond, DetectorConfig(agent).SilenceHangover)
}

func TestInterruptionDebounce(t *testing.T) {
	assert.Equal(t, 300*time.Millisecond, interruptionDebounce(0))
	assert.Equal(t, 175*time.Millisecond, interruptionDebounce(0.5))
	assert.Equal(t, 80*time.Millisecond, interruptionDebounce(1.0))
	// The floor binds before the formula reaches it.
	assert.Equal(t, 80*time.Millisecond, interruptionDebounce(0.9))
}

func TestVoicemailHangUp_NeverEntersListening(t *testing.T) {
	agent := defaultAgent()
	agent.Limits.VoicemailDetection = true
	agent.Limits.VoicemailAction = internal_callstore.VoicemailHangUp

	f := newFixture(t, agent, nil)
	// AMD verdict arrives from the status webhook before media starts.
	f.machine.AnsweredByMachine()

	call := waitEnded(t, f)
	assert.Equal(t, internal_callstore.StatusVoicemail, call.Status)
	assert.Equal(t, OutcomeVoicemail, call.Outcome)
	assert.Empty(t, call.Turns)
}

func TestVoicemailLeaveMessage(t *testing.T) {
	agent := defaultAgent()
	agent.Limits.VoicemailDetection = true
	agent.Limits.VoicemailAction = internal_callstore.VoicemailLeaveMessage
	agent.Limits.VoicemailMessage = "Please call us back at your convenience."

	f := newFixture(t, agent, nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	f.machine.AnsweredByMachine()
	waitState(t, f.machine, StateCallEnding)

	require.Eventually(t, func() bool {
		texts := f.session.texts()
		return len(texts) == 1 && texts[0] == agent.Limits.VoicemailMessage
	}, time.Second, 5*time.Millisecond)

	f.session.emit(internal_llm.Event{Type: internal_llm.EventAudioChunk, Audio: make([]int16, 480)})
	f.session.emit(internal_llm.Event{Type: internal_llm.EventResponseComplete})

	call := waitEnded(t, f)
	assert.Equal(t, internal_callstore.StatusVoicemail, call.Status)
	assert.Equal(t, OutcomeVoicemailMessage, call.Outcome)
}

func TestVoicemailIgnoredWhenDetectionOff(t *testing.T) {
	f := newFixture(t, defaultAgent(), nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	f.machine.AnsweredByMachine()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateListening, f.machine.State())
}

func TestLLMErrorEndsCallUnavailable(t *testing.T) {
	f := newFixture(t, defaultAgent(), nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	f.session.emit(internal_llm.Event{Type: internal_llm.EventError, Err: assert.AnError})

	call := waitEnded(t, f)
	assert.Equal(t, OutcomeLLMUnavailable, call.Outcome)
}

func TestThinkingTimeoutReturnsToListening(t *testing.T) {
	f := newFixture(t, defaultAgent(), nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	speakTurn(t, f, "hello?")
	// No model response at all.
	waitState(t, f.machine, StateListening)

	f.machine.MediaStopped()
	call := waitEnded(t, f)
	// The turn survives with user text and no agent text.
	require.Len(t, call.Turns, 1)
	assert.Equal(t, "hello?", call.Turns[0].UserText)
	assert.Empty(t, call.Turns[0].AgentText)
}

func TestMediaDropBeforeWelcomeFails(t *testing.T) {
	f := newFixture(t, defaultAgent(), nil)
	// The socket drops before media ever started.
	f.machine.MediaStopped()

	call := waitEnded(t, f)
	assert.Equal(t, internal_callstore.StatusFailed, call.Status)
	assert.Equal(t, OutcomeMediaDrop, call.Outcome)
}

func TestManualHangup(t *testing.T) {
	f := newFixture(t, defaultAgent(), nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	f.machine.Hangup()
	call := waitEnded(t, f)
	assert.Equal(t, internal_callstore.StatusCompleted, call.Status)
	assert.Equal(t, OutcomeHangup, call.Outcome)

	// Ending twice is a no-op.
	f.machine.MediaStopped()
	assert.Equal(t, StateEnded, f.machine.State())
}

func TestLanguageStickyAcrossTurns(t *testing.T) {
	f := newFixture(t, defaultAgent(), nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	speakTurn(t, f, "Namaste, aap kaise hain")
	respond(t, f, "Main theek hoon!")

	speakTurn(t, f, "Yes, tell me more")
	respond(t, f, "Sure.")

	f.machine.MediaStopped()
	call := waitEnded(t, f)
	require.Len(t, call.Turns, 2)
	assert.Equal(t, string(internal_intelligence.LangHinglish), call.Turns[0].Language)
	assert.Equal(t, string(internal_intelligence.LangHinglish), call.Turns[1].Language)
}

func TestSystemInstructionRefreshCarriesFragments(t *testing.T) {
	f := newFixture(t, defaultAgent(), nil)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	speakTurn(t, f, "This is too expensive for me honestly")
	respond(t, f, "Let me explain the value.")

	pushFrames(f.machine, loudFrame(), 10)
	waitState(t, f.machine, StateHumanSpeaking)

	require.Eventually(t, func() bool {
		f.session.mu.Lock()
		defer f.session.mu.Unlock()
		return len(f.session.instructions) >= 2
	}, time.Second, 5*time.Millisecond)

	f.session.mu.Lock()
	last := f.session.instructions[len(f.session.instructions)-1]
	f.session.mu.Unlock()
	assert.Contains(t, last, defaultAgent().Prompt)
	// The price objection from turn 1 shapes the next turn's directive.
	assert.NotEqual(t, defaultAgent().Prompt, last)
}

func writeFillerCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	clips := []*internal_hedge.FillerClip{{
		ID:          "en-pause-1",
		File:        "en-pause-1.pcm",
		DurationSec: 1.0,
		Metadata: internal_hedge.ClipMetadata{
			Languages:  []internal_intelligence.Language{internal_intelligence.LangEnglish},
			Principles: []internal_intelligence.Principle{internal_intelligence.PrincipleAuthority, internal_intelligence.PrincipleLiking, internal_intelligence.PrincipleSocialProof},
			Effectiveness: internal_hedge.Effectiveness{
				CompletionRate:         0.9,
				PrincipleReinforcement: 0.9,
			},
		},
	}}
	data, err := json.Marshal(struct {
		Clips []*internal_hedge.FillerClip `json:"clips"`
	}{clips})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), data, 0o644))

	pcm := internal_audio.Int16ToBytes(make([]int16, internal_audio.ModelOutRate)) // 1 s
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en-pause-1.pcm"), pcm, 0o644))
	return dir
}

func TestFillerPlaysDuringThinking(t *testing.T) {
	hedge, err := internal_hedge.NewEngine(commons.NewNopLogger(), writeFillerCatalog(t), 0)
	require.NoError(t, err)

	agent := defaultAgent()
	agent.Speech.Responsiveness = 0.5 // below the 0.8 filler threshold

	f := newFixture(t, agent, hedge)
	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)

	speakTurn(t, f, "let me think about what I need")

	// Filler lands after the grace period.
	require.Eventually(t, func() bool {
		enqueued, _ := f.sink.counts()
		return enqueued >= 1
	}, time.Second, 5*time.Millisecond)

	// The model response preempts the filler.
	f.session.emit(internal_llm.Event{Type: internal_llm.EventResponseStart})
	waitState(t, f.machine, StateResponding)
	_, clears := f.sink.counts()
	assert.GreaterOrEqual(t, clears, 1)

	f.session.emit(internal_llm.Event{Type: internal_llm.EventResponseComplete})
	waitState(t, f.machine, StateListening)

	f.machine.MediaStopped()
	call := waitEnded(t, f)
	assert.Equal(t, 1, call.Metrics.FillersPlayed)
	require.Len(t, call.Turns, 1)
	assert.Equal(t, "en-pause-1", call.Turns[0].FillerClipID)
}

func TestHighResponsivenessSkipsFiller(t *testing.T) {
	hedge, err := internal_hedge.NewEngine(commons.NewNopLogger(), writeFillerCatalog(t), 0)
	require.NoError(t, err)

	f := newFixture(t, defaultAgent(), hedge) // responsiveness 0.9

	f.machine.MediaStarted()
	waitState(t, f.machine, StateListening)
	speakTurn(t, f, "quick question")
	time.Sleep(60 * time.Millisecond)

	enqueued, _ := f.sink.counts()
	assert.Equal(t, 0, enqueued)
}

func TestSetupFailurePersistsFailed(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := internal_callstore.NewStore(db, commons.NewNopLogger())
	require.NoError(t, err)

	call := &internal_callstore.Call{AgentID: "a", ProviderID: "p", FromNumber: "+1", ToNumber: "+2", Direction: "outbound"}
	require.NoError(t, store.CreateCall(context.Background(), call))
	writer := internal_callstore.NewAsyncWriter(store, commons.NewNopLogger())

	m := NewMachine(Deps{
		Logger: commons.NewNopLogger(),
		CallID: call.ID,
		Agent:  defaultAgent(),
		OpenSession: func(ctx context.Context, instruction string, voice internal_llm.VoiceConfig) (internal_llm.Session, error) {
			return nil, assert.AnError
		},
		Writer: writer,
		Sink:   &fakeSink{},
		Timers: testTimers(),
	})
	go m.Run(context.Background())

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not end")
	}
	writer.Close()

	got, err := store.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, internal_callstore.StatusFailed, got.Status)
	assert.Equal(t, OutcomeSetupFailed, got.Outcome)
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callfsm

import (
	"context"
	"strings"
	"sync"
	"time"

	internal_audio "github.com/rapidaai/voice-core/internal/audio"
	internal_vad "github.com/rapidaai/voice-core/internal/audio/vad"
	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
	internal_hedge "github.com/rapidaai/voice-core/internal/hedge"
	internal_intelligence "github.com/rapidaai/voice-core/internal/intelligence"
	internal_llm "github.com/rapidaai/voice-core/internal/llm"
	"github.com/rapidaai/voice-core/pkg/commons"
)

// State is the per-call conversation state.
type State string

const (
	StateInit             State = "INIT"
	StateWelcome          State = "WELCOME"
	StateListening        State = "LISTENING"
	StateHumanSpeaking    State = "HUMAN_SPEAKING"
	StateThinking         State = "THINKING"
	StateResponding       State = "RESPONDING"
	StateResponseComplete State = "RESPONSE_COMPLETE"
	StateCallEnding       State = "CALL_ENDING"
	StateEnded            State = "ENDED"
)

// Call outcomes written at finalization.
const (
	OutcomeCompleted        = "completed"
	OutcomeHangup           = "hangup"
	OutcomeMaxDuration      = "max_duration"
	OutcomeMediaDrop        = "media_drop"
	OutcomeSetupFailed      = "setup_failed"
	OutcomeLLMUnavailable   = "llm_unavailable"
	OutcomeVoicemail        = "voicemail"
	OutcomeVoicemailMessage = "voicemail_message_left"
)

// TimerConfig holds the machine's timeouts. Production uses the defaults;
// tests shorten them.
type TimerConfig struct {
	Setup         time.Duration
	Welcome       time.Duration
	Thinking      time.Duration
	Responding    time.Duration
	Speaking      time.Duration
	ResponsePause time.Duration
	FillerGrace   time.Duration
	SessionOpen   time.Duration
	Voicemail     time.Duration
}

func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		Setup:         10 * time.Second,
		Welcome:       5 * time.Second,
		Thinking:      15 * time.Second,
		Responding:    60 * time.Second,
		Speaking:      30 * time.Second,
		ResponsePause: 500 * time.Millisecond,
		FillerGrace:   200 * time.Millisecond,
		SessionOpen:   5 * time.Second,
		Voicemail:     10 * time.Second,
	}
}

// AudioSink is where the machine pushes 24 kHz model audio; the media
// bridge implements it and handles downsampling and framing.
type AudioSink interface {
	EnqueueAudio(pcm []int16)
	// Clear drops all queued audio, used on barge-in and filler stop.
	Clear()
}

// Deps wires a machine to its per-call collaborators.
type Deps struct {
	Logger      commons.Logger
	CallID      string
	Agent       *internal_callstore.AgentConfig
	OpenSession internal_llm.Factory
	Hedge       *internal_hedge.Engine
	Writer      *internal_callstore.AsyncWriter
	Sink        AudioSink
	// Detector defaults to the energy detector when nil.
	Detector internal_vad.Detector
	Timers   TimerConfig
	// OnEnded runs after finalization, outside the event loop.
	OnEnded func(outcome string)
}

type timerKind int

const (
	timerSetup timerKind = iota
	timerWelcome
	timerThinking
	timerResponding
	timerSpeaking
	timerMaxDuration
	timerResponsePause
	timerFillerGrace
	timerVoicemail
)

type controlKind int

const (
	ctrlMediaStarted controlKind = iota
	ctrlMediaStopped
	ctrlManualHangup
	ctrlAnsweredByMachine
	ctrlSessionClosed
)

type machineEvent struct {
	frame   []int16
	llm     *internal_llm.Event
	timer   *timerEvent
	control *controlKind
}

type timerEvent struct {
	kind timerKind
	gen  uint64
}

// Machine is the per-call conversation state machine: one event loop over
// a merged channel of media frames, model events, timers and control
// signals. All state lives on the loop goroutine; the only cross-goroutine
// reads are State and Done.
type Machine struct {
	deps   Deps
	timers TimerConfig

	events chan machineEvent
	done   chan struct{}

	mu    sync.RWMutex
	state State

	session  internal_llm.Session
	detector internal_vad.Detector
	analyzer *internal_intelligence.Analyzer
	engine   *internal_intelligence.PrincipleEngine
	latency  *LatencyTracker

	// setup gate: WELCOME needs both the session and the media stream.
	sessionReady bool
	mediaReady   bool
	welcomeDone  bool

	// current turn assembly
	turnNumber int
	userText   strings.Builder
	agentText  strings.Builder
	analysis   internal_intelligence.TurnAnalysis
	hasTurn    bool
	principle  internal_intelligence.Principle
	fillerID   string

	usedFillers   map[string]bool
	hedgeMissSeen bool

	// interruption debounce while RESPONDING
	voicedRun time.Duration
	debounce  time.Duration

	sentiments    []float64
	interruptions int
	fillersPlayed int
	errorCount    int

	leavingVoicemail bool

	activeTimers map[timerKind]*time.Timer
	timerGens    map[timerKind]uint64

	finalOutcome string
	endedOnce    sync.Once
}

// NewMachine builds the machine; Run starts it.
func NewMachine(deps Deps) *Machine {
	if deps.Timers == (TimerConfig{}) {
		deps.Timers = DefaultTimerConfig()
	}
	detector := deps.Detector
	if detector == nil {
		detector = internal_vad.NewEnergyDetector(deps.Logger, DetectorConfig(deps.Agent))
	}
	return &Machine{
		deps:         deps,
		timers:       deps.Timers,
		events:       make(chan machineEvent, 1024),
		done:         make(chan struct{}),
		state:        StateInit,
		detector:     detector,
		analyzer:     internal_intelligence.NewAnalyzer(deps.Logger),
		engine:       internal_intelligence.NewPrincipleEngine(deps.Logger),
		latency:      NewLatencyTracker(),
		usedFillers:  make(map[string]bool),
		debounce:     interruptionDebounce(deps.Agent.Speech.InterruptionSensitivity),
		activeTimers: make(map[timerKind]*time.Timer),
		timerGens:    make(map[timerKind]uint64),
	}
}

// DetectorConfig tunes the voice-activity detector to the agent: the
// silence limit becomes the hangover that closes a turn.
func DetectorConfig(agent *internal_callstore.AgentConfig) internal_vad.Config {
	cfg := internal_vad.DefaultConfig()
	if ms := agent.Limits.SilenceDetectionMs; ms > 0 {
		cfg.SilenceHangover = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

// interruptionDebounce maps the sensitivity slider onto the sustained
// speech duration required to count as a barge-in.
func interruptionDebounce(sensitivity float64) time.Duration {
	ms := 300 - sensitivity*250
	if ms < 80 {
		ms = 80
	}
	return time.Duration(ms) * time.Millisecond
}

// State returns the current conversation state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Done closes when the machine reaches ENDED.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Outcome returns the finalized outcome; empty before ENDED.
func (m *Machine) Outcome() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalOutcome
}

// PushAudio hands one inbound frame of 16 kHz mono PCM to the machine.
// Frames are dropped, never blocked on, when the loop falls behind.
func (m *Machine) PushAudio(pcm []int16) {
	select {
	case m.events <- machineEvent{frame: pcm}:
	default:
		m.deps.Logger.Warnw("inbound frame dropped, event loop behind", "callId", m.deps.CallID)
	}
}

// MediaStarted signals the carrier media stream is up.
func (m *Machine) MediaStarted() { m.postControl(ctrlMediaStarted) }

// MediaStopped signals the carrier media stream dropped or finished.
func (m *Machine) MediaStopped() { m.postControl(ctrlMediaStopped) }

// Hangup requests an orderly teardown.
func (m *Machine) Hangup() { m.postControl(ctrlManualHangup) }

// AnsweredByMachine signals the carrier's answering machine detection.
func (m *Machine) AnsweredByMachine() { m.postControl(ctrlAnsweredByMachine) }

func (m *Machine) postControl(kind controlKind) {
	select {
	case m.events <- machineEvent{control: &kind}:
	case <-m.done:
	}
}

// Run drives the machine to completion. It opens the model session, then
// loops on the merged event channel until the call ends.
func (m *Machine) Run(ctx context.Context) {
	m.latency.Stamp(StampCallStart, time.Now())
	m.startTimer(timerSetup, m.timers.Setup)
	if max := m.deps.Agent.Limits.MaxCallDurationSec; max > 0 {
		m.startTimer(timerMaxDuration, time.Duration(max)*time.Second)
	}

	openCtx, cancel := context.WithTimeout(ctx, m.timers.SessionOpen)
	session, err := m.deps.OpenSession(openCtx, m.baseInstruction(), internal_llm.VoiceConfig{
		VoiceName:    m.deps.Agent.VoiceProfile.VoiceID,
		LanguageCode: m.deps.Agent.VoiceProfile.LanguageCode,
	})
	cancel()
	if err != nil {
		m.deps.Logger.Errorw("model session open failed", "callId", m.deps.CallID, "error", err)
		m.endCall(internal_callstore.StatusFailed, OutcomeSetupFailed)
		return
	}
	m.session = session
	m.latency.Stamp(StampSessionReady, time.Now())
	go m.pumpLLM()

	m.sessionReady = true
	m.maybeEnterWelcome()

	for {
		select {
		case <-ctx.Done():
			m.endCall(internal_callstore.StatusCompleted, OutcomeHangup)
			return
		case ev := <-m.events:
			m.handle(ev)
			if m.State() == StateEnded {
				return
			}
		}
	}
}

func (m *Machine) pumpLLM() {
	for ev := range m.session.Events() {
		e := ev
		select {
		case m.events <- machineEvent{llm: &e}:
		case <-m.done:
			return
		}
	}
	m.postControl(ctrlSessionClosed)
}

func (m *Machine) handle(ev machineEvent) {
	switch {
	case ev.frame != nil:
		m.handleFrame(ev.frame)
	case ev.llm != nil:
		m.handleLLM(*ev.llm)
	case ev.timer != nil:
		m.handleTimer(*ev.timer)
	case ev.control != nil:
		m.handleControl(*ev.control)
	}
}

func (m *Machine) setState(next State) {
	m.mu.Lock()
	m.state = next
	m.mu.Unlock()
}

// --- setup and welcome ---

func (m *Machine) baseInstruction() string {
	var b strings.Builder
	b.WriteString(m.deps.Agent.Prompt)
	if len(m.deps.Agent.Characteristics) > 0 {
		b.WriteString("\n\nPersona traits: ")
		b.WriteString(strings.Join(m.deps.Agent.Characteristics, ", "))
	}
	return b.String()
}

// refreshedInstruction appends the influence fragments of the latest
// analysis to the base prompt.
func (m *Machine) refreshedInstruction() string {
	parts := []string{m.baseInstruction()}
	if m.principle != "" {
		if f := internal_intelligence.SystemInstructionFragment(m.principle); f != "" {
			parts = append(parts, f)
		}
	}
	if m.analysis.Stage != "" {
		if f := internal_intelligence.StageFragment(m.analysis.Stage); f != "" {
			parts = append(parts, f)
		}
	}
	if f := internal_intelligence.ObjectionFragment(m.analysis.Objections); f != "" {
		parts = append(parts, f)
	}
	if lang := m.analyzer.Language(); lang != "" {
		parts = append(parts, internal_intelligence.LanguageFragment(lang))
	}
	return strings.Join(parts, "\n\n")
}

func (m *Machine) maybeEnterWelcome() {
	if m.State() != StateInit || !m.sessionReady || !m.mediaReady {
		return
	}
	m.stopTimer(timerSetup)
	m.setState(StateWelcome)

	welcome := m.deps.Agent.WelcomeMessage
	if welcome == "" || m.deps.Agent.StartBehavior == internal_callstore.StartWaitForHuman {
		m.enterListening()
		return
	}
	if err := m.session.SendText(welcome); err != nil {
		m.deps.Logger.Warnw("welcome message send failed", "callId", m.deps.CallID, "error", err)
		m.enterListening()
		return
	}
	m.startTimer(timerWelcome, m.timers.Welcome)
}

func (m *Machine) enterListening() {
	m.welcomeDone = true
	m.stopTimer(timerWelcome)
	m.stopTimer(timerThinking)
	m.stopTimer(timerFillerGrace)
	m.stopTimer(timerResponding)
	m.stopTimer(timerSpeaking)
	m.detector.Reset()
	m.voicedRun = 0
	m.setState(StateListening)
}

// --- inbound media ---

func (m *Machine) handleFrame(frame []int16) {
	switch m.State() {
	case StateListening, StateHumanSpeaking, StateThinking:
		for _, ev := range m.detector.Process(frame) {
			m.handleVAD(ev)
		}
	case StateResponding:
		m.detectInterruption(frame)
	}
}

func (m *Machine) handleVAD(ev internal_vad.Event) {
	switch ev.Type {
	case internal_vad.EventSpeechStart:
		m.onSpeechStart()
		// The detector buffered the lead-in frames; they open the turn.
		m.forwardAudio(ev.Samples)
	case internal_vad.EventAudioChunk:
		m.forwardAudio(ev.Samples)
	case internal_vad.EventSpeechEnd:
		m.onSpeechEnd()
	}
}

func (m *Machine) forwardAudio(pcm []int16) {
	if m.State() != StateHumanSpeaking || len(pcm) == 0 {
		return
	}
	if err := m.session.SendAudio(pcm); err != nil {
		m.deps.Logger.Warnw("audio forward failed", "callId", m.deps.CallID, "error", err)
	}
}

func (m *Machine) onSpeechStart() {
	state := m.State()
	if state != StateListening && state != StateThinking {
		return
	}
	if state == StateThinking {
		// Caller kept talking through the pause; fold it into the turn.
		m.stopTimer(timerThinking)
		m.stopTimer(timerFillerGrace)
	}
	m.latency.Stamp(StampUserSpeechDetected, time.Now())
	if err := m.session.UpdateSystemInstruction(m.refreshedInstruction()); err != nil {
		m.deps.Logger.Warnw("instruction refresh failed", "callId", m.deps.CallID, "error", err)
	}
	m.startTimer(timerSpeaking, m.timers.Speaking)
	m.setState(StateHumanSpeaking)
}

func (m *Machine) onSpeechEnd() {
	if m.State() != StateHumanSpeaking {
		return
	}
	m.stopTimer(timerSpeaking)
	m.hasTurn = true
	m.setState(StateThinking)
	m.startTimer(timerThinking, m.timers.Thinking)
	if m.deps.Agent.Speech.Responsiveness < 0.8 && m.deps.Hedge != nil {
		m.startTimer(timerFillerGrace, m.timers.FillerGrace)
	}
}

// detectInterruption runs the debounce while the agent is speaking: only
// sustained energy above the speech threshold counts as a barge-in.
func (m *Machine) detectInterruption(frame []int16) {
	frameDur := time.Duration(len(frame)) * time.Second / internal_audio.ModelInRate
	if internal_audio.RmsDb(frame) >= internal_vad.DefaultConfig().EnergyThresholdDb {
		m.voicedRun += frameDur
	} else {
		m.voicedRun = 0
		return
	}
	if m.voicedRun < m.debounce {
		return
	}

	m.voicedRun = 0
	m.interruptions++
	m.session.Cancel()
	m.deps.Sink.Clear()
	m.stopTimer(timerResponding)
	m.completeTurn()
	m.enterListening()
}

// --- model events ---

func (m *Machine) handleLLM(ev internal_llm.Event) {
	switch ev.Type {
	case internal_llm.EventResponseStart:
		m.onResponseStart()
	case internal_llm.EventAudioChunk:
		m.onModelAudio(ev.Audio)
	case internal_llm.EventTranscriptPartial:
		m.agentText.WriteString(ev.Transcript)
	case internal_llm.EventUserTranscript:
		m.userText.WriteString(ev.Transcript)
	case internal_llm.EventResponseComplete:
		m.onResponseComplete()
	case internal_llm.EventError:
		m.deps.Logger.Errorw("model session failed", "callId", m.deps.CallID, "error", ev.Err)
		m.endCall(internal_callstore.StatusCompleted, OutcomeLLMUnavailable)
	}
}

func (m *Machine) onResponseStart() {
	if m.State() != StateThinking {
		return
	}
	m.stopTimer(timerThinking)
	m.stopTimer(timerFillerGrace)
	// Filler audio still queued yields to the real response.
	m.deps.Sink.Clear()
	m.latency.Stamp(StampResponseStart, time.Now())
	m.voicedRun = 0
	m.setState(StateResponding)
	m.startTimer(timerResponding, m.timers.Responding)
}

func (m *Machine) onModelAudio(pcm []int16) {
	state := m.State()
	if state != StateResponding && state != StateWelcome && state != StateCallEnding {
		return
	}
	now := time.Now()
	m.latency.Stamp(StampFirstOutboundAudio, now)
	if state == StateResponding {
		m.latency.Stamp(StampFirstResponseAudio, now)
	}
	m.deps.Sink.EnqueueAudio(pcm)
}

func (m *Machine) onResponseComplete() {
	switch m.State() {
	case StateWelcome:
		m.enterListening()
	case StateResponding:
		m.stopTimer(timerResponding)
		m.setState(StateResponseComplete)
		m.completeTurn()
		m.startTimer(timerResponsePause, m.timers.ResponsePause)
	case StateCallEnding:
		if m.leavingVoicemail {
			m.finishEnd(internal_callstore.StatusVoicemail, OutcomeVoicemailMessage)
		}
	}
}

// --- timers ---

func (m *Machine) handleTimer(ev timerEvent) {
	if m.timerGens[ev.kind] != ev.gen {
		return
	}
	switch ev.kind {
	case timerSetup:
		if m.State() == StateInit {
			m.endCall(internal_callstore.StatusFailed, OutcomeSetupFailed)
		}
	case timerWelcome:
		if m.State() == StateWelcome {
			m.enterListening()
		}
	case timerThinking:
		if m.State() == StateThinking {
			m.errorCount++
			m.deps.Logger.Warnw("model response timed out", "callId", m.deps.CallID, "errorCount", m.errorCount)
			m.completeTurn()
			m.enterListening()
		}
	case timerResponding:
		if m.State() == StateResponding {
			m.setState(StateResponseComplete)
			m.completeTurn()
			m.startTimer(timerResponsePause, m.timers.ResponsePause)
		}
	case timerSpeaking:
		if m.State() == StateHumanSpeaking {
			m.endCall(internal_callstore.StatusCompleted, OutcomeCompleted)
		}
	case timerMaxDuration:
		m.endCall(internal_callstore.StatusCompleted, OutcomeMaxDuration)
	case timerResponsePause:
		if m.State() == StateResponseComplete {
			m.enterListening()
		}
	case timerFillerGrace:
		if m.State() == StateThinking {
			m.playFiller()
		}
	case timerVoicemail:
		if m.State() == StateCallEnding && m.leavingVoicemail {
			m.finishEnd(internal_callstore.StatusVoicemail, OutcomeVoicemailMessage)
		}
	}
}

func (m *Machine) playFiller() {
	clip := m.deps.Hedge.SelectFiller(m.analyzer.Language(), m.principle, m.analysis.Profile, m.usedFillers)
	if clip.ID == internal_hedge.SyntheticSilenceID {
		if !m.hedgeMissSeen {
			m.hedgeMissSeen = true
			m.deps.Logger.Warnw("no filler clip available for call", "callId", m.deps.CallID, "language", string(m.analyzer.Language()))
		}
		return
	}

	pcm, err := m.deps.Hedge.ClipAudio(clip)
	if err != nil {
		m.deps.Logger.Warnw("filler clip load failed", "callId", m.deps.CallID, "clip", clip.ID, "error", err)
		return
	}
	m.usedFillers[clip.ID] = true
	m.fillerID = clip.ID
	m.fillersPlayed++
	m.deps.Sink.EnqueueAudio(pcm)
}

// --- control ---

func (m *Machine) handleControl(kind controlKind) {
	switch kind {
	case ctrlMediaStarted:
		m.mediaReady = true
		m.latency.Stamp(StampWsOpen, time.Now())
		m.deps.Writer.TransitionStatus(m.deps.CallID, internal_callstore.StatusInProgress, time.Now())
		m.maybeEnterWelcome()
	case ctrlMediaStopped:
		if !m.welcomeDone {
			m.endCall(internal_callstore.StatusFailed, OutcomeMediaDrop)
		} else {
			m.endCall(internal_callstore.StatusCompleted, OutcomeCompleted)
		}
	case ctrlManualHangup:
		m.endCall(internal_callstore.StatusCompleted, OutcomeHangup)
	case ctrlAnsweredByMachine:
		m.onAnsweredByMachine()
	case ctrlSessionClosed:
		if m.State() != StateEnded && m.State() != StateCallEnding {
			m.endCall(internal_callstore.StatusCompleted, OutcomeLLMUnavailable)
		}
	}
}

func (m *Machine) onAnsweredByMachine() {
	if !m.deps.Agent.Limits.VoicemailDetection {
		return
	}
	switch m.deps.Agent.Limits.VoicemailAction {
	case internal_callstore.VoicemailLeaveMessage:
		if msg := m.deps.Agent.Limits.VoicemailMessage; msg != "" && m.session != nil {
			m.leavingVoicemail = true
			m.setState(StateCallEnding)
			if err := m.session.SendText(msg); err != nil {
				m.deps.Logger.Warnw("voicemail message send failed", "callId", m.deps.CallID, "error", err)
				m.finishEnd(internal_callstore.StatusVoicemail, OutcomeVoicemail)
				return
			}
			// The spoken message ends the call on ResponseComplete.
			m.startTimer(timerVoicemail, m.timers.Voicemail)
			return
		}
		m.endCall(internal_callstore.StatusVoicemail, OutcomeVoicemail)
	case internal_callstore.VoicemailTransfer:
		// No carrier in the fleet exposes a transfer endpoint yet.
		m.deps.Logger.Warnw("voicemail transfer not supported, hanging up", "callId", m.deps.CallID)
		m.endCall(internal_callstore.StatusVoicemail, OutcomeVoicemail)
	default:
		m.endCall(internal_callstore.StatusVoicemail, OutcomeVoicemail)
	}
}

// --- turn assembly and teardown ---

func (m *Machine) completeTurn() {
	if !m.hasTurn {
		return
	}
	// The caller transcript streams in after speech ends; analyze here,
	// where the turn text is final, not at speech end.
	m.analysis = m.analyzer.Analyze(m.userText.String(), m.turnNumber+1)
	m.principle = m.engine.Select(m.analysis.Stage, m.analysis.Profile, m.analysis.Objections)
	m.sentiments = append(m.sentiments, m.analysis.Sentiment)

	m.turnNumber++
	turn := &internal_callstore.Turn{
		TurnNumber:       m.turnNumber,
		UserText:         strings.TrimSpace(m.userText.String()),
		AgentText:        strings.TrimSpace(m.agentText.String()),
		Stage:            string(m.analysis.Stage),
		Profile:          string(m.analysis.Profile),
		Objections:       objectionStrings(m.analysis.Objections),
		AppliedPrinciple: string(m.principle),
		Language:         string(m.analyzer.Language()),
		Sentiment:        m.analysis.Sentiment,
		FillerClipID:     m.fillerID,
		Timestamp:        time.Now(),
	}
	m.deps.Writer.AppendTurn(m.deps.CallID, turn)

	m.hasTurn = false
	m.userText.Reset()
	m.agentText.Reset()
	m.fillerID = ""
}

func objectionStrings(objections []internal_intelligence.Objection) []string {
	out := make([]string, len(objections))
	for i, o := range objections {
		out[i] = string(o)
	}
	return out
}

func (m *Machine) endCall(status internal_callstore.CallStatus, outcome string) {
	m.setState(StateCallEnding)
	m.finishEnd(status, outcome)
}

func (m *Machine) finishEnd(status internal_callstore.CallStatus, outcome string) {
	m.endedOnce.Do(func() {
		for kind := range m.activeTimers {
			m.stopTimer(kind)
		}
		m.completeTurn()

		metrics := internal_callstore.CallMetrics{
			Interruptions:    m.interruptions,
			FillersPlayed:    m.fillersPlayed,
			AverageSentiment: averageFloat64(m.sentiments),
			BottleneckStage:  m.latency.Bottleneck(),
		}
		now := time.Now()
		m.deps.Writer.TransitionStatus(m.deps.CallID, status, now)
		m.deps.Writer.FinalizeCall(m.deps.CallID, outcome, metrics, now)

		if m.session != nil {
			if err := m.session.Close(); err != nil {
				m.deps.Logger.Debugw("session close", "callId", m.deps.CallID, "error", err)
			}
		}

		m.mu.Lock()
		m.state = StateEnded
		m.finalOutcome = outcome
		m.mu.Unlock()
		close(m.done)

		m.deps.Logger.Infow("call ended",
			"callId", m.deps.CallID, "outcome", outcome, "turns", m.turnNumber,
			"interruptions", m.interruptions, "fillers", m.fillersPlayed,
			"bottleneck", metrics.BottleneckStage)

		if m.deps.OnEnded != nil {
			go m.deps.OnEnded(outcome)
		}
	})
}

func averageFloat64(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// --- timers ---

func (m *Machine) startTimer(kind timerKind, d time.Duration) {
	m.stopTimer(kind)
	gen := m.timerGens[kind] + 1
	m.timerGens[kind] = gen
	m.activeTimers[kind] = time.AfterFunc(d, func() {
		select {
		case m.events <- machineEvent{timer: &timerEvent{kind: kind, gen: gen}}:
		case <-m.done:
		}
	})
}

func (m *Machine) stopTimer(kind timerKind) {
	if t, ok := m.activeTimers[kind]; ok {
		t.Stop()
		delete(m.activeTimers, kind)
	}
	m.timerGens[kind]++
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_llm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	internal_audio "github.com/rapidaai/voice-core/internal/audio"
	"github.com/rapidaai/voice-core/pkg/commons"
	"github.com/rapidaai/voice-core/pkg/utils"
)

const (
	// deadSessionTimeout is how long the model may stay silent before the
	// session is declared dead.
	deadSessionTimeout = 15 * time.Second
	// reconnectBudget bounds the single reconnect attempt after a drop.
	reconnectBudget = 2 * time.Second
	// eventBuffer absorbs bursts of 24 kHz audio chunks without blocking
	// the receive loop.
	eventBuffer = 64
)

// geminiSession is the production Session over the Gemini Live API. One
// receive goroutine translates server messages into Events; a watchdog
// fires when the server goes quiet; a dropped connection gets exactly one
// reconnect attempt carrying the current system instruction.
type geminiSession struct {
	logger commons.Logger
	client *genai.Client
	model  string
	voice  VoiceConfig

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	live        *genai.Session
	instruction string
	reconnected bool
	closed      bool

	// generation increments on Cancel; audio from older generations is
	// dropped until the model acknowledges the interruption.
	generation atomic.Int64
	responding atomic.Bool

	emitMu      sync.Mutex
	eventsClose bool

	watchdog *time.Timer
}

// NewGeminiFactory returns a Factory that opens live sessions against the
// given model.
func NewGeminiFactory(logger commons.Logger, apiKey, model string) (Factory, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}

	return func(ctx context.Context, systemInstruction string, voice VoiceConfig) (Session, error) {
		sctx, cancel := context.WithCancel(context.Background())
		s := &geminiSession{
			logger:      logger,
			client:      client,
			model:       model,
			voice:       voice,
			events:      make(chan Event, eventBuffer),
			ctx:         sctx,
			cancel:      cancel,
			instruction: systemInstruction,
		}
		live, err := s.connect(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		s.live = live
		s.watchdog = time.AfterFunc(deadSessionTimeout, s.onDeadSession)
		go s.receiveLoop()
		return s, nil
	}, nil
}

func (s *geminiSession) connect(ctx context.Context) (*genai.Session, error) {
	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: s.instruction}},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if s.voice.VoiceName != "" {
		config.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice.VoiceName},
			},
		}
		if s.voice.LanguageCode != "" {
			config.SpeechConfig.LanguageCode = s.voice.LanguageCode
		}
	}

	live, err := s.client.Live.Connect(ctx, s.model, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open live session: %w", err)
	}
	return live, nil
}

func (s *geminiSession) Events() <-chan Event {
	return s.events
}

func (s *geminiSession) SendAudio(pcm []int16) error {
	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	if live == nil {
		return fmt.Errorf("session is closed")
	}

	err := live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			Data:     internal_audio.Int16ToBytes(pcm),
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", internal_audio.ModelInRate),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

func (s *geminiSession) SendText(text string) error {
	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	if live == nil {
		return fmt.Errorf("session is closed")
	}

	err := live.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: text}},
		}},
		TurnComplete: utils.Ptr(true),
	})
	if err != nil {
		return fmt.Errorf("failed to send text turn: %w", err)
	}
	return nil
}

// UpdateSystemInstruction records the new instruction for reconnects and
// injects it as a standing directive. The live protocol has no in-place
// instruction swap, so the directive rides as non-turn client content and
// takes effect on the next model turn.
func (s *geminiSession) UpdateSystemInstruction(instruction string) error {
	s.mu.Lock()
	s.instruction = instruction
	live := s.live
	s.mu.Unlock()
	if live == nil {
		return fmt.Errorf("session is closed")
	}

	err := live.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: "[system directive update]\n" + instruction}},
		}},
		TurnComplete: utils.Ptr(false),
	})
	if err != nil {
		return fmt.Errorf("failed to update system instruction: %w", err)
	}
	return nil
}

// Cancel bumps the generation counter so in-flight audio of the current
// response is dropped. The server side stops on its own once it hears the
// caller speaking over it.
func (s *geminiSession) Cancel() {
	s.generation.Add(1)
	if s.responding.CompareAndSwap(true, false) {
		s.emit(Event{Type: EventResponseComplete})
	}
}

func (s *geminiSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := s.live
	s.live = nil
	s.mu.Unlock()

	s.watchdog.Stop()
	s.cancel()
	if live != nil {
		return live.Close()
	}
	return nil
}

func (s *geminiSession) receiveLoop() {
	defer s.closeEvents()
	for {
		s.mu.Lock()
		live := s.live
		s.mu.Unlock()
		if live == nil {
			return
		}

		msg, err := live.Receive()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if s.tryReconnect() {
				continue
			}
			s.emit(Event{Type: EventError, Err: fmt.Errorf("live session dropped: %w", err)})
			return
		}

		s.watchdog.Reset(deadSessionTimeout)
		s.handleMessage(msg)
	}
}

func (s *geminiSession) handleMessage(msg *genai.LiveServerMessage) {
	content := msg.ServerContent
	if content == nil {
		return
	}

	if content.Interrupted {
		// Server-side barge-in acknowledgement.
		s.generation.Add(1)
		if s.responding.CompareAndSwap(true, false) {
			s.emit(Event{Type: EventResponseComplete})
		}
		return
	}

	generation := s.generation.Load()

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			// Audio of a canceled response; the generation moved on.
			if s.generation.Load() != generation {
				continue
			}
			if s.responding.CompareAndSwap(false, true) {
				s.emit(Event{Type: EventResponseStart})
			}
			s.emit(Event{
				Type:  EventAudioChunk,
				Audio: internal_audio.BytesToInt16(part.InlineData.Data),
			})
		}
	}

	if content.InputTranscription != nil && content.InputTranscription.Text != "" {
		s.emit(Event{Type: EventUserTranscript, Transcript: content.InputTranscription.Text})
	}

	if content.OutputTranscription != nil && content.OutputTranscription.Text != "" {
		s.emit(Event{Type: EventTranscriptPartial, Transcript: content.OutputTranscription.Text})
	}

	if content.TurnComplete {
		if s.responding.CompareAndSwap(true, false) {
			s.emit(Event{Type: EventResponseComplete})
		}
	}
}

// tryReconnect makes the single allowed reconnect attempt, reusing the
// current system instruction. A session only ever reconnects once; a second
// drop is fatal.
func (s *geminiSession) tryReconnect() bool {
	s.mu.Lock()
	if s.reconnected || s.closed {
		s.mu.Unlock()
		return false
	}
	s.reconnected = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, reconnectBudget)
	defer cancel()

	live, err := s.connect(ctx)
	if err != nil {
		s.logger.Warnw("live session reconnect failed", "error", err)
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		live.Close()
		return false
	}
	s.live = live
	s.mu.Unlock()

	s.responding.Store(false)
	s.watchdog.Reset(deadSessionTimeout)
	s.logger.Infow("live session reconnected")
	return true
}

func (s *geminiSession) onDeadSession() {
	s.emit(Event{Type: EventError, Err: fmt.Errorf("live session produced no traffic for %s", deadSessionTimeout)})
}

// emit never blocks the receive loop: when the consumer stalls past the
// buffer, old audio is dropped first. The mutex keeps the watchdog from
// racing the channel close.
func (s *geminiSession) emit(event Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.eventsClose {
		return
	}
	select {
	case s.events <- event:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- event:
		default:
		}
	}
}

func (s *geminiSession) closeEvents() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.eventsClose {
		s.eventsClose = true
		close(s.events)
	}
}

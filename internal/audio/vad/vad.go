// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_vad

import (
	"time"

	internal_audio "github.com/rapidaai/voice-core/internal/audio"
	"github.com/rapidaai/voice-core/pkg/commons"
)

// EventType identifies a voice-activity event.
type EventType string

const (
	EventSpeechStart EventType = "speech_start"
	EventAudioChunk  EventType = "audio_chunk"
	EventSpeechEnd   EventType = "speech_end"
)

// Event is emitted by a Detector as frames are processed.
//
// SpeechStart carries the buffered frames that crossed the minimum-speech
// threshold. AudioChunk carries one 20 ms frame belonging to the active
// utterance. SpeechEnd carries the silence run that closed the utterance.
type Event struct {
	Type            EventType
	Samples         []int16
	SilenceDuration time.Duration
}

// Detector is a stateful per-call voice-activity detector. It is not safe
// for concurrent use; create one per call.
type Detector interface {
	// Process consumes one PCM frame (16 kHz, 20 ms) and returns zero or
	// more events in emission order.
	Process(frame []int16) []Event

	// Reset drops all detector state, returning it to the idle condition.
	Reset()
}

// Config tunes the energy detector.
type Config struct {
	// EnergyThresholdDb is the voiced/silent decision boundary in dBFS.
	EnergyThresholdDb float64
	// SilenceHangover is how long energy must stay below threshold after a
	// SpeechStart before the turn is declared ended.
	SilenceHangover time.Duration
	// MinSpeech is how long energy must stay above threshold before a
	// SpeechStart is declared.
	MinSpeech time.Duration
	// FrameDuration is the expected duration of each Process frame.
	FrameDuration time.Duration
}

// DefaultConfig mirrors the tuning the call pipeline ships with.
func DefaultConfig() Config {
	return Config{
		EnergyThresholdDb: -40,
		SilenceHangover:   800 * time.Millisecond,
		MinSpeech:         120 * time.Millisecond,
		FrameDuration:     20 * time.Millisecond,
	}
}

type energyDetector struct {
	cfg    Config
	logger commons.Logger

	active    bool
	voicedRun time.Duration
	silence   time.Duration
	pending   [][]int16
}

// NewEnergyDetector creates the default RMS-energy voice-activity detector.
// Zero-valued config fields fall back to DefaultConfig values.
func NewEnergyDetector(logger commons.Logger, cfg Config) Detector {
	def := DefaultConfig()
	if cfg.EnergyThresholdDb == 0 {
		cfg.EnergyThresholdDb = def.EnergyThresholdDb
	}
	if cfg.SilenceHangover == 0 {
		cfg.SilenceHangover = def.SilenceHangover
	}
	if cfg.MinSpeech == 0 {
		cfg.MinSpeech = def.MinSpeech
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	return &energyDetector{cfg: cfg, logger: logger}
}

func (d *energyDetector) Process(frame []int16) []Event {
	voiced := internal_audio.RmsDb(frame) >= d.cfg.EnergyThresholdDb

	if !d.active {
		if !voiced {
			// A silent frame before the minimum-speech run completes
			// cancels the candidate utterance.
			d.voicedRun = 0
			d.pending = d.pending[:0]
			return nil
		}

		d.voicedRun += d.cfg.FrameDuration
		d.pending = append(d.pending, frame)
		if d.voicedRun < d.cfg.MinSpeech {
			return nil
		}

		// Candidate confirmed: emit the start followed by the buffered frames.
		events := make([]Event, 0, len(d.pending)+1)
		events = append(events, Event{Type: EventSpeechStart})
		for _, f := range d.pending {
			events = append(events, Event{Type: EventAudioChunk, Samples: f})
		}
		d.active = true
		d.voicedRun = 0
		d.silence = 0
		d.pending = nil
		return events
	}

	// Active utterance: every frame belongs to the turn, including audio
	// inside the hangover window.
	events := []Event{{Type: EventAudioChunk, Samples: frame}}

	if voiced {
		d.silence = 0
		return events
	}

	d.silence += d.cfg.FrameDuration
	if d.silence >= d.cfg.SilenceHangover {
		events = append(events, Event{Type: EventSpeechEnd, SilenceDuration: d.silence})
		d.active = false
		d.silence = 0
	}
	return events
}

func (d *energyDetector) Reset() {
	d.active = false
	d.voicedRun = 0
	d.silence = 0
	d.pending = nil
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_vad

import (
	"fmt"
	"time"

	"github.com/streamer45/silero-vad-go/speech"

	internal_audio "github.com/rapidaai/voice-core/internal/audio"
	"github.com/rapidaai/voice-core/pkg/commons"
)

// sileroDetector adapts the Silero ONNX model to the Detector interface.
// It is selected when a model path is configured; background-noise heavy
// carriers benefit from it where the plain energy gate chatters.
type sileroDetector struct {
	logger   commons.Logger
	inner    *speech.Detector
	hangover time.Duration

	active  bool
	silence time.Duration
	frameMs time.Duration
}

// NewSileroDetector loads the Silero VAD model from modelPath and wraps it
// in the streaming Detector contract. The caller owns a single call; the
// underlying ONNX session is not shared.
func NewSileroDetector(logger commons.Logger, modelPath string, cfg Config) (Detector, error) {
	def := DefaultConfig()
	if cfg.SilenceHangover == 0 {
		cfg.SilenceHangover = def.SilenceHangover
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = def.FrameDuration
	}

	inner, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           internal_audio.ModelInRate,
		Threshold:            0.5,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load silero vad model from %s: %w", modelPath, err)
	}

	return &sileroDetector{
		logger:   logger,
		inner:    inner,
		hangover: cfg.SilenceHangover,
		frameMs:  cfg.FrameDuration,
	}, nil
}

func (d *sileroDetector) Process(frame []int16) []Event {
	segments, err := d.inner.Detect(internal_audio.Int16ToFloat32(frame))
	if err != nil {
		d.logger.Warnw("silero detection failed, treating frame as silence", "error", err.Error())
		segments = nil
	}

	// The model reports segment boundaries; the hangover policy stays ours
	// so one SpeechEnd is emitted per SpeechStart.
	voiced := false
	for _, seg := range segments {
		if seg.SpeechEndAt == 0 {
			voiced = true
		}
	}

	if !d.active {
		if !voiced {
			return nil
		}
		d.active = true
		d.silence = 0
		return []Event{
			{Type: EventSpeechStart},
			{Type: EventAudioChunk, Samples: frame},
		}
	}

	events := []Event{{Type: EventAudioChunk, Samples: frame}}
	if voiced {
		d.silence = 0
		return events
	}

	d.silence += d.frameMs
	if d.silence >= d.hangover {
		events = append(events, Event{Type: EventSpeechEnd, SilenceDuration: d.silence})
		d.active = false
		d.silence = 0
	}
	return events
}

func (d *sileroDetector) Reset() {
	d.active = false
	d.silence = 0
	if err := d.inner.Reset(); err != nil {
		d.logger.Warnw("silero reset failed", "error", err.Error())
	}
}

// Close releases the ONNX session backing the detector.
func (d *sileroDetector) Close() error {
	return d.inner.Destroy()
}

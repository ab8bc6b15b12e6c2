// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_llm

import "context"

// EventType enumerates what a live session can emit.
type EventType string

const (
	// EventAudioChunk carries 24 kHz mono PCM of the model speaking.
	EventAudioChunk EventType = "audio_chunk"
	// EventResponseStart marks the first output of a model response.
	EventResponseStart EventType = "response_start"
	// EventResponseComplete marks the end of a model response.
	EventResponseComplete EventType = "response_complete"
	// EventTranscriptPartial carries incremental transcript text of the
	// model's audio output.
	EventTranscriptPartial EventType = "transcript_partial"
	// EventUserTranscript carries incremental transcript text of the
	// caller's audio input.
	EventUserTranscript EventType = "user_transcript"
	// EventError carries a session failure. After an EventError the
	// session is dead and the event channel closes.
	EventError EventType = "error"
)

// Event is one message from the model side of a live session.
type Event struct {
	Type       EventType
	Audio      []int16
	Transcript string
	Err        error
}

// VoiceConfig selects the synthesis voice of a live session. The live API
// exposes no speaking-rate control; pace is shaped through the instruction.
type VoiceConfig struct {
	VoiceName    string
	LanguageCode string
}

// Session is a bidirectional streaming conversation with a speech-to-speech
// model. Sends are safe from one goroutine while another drains Events.
type Session interface {
	// Events is the model-to-caller stream. It closes when the session
	// dies or Close is called.
	Events() <-chan Event

	// SendAudio streams one frame of 16 kHz mono PCM of the caller
	// speaking. Called many times per second.
	SendAudio(pcm []int16) error

	// SendText injects a text turn, used for the welcome message.
	SendText(text string) error

	// UpdateSystemInstruction replaces the standing instruction. Safe to
	// call between user turns; an in-progress response is unaffected.
	UpdateSystemInstruction(instruction string) error

	// Cancel stops the in-progress model response promptly. Audio of the
	// canceled response still in flight is discarded.
	Cancel()

	// Close tears the session down and closes Events.
	Close() error
}

// Factory opens a live session with an initial instruction and voice.
type Factory func(ctx context.Context, systemInstruction string, voice VoiceConfig) (Session, error)

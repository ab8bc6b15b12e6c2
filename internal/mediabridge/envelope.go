// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_mediabridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Frame events of the carrier media envelope.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// Media track directions.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// FrameBytesPerPacket is 20 ms of 8 kHz µ-law.
const FrameBytesPerPacket = 160

// MediaFormat describes the stream's audio encoding.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StartFrame opens a media stream and carries the carrier's identifiers.
type StartFrame struct {
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFrame carries one base64 µ-law packet.
type MediaFrame struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// MarkFrame is a named position marker in the outbound stream.
type MarkFrame struct {
	Name string `json:"name"`
}

// StopFrame closes a media stream.
type StopFrame struct {
	CallSid string `json:"callSid"`
}

// Frame is the carrier-compatible envelope: one JSON object per WebSocket
// text message, discriminated by Event.
type Frame struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSid      string      `json:"streamSid,omitempty"`
	Start          *StartFrame `json:"start,omitempty"`
	Media          *MediaFrame `json:"media,omitempty"`
	Mark           *MarkFrame  `json:"mark,omitempty"`
	Stop           *StopFrame  `json:"stop,omitempty"`
}

// ParseFrame decodes one envelope message.
func ParseFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed media frame: %w", err)
	}
	if frame.Event == "" {
		return nil, fmt.Errorf("media frame missing event")
	}
	return &frame, nil
}

// DecodePayload returns the raw µ-law bytes of a media frame.
func (f *Frame) DecodePayload() ([]byte, error) {
	if f.Media == nil {
		return nil, fmt.Errorf("frame has no media body")
	}
	raw, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("malformed media payload: %w", err)
	}
	return raw, nil
}

// newOutboundMedia builds one outbound media frame. sequence and timestamp
// are monotonically increasing per stream.
func newOutboundMedia(streamSid string, sequence int, timestampMs int, mulaw []byte) *Frame {
	return &Frame{
		Event:          EventMedia,
		SequenceNumber: strconv.Itoa(sequence),
		StreamSid:      streamSid,
		Media: &MediaFrame{
			Track:     TrackOutbound,
			Chunk:     strconv.Itoa(sequence),
			Timestamp: strconv.Itoa(timestampMs),
			Payload:   base64.StdEncoding.EncodeToString(mulaw),
		},
	}
}

func newMark(streamSid, name string) *Frame {
	return &Frame{Event: EventMark, StreamSid: streamSid, Mark: &MarkFrame{Name: name}}
}

func newClear(streamSid string) *Frame {
	return &Frame{Event: EventClear, StreamSid: streamSid}
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callfsm

import (
	"time"

	"github.com/rapidaai/voice-core/pkg/utils"
)

// Latency stamp names.
const (
	StampCallStart          = "callStart"
	StampWsOpen             = "wsOpen"
	StampSessionReady       = "sessionReady"
	StampFirstOutboundAudio = "firstOutboundAudio"
	StampUserSpeechDetected = "userSpeechDetected"
	StampResponseStart      = "responseStart"
	StampFirstResponseAudio = "firstResponseAudio"
)

// Bottleneck stage names, reported per call.
const (
	BottleneckWsConnect      = "wsConnect"
	BottleneckSessionConnect = "sessionConnect"
	BottleneckFirstAudio     = "firstAudio"
	BottleneckResponse       = "response"
)

// LatencyTracker records call setup stamps and per-turn response latencies.
// It lives on the state machine's event loop and needs no locking.
type LatencyTracker struct {
	stamps map[string]time.Time

	// speechDetectedAt is the pending turn's userSpeechDetected stamp,
	// cleared once its firstResponseAudio lands.
	speechDetectedAt time.Time
	turnLatencies    []float32
}

func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{stamps: make(map[string]time.Time)}
}

// Stamp records the first occurrence of a named moment. Later calls with
// the same name keep the first value, except the per-turn stamps which
// reset each turn.
func (t *LatencyTracker) Stamp(name string, at time.Time) {
	switch name {
	case StampUserSpeechDetected:
		t.speechDetectedAt = at
	case StampFirstResponseAudio:
		if !t.speechDetectedAt.IsZero() {
			t.turnLatencies = append(t.turnLatencies, float32(at.Sub(t.speechDetectedAt).Seconds()))
			t.speechDetectedAt = time.Time{}
		}
	}
	if _, ok := t.stamps[name]; !ok {
		t.stamps[name] = at
	}
}

// ResponseLatencies returns the per-turn firstResponseAudio −
// userSpeechDetected intervals in seconds.
func (t *LatencyTracker) ResponseLatencies() []float32 {
	return t.turnLatencies
}

func (t *LatencyTracker) interval(from, to string) float64 {
	a, okA := t.stamps[from]
	b, okB := t.stamps[to]
	if !okA || !okB || b.Before(a) {
		return 0
	}
	return b.Sub(a).Seconds()
}

// Bottleneck names the slowest stage of the call: websocket connect,
// session connect, first outbound audio, or average response latency.
func (t *LatencyTracker) Bottleneck() string {
	stages := []struct {
		name  string
		value float64
	}{
		{BottleneckWsConnect, t.interval(StampCallStart, StampWsOpen)},
		{BottleneckSessionConnect, t.interval(StampWsOpen, StampSessionReady)},
		{BottleneckFirstAudio, t.interval(StampSessionReady, StampFirstOutboundAudio)},
		{BottleneckResponse, float64(utils.AverageFloat32(t.turnLatencies))},
	}

	best := stages[0]
	for _, stage := range stages[1:] {
		if stage.value > best.value {
			best = stage
		}
	}
	return best.name
}

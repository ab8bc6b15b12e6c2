// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

// AudioFormat names the wire encodings moved by the media path.
type AudioFormat string

const (
	FormatMulaw    AudioFormat = "audio/mulaw"
	FormatLinear16 AudioFormat = "audio/linear16"
)

// AudioConfig describes the format, rate and channel count of a stream leg.
type AudioConfig struct {
	Format     AudioFormat
	SampleRate int
	Channels   int
}

// NewMulaw8khzMonoAudioConfig is the native telephony carrier format:
// 8-bit µ-law, 8 kHz, mono.
func NewMulaw8khzMonoAudioConfig() AudioConfig {
	return AudioConfig{Format: FormatMulaw, SampleRate: TelephonyRate, Channels: 1}
}

// NewLinear16khzMonoAudioConfig is the model input format: linear16, 16 kHz, mono.
func NewLinear16khzMonoAudioConfig() AudioConfig {
	return AudioConfig{Format: FormatLinear16, SampleRate: ModelInRate, Channels: 1}
}

// NewLinear24khzMonoAudioConfig is the model output format: linear16, 24 kHz, mono.
func NewLinear24khzMonoAudioConfig() AudioConfig {
	return AudioConfig{Format: FormatLinear16, SampleRate: ModelOutRate, Channels: 1}
}

// FrameBytes returns the byte count of one frame of the given duration in
// milliseconds for this config.
func (c AudioConfig) FrameBytes(ms int) int {
	bytesPerSample := 2
	if c.Format == FormatMulaw {
		bytesPerSample = 1
	}
	return c.SampleRate * c.Channels * bytesPerSample * ms / 1000
}

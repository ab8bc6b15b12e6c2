// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"encoding/binary"
	"math"

	"github.com/zaf/g711"
)

// Sample rates used across the call path. Telephony carriers deliver µ-law
// at 8 kHz; the model consumes linear16 at 16 kHz and produces 24 kHz.
const (
	TelephonyRate = 8000
	ModelInRate   = 16000
	ModelOutRate  = 24000
)

// MuLawToLinear16 decodes 8-bit µ-law bytes into 16-bit linear PCM samples.
func MuLawToLinear16(mulaw []byte) []int16 {
	return BytesToInt16(g711.DecodeUlaw(mulaw))
}

// Linear16ToMuLaw encodes 16-bit linear PCM samples into 8-bit µ-law bytes.
func Linear16ToMuLaw(samples []int16) []byte {
	return g711.EncodeUlaw(Int16ToBytes(samples))
}

// BytesToInt16 reinterprets little-endian 16-bit PCM bytes as samples.
// A trailing odd byte is dropped.
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Int16ToBytes serializes samples as little-endian 16-bit PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Resample converts samples between rates using linear interpolation.
// Identical rates return a copy. Linear interpolation is adequate for the
// narrowband speech this pipeline moves; it keeps the hot path allocation
// down to the output buffer.
func Resample(samples []int16, fromHz, toHz int) []int16 {
	if fromHz == toHz || len(samples) == 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(fromHz) / float64(toHz)
	outLen := int(float64(len(samples)) * float64(toHz) / float64(fromHz))
	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		s0 := float64(samples[idx])
		s1 := float64(samples[idx+1])
		out[i] = int16(math.Round(s0 + (s1-s0)*frac))
	}
	return out
}

// Float32ToInt16 converts normalized float samples to 16-bit PCM, clamping
// to [-1, 1] and rounding half away from zero.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		f := float64(s)
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		out[i] = int16(math.Round(f * 32767))
	}
	return out
}

// Int16ToFloat32 converts 16-bit PCM samples to normalized [-1, 1] floats.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// rmsFloor avoids log(0) on digital silence; it corresponds to -60 dB.
const rmsFloor = 0.001

// RmsDb computes the RMS energy of the samples in dBFS over the normalized
// [-1, 1] range. Digital silence reports -60 dB.
func RmsDb(samples []int16) float64 {
	if len(samples) == 0 {
		return 20 * math.Log10(rmsFloor)
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < rmsFloor {
		rms = rmsFloor
	}
	return 20 * math.Log10(rms)
}

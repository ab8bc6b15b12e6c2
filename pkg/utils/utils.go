// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import (
	"regexp"
	"strings"
)

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

// Clamp bounds v to [lo, hi].
func Clamp[T ~int | ~int64 | ~float32 | ~float64](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AverageFloat32 returns the arithmetic mean of the given samples,
// or 0 for an empty slice.
func AverageFloat32(values []float32) float32 {
	if len(values) == 0 {
		return 0
	}
	var sum float32
	for _, v := range values {
		sum += v
	}
	return sum / float32(len(values))
}

var nonDigits = regexp.MustCompile(`\D`)

// DigitsOnly strips every non-digit rune from a phone number string.
func DigitsOnly(number string) string {
	return nonDigits.ReplaceAllString(number, "")
}

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// IsE164 reports whether the string is a valid E.164 phone number.
func IsE164(number string) bool {
	return e164Pattern.MatchString(strings.TrimSpace(number))
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import "testing"

func TestPtr(t *testing.T) {
	b := Ptr(true)
	if b == nil || !*b {
		t.Fatalf("expected pointer to true, got %v", b)
	}
	n := Ptr(42)
	if *n != 42 {
		t.Errorf("expected 42, got %d", *n)
	}
}

func TestAverageFloat32(t *testing.T) {
	tests := []struct {
		name     string
		input    []float32
		expected float32
	}{
		{"normal case", []float32{1.0, 2.0, 3.0}, 2.0},
		{"single element", []float32{5.0}, 5.0},
		{"empty slice", []float32{}, 0.0},
		{"negative numbers", []float32{-1.0, 1.0}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := AverageFloat32(tt.input)
			if result != tt.expected {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestDigitsOnly(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"e164", "+919876543210", "919876543210"},
		{"formatted", "(555) 123-0001", "5551230001"},
		{"already digits", "5551230001", "5551230001"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DigitsOnly(tt.input); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestIsE164(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"valid us", "+15551230001", true},
		{"valid in", "+919876543210", true},
		{"missing plus", "15551230001", false},
		{"leading zero", "+05551230001", false},
		{"too short", "+1234", false},
		{"letters", "+1555abc0001", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsE164(tt.input); got != tt.expected {
				t.Errorf("IsE164(%q): expected %v, got %v", tt.input, tt.expected, got)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(1.5, 0.0, 1.0); got != 1.0 {
		t.Errorf("expected 1.0, got %f", got)
	}
	if got := Clamp(-0.2, 0.0, 1.0); got != 0.0 {
		t.Errorf("expected 0.0, got %f", got)
	}
	if got := Clamp(0.42, 0.0, 1.0); got != 0.42 {
		t.Errorf("expected 0.42, got %f", got)
	}
}

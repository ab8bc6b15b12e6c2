// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_intelligence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rapidaai/voice-core/pkg/commons"
)

func newTestAnalyzer() *Analyzer {
	return NewAnalyzer(commons.NewNopLogger())
}

func TestAnalyze_StageClassification(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		turn      int
		expected  Stage
	}{
		{"early turns forced awareness", "I want to buy this right now", 1, StageAwareness},
		{"second turn forced awareness", "let me purchase", 2, StageAwareness},
		{"decision keyword wins", "ok let us confirm the order", 4, StageDecision},
		{"consideration keyword", "what is the price compared to others", 3, StageConsideration},
		{"no match stays awareness", "hello there", 4, StageAwareness},
		{"late turns drift to decision", "hello there", 8, StageDecision},
		{"decision beats consideration", "good price, I will buy", 5, StageDecision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnalyzer()
			got := a.Analyze(tt.utterance, tt.turn)
			assert.Equal(t, tt.expected, got.Stage)
		})
	}
}

func TestAnalyze_ProfileLocksOnceConfident(t *testing.T) {
	a := newTestAnalyzer()

	first := a.Analyze("send me the data and exact specs please", 3)
	assert.Equal(t, ProfileAnalytical, first.Profile)

	// A strongly emotional turn later must not rebind the profile.
	second := a.Analyze("I feel worried and scared about this, my family is stressed", 4)
	assert.Equal(t, ProfileAnalytical, second.Profile)
}

func TestAnalyze_ProfilePriorTurnCarriesWeight(t *testing.T) {
	a := newTestAnalyzer()

	// One keyword scores 3 and locks immediately.
	got := a.Analyze("is there a guarantee", 3)
	assert.Equal(t, ProfileSkeptical, got.Profile)
	assert.Equal(t, ProfileSkeptical, a.Analyze("tell me more", 4).Profile)
}

func TestAnalyze_Objections(t *testing.T) {
	a := newTestAnalyzer()
	got := a.Analyze("it is too expensive and honestly I doubt the quality", 3)
	assert.Equal(t, []Objection{ObjectionPrice, ObjectionQuality}, got.Objections)

	got = a.Analyze("sounds fine", 4)
	assert.Empty(t, got.Objections)
}

func TestAnalyze_LanguageDetection(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		expected  Language
	}{
		{"plain english", "Yes, tell me more about it", LangEnglish},
		{"hinglish romanized", "Namaste, aap kaise hain", LangHinglish},
		{"hindi devanagari", "नमस्ते, आप कैसे हैं", LangHindi},
		{"marathi devanagari", "नमस्कार, तुम्ही कसे आहे", LangMarathi},
		{"tamil script", "வணக்கம், எப்படி இருக்கிறீர்கள்", LangTamil},
		{"telugu script", "నమస్కారం, ఎలా ఉన్నారు", LangTelugu},
		{"kannada script", "ನಮಸ್ಕಾರ, ಹೇಗಿದ್ದೀರಿ", LangKannada},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnalyzer()
			got := a.Analyze(tt.utterance, 1)
			assert.Equal(t, tt.expected, got.Language)
		})
	}
}

func TestAnalyze_LanguageIsSticky(t *testing.T) {
	a := newTestAnalyzer()

	first := a.Analyze("Namaste, aap kaise hain", 1)
	assert.Equal(t, LangHinglish, first.Language)

	// English keywords on the second turn must not rebind the language.
	second := a.Analyze("Yes, tell me more", 2)
	assert.Equal(t, LangHinglish, second.Language)
	assert.Equal(t, LangHinglish, a.Language())
}

func TestAnalyze_EmptyUtteranceDoesNotBindLanguage(t *testing.T) {
	a := newTestAnalyzer()

	got := a.Analyze("", 1)
	assert.Equal(t, LangEnglish, got.Language, "unbound language reports english")
	assert.Equal(t, Language(""), a.Language(), "binding must wait for a real utterance")

	got = a.Analyze("Namaste, aap kaise hain", 2)
	assert.Equal(t, LangHinglish, got.Language)
}

func TestAnalyze_Sentiment(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		expected  float64
	}{
		{"neutral", "tell me about the plan", 0.5},
		{"positive", "good, thanks", 0.7},
		{"positive intensified", "this is very good, thanks", 0.75},
		{"negative", "no, this is a problem", 0.3},
		{"negative intensified", "this is really bad, a total waste", 0.25},
		{"clamped low", "no not bad problem issue hate waste stop", 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnalyzer()
			got := a.Analyze(tt.utterance, 3)
			assert.InDelta(t, tt.expected, got.Sentiment, 1e-9)
		})
	}
}

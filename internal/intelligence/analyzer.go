// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_intelligence

import (
	"strings"
	"unicode"

	"github.com/rapidaai/voice-core/pkg/commons"
	"github.com/rapidaai/voice-core/pkg/utils"
)

// Analyzer classifies one user utterance per turn. It is created per call
// and carries the call's sticky state: the profile locks once assigned with
// score >= 3, and the language locks on first non-empty detection. There is
// no process-global state.
//
// Analyzer is driven from the call's single event loop and is not safe for
// concurrent use.
type Analyzer struct {
	logger commons.Logger

	lockedProfile Profile
	profileLocked bool
	language      Language
	prevUtterance string
}

// NewAnalyzer creates a per-call conversation analyzer.
func NewAnalyzer(logger commons.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

// Analyze classifies the utterance for the given 1-based turn number.
func (a *Analyzer) Analyze(utterance string, turnNumber int) TurnAnalysis {
	text := strings.ToLower(utterance)
	tokens := tokenize(text)
	prevTokens := tokenize(strings.ToLower(a.prevUtterance))

	analysis := TurnAnalysis{
		Stage:      a.classifyStage(text, tokens, turnNumber),
		Profile:    a.classifyProfile(text, tokens, prevTokens),
		Objections: detectObjections(text, tokens),
		Language:   a.detectLanguage(utterance, text, tokens),
		Sentiment:  scoreSentiment(text, tokens),
	}

	a.prevUtterance = utterance
	return analysis
}

// Language returns the call's bound language, or empty if none detected yet.
func (a *Analyzer) Language() Language {
	return a.language
}

func (a *Analyzer) classifyStage(text string, tokens map[string]int, turnNumber int) Stage {
	// Early turns are always discovery regardless of keywords.
	if turnNumber < 3 {
		return StageAwareness
	}
	if matchAny(text, tokens, stageKeywords[StageDecision]) {
		return StageDecision
	}
	if matchAny(text, tokens, stageKeywords[StageConsideration]) {
		return StageConsideration
	}
	// A long conversation with no stronger signal is treated as closing.
	if turnNumber >= 8 {
		return StageDecision
	}
	return StageAwareness
}

func (a *Analyzer) classifyProfile(text string, tokens, prevTokens map[string]int) Profile {
	if a.profileLocked {
		return a.lockedProfile
	}

	best := profileTieBreak[0]
	bestScore := 0
	for _, p := range profileTieBreak {
		score := 3*matchCount(text, tokens, profileKeywords[p]) +
			matchCount("", prevTokens, profileKeywords[p])
		if score > bestScore {
			best = p
			bestScore = score
		}
	}

	if bestScore >= 3 {
		a.lockedProfile = best
		a.profileLocked = true
		a.logger.Debugw("caller profile locked", "profile", string(best), "score", bestScore)
	}
	return best
}

func detectObjections(text string, tokens map[string]int) []Objection {
	ordered := []Objection{ObjectionPrice, ObjectionQuality, ObjectionTrust, ObjectionTiming, ObjectionNeed}
	var found []Objection
	for _, o := range ordered {
		if matchAny(text, tokens, objectionKeywords[o]) {
			found = append(found, o)
		}
	}
	return found
}

func (a *Analyzer) detectLanguage(original, lower string, tokens map[string]int) Language {
	if a.language == "" {
		if detected := detectLanguageOnce(original, lower, tokens); detected != "" {
			a.language = detected
		}
	}
	if a.language == "" {
		return LangEnglish
	}
	return a.language
}

// detectLanguageOnce runs script-range detection first, then the romanized
// hinglish keyword set. Returns empty when the utterance carries no signal
// (e.g. silence transcripts) so detection can retry on the next turn.
func detectLanguageOnce(original, lower string, tokens map[string]int) Language {
	var devanagari, tamil, telugu, kannada, latin int
	for _, r := range original {
		switch {
		case r >= 0x0900 && r <= 0x097F:
			devanagari++
		case r >= 0x0B80 && r <= 0x0BFF:
			tamil++
		case r >= 0x0C00 && r <= 0x0C7F:
			telugu++
		case r >= 0x0C80 && r <= 0x0CFF:
			kannada++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}

	switch {
	case tamil > 0:
		return LangTamil
	case telugu > 0:
		return LangTelugu
	case kannada > 0:
		return LangKannada
	case devanagari > 0:
		// Hindi and Marathi share Devanagari; Marathi-specific copulas
		// decide between them.
		if strings.Contains(original, "आहे") || strings.Contains(original, "तुम्ही") {
			return LangMarathi
		}
		return LangHindi
	}

	if matchAny(lower, tokens, marathiRomanKeywords) &&
		matchCount(lower, tokens, marathiRomanKeywords) > matchCount(lower, tokens, hinglishKeywords) {
		return LangMarathi
	}
	if matchAny(lower, tokens, hinglishKeywords) {
		return LangHinglish
	}
	if latin > 0 {
		return LangEnglish
	}
	return ""
}

func scoreSentiment(text string, tokens map[string]int) float64 {
	score := 0.5
	pos := matchCount(text, tokens, positiveKeywords)
	neg := matchCount(text, tokens, negativeKeywords)
	score += 0.1*float64(pos) - 0.1*float64(neg)

	if matchAny(text, tokens, intensifierKeywords) {
		if pos > neg {
			score += 0.05
		} else if neg > pos {
			score -= 0.05
		}
	}
	return utils.Clamp(score, 0.0, 1.0)
}

// tokenize splits lowered text into a word-occurrence map.
func tokenize(text string) map[string]int {
	tokens := map[string]int{}
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[w]++
	}
	return tokens
}

// matchCount counts how many of the keywords appear. Single words match on
// token boundaries; phrases match as substrings of the lowered text.
func matchCount(text string, tokens map[string]int, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.ContainsRune(k, ' ') {
			if text != "" && strings.Contains(text, k) {
				n++
			}
			continue
		}
		if tokens[k] > 0 {
			n++
		}
	}
	return n
}

func matchAny(text string, tokens map[string]int, keywords []string) bool {
	return matchCount(text, tokens, keywords) > 0
}

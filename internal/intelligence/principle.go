// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_intelligence

import (
	"strings"

	"github.com/rapidaai/voice-core/pkg/commons"
)

// stageSeed is the ordered candidate set per stage. Order matters: after
// all filters the first surviving element wins.
var stageSeed = map[Stage][]Principle{
	StageAwareness:     {PrincipleAuthority, PrincipleLiking, PrincipleSocialProof},
	StageConsideration: {PrincipleReciprocity, PrincipleCommitment, PrincipleLiking},
	StageDecision:      {PrincipleCommitment, PrincipleScarcity, PrincipleLiking},
}

var profileAffinity = map[Profile][]Principle{
	ProfileAnalytical:         {PrincipleAuthority, PrincipleCommitment, PrincipleSocialProof},
	ProfileEmotional:          {PrincipleLiking, PrincipleReciprocity, PrincipleScarcity},
	ProfileSkeptical:          {PrincipleAuthority, PrincipleSocialProof, PrincipleCommitment},
	ProfileDecisionMaker:      {PrincipleScarcity, PrincipleCommitment, PrincipleAuthority},
	ProfileRelationshipSeeker: {PrincipleLiking, PrincipleReciprocity, PrincipleSocialProof},
}

var objectionAffinity = map[Objection][]Principle{
	ObjectionPrice:   {PrincipleScarcity, PrincipleReciprocity, PrincipleSocialProof},
	ObjectionQuality: {PrincipleAuthority, PrincipleSocialProof},
	ObjectionTrust:   {PrincipleAuthority, PrincipleSocialProof, PrincipleLiking},
	ObjectionTiming:  {PrincipleScarcity, PrincipleCommitment},
	ObjectionNeed:    {PrincipleReciprocity, PrincipleLiking, PrincipleSocialProof},
}

// recencyWindow is how many previously used principles are excluded before
// repetition is allowed again.
const recencyWindow = 2

// PrincipleEngine selects the influence principle for each agent turn.
// Per-call state (the recency window) lives here; the engine is driven from
// the call's event loop and is not safe for concurrent use.
type PrincipleEngine struct {
	logger  commons.Logger
	recency []Principle
}

// NewPrincipleEngine creates a per-call principle engine.
func NewPrincipleEngine(logger commons.Logger) *PrincipleEngine {
	return &PrincipleEngine{logger: logger}
}

// Select picks one principle for the turn:
//  1. seed candidates by stage,
//  2. narrow by profile affinity (keep seed if the cut empties),
//  3. narrow by objection affinity when objections exist (keep previous
//     filter result if the cut empties),
//  4. drop principles in the recency window (reset recency and keep the
//     previous set if the cut empties),
//  5. first surviving element wins.
func (e *PrincipleEngine) Select(stage Stage, profile Profile, objections []Objection) Principle {
	candidates := stageSeed[stage]
	if len(candidates) == 0 {
		candidates = stageSeed[StageAwareness]
	}

	if narrowed := intersect(candidates, profileAffinity[profile]); len(narrowed) > 0 {
		candidates = narrowed
	}

	if len(objections) > 0 {
		var objectionSet []Principle
		for _, o := range objections {
			objectionSet = append(objectionSet, objectionAffinity[o]...)
		}
		if narrowed := intersect(candidates, objectionSet); len(narrowed) > 0 {
			candidates = narrowed
		}
	}

	fresh := exclude(candidates, e.recency)
	if len(fresh) == 0 {
		// Every candidate was used recently; allow repetition again.
		e.recency = e.recency[:0]
		fresh = candidates
	}

	selected := fresh[0]
	e.recency = append(e.recency, selected)
	if len(e.recency) > recencyWindow {
		e.recency = e.recency[len(e.recency)-recencyWindow:]
	}
	return selected
}

// Recency exposes the current recency window, most recent last.
func (e *PrincipleEngine) Recency() []Principle {
	out := make([]Principle, len(e.recency))
	copy(out, e.recency)
	return out
}

// intersect keeps elements of a that also occur in b, preserving a's order.
func intersect(a, b []Principle) []Principle {
	inB := map[Principle]bool{}
	for _, p := range b {
		inB[p] = true
	}
	var out []Principle
	for _, p := range a {
		if inB[p] {
			out = append(out, p)
		}
	}
	return out
}

// exclude removes elements of drop from a, preserving order.
func exclude(a, drop []Principle) []Principle {
	inDrop := map[Principle]bool{}
	for _, p := range drop {
		inDrop[p] = true
	}
	var out []Principle
	for _, p := range a {
		if !inDrop[p] {
			out = append(out, p)
		}
	}
	return out
}

// principleFragments are the stable system-instruction directives appended
// to the base prompt before each agent turn.
var principleFragments = map[Principle]string{
	PrincipleReciprocity: "Offer something of genuine value first — a useful insight, a free resource, or a concession — before asking for anything in return.",
	PrincipleCommitment:  "Invite small, explicit agreements and build on what the caller has already said yes to. Reflect their own words back to them.",
	PrincipleSocialProof: "Reference how similar customers in the caller's situation have benefited. Use concrete, relatable examples rather than raw numbers.",
	PrincipleAuthority:   "Ground your statements in expertise, credentials, and verifiable facts. Be precise and avoid overclaiming.",
	PrincipleLiking:      "Be warm and find authentic common ground. Mirror the caller's energy and acknowledge their perspective before advancing yours.",
	PrincipleScarcity:    "Highlight what is genuinely limited — availability, pricing windows, or capacity — without manufacturing false urgency.",
}

// SystemInstructionFragment returns the directive text for a principle.
func SystemInstructionFragment(p Principle) string {
	return principleFragments[p]
}

var stageFragments = map[Stage]string{
	StageAwareness:     "The caller is still discovering the offering. Prioritize listening, ask open questions, and keep explanations short.",
	StageConsideration: "The caller is weighing options. Address comparisons directly and surface the differentiators that matter to them.",
	StageDecision:      "The caller is close to a decision. Be concrete about next steps and remove friction; do not reopen settled topics.",
}

// StageFragment returns the directive text for a conversation stage.
func StageFragment(s Stage) string {
	return stageFragments[s]
}

// ObjectionFragment returns directive text addressing the detected
// objections, or empty when there are none.
func ObjectionFragment(objections []Objection) string {
	if len(objections) == 0 {
		return ""
	}
	parts := make([]string, 0, len(objections))
	for _, o := range objections {
		switch o {
		case ObjectionPrice:
			parts = append(parts, "price sensitivity — emphasize value over cost")
		case ObjectionQuality:
			parts = append(parts, "quality concerns — cite guarantees and track record")
		case ObjectionTrust:
			parts = append(parts, "trust concerns — be transparent and verifiable")
		case ObjectionTiming:
			parts = append(parts, "timing hesitation — reduce the cost of deciding now")
		case ObjectionNeed:
			parts = append(parts, "need uncertainty — connect the offering to their stated situation")
		}
	}
	return "The caller has raised objections: " + strings.Join(parts, "; ") + "."
}

var languageFragments = map[Language]string{
	LangEnglish:  "Respond in clear, conversational English.",
	LangHindi:    "Respond in Hindi, keeping sentences short and natural.",
	LangMarathi:  "Respond in Marathi, keeping sentences short and natural.",
	LangTamil:    "Respond in Tamil, keeping sentences short and natural.",
	LangTelugu:   "Respond in Telugu, keeping sentences short and natural.",
	LangKannada:  "Respond in Kannada, keeping sentences short and natural.",
	LangHinglish: "Respond in Hinglish — conversational Hindi written in Latin script, mixed naturally with English.",
}

// LanguageFragment returns the directive text binding the response language.
func LanguageFragment(l Language) string {
	if f, ok := languageFragments[l]; ok {
		return f
	}
	return languageFragments[LangEnglish]
}

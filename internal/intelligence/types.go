// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_intelligence

// Stage is the buyer-journey stage inferred from the conversation so far.
type Stage string

const (
	StageAwareness     Stage = "AWARENESS"
	StageConsideration Stage = "CONSIDERATION"
	StageDecision      Stage = "DECISION"
)

// Profile is the caller's communication profile. Once assigned with enough
// confidence it stays fixed for the remainder of the call.
type Profile string

const (
	ProfileAnalytical         Profile = "ANALYTICAL"
	ProfileEmotional          Profile = "EMOTIONAL"
	ProfileSkeptical          Profile = "SKEPTICAL"
	ProfileDecisionMaker      Profile = "DECISION_MAKER"
	ProfileRelationshipSeeker Profile = "RELATIONSHIP_SEEKER"
)

// profileTieBreak is the deterministic resolution order for equal scores.
var profileTieBreak = []Profile{
	ProfileAnalytical,
	ProfileEmotional,
	ProfileSkeptical,
	ProfileDecisionMaker,
	ProfileRelationshipSeeker,
}

// Objection is a sales objection category detected in an utterance.
type Objection string

const (
	ObjectionPrice   Objection = "PRICE"
	ObjectionQuality Objection = "QUALITY"
	ObjectionTrust   Objection = "TRUST"
	ObjectionTiming  Objection = "TIMING"
	ObjectionNeed    Objection = "NEED"
)

// Language is a detected conversation language. Sticky once set: the first
// non-empty detection binds the language for the rest of the call.
type Language string

const (
	LangEnglish  Language = "en"
	LangHindi    Language = "hi"
	LangMarathi  Language = "mr"
	LangTamil    Language = "ta"
	LangTelugu   Language = "te"
	LangKannada  Language = "kn"
	LangHinglish Language = "hinglish"
)

// Principle is one of the six influence principles used to steer the agent.
type Principle string

const (
	PrincipleReciprocity Principle = "RECIPROCITY"
	PrincipleCommitment  Principle = "COMMITMENT"
	PrincipleSocialProof Principle = "SOCIAL_PROOF"
	PrincipleAuthority   Principle = "AUTHORITY"
	PrincipleLiking      Principle = "LIKING"
	PrincipleScarcity    Principle = "SCARCITY"
)

// TurnAnalysis is the per-turn classifier output.
type TurnAnalysis struct {
	Stage      Stage
	Profile    Profile
	Objections []Objection
	Language   Language
	Sentiment  float64
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_intelligence

// Keyword tables backing the per-turn classifier. Matching is
// case-insensitive on whole words; romanized Indic entries cover the
// code-mixed speech common on Indian PSTN traffic.

var stageKeywords = map[Stage][]string{
	StageDecision: {
		"buy", "purchase", "sign", "deal", "confirm", "book", "order",
		"payment", "proceed", "finalize", "kharid", "le lunga", "pakka",
		"done", "ready",
	},
	StageConsideration: {
		"compare", "option", "options", "price", "cost", "feature",
		"features", "difference", "versus", "demo", "trial", "think",
		"consider", "kitna", "kaisa",
	},
}

var profileKeywords = map[Profile][]string{
	ProfileAnalytical: {
		"data", "numbers", "specification", "specs", "detail", "details",
		"exactly", "percentage", "statistics", "report", "proof", "metric",
	},
	ProfileEmotional: {
		"feel", "love", "hate", "worried", "excited", "happy", "scared",
		"family", "dream", "stress",
	},
	ProfileSkeptical: {
		"doubt", "scam", "fake", "really", "sure", "believe", "trust",
		"guarantee", "catch", "suspicious",
	},
	ProfileDecisionMaker: {
		"decide", "decision", "budget", "approve", "team", "manager",
		"authority", "responsible", "final",
	},
	ProfileRelationshipSeeker: {
		"relationship", "support", "help", "together", "partner",
		"service", "friendly", "long term", "connect",
	},
}

var objectionKeywords = map[Objection][]string{
	ObjectionPrice: {
		"expensive", "costly", "afford", "cheap", "discount", "price",
		"budget", "mehenga", "paisa", "sasta",
	},
	ObjectionQuality: {
		"quality", "broken", "defect", "poor", "bad", "inferior",
		"kharab", "complaint",
	},
	ObjectionTrust: {
		"trust", "scam", "fraud", "fake", "review", "reputation",
		"bharosa", "genuine",
	},
	ObjectionTiming: {
		"later", "busy", "next month", "not now", "call back", "time",
		"baad mein", "abhi nahi",
	},
	ObjectionNeed: {
		"need", "why", "unnecessary", "already have", "no use",
		"zaroorat", "kyun",
	},
}

var positiveKeywords = []string{
	"good", "great", "yes", "sure", "interesting", "nice", "perfect",
	"thanks", "thank", "helpful", "love", "excellent", "acha", "badhiya",
	"haan", "theek",
}

var negativeKeywords = []string{
	"no", "not", "bad", "problem", "issue", "hate", "angry", "waste",
	"stop", "never", "wrong", "nahi", "kharab", "bakwas",
}

var intensifierKeywords = []string{
	"very", "really", "extremely", "totally", "absolutely", "bahut",
	"bilkul",
}

// hinglishKeywords detect romanized Hindi in otherwise Latin-script text.
var hinglishKeywords = []string{
	"namaste", "namaskar", "aap", "kaise", "hain", "haan", "nahi", "kya",
	"theek", "acha", "accha", "bhai", "ji", "karo", "chahiye", "paisa",
	"mujhe", "hum", "tum", "kitna", "mehenga", "sasta", "zaroorat",
	"bahut", "bilkul", "baad", "abhi", "bharosa", "kharab",
}

// marathiRomanKeywords separate Marathi from Hindi when the script alone
// (both Devanagari) cannot.
var marathiRomanKeywords = []string{
	"kasa", "kay", "ahe", "tumhi", "mala", "pahije", "nako", "ho",
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CallStatus is the carrier-facing lifecycle of a call. Transitions are
// monotonic in rank; the five terminal statuses share the top rank and no
// transition leaves them.
type CallStatus string

const (
	StatusInit       CallStatus = "INIT"
	StatusDialing    CallStatus = "DIALING"
	StatusRinging    CallStatus = "RINGING"
	StatusAnswered   CallStatus = "ANSWERED"
	StatusInProgress CallStatus = "IN_PROGRESS"
	StatusCompleted  CallStatus = "COMPLETED"
	StatusFailed     CallStatus = "FAILED"
	StatusNoAnswer   CallStatus = "NO_ANSWER"
	StatusBusy       CallStatus = "BUSY"
	StatusVoicemail  CallStatus = "VOICEMAIL"
)

// statusRank orders the lifecycle for monotonic transitions. Re-delivered
// webhooks carrying an older status rank are ignored.
var statusRank = map[CallStatus]int{
	StatusInit:       0,
	StatusDialing:    1,
	StatusRinging:    2,
	StatusAnswered:   3,
	StatusInProgress: 4,
	StatusCompleted:  5,
	StatusFailed:     5,
	StatusNoAnswer:   5,
	StatusBusy:       5,
	StatusVoicemail:  5,
}

// IsTerminal reports whether the status admits no further transitions.
func (s CallStatus) IsTerminal() bool {
	return statusRank[s] == 5
}

// Rank returns the monotonic ordering rank of the status.
func (s CallStatus) Rank() int {
	return statusRank[s]
}

// Direction of a call relative to the platform.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Voicemail actions configured on an agent.
const (
	VoicemailHangUp       = "hang-up"
	VoicemailLeaveMessage = "leave-message"
	VoicemailTransfer     = "transfer"
)

// Agent start behaviors.
const (
	StartWaitForHuman = "waitForHuman"
	StartImmediately  = "startImmediately"
)

// VoiceProfile binds an agent to a synthesis voice and language.
type VoiceProfile struct {
	VoiceID      string `json:"voiceId" gorm:"column:voice_id;type:varchar(100);not null;default:''"`
	LanguageCode string `json:"languageCode" gorm:"column:language_code;type:varchar(20);not null;default:'en'"`
}

// SpeechSettings are the agent's delivery sliders. All values are clamped
// on write: speed to [0.75, 1.25], the rest to [0, 1].
type SpeechSettings struct {
	VoiceSpeed              float64 `json:"voiceSpeed" gorm:"column:voice_speed;not null;default:1"`
	// No column defaults on the [0,1] sliders: a clamped zero must round-trip
	// as zero, and gorm omits zero-valued fields that carry a default tag.
	InterruptionSensitivity float64 `json:"interruptionSensitivity" gorm:"column:interruption_sensitivity;not null"`
	Responsiveness          float64 `json:"responsiveness" gorm:"column:responsiveness;not null"`
	Emotion                 float64 `json:"emotion" gorm:"column:emotion;not null"`
	BackgroundNoise         string  `json:"backgroundNoise" gorm:"column:background_noise;type:varchar(20);not null;default:'quiet'"`
}

// CallLimits bound call duration and shape voicemail handling.
type CallLimits struct {
	MaxCallDurationSec int    `json:"maxCallDurationSec" gorm:"column:max_call_duration_sec;not null;default:600"`
	SilenceDetectionMs int    `json:"silenceDetectionMs" gorm:"column:silence_detection_ms;not null;default:800"`
	VoicemailDetection bool   `json:"voicemailDetection" gorm:"column:voicemail_detection;not null;default:false"`
	VoicemailAction    string `json:"voicemailAction" gorm:"column:voicemail_action;type:varchar(20);not null;default:'hang-up'"`
	VoicemailMessage   string `json:"voicemailMessage" gorm:"column:voicemail_message;type:text;not null;default:''"`
}

// AgentConfig is the immutable per-call agent definition.
type AgentConfig struct {
	ID              string         `json:"id" gorm:"column:id;type:varchar(36);primaryKey;<-:create"`
	Name            string         `json:"name" gorm:"column:name;type:varchar(200);not null"`
	Prompt          string         `json:"prompt" gorm:"column:prompt;type:text;not null;default:''"`
	WelcomeMessage  string         `json:"welcomeMessage" gorm:"column:welcome_message;type:text;not null;default:''"`
	Characteristics []string       `json:"characteristics" gorm:"column:characteristics;serializer:json"`
	VoiceProfile    VoiceProfile   `json:"voiceProfile" gorm:"embedded"`
	Speech          SpeechSettings `json:"speech" gorm:"embedded"`
	Limits          CallLimits     `json:"limits" gorm:"embedded"`
	StartBehavior   string         `json:"startBehavior" gorm:"column:start_behavior;type:varchar(30);not null;default:'waitForHuman'"`
	KnowledgeBase   []string       `json:"knowledgeBase" gorm:"column:knowledge_base;serializer:json"`
	CreatedDate     time.Time      `json:"createdDate" gorm:"column:created_date;type:timestamp;not null;<-:create"`
}

func (AgentConfig) TableName() string {
	return "agent_configs"
}

func (a *AgentConfig) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedDate.IsZero() {
		a.CreatedDate = time.Now()
	}
	a.clamp()
	return nil
}

func (a *AgentConfig) BeforeSave(tx *gorm.DB) error {
	a.clamp()
	return nil
}

func (a *AgentConfig) clamp() {
	a.Speech.VoiceSpeed = clamp(a.Speech.VoiceSpeed, 0.75, 1.25)
	a.Speech.InterruptionSensitivity = clamp(a.Speech.InterruptionSensitivity, 0, 1)
	a.Speech.Responsiveness = clamp(a.Speech.Responsiveness, 0, 1)
	a.Speech.Emotion = clamp(a.Speech.Emotion, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Provider kinds supported by the driver layer.
const (
	ProviderHostedCarrier = "HostedCarrier"
	ProviderTokenExchange = "TokenExchange"
	ProviderGeneric       = "Generic"
)

// ProviderConfig holds a user's carrier account. Credential values are
// stored encrypted as hex(iv):hex(ct) strings, one per field; they are
// decrypted only inside a provider driver.
type ProviderConfig struct {
	ID           string            `json:"id" gorm:"column:id;type:varchar(36);primaryKey;<-:create"`
	UserID       string            `json:"userId" gorm:"column:user_id;type:varchar(36);not null;index:idx_provider_user_kind"`
	Kind         string            `json:"kind" gorm:"column:kind;type:varchar(30);not null;index:idx_provider_user_kind"`
	Credentials  map[string]string `json:"-" gorm:"column:credentials;serializer:json"`
	CustomScript string            `json:"customScript" gorm:"column:custom_script;type:text;not null;default:''"`
	Active       bool              `json:"active" gorm:"column:active;not null;default:true"`
	CreatedDate  time.Time         `json:"createdDate" gorm:"column:created_date;type:timestamp;not null;<-:create"`
}

func (ProviderConfig) TableName() string {
	return "provider_configs"
}

func (p *ProviderConfig) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedDate.IsZero() {
		p.CreatedDate = time.Now()
	}
	return nil
}

// PhoneNumber is a leased DID. It belongs to one provider config and is
// assigned to at most one agent at a time; an agent holds at most one
// number, enforced at write time in AssignNumber.
type PhoneNumber struct {
	Number           string    `json:"number" gorm:"column:number;type:varchar(20);primaryKey"`
	ProviderConfigID string    `json:"providerConfigId" gorm:"column:provider_config_id;type:varchar(36);not null;index"`
	AgentID          *string   `json:"agentId" gorm:"column:agent_id;type:varchar(36);uniqueIndex"`
	CreatedDate      time.Time `json:"createdDate" gorm:"column:created_date;type:timestamp;not null;<-:create"`
}

func (PhoneNumber) TableName() string {
	return "phone_numbers"
}

func (n *PhoneNumber) BeforeCreate(tx *gorm.DB) error {
	if n.CreatedDate.IsZero() {
		n.CreatedDate = time.Now()
	}
	return nil
}

// CallMetrics aggregate per-call conversation quality counters.
type CallMetrics struct {
	Interruptions    int     `json:"interruptions" gorm:"column:interruptions;not null;default:0"`
	FillersPlayed    int     `json:"fillersPlayed" gorm:"column:fillers_played;not null;default:0"`
	AverageSentiment float64 `json:"averageSentiment" gorm:"column:average_sentiment;not null;default:0"`
	BottleneckStage  string  `json:"bottleneckStage" gorm:"column:bottleneck_stage;type:varchar(30);not null;default:''"`
}

// Call is the central entity: one row per call, owning its transcript turns
// and metrics exclusively.
type Call struct {
	ID             string      `json:"id" gorm:"column:id;type:varchar(36);primaryKey;<-:create"`
	AgentID        string      `json:"agentId" gorm:"column:agent_id;type:varchar(36);not null;index"`
	ProviderID     string      `json:"providerId" gorm:"column:provider_id;type:varchar(36);not null"`
	FromNumber     string      `json:"fromE164" gorm:"column:from_number;type:varchar(20);not null"`
	ToNumber       string      `json:"toE164" gorm:"column:to_number;type:varchar(20);not null"`
	Direction      string      `json:"direction" gorm:"column:direction;type:varchar(10);not null"`
	Status         CallStatus  `json:"status" gorm:"column:status;type:varchar(20);not null;default:'INIT'"`
	StartedAt      time.Time   `json:"startedAt" gorm:"column:started_at;type:timestamp;not null"`
	AnsweredAt     *time.Time  `json:"answeredAt" gorm:"column:answered_at;type:timestamp"`
	EndedAt        *time.Time  `json:"endedAt" gorm:"column:ended_at;type:timestamp"`
	DurationSec    int         `json:"durationSec" gorm:"column:duration_sec;not null;default:0"`
	ProviderCallID string      `json:"providerCallId" gorm:"column:provider_call_id;type:varchar(200);not null;default:'';index"`
	RecordingURL   string      `json:"recordingUrl" gorm:"column:recording_url;type:text;not null;default:''"`
	Outcome        string      `json:"outcome" gorm:"column:outcome;type:varchar(50);not null;default:''"`
	Metrics        CallMetrics `json:"metrics" gorm:"embedded"`
	Turns          []Turn      `json:"transcript" gorm:"foreignKey:CallID;references:ID"`
}

func (Call) TableName() string {
	return "calls"
}

func (c *Call) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = StatusInit
	}
	return nil
}

// Turn is one exchange in a call's transcript. Turn numbers are 1-based,
// strictly increasing, and written exactly once.
type Turn struct {
	ID               uint64    `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	CallID           string    `json:"-" gorm:"column:call_id;type:varchar(36);not null;index:idx_turn_call_number,unique"`
	TurnNumber       int       `json:"turnNumber" gorm:"column:turn_number;not null;index:idx_turn_call_number,unique"`
	UserText         string    `json:"userText" gorm:"column:user_text;type:text;not null;default:''"`
	AgentText        string    `json:"agentText" gorm:"column:agent_text;type:text;not null;default:''"`
	Stage            string    `json:"stage" gorm:"column:stage;type:varchar(20);not null;default:''"`
	Profile          string    `json:"profile" gorm:"column:profile;type:varchar(30);not null;default:''"`
	Objections       []string  `json:"objections" gorm:"column:objections;serializer:json"`
	AppliedPrinciple string    `json:"appliedPrinciple" gorm:"column:applied_principle;type:varchar(20);not null;default:''"`
	Language         string    `json:"language" gorm:"column:language;type:varchar(10);not null;default:''"`
	Sentiment        float64   `json:"sentiment" gorm:"column:sentiment;not null;default:0.5"`
	FillerClipID     string    `json:"fillerClipId" gorm:"column:filler_clip_id;type:varchar(100);not null;default:''"`
	Timestamp        time.Time `json:"timestamp" gorm:"column:timestamp;type:timestamp;not null"`
}

func (Turn) TableName() string {
	return "call_turns"
}

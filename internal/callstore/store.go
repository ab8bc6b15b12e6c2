// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/rapidaai/voice-core/pkg/commons"
)

// Store is the durable record of call lifecycle, transcripts and
// configuration. Webhooks from carriers arrive asynchronously and can be
// re-delivered or out of order, so status transitions are idempotent and
// monotonic: an older or repeated status is ignored, never an error.
type Store interface {
	// CreateCall inserts a new call row in INIT (or the given) status.
	CreateCall(ctx context.Context, call *Call) error

	// GetCall fetches a call with its transcript turns ordered by number.
	GetCall(ctx context.Context, callID string) (*Call, error)

	// GetCallByProviderCallID resolves a call from the carrier's own id,
	// as carried in status webhooks.
	GetCallByProviderCallID(ctx context.Context, providerCallID string) (*Call, error)

	// SetProviderCallID patches the carrier call id after dialing.
	SetProviderCallID(ctx context.Context, callID, providerCallID string) error

	// TransitionStatus advances a call's status. Transitions that do not
	// increase the status rank are ignored; applying the same transition
	// twice equals applying it once. Terminal statuses never change.
	TransitionStatus(ctx context.Context, callID string, status CallStatus, at time.Time) error

	// AppendTurn appends the next transcript turn. A zero TurnNumber is
	// assigned automatically; an explicit one must be exactly last+1.
	AppendTurn(ctx context.Context, callID string, turn *Turn) error

	// FinalizeCall writes the terminal bookkeeping: outcome, metrics,
	// duration and end time.
	FinalizeCall(ctx context.Context, callID string, outcome string, metrics CallMetrics, endedAt time.Time) error

	// AttachRecording stores the recording URL delivered by the carrier's
	// recording-status webhook.
	AttachRecording(ctx context.Context, callID, url string) error

	// Configuration lookups used by the signaling layer.
	GetAgent(ctx context.Context, agentID string) (*AgentConfig, error)
	SaveAgent(ctx context.Context, agent *AgentConfig) error
	GetProviderConfig(ctx context.Context, providerID string) (*ProviderConfig, error)
	GetActiveProviderConfig(ctx context.Context, userID, kind string) (*ProviderConfig, error)
	SaveProviderConfig(ctx context.Context, cfg *ProviderConfig) error

	// AssignNumber binds a DID to an agent, enforcing at write time that
	// the agent holds at most one number and the number one agent.
	AssignNumber(ctx context.Context, number, agentID string) error
	GetNumberForAgent(ctx context.Context, agentID string) (*PhoneNumber, error)
	SaveNumber(ctx context.Context, number *PhoneNumber) error
}

type gormStore struct {
	db     *gorm.DB
	logger commons.Logger
}

// NewStore creates a gorm-backed call store and migrates its schema.
func NewStore(db *gorm.DB, logger commons.Logger) (Store, error) {
	if err := db.AutoMigrate(&AgentConfig{}, &ProviderConfig{}, &PhoneNumber{}, &Call{}, &Turn{}); err != nil {
		return nil, fmt.Errorf("failed to migrate call store schema: %w", err)
	}
	return &gormStore{db: db, logger: logger}, nil
}

func (s *gormStore) write(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *gormStore) CreateCall(ctx context.Context, call *Call) error {
	if err := s.write(ctx).Create(call).Error; err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	s.logger.Infow("call created",
		"callId", call.ID, "agent", call.AgentID, "direction", call.Direction, "to", call.ToNumber)
	return nil
}

func (s *gormStore) GetCall(ctx context.Context, callID string) (*Call, error) {
	var call Call
	err := s.db.WithContext(ctx).
		Preload("Turns", func(db *gorm.DB) *gorm.DB { return db.Order("turn_number ASC") }).
		Where("id = ?", callID).
		First(&call).Error
	if err != nil {
		return nil, fmt.Errorf("call not found: %s: %w", callID, err)
	}
	return &call, nil
}

func (s *gormStore) GetCallByProviderCallID(ctx context.Context, providerCallID string) (*Call, error) {
	var call Call
	err := s.db.WithContext(ctx).
		Where("provider_call_id = ?", providerCallID).
		First(&call).Error
	if err != nil {
		return nil, fmt.Errorf("call not found for provider call id %s: %w", providerCallID, err)
	}
	return &call, nil
}

func (s *gormStore) SetProviderCallID(ctx context.Context, callID, providerCallID string) error {
	result := s.write(ctx).Model(&Call{}).
		Where("id = ?", callID).
		Update("provider_call_id", providerCallID)
	if result.Error != nil {
		return fmt.Errorf("failed to set provider call id on %s: %w", callID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("call not found: %s", callID)
	}
	return nil
}

// TransitionStatus applies a monotonic status advance with an atomic
// conditional update, the same way the provider-callback race is handled
// everywhere else: only rows whose current rank is below the new rank move.
func (s *gormStore) TransitionStatus(ctx context.Context, callID string, status CallStatus, at time.Time) error {
	rank, ok := statusRank[status]
	if !ok {
		return fmt.Errorf("unknown call status %q", status)
	}

	var below []CallStatus
	for st, r := range statusRank {
		if r < rank {
			below = append(below, st)
		}
	}

	updates := map[string]interface{}{"status": status}
	if status == StatusAnswered || status == StatusInProgress {
		updates["answered_at"] = gorm.Expr("COALESCE(answered_at, ?)", at)
	}
	if status.IsTerminal() {
		updates["ended_at"] = gorm.Expr("COALESCE(ended_at, ?)", at)
	}

	result := s.write(ctx).Model(&Call{}).
		Where("id = ? AND status IN ?", callID, below).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to transition call %s to %s: %w", callID, status, result.Error)
	}
	if result.RowsAffected == 0 {
		// Stale or repeated webhook; deliberately not an error.
		s.logger.Debugw("ignored non-advancing status transition", "callId", callID, "status", string(status))
	}
	return nil
}

func (s *gormStore) AppendTurn(ctx context.Context, callID string, turn *Turn) error {
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		row := tx.Model(&Turn{}).
			Where("call_id = ?", callID).
			Select("COALESCE(MAX(turn_number), 0)").
			Row()
		if err := row.Scan(&last); err != nil {
			return err
		}

		if turn.TurnNumber == 0 {
			turn.TurnNumber = last + 1
		} else if turn.TurnNumber != last+1 {
			return fmt.Errorf("turn number %d out of order, expected %d", turn.TurnNumber, last+1)
		}
		turn.CallID = callID
		if turn.Timestamp.IsZero() {
			turn.Timestamp = time.Now()
		}
		return tx.Create(turn).Error
	})
	if err != nil {
		return fmt.Errorf("failed to append turn to call %s: %w", callID, err)
	}
	return nil
}

func (s *gormStore) FinalizeCall(ctx context.Context, callID string, outcome string, metrics CallMetrics, endedAt time.Time) error {
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		var call Call
		if err := tx.Where("id = ?", callID).First(&call).Error; err != nil {
			return err
		}

		duration := 0
		if call.AnsweredAt != nil {
			duration = int(endedAt.Sub(*call.AnsweredAt).Seconds())
		} else {
			duration = int(endedAt.Sub(call.StartedAt).Seconds())
		}
		if duration < 0 {
			duration = 0
		}

		return tx.Model(&Call{}).Where("id = ?", callID).Updates(map[string]interface{}{
			"outcome":           outcome,
			"duration_sec":      duration,
			"ended_at":          gorm.Expr("COALESCE(ended_at, ?)", endedAt),
			"interruptions":     metrics.Interruptions,
			"fillers_played":    metrics.FillersPlayed,
			"average_sentiment": metrics.AverageSentiment,
			"bottleneck_stage":  metrics.BottleneckStage,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to finalize call %s: %w", callID, err)
	}
	s.logger.Infow("call finalized", "callId", callID, "outcome", outcome)
	return nil
}

func (s *gormStore) AttachRecording(ctx context.Context, callID, url string) error {
	result := s.write(ctx).Model(&Call{}).
		Where("id = ?", callID).
		Update("recording_url", url)
	if result.Error != nil {
		return fmt.Errorf("failed to attach recording to call %s: %w", callID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("call not found: %s", callID)
	}
	return nil
}

func (s *gormStore) GetAgent(ctx context.Context, agentID string) (*AgentConfig, error) {
	var agent AgentConfig
	if err := s.db.WithContext(ctx).Where("id = ?", agentID).First(&agent).Error; err != nil {
		return nil, fmt.Errorf("agent not found: %s: %w", agentID, err)
	}
	return &agent, nil
}

func (s *gormStore) SaveAgent(ctx context.Context, agent *AgentConfig) error {
	if err := s.write(ctx).Save(agent).Error; err != nil {
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}
	return nil
}

func (s *gormStore) GetProviderConfig(ctx context.Context, providerID string) (*ProviderConfig, error) {
	var cfg ProviderConfig
	if err := s.db.WithContext(ctx).Where("id = ?", providerID).First(&cfg).Error; err != nil {
		return nil, fmt.Errorf("provider config not found: %s: %w", providerID, err)
	}
	return &cfg, nil
}

// GetActiveProviderConfig returns the user's single active config of the
// given kind. SaveProviderConfig keeps that cardinality.
func (s *gormStore) GetActiveProviderConfig(ctx context.Context, userID, kind string) (*ProviderConfig, error) {
	var cfg ProviderConfig
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND active = ?", userID, kind, true).
		First(&cfg).Error
	if err != nil {
		return nil, fmt.Errorf("no active %s provider for user %s: %w", kind, userID, err)
	}
	return &cfg, nil
}

// SaveProviderConfig persists the config, deactivating any other active
// config of the same kind for the same user.
func (s *gormStore) SaveProviderConfig(ctx context.Context, cfg *ProviderConfig) error {
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		if cfg.Active {
			if err := tx.Model(&ProviderConfig{}).
				Where("user_id = ? AND kind = ? AND id <> ?", cfg.UserID, cfg.Kind, cfg.ID).
				Update("active", false).Error; err != nil {
				return err
			}
		}
		return tx.Save(cfg).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save provider config: %w", err)
	}
	return nil
}

// AssignNumber rebinds a DID to an agent atomically: any number previously
// held by the agent is released first, so the one-number-per-agent and
// one-agent-per-number invariants hold at write time.
func (s *gormStore) AssignNumber(ctx context.Context, number, agentID string) error {
	err := s.write(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&PhoneNumber{}).
			Where("agent_id = ?", agentID).
			Update("agent_id", nil).Error; err != nil {
			return err
		}

		result := tx.Model(&PhoneNumber{}).
			Where("number = ? AND agent_id IS NULL", number).
			Update("agent_id", agentID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("number %s not found or already assigned", number)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to assign number %s to agent %s: %w", number, agentID, err)
	}
	return nil
}

func (s *gormStore) GetNumberForAgent(ctx context.Context, agentID string) (*PhoneNumber, error) {
	var number PhoneNumber
	if err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&number).Error; err != nil {
		return nil, fmt.Errorf("no number assigned to agent %s: %w", agentID, err)
	}
	return &number, nil
}

func (s *gormStore) SaveNumber(ctx context.Context, number *PhoneNumber) error {
	if err := s.write(ctx).Save(number).Error; err != nil {
		return fmt.Errorf("failed to save number %s: %w", number.Number, err)
	}
	return nil
}

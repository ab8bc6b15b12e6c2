// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
	"github.com/rapidaai/voice-core/pkg/commons"
	"github.com/rapidaai/voice-core/pkg/utils"
)

// DialResult is what a carrier returns from call initiation.
type DialResult struct {
	ProviderCallID string
	InitialStatus  internal_callstore.CallStatus
}

// CallState is a carrier's view of an in-flight or finished call.
type CallState struct {
	Status      internal_callstore.CallStatus
	DurationSec int
	StartedAt   *time.Time
	EndedAt     *time.Time
	AnsweredBy  string
}

// Driver is the carrier abstraction. One driver instance is built per call
// attempt from the user's decrypted credential bag; drivers hold no state
// beyond credentials and cached tokens and are safe for concurrent use.
type Driver interface {
	// InitiateCall dials an outbound call. The carrier fetches its answer
	// script from mediaCallbackURL and posts lifecycle webhooks to
	// statusCallbackURL.
	InitiateCall(ctx context.Context, to, from, mediaCallbackURL, statusCallbackURL string) (*DialResult, error)

	// GetStatus polls the carrier for the call's current state.
	GetStatus(ctx context.Context, providerCallID string) (*CallState, error)

	// EndCall hangs up. Returns false when the carrier offers no hangup
	// control and the call must end from our side of the media stream.
	EndCall(ctx context.Context, providerCallID string) (bool, error)

	// AnswerScript renders the carrier-specific payload that tells it to
	// open a media WebSocket at <publicWsBase>/media-stream/<callId>.
	AnswerScript(callID, publicWsBase string) ([]byte, error)

	// ValidateCredentials checks the credential bag against the live
	// carrier API without placing a call.
	ValidateCredentials(ctx context.Context) error
}

// Options carry per-call knobs that are not credentials.
type Options struct {
	// MachineDetection asks the carrier for answering-machine detection
	// where supported.
	MachineDetection bool
	// Record asks the carrier to record the call and deliver a
	// recording-status webhook.
	Record bool
	// CustomScript overrides the generated answer script for carriers
	// that accept one. {{callSid}} is substituted with the call id.
	CustomScript string
}

// NewDriver builds a driver of the given kind from a decrypted credential
// bag. The bag is decoded and validated before any network call; a bag
// missing required fields fails fast as AuthFailed.
func NewDriver(logger commons.Logger, kind string, credentials map[string]string, opts Options) (Driver, error) {
	var driver Driver
	var err error
	switch kind {
	case internal_callstore.ProviderHostedCarrier:
		driver, err = NewHostedDriver(logger, credentials, opts)
	case internal_callstore.ProviderTokenExchange:
		driver, err = NewTokenExchangeDriver(logger, credentials, opts)
	case internal_callstore.ProviderGeneric:
		driver, err = NewGenericDriver(logger, credentials, opts)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return &retryingDriver{Driver: driver, logger: logger}, nil
}

var credentialValidator = validator.New()

// decodeCredentials maps a decrypted bag onto a typed credentials struct and
// validates its required fields.
func decodeCredentials(bag map[string]string, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build credential decoder: %w", err)
	}
	if err := decoder.Decode(bag); err != nil {
		return newProviderError(KindAuthFailed, 0, "malformed credential bag", err)
	}
	if err := credentialValidator.Struct(out); err != nil {
		return newProviderError(KindAuthFailed, 0, fmt.Sprintf("incomplete credentials: %v", err), err)
	}
	return nil
}

// retryingDriver retries InitiateCall on transient failures with backoff
// (200 ms then 1 s, two retries). All other operations pass through.
type retryingDriver struct {
	Driver
	logger commons.Logger
}

func (d *retryingDriver) InitiateCall(ctx context.Context, to, from, mediaCallbackURL, statusCallbackURL string) (*DialResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.Multiplier = 5
	policy.MaxInterval = time.Second
	policy.RandomizationFactor = 0

	var result *DialResult
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		result, err = d.Driver.InitiateCall(ctx, to, from, mediaCallbackURL, statusCallbackURL)
		if err == nil {
			return nil
		}
		pe := Classify(err)
		if !pe.Transient() {
			return backoff.Permanent(pe)
		}
		d.logger.Warnw("transient dial failure, retrying", "attempt", attempt, "kind", string(pe.Kind), "error", pe.Message)
		return pe
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// jsonAnswerActions is the JSON answer-script shape shared by the
// TokenExchange and Generic carriers.
type jsonAnswerActions struct {
	Actions []jsonAnswerAction `json:"actions"`
}

type jsonAnswerAction struct {
	Type       string            `json:"type"`
	URL        string            `json:"url"`
	Parameters map[string]string `json:"parameters"`
}

// renderJSONAnswerScript produces either the standard connect_websocket
// action list or, when customScript is set, the user's template with
// {{callSid}} substituted.
func renderJSONAnswerScript(callID, publicWsBase, customScript string) ([]byte, error) {
	if customScript != "" {
		return []byte(strings.ReplaceAll(customScript, "{{callSid}}", callID)), nil
	}
	script := jsonAnswerActions{
		Actions: []jsonAnswerAction{{
			Type:       "connect_websocket",
			URL:        fmt.Sprintf("%s/media-stream/%s", strings.TrimRight(publicWsBase, "/"), callID),
			Parameters: map[string]string{"callSid": callID},
		}},
	}
	payload, err := json.Marshal(script)
	if err != nil {
		return nil, fmt.Errorf("failed to render answer script: %w", err)
	}
	return payload, nil
}

// normalizeDialedNumber strips non-digits and prepends the 91 country code
// to bare 10-digit national numbers.
func normalizeDialedNumber(number string) string {
	digits := utils.DigitsOnly(number)
	if len(digits) == 10 {
		return "91" + digits
	}
	return digits
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
	"github.com/rapidaai/voice-core/pkg/commons"
)

// HostedCredentials is the credential bag of a hosted carrier account.
type HostedCredentials struct {
	AccountID string `mapstructure:"accountId" validate:"required"`
	AuthToken string `mapstructure:"authToken" validate:"required"`
}

// hostedDriver drives a hosted carrier (Twilio) through its REST API. It is
// the only variant with server-side status polling, hangup, answering
// machine detection and recording callbacks.
type hostedDriver struct {
	logger commons.Logger
	client *twilio.RestClient
	creds  HostedCredentials
	opts   Options
}

// NewHostedDriver builds the hosted carrier driver from a decrypted bag.
func NewHostedDriver(logger commons.Logger, credentials map[string]string, opts Options) (Driver, error) {
	var creds HostedCredentials
	if err := decodeCredentials(credentials, &creds); err != nil {
		return nil, err
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: creds.AccountID,
		Password: creds.AuthToken,
	})
	return &hostedDriver{logger: logger, client: client, creds: creds, opts: opts}, nil
}

func (d *hostedDriver) InitiateCall(ctx context.Context, to, from, mediaCallbackURL, statusCallbackURL string) (*DialResult, error) {
	params := &twilioapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(mediaCallbackURL)
	params.SetStatusCallback(statusCallbackURL)
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	if d.opts.MachineDetection {
		params.SetMachineDetection("Enable")
	}
	if d.opts.Record {
		params.SetRecord(true)
		params.SetRecordingStatusCallback(statusCallbackURL)
	}

	call, err := d.client.Api.CreateCall(params)
	if err != nil {
		return nil, d.classify(err, "failed to initiate call")
	}
	if call.Sid == nil {
		return nil, newProviderError(KindUnknown, 0, "carrier returned no call sid", nil)
	}

	d.logger.Infow("hosted call initiated", "providerCallId", *call.Sid, "to", to)
	return &DialResult{
		ProviderCallID: *call.Sid,
		InitialStatus:  hostedStatus(strValue(call.Status)),
	}, nil
}

func (d *hostedDriver) GetStatus(ctx context.Context, providerCallID string) (*CallState, error) {
	call, err := d.client.Api.FetchCall(providerCallID, &twilioapi.FetchCallParams{})
	if err != nil {
		return nil, d.classify(err, "failed to fetch call status")
	}

	state := &CallState{
		Status:     hostedStatus(strValue(call.Status)),
		AnsweredBy: strValue(call.AnsweredBy),
	}
	if call.Duration != nil {
		if sec, err := strconv.Atoi(*call.Duration); err == nil {
			state.DurationSec = sec
		}
	}
	if t := parseCarrierTime(call.StartTime); t != nil {
		state.StartedAt = t
	}
	if t := parseCarrierTime(call.EndTime); t != nil {
		state.EndedAt = t
	}
	return state, nil
}

func (d *hostedDriver) EndCall(ctx context.Context, providerCallID string) (bool, error) {
	params := &twilioapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := d.client.Api.UpdateCall(providerCallID, params); err != nil {
		return false, d.classify(err, "failed to end call")
	}
	return true, nil
}

// AnswerScript renders the carrier's XML connect-stream instruction. The
// carrier substitutes nothing; the callId is baked into the URL and echoed
// back as a stream parameter.
func (d *hostedDriver) AnswerScript(callID, publicWsBase string) ([]byte, error) {
	streamURL := fmt.Sprintf("%s/media-stream/%s", strings.TrimRight(publicWsBase, "/"), callID)
	script := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?>`+
			`<Response><Connect><Stream url="%s">`+
			`<Parameter name="callSid" value="%s"/>`+
			`</Stream></Connect></Response>`,
		streamURL, callID)
	return []byte(script), nil
}

func (d *hostedDriver) ValidateCredentials(ctx context.Context) error {
	if _, err := d.client.Api.FetchAccount(d.creds.AccountID); err != nil {
		return d.classify(err, "credential validation failed")
	}
	return nil
}

// classify maps the carrier's REST errors onto the shared kinds. The
// numeric codes are the carrier's documented ones.
func (d *hostedDriver) classify(err error, message string) *ProviderError {
	var rest *twilioclient.TwilioRestError
	if errors.As(err, &rest) {
		kind := KindUnknown
		switch rest.Code {
		case 20003:
			kind = KindAuthFailed
		case 21211, 21217:
			kind = KindInvalidTo
		case 21212, 21213:
			kind = KindInvalidFrom
		case 21210, 21606:
			kind = KindNumberNotVerified
		case 20005, 21215:
			kind = KindBillingBlocked
		case 20429:
			kind = KindRateLimited
		default:
			kind = classifyHTTPStatus(rest.Status)
		}
		return newProviderError(kind, rest.Code, fmt.Sprintf("%s: %s", message, rest.Message), err)
	}
	return newProviderError(KindNetworkError, 0, fmt.Sprintf("%s: %v", message, err), err)
}

// hostedStatus maps the carrier's status vocabulary onto ours.
func hostedStatus(status string) internal_callstore.CallStatus {
	switch status {
	case "queued", "initiated":
		return internal_callstore.StatusDialing
	case "ringing":
		return internal_callstore.StatusRinging
	case "answered":
		return internal_callstore.StatusAnswered
	case "in-progress":
		return internal_callstore.StatusInProgress
	case "completed":
		return internal_callstore.StatusCompleted
	case "busy":
		return internal_callstore.StatusBusy
	case "no-answer":
		return internal_callstore.StatusNoAnswer
	case "failed", "canceled":
		return internal_callstore.StatusFailed
	default:
		return internal_callstore.StatusDialing
	}
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseCarrierTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC3339} {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t
		}
	}
	return nil
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
	"github.com/rapidaai/voice-core/pkg/commons"
)

// GenericCredentials is the credential bag of a bring-your-own-carrier
// endpoint: any HTTP service that accepts a dial request. Headers is a JSON
// object of extra headers, stored as a string like every other bag field.
type GenericCredentials struct {
	EndpointURL string `mapstructure:"endpointUrl" validate:"required,url"`
	HTTPMethod  string `mapstructure:"httpMethod"`
	APIKey      string `mapstructure:"apiKey" validate:"required"`
	SecretKey   string `mapstructure:"secretKey" validate:"required"`
	Headers     string `mapstructure:"headers"`
}

// genericDriver posts signed dial requests to a user-supplied endpoint.
// The request body is HMAC-SHA256 signed with the secret key so the remote
// endpoint can verify origin.
type genericDriver struct {
	logger  commons.Logger
	http    *resty.Client
	creds   GenericCredentials
	headers map[string]string
	opts    Options
}

// NewGenericDriver builds the generic carrier driver from a decrypted bag.
func NewGenericDriver(logger commons.Logger, credentials map[string]string, opts Options) (Driver, error) {
	var creds GenericCredentials
	if err := decodeCredentials(credentials, &creds); err != nil {
		return nil, err
	}
	if creds.HTTPMethod == "" {
		creds.HTTPMethod = "POST"
	}
	creds.HTTPMethod = strings.ToUpper(creds.HTTPMethod)

	headers := map[string]string{}
	if creds.Headers != "" {
		if err := json.Unmarshal([]byte(creds.Headers), &headers); err != nil {
			return nil, newProviderError(KindAuthFailed, 0, "headers field is not a JSON object", err)
		}
	}

	client := resty.New().SetTimeout(10 * time.Second)
	return &genericDriver{logger: logger, http: client, creds: creds, headers: headers, opts: opts}, nil
}

type genericDialRequest struct {
	To             string `json:"to"`
	From           string `json:"from"`
	CallbackURL    string `json:"callback_url"`
	StatusCallback string `json:"status_callback"`
	CustomScript   string `json:"custom_script,omitempty"`
}

type genericDialResponse struct {
	CallID string `json:"call_id"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (d *genericDriver) InitiateCall(ctx context.Context, to, from, mediaCallbackURL, statusCallbackURL string) (*DialResult, error) {
	request := genericDialRequest{
		To:             to,
		From:           from,
		CallbackURL:    mediaCallbackURL,
		StatusCallback: statusCallbackURL,
		CustomScript:   d.opts.CustomScript,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dial request: %w", err)
	}

	var body genericDialResponse
	req := d.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Api-Key", d.creds.APIKey).
		SetHeader("X-Signature", d.sign(payload)).
		SetBody(payload).
		SetResult(&body).
		// The endpoint is user supplied; decode the body as JSON whatever
		// content type it declares.
		ForceContentType("application/json")
	for k, v := range d.headers {
		req.SetHeader(k, v)
	}

	resp, err := req.Execute(d.creds.HTTPMethod, d.creds.EndpointURL)
	if err != nil {
		return nil, newProviderError(KindNetworkError, 0, fmt.Sprintf("dial request failed: %v", err), err)
	}
	if resp.IsError() {
		kind := classifyHTTPStatus(resp.StatusCode())
		return nil, newProviderError(kind, resp.StatusCode(), fmt.Sprintf("dial returned %s", resp.Status()), nil)
	}

	providerCallID := body.CallID
	if providerCallID == "" {
		providerCallID = body.ID
	}
	if providerCallID == "" {
		return nil, newProviderError(KindUnknown, 0, "dial response carried no call id", nil)
	}

	d.logger.Infow("generic carrier call initiated", "providerCallId", providerCallID, "to", to)
	return &DialResult{
		ProviderCallID: providerCallID,
		InitialStatus:  internal_callstore.StatusDialing,
	}, nil
}

// sign produces the hex HMAC-SHA256 of the request body under the secret
// key.
func (d *genericDriver) sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(d.creds.SecretKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// GetStatus is webhook-driven; the generic contract defines no poll
// endpoint.
func (d *genericDriver) GetStatus(ctx context.Context, providerCallID string) (*CallState, error) {
	return nil, newProviderError(KindUnknown, 0, "carrier does not support status polling", nil)
}

func (d *genericDriver) EndCall(ctx context.Context, providerCallID string) (bool, error) {
	d.logger.Debugw("carrier has no hangup endpoint, ending via media stream", "providerCallId", providerCallID)
	return false, nil
}

func (d *genericDriver) AnswerScript(callID, publicWsBase string) ([]byte, error) {
	return renderJSONAnswerScript(callID, publicWsBase, d.opts.CustomScript)
}

// ValidateCredentials probes the endpoint with a GET and accepts any 2xx.
func (d *genericDriver) ValidateCredentials(ctx context.Context) error {
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("X-Api-Key", d.creds.APIKey).
		Get(d.creds.EndpointURL)
	if err != nil {
		return newProviderError(KindNetworkError, 0, fmt.Sprintf("endpoint probe failed: %v", err), err)
	}
	if resp.IsError() {
		kind := classifyHTTPStatus(resp.StatusCode())
		return newProviderError(kind, resp.StatusCode(), fmt.Sprintf("endpoint probe returned %s", resp.Status()), nil)
	}
	return nil
}

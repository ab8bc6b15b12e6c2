// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
	"github.com/rapidaai/voice-core/pkg/commons"
)

// TokenExchangeCredentials is the credential bag of a token-exchange
// carrier: a regional SIP trunk provider fronted by a token endpoint.
type TokenExchangeCredentials struct {
	TokenEndpoint string `mapstructure:"tokenEndpoint" validate:"required,url"`
	DialEndpoint  string `mapstructure:"dialEndpoint" validate:"required,url"`
	AccessToken   string `mapstructure:"accessToken" validate:"required"`
	AccessKey     string `mapstructure:"accessKey" validate:"required"`
	AppID         string `mapstructure:"appId" validate:"required"`
	Username      string `mapstructure:"username" validate:"required"`
	Password      string `mapstructure:"password" validate:"required"`
}

// tokenExchangeDriver dials through a two-step carrier: fetch a short-lived
// api token, then POST the dial request under it. The token is cached until
// its expiry under a mutex so concurrent dials share one fetch.
type tokenExchangeDriver struct {
	logger commons.Logger
	http   *resty.Client
	creds  TokenExchangeCredentials
	opts   Options

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewTokenExchangeDriver builds the token-exchange driver from a decrypted
// bag.
func NewTokenExchangeDriver(logger commons.Logger, credentials map[string]string, opts Options) (Driver, error) {
	var creds TokenExchangeCredentials
	if err := decodeCredentials(credentials, &creds); err != nil {
		return nil, err
	}
	client := resty.New().SetTimeout(10 * time.Second)
	return &tokenExchangeDriver{logger: logger, http: client, creds: creds, opts: opts}, nil
}

type tokenResponse struct {
	Status     string `json:"status"`
	APIToken   string `json:"Apitoken"`
	ExpiryTime string `json:"expiry_time"`
}

// apiToken returns a cached bearer or fetches a fresh one. A 30 s skew
// margin keeps us from dialing with a token about to expire mid-request.
func (d *tokenExchangeDriver) apiToken(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.token != "" && time.Now().Add(30*time.Second).Before(d.tokenExpiry) {
		return d.token, nil
	}

	var body tokenResponse
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("Accesstoken", d.creds.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetBasicAuth(d.creds.Username, d.creds.Password).
		SetBody(map[string]string{"access_key": d.creds.AccessKey}).
		SetResult(&body).
		// Some gateways answer JSON with a text content type; decode anyway.
		ForceContentType("application/json").
		Post(d.creds.TokenEndpoint)
	if err != nil {
		return "", newProviderError(KindNetworkError, 0, fmt.Sprintf("token fetch failed: %v", err), err)
	}
	if resp.IsError() {
		kind := classifyHTTPStatus(resp.StatusCode())
		return "", newProviderError(kind, resp.StatusCode(), fmt.Sprintf("token fetch returned %s", resp.Status()), nil)
	}
	if body.Status != "success" || body.APIToken == "" {
		return "", newProviderError(KindAuthFailed, 0, fmt.Sprintf("token fetch rejected with status %q", body.Status), nil)
	}

	d.token = body.APIToken
	d.tokenExpiry = tokenExpiry(body)
	d.logger.Debugw("carrier api token refreshed", "expiry", d.tokenExpiry)
	return d.token, nil
}

// tokenExpiry prefers the carrier's expiry_time field and falls back to the
// token's own exp claim; with neither the token lives five minutes.
func tokenExpiry(body tokenResponse) time.Time {
	if body.ExpiryTime != "" {
		if t, err := time.Parse(time.RFC3339, body.ExpiryTime); err == nil {
			return t
		}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(body.APIToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(5 * time.Minute)
}

type dialCustomField struct {
	CallbackURL    string `json:"callback_url"`
	StatusCallback string `json:"status_callback"`
	RecordID       string `json:"record_id"`
}

type dialRequest struct {
	AppID       int             `json:"appid"`
	CallTo      string          `json:"call_to"`
	CallerID    string          `json:"caller_id"`
	CustomField dialCustomField `json:"custom_field"`
}

type dialResponse struct {
	Status  string `json:"status"`
	CallID  string `json:"call_id"`
	ID      string `json:"id"`
	CallID2 string `json:"Callid"`
}

func (r dialResponse) providerCallID() string {
	switch {
	case r.CallID != "":
		return r.CallID
	case r.ID != "":
		return r.ID
	default:
		return r.CallID2
	}
}

func (d *tokenExchangeDriver) InitiateCall(ctx context.Context, to, from, mediaCallbackURL, statusCallbackURL string) (*DialResult, error) {
	token, err := d.apiToken(ctx)
	if err != nil {
		return nil, err
	}

	appID, err := strconv.Atoi(d.creds.AppID)
	if err != nil {
		return nil, newProviderError(KindAuthFailed, 0, fmt.Sprintf("appId %q is not numeric", d.creds.AppID), err)
	}

	request := dialRequest{
		AppID:    appID,
		CallTo:   normalizeDialedNumber(to),
		CallerID: normalizeDialedNumber(from),
		CustomField: dialCustomField{
			CallbackURL:    mediaCallbackURL,
			StatusCallback: statusCallbackURL,
			RecordID:       fmt.Sprintf("call_%d", time.Now().UnixMilli()),
		},
	}

	var body dialResponse
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("Apitoken", token).
		SetHeader("Content-Type", "application/json").
		SetBody(request).
		SetResult(&body).
		ForceContentType("application/json").
		Post(d.creds.DialEndpoint)
	if err != nil {
		return nil, newProviderError(KindNetworkError, 0, fmt.Sprintf("dial request failed: %v", err), err)
	}
	if resp.IsError() {
		kind := classifyHTTPStatus(resp.StatusCode())
		if resp.StatusCode() == 401 {
			// An expired token mid-flight; drop the cache so the retry
			// path fetches a fresh one.
			d.mu.Lock()
			d.token = ""
			d.mu.Unlock()
		}
		return nil, newProviderError(kind, resp.StatusCode(), fmt.Sprintf("dial returned %s", resp.Status()), nil)
	}
	if body.Status != "success" {
		return nil, newProviderError(KindUnknown, 0, fmt.Sprintf("dial rejected with status %q", body.Status), nil)
	}
	providerCallID := body.providerCallID()
	if providerCallID == "" {
		return nil, newProviderError(KindUnknown, 0, "dial response carried no call id", nil)
	}

	d.logger.Infow("token-exchange call initiated", "providerCallId", providerCallID, "to", request.CallTo)
	return &DialResult{
		ProviderCallID: providerCallID,
		InitialStatus:  internal_callstore.StatusDialing,
	}, nil
}

// GetStatus is webhook-driven for this carrier; there is no poll endpoint.
func (d *tokenExchangeDriver) GetStatus(ctx context.Context, providerCallID string) (*CallState, error) {
	return nil, newProviderError(KindUnknown, 0, "carrier does not support status polling", nil)
}

// EndCall reports false: the carrier tears the call down when our side
// closes the media stream.
func (d *tokenExchangeDriver) EndCall(ctx context.Context, providerCallID string) (bool, error) {
	d.logger.Debugw("carrier has no hangup endpoint, ending via media stream", "providerCallId", providerCallID)
	return false, nil
}

func (d *tokenExchangeDriver) AnswerScript(callID, publicWsBase string) ([]byte, error) {
	return renderJSONAnswerScript(callID, publicWsBase, d.opts.CustomScript)
}

// ValidateCredentials succeeds when a token fetch does.
func (d *tokenExchangeDriver) ValidateCredentials(ctx context.Context) error {
	d.mu.Lock()
	d.token = ""
	d.mu.Unlock()
	_, err := d.apiToken(ctx)
	return err
}

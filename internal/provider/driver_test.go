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
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
	"github.com/rapidaai/voice-core/pkg/commons"
)

func TestNormalizeDialedNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+919820012345", "919820012345"},
		{"9820012345", "919820012345"},
		{"98200-12345", "919820012345"},
		{"+14155550100", "14155550100"},
		{"0229820012345", "0229820012345"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeDialedNumber(tt.in), tt.in)
	}
}

func TestNewDriver_UnknownKind(t *testing.T) {
	_, err := NewDriver(commons.NewNopLogger(), "Carrier-Pigeon", nil, Options{})
	assert.Error(t, err)
}

func TestNewDriver_MissingCredentialsClassifyAsAuthFailed(t *testing.T) {
	kinds := []string{
		internal_callstore.ProviderHostedCarrier,
		internal_callstore.ProviderTokenExchange,
		internal_callstore.ProviderGeneric,
	}
	for _, kind := range kinds {
		_, err := NewDriver(commons.NewNopLogger(), kind, map[string]string{}, Options{})
		require.Error(t, err, kind)
		assert.Equal(t, KindAuthFailed, Classify(err).Kind, kind)
	}
}

func TestHostedAnswerScript(t *testing.T) {
	d, err := NewHostedDriver(commons.NewNopLogger(), map[string]string{
		"accountId": "AC123",
		"authToken": "token",
	}, Options{})
	require.NoError(t, err)

	script, err := d.AnswerScript("call-42", "wss://voice.example.com/")
	require.NoError(t, err)

	s := string(script)
	assert.Contains(t, s, `<Stream url="wss://voice.example.com/media-stream/call-42">`)
	assert.Contains(t, s, `<Parameter name="callSid" value="call-42"/>`)
	assert.True(t, strings.HasSuffix(s, "</Response>"))
}

func TestRenderJSONAnswerScript(t *testing.T) {
	script, err := renderJSONAnswerScript("call-7", "wss://voice.example.com", "")
	require.NoError(t, err)

	var parsed jsonAnswerActions
	require.NoError(t, json.Unmarshal(script, &parsed))
	require.Len(t, parsed.Actions, 1)
	assert.Equal(t, "connect_websocket", parsed.Actions[0].Type)
	assert.Equal(t, "wss://voice.example.com/media-stream/call-7", parsed.Actions[0].URL)
	assert.Equal(t, "call-7", parsed.Actions[0].Parameters["callSid"])
}

func TestRenderJSONAnswerScript_CustomScript(t *testing.T) {
	script, err := renderJSONAnswerScript("call-7", "wss://ignored", `{"sid":"{{callSid}}","again":"{{callSid}}"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sid":"call-7","again":"call-7"}`, string(script))
}

func tokenExchangeCreds(tokenURL, dialURL string) map[string]string {
	return map[string]string{
		"tokenEndpoint": tokenURL,
		"dialEndpoint":  dialURL,
		"accessToken":   "at-1",
		"accessKey":     "ak-1",
		"appId":         "7001",
		"username":      "user",
		"password":      "pass",
	}
}

func TestTokenExchange_DialFlow(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		assert.Equal(t, "at-1", r.Header.Get("Accesstoken"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ak-1", body["access_key"])

		json.NewEncoder(w).Encode(map[string]string{
			"status":      "success",
			"Apitoken":    "jwt-token",
			"expiry_time": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/dial", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "jwt-token", r.Header.Get("Apitoken"))

		var body dialRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 7001, body.AppID)
		assert.Equal(t, "919820012345", body.CallTo)
		assert.Equal(t, "914422001100", body.CallerID)
		assert.Equal(t, "https://host/media-callback/c1", body.CustomField.CallbackURL)
		assert.True(t, strings.HasPrefix(body.CustomField.RecordID, "call_"))

		json.NewEncoder(w).Encode(map[string]string{"status": "success", "call_id": "px-900"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d, err := NewTokenExchangeDriver(commons.NewNopLogger(),
		tokenExchangeCreds(srv.URL+"/token", srv.URL+"/dial"), Options{})
	require.NoError(t, err)

	result, err := d.InitiateCall(context.Background(),
		"9820012345", "+914422001100", "https://host/media-callback/c1", "https://host/call-status")
	require.NoError(t, err)
	assert.Equal(t, "px-900", result.ProviderCallID)
	assert.Equal(t, internal_callstore.StatusDialing, result.InitialStatus)

	// Second dial reuses the cached token.
	_, err = d.InitiateCall(context.Background(),
		"9820012345", "+914422001100", "https://host/media-callback/c1", "https://host/call-status")
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestTokenExchange_AlternateCallIDFields(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
	}{
		{"id", map[string]string{"status": "success", "id": "px-1"}},
		{"Callid", map[string]string{"status": "success", "Callid": "px-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"status": "success", "Apitoken": "jwt"})
			})
			mux.HandleFunc("/dial", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.body)
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			d, err := NewTokenExchangeDriver(commons.NewNopLogger(),
				tokenExchangeCreds(srv.URL+"/token", srv.URL+"/dial"), Options{})
			require.NoError(t, err)

			result, err := d.InitiateCall(context.Background(), "9820012345", "9820012346", "https://m", "https://s")
			require.NoError(t, err)
			assert.Equal(t, "px-1", result.ProviderCallID)
		})
	}
}

func TestTokenExchange_TokenRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "failure"})
	}))
	defer srv.Close()

	d, err := NewTokenExchangeDriver(commons.NewNopLogger(),
		tokenExchangeCreds(srv.URL, srv.URL), Options{})
	require.NoError(t, err)

	err = d.ValidateCredentials(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindAuthFailed, Classify(err).Kind)
}

func TestTokenExchange_ExpiryFromJWTClaim(t *testing.T) {
	// header {"alg":"none"} . claims {"exp": far future} . empty sig
	exp := time.Now().Add(2 * time.Hour).Unix()
	token := noneJWT(t, map[string]interface{}{"exp": exp})

	got := tokenExpiry(tokenResponse{APIToken: token})
	assert.WithinDuration(t, time.Unix(exp, 0), got, time.Second)

	// Without exp the fallback lifetime applies.
	got = tokenExpiry(tokenResponse{APIToken: "not-a-jwt"})
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), got, 10*time.Second)
}

func noneJWT(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	enc := func(v interface{}) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	return enc(map[string]string{"alg": "none", "typ": "JWT"}) + "." + enc(claims) + "."
}

func TestGeneric_DialSignsBody(t *testing.T) {
	var received struct {
		signature string
		body      []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.signature = r.Header.Get("X-Signature")
		received.body, _ = io.ReadAll(r.Body)
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "on", r.Header.Get("X-Extra"))
		json.NewEncoder(w).Encode(map[string]string{"status": "queued", "call_id": "g-55"})
	}))
	defer srv.Close()

	d, err := NewGenericDriver(commons.NewNopLogger(), map[string]string{
		"endpointUrl": srv.URL,
		"apiKey":      "key-1",
		"secretKey":   "secret-1",
		"headers":     `{"X-Extra":"on"}`,
	}, Options{})
	require.NoError(t, err)

	result, err := d.InitiateCall(context.Background(),
		"+919820012345", "+914422001100", "https://m", "https://s")
	require.NoError(t, err)
	assert.Equal(t, "g-55", result.ProviderCallID)

	mac := hmac.New(sha256.New, []byte("secret-1"))
	mac.Write(received.body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), received.signature)

	var body genericDialRequest
	require.NoError(t, json.Unmarshal(received.body, &body))
	assert.Equal(t, "+919820012345", body.To)
	assert.Equal(t, "+914422001100", body.From)
}

func TestGeneric_ValidateCredentials(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	d, err := NewGenericDriver(commons.NewNopLogger(), map[string]string{
		"endpointUrl": srv.URL,
		"apiKey":      "k",
		"secretKey":   "s",
	}, Options{})
	require.NoError(t, err)

	assert.NoError(t, d.ValidateCredentials(context.Background()))

	status.Store(http.StatusUnauthorized)
	err = d.ValidateCredentials(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindAuthFailed, Classify(err).Kind)
}

// fakeDriver scripts failures for the retry decorator tests.
type fakeDriver struct {
	failures []error
	calls    int
}

func (f *fakeDriver) InitiateCall(ctx context.Context, to, from, mediaCallbackURL, statusCallbackURL string) (*DialResult, error) {
	f.calls++
	if f.calls <= len(f.failures) {
		return nil, f.failures[f.calls-1]
	}
	return &DialResult{ProviderCallID: "ok", InitialStatus: internal_callstore.StatusDialing}, nil
}

func (f *fakeDriver) GetStatus(ctx context.Context, providerCallID string) (*CallState, error) {
	return nil, errors.New("unused")
}
func (f *fakeDriver) EndCall(ctx context.Context, providerCallID string) (bool, error) {
	return false, nil
}
func (f *fakeDriver) AnswerScript(callID, publicWsBase string) ([]byte, error) { return nil, nil }
func (f *fakeDriver) ValidateCredentials(ctx context.Context) error           { return nil }

func TestRetryingDriver_RetriesTransientOnly(t *testing.T) {
	fake := &fakeDriver{failures: []error{
		newProviderError(KindTimeout, 0, "deadline", nil),
		newProviderError(KindNetworkError, 503, "upstream", nil),
	}}
	d := &retryingDriver{Driver: fake, logger: commons.NewNopLogger()}

	result, err := d.InitiateCall(context.Background(), "+1", "+2", "m", "s")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.ProviderCallID)
	assert.Equal(t, 3, fake.calls)
}

func TestRetryingDriver_AuthFailureIsPermanent(t *testing.T) {
	fake := &fakeDriver{failures: []error{
		newProviderError(KindAuthFailed, 20003, "bad token", nil),
	}}
	d := &retryingDriver{Driver: fake, logger: commons.NewNopLogger()}

	_, err := d.InitiateCall(context.Background(), "+1", "+2", "m", "s")
	require.Error(t, err)
	assert.Equal(t, KindAuthFailed, Classify(err).Kind)
	assert.Equal(t, 1, fake.calls)
}

func TestRetryingDriver_GivesUpAfterTwoRetries(t *testing.T) {
	fake := &fakeDriver{failures: []error{
		newProviderError(KindTimeout, 0, "t1", nil),
		newProviderError(KindTimeout, 0, "t2", nil),
		newProviderError(KindTimeout, 0, "t3", nil),
	}}
	d := &retryingDriver{Driver: fake, logger: commons.NewNopLogger()}

	_, err := d.InitiateCall(context.Background(), "+1", "+2", "m", "s")
	require.Error(t, err)
	assert.Equal(t, KindTimeout, Classify(err).Kind)
	assert.Equal(t, 3, fake.calls)
}

func TestProviderError_Formatting(t *testing.T) {
	err := newProviderError(KindInvalidTo, 21211, "bad number", nil)
	assert.Equal(t, "InvalidTo (21211): bad number", err.Error())
	assert.False(t, err.Transient())

	err = newProviderError(KindNetworkError, 0, "reset", nil)
	assert.Equal(t, "NetworkError: reset", err.Error())
	assert.True(t, err.Transient())
}

func TestClassify_WrapsUnknown(t *testing.T) {
	pe := Classify(errors.New("mystery"))
	assert.Equal(t, KindUnknown, pe.Kind)

	wrapped := newProviderError(KindRateLimited, 429, "slow down", nil)
	assert.Same(t, wrapped, Classify(error(wrapped)))
}

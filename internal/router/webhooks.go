// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_router

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
)

// statusWebhook accepts both the hosted carrier's form encoding and the
// JSON the token-exchange and generic carriers post.
type statusWebhook struct {
	CallSid    string `form:"CallSid" json:"callSid"`
	CallStatus string `form:"CallStatus" json:"status"`
	AnsweredBy string `form:"AnsweredBy" json:"answeredBy"`
}

type recordingWebhook struct {
	CallSid      string `form:"CallSid" json:"callSid"`
	RecordingURL string `form:"RecordingUrl" json:"recordingUrl"`
}

// webhookStatus maps carrier status strings onto the call lifecycle.
var webhookStatus = map[string]internal_callstore.CallStatus{
	"queued":      internal_callstore.StatusDialing,
	"initiated":   internal_callstore.StatusDialing,
	"ringing":     internal_callstore.StatusRinging,
	"answered":    internal_callstore.StatusAnswered,
	"in-progress": internal_callstore.StatusInProgress,
	"completed":   internal_callstore.StatusCompleted,
	"busy":        internal_callstore.StatusBusy,
	"no-answer":   internal_callstore.StatusNoAnswer,
	"failed":      internal_callstore.StatusFailed,
	"canceled":    internal_callstore.StatusFailed,
}

// CallStatusWebhook applies a carrier lifecycle callback. Unknown payloads
// and unknown calls are acknowledged with a warning so carriers stop
// retrying them.
func (a *SignalingApi) CallStatusWebhook(c *gin.Context) {
	var hook statusWebhook
	if err := c.ShouldBind(&hook); err != nil || hook.CallSid == "" {
		a.logger.Warnw("ignoring unreadable status webhook", "error", err)
		c.Status(http.StatusOK)
		return
	}

	ctx := c.Request.Context()
	call, err := a.resolveCall(c, hook.CallSid)
	if err != nil {
		a.logger.Warnw("status webhook for unknown call", "callSid", hook.CallSid)
		c.Status(http.StatusOK)
		return
	}

	status, ok := webhookStatus[strings.ToLower(hook.CallStatus)]
	if !ok {
		a.logger.Warnw("ignoring unknown carrier status",
			"callId", call.ID, "status", hook.CallStatus)
		c.Status(http.StatusOK)
		return
	}
	if err := a.deps.Store.TransitionStatus(ctx, call.ID, status, time.Now()); err != nil {
		a.logger.Errorw("webhook status transition failed", "callId", call.ID, "error", err)
	}

	if strings.HasPrefix(strings.ToLower(hook.AnsweredBy), "machine") {
		if m := a.machine(call.ID); m != nil {
			m.AnsweredByMachine()
		}
	}
	c.Status(http.StatusOK)
}

// RecordingStatusWebhook attaches the carrier's recording URL to the call.
func (a *SignalingApi) RecordingStatusWebhook(c *gin.Context) {
	var hook recordingWebhook
	if err := c.ShouldBind(&hook); err != nil || hook.CallSid == "" || hook.RecordingURL == "" {
		a.logger.Warnw("ignoring unreadable recording webhook", "error", err)
		c.Status(http.StatusOK)
		return
	}

	call, err := a.resolveCall(c, hook.CallSid)
	if err != nil {
		a.logger.Warnw("recording webhook for unknown call", "callSid", hook.CallSid)
		c.Status(http.StatusOK)
		return
	}
	a.deps.Writer.AttachRecording(call.ID, hook.RecordingURL)
	c.Status(http.StatusOK)
}

// MediaCallback renders the provider's answer script. Hosted carriers fetch
// XML; the JSON carriers fetch an action list.
func (a *SignalingApi) MediaCallback(c *gin.Context) {
	callID := c.Param("callId")
	ctx := c.Request.Context()

	call, err := a.deps.Store.GetCall(ctx, callID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "CallNotFound"})
		return
	}
	providerCfg, err := a.deps.Store.GetProviderConfig(ctx, call.ProviderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "ProviderNotConfigured"})
		return
	}
	driver, err := a.driverFor(providerCfg, nil)
	if err != nil {
		a.logger.Errorw("answer script driver build failed", "callId", callID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ProviderError"})
		return
	}

	script, err := driver.AnswerScript(call.ID, a.deps.PublicWsBase)
	if err != nil {
		a.logger.Errorw("answer script render failed", "callId", callID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ProviderError"})
		return
	}

	contentType := "application/json"
	if len(script) > 0 && script[0] == '<' {
		contentType = "application/xml"
	}
	c.Data(http.StatusOK, contentType, script)
}

// resolveCall looks a webhook identifier up first as a provider call id,
// then as our own call id for carriers that echo it back.
func (a *SignalingApi) resolveCall(c *gin.Context, sid string) (*internal_callstore.Call, error) {
	ctx := c.Request.Context()
	call, err := a.deps.Store.GetCallByProviderCallID(ctx, sid)
	if err == nil {
		return call, nil
	}
	return a.deps.Store.GetCall(ctx, sid)
}

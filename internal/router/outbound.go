// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
	internal_provider "github.com/rapidaai/voice-core/internal/provider"
	"github.com/rapidaai/voice-core/pkg/utils"
)

type outboundCallRequest struct {
	AgentID string `json:"agentId" binding:"required"`
	ToPhone string `json:"toPhone" binding:"required"`
	LeadID  string `json:"leadId"`
}

type outboundCallResponse struct {
	CallID         string `json:"callId"`
	ProviderCallID string `json:"providerCallId"`
	Status         string `json:"status"`
}

// StartOutboundCall creates a Call, resolves the agent's number and active
// provider, and dials through the provider driver. Invalid numbers are
// rejected before any Call row exists.
func (a *SignalingApi) StartOutboundCall(c *gin.Context) {
	var req outboundCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": err.Error()})
		return
	}
	if !utils.IsE164(req.ToPhone) && len(utils.DigitsOnly(req.ToPhone)) < 10 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "InvalidTo", "message": "destination is not a dialable number"})
		return
	}

	ctx := c.Request.Context()
	agent, err := a.deps.Store.GetAgent(ctx, req.AgentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "AgentNotFound", "message": err.Error()})
		return
	}
	number, err := a.deps.Store.GetNumberForAgent(ctx, agent.ID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "NoNumberAssigned", "message": err.Error()})
		return
	}
	providerCfg, err := a.deps.Store.GetProviderConfig(ctx, number.ProviderConfigID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "ProviderNotConfigured", "message": err.Error()})
		return
	}

	driver, err := a.driverFor(providerCfg, agent)
	if err != nil {
		pe := internal_provider.Classify(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": pe.Kind, "message": pe.Message})
		return
	}

	call := &internal_callstore.Call{
		AgentID:    agent.ID,
		ProviderID: providerCfg.ID,
		FromNumber: number.Number,
		ToNumber:   req.ToPhone,
		Direction:  internal_callstore.DirectionOutbound,
		Status:     internal_callstore.StatusInit,
	}
	if err := a.deps.Store.CreateCall(ctx, call); err != nil {
		a.logger.Errorw("call create failed", "agentId", agent.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "StoreError"})
		return
	}

	mediaCallbackURL := a.deps.PublicBaseURL + "/media-callback/" + call.ID
	statusCallbackURL := a.deps.PublicBaseURL + "/call-status"

	dialCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	result, err := driver.InitiateCall(dialCtx, req.ToPhone, number.Number, mediaCallbackURL, statusCallbackURL)
	if err != nil {
		pe := internal_provider.Classify(err)
		a.logger.Errorw("outbound dial failed",
			"callId", call.ID, "kind", pe.Kind, "error", err)
		a.failCall(call.ID)
		c.JSON(dialFailureCode(pe.Kind), gin.H{
			"error":   pe.Kind,
			"message": pe.Message,
			"callId":  call.ID,
		})
		return
	}

	status := result.InitialStatus
	if status == "" {
		status = internal_callstore.StatusDialing
	}
	if err := a.deps.Store.SetProviderCallID(ctx, call.ID, result.ProviderCallID); err != nil {
		a.logger.Errorw("provider call id save failed", "callId", call.ID, "error", err)
	}
	if err := a.deps.Store.TransitionStatus(ctx, call.ID, status, time.Now()); err != nil {
		a.logger.Errorw("status transition failed", "callId", call.ID, "error", err)
	}

	a.logger.Infow("outbound call placed",
		"callId", call.ID, "providerCallId", result.ProviderCallID,
		"agentId", agent.ID, "leadId", req.LeadID)
	c.JSON(http.StatusOK, outboundCallResponse{
		CallID:         call.ID,
		ProviderCallID: result.ProviderCallID,
		Status:         string(status),
	})
}

// driverFor builds a provider driver from the stored encrypted config.
func (a *SignalingApi) driverFor(cfg *internal_callstore.ProviderConfig, agent *internal_callstore.AgentConfig) (internal_provider.Driver, error) {
	credentials, err := a.deps.Vault.DecryptMap(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	opts := internal_provider.Options{
		Record:       true,
		CustomScript: cfg.CustomScript,
	}
	if agent != nil {
		opts.MachineDetection = agent.Limits.VoicemailDetection
	}
	return internal_provider.NewDriver(a.logger, cfg.Kind, credentials, opts)
}

func (a *SignalingApi) failCall(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()
	if err := a.deps.Store.TransitionStatus(ctx, callID, internal_callstore.StatusFailed, time.Now()); err != nil {
		a.logger.Errorw("failed-status transition failed", "callId", callID, "error", err)
	}
}

func dialFailureCode(kind internal_provider.ErrorKind) int {
	switch kind {
	case internal_provider.KindInvalidTo, internal_provider.KindInvalidFrom:
		return http.StatusBadRequest
	case internal_provider.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_router

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	internal_vad "github.com/rapidaai/voice-core/internal/audio/vad"
	internal_callfsm "github.com/rapidaai/voice-core/internal/callfsm"
	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
	internal_hedge "github.com/rapidaai/voice-core/internal/hedge"
	internal_llm "github.com/rapidaai/voice-core/internal/llm"
	internal_vault "github.com/rapidaai/voice-core/internal/vault"
	"github.com/rapidaai/voice-core/pkg/commons"
)

const (
	providerCallTimeout = 8 * time.Second
	storeCallTimeout    = 2 * time.Second
)

// Deps wires the signaling surface to the rest of the service.
type Deps struct {
	Store       internal_callstore.Store
	Writer      *internal_callstore.AsyncWriter
	Vault       *internal_vault.Vault
	Hedge       *internal_hedge.Engine
	OpenSession internal_llm.Factory

	// NewDetector builds the per-call voice activity detector with the
	// agent-derived tuning; nil uses the machine's default energy detector.
	NewDetector func(cfg internal_vad.Config) internal_vad.Detector

	// Timers override the machine defaults, used by tests.
	Timers internal_callfsm.TimerConfig

	PublicBaseURL string
	PublicWsBase  string
}

// SignalingApi exposes outbound call initiation, carrier webhooks, answer
// scripts and the media WebSocket upgrade path. Active state machines are
// tracked per call id so webhooks can reach an in-flight call.
type SignalingApi struct {
	logger   commons.Logger
	deps     Deps
	upgrader websocket.Upgrader

	mu       sync.Mutex
	machines map[string]*internal_callfsm.Machine
}

func New(logger commons.Logger, deps Deps) *SignalingApi {
	return &SignalingApi{
		logger: logger,
		deps:   deps,
		upgrader: websocket.Upgrader{
			// Carriers connect from their own origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		machines: make(map[string]*internal_callfsm.Machine),
	}
}

// NewEngine builds a gin engine with the service middleware stack.
func NewEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	return engine
}

// Routes registers the signaling surface on the engine.
func (a *SignalingApi) Routes(engine *gin.Engine) {
	root := engine.Group("")
	{
		root.POST("/call/outbound", a.StartOutboundCall)
		root.POST("/call-status", a.CallStatusWebhook)
		root.POST("/recording-status", a.RecordingStatusWebhook)
		root.GET("/media-callback/:callId", a.MediaCallback)
		root.POST("/media-callback/:callId", a.MediaCallback)
		root.GET("/media-stream/:callId", a.MediaStream)
		root.GET("/healthz", a.Healthz)
	}
}

func (a *SignalingApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *SignalingApi) register(callID string, m *internal_callfsm.Machine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.machines[callID] = m
}

func (a *SignalingApi) unregister(callID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.machines, callID)
}

func (a *SignalingApi) machine(callID string) *internal_callfsm.Machine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.machines[callID]
}

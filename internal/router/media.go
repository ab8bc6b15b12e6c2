// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_router

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	internal_callfsm "github.com/rapidaai/voice-core/internal/callfsm"
	internal_mediabridge "github.com/rapidaai/voice-core/internal/mediabridge"
)

// deferredSink breaks the construction cycle between the machine (which
// needs its sink up front) and the bridge (which needs the machine as its
// handler). The bridge is bound before any audio can flow.
type deferredSink struct {
	mu   sync.Mutex
	sink internal_callfsm.AudioSink
}

func (d *deferredSink) bind(sink internal_callfsm.AudioSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

func (d *deferredSink) EnqueueAudio(pcm []int16) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink.EnqueueAudio(pcm)
	}
}

func (d *deferredSink) Clear() {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink.Clear()
	}
}

// MediaStream upgrades the carrier's media WebSocket and runs the call: a
// state machine plus a media bridge, both torn down when either side ends.
func (a *SignalingApi) MediaStream(c *gin.Context) {
	callID := c.Param("callId")
	ctx := c.Request.Context()

	call, err := a.deps.Store.GetCall(ctx, callID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "CallNotFound"})
		return
	}
	agent, err := a.deps.Store.GetAgent(ctx, call.AgentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "AgentNotFound"})
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Errorw("media socket upgrade failed", "callId", callID, "error", err)
		return
	}

	sink := &deferredSink{}
	deps := internal_callfsm.Deps{
		Logger:      a.logger,
		CallID:      call.ID,
		Agent:       agent,
		OpenSession: a.deps.OpenSession,
		Hedge:       a.deps.Hedge,
		Writer:      a.deps.Writer,
		Sink:        sink,
		Timers:      a.deps.Timers,
	}
	if a.deps.NewDetector != nil {
		deps.Detector = a.deps.NewDetector(internal_callfsm.DetectorConfig(agent))
	}
	machine := internal_callfsm.NewMachine(deps)
	bridge := internal_mediabridge.NewBridge(a.logger, conn, machine, call.ID)
	sink.bind(bridge)

	a.register(call.ID, machine)
	defer a.unregister(call.ID)

	a.logger.Infow("media stream attached", "callId", call.ID, "agentId", agent.ID)
	go machine.Run(ctx)
	if err := bridge.Run(ctx); err != nil {
		a.logger.Warnw("media stream closed with error", "callId", call.ID, "error", err)
	}
	<-machine.Done()
}

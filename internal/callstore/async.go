// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callstore

import (
	"context"
	"time"

	"github.com/rapidaai/voice-core/pkg/commons"
)

const (
	asyncQueueDepth = 256
	asyncAttempts   = 3
	asyncRetryDelay = 100 * time.Millisecond
)

// AsyncWriter runs store writes off the media path. A single worker drains
// a FIFO queue, so writes enqueued for the same call land in the order they
// were produced; AppendTurn ordering survives the hop. Failed writes are
// retried a few times, then logged and dropped rather than blocking audio.
type AsyncWriter struct {
	store  Store
	logger commons.Logger
	queue  chan func(ctx context.Context) error
	done   chan struct{}
}

// NewAsyncWriter starts the writer's worker goroutine.
func NewAsyncWriter(store Store, logger commons.Logger) *AsyncWriter {
	w := &AsyncWriter{
		store:  store,
		logger: logger,
		queue:  make(chan func(ctx context.Context) error, asyncQueueDepth),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for op := range w.queue {
		w.execute(op)
	}
}

func (w *AsyncWriter) execute(op func(ctx context.Context) error) {
	var err error
	for attempt := 1; attempt <= asyncAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = op(ctx)
		cancel()
		if err == nil {
			return
		}
		if attempt < asyncAttempts {
			time.Sleep(asyncRetryDelay)
		}
	}
	w.logger.Errorw("store write dropped after retries", "error", err)
}

// enqueue never blocks the caller. When the queue is full the write is
// dropped with an error log; losing one transcript row beats stalling the
// event loop that produced it.
func (w *AsyncWriter) enqueue(name string, op func(ctx context.Context) error) {
	select {
	case w.queue <- op:
	default:
		w.logger.Errorw("store write queue full, dropping write", "op", name)
	}
}

// TransitionStatus enqueues a monotonic status transition.
func (w *AsyncWriter) TransitionStatus(callID string, status CallStatus, at time.Time) {
	w.enqueue("transition-status", func(ctx context.Context) error {
		return w.store.TransitionStatus(ctx, callID, status, at)
	})
}

// AppendTurn enqueues a transcript turn. Turns for one call are written in
// enqueue order.
func (w *AsyncWriter) AppendTurn(callID string, turn *Turn) {
	w.enqueue("append-turn", func(ctx context.Context) error {
		return w.store.AppendTurn(ctx, callID, turn)
	})
}

// FinalizeCall enqueues the terminal bookkeeping write.
func (w *AsyncWriter) FinalizeCall(callID string, outcome string, metrics CallMetrics, endedAt time.Time) {
	w.enqueue("finalize-call", func(ctx context.Context) error {
		return w.store.FinalizeCall(ctx, callID, outcome, metrics, endedAt)
	})
}

// AttachRecording enqueues the recording URL write.
func (w *AsyncWriter) AttachRecording(callID, url string) {
	w.enqueue("attach-recording", func(ctx context.Context) error {
		return w.store.AttachRecording(ctx, callID, url)
	})
}

// Close drains all queued writes and stops the worker.
func (w *AsyncWriter) Close() {
	close(w.queue)
	<-w.done
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_mediabridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	internal_audio "github.com/rapidaai/voice-core/internal/audio"
	"github.com/rapidaai/voice-core/pkg/commons"
)

const (
	// maxOutboundFrames caps the outbound queue at 500 ms; beyond that the
	// oldest frame is dropped.
	maxOutboundFrames = 25
	// maxInboundFrames caps the inbound queue at 1 s; beyond that the
	// carrier is too slow and the socket is closed.
	maxInboundFrames = 50

	frameInterval = 20 * time.Millisecond
	markAgent     = "agent-spoke"

	writeTimeout = 5 * time.Second
)

// CallHandler is the per-call state machine as the bridge sees it.
type CallHandler interface {
	PushAudio(pcm []int16)
	MediaStarted()
	MediaStopped()
	Done() <-chan struct{}
}

// Bridge pumps one call's media between the carrier WebSocket and the
// conversation pipeline. Inbound µ-law is decoded and upsampled to 16 kHz
// for the handler; outbound 24 kHz model audio is downsampled, µ-law
// encoded and paced out in 20 ms frames with sequence numbers.
//
// It implements the state machine's AudioSink.
type Bridge struct {
	logger  commons.Logger
	conn    *websocket.Conn
	handler CallHandler
	callID  string

	inbound chan []byte

	mu            sync.Mutex
	outQueue      [][]byte
	pending       []byte
	streamSid     string
	droppedFrames int

	clearCh chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// NewBridge wraps an already-upgraded carrier socket.
func NewBridge(logger commons.Logger, conn *websocket.Conn, handler CallHandler, callID string) *Bridge {
	return &Bridge{
		logger:  logger,
		conn:    conn,
		handler: handler,
		callID:  callID,
		inbound: make(chan []byte, maxInboundFrames),
		clearCh: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// Run pumps media until the socket closes, the handler finishes, or the
// context is canceled. It always signals MediaStopped exactly once.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.readLoop(ctx) })
	g.Go(func() error { return b.processLoop(ctx) })
	g.Go(func() error { return b.writeLoop(ctx) })
	g.Go(func() error {
		select {
		case <-b.handler.Done():
			b.shutdown()
			return nil
		case <-b.closed:
			return nil
		case <-ctx.Done():
			return nil
		}
	})

	err := g.Wait()
	b.shutdown()
	b.handler.MediaStopped()
	if err != nil {
		b.logger.Infow("media bridge closed", "callId", b.callID, "reason", err.Error())
	}
	return err
}

func (b *Bridge) shutdown() {
	b.once.Do(func() {
		close(b.closed)
		b.conn.Close()
	})
}

// readLoop parses carrier frames and feeds media payloads to the bounded
// inbound queue.
func (b *Bridge) readLoop(ctx context.Context) error {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.closed:
				return nil
			default:
				return fmt.Errorf("carrier socket read failed: %w", err)
			}
		}

		frame, err := ParseFrame(data)
		if err != nil {
			// Unknown payloads are ignored, never fatal.
			b.logger.Warnw("ignoring unparseable carrier frame", "callId", b.callID, "error", err)
			continue
		}

		switch frame.Event {
		case EventConnected:
			b.logger.Debugw("carrier connected", "callId", b.callID)
		case EventStart:
			if frame.Start != nil {
				b.mu.Lock()
				b.streamSid = frame.Start.StreamSid
				b.mu.Unlock()
			}
			b.handler.MediaStarted()
		case EventMedia:
			if frame.Media == nil || frame.Media.Track != TrackInbound {
				continue
			}
			payload, err := frame.DecodePayload()
			if err != nil {
				b.logger.Warnw("dropping malformed media payload", "callId", b.callID, "error", err)
				continue
			}
			select {
			case b.inbound <- payload:
			default:
				return fmt.Errorf("carrier too slow: inbound queue exceeded %d frames", maxInboundFrames)
			}
		case EventMark:
			b.logger.Debugw("carrier mark", "callId", b.callID)
		case EventStop:
			// A nil return does not cancel the group; release the other
			// loops explicitly.
			b.shutdown()
			return nil
		default:
			b.logger.Warnw("ignoring unknown carrier event", "callId", b.callID, "event", frame.Event)
		}
	}
}

// processLoop decodes queued µ-law packets to 16 kHz PCM for the handler.
func (b *Bridge) processLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closed:
			return nil
		case payload := <-b.inbound:
			pcm8k := internal_audio.MuLawToLinear16(payload)
			pcm16k := internal_audio.Resample(pcm8k, internal_audio.TelephonyRate, internal_audio.ModelInRate)
			b.handler.PushAudio(pcm16k)
		}
	}
}

// writeLoop paces outbound frames at the telephony frame rate and handles
// clear requests from barge-in.
func (b *Bridge) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	sequence := 0
	timestampMs := 0
	spoke := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closed:
			return nil
		case <-b.clearCh:
			b.mu.Lock()
			b.outQueue = nil
			b.pending = nil
			sid := b.streamSid
			b.mu.Unlock()
			if err := b.writeFrame(newClear(sid)); err != nil {
				return err
			}
		case <-ticker.C:
			b.mu.Lock()
			var packet []byte
			if len(b.outQueue) > 0 {
				packet = b.outQueue[0]
				b.outQueue = b.outQueue[1:]
			}
			sid := b.streamSid
			b.mu.Unlock()

			if packet == nil {
				if spoke {
					spoke = false
					if err := b.writeFrame(newMark(sid, markAgent)); err != nil {
						return err
					}
				}
				continue
			}

			sequence++
			timestampMs += int(frameInterval / time.Millisecond)
			if err := b.writeFrame(newOutboundMedia(sid, sequence, timestampMs, packet)); err != nil {
				return err
			}
			spoke = true
		}
	}
}

func (b *Bridge) writeFrame(frame *Frame) error {
	b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := b.conn.WriteJSON(frame); err != nil {
		select {
		case <-b.closed:
			return nil
		default:
			return fmt.Errorf("carrier socket write failed: %w", err)
		}
	}
	return nil
}

// EnqueueAudio accepts 24 kHz model PCM, converts it to 20 ms µ-law
// packets and queues them. Beyond 500 ms of queued audio the oldest packet
// is dropped.
func (b *Bridge) EnqueueAudio(pcm []int16) {
	pcm8k := internal_audio.Resample(pcm, internal_audio.ModelOutRate, internal_audio.TelephonyRate)
	mulaw := internal_audio.Linear16ToMuLaw(pcm8k)

	b.mu.Lock()
	defer b.mu.Unlock()

	buf := append(b.pending, mulaw...)
	for len(buf) >= FrameBytesPerPacket {
		b.outQueue = append(b.outQueue, buf[:FrameBytesPerPacket:FrameBytesPerPacket])
		buf = buf[FrameBytesPerPacket:]
	}
	b.pending = buf

	for len(b.outQueue) > maxOutboundFrames {
		b.outQueue = b.outQueue[1:]
		b.droppedFrames++
		b.logger.Warnw("outbound queue over budget, dropped oldest frame",
			"callId", b.callID, "dropped", b.droppedFrames)
	}
}

// Clear drops all queued outbound audio and tells the carrier to flush its
// playback buffer.
func (b *Bridge) Clear() {
	select {
	case b.clearCh <- struct{}{}:
	default:
	}
}

// DroppedFrames reports how many outbound frames backpressure discarded.
func (b *Bridge) DroppedFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedFrames
}

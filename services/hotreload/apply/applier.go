// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package apply drives the tool-side delivery of update batches.
//
// Two applier variants exist behind one capability interface: the pipe
// applier runs a request/response round with the in-process agent, and the
// browser applier pushes the same payload over the refresh channel for
// browser-hosted runtimes. The variant is selected at construction time from
// the project's target runtime.
package apply

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
	"github.com/AleutianAI/AleutianReload/services/hotreload/delta"
	"github.com/AleutianAI/AleutianReload/services/hotreload/launch"
	"github.com/AleutianAI/AleutianReload/services/hotreload/pipe"
	"github.com/AleutianAI/AleutianReload/services/hotreload/telemetry"
	"github.com/AleutianAI/AleutianReload/services/hotreload/wire"
)

// DefaultAckTimeout bounds the wait for the agent's acknowledgement. A
// stuck or crashed agent must not block the watch loop; two seconds covers
// typical apply times while keeping the edit loop live.
const DefaultAckTimeout = 2 * time.Second

// DeltaApplier is the capability interface over applier variants.
type DeltaApplier interface {
	// Initialize prepares the applier for one iteration.
	Initialize(ctx context.Context, lc *launch.Context) error

	// Apply delivers one Ready batch and reports whether it was applied.
	Apply(ctx context.Context, lc *launch.Context, batch delta.UpdateBatch) bool

	// ReportDiagnostics forwards formatted error diagnostics where the
	// variant supports it.
	ReportDiagnostics(ctx context.Context, lc *launch.Context, diagnostics []string)

	// Close releases iteration-scoped resources.
	Close() error
}

// PipeApplier delivers batches over the named local channel and waits for
// the one-byte acknowledgement.
type PipeApplier struct {
	channelName string
	ackTimeout  time.Duration
	logger      *logging.Logger
	metrics     *telemetry.Metrics

	server *pipe.Server
	broken bool
}

// NewPipeApplier creates a pipe applier for the given channel name. metrics
// may be nil.
func NewPipeApplier(channelName string, logger *logging.Logger, metrics *telemetry.Metrics) *PipeApplier {
	return &PipeApplier{
		channelName: channelName,
		ackTimeout:  DefaultAckTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// Server exposes the channel server for callers that wait on agent attach.
func (p *PipeApplier) Server() *pipe.Server {
	return p.server
}

// Initialize constructs the channel server for this iteration. A prior
// server is closed first.
func (p *PipeApplier) Initialize(ctx context.Context, lc *launch.Context) error {
	if p.server != nil {
		_ = p.server.Close()
	}
	server, err := pipe.NewServer(p.channelName, p.logger)
	if err != nil {
		return err
	}
	p.server = server
	p.broken = false
	return nil
}

// Apply runs one request/response round:
//
//  1. No connected client: return false immediately without writing. The
//     process has no agent (for example a non-agent-aware host).
//  2. Serialize the payload, write, flush.
//  3. Read exactly one ack byte within the ack timeout; timeout or I/O
//     failure classifies as Failed.
//  4. Failed: return false. Any Success: trigger the browser refresh when
//     the context carries a refresh server, then return true.
func (p *PipeApplier) Apply(ctx context.Context, lc *launch.Context, batch delta.UpdateBatch) bool {
	if p.server == nil || p.broken || !p.server.Connected() {
		p.count("no_client")
		return false
	}
	conn, err := p.server.Conn()
	if err != nil {
		p.count("no_client")
		return false
	}

	start := time.Now()
	if err := wire.NewEncoder(conn).EncodePayload(wire.PayloadFromBatch(batch, false)); err != nil {
		// Disconnect observed on write: the applier is a no-op until
		// the next iteration rebuilds the channel.
		p.logger.Warn("update write failed, disabling applier for this iteration", "error", err)
		p.broken = true
		p.count("failed")
		return false
	}

	ack := p.readAck(conn)
	if p.metrics != nil {
		p.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	}
	if !ack.Applied() {
		p.logger.Warn("update not applied", "ack", ack.String())
		p.count("failed")
		return false
	}

	p.count("success")
	if lc != nil && lc.RefreshServer != nil {
		if err := lc.RefreshServer.Reload(ctx); err != nil {
			p.logger.Warn("browser reload failed", "error", err)
		}
	}
	return true
}

// readAck reads the single ack byte under a deadline. A timeout synthesizes
// AckNone and leaves the pipe usable for the next attempt; a hard I/O error
// disables the applier for the iteration.
func (p *PipeApplier) readAck(conn net.Conn) wire.Ack {
	_ = conn.SetReadDeadline(time.Now().Add(p.ackTimeout))
	defer conn.SetReadDeadline(time.Time{})

	ack, err := wire.ReadAck(conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			p.logger.Warn("ack timed out", "timeout", p.ackTimeout)
			return wire.AckNone
		}
		p.logger.Warn("ack read failed, disabling applier for this iteration", "error", err)
		p.broken = true
		return wire.AckNone
	}
	return ack
}

// ReportDiagnostics is a no-op for the pipe variant; the browser overlay is
// the only diagnostics sink beyond the log.
func (p *PipeApplier) ReportDiagnostics(ctx context.Context, lc *launch.Context, diagnostics []string) {
}

// Close tears down the channel server.
func (p *PipeApplier) Close() error {
	if p.server == nil {
		return nil
	}
	return p.server.Close()
}

func (p *PipeApplier) count(outcome string) {
	if p.metrics != nil {
		p.metrics.BatchesApplied.WithLabelValues(outcome).Inc()
	}
}

// BrowserRefreshApplier pushes batches over the refresh channel for
// browser-hosted runtimes. There is no acknowledgement; success is reported
// optimistically.
type BrowserRefreshApplier struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// NewBrowserRefreshApplier creates the browser variant. metrics may be nil.
func NewBrowserRefreshApplier(logger *logging.Logger, metrics *telemetry.Metrics) *BrowserRefreshApplier {
	return &BrowserRefreshApplier{logger: logger, metrics: metrics}
}

// Initialize is a no-op; the refresh server handle arrives on the context.
func (b *BrowserRefreshApplier) Initialize(ctx context.Context, lc *launch.Context) error {
	return nil
}

// Apply pushes the tagged payload. No refresh server on the context means
// there is nowhere to deliver, which is a failure.
func (b *BrowserRefreshApplier) Apply(ctx context.Context, lc *launch.Context, batch delta.UpdateBatch) bool {
	if lc == nil || lc.RefreshServer == nil {
		b.count("no_client")
		return false
	}
	payload := wire.PayloadFromBatch(batch, true)
	if err := lc.RefreshServer.SendMessage(ctx, payload); err != nil {
		b.logger.Warn("refresh channel push failed", "error", err)
		b.count("failed")
		return false
	}
	b.count("success")
	return true
}

// ReportDiagnostics ships formatted error diagnostics to the overlay.
func (b *BrowserRefreshApplier) ReportDiagnostics(ctx context.Context, lc *launch.Context, diagnostics []string) {
	if lc == nil || lc.RefreshServer == nil || len(diagnostics) == 0 {
		return
	}
	if err := lc.RefreshServer.SendMessage(ctx, wire.NewDiagnosticsMessage(diagnostics)); err != nil {
		b.logger.Warn("diagnostics push failed", "error", err)
	}
}

// Close is a no-op; the refresh server is owned by the runner.
func (b *BrowserRefreshApplier) Close() error {
	return nil
}

func (b *BrowserRefreshApplier) count(outcome string) {
	if b.metrics != nil {
		b.metrics.BatchesApplied.WithLabelValues(outcome).Inc()
	}
}

// Ensure both variants satisfy the capability interface.
var (
	_ DeltaApplier = (*PipeApplier)(nil)
	_ DeltaApplier = (*BrowserRefreshApplier)(nil)
)

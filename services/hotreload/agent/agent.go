// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent implements the startup-loaded component inside the target
// process that applies hot-reload deltas.
//
// The host's startup-hook facility calls Initialize once at process load.
// The agent then runs on one background goroutine: it connects to the
// hot-reload channel with a bounded timeout, reads update payloads, resolves
// each delta's module by version id, invokes the runtime's update primitive,
// and writes a one-byte acknowledgement. It never blocks the host's main
// flow and never tears the host down, whatever an apply does.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
	"github.com/AleutianAI/AleutianReload/services/hotreload/delta"
	"github.com/AleutianAI/AleutianReload/services/hotreload/launch"
	"github.com/AleutianAI/AleutianReload/services/hotreload/pipe"
	"github.com/AleutianAI/AleutianReload/services/hotreload/wire"
)

// ModuleHandle is the runtime's opaque reference to one loaded module.
type ModuleHandle interface {
	// VersionID is the module's 128-bit version identifier.
	VersionID() delta.ModuleID
}

// Runtime is the managed runtime's update facility. The implementation
// lives in the host runtime; the agent depends only on this contract.
type Runtime interface {
	// FindModule locates the loaded module with the given version id.
	FindModule(id delta.ModuleID) (ModuleHandle, bool)

	// ApplyUpdate applies one delta to a loaded module. The pdb delta is
	// empty in the current protocol.
	ApplyUpdate(module ModuleHandle, metadataDelta, ilDelta, pdbDelta []byte) error
}

// State describes the agent lifecycle.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateExited
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Agent receives update payloads and applies them through the runtime.
type Agent struct {
	runtime Runtime
	channel string
	logger  *logging.Logger

	state State
}

// New creates an Agent for the given channel name.
func New(runtime Runtime, channelName string, logger *logging.Logger) *Agent {
	return &Agent{
		runtime: runtime,
		channel: channelName,
		logger:  logger,
		state:   StateConnecting,
	}
}

// Initialize is the startup-hook entry point. It reads the channel name
// from the environment (falling back to the well-known default), then runs
// the agent on a background goroutine. The returned Agent is for
// observation only; the host does not interact with it.
func Initialize(runtime Runtime) *Agent {
	channel := os.Getenv(launch.EnvChannelName)
	if channel == "" {
		channel = pipe.DefaultChannelName
	}
	// The host process owns stderr; keep quiet unless something breaks.
	logger := logging.New(logging.Config{
		Level:   logging.LevelWarn,
		Service: "hotreload-agent",
	})

	a := New(runtime, channel, logger)
	go func() {
		if err := a.Run(context.Background()); err != nil {
			logger.Warn("hot-reload agent exited", "error", err)
		}
	}()
	return a
}

// State returns the current lifecycle state. Run mutates it from its own
// goroutine; observers should treat the value as advisory.
func (a *Agent) State() State {
	return a.state
}

// Run connects and processes payloads until the channel closes or the
// context is cancelled. A server-side close surfaces as a clean nil return.
func (a *Agent) Run(ctx context.Context) error {
	defer func() { a.state = StateExited }()

	conn, err := pipe.Dial(ctx, a.channel)
	if err != nil {
		return fmt.Errorf("connect hot-reload channel: %w", err)
	}
	defer conn.Close()
	a.state = StateConnected
	a.logger.Debug("agent connected", "channel", a.channel)

	// Abort pending reads when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	decoder := wire.NewDecoder(conn)
	for {
		payload, err := decoder.DecodePayload()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, wire.ErrEmptyDelta) {
				// The document framing is intact; fail this
				// batch and keep the channel usable.
				a.logger.Warn("rejecting batch", "error", err)
				if err := wire.WriteAck(conn, wire.AckFailed); err != nil {
					return fmt.Errorf("write ack: %w", err)
				}
				continue
			}
			return fmt.Errorf("read update payload: %w", err)
		}

		ack := a.applyPayload(payload)
		if err := wire.WriteAck(conn, ack); err != nil {
			return fmt.Errorf("write ack: %w", err)
		}
	}
}

// applyPayload applies every delta in the batch, best-effort. Any failure
// makes the final ack Failed; failures are caught and logged, never
// propagated into the host.
func (a *Agent) applyPayload(payload wire.UpdatePayload) wire.Ack {
	ack := wire.AckSuccess
	for _, update := range payload.ModuleUpdates() {
		if err := a.applyUpdate(update); err != nil {
			a.logger.Warn("delta apply failed",
				"module", update.ModuleID,
				"error", err,
			)
			ack = wire.AckFailed
		}
	}
	return ack
}

// applyUpdate resolves and patches one module. A panic out of the runtime
// is converted to an error so the host keeps running.
func (a *Agent) applyUpdate(update delta.ModuleUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runtime update panicked: %v", r)
		}
	}()

	module, ok := a.runtime.FindModule(update.ModuleID)
	if !ok {
		// The module may not be loaded yet; nothing to patch.
		a.logger.Debug("module not loaded, skipping delta", "module", update.ModuleID)
		return nil
	}
	if err := a.runtime.ApplyUpdate(module, update.MetadataDelta, update.ILDelta, nil); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session drives one edit session per file change: seed the updated
// document into the solution, ask the edit-continuation service for an
// update batch, classify the outcome, and route the batch to the applier
// and diagnostics to the router.
package session

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
	"github.com/AleutianAI/AleutianReload/services/hotreload/apply"
	"github.com/AleutianAI/AleutianReload/services/hotreload/delta"
	"github.com/AleutianAI/AleutianReload/services/hotreload/diag"
	"github.com/AleutianAI/AleutianReload/services/hotreload/launch"
	"github.com/AleutianAI/AleutianReload/services/hotreload/telemetry"
	"github.com/AleutianAI/AleutianReload/services/hotreload/workspace"
)

// Outcome classifies how one file change was handled.
type Outcome int

const (
	// OutcomeNotHandled means the file is not a processable source
	// extension; the outer loop decides what to do with it.
	OutcomeNotHandled Outcome = iota

	// OutcomeHandled means the change was absorbed: applied, a no-op,
	// or a plain compile error the user will fix with the next edit.
	OutcomeHandled

	// OutcomeFailed means the change could not be absorbed (rude edit,
	// apply failure, degraded workspace); the outer loop may restart.
	OutcomeFailed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeNotHandled:
		return "NotHandled"
	case OutcomeHandled:
		return "Handled"
	case OutcomeFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Driver runs edit sessions. At most one session is open per Driver;
// concurrent file-change handling is serialized by the caller.
type Driver struct {
	holder     *workspace.Holder
	applier    apply.DeltaApplier
	router     *diag.Router
	extensions []string
	logger     *logging.Logger
	metrics    *telemetry.Metrics

	sessionOpen bool
}

// DriverOption customizes a Driver.
type DriverOption func(*Driver)

// WithExtensions overrides the processable source extensions.
// Default: [".cs", ".razor"].
func WithExtensions(exts ...string) DriverOption {
	return func(d *Driver) { d.extensions = exts }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *telemetry.Metrics) DriverOption {
	return func(d *Driver) { d.metrics = m }
}

// NewDriver creates a Driver over the workspace holder, applier, and
// diagnostics router.
func NewDriver(holder *workspace.Holder, applier apply.DeltaApplier, router *diag.Router, logger *logging.Logger, opts ...DriverOption) *Driver {
	d := &Driver{
		holder:     holder,
		applier:    applier,
		router:     router,
		extensions: []string{".cs", ".razor"},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleFileChange runs one edit session for a changed file path.
func (d *Driver) HandleFileChange(ctx context.Context, lc *launch.Context, path string) Outcome {
	outcome := d.handle(ctx, lc, path)
	if d.metrics != nil {
		label := strings.ToLower(outcome.String())
		if outcome == OutcomeNotHandled {
			label = "not_handled"
		}
		d.metrics.FileChangesHandled.WithLabelValues(label).Inc()
	}
	return outcome
}

func (d *Driver) handle(ctx context.Context, lc *launch.Context, path string) Outcome {
	if !d.processable(path) {
		return OutcomeNotHandled
	}
	log := d.logger.With("file", path)

	ws, err := d.holder.Await(ctx)
	if err != nil {
		log.Warn("workspace unavailable", "error", err)
		return OutcomeFailed
	}

	text, err := ReadFileWithBackoff(ctx, path)
	if err != nil {
		log.Warn("failed to read changed file", "error", err)
		return OutcomeFailed
	}

	solution := ws.Solution
	ref, found := solution.FindDocument(path)
	if !found {
		// Primary wins if a path were ever present as both.
		ref, found = solution.FindAdditionalDocument(path)
	}
	if !found {
		log.Debug("changed file is not part of the solution")
		return OutcomeFailed
	}
	updated := solution.WithDocumentText(ref, text)

	if d.sessionOpen {
		// The caller serializes changes; a second open session is an
		// invariant violation, not a user error.
		log.Error("edit session already open")
		return OutcomeFailed
	}
	d.sessionOpen = true
	defer func() { d.sessionOpen = false }()

	batch, err := ws.Service.EmitSolutionUpdate(ctx, updated)
	if err != nil {
		ws.Service.DiscardSolutionUpdate()
		log.Warn("emit failed", "error", err)
		return OutcomeFailed
	}
	d.countEmit(batch.Status)

	switch {
	case batch.Status == delta.StatusBlocked:
		ws.Service.DiscardSolutionUpdate()
		log.Debug("change blocked", "diagnostics", len(batch.Diagnostics))
		d.router.Forward(ctx, lc, batch.Diagnostics)
		return OutcomeFailed

	case batch.Status == delta.StatusReady && !batch.Empty():
		ws.Service.CommitSolutionUpdate()
		d.holder.Commit(updated)
		log.Debug("update emitted", "modules", len(batch.Updates))
		if !d.applier.Apply(ctx, lc, batch) {
			return OutcomeFailed
		}
		return OutcomeHandled

	default:
		// None, or Ready with nothing to send. If the project has
		// compiler errors this is a transient syntactic gap, not a
		// session-ending event: forward and treat as handled.
		ws.Service.DiscardSolutionUpdate()
		d.forwardCompileErrors(ctx, lc, ws.Service, updated)
		return OutcomeHandled
	}
}

// forwardCompileErrors routes the project's current compiler errors, if
// any.
func (d *Driver) forwardCompileErrors(ctx context.Context, lc *launch.Context, svc workspace.EditContinuationService, solution workspace.Solution) {
	diagnostics, err := svc.SolutionDiagnostics(ctx, solution)
	if err != nil {
		d.logger.Warn("failed to collect compiler diagnostics", "error", err)
		return
	}
	var errorsOnly []delta.Diagnostic
	for _, diagnostic := range diagnostics {
		if diagnostic.Severity == delta.SeverityError {
			errorsOnly = append(errorsOnly, diagnostic)
		}
	}
	if len(errorsOnly) > 0 {
		d.router.Forward(ctx, lc, errorsOnly)
	}
}

func (d *Driver) processable(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range d.extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func (d *Driver) countEmit(status delta.Status) {
	if d.metrics != nil {
		d.metrics.BatchesEmitted.WithLabelValues(strings.ToLower(status.String())).Inc()
	}
}

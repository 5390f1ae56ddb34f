// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package delta defines the update-batch data model shared by the
// compilation orchestrator, the wire codec, and the in-process agent.
//
// A ModuleUpdate carries two opaque byte arrays (metadata + intermediate
// code) produced by the edit-continuation compiler and consumed verbatim by
// the runtime's update primitive. The tool never inspects delta bytes.
//
// # Ownership
//
// Deltas arriving from the compiler are read-only views into compiler
// buffers; NewModuleUpdate copies them into owned slices so the compiler may
// release its buffers. Deltas decoded from the wire are owned by the decoded
// payload and borrowed by the agent for the duration of one apply.
//
// # Thread Safety
//
// All types in this package are plain values. They are safe to share after
// construction as long as callers do not mutate the byte slices.
package delta

import (
	"github.com/google/uuid"
)

// ModuleID is the 128-bit version identifier of a loaded code module. It is
// the sole key the agent uses to find the live module to patch. Module IDs
// emitted by the compiler equal the IDs of modules loaded in the target
// process when the compilation tree mirrors the target.
type ModuleID = uuid.UUID

// Status classifies the outcome of one edit-session emit.
type Status int

const (
	// StatusNone means the change produced no semantic update.
	StatusNone Status = iota

	// StatusReady means the batch may be committed and applied.
	StatusReady

	// StatusBlocked means a rude edit or a hard compilation error; the
	// session must be discarded and the user must edit again.
	StatusBlocked
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusReady:
		return "Ready"
	case StatusBlocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// Severity grades a diagnostic.
type Severity int

const (
	SeverityHidden Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityHidden:
		return "Hidden"
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Diagnostic is one compiler or edit-continuation diagnostic, already
// formatted for display.
type Diagnostic struct {
	// ProjectID identifies the project the diagnostic belongs to.
	ProjectID uuid.UUID

	// Severity grades the entry. Only SeverityError entries are shipped
	// to the browser overlay; the rest are logged.
	Severity Severity

	// Message is the formatted, user-facing text.
	Message string
}

// ModuleUpdate is one incremental change to a loaded module.
type ModuleUpdate struct {
	// ModuleID identifies the module to patch.
	ModuleID ModuleID

	// MetadataDelta is the opaque metadata delta.
	MetadataDelta []byte

	// ILDelta is the opaque intermediate-code delta.
	ILDelta []byte
}

// NewModuleUpdate builds a ModuleUpdate with owned copies of the delta
// bytes, so compiler-owned buffers may be released after the call.
func NewModuleUpdate(id ModuleID, metadataDelta, ilDelta []byte) ModuleUpdate {
	return ModuleUpdate{
		ModuleID:      id,
		MetadataDelta: append([]byte(nil), metadataDelta...),
		ILDelta:       append([]byte(nil), ilDelta...),
	}
}

// UpdateBatch is the structured result of one edit-session emit.
type UpdateBatch struct {
	// Status classifies the batch. Updates is meaningful only for
	// StatusReady.
	Status Status

	// Updates lists module deltas in application order.
	Updates []ModuleUpdate

	// Diagnostics carries compiler and edit-continuation diagnostics
	// collected during the emit.
	Diagnostics []Diagnostic
}

// Empty reports whether the batch carries no module updates.
func (b UpdateBatch) Empty() bool {
	return len(b.Updates) == 0
}

// ErrorDiagnostics returns only the SeverityError entries.
func (b UpdateBatch) ErrorDiagnostics() []Diagnostic {
	var errs []Diagnostic
	for _, d := range b.Diagnostics {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

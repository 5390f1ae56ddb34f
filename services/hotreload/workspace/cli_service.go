// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianReload/services/hotreload/delta"
)

// CLIService bridges to an out-of-process edit-continuation compiler
// driven as a subprocess. Each emit runs `<command> emit`, feeds the
// solution snapshot as JSON on stdin, and parses an update document from
// stdout. Commit and discard are forwarded as plain subcommands so the
// compiler can advance or roll back its baseline.
//
// The compiler binary is configured by the user; this repository only
// depends on the document shapes below.
type CLIService struct {
	command string
	timeout time.Duration
}

// NewCLIService creates a bridge to the given compiler command. A zero
// timeout defaults to 30s per invocation.
func NewCLIService(command string, timeout time.Duration) *CLIService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CLIService{command: command, timeout: timeout}
}

// cliSolution is the snapshot handed to the compiler on stdin.
type cliSolution struct {
	Projects []cliProject `json:"projects"`
}

type cliProject struct {
	ID                  uuid.UUID     `json:"id"`
	Name                string        `json:"name"`
	Documents           []cliDocument `json:"documents"`
	AdditionalDocuments []cliDocument `json:"additionalDocuments"`
}

type cliDocument struct {
	ID   uuid.UUID `json:"id"`
	Path string    `json:"path"`
	Text string    `json:"text"`
}

// cliUpdate is the compiler's stdout document for one emit.
type cliUpdate struct {
	Status      string          `json:"status"` // "None" | "Ready" | "Blocked"
	Deltas      []cliDelta      `json:"deltas"`
	Diagnostics []cliDiagnostic `json:"diagnostics"`
}

type cliDelta struct {
	ModuleID      uuid.UUID `json:"moduleId"`
	MetadataDelta []byte    `json:"metadataDelta"`
	ILDelta       []byte    `json:"ilDelta"`
}

type cliDiagnostic struct {
	ProjectID uuid.UUID `json:"projectId"`
	Severity  string    `json:"severity"` // "Hidden" | "Info" | "Warning" | "Error"
	Message   string    `json:"message"`
}

// EmitSolutionUpdate implements EditContinuationService.
func (s *CLIService) EmitSolutionUpdate(ctx context.Context, solution Solution) (delta.UpdateBatch, error) {
	input, err := json.Marshal(snapshotSolution(solution))
	if err != nil {
		return delta.UpdateBatch{}, fmt.Errorf("marshal solution snapshot: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.command, "emit")
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		return delta.UpdateBatch{}, fmt.Errorf("compiler emit: %w", err)
	}

	var update cliUpdate
	if err := json.Unmarshal(out, &update); err != nil {
		return delta.UpdateBatch{}, fmt.Errorf("parse compiler output: %w", err)
	}
	return update.toBatch()
}

// CommitSolutionUpdate implements EditContinuationService. Failures advance
// nothing on the compiler side and surface on the next emit.
func (s *CLIService) CommitSolutionUpdate() {
	_ = exec.Command(s.command, "commit").Run()
}

// DiscardSolutionUpdate implements EditContinuationService.
func (s *CLIService) DiscardSolutionUpdate() {
	_ = exec.Command(s.command, "discard").Run()
}

// SolutionDiagnostics implements EditContinuationService.
func (s *CLIService) SolutionDiagnostics(ctx context.Context, solution Solution) ([]delta.Diagnostic, error) {
	input, err := json.Marshal(snapshotSolution(solution))
	if err != nil {
		return nil, fmt.Errorf("marshal solution snapshot: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.command, "diagnostics")
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("compiler diagnostics: %w", err)
	}

	var raw []cliDiagnostic
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse compiler diagnostics: %w", err)
	}
	diagnostics := make([]delta.Diagnostic, 0, len(raw))
	for _, d := range raw {
		diagnostics = append(diagnostics, d.toDiagnostic())
	}
	return diagnostics, nil
}

// Dispose implements EditContinuationService.
func (s *CLIService) Dispose() {
	_ = exec.Command(s.command, "shutdown").Run()
}

func snapshotSolution(solution Solution) cliSolution {
	snap := cliSolution{Projects: make([]cliProject, 0, len(solution.Projects))}
	for _, project := range solution.Projects {
		p := cliProject{
			ID:                  project.ID,
			Name:                project.Name,
			Documents:           make([]cliDocument, 0, len(project.Documents)),
			AdditionalDocuments: make([]cliDocument, 0, len(project.AdditionalDocuments)),
		}
		for _, doc := range project.Documents {
			p.Documents = append(p.Documents, cliDocument(doc))
		}
		for _, doc := range project.AdditionalDocuments {
			p.AdditionalDocuments = append(p.AdditionalDocuments, cliDocument(doc))
		}
		snap.Projects = append(snap.Projects, p)
	}
	return snap
}

func (u cliUpdate) toBatch() (delta.UpdateBatch, error) {
	batch := delta.UpdateBatch{}
	switch u.Status {
	case "None":
		batch.Status = delta.StatusNone
	case "Ready":
		batch.Status = delta.StatusReady
	case "Blocked":
		batch.Status = delta.StatusBlocked
	default:
		return delta.UpdateBatch{}, fmt.Errorf("unknown compiler status %q", u.Status)
	}
	for _, d := range u.Deltas {
		batch.Updates = append(batch.Updates, delta.NewModuleUpdate(d.ModuleID, d.MetadataDelta, d.ILDelta))
	}
	for _, d := range u.Diagnostics {
		batch.Diagnostics = append(batch.Diagnostics, d.toDiagnostic())
	}
	return batch, nil
}

func (d cliDiagnostic) toDiagnostic() delta.Diagnostic {
	severity := delta.SeverityInfo
	switch d.Severity {
	case "Hidden":
		severity = delta.SeverityHidden
	case "Warning":
		severity = delta.SeverityWarning
	case "Error":
		severity = delta.SeverityError
	}
	return delta.Diagnostic{ProjectID: d.ProjectID, Severity: severity, Message: d.Message}
}

// Ensure CLIService implements the contract.
var _ EditContinuationService = (*CLIService)(nil)

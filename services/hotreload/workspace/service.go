// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workspace

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianReload/services/hotreload/delta"
)

// Sentinel errors for workspace operations.
var (
	// ErrNotInitialized is returned by Await when the load finished
	// without a workspace, an error, or a disposal. An Await issued
	// before Initialize blocks until its context ends.
	ErrNotInitialized = errors.New("workspace not initialized")

	// ErrDisposed is returned for operations on a disposed workspace.
	ErrDisposed = errors.New("workspace disposed")

	// ErrInitFailed marks a failed one-shot initialization. The holder
	// stays degraded for the rest of the iteration.
	ErrInitFailed = errors.New("workspace initialization failed")
)

// EditContinuationService is the contract to the edit-continuation
// compiler. The implementation is external to this repository; the pipeline
// depends only on this interface.
//
// The session API takes the solution as an argument, so implementations
// need no back-pointer into the workspace.
type EditContinuationService interface {
	// EmitSolutionUpdate produces an update batch for the given solution
	// snapshot. The returned deltas are owned by the batch.
	EmitSolutionUpdate(ctx context.Context, solution Solution) (delta.UpdateBatch, error)

	// CommitSolutionUpdate accepts the last emitted Ready batch as the
	// new baseline. Legal only after an emit that returned StatusReady.
	CommitSolutionUpdate()

	// DiscardSolutionUpdate abandons the last emitted batch.
	DiscardSolutionUpdate()

	// SolutionDiagnostics returns the current compiler diagnostics of
	// every project in the solution, independent of any edit session.
	SolutionDiagnostics(ctx context.Context, solution Solution) ([]delta.Diagnostic, error)

	// Dispose releases the persistent compilation session.
	Dispose()
}

// Workspace couples the cached solution state with the edit-continuation
// service started on it. The solution is a value snapshot; the session API
// takes it as an argument, so no cyclic reference exists.
type Workspace struct {
	Solution Solution
	Service  EditContinuationService
}

// Opener loads a project into a ready Workspace. Implementations are
// expected to enumerate every document and load its text so caches are warm
// before the first change arrives.
type Opener interface {
	OpenProject(ctx context.Context, projectPath string) (*Workspace, error)
}

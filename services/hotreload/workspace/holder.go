// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workspace

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
)

// BuildLocatorFunc registers the host build-system with the compiler
// toolchain. Registration is process-wide and must be idempotent; the
// default is a no-op for toolchains that self-register.
type BuildLocatorFunc func() error

var (
	buildLocatorMu   sync.Mutex
	buildLocator     BuildLocatorFunc = func() error { return nil }
	buildLocatorOnce sync.Once
	buildLocatorErr  error
)

// SetBuildLocator installs the process-wide build-system registration hook.
// Must be called before the first Holder initializes.
func SetBuildLocator(fn BuildLocatorFunc) {
	buildLocatorMu.Lock()
	defer buildLocatorMu.Unlock()
	buildLocator = fn
}

// ensureBuildLocator runs the registration exactly once per process.
func ensureBuildLocator() error {
	buildLocatorOnce.Do(func() {
		buildLocatorMu.Lock()
		fn := buildLocator
		buildLocatorMu.Unlock()
		buildLocatorErr = fn()
	})
	return buildLocatorErr
}

// Holder owns the lazy, one-shot project load for one iteration.
//
// Initialize starts the load asynchronously; Await blocks on the one-shot
// future. A failed load leaves the holder permanently degraded for the
// iteration: every Await returns the original error and the outer loop is
// expected to restart.
type Holder struct {
	opener Opener
	logger *logging.Logger

	initOnce sync.Once
	done     chan struct{}

	mu        sync.Mutex
	workspace *Workspace
	err       error
	disposed  bool
}

// NewHolder creates a Holder around the given opener. One Holder exists per
// iteration; iteration > 0 disposes the previous holder before creating the
// next.
func NewHolder(opener Opener, logger *logging.Logger) *Holder {
	return &Holder{
		opener: opener,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Initialize starts the one-shot project load in the background. Subsequent
// calls are no-ops.
func (h *Holder) Initialize(ctx context.Context, projectPath string) {
	h.initOnce.Do(func() {
		go func() {
			defer close(h.done)

			if err := ensureBuildLocator(); err != nil {
				h.fail(fmt.Errorf("%w: register build locator: %v", ErrInitFailed, err))
				return
			}

			ws, err := h.opener.OpenProject(ctx, projectPath)
			if err != nil {
				h.fail(fmt.Errorf("%w: %v", ErrInitFailed, err))
				return
			}

			h.mu.Lock()
			if h.disposed {
				h.mu.Unlock()
				ws.Service.Dispose()
				return
			}
			h.workspace = ws
			h.mu.Unlock()
			h.logger.Info("workspace ready",
				"project", projectPath,
				"projects", len(ws.Solution.Projects),
			)
		}()
	})
}

func (h *Holder) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.logger.Warn("workspace initialization failed", "error", err)
}

// Await blocks until the one-shot load completes or the context is
// cancelled. Dispose does not wake a waiting Await; once the load has
// finished, a disposed holder returns ErrDisposed.
func (h *Holder) Await(ctx context.Context) (*Workspace, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.err != nil:
		return nil, h.err
	case h.disposed:
		return nil, ErrDisposed
	case h.workspace == nil:
		return nil, ErrNotInitialized
	default:
		return h.workspace, nil
	}
}

// Commit replaces the cached solution after a committed edit session.
func (h *Holder) Commit(solution Solution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.workspace != nil && !h.disposed {
		h.workspace.Solution = solution
	}
}

// Dispose releases the workspace. Safe to call before, during, or after
// initialization; a load completing after Dispose releases its own result.
func (h *Holder) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	ws := h.workspace
	h.workspace = nil
	h.mu.Unlock()

	if ws != nil {
		ws.Service.Dispose()
	}
}

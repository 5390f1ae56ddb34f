// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package runner ties the pipeline together: the watcher feeds file changes
// into the edit-session driver, whose batches flow through the applier; a
// failed change ends the iteration and the loop starts the next one with a
// fresh workspace and channel.
package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
	"github.com/AleutianAI/AleutianReload/services/hotreload/apply"
	"github.com/AleutianAI/AleutianReload/services/hotreload/config"
	"github.com/AleutianAI/AleutianReload/services/hotreload/diag"
	"github.com/AleutianAI/AleutianReload/services/hotreload/launch"
	"github.com/AleutianAI/AleutianReload/services/hotreload/refresh"
	"github.com/AleutianAI/AleutianReload/services/hotreload/session"
	"github.com/AleutianAI/AleutianReload/services/hotreload/telemetry"
	"github.com/AleutianAI/AleutianReload/services/hotreload/watch"
	"github.com/AleutianAI/AleutianReload/services/hotreload/workspace"
)

// Runner owns the watch loop across iterations.
type Runner struct {
	cfg     config.Config
	logger  *logging.Logger
	metrics *telemetry.Metrics

	factory       workspace.ServiceFactory
	applier       apply.DeltaApplier
	refreshServer *refresh.Server
}

// Option customizes a Runner.
type Option func(*Runner)

// WithServiceFactory overrides the edit-continuation service construction.
// The default shells out to the configured compiler command.
func WithServiceFactory(factory workspace.ServiceFactory) Option {
	return func(r *Runner) { r.factory = factory }
}

// WithApplier overrides applier selection.
func WithApplier(applier apply.DeltaApplier) Option {
	return func(r *Runner) { r.applier = applier }
}

// New creates a Runner from the tool configuration.
func New(cfg config.Config, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		r.factory = func(ctx context.Context, solution workspace.Solution) (workspace.EditContinuationService, error) {
			return workspace.NewCLIService(cfg.CompilerCommand, cfg.CompilerTimeout), nil
		}
	}
	if r.applier == nil {
		if cfg.BrowserRuntime {
			r.applier = apply.NewBrowserRefreshApplier(logger, metrics)
		} else {
			r.applier = apply.NewPipeApplier(cfg.ChannelName, logger, metrics)
		}
	}
	return r
}

// Run watches the project until the context is cancelled. Each Failed
// change outcome ends the current iteration; the loop disposes the
// workspace and starts the next iteration with the counter advanced.
func (r *Runner) Run(ctx context.Context, projectPath string) error {
	group, ctx := errgroup.WithContext(ctx)

	if r.cfg.RefreshAddr != "" {
		r.refreshServer = refresh.NewServer(r.logger, r.metrics)
		group.Go(func() error {
			return r.refreshServer.Start(r.cfg.RefreshAddr)
		})
	}

	group.Go(func() error {
		defer r.applier.Close()
		if r.refreshServer != nil {
			defer r.refreshServer.Shutdown(context.Background())
		}

		lc := r.newContext(projectPath)
		for {
			restart, err := r.runIteration(ctx, lc)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			if !restart {
				return nil
			}
			lc = lc.NextIteration()
			r.logger.Info("restarting session", "iteration", lc.Iteration)
		}
	})

	return group.Wait()
}

// newContext builds the iteration-0 context and seeds the child process
// environment with the startup-hook contract.
func (r *Runner) newContext(projectPath string) *launch.Context {
	spec := &launch.ProcessSpec{WorkingDirectory: projectPath}
	baseDir := ""
	if exe, err := os.Executable(); err == nil {
		baseDir = filepath.Dir(exe)
	}
	launch.ConfigureAgent(spec, baseDir, r.cfg.AgentModule, r.cfg.ChannelName)

	return &launch.Context{
		Iteration:     0,
		ProjectPath:   projectPath,
		Spec:          spec,
		RefreshServer: refreshHandle(r.refreshServer),
	}
}

// refreshHandle avoids storing a typed nil in the interface field.
func refreshHandle(s *refresh.Server) launch.BrowserRefreshServer {
	if s == nil {
		return nil
	}
	return s
}

// runIteration runs one target-process lifetime: initialize the channel and
// workspace, then absorb changes until one fails. Returns restart=true when
// the outer loop should relaunch.
func (r *Runner) runIteration(ctx context.Context, lc *launch.Context) (bool, error) {
	log := r.logger.With("iteration", lc.Iteration)

	if err := r.applier.Initialize(ctx, lc); err != nil {
		return false, err
	}

	holder := workspace.NewHolder(workspace.NewDirectoryOpener(
		r.factory,
		workspace.WithSourceExtensions(primaryExtensions(r.cfg.Extensions)...),
		workspace.WithAdditionalExtensions(additionalExtensions(r.cfg.Extensions)...),
	), r.logger)
	defer holder.Dispose()
	holder.Initialize(ctx, lc.ProjectPath)

	driver := session.NewDriver(holder, r.applier, diag.NewRouter(r.logger), r.logger,
		session.WithExtensions(r.cfg.Extensions...),
		session.WithMetrics(r.metrics),
	)

	watcher, err := watch.New(lc.ProjectPath, watch.Options{
		DebounceWindow: r.cfg.DebounceWindow,
		Extensions:     r.cfg.Extensions,
	})
	if err != nil {
		return false, err
	}
	defer watcher.Stop()
	if err := watcher.Start(ctx); err != nil {
		return false, err
	}

	log.Info("watching for changes", "project", lc.ProjectPath)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case change, ok := <-watcher.Changes():
			if !ok {
				return false, nil
			}
			outcome := driver.HandleFileChange(ctx, lc, change.Path)
			log.Debug("change processed", "file", change.Path, "outcome", outcome.String())
			if outcome == session.OutcomeFailed {
				return true, nil
			}
		}
	}
}

// primaryExtensions treats every configured extension except .razor as a
// primary source document.
func primaryExtensions(exts []string) []string {
	var primary []string
	for _, ext := range exts {
		if ext != ".razor" {
			primary = append(primary, ext)
		}
	}
	if len(primary) == 0 {
		primary = []string{".cs"}
	}
	return primary
}

// additionalExtensions is the markup complement of primaryExtensions.
func additionalExtensions(exts []string) []string {
	for _, ext := range exts {
		if ext == ".razor" {
			return []string{".razor"}
		}
	}
	return nil
}

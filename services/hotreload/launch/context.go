// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package launch carries per-iteration state shared across the pipeline and
// prepares the environment of the child process so the agent is loaded at
// startup.
//
// Process launch itself is an external collaborator; this package only
// shapes the spec the launcher consumes. The environment map is mutated
// during iteration-0 initialization only and must not change while the
// target process is launching.
package launch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment variables set on the child process.
const (
	// EnvForceEditContinuation forces the runtime into an
	// edit-and-continue-compatible code-generation mode.
	EnvForceEditContinuation = "COMPLUS_ForceEnc"

	// EnvStartupHooks names the agent module the host's startup-hook
	// facility loads at process start. The host invokes the agent's
	// Initialize() entry point once at load.
	EnvStartupHooks = "DOTNET_STARTUP_HOOKS"

	// EnvChannelName overrides the hot-reload channel name the agent
	// connects to.
	EnvChannelName = "DOTNET_HOTRELOAD_NAMEDPIPE_NAME"
)

// AgentSubdir is the directory under the tool's base directory that holds
// the agent module.
const AgentSubdir = "hotreload"

// ProcessSpec describes how the target process will be launched. The
// launcher (external) consumes it verbatim.
type ProcessSpec struct {
	// Executable is the binary to run.
	Executable string

	// Arguments are passed as-is.
	Arguments []string

	// WorkingDirectory is the child's working directory.
	WorkingDirectory string

	// EnvironmentVariables are merged over the tool's own environment.
	// Read-mostly: written during initialization only.
	EnvironmentVariables map[string]string
}

// SetEnvironmentVariable records a variable on the spec, creating the map
// lazily.
func (s *ProcessSpec) SetEnvironmentVariable(key, value string) {
	if s.EnvironmentVariables == nil {
		s.EnvironmentVariables = make(map[string]string)
	}
	s.EnvironmentVariables[key] = value
}

// Environ merges the current process environment with the spec's variables
// into the form exec.Cmd consumes. Spec variables win over inherited ones;
// the result is sorted for deterministic launches.
func (s *ProcessSpec) Environ() []string {
	merged := make(map[string]string)
	for _, entry := range os.Environ() {
		if i := strings.IndexByte(entry, '='); i > 0 {
			merged[entry[:i]] = entry[i+1:]
		}
	}
	for key, value := range s.EnvironmentVariables {
		merged[key] = value
	}

	env := make([]string, 0, len(merged))
	for key, value := range merged {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env
}

// ConfigureAgent seeds the startup-hook environment on the spec: the agent
// module path under `<baseDir>/hotreload/`, the channel name, and the
// edit-continuation codegen flag. Runs once during iteration-0
// initialization and is idempotent.
func ConfigureAgent(spec *ProcessSpec, baseDir, agentModule, channelName string) {
	spec.SetEnvironmentVariable(EnvStartupHooks, filepath.Join(baseDir, AgentSubdir, agentModule))
	spec.SetEnvironmentVariable(EnvChannelName, channelName)
	spec.SetEnvironmentVariable(EnvForceEditContinuation, "1")
}

// BrowserRefreshServer is the opaque message-sending handle to the browser
// refresh channel. Consumers send the tagged delta payload or a diagnostics
// message, or request a full reload.
type BrowserRefreshServer interface {
	// SendMessage pushes one JSON-serializable message to all connected
	// browsers.
	SendMessage(ctx context.Context, message any) error

	// Reload asks connected browsers to refresh the page.
	Reload(ctx context.Context) error
}

// Context is the per-iteration state shared between components. Iteration 0
// is the first launch; iteration > 0 is a restart after a rude edit or
// build failure.
type Context struct {
	// Iteration counts target-process lifetimes.
	Iteration uint

	// ProjectPath is the watched project.
	ProjectPath string

	// Spec is the launch specification for this iteration's target
	// process.
	Spec *ProcessSpec

	// RefreshServer is the optional browser refresh channel handle.
	RefreshServer BrowserRefreshServer
}

// NextIteration derives the context for a restart: the iteration counter
// advances, the spec (with its already-seeded environment) carries over.
func (c *Context) NextIteration() *Context {
	return &Context{
		Iteration:     c.Iteration + 1,
		ProjectPath:   c.ProjectPath,
		Spec:          c.Spec,
		RefreshServer: c.RefreshServer,
	}
}

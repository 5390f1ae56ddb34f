// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds the tool configuration, loadable from a YAML file
// with flag-level overrides applied by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for configuration loading.
var (
	// ErrInvalidConfig marks a config that fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config contains all hot-reload tool settings.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// ChannelName is the hot-reload channel the agent connects to.
	ChannelName string `json:"channel_name" yaml:"channel_name"`

	// Extensions are the processable source extensions.
	Extensions []string `json:"extensions" yaml:"extensions"`

	// DebounceWindow is the watcher quiet period per path.
	DebounceWindow time.Duration `json:"debounce_window" yaml:"debounce_window"`

	// CompilerCommand is the edit-continuation compiler binary.
	CompilerCommand string `json:"compiler_command" yaml:"compiler_command"`

	// CompilerTimeout bounds one compiler invocation.
	CompilerTimeout time.Duration `json:"compiler_timeout" yaml:"compiler_timeout"`

	// RefreshAddr is the listen address of the browser refresh server.
	// Empty disables the refresh channel.
	RefreshAddr string `json:"refresh_addr" yaml:"refresh_addr"`

	// BrowserRuntime selects the browser-refresh applier variant
	// instead of the pipe applier.
	BrowserRuntime bool `json:"browser_runtime" yaml:"browser_runtime"`

	// AgentModule is the agent module name placed under the tool base
	// directory.
	AgentModule string `json:"agent_module" yaml:"agent_module"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// LogDir enables file logging when set.
	LogDir string `json:"log_dir" yaml:"log_dir"`
}

// DefaultConfig returns the defaults the CLI starts from.
func DefaultConfig() Config {
	return Config{
		ChannelName:     "netcore-hot-reload",
		Extensions:      []string{".cs", ".razor"},
		DebounceWindow:  50 * time.Millisecond,
		CompilerTimeout: 30 * time.Second,
		AgentModule:     "hotreload-agent",
		LogLevel:        "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if c.ChannelName == "" {
		return fmt.Errorf("%w: channel_name must not be empty", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.ChannelName, "/\\") {
		return fmt.Errorf("%w: channel_name must not contain path separators", ErrInvalidConfig)
	}
	if len(c.Extensions) == 0 {
		return fmt.Errorf("%w: at least one source extension required", ErrInvalidConfig)
	}
	for _, ext := range c.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("%w: extension %q must start with a dot", ErrInvalidConfig, ext)
		}
	}
	if c.DebounceWindow < 0 {
		return fmt.Errorf("%w: debounce_window must not be negative", ErrInvalidConfig)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

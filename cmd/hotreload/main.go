// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command hotreload watches a project and applies incremental code updates
// to the running application without restarting it.
//
// Usage:
//
//	hotreload watch ./src/MyApp
//	hotreload watch ./src/MyApp --refresh-addr 127.0.0.1:5123
//	hotreload watch ./src/MyApp --config hotreload.yaml
//
// The target process is launched with a startup hook that loads the
// in-process agent; each source save flows through an edit session and, when
// an update batch is emitted, over the local channel to the agent. With a
// refresh address configured, browsers connected to /refresh receive reload
// commands and diagnostics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
	"github.com/AleutianAI/AleutianReload/services/hotreload/config"
	"github.com/AleutianAI/AleutianReload/services/hotreload/runner"
	"github.com/AleutianAI/AleutianReload/services/hotreload/telemetry"
)

var (
	flagConfig      string
	flagChannelName string
	flagRefreshAddr string
	flagCompiler    string
	flagBrowser     bool
	flagLogLevel    string
	flagLogDir      string
)

var rootCmd = &cobra.Command{
	Use:   "hotreload",
	Short: "Hot-reload delta pipeline for watched projects",
}

var watchCmd = &cobra.Command{
	Use:   "watch <project>",
	Short: "Watch a project and hot-reload the running application",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagConfig, "config", "", "Path to a YAML config file")
	watchCmd.Flags().StringVar(&flagChannelName, "channel", "", "Hot-reload channel name override")
	watchCmd.Flags().StringVar(&flagRefreshAddr, "refresh-addr", "", "Browser refresh listen address (empty disables)")
	watchCmd.Flags().StringVar(&flagCompiler, "compiler", "", "Edit-continuation compiler command")
	watchCmd.Flags().BoolVar(&flagBrowser, "browser-runtime", false, "Target a browser-hosted runtime (no agent channel)")
	watchCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	watchCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "Directory for file logs")
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   parseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "hotreload",
		// Humans get text on a terminal; everything else gets JSON.
		JSON: !isatty.IsTerminal(os.Stderr.Fd()),
	})
	defer logger.Close()

	metrics := telemetry.NewMetrics()
	r := runner.New(cfg, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	projectPath, err := absPath(args[0])
	if err != nil {
		return err
	}
	logger.Info("starting hot-reload session", "project", projectPath, "channel", cfg.ChannelName)

	start := time.Now()
	err = r.Run(ctx, projectPath)
	logger.Info("session ended", "uptime", time.Since(start).Round(time.Second).String())
	return err
}

// loadConfig merges the optional config file with flag overrides.
func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if flagChannelName != "" {
		cfg.ChannelName = flagChannelName
	}
	if flagRefreshAddr != "" {
		cfg.RefreshAddr = flagRefreshAddr
	}
	if flagCompiler != "" {
		cfg.CompilerCommand = flagCompiler
	}
	if flagBrowser {
		cfg.BrowserRuntime = true
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogDir != "" {
		cfg.LogDir = flagLogDir
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func parseLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func absPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path %q is not a directory", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return abs, nil
}

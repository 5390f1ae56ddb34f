// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package diag routes compiler and edit-continuation diagnostics to the log
// and, for error-severity entries, to the browser refresh channel so the
// overlay can render them.
package diag

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
	"github.com/AleutianAI/AleutianReload/services/hotreload/delta"
	"github.com/AleutianAI/AleutianReload/services/hotreload/launch"
	"github.com/AleutianAI/AleutianReload/services/hotreload/wire"
)

// Router formats and forwards diagnostics. User-visible output stays at
// debug level for normal events; shipping failures are environmental and
// logged at warn.
type Router struct {
	logger *logging.Logger
}

// NewRouter creates a Router.
func NewRouter(logger *logging.Logger) *Router {
	return &Router{logger: logger}
}

// Forward routes one set of diagnostics. Error-severity entries are
// formatted to plain strings, logged, and shipped over the refresh channel
// when the context carries one; the rest are logged only.
func (r *Router) Forward(ctx context.Context, lc *launch.Context, diagnostics []delta.Diagnostic) {
	var formatted []string
	for _, d := range diagnostics {
		if d.Severity == delta.SeverityError {
			formatted = append(formatted, FormatDiagnostic(d))
			continue
		}
		r.logger.Debug("diagnostic",
			"severity", d.Severity.String(),
			"project", d.ProjectID,
			"message", d.Message,
		)
	}
	if len(formatted) == 0 {
		return
	}

	for _, msg := range formatted {
		r.logger.Debug("diagnostic", "severity", "Error", "message", msg)
	}

	if lc == nil || lc.RefreshServer == nil {
		return
	}
	if err := lc.RefreshServer.SendMessage(ctx, wire.NewDiagnosticsMessage(formatted)); err != nil {
		r.logger.Warn("failed to ship diagnostics to browser", "error", err)
	}
}

// FormatDiagnostic renders one diagnostic as the plain string the overlay
// and log consume.
func FormatDiagnostic(d delta.Diagnostic) string {
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

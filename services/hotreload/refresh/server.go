// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package refresh hosts the browser refresh channel: a websocket endpoint
// the browser script connects to, over which the tool pushes hot-reload
// payloads, diagnostics, and reload commands.
package refresh

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
	"github.com/AleutianAI/AleutianReload/services/hotreload/launch"
	"github.com/AleutianAI/AleutianReload/services/hotreload/telemetry"
	"github.com/AleutianAI/AleutianReload/services/hotreload/wire"
)

// Browser-facing control messages. The browser script treats any
// unrecognized text frame as a no-op, so these are plain strings rather
// than JSON documents.
const (
	// MessageReload asks the browser to refresh the page.
	MessageReload = "Reload"

	// MessageWait asks the browser to hold while the server restarts.
	MessageWait = "Wait"
)

// ErrServerClosed is returned for sends after Shutdown.
var ErrServerClosed = errors.New("refresh server closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to loopback; the browser script connects
		// from the app's own origin.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 32 * 1024,
}

// Server is the browser refresh channel. Messages are broadcast to every
// connected browser; there is no acknowledgement.
//
// # Thread Safety
//
// Safe for concurrent use. A single mutex serializes writes across all
// connections.
type Server struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics

	httpServer *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// NewServer creates a refresh server. metrics may be nil; when present the
// /metrics route exposes the pipeline registry.
func NewServer(logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		logger:  logger,
		metrics: metrics,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Router builds the gin router with the websocket route and, when metrics
// are attached, the Prometheus scrape route.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/refresh", s.handleWebSocket())
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}
	return router
}

// Start serves the refresh channel on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// handleWebSocket upgrades and registers one browser connection, then
// drains its reads until it goes away.
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			ws.Close()
			return
		}
		s.clients[ws] = struct{}{}
		s.mu.Unlock()
		s.logger.Debug("browser connected to refresh channel")

		// The browser sends nothing meaningful; reading detects the
		// close.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}

		s.mu.Lock()
		delete(s.clients, ws)
		s.mu.Unlock()
		ws.Close()
		s.logger.Debug("browser disconnected from refresh channel")
	}
}

// ClientCount returns the number of connected browsers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// SendMessage broadcasts one JSON-serializable message to every connected
// browser. Dead connections are dropped; delivery is best-effort.
func (s *Server) SendMessage(ctx context.Context, message any) error {
	kind := "delta"
	if _, ok := message.(wire.DiagnosticsMessage); ok {
		kind = "diagnostics"
	}
	s.count(kind)
	return s.broadcast(func(ws *websocket.Conn) error {
		return ws.WriteJSON(message)
	})
}

// Reload asks every connected browser to refresh the page.
func (s *Server) Reload(ctx context.Context) error {
	s.count("reload")
	return s.broadcast(func(ws *websocket.Conn) error {
		return ws.WriteMessage(websocket.TextMessage, []byte(MessageReload))
	})
}

// Wait asks every connected browser to hold during a server restart.
func (s *Server) Wait(ctx context.Context) error {
	return s.broadcast(func(ws *websocket.Conn) error {
		return ws.WriteMessage(websocket.TextMessage, []byte(MessageWait))
	})
}

func (s *Server) broadcast(write func(*websocket.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	for ws := range s.clients {
		if err := write(ws); err != nil {
			s.logger.Debug("dropping dead browser connection", "error", err)
			delete(s.clients, ws)
			ws.Close()
		}
	}
	return nil
}

// Shutdown closes every browser connection and the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ws := range s.clients {
		ws.Close()
		delete(s.clients, ws)
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) count(kind string) {
	if s.metrics != nil {
		s.metrics.RefreshPushes.WithLabelValues(kind).Inc()
	}
}

// Ensure Server satisfies the refresh handle consumed by the pipeline.
var _ launch.BrowserRefreshServer = (*Server)(nil)

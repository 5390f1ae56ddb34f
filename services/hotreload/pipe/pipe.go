// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipe provides the named local duplex channel between the tool and
// the in-process agent.
//
// The channel is realized as a unix-domain socket under a 0700 per-user
// directory, which gives the same-user scoping the protocol requires. The
// tool owns the server half; the agent opens the client half during process
// startup. Transmission is byte mode: the wire codec handles framing with
// delimited JSON documents, and each request turn ends with a one-byte ack.
//
// # Single Client
//
// The channel is strictly single-client. While a client is registered, the
// accept loop closes any newcomer immediately; the existing connection is
// preserved. When the server closes, the client observes EOF on its next
// read and exits its loop cleanly.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
)

// DefaultChannelName is the well-known channel name shared by tool and
// agent.
const DefaultChannelName = "netcore-hot-reload"

// DefaultConnectTimeout bounds the agent's connect attempt.
const DefaultConnectTimeout = 5 * time.Second

// Sentinel errors for channel operations.
var (
	// ErrNotConnected is returned when an operation needs a registered
	// client and none is attached.
	ErrNotConnected = errors.New("no client connected")

	// ErrClosed is returned for operations on a closed channel.
	ErrClosed = errors.New("channel closed")
)

// State describes the server half's lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingClient
	StateConnected
	StateClosed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateAwaitingClient:
		return "AwaitingClient"
	case StateConnected:
		return "Connected"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SocketPath resolves the filesystem path for a channel name. The parent
// directory is created with 0700 permissions so only the current OS user can
// connect.
func SocketPath(name string) (string, error) {
	current, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("aleutian-reload-%s", current.Uid))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create channel dir: %w", err)
	}
	return filepath.Join(dir, name+".sock"), nil
}

// Server is the tool-owned half of the channel. One Server instance exists
// per iteration; it is constructed during iteration initialization and
// closed when the iteration ends.
type Server struct {
	path     string
	listener net.Listener
	logger   *logging.Logger

	mu       sync.Mutex
	state    State
	conn     net.Conn
	attached chan struct{}
	closed   chan struct{}
}

// NewServer listens on the channel name and starts accepting in the
// background. A stale socket from a previous iteration is removed first.
func NewServer(name string, logger *logging.Logger) (*Server, error) {
	path, err := SocketPath(name)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	s := &Server{
		path:     path,
		listener: listener,
		logger:   logger,
		state:    StateAwaitingClient,
		attached: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

// acceptLoop registers the first client and refuses the rest.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			if s.state != StateClosed {
				s.state = StateClosed
				close(s.closed)
			}
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.conn != nil {
			s.mu.Unlock()
			s.logger.Warn("refusing second client on hot-reload channel", "path", s.path)
			_ = conn.Close()
			continue
		}
		s.conn = conn
		s.state = StateConnected
		close(s.attached)
		s.mu.Unlock()
		s.logger.Debug("hot-reload client attached", "path", s.path)
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conn returns the registered client connection, or ErrNotConnected.
func (s *Server) Conn() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateClosed:
		return nil, ErrClosed
	case s.conn == nil:
		return nil, ErrNotConnected
	default:
		return s.conn, nil
	}
}

// Connected reports whether a client is attached.
func (s *Server) Connected() bool {
	_, err := s.Conn()
	return err == nil
}

// WaitForClient blocks until a client attaches, the server closes, or the
// context is cancelled.
func (s *Server) WaitForClient(ctx context.Context) error {
	select {
	case <-s.attached:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the listener, the registered client connection, and the
// socket file. The client observes EOF on its next read.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	close(s.closed)
	s.mu.Unlock()

	err := s.listener.Close()
	if conn != nil {
		_ = conn.Close()
	}
	_ = os.Remove(s.path)
	return err
}

// Dial opens the client half of the channel. The attempt is bounded by
// DefaultConnectTimeout unless ctx carries an earlier deadline.
func Dial(ctx context.Context, name string) (net.Conn, error) {
	path, err := SocketPath(name)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
)

var channelSeq atomic.Int64

// testChannelName returns a per-test channel name so parallel tests don't
// collide on the socket path.
func testChannelName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("hotreload-test-%d-%d", os.Getpid(), channelSeq.Add(1))
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func TestServer_ClientAttach(t *testing.T) {
	name := testChannelName(t)
	server, err := NewServer(name, quietLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer server.Close()

	if got := server.State(); got != StateAwaitingClient {
		t.Fatalf("State = %v, want AwaitingClient", got)
	}
	if server.Connected() {
		t.Fatal("Connected before any client dialed")
	}

	conn, err := Dial(context.Background(), name)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.WaitForClient(ctx); err != nil {
		t.Fatalf("WaitForClient: %v", err)
	}
	if got := server.State(); got != StateConnected {
		t.Errorf("State = %v, want Connected", got)
	}
	if !server.Connected() {
		t.Error("Connected() = false after attach")
	}
}

func TestServer_SecondClientRefused(t *testing.T) {
	name := testChannelName(t)
	server, err := NewServer(name, quietLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer server.Close()

	first, err := Dial(context.Background(), name)
	if err != nil {
		t.Fatalf("Dial first: %v", err)
	}
	defer first.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.WaitForClient(ctx); err != nil {
		t.Fatalf("WaitForClient: %v", err)
	}

	second, err := Dial(context.Background(), name)
	if err != nil {
		// Connect may be refused outright; that also satisfies the
		// single-client contract.
		return
	}
	defer second.Close()

	// The server closes the second connection; the refused client sees
	// EOF on its first read.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, readErr := second.Read(buf)
	if readErr == nil {
		t.Fatal("second client read succeeded, want EOF")
	}

	// First connection must be preserved: a byte written by the server
	// side still arrives.
	srvConn, err := server.Conn()
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	if _, err := srvConn.Write([]byte{0x01}); err != nil {
		t.Fatalf("write on preserved connection: %v", err)
	}
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(first, buf); err != nil {
		t.Fatalf("read on preserved connection: %v", err)
	}
	if buf[0] != 0x01 {
		t.Errorf("read byte = 0x%02x, want 0x01", buf[0])
	}
}

func TestServer_CloseGivesClientEOF(t *testing.T) {
	name := testChannelName(t)
	server, err := NewServer(name, quietLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	conn, err := Dial(context.Background(), name)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.WaitForClient(ctx); err != nil {
		t.Fatalf("WaitForClient: %v", err)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := server.State(); got != StateClosed {
		t.Errorf("State = %v, want Closed", got)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("client read err = %v, want io.EOF", err)
	}

	if _, err := server.Conn(); !errors.Is(err, ErrClosed) {
		t.Errorf("Conn after close err = %v, want ErrClosed", err)
	}
}

func TestWaitForClient_ContextCancelled(t *testing.T) {
	name := testChannelName(t)
	server, err := NewServer(name, quietLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := server.WaitForClient(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForClient err = %v, want DeadlineExceeded", err)
	}
}

func TestDial_NoServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, testChannelName(t)); err == nil {
		t.Error("Dial succeeded with no server listening")
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:   "Disconnected",
		StateAwaitingClient: "AwaitingClient",
		StateConnected:      "Connected",
		StateClosed:         "Closed",
		State(7):            "Unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

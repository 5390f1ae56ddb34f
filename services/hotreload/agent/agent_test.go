// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
	"github.com/AleutianAI/AleutianReload/services/hotreload/delta"
	"github.com/AleutianAI/AleutianReload/services/hotreload/pipe"
	"github.com/AleutianAI/AleutianReload/services/hotreload/wire"
)

var channelSeq atomic.Int64

func testChannelName() string {
	return fmt.Sprintf("agent-test-%d-%d", os.Getpid(), channelSeq.Add(1))
}

type appliedDelta struct {
	moduleID delta.ModuleID
	metadata []byte
	il       []byte
}

type fakeModule struct {
	id delta.ModuleID
}

func (m fakeModule) VersionID() delta.ModuleID { return m.id }

// fakeRuntime records applies and optionally fails or panics on a module.
type fakeRuntime struct {
	mu      sync.Mutex
	loaded  map[delta.ModuleID]bool
	failOn  map[delta.ModuleID]bool
	panicOn map[delta.ModuleID]bool
	applied []appliedDelta
}

func newFakeRuntime(ids ...delta.ModuleID) *fakeRuntime {
	loaded := make(map[delta.ModuleID]bool)
	for _, id := range ids {
		loaded[id] = true
	}
	return &fakeRuntime{
		loaded:  loaded,
		failOn:  make(map[delta.ModuleID]bool),
		panicOn: make(map[delta.ModuleID]bool),
	}
}

func (r *fakeRuntime) FindModule(id delta.ModuleID) (ModuleHandle, bool) {
	if !r.loaded[id] {
		return nil, false
	}
	return fakeModule{id: id}, true
}

func (r *fakeRuntime) ApplyUpdate(module ModuleHandle, metadataDelta, ilDelta, pdbDelta []byte) error {
	id := module.(fakeModule).id
	if r.panicOn[id] {
		panic("runtime rejected delta")
	}
	if r.failOn[id] {
		return fmt.Errorf("incompatible delta for %s", id)
	}
	r.mu.Lock()
	r.applied = append(r.applied, appliedDelta{moduleID: id, metadata: metadataDelta, il: ilDelta})
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) appliedDeltas() []appliedDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]appliedDelta(nil), r.applied...)
}

// startAgent wires a pipe server and a running agent, returning the server
// and the channel name. The agent's cancel is registered with t.Cleanup.
func startAgent(t *testing.T, runtime Runtime) (*pipe.Server, string) {
	t.Helper()
	name := testChannelName()
	server, err := pipe.NewServer(name, logging.New(logging.Config{Quiet: true}))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := New(runtime, name, logging.New(logging.Config{Quiet: true}))
	go a.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := server.WaitForClient(waitCtx); err != nil {
		t.Fatalf("WaitForClient: %v", err)
	}
	return server, name
}

func sendBatch(t *testing.T, server *pipe.Server, batch delta.UpdateBatch) wire.Ack {
	t.Helper()
	conn, err := server.Conn()
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	if err := wire.NewEncoder(conn).EncodePayload(wire.PayloadFromBatch(batch, false)); err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ack, err := wire.ReadAck(conn)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	return ack
}

func TestAgent_AppliesDeltasInOrder(t *testing.T) {
	first := uuid.New()
	second := uuid.New()
	runtime := newFakeRuntime(first, second)
	server, _ := startAgent(t, runtime)

	batch := delta.UpdateBatch{
		Status: delta.StatusReady,
		Updates: []delta.ModuleUpdate{
			delta.NewModuleUpdate(first, []byte{0x01}, []byte{0x02}),
			delta.NewModuleUpdate(second, []byte{0x03}, []byte{0x04}),
		},
	}
	if ack := sendBatch(t, server, batch); ack != wire.AckSuccess {
		t.Fatalf("ack = %v, want Success", ack)
	}

	applied := runtime.appliedDeltas()
	if len(applied) != 2 {
		t.Fatalf("len(applied) = %d, want 2", len(applied))
	}
	if applied[0].moduleID != first || applied[1].moduleID != second {
		t.Error("deltas applied out of order")
	}
	if applied[0].metadata[0] != 0x01 || applied[0].il[0] != 0x02 {
		t.Error("delta bytes corrupted in transit")
	}
}

func TestAgent_OneAckPerBatch(t *testing.T) {
	id := uuid.New()
	runtime := newFakeRuntime(id)
	server, _ := startAgent(t, runtime)

	for i := 0; i < 3; i++ {
		batch := delta.UpdateBatch{
			Status:  delta.StatusReady,
			Updates: []delta.ModuleUpdate{delta.NewModuleUpdate(id, []byte{byte(i + 1)}, []byte{0xFF})},
		}
		if ack := sendBatch(t, server, batch); ack != wire.AckSuccess {
			t.Fatalf("batch %d: ack = %v, want Success", i, ack)
		}
	}
	if got := len(runtime.appliedDeltas()); got != 3 {
		t.Errorf("applied = %d, want 3", got)
	}
}

func TestAgent_BestEffortWithinBatch(t *testing.T) {
	good := uuid.New()
	bad := uuid.New()
	alsoGood := uuid.New()
	runtime := newFakeRuntime(good, bad, alsoGood)
	runtime.failOn[bad] = true
	server, _ := startAgent(t, runtime)

	batch := delta.UpdateBatch{
		Status: delta.StatusReady,
		Updates: []delta.ModuleUpdate{
			delta.NewModuleUpdate(good, []byte{1}, []byte{1}),
			delta.NewModuleUpdate(bad, []byte{2}, []byte{2}),
			delta.NewModuleUpdate(alsoGood, []byte{3}, []byte{3}),
		},
	}
	if ack := sendBatch(t, server, batch); ack != wire.AckFailed {
		t.Fatalf("ack = %v, want Failed", ack)
	}

	// The failing delta must not stop the rest of the batch.
	applied := runtime.appliedDeltas()
	if len(applied) != 2 {
		t.Fatalf("len(applied) = %d, want 2 (best-effort)", len(applied))
	}
	if applied[0].moduleID != good || applied[1].moduleID != alsoGood {
		t.Error("surviving deltas applied out of order")
	}
}

func TestAgent_RuntimePanicBecomesFailedAck(t *testing.T) {
	id := uuid.New()
	runtime := newFakeRuntime(id)
	runtime.panicOn[id] = true
	server, _ := startAgent(t, runtime)

	batch := delta.UpdateBatch{
		Status:  delta.StatusReady,
		Updates: []delta.ModuleUpdate{delta.NewModuleUpdate(id, []byte{1}, []byte{1})},
	}
	if ack := sendBatch(t, server, batch); ack != wire.AckFailed {
		t.Fatalf("ack = %v, want Failed after panic", ack)
	}

	// The agent loop survives: a following batch still acks.
	ok := uuid.New()
	runtime.mu.Lock()
	runtime.loaded[ok] = true
	runtime.mu.Unlock()
	batch2 := delta.UpdateBatch{
		Status:  delta.StatusReady,
		Updates: []delta.ModuleUpdate{delta.NewModuleUpdate(ok, []byte{1}, []byte{1})},
	}
	if ack := sendBatch(t, server, batch2); ack != wire.AckSuccess {
		t.Fatalf("ack after panic = %v, want Success", ack)
	}
}

func TestAgent_UnloadedModuleSkipped(t *testing.T) {
	runtime := newFakeRuntime() // nothing loaded
	server, _ := startAgent(t, runtime)

	batch := delta.UpdateBatch{
		Status:  delta.StatusReady,
		Updates: []delta.ModuleUpdate{delta.NewModuleUpdate(uuid.New(), []byte{1}, []byte{1})},
	}
	// Skipping an unloaded module is not a failure.
	if ack := sendBatch(t, server, batch); ack != wire.AckSuccess {
		t.Fatalf("ack = %v, want Success for unloaded module", ack)
	}
}

func TestAgent_EmptyDeltaBatchFailsButChannelSurvives(t *testing.T) {
	id := uuid.New()
	runtime := newFakeRuntime(id)
	server, _ := startAgent(t, runtime)

	conn, err := server.Conn()
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	doc := `{"deltas":[{"moduleId":"` + uuid.New().String() + `","metadataDelta":"","ilDelta":""}]}` + "\n"
	if _, err := conn.Write([]byte(doc)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ack, err := wire.ReadAck(conn)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	if ack != wire.AckFailed {
		t.Fatalf("ack = %v, want Failed for empty-delta batch", ack)
	}

	// Next well-formed batch still applies.
	batch := delta.UpdateBatch{
		Status:  delta.StatusReady,
		Updates: []delta.ModuleUpdate{delta.NewModuleUpdate(id, []byte{1}, []byte{1})},
	}
	if ack := sendBatch(t, server, batch); ack != wire.AckSuccess {
		t.Fatalf("ack after rejected batch = %v, want Success", ack)
	}
}

func TestAgent_ExitsCleanOnServerClose(t *testing.T) {
	runtime := newFakeRuntime()
	name := testChannelName()
	server, err := pipe.NewServer(name, logging.New(logging.Config{Quiet: true}))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	a := New(runtime, name, logging.New(logging.Config{Quiet: true}))
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.WaitForClient(waitCtx); err != nil {
		t.Fatalf("WaitForClient: %v", err)
	}
	server.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run err = %v, want clean exit on EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not exit after server close")
	}
	if got := a.State(); got != StateExited {
		t.Errorf("State = %v, want Exited", got)
	}
}

func TestAgent_ConnectTimeout(t *testing.T) {
	a := New(newFakeRuntime(), testChannelName(), logging.New(logging.Config{Quiet: true}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Run(ctx); err == nil {
		t.Error("Run succeeded with no server")
	}
	if got := a.State(); got != StateExited {
		t.Errorf("State = %v, want Exited", got)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianReload/pkg/logging"
	"github.com/AleutianAI/AleutianReload/services/hotreload/agent"
	"github.com/AleutianAI/AleutianReload/services/hotreload/apply"
	"github.com/AleutianAI/AleutianReload/services/hotreload/delta"
	"github.com/AleutianAI/AleutianReload/services/hotreload/diag"
	"github.com/AleutianAI/AleutianReload/services/hotreload/launch"
	"github.com/AleutianAI/AleutianReload/services/hotreload/workspace"
)

// orderedRuntime records every applied triple in arrival order.
type orderedRuntime struct {
	mu      sync.Mutex
	applied []delta.ModuleUpdate
}

type handle struct{ id delta.ModuleID }

func (h handle) VersionID() delta.ModuleID { return h.id }

func (r *orderedRuntime) FindModule(id delta.ModuleID) (agent.ModuleHandle, bool) {
	return handle{id: id}, true
}

func (r *orderedRuntime) ApplyUpdate(module agent.ModuleHandle, metadataDelta, ilDelta, pdbDelta []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, delta.ModuleUpdate{
		ModuleID:      module.(handle).id,
		MetadataDelta: append([]byte(nil), metadataDelta...),
		ILDelta:       append([]byte(nil), ilDelta...),
	})
	return nil
}

func (r *orderedRuntime) snapshot() []delta.ModuleUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delta.ModuleUpdate(nil), r.applied...)
}

// sequenceService emits a scripted sequence of Ready batches.
type sequenceService struct {
	mu      sync.Mutex
	batches []delta.UpdateBatch
	next    int
}

func (s *sequenceService) EmitSolutionUpdate(ctx context.Context, solution workspace.Solution) (delta.UpdateBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.batches) {
		return delta.UpdateBatch{Status: delta.StatusNone}, nil
	}
	batch := s.batches[s.next]
	s.next++
	return batch, nil
}
func (s *sequenceService) CommitSolutionUpdate()  {}
func (s *sequenceService) DiscardSolutionUpdate() {}
func (s *sequenceService) SolutionDiagnostics(ctx context.Context, solution workspace.Solution) ([]delta.Diagnostic, error) {
	return nil, nil
}
func (s *sequenceService) Dispose() {}

// TestPipeline_EndToEndOrdering drives file changes through the full
// tool-side pipeline and a live agent, asserting the agent receives exactly
// the emitted (moduleId, metadataDelta, ilDelta) sequence, in order.
func TestPipeline_EndToEndOrdering(t *testing.T) {
	tmpDir := t.TempDir()
	csPath := filepath.Join(tmpDir, "A.cs")
	if err := os.WriteFile(csPath, []byte("int F() => 1;"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Three scripted batches, two modules, distinct delta bytes.
	moduleA := uuid.New()
	moduleB := uuid.New()
	var emitted []delta.ModuleUpdate
	var batches []delta.UpdateBatch
	for i := 0; i < 3; i++ {
		update := delta.NewModuleUpdate(moduleA, []byte{byte(i), 0xA0}, []byte{byte(i), 0xA1})
		batch := delta.UpdateBatch{Status: delta.StatusReady, Updates: []delta.ModuleUpdate{update}}
		if i == 1 {
			second := delta.NewModuleUpdate(moduleB, []byte{byte(i), 0xB0}, []byte{byte(i), 0xB1})
			batch.Updates = append(batch.Updates, second)
		}
		emitted = append(emitted, batch.Updates...)
		batches = append(batches, batch)
	}
	svc := &sequenceService{batches: batches}

	// Tool side.
	quietLog := logging.New(logging.Config{Quiet: true})
	channel := fmt.Sprintf("session-e2e-%d", os.Getpid())
	applier := apply.NewPipeApplier(channel, quietLog, nil)
	if err := applier.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("applier Initialize: %v", err)
	}
	defer applier.Close()

	factory := func(ctx context.Context, solution workspace.Solution) (workspace.EditContinuationService, error) {
		return svc, nil
	}
	holder := workspace.NewHolder(workspace.NewDirectoryOpener(factory), quietLog)
	holder.Initialize(context.Background(), tmpDir)
	defer holder.Dispose()

	driver := NewDriver(holder, applier, diag.NewRouter(quietLog), quietLog)

	// Target side.
	runtime := &orderedRuntime{}
	agentCtx, stopAgent := context.WithCancel(context.Background())
	defer stopAgent()
	a := agent.New(runtime, channel, quietLog)
	go a.Run(agentCtx)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := applier.Server().WaitForClient(waitCtx); err != nil {
		t.Fatalf("agent never attached: %v", err)
	}

	// Three sequential saves.
	lc := &launch.Context{}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(csPath, []byte(fmt.Sprintf("int F() => %d;", i+2)), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if outcome := driver.HandleFileChange(context.Background(), lc, csPath); outcome != OutcomeHandled {
			t.Fatalf("change %d: outcome = %v, want Handled", i, outcome)
		}
	}

	applied := runtime.snapshot()
	if len(applied) != len(emitted) {
		t.Fatalf("agent applied %d deltas, want %d", len(applied), len(emitted))
	}
	for i := range emitted {
		if applied[i].ModuleID != emitted[i].ModuleID {
			t.Errorf("delta %d: module = %s, want %s", i, applied[i].ModuleID, emitted[i].ModuleID)
		}
		if !bytes.Equal(applied[i].MetadataDelta, emitted[i].MetadataDelta) {
			t.Errorf("delta %d: metadata mismatch", i)
		}
		if !bytes.Equal(applied[i].ILDelta, emitted[i].ILDelta) {
			t.Errorf("delta %d: il mismatch", i)
		}
	}
}

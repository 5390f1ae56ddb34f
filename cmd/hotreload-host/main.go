// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command hotreload-host is a sample target process for exercising the
// pipeline end-to-end without a real managed runtime. It registers a few
// fake modules, starts the agent the way a startup hook would, and logs
// every delta it receives until terminated.
//
// Usage:
//
//	DOTNET_HOTRELOAD_NAMEDPIPE_NAME=netcore-hot-reload hotreload-host \
//	    --module 6f1c3e52-9d41-4f6e-9d3c-2d8b55a3f0aa
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianReload/services/hotreload/agent"
	"github.com/AleutianAI/AleutianReload/services/hotreload/delta"
)

// loggedModule is a fake loaded module that records applies to stdout.
type loggedModule struct {
	id delta.ModuleID
}

func (m loggedModule) VersionID() delta.ModuleID { return m.id }

// loggedRuntime accepts every delta for its registered modules.
type loggedRuntime struct {
	modules map[delta.ModuleID]loggedModule
}

func (r *loggedRuntime) FindModule(id delta.ModuleID) (agent.ModuleHandle, bool) {
	module, ok := r.modules[id]
	return module, ok
}

func (r *loggedRuntime) ApplyUpdate(module agent.ModuleHandle, metadataDelta, ilDelta, pdbDelta []byte) error {
	fmt.Printf("applied delta to %s (metadata %d bytes, il %d bytes)\n",
		module.(loggedModule).id, len(metadataDelta), len(ilDelta))
	return nil
}

func main() {
	var moduleIDs multiFlag
	flag.Var(&moduleIDs, "module", "Module version id to register (repeatable)")
	flag.Parse()

	runtime := &loggedRuntime{modules: make(map[delta.ModuleID]loggedModule)}
	for _, raw := range moduleIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid module id %q: %v\n", raw, err)
			os.Exit(1)
		}
		runtime.modules[id] = loggedModule{id: id}
	}
	if len(runtime.modules) == 0 {
		id := uuid.New()
		runtime.modules[id] = loggedModule{id: id}
		fmt.Printf("registered generated module %s\n", id)
	}

	agent.Initialize(runtime)
	fmt.Println("host running; waiting for deltas")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

// multiFlag collects repeated string flags.
type multiFlag []string

func (f *multiFlag) String() string { return fmt.Sprint([]string(*f)) }

func (f *multiFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

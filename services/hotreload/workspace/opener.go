// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ServiceFactory starts the persistent edit-continuation session for a
// freshly loaded solution.
type ServiceFactory func(ctx context.Context, solution Solution) (EditContinuationService, error)

// DirectoryOpener loads a project directory into a single-project Solution.
// Every matching document's text is read during the load so caches are warm
// before the first change arrives.
type DirectoryOpener struct {
	sourceExtensions     []string
	additionalExtensions []string
	ignoreDirs           []string
	factory              ServiceFactory
}

// DirectoryOpenerOption customizes a DirectoryOpener.
type DirectoryOpenerOption func(*DirectoryOpener)

// WithSourceExtensions overrides the primary document extensions.
// Default: [".cs"].
func WithSourceExtensions(exts ...string) DirectoryOpenerOption {
	return func(o *DirectoryOpener) { o.sourceExtensions = exts }
}

// WithAdditionalExtensions overrides the additional document extensions.
// Default: [".razor"].
func WithAdditionalExtensions(exts ...string) DirectoryOpenerOption {
	return func(o *DirectoryOpener) { o.additionalExtensions = exts }
}

// WithIgnoreDirs overrides the directory names skipped during the scan.
// Default: [".git", "bin", "obj", "node_modules"].
func WithIgnoreDirs(dirs ...string) DirectoryOpenerOption {
	return func(o *DirectoryOpener) { o.ignoreDirs = dirs }
}

// NewDirectoryOpener creates an opener that builds the solution from disk
// and starts the edit-continuation session through factory.
func NewDirectoryOpener(factory ServiceFactory, opts ...DirectoryOpenerOption) *DirectoryOpener {
	o := &DirectoryOpener{
		sourceExtensions:     []string{".cs"},
		additionalExtensions: []string{".razor"},
		ignoreDirs:           []string{".git", "bin", "obj", "node_modules"},
		factory:              factory,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OpenProject implements Opener.
func (o *DirectoryOpener) OpenProject(ctx context.Context, projectPath string) (*Workspace, error) {
	info, err := os.Stat(projectPath)
	if err != nil {
		return nil, fmt.Errorf("stat project: %w", err)
	}
	root := projectPath
	if !info.IsDir() {
		root = filepath.Dir(projectPath)
	}

	project := Project{
		ID:   uuid.New(),
		Name: filepath.Base(root),
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if o.shouldIgnore(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if o.hasExtension(ext, o.sourceExtensions) || o.hasExtension(ext, o.additionalExtensions) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		doc := Document{ID: uuid.New(), Path: path, Text: string(text)}
		if o.hasExtension(strings.ToLower(filepath.Ext(path)), o.sourceExtensions) {
			project.Documents = append(project.Documents, doc)
		} else {
			project.AdditionalDocuments = append(project.AdditionalDocuments, doc)
		}
	}

	solution := Solution{Projects: []Project{project}}
	service, err := o.factory(ctx, solution)
	if err != nil {
		return nil, fmt.Errorf("start edit-continuation session: %w", err)
	}
	return &Workspace{Solution: solution, Service: service}, nil
}

func (o *DirectoryOpener) shouldIgnore(name string) bool {
	for _, dir := range o.ignoreDirs {
		if name == dir {
			return true
		}
	}
	return false
}

func (o *DirectoryOpener) hasExtension(ext string, exts []string) bool {
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

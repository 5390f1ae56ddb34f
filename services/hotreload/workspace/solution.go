// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace holds the in-memory model of the user's projects and
// the contract to the edit-continuation compiler.
//
// A Solution is immutable by value: replacing a document's text yields a new
// Solution and leaves the prior one untouched. Exactly one Solution is
// "current" at a time; superseded values may be dropped once the next one is
// committed.
//
// # Thread Safety
//
// Solution values are safe to share once constructed. The Holder serializes
// initialization and disposal; EditContinuationService implementations must
// tolerate one emit at a time (the session driver guarantees at most one
// open edit session per orchestrator).
package workspace

import (
	"github.com/google/uuid"
)

// Document is one source file owned by a project. AdditionalDocuments (for
// example markup) use the same shape.
type Document struct {
	// ID is the stable document identity, preserved across text
	// replacements.
	ID uuid.UUID

	// Path is the absolute file path.
	Path string

	// Text is the current source text.
	Text string
}

// Project owns an ordered set of source documents and additional documents.
type Project struct {
	// ID identifies the project in diagnostics.
	ID uuid.UUID

	// Name is the display name.
	Name string

	// Documents are the primary source documents, in load order.
	Documents []Document

	// AdditionalDocuments are non-compiled inputs such as markup, in
	// load order.
	AdditionalDocuments []Document
}

// Solution is the in-memory model of the user's projects.
type Solution struct {
	// Projects in load order.
	Projects []Project
}

// DocumentRef locates a document inside a solution.
type DocumentRef struct {
	ProjectIndex  int
	DocumentIndex int
	Additional    bool
}

// FindDocument returns the first primary document with the given path.
func (s Solution) FindDocument(path string) (DocumentRef, bool) {
	for pi, project := range s.Projects {
		for di, doc := range project.Documents {
			if doc.Path == path {
				return DocumentRef{ProjectIndex: pi, DocumentIndex: di}, true
			}
		}
	}
	return DocumentRef{}, false
}

// FindAdditionalDocument returns the first additional document with the
// given path.
func (s Solution) FindAdditionalDocument(path string) (DocumentRef, bool) {
	for pi, project := range s.Projects {
		for di, doc := range project.AdditionalDocuments {
			if doc.Path == path {
				return DocumentRef{ProjectIndex: pi, DocumentIndex: di, Additional: true}, true
			}
		}
	}
	return DocumentRef{}, false
}

// Document resolves a ref to its document.
func (s Solution) Document(ref DocumentRef) Document {
	project := s.Projects[ref.ProjectIndex]
	if ref.Additional {
		return project.AdditionalDocuments[ref.DocumentIndex]
	}
	return project.Documents[ref.DocumentIndex]
}

// WithDocumentText returns a new Solution with the referenced document's
// text replaced. Document identity is preserved; the receiver is untouched.
func (s Solution) WithDocumentText(ref DocumentRef, text string) Solution {
	next := s.clone()
	project := &next.Projects[ref.ProjectIndex]
	if ref.Additional {
		project.AdditionalDocuments[ref.DocumentIndex].Text = text
	} else {
		project.Documents[ref.DocumentIndex].Text = text
	}
	return next
}

// clone copies the project and document slices so mutations on the copy
// cannot leak into the receiver. Texts are shared strings and need no copy.
func (s Solution) clone() Solution {
	next := Solution{Projects: make([]Project, len(s.Projects))}
	for i, project := range s.Projects {
		cloned := project
		cloned.Documents = append([]Document(nil), project.Documents...)
		cloned.AdditionalDocuments = append([]Document(nil), project.AdditionalDocuments...)
		next.Projects[i] = cloned
	}
	return next
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compile defines the data model shared between the build
// scheduler and its external collaborators: projects, input fingerprints,
// compile bundles, products, results, and the reporter contract.
//
// The package holds no scheduling logic. The traversal engine lives in
// services/build/scheduler and the deduplication state in
// services/build/dedup; both are expressed in terms of these types.
package compile

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Project is a build unit identity. Immutable for the lifetime of a build.
type Project struct {
	// ID is the stable unique identifier of the project.
	ID string

	// Name is the human-readable project name used in reporter events.
	Name string

	// Dependencies lists the IDs of directly depended-on projects.
	Dependencies []string
}

// Fingerprint is the opaque equality key over every semantically relevant
// input of a compilation: sources, classpath entry hashes, and compiler
// options. Two compilations with equal fingerprints are the same logical
// work and are deduplicated against each other.
type Fingerprint string

// FingerprintOf computes a fingerprint from the project's inputs.
//
// Description:
//
//	Sources and options are hashed in the order given (order is
//	semantically relevant for the compiler invocation); classpath hashes
//	are sorted first so that equivalent classpaths fingerprint equally
//	regardless of enumeration order.
//
// Outputs:
//   - Fingerprint: 64 hex characters. Stable across processes.
func FingerprintOf(projectID string, sources []string, classpathHashes []string, options []string) Fingerprint {
	h := sha256.New()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	for _, s := range sources {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	sorted := make([]string, len(classpathHashes))
	copy(sorted, classpathHashes)
	sort.Strings(sorted)
	h.Write([]byte{1})
	for _, c := range sorted {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	h.Write([]byte{2})
	for _, o := range options {
		h.Write([]byte(o))
		h.Write([]byte{0})
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// ClientInfo identifies a connected client and allocates its per-project
// classes directories.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ClientInfo interface {
	// ClientID returns a stable identifier for this client connection.
	ClientID() string

	// UniqueClassesDirFor returns the directory this client's compilation
	// of project writes to. Stable per (client, project); distinct from
	// any directory currently readable by other compilations.
	UniqueClassesDirFor(project *Project) string
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle carries upstream knowledge into a compilation.
//
// A non-pipelined compilation receives the opaque SimpleOracle. A
// pipelined one receives a PipeliningOracle holding the transitive
// upstream signatures (in classpath-lookup order), the macro symbols each
// upstream defines, and the promise this compilation fulfils with its own
// signatures so that downstream projects can start before bytecode exists.
package oracle

import (
	"github.com/AleutianAI/kiln/services/build/compile"
	"github.com/AleutianAI/kiln/services/build/exec"
)

// Oracle is the capability handed to the compiler invocation.
type Oracle interface {
	// Pipelined reports whether this oracle belongs to a pipelined run.
	Pipelined() bool
}

// SimpleOracle is the opaque capability used during non-pipelined
// compilation.
type SimpleOracle struct{}

// Pipelined implements Oracle.
func (SimpleOracle) Pipelined() bool { return false }

// PipeliningOracle carries signatures and macro knowledge for a pipelined
// compilation.
//
// Thread Safety: Read-only after construction except for the signature
// promise, which the compiler fulfils once.
type PipeliningOracle struct {
	signatures *SignatureTable
	macros     map[string][]string
	selfSigs   *exec.Promise[[]compile.Signature]
	upstream   []string
	collected  []string
}

// NewPipeliningOracle creates the oracle for one pipelined node attempt.
//
// Inputs:
//   - signatures: Transitive upstream signatures in DFS order.
//   - macros: Defined macro symbols per upstream project ID.
//   - selfSigs: Promise the compiler fulfils with this node's own
//     signatures. Must not be nil.
//   - upstream: Names of the upstream partial successes depended on.
func NewPipeliningOracle(
	signatures *SignatureTable,
	macros map[string][]string,
	selfSigs *exec.Promise[[]compile.Signature],
	upstream []string,
) *PipeliningOracle {
	if signatures == nil {
		signatures = NewSignatureTable()
	}
	if macros == nil {
		macros = make(map[string][]string)
	}
	return &PipeliningOracle{
		signatures: signatures,
		macros:     macros,
		selfSigs:   selfSigs,
		upstream:   upstream,
	}
}

// Pipelined implements Oracle.
func (*PipeliningOracle) Pipelined() bool { return true }

// Signatures returns the upstream signature table.
func (o *PipeliningOracle) Signatures() *SignatureTable { return o.signatures }

// MacroSymbolsFor returns the macro symbols defined by an upstream
// project.
func (o *PipeliningOracle) MacroSymbolsFor(projectID string) []string {
	return o.macros[projectID]
}

// Upstream returns the names of the upstream partial successes this
// compilation depends on.
func (o *PipeliningOracle) Upstream() []string { return o.upstream }

// PublishSignatures fulfils the node's own signature promise. The compiler
// calls it as soon as type signatures are ready, before the compilation
// finishes. Returns false on a second call.
func (o *PipeliningOracle) PublishSignatures(sigs []compile.Signature) bool {
	return o.selfSigs.Complete(sigs)
}

// RecordDefinedMacroSymbols stores the macro symbols this compilation
// defined, for collection after it finishes.
func (o *PipeliningOracle) RecordDefinedMacroSymbols(symbols []string) {
	o.collected = symbols
}

// CollectDefinedMacroSymbols returns the macro symbols recorded during
// compilation. Valid after the compilation completed.
func (o *PipeliningOracle) CollectDefinedMacroSymbols() []string {
	return o.collected
}

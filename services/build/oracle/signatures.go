// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import "github.com/AleutianAI/kiln/services/build/compile"

// SignatureTable is an insertion-ordered signature map.
//
// Description:
//
//	Signatures are added in DFS order over the upstream graph. When two
//	upstreams define the same name, the first occurrence wins and later
//	ones are dropped, mirroring how classpath lookup resolves shadowed
//	entries. Iteration order is insertion order.
//
// Thread Safety: Not safe for concurrent mutation. Built once per node
// attempt, read-only afterwards.
type SignatureTable struct {
	order []compile.Signature
	index map[string]int
}

// NewSignatureTable creates an empty table.
func NewSignatureTable() *SignatureTable {
	return &SignatureTable{index: make(map[string]int)}
}

// Add inserts a signature. Returns false when the name was already
// present, in which case the existing entry is kept.
func (t *SignatureTable) Add(sig compile.Signature) bool {
	if _, ok := t.index[sig.Name]; ok {
		return false
	}
	t.index[sig.Name] = len(t.order)
	t.order = append(t.order, sig)
	return true
}

// AddAll inserts each signature in order, keeping first occurrences.
func (t *SignatureTable) AddAll(sigs []compile.Signature) {
	for _, s := range sigs {
		t.Add(s)
	}
}

// Lookup returns the signature registered under name.
func (t *SignatureTable) Lookup(name string) (compile.Signature, bool) {
	i, ok := t.index[name]
	if !ok {
		return compile.Signature{}, false
	}
	return t.order[i], true
}

// All returns the signatures in insertion order. The returned slice is
// shared; callers must not mutate it.
func (t *SignatureTable) All() []compile.Signature { return t.order }

// Len returns the number of distinct names in the table.
func (t *SignatureTable) Len() int { return len(t.order) }

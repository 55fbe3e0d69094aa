// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond builds A -> (B, C) -> D with D shared by reference.
func diamond() (*Parent[string], *Leaf[string]) {
	d := NewLeaf("D")
	b := NewParent("B", Dag[string](d))
	c := NewParent("C", Dag[string](d))
	a := NewParent("A", Dag[string](b), Dag[string](c))
	return a, d
}

func TestDFS_PreOrder(t *testing.T) {
	a, _ := diamond()

	nodes := DFS[string](a)
	require.Len(t, nodes, 4, "shared node must be visited once")

	values := Values[string](a)
	assert.Equal(t, []string{"A", "B", "D", "C"}, values,
		"pre-order, children left to right, first occurrence wins")
}

func TestDFS_SharedNodeIdentity(t *testing.T) {
	// Two structurally equal but distinct leaves are both visited.
	l1 := NewLeaf("X")
	l2 := NewLeaf("X")
	p := NewParent("P", Dag[string](l1), Dag[string](l2))

	assert.Len(t, DFS[string](p), 3, "identity, not value equality, deduplicates")
}

func TestDFS_AggregateRoot(t *testing.T) {
	a, _ := diamond()
	extra := NewLeaf("E")
	root := NewAggregate[string](Dag[string](a), Dag[string](extra))

	values := Values[string](root)
	assert.Equal(t, []string{"A", "B", "D", "C", "E"}, values,
		"aggregate contributes no value of its own")
}

func TestFold_PostOrder(t *testing.T) {
	a, _ := diamond()

	var order []string
	Fold(struct{}{}, func(s struct{}, d Dag[string]) struct{} {
		switch n := d.(type) {
		case *Leaf[string]:
			order = append(order, n.Value)
		case *Parent[string]:
			order = append(order, n.Value)
		}
		return s
	}, Dag[string](a))

	assert.Equal(t, []string{"D", "B", "C", "A"}, order, "children fold before parents")
}

func TestChildren(t *testing.T) {
	a, _ := diamond()
	assert.Len(t, Children[string](a), 2)
	assert.Nil(t, Children[string](NewLeaf("L")))
}

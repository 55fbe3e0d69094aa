// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/AleutianAI/kiln/services/build/compile"
	"github.com/AleutianAI/kiln/services/build/dag"
	"github.com/AleutianAI/kiln/services/build/exec"
	"github.com/AleutianAI/kiln/services/build/oracle"
)

// errUnknownNode is a scheduler invariant violation: the graph contained
// a node shape the engine does not know. Fatal for the traversal.
var errUnknownNode = errors.New("unknown dag node shape")

// errNoResult marks a compile function that returned neither a result
// nor an error.
var errNoResult = errors.New("compile function returned no result")

// traversal is the per-request state of one Traverse call.
type traversal struct {
	s        *Scheduler
	ctx      context.Context
	client   compile.ClientInfo
	setup    compile.SetupFunc
	compile  CompileFunc
	pipeline bool

	mu   sync.Mutex
	memo map[dag.Dag[*compile.Project]]*exec.Task[dag.Dag[Partial]]
}

// taskFor returns the memoized evaluation task of a node. A sub-graph
// referenced by several parents computes once per request.
func (t *traversal) taskFor(node dag.Dag[*compile.Project]) *exec.Task[dag.Dag[Partial]] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if task, ok := t.memo[node]; ok {
		return task
	}
	task := exec.NewTask(t.s.io, func(context.Context) (dag.Dag[Partial], error) {
		return t.evalNode(node)
	})
	t.memo[node] = task
	return task
}

// evalNode evaluates one node after its children. Runs on the io pool;
// every wait on children, promises, and compile results happens here.
func (t *traversal) evalNode(node dag.Dag[*compile.Project]) (dag.Dag[Partial], error) {
	switch n := node.(type) {
	case *dag.Leaf[*compile.Project]:
		partial := t.setupAndDeduplicate(n.Value, node, emptyDeps())
		return &dag.Leaf[Partial]{Value: partial}, nil

	case *dag.Aggregate[*compile.Project]:
		children, err := t.awaitChildren(n.Children)
		if err != nil {
			return nil, err
		}
		// An aggregate carries no compile work of its own.
		return &dag.Parent[Partial]{Value: &Empty{}, Children: children}, nil

	case *dag.Parent[*compile.Project]:
		children, err := t.awaitChildren(n.Children)
		if err != nil {
			return nil, err
		}

		if failed := failedProjects(children); len(failed) > 0 {
			t.s.logger.Info("project blocked by upstream failures",
				slog.String("project", n.Value.Name),
				slog.Any("upstream", failed),
			)
			blocked := &Failure{
				Project: n.Value,
				Err:     &BlockedError{Project: n.Value.Name, Upstream: failed},
				Result:  exec.Failed[*compile.ResultBundle](&BlockedError{Project: n.Value.Name, Upstream: failed}),
			}
			return &dag.Parent[Partial]{Value: blocked, Children: children}, nil
		}

		deps, blocked := t.gatherDependencies(n.Value, children)
		if blocked != nil {
			return &dag.Parent[Partial]{Value: blocked, Children: children}, nil
		}

		partial := t.setupAndDeduplicate(n.Value, node, deps)
		return &dag.Parent[Partial]{Value: partial, Children: children}, nil

	default:
		return nil, errUnknownNode
	}
}

// awaitChildren evaluates child sub-graphs concurrently and waits for all
// of them.
func (t *traversal) awaitChildren(children []dag.Dag[*compile.Project]) ([]dag.Dag[Partial], error) {
	tasks := make([]*exec.Task[dag.Dag[Partial]], len(children))
	for i, c := range children {
		tasks[i] = t.taskFor(c)
		tasks[i].Start()
	}
	out := make([]dag.Dag[Partial], len(children))
	for i, task := range tasks {
		r, err := task.Await(t.ctx)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// nodeDeps is the upstream knowledge a node attempt needs.
type nodeDeps struct {
	products   map[string]compile.BundleProducts
	results    map[string]*compile.Analysis
	signatures *oracle.SignatureTable
	macros     map[string][]string
	upstream   []string
	javaSignal *exec.Task[JavaSignal]
}

func emptyDeps() *nodeDeps {
	return &nodeDeps{
		products:   make(map[string]compile.BundleProducts),
		results:    make(map[string]*compile.Analysis),
		signatures: oracle.NewSignatureTable(),
		macros:     make(map[string][]string),
		javaSignal: exec.Completed(ContinueCompilation()),
	}
}

// gatherDependencies collects the transitive upstream successes of a
// parent, in DFS first-occurrence order, and derives the dependent
// products, analyses, signature table, and Java signal.
//
// In normal mode every upstream result has already resolved; its full
// products feed the bundle. In pipelined mode the function waits only for
// each upstream's signature promise: upstreams whose compilation is still
// running contribute partial products.
func (t *traversal) gatherDependencies(p *compile.Project, children []dag.Dag[Partial]) (*nodeDeps, *Failure) {
	deps := emptyDeps()

	var successes []*Success
	for _, n := range dag.DFS(children...) {
		if s, ok := partialOf(n).(*Success); ok {
			successes = append(successes, s)
		}
	}

	var blockedOn []string
	doneTasks := make([]*exec.Task[JavaSignal], 0, len(successes))

	for _, up := range successes {
		project := up.Bundle.Project
		deps.upstream = append(deps.upstream, project.Name)

		if !t.pipeline {
			res, err := up.Result.Await(t.ctx)
			if err != nil || !res.Final.Ok() {
				blockedOn = append(blockedOn, project.Name)
				continue
			}
			products := res.Final.Products
			deps.products[project.ID] = compile.BundleProducts{Full: products}
			deps.signatures.AddAll(products.Signatures)
			deps.macros[project.ID] = products.DefinedMacroSymbols
			t.addDependentResults(deps, res, products)
			continue
		}

		// Pipelined: wait for signatures only; completion is folded into
		// the Java signal.
		sigs, err := up.Pipeline.Signatures.Await(t.ctx)
		if err != nil {
			blockedOn = append(blockedOn, project.Name)
			continue
		}
		deps.signatures.AddAll(sigs)

		if res, rerr, done := up.Result.TryResult(); done && rerr == nil && res.Final.Ok() {
			products := res.Final.Products
			deps.products[project.ID] = compile.BundleProducts{Full: products}
			deps.macros[project.ID] = products.DefinedMacroSymbols
			t.addDependentResults(deps, res, products)
		} else {
			deps.products[project.ID] = compile.BundleProducts{Partial: &compile.PartialProducts{
				ReadOnlyDir: up.Bundle.ReadOnlyDir,
				NewDir:      up.Bundle.ClassesDir,
			}}
		}

		doneTasks = append(doneTasks, javaSignalOf(t.s.io, project.Name, up))
	}

	if len(blockedOn) > 0 {
		err := &BlockedError{Project: p.Name, Upstream: blockedOn}
		return nil, &Failure{
			Project: p,
			Err:     err,
			Result:  exec.Failed[*compile.ResultBundle](err),
		}
	}

	if t.pipeline {
		deps.javaSignal = foldJavaSignals(t.s.io, doneTasks)
	}
	return deps, nil
}

// addDependentResults records an upstream analysis under both the old
// read-only directory and the new classes directory. Downstream analysis
// lookup may resolve either path.
func (t *traversal) addDependentResults(deps *nodeDeps, res *compile.ResultBundle, products *compile.Products) {
	var analysis *compile.Analysis
	if res.NewSuccessful != nil {
		analysis = res.NewSuccessful.Analysis
	}
	if analysis == nil {
		return
	}
	if products.ReadOnlyDir != "" {
		deps.results[products.ReadOnlyDir] = analysis
	}
	if products.NewDir != "" {
		deps.results[products.NewDir] = analysis
	}
}

// javaSignalOf maps one upstream's completion promise to its Java signal
// contribution: continue if the upstream fully completed, fail fast
// otherwise.
func javaSignalOf(io *exec.Pool, name string, up *Success) *exec.Task[JavaSignal] {
	return exec.NewTask(io, func(ctx context.Context) (JavaSignal, error) {
		if _, err := up.Pipeline.Finished.Await(ctx); err != nil {
			return FailFastCompilation(name), nil
		}
		return ContinueCompilation(), nil
	})
}

// foldJavaSignals folds upstream completions left to right:
// Continue∘Continue = Continue, FailFast absorbs and concatenates.
func foldJavaSignals(io *exec.Pool, upstream []*exec.Task[JavaSignal]) *exec.Task[JavaSignal] {
	return exec.NewTask(io, func(ctx context.Context) (JavaSignal, error) {
		signal := ContinueCompilation()
		for _, u := range upstream {
			s, err := u.Await(ctx)
			if err != nil {
				return JavaSignal{}, err
			}
			signal = signal.Fold(s)
		}
		return signal, nil
	})
}

// partialOf extracts the partial carried by a result node.
func partialOf(n dag.Dag[Partial]) Partial {
	switch v := n.(type) {
	case *dag.Leaf[Partial]:
		return v.Value
	case *dag.Parent[Partial]:
		return v.Value
	default:
		return nil
	}
}

// failedProjects collects the distinct names of failed or blocked
// projects in the given sub-graphs, children before parents, left to
// right.
func failedProjects(children []dag.Dag[Partial]) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, c := range children {
		dag.Fold(struct{}{}, func(s struct{}, n dag.Dag[Partial]) struct{} {
			if f, ok := partialOf(n).(*Failure); ok {
				if _, dup := seen[f.Project.Name]; !dup {
					seen[f.Project.Name] = struct{}{}
					names = append(names, f.Project.Name)
				}
			}
			return s
		}, c)
	}
	return names
}

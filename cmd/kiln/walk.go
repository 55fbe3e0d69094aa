// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/kiln/services/build/compile"
	"github.com/AleutianAI/kiln/services/build/dag"
	"github.com/AleutianAI/kiln/services/build/dedup"
	"github.com/AleutianAI/kiln/services/build/scheduler"
	"github.com/AleutianAI/kiln/services/build/store"
)

var (
	flagGraph    string
	flagPipeline bool
	flagWorkDir  string
)

var walkCmd = &cobra.Command{
	Use:   "walk",
	Short: "Dry-run a compilation traversal over a graph file",
	Long: `Loads a project graph description and walks it with a no-op
compiler, printing the per-project outcome. Useful for checking graph
shape, traversal order, and deduplication behavior without a real
compiler attached.`,
	RunE: runWalk,
}

func init() {
	walkCmd.Flags().StringVar(&flagGraph, "graph", "", "path to the graph YAML file (required)")
	walkCmd.Flags().BoolVar(&flagPipeline, "pipeline", false, "use pipelined traversal")
	walkCmd.Flags().StringVar(&flagWorkDir, "work-dir", "", "directory for classes output (default: temp)")
	_ = walkCmd.MarkFlagRequired("graph")
}

// graphFile is the on-disk graph description.
type graphFile struct {
	Projects []struct {
		ID           string   `yaml:"id"`
		Name         string   `yaml:"name"`
		Dependencies []string `yaml:"dependencies"`
	} `yaml:"projects"`
}

func runWalk(cmd *cobra.Command, args []string) error {
	root, err := loadGraph(flagGraph)
	if err != nil {
		return err
	}

	workDir := flagWorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "kiln-walk-*")
		if err != nil {
			return fmt.Errorf("creating work dir: %w", err)
		}
	}

	registry := dedup.NewRegistry(logger)

	var journal scheduler.Journal
	if cfg.JournalPath != "" {
		j, err := store.Open(store.DefaultConfig(cfg.JournalPath))
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer j.Close()
		if _, err := j.Seed(cmd.Context(), registry); err != nil {
			logger.Warn("journal seeding failed", "error", err.Error())
		}
		journal = j
	}

	sched := scheduler.New(registry, scheduler.Config{
		DisconnectTimeout: cfg.DisconnectTimeout(),
		ComputeSize:       cfg.ComputeSize,
	}, journal, logger)

	client := &walkClient{id: "walk-" + uuid.NewString()[:8], base: workDir}
	setup := walkSetup(workDir)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	result, err := sched.Traverse(ctx, client, root, setup, walkCompile, flagPipeline).Await(ctx)
	if err != nil {
		return fmt.Errorf("traversal failed: %w", err)
	}

	ok, failed := summarize(cmd, result)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d succeeded, %d failed in %s\n",
		ok, failed, time.Since(start).Round(time.Millisecond))
	if failed > 0 {
		return fmt.Errorf("%d projects failed", failed)
	}
	return nil
}

// loadGraph parses the graph file into a project DAG. Projects no other
// project depends on become roots; multiple roots are aggregated.
func loadGraph(path string) (dag.Dag[*compile.Project], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph file: %w", err)
	}
	var gf graphFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("parsing graph file: %w", err)
	}
	if len(gf.Projects) == 0 {
		return nil, fmt.Errorf("graph file declares no projects")
	}

	projects := make(map[string]*compile.Project, len(gf.Projects))
	dependedOn := make(map[string]bool)
	for _, p := range gf.Projects {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		projects[p.ID] = &compile.Project{ID: p.ID, Name: name, Dependencies: p.Dependencies}
		for _, d := range p.Dependencies {
			dependedOn[d] = true
		}
	}

	nodes := make(map[string]dag.Dag[*compile.Project])
	building := make(map[string]bool)

	var build func(id string) (dag.Dag[*compile.Project], error)
	build = func(id string) (dag.Dag[*compile.Project], error) {
		if n, ok := nodes[id]; ok {
			return n, nil
		}
		if building[id] {
			return nil, fmt.Errorf("dependency cycle through %q", id)
		}
		building[id] = true
		defer delete(building, id)

		p, ok := projects[id]
		if !ok {
			return nil, fmt.Errorf("unknown project %q in dependencies", id)
		}
		if len(p.Dependencies) == 0 {
			n := dag.NewLeaf(p)
			nodes[id] = n
			return n, nil
		}
		children := make([]dag.Dag[*compile.Project], 0, len(p.Dependencies))
		for _, d := range p.Dependencies {
			c, err := build(d)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		n := dag.NewParent(p, children...)
		nodes[id] = n
		return n, nil
	}

	var roots []dag.Dag[*compile.Project]
	for _, p := range gf.Projects {
		if !dependedOn[p.ID] {
			n, err := build(p.ID)
			if err != nil {
				return nil, err
			}
			roots = append(roots, n)
		}
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("graph has no roots (every project is depended on)")
	}
	if len(roots) == 1 {
		return roots[0], nil
	}
	return dag.NewAggregate(roots...), nil
}

// walkClient identifies one harness invocation.
type walkClient struct {
	id   string
	base string
}

func (c *walkClient) ClientID() string { return c.id }

func (c *walkClient) UniqueClassesDirFor(p *compile.Project) string {
	return filepath.Join(c.base, "external", p.ID)
}

// walkSetup fingerprints each project by identity: the harness has no
// sources, so two walks of the same graph deduplicate fully.
func walkSetup(workDir string) compile.SetupFunc {
	return func(ctx context.Context, in compile.BundleInputs) (*compile.Bundle, error) {
		return &compile.Bundle{
			Project:    in.Project,
			Inputs:     compile.FingerprintOf(in.Project.ID, nil, nil, nil),
			Reporter:   compile.NopReporter{},
			Logger:     logger,
			ClassesDir: filepath.Join(workDir, in.Project.ID, "classes-"+uuid.NewString()[:8]),
		}, nil
	}
}

// walkCompile is the no-op compiler: it creates the classes directory
// and reports a deterministic success.
func walkCompile(ctx context.Context, in scheduler.Inputs) (*compile.ResultBundle, error) {
	p := in.Bundle.Project
	in.Bundle.Reporter.ReportStartCompilation(p.Name)
	if err := os.MkdirAll(in.Bundle.ClassesDir, 0o755); err != nil {
		return nil, err
	}
	products := &compile.Products{
		ReadOnlyDir: in.Bundle.ReadOnlyDir,
		NewDir:      in.Bundle.ClassesDir,
		Signatures:  []compile.Signature{{Name: p.Name, Digest: p.ID}},
	}
	if in.Pipeline != nil {
		in.Pipeline.Signatures.Complete(products.Signatures)
	}
	in.Bundle.Reporter.ReportEndCompilation(p.Name, compile.StatusOk)
	return &compile.ResultBundle{
		Final:         compile.Result{Kind: compile.ResultOk, Products: products},
		NewSuccessful: &compile.Successful{ProjectID: p.ID, ClassesDir: in.Bundle.ClassesDir, Analysis: &compile.Analysis{}},
	}, nil
}

// summarize prints per-project outcomes and returns success/failure
// counts.
func summarize(cmd *cobra.Command, result dag.Dag[scheduler.Partial]) (int, int) {
	ok, failed := 0, 0
	for _, n := range dag.DFS[scheduler.Partial](result) {
		var p scheduler.Partial
		switch v := n.(type) {
		case *dag.Leaf[scheduler.Partial]:
			p = v.Value
		case *dag.Parent[scheduler.Partial]:
			p = v.Value
		default:
			continue
		}
		switch outcome := p.(type) {
		case *scheduler.Success:
			ok++
			fmt.Fprintf(cmd.OutOrStdout(), "  ok      %s\n", outcome.Bundle.Project.Name)
		case *scheduler.Failure:
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "  failed  %s: %v\n", outcome.Project.Name, outcome.Err)
		}
	}
	return ok, failed
}

package workflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hpungsan/carchat/internal/capability"
)

// Fixed stage names. Dispatch stages are named after their capability.
const (
	StageLoadContext = "load-context"
	StageRoute       = "route"
	StageFinalize    = "finalize"
	StagePersist     = "persist"
)

type stageFunc func(ctx context.Context, s State) State

type node struct {
	name  string
	run   stageFunc
	edges []string           // every possible successor
	next  func(State) string // chosen successor; "" ends the turn
}

// graph is a validated DAG of stages with one entry and one terminal.
type graph struct {
	entry    string
	terminal string
	nodes    map[string]*node
	order    []string
}

func newGraph(entry, terminal string) *graph {
	return &graph{entry: entry, terminal: terminal, nodes: make(map[string]*node)}
}

func (g *graph) add(n *node) {
	g.nodes[n.name] = n
	g.order = append(g.order, n.name)
}

// always returns an unconditional successor.
func always(name string) func(State) string {
	return func(State) string { return name }
}

func (g *graph) validate() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry stage %q not registered", g.entry)
	}
	for _, c := range capability.All() {
		if _, ok := g.nodes[c.String()]; !ok {
			return fmt.Errorf("no dispatch stage for capability %s", c)
		}
	}

	var terminals []string
	for _, name := range g.order {
		n := g.nodes[name]
		if len(n.edges) == 0 {
			terminals = append(terminals, name)
		}
		for _, e := range n.edges {
			if _, ok := g.nodes[e]; !ok {
				return fmt.Errorf("stage %q points to unknown stage %q", name, e)
			}
		}
	}
	if len(terminals) != 1 || terminals[0] != g.terminal {
		return fmt.Errorf("want single terminal %q, found %v", g.terminal, terminals)
	}

	// Depth-first walk: grey nodes are on the current path.
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(string) error
	visit = func(name string) error {
		switch color[name] {
		case grey:
			return fmt.Errorf("cycle through stage %q", name)
		case black:
			return nil
		}
		color[name] = grey
		for _, e := range g.nodes[name].edges {
			if err := visit(e); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	if err := visit(g.entry); err != nil {
		return err
	}
	for _, name := range g.order {
		if color[name] != black {
			return fmt.Errorf("stage %q is unreachable from %q", name, g.entry)
		}
	}
	return nil
}

// run walks the graph from the entry. Each stage runs at most once.
func (g *graph) run(ctx context.Context, s State) State {
	seen := make(map[string]bool, len(g.nodes))
	cur := g.entry
	for cur != "" {
		if seen[cur] {
			return s.withError(cur, KindInternal, fmt.Errorf("stage %q revisited", cur))
		}
		seen[cur] = true

		n := g.nodes[cur]
		start := time.Now()
		s = n.run(ctx, s)
		s = s.visited(cur, time.Since(start))

		next := n.next(s)
		if next != "" && !slices.Contains(n.edges, next) {
			return s.withError(cur, KindInternal, fmt.Errorf("stage %q has no edge to %q", cur, next))
		}
		cur = next
	}
	return s
}

// Health describes the graph's shape for diagnostics.
type Health struct {
	Status       string              `json:"status"`
	StateVersion int                 `json:"state_version"`
	StageCount   int                 `json:"stage_count"`
	Entry        string              `json:"entry"`
	Terminal     string              `json:"terminal"`
	Stages       []string            `json:"stages"`
	Branches     map[string][]string `json:"branches"`
}

func (g *graph) health() Health {
	branches := make(map[string][]string)
	for _, name := range g.order {
		if edges := g.nodes[name].edges; len(edges) > 1 {
			branches[name] = slices.Clone(edges)
		}
	}
	return Health{
		Status:       "ok",
		StateVersion: StateVersion,
		StageCount:   len(g.nodes),
		Entry:        g.entry,
		Terminal:     g.terminal,
		Stages:       slices.Clone(g.order),
		Branches:     branches,
	}
}

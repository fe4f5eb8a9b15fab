package graph

import (
	"strings"

	"github.com/ha1tch/xmigrate/pkg/models"
)

// Dependency is a fixed dependency supplied by the plan, for pairs the
// field catalogs do not reveal (line items depend on their parent document)
type Dependency struct {
	From  string `json:"from" mapstructure:"from"`
	To    string `json:"to" mapstructure:"to"`
	Field string `json:"field,omitempty" mapstructure:"field"`
}

// Edge is a dependency between two entity types
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Fields string `json:"fields"`
}

// Step is one entity type in migration order
type Step struct {
	Model     string   `json:"model"`
	DependsOn []string `json:"depends_on,omitempty"`
	Level     int      `json:"level"`
}

// Plan is the computed migration order
type Plan struct {
	Steps  []Step `json:"steps"`
	Broken []Edge `json:"broken,omitempty"`
}

// Models returns the entity types in order
func (p Plan) Models() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Model
	}
	return out
}

// Build creates the dependency graph of the selected entity types.
// Only stored many2one fields pointing at another selected type produce edges.
func Build(nodes []string, catalogs map[string]models.Catalog, overrides []Dependency) *IndexedGraph {
	g := NewIndexedGraph()
	selected := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		selected[n] = true
		g.AddNode(n)
	}

	for _, n := range nodes {
		catalog := catalogs[n]
		for _, name := range catalog.Names() {
			f := catalog[name]
			if f.Type != models.TypeMany2one || !f.Store || !selected[f.Relation] {
				continue
			}
			g.AddEdge(n, f.Relation, name)
		}
	}

	for _, d := range overrides {
		if selected[d.From] && selected[d.To] {
			g.AddEdge(d.From, d.To, d.Field)
		}
	}

	return g
}

// Order sorts nodes so that every entity type comes after its dependencies.
// Nodes are visited depth first in the given order; an edge closing a cycle
// is dropped and reported in Plan.Broken, so the first-discovered entity type
// of a cycle is created without waiting for the other.
func (g *IndexedGraph) Order(nodes []string) Plan {
	g.mu.RLock()
	defer g.mu.RUnlock()

	position := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := position[n]; !dup {
			position[n] = i
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(nodes))
	level := make(map[string]int, len(nodes))
	var plan Plan

	var visit func(string)
	visit = func(node string) {
		state[node] = visiting

		deps := g.dependenciesInOrder(node, position)
		var dependsOn []string
		lvl := 0
		for _, dep := range deps {
			switch state[dep] {
			case visiting:
				plan.Broken = append(plan.Broken, Edge{From: node, To: dep, Fields: g.adjacency[node][dep]})
				continue
			case unvisited:
				visit(dep)
			}
			dependsOn = append(dependsOn, dep)
			if level[dep]+1 > lvl {
				lvl = level[dep] + 1
			}
		}

		state[node] = done
		level[node] = lvl
		plan.Steps = append(plan.Steps, Step{Model: node, DependsOn: dependsOn, Level: lvl})
	}

	for _, n := range nodes {
		if state[n] == unvisited {
			visit(n)
		}
	}

	return plan
}

// dependenciesInOrder returns the selected dependencies of node sorted by plan position
func (g *IndexedGraph) dependenciesInOrder(node string, position map[string]int) []string {
	var deps []string
	for dep := range g.adjacency[node] {
		if _, ok := position[dep]; ok {
			deps = append(deps, dep)
		}
	}
	for i := 1; i < len(deps); i++ {
		for j := i; j > 0 && position[deps[j]] < position[deps[j-1]]; j-- {
			deps[j], deps[j-1] = deps[j-1], deps[j]
		}
	}
	return deps
}

// String renders an edge for log output
func (e Edge) String() string {
	var b strings.Builder
	b.WriteString(e.From)
	b.WriteString(" -> ")
	b.WriteString(e.To)
	if e.Fields != "" {
		b.WriteString(" (")
		b.WriteString(e.Fields)
		b.WriteString(")")
	}
	return b.String()
}

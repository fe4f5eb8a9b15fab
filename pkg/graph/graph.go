package graph

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// IndexedGraph is a directed graph of entity types.
// An edge from -> to means records of "from" reference records of "to",
// so "to" has to be migrated first. Edge labels are the referencing fields.
type IndexedGraph struct {
	adjacency map[string]map[string]string // node -> {dependency -> fields}
	reverse   map[string]map[string]string // node -> {dependent -> fields}
	mu        sync.RWMutex
}

// NewIndexedGraph creates an empty graph
func NewIndexedGraph() *IndexedGraph {
	return &IndexedGraph{
		adjacency: make(map[string]map[string]string),
		reverse:   make(map[string]map[string]string),
	}
}

func (g *IndexedGraph) ensure(node string) {
	if _, exists := g.adjacency[node]; !exists {
		g.adjacency[node] = make(map[string]string)
		g.reverse[node] = make(map[string]string)
	}
}

// AddNode adds an entity type
func (g *IndexedGraph) AddNode(node string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensure(node)
}

// AddEdge records that from depends on to through field.
// Self-references are ignored; they are handled per record.
func (g *IndexedGraph) AddEdge(from, to, field string) error {
	if from == "" || to == "" {
		return fmt.Errorf("edge endpoints must be non-empty")
	}
	if from == to {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.ensure(from)
	g.ensure(to)

	label := field
	if existing, ok := g.adjacency[from][to]; ok && existing != "" && field != "" {
		fields := strings.Split(existing, ",")
		for _, f := range fields {
			if f == field {
				return nil
			}
		}
		fields = append(fields, field)
		sort.Strings(fields)
		label = strings.Join(fields, ",")
	} else if ok && field == "" {
		label = existing
	}

	g.adjacency[from][to] = label
	g.reverse[to][from] = label
	return nil
}

// RemoveEdge removes an edge between nodes
func (g *IndexedGraph) RemoveEdge(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if adj, exists := g.adjacency[from]; exists {
		delete(adj, to)
	}
	if rev, exists := g.reverse[to]; exists {
		delete(rev, from)
	}
}

// HasNode reports whether the entity type is part of the graph
func (g *IndexedGraph) HasNode(node string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.adjacency[node]
	return ok
}

// Dependencies returns the entity types node depends on, with the fields
func (g *IndexedGraph) Dependencies(node string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := make([]Edge, 0, len(g.adjacency[node]))
	for _, dep := range sortedKeys(g.adjacency[node]) {
		edges = append(edges, Edge{From: node, To: dep, Fields: g.adjacency[node][dep]})
	}
	return edges
}

// Dependents returns the entity types that depend on node
func (g *IndexedGraph) Dependents(node string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := make([]Edge, 0, len(g.reverse[node]))
	for _, dep := range sortedKeys(g.reverse[node]) {
		edges = append(edges, Edge{From: dep, To: node, Fields: g.reverse[node][dep]})
	}
	return edges
}

// ErrNoPath is returned when one entity type does not depend on another
var ErrNoPath = errors.New("no dependency path")

// Path returns the shortest chain of dependencies leading from one entity
// type to another, which is why "to" is migrated before "from"
func (g *IndexedGraph) Path(from, to string) ([]Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, n := range []string{from, to} {
		if _, ok := g.adjacency[n]; !ok {
			return nil, fmt.Errorf("entity type %s is not in the graph", n)
		}
	}

	via := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 && to != from {
		node := queue[0]
		queue = queue[1:]
		for _, dep := range sortedKeys(g.adjacency[node]) {
			if _, seen := via[dep]; seen {
				continue
			}
			via[dep] = node
			if dep == to {
				queue = nil
				break
			}
			queue = append(queue, dep)
		}
	}
	if _, ok := via[to]; !ok {
		return nil, fmt.Errorf("%w from %s to %s", ErrNoPath, from, to)
	}

	var path []Edge
	for node := to; node != from; node = via[node] {
		prev := via[node]
		path = append(path, Edge{From: prev, To: node, Fields: g.adjacency[prev][node]})
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// HasCycle checks if the graph has a cycle using DFS
func (g *IndexedGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycleFrom func(string) bool
	hasCycleFrom = func(node string) bool {
		visited[node] = true
		recStack[node] = true

		for neighbor := range g.adjacency[node] {
			if !visited[neighbor] {
				if hasCycleFrom(neighbor) {
					return true
				}
			} else if recStack[neighbor] {
				return true
			}
		}

		recStack[node] = false
		return false
	}

	for node := range g.adjacency {
		if !visited[node] && hasCycleFrom(node) {
			return true
		}
	}

	return false
}

// Save writes the graph as one line per node: "node:dep:fields dep:fields"
func (g *IndexedGraph) Save(filename string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tempFile := filename + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, node := range sortedKeys(g.adjacency) {
		var parts []string
		for _, dep := range sortedKeys(g.adjacency[node]) {
			parts = append(parts, fmt.Sprintf("%s:%s", dep, g.adjacency[node][dep]))
		}
		line := fmt.Sprintf("%s:%s\n", node, strings.Join(parts, " "))
		if _, err := writer.WriteString(line); err != nil {
			return err
		}
	}

	if err := writer.Flush(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	return os.Rename(tempFile, filename)
}

// NodeCount returns the number of nodes in the graph
func (g *IndexedGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adjacency)
}

// EdgeCount returns the number of edges in the graph
func (g *IndexedGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, neighbors := range g.adjacency {
		count += len(neighbors)
	}
	return count
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

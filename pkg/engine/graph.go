package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphNode is one component in a dependency graph.
type GraphNode struct {
	// ComponentID identifies the component.
	ComponentID string `json:"componentId"`

	// Level is the topological level, or -1 for components on a cycle.
	Level int `json:"level"`

	// Dependencies are the components this one depends on.
	Dependencies []string `json:"dependencies"`

	// Dependents are the components that depend on this one.
	Dependents []string `json:"dependents"`

	// Patches are the patches of the component, in input order.
	Patches []*Patch `json:"-"`
}

// DependencyGraph is the component-level dependency graph of a patch set.
// Dependencies on components outside the set are not edges.
type DependencyGraph struct {
	// Nodes maps component ids to nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Levels groups the acyclic components by topological level.
	Levels [][]string `json:"levels"`

	// Cycles lists every dependency cycle found, each closed on its first id.
	Cycles [][]string `json:"cycles,omitempty"`
}

// BuildDependencyGraph builds the dependency graph of patches.
func BuildDependencyGraph(patches []*Patch) *DependencyGraph {
	g := &DependencyGraph{Nodes: make(map[string]*GraphNode)}

	for _, p := range patches {
		node, ok := g.Nodes[p.ComponentID]
		if !ok {
			node = &GraphNode{ComponentID: p.ComponentID, Level: -1}
			g.Nodes[p.ComponentID] = node
		}
		node.Patches = append(node.Patches, p)
	}

	for _, node := range g.Nodes {
		seen := make(map[string]bool)
		for _, p := range node.Patches {
			for _, dep := range p.Dependencies {
				target, ok := g.Nodes[dep.ComponentID]
				if !ok || dep.ComponentID == node.ComponentID || seen[dep.ComponentID] {
					continue
				}
				seen[dep.ComponentID] = true
				node.Dependencies = append(node.Dependencies, dep.ComponentID)
				target.Dependents = append(target.Dependents, node.ComponentID)
			}
		}
	}
	for _, node := range g.Nodes {
		sort.Strings(node.Dependencies)
		sort.Strings(node.Dependents)
	}

	g.detectCycles()
	g.computeLevels()
	return g
}

func (g *DependencyGraph) sortedIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// detectCycles uses depth-first search to collect circular dependencies.
func (g *DependencyGraph) detectCycles() {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(id string, path []string)
	visit = func(id string, path []string) {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range g.Nodes[id].Dependencies {
			if !visited[dep] {
				visit(dep, path)
				continue
			}
			if recStack[dep] {
				for i, p := range path {
					if p == dep {
						cycle := append(append([]string{}, path[i:]...), dep)
						g.Cycles = append(g.Cycles, cycle)
						break
					}
				}
			}
		}

		recStack[id] = false
	}

	for _, id := range g.sortedIDs() {
		if !visited[id] {
			visit(id, nil)
		}
	}
}

// computeLevels assigns topological levels with Kahn's algorithm. Nodes on
// or behind a cycle keep level -1.
func (g *DependencyGraph) computeLevels() {
	inDegree := make(map[string]int, len(g.Nodes))
	for id, node := range g.Nodes {
		inDegree[id] = len(node.Dependencies)
	}

	var current []string
	for _, id := range g.sortedIDs() {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for level := 0; len(current) > 0; level++ {
		g.Levels = append(g.Levels, current)
		var next []string
		for _, id := range current {
			g.Nodes[id].Level = level
			for _, dependent := range g.Nodes[id].Dependents {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
}

// CycleOf returns the first cycle that contains id, or nil.
func (g *DependencyGraph) CycleOf(id string) []string {
	for _, cycle := range g.Cycles {
		for _, c := range cycle {
			if c == id {
				return cycle
			}
		}
	}
	return nil
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Components {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\"];\n", id, nodeLabel(g.Nodes[id])))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.sortedIDs() {
		node := g.Nodes[id]
		if node.Level < 0 {
			sb.WriteString(fmt.Sprintf("  %q [label=\"%s\", color=red];\n", id, nodeLabel(node)))
		}
	}

	for _, id := range g.sortedIDs() {
		for _, dep := range g.Nodes[id].Dependents {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", id, dep))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func nodeLabel(node *GraphNode) string {
	versions := make([]string, 0, len(node.Patches))
	for _, p := range node.Patches {
		versions = append(versions, VersionString(p.Version))
	}
	return fmt.Sprintf("%s\\n%s", node.ComponentID, strings.Join(versions, ", "))
}

// formatCycle formats a cycle path for messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

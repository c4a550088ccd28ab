// Package graphview reconstructs the execution graph of a plan run from its
// NodeExecution records, either as a nested tree or as a flat adjacency
// map.
//
// Nodes refer to each other only by id (ParentID, PreviousID, NextID), so
// both algorithms work over an arena keyed by id and track visited ids.
// Malformed records with cyclic references therefore terminate, and every
// id is rendered at most once.
package graphview

import (
	"context"
	"sort"
	"time"

	"github.com/dshills/pipecore/pipeline"
)

// Mode selects the graph representation.
type Mode string

// Modes.
const (
	ModeTree      Mode = "tree"
	ModeAdjacency Mode = "adjacency"
)

// Outcome is a piece of output recorded for a node.
type Outcome struct {
	Name string                 `json:"name"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// OutcomeService looks up outcomes recorded for a node. It only decorates
// vertices: a failing lookup never fails reconstruction.
type OutcomeService interface {
	FindAllByRuntimeID(ctx context.Context, planExecutionID, nodeExecutionID string) ([]Outcome, error)
}

// VertexInfo is the rendered form of one node.
type VertexInfo struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name,omitempty"`
	StepType    string                 `json:"stepType,omitempty"`
	Status      pipeline.Status        `json:"status"`
	Mode        pipeline.ExecutionMode `json:"mode,omitempty"`
	RetryIDs    []string               `json:"retryIds,omitempty"`
	FailureInfo *pipeline.FailureInfo  `json:"failureInfo,omitempty"`
	StartTs     time.Time              `json:"startTs"`
	EndTs       time.Time              `json:"endTs,omitempty"`
	Outcomes    []Outcome              `json:"outcomes,omitempty"`
}

// Vertex is a node of the tree form.
type Vertex struct {
	VertexInfo

	// Children are the subgraphs spawned by this node. The children of a
	// CHILD_CHAIN node are linked into a single entry through Next.
	Children []*Vertex `json:"children,omitempty"`

	// Next is the sequential successor.
	Next *Vertex `json:"next,omitempty"`
}

// EdgeList holds the outgoing references of one vertex in adjacency form.
type EdgeList struct {
	Edges []string `json:"edges"`
	Next  string   `json:"next,omitempty"`
}

// Adjacency is the flat form of the graph.
type Adjacency struct {
	Vertices map[string]VertexInfo `json:"vertices"`
	Edges    map[string]EdgeList   `json:"edges"`
}

// Graph is a reconstructed graph. Exactly one of Tree and Adjacency is set,
// according to Mode; both are nil for a plan with no nodes.
type Graph struct {
	PlanExecutionID string     `json:"planExecutionId"`
	RootID          string     `json:"rootId"`
	Mode            Mode       `json:"mode"`
	Tree            *Vertex    `json:"tree,omitempty"`
	Adjacency       *Adjacency `json:"adjacency,omitempty"`
}

// arena indexes a plan's nodes by id. Attempts superseded by a retry are
// left out.
type arena struct {
	nodes    map[string]pipeline.NodeExecution
	ordered  []string
	children map[string][]string
}

func newArena(nodes []pipeline.NodeExecution) *arena {
	a := &arena{
		nodes:    make(map[string]pipeline.NodeExecution, len(nodes)),
		children: make(map[string][]string),
	}

	live := make([]pipeline.NodeExecution, 0, len(nodes))
	for _, n := range nodes {
		if n.OldRetry {
			continue
		}
		live = append(live, n)
	}
	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].StartTs.Equal(live[j].StartTs) {
			return live[i].StartTs.Before(live[j].StartTs)
		}
		return live[i].ID < live[j].ID
	})

	for _, n := range live {
		a.nodes[n.ID] = n
		a.ordered = append(a.ordered, n.ID)
		if n.IsChainHead() {
			a.children[n.ParentID] = append(a.children[n.ParentID], n.ID)
		}
	}
	return a
}

// root returns the earliest node that has neither a parent nor a
// predecessor.
func (a *arena) root() (string, bool) {
	for _, id := range a.ordered {
		n := a.nodes[id]
		if n.ParentID == "" && n.PreviousID == "" {
			return id, true
		}
	}
	return "", false
}

type decorator func(pipeline.NodeExecution) VertexInfo

// tree builds the nested form rooted at id.
func (a *arena) tree(id string, render decorator) *Vertex {
	visited := make(map[string]bool)
	var build func(id string) *Vertex
	build = func(id string) *Vertex {
		node, ok := a.nodes[id]
		if !ok || visited[id] {
			return nil
		}
		visited[id] = true

		v := &Vertex{VertexInfo: render(node)}
		var kids []*Vertex
		for _, childID := range a.children[id] {
			if child := build(childID); child != nil {
				kids = append(kids, child)
			}
		}
		if node.Mode == pipeline.ModeChildChain && len(kids) > 0 {
			for i := 0; i < len(kids)-1; i++ {
				tail(kids[i]).Next = kids[i+1]
			}
			v.Children = kids[:1]
		} else {
			v.Children = kids
		}

		if node.NextID != "" {
			v.Next = build(node.NextID)
		}
		return v
	}
	return build(id)
}

func tail(v *Vertex) *Vertex {
	for v.Next != nil {
		v = v.Next
	}
	return v
}

// adjacency builds the flat form by a breadth-first walk from id.
func (a *arena) adjacency(id string, render decorator) *Adjacency {
	adj := &Adjacency{
		Vertices: make(map[string]VertexInfo),
		Edges:    make(map[string]EdgeList),
	}
	if _, ok := a.nodes[id]; !ok {
		return adj
	}

	visited := map[string]bool{id: true}
	queue := []string{id}
	enqueue := func(next string) {
		if _, ok := a.nodes[next]; ok && !visited[next] {
			visited[next] = true
			queue = append(queue, next)
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node := a.nodes[cur]

		adj.Vertices[cur] = render(node)
		edges := append([]string{}, a.children[cur]...)
		adj.Edges[cur] = EdgeList{Edges: edges, Next: node.NextID}

		for _, child := range edges {
			enqueue(child)
		}
		if node.NextID != "" {
			enqueue(node.NextID)
		}
	}
	return adj
}

func baseInfo(n pipeline.NodeExecution) VertexInfo {
	n = n.Clone()
	return VertexInfo{
		ID:          n.ID,
		Name:        n.Name,
		StepType:    n.StepType,
		Status:      n.Status,
		Mode:        n.Mode,
		RetryIDs:    n.RetryIDs,
		FailureInfo: n.FailureInfo,
		StartTs:     n.StartTs,
		EndTs:       n.EndTs,
	}
}

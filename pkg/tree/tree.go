package tree

import (
	"branchdb/pkg/logger"
	"branchdb/pkg/models"
)

// Node wraps a stored message with its derived position in the branch
// forest. Nodes are recomputed from the flat message list on every build
// and are never persisted.
type Node struct {
	Message  models.Message `json:"message"`
	Children []*Node        `json:"children,omitempty"`
	Depth    int            `json:"depth"`
	Active   bool           `json:"active,omitempty"`
}

// Build converts a flat, append-ordered message list into a forest of
// branch nodes. Sibling order is input order, which is creation order.
//
// Two malformed shapes are tolerated rather than surfaced as errors:
//   - a parent_id referencing an unknown message makes the message a root
//     (partial or out-of-order loads must still render);
//   - messages on a parent cycle never reach a root and are dropped from
//     the forest with a logged warning.
//
// Build is a pure function of its inputs: no side effects beyond logging,
// identical inputs yield structurally identical forests.
func Build(msgs []models.Message, activeID string) []*Node {
	byID := make(map[string]int, len(msgs))
	for i, m := range msgs {
		byID[m.ID] = i
	}

	// Sibling lists keyed by parent index; -1 collects the roots. A parent
	// referencing an unknown id is rewritten to -1 here (orphan fallback).
	children := make(map[int][]int, len(msgs))
	parent := make([]int, len(msgs))
	for i, m := range msgs {
		p := -1
		if m.ParentID != "" {
			if pi, ok := byID[m.ParentID]; ok && pi != i {
				p = pi
			} else if !ok {
				logger.Warn("tree_parent_unknown", "msg", m.ID, "parent", m.ParentID)
			} else {
				logger.Warn("tree_self_parent", "msg", m.ID)
			}
		}
		parent[i] = p
		children[p] = append(children[p], i)
	}

	// Reachability pass: only indices whose ancestor chain terminates at a
	// root may enter the forest. Anything else sits on a cycle.
	reachable := make([]bool, len(msgs))
	var mark func(i int, depth int) *Node
	mark = func(i, depth int) *Node {
		reachable[i] = true
		n := &Node{Message: msgs[i], Depth: depth}
		if activeID != "" && msgs[i].ID == activeID {
			n.Active = true
		}
		for _, ci := range children[i] {
			n.Children = append(n.Children, mark(ci, depth+1))
		}
		return n
	}

	var forest []*Node
	for _, ri := range children[-1] {
		forest = append(forest, mark(ri, 0))
	}
	for i, ok := range reachable {
		if !ok {
			logger.Warn("tree_cyclic_message_dropped", "msg", msgs[i].ID, "parent", msgs[i].ParentID)
		}
	}
	return forest
}

// Flatten returns the forest's messages in pre-order. Every acyclic input
// message appears exactly once.
func Flatten(forest []*Node) []models.Message {
	var out []models.Message
	var walk func(n *Node)
	walk = func(n *Node) {
		out = append(out, n.Message)
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range forest {
		walk(r)
	}
	return out
}

// Count returns the total number of nodes in the forest.
func Count(forest []*Node) int {
	total := 0
	var walk func(n *Node)
	walk = func(n *Node) {
		total++
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range forest {
		walk(r)
	}
	return total
}

// Find returns the node carrying the given message id, or nil.
func Find(forest []*Node, id string) *Node {
	var found *Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if found != nil {
			return
		}
		if n.Message.ID == id {
			found = n
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range forest {
		walk(r)
		if found != nil {
			break
		}
	}
	return found
}

package tree

import "branchdb/pkg/models"

// ActivePath returns the linear message sequence a conversation view should
// display for the given active message: the ancestor chain from the active
// node's root down to it, then the continuation below it following the
// lowest-branch-index child at each level (sibling creation order breaks
// ties, matching Build's child ordering).
//
// An empty or unknown active id yields nil.
func ActivePath(forest []*Node, activeID string) []models.Message {
	if activeID == "" {
		return nil
	}
	var chain []*Node
	var descend func(n *Node, trail []*Node) bool
	descend = func(n *Node, trail []*Node) bool {
		trail = append(trail, n)
		if n.Message.ID == activeID {
			chain = append(chain, trail...)
			return true
		}
		for _, c := range n.Children {
			if descend(c, trail) {
				return true
			}
		}
		return false
	}
	for _, r := range forest {
		if descend(r, nil) {
			break
		}
	}
	if chain == nil {
		return nil
	}

	out := make([]models.Message, 0, len(chain))
	for _, n := range chain {
		out = append(out, n.Message)
	}
	// Continue below the active node along preferred branches.
	cur := chain[len(chain)-1]
	for len(cur.Children) > 0 {
		cur = preferredChild(cur.Children)
		out = append(out, cur.Message)
	}
	return out
}

func preferredChild(children []*Node) *Node {
	best := children[0]
	for _, c := range children[1:] {
		if c.Message.BranchIndex < best.Message.BranchIndex {
			best = c
		}
	}
	return best
}

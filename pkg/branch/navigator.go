// Package branch exposes selection and branch-creation state over a derived
// message forest. A Navigator never mutates stored data: selecting a branch
// is a view concern, and creating one only arms the parent/index pair the
// next persisted message should carry.
package branch

import (
	"branchdb/pkg/logger"
	"branchdb/pkg/models"
	"branchdb/pkg/tree"
)

// BranchPoint is the armed target for the next submitted message.
type BranchPoint struct {
	ParentID    string `json:"parent_id"`
	BranchIndex int    `json:"branch_index"`
}

// Navigator tracks the active selection and ephemeral expand/collapse state
// for one conversation's forest. It is not safe for concurrent use; callers
// own one per view.
type Navigator struct {
	forest   []*tree.Node
	byID     map[string]*tree.Node
	active   string
	collapse map[string]bool
}

// NewNavigator indexes the given forest. The forest is treated as immutable;
// rebuild the navigator when the underlying message list changes.
func NewNavigator(forest []*tree.Node) *Navigator {
	nav := &Navigator{
		forest:   forest,
		byID:     make(map[string]*tree.Node),
		collapse: make(map[string]bool),
	}
	var walk func(n *tree.Node)
	walk = func(n *tree.Node) {
		nav.byID[n.Message.ID] = n
		if n.Active {
			nav.active = n.Message.ID
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range forest {
		walk(r)
	}
	return nav
}

// Forest returns the underlying forest.
func (nav *Navigator) Forest() []*tree.Node { return nav.forest }

// Active returns the id of the currently selected message, if any.
func (nav *Navigator) Active() string { return nav.active }

// Select marks the given message as the active branch head. Unknown ids are
// ignored with a logged warning; stale UI actions must not surface errors.
func (nav *Navigator) Select(id string) bool {
	n, ok := nav.byID[id]
	if !ok {
		logger.Warn("branch_select_unknown", "msg", id)
		return false
	}
	if nav.active != "" {
		if prev, ok := nav.byID[nav.active]; ok {
			prev.Active = false
		}
	}
	n.Active = true
	nav.active = id
	return true
}

// CreateBranch arms a new sibling branch under the given parent message.
// The returned branch index is the parent's current child count, so sibling
// ordinals stay dense in creation order. It does not create a message.
// Unknown parents are a no-op (ok=false) with a logged warning.
func (nav *Navigator) CreateBranch(parentID string) (BranchPoint, bool) {
	n, ok := nav.byID[parentID]
	if !ok {
		logger.Warn("branch_create_unknown_parent", "parent", parentID)
		return BranchPoint{}, false
	}
	return BranchPoint{ParentID: parentID, BranchIndex: len(n.Children)}, true
}

// Toggle flips the collapsed state of a node and reports the new state.
// Collapse state is ephemeral UI state, never persisted.
func (nav *Navigator) Toggle(id string) bool {
	if _, ok := nav.byID[id]; !ok {
		logger.Warn("branch_toggle_unknown", "msg", id)
		return false
	}
	nav.collapse[id] = !nav.collapse[id]
	return nav.collapse[id]
}

// Collapsed reports whether a node is currently collapsed.
func (nav *Navigator) Collapsed(id string) bool { return nav.collapse[id] }

// Path returns the active path for the current selection: ancestors from the
// root down to the active node, then its preferred continuation.
func (nav *Navigator) Path() []models.Message {
	return tree.ActivePath(nav.forest, nav.active)
}

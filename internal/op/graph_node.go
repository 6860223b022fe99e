// Package op owns the operation pipeline: batch reduction and validation, the
// operation graph that orders execution, the durable op ledger, and the
// manager that ties them together.
package op

import (
	"fmt"
	"sort"

	"github.com/outlet-sync/outlet/internal/model"
)

// OGNKind distinguishes the op-graph node variants. Each variant carries its
// own linking rules: the root takes no parents, src/dst nodes allow multiple
// parents and children, and RM nodes allow multiple parents but only a single
// child (the inverted wiring that empties a directory before removing it).
type OGNKind int

const (
	OGNRoot OGNKind = iota
	OGNSrc
	OGNDst
	OGNRm
)

func (k OGNKind) String() string {
	switch k {
	case OGNRoot:
		return "ROOT"
	case OGNSrc:
		return "SRC"
	case OGNDst:
		return "DST"
	case OGNRm:
		return "RM"
	}
	return "?"
}

// OGNode is one vertex of the op graph: the src or dst half of a UserOp, an RM,
// or the singleton root.
type OGNode struct {
	NodeUID model.UID
	Kind    OGNKind
	Op      *model.UserOp

	// TgtAncestors holds the UIDs of every ancestor of the target node, used
	// for structural lookups when linking.
	TgtAncestors []model.UID

	parents  map[model.UID]*OGNode
	children map[model.UID]*OGNode
}

// NewRootNode builds the graph's super-root.
func NewRootNode() *OGNode {
	return &OGNode{
		NodeUID:  model.SuperRootUID,
		Kind:     OGNRoot,
		parents:  map[model.UID]*OGNode{},
		children: map[model.UID]*OGNode{},
	}
}

// NewSrcNode builds the source half of an op. RM ops get an RmOGN instead.
func NewSrcNode(uid model.UID, op *model.UserOp, tgtAncestors []model.UID) *OGNode {
	kind := OGNSrc
	if op.Type == model.OpRM {
		kind = OGNRm
	}
	return &OGNode{
		NodeUID:      uid,
		Kind:         kind,
		Op:           op,
		TgtAncestors: tgtAncestors,
		parents:      map[model.UID]*OGNode{},
		children:     map[model.UID]*OGNode{},
	}
}

// NewDstNode builds the destination half of a binary op.
func NewDstNode(uid model.UID, op *model.UserOp, tgtAncestors []model.UID) *OGNode {
	if !op.HasDst() {
		panic(fmt.Sprintf("op has no dst: %v", op))
	}
	return &OGNode{
		NodeUID:      uid,
		Kind:         OGNDst,
		Op:           op,
		TgtAncestors: tgtAncestors,
		parents:      map[model.UID]*OGNode{},
		children:     map[model.UID]*OGNode{},
	}
}

func (n *OGNode) IsRoot() bool { return n.Kind == OGNRoot }
func (n *OGNode) IsSrc() bool  { return n.Kind == OGNSrc || n.Kind == OGNRm }
func (n *OGNode) IsDst() bool  { return n.Kind == OGNDst }
func (n *OGNode) IsRm() bool   { return n.Kind == OGNRm }

// TgtNode returns the node this OGN reads or writes.
func (n *OGNode) TgtNode() model.TNode {
	switch n.Kind {
	case OGNDst:
		return n.Op.DstNode
	case OGNSrc, OGNRm:
		return n.Op.SrcNode
	}
	return nil
}

// IsReentrant reports whether multiple in-flight ops may share this OGN's
// target. Only CP src halves are re-entrant: concurrent reads of one source
// are safe, while every dst and RM mutates its target.
func (n *OGNode) IsReentrant() bool {
	switch n.Kind {
	case OGNRoot:
		return true
	case OGNSrc:
		return n.Op.Type == model.OpCP || n.Op.Type == model.OpStartDirCP || n.Op.Type == model.OpFinishDirCP
	}
	return false
}

// IsCreateType reports whether this OGN's target is going to be created or
// updated (as opposed to read or removed).
func (n *OGNode) IsCreateType() bool {
	switch n.Kind {
	case OGNDst:
		return true
	case OGNSrc:
		return n.Op.Type == model.OpMKDIR
	}
	return false
}

// IsRemoveType reports whether this OGN's target goes away when the op runs.
// The src of a MV is removed by the move.
func (n *OGNode) IsRemoveType() bool {
	switch n.Kind {
	case OGNRm:
		return true
	case OGNSrc:
		return n.Op.Type == model.OpMV || n.Op.Type == model.OpMVOnto || n.Op.Type == model.OpFinishDirMV
	}
	return false
}

// Parents returns this OGN's parents, sorted by OGN uid for determinism.
func (n *OGNode) Parents() []*OGNode { return sortedOGNs(n.parents) }

// Children returns this OGN's children, sorted by OGN uid for determinism.
func (n *OGNode) Children() []*OGNode { return sortedOGNs(n.children) }

func sortedOGNs(m map[model.UID]*OGNode) []*OGNode {
	out := make([]*OGNode, 0, len(m))
	for _, ogn := range m {
		out = append(out, ogn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeUID < out[j].NodeUID })
	return out
}

// LinkChild wires child under n, enforcing each variant's arity. An error
// status on n is propagated downstream so blocked work never executes.
func (n *OGNode) LinkChild(child *OGNode) error {
	if child.IsRoot() {
		return fmt.Errorf("cannot link the root as a child")
	}
	if n.Kind == OGNRm && len(n.children) > 0 {
		if _, ok := n.children[child.NodeUID]; !ok {
			return fmt.Errorf("RM node %d already has a child; only one allowed", n.NodeUID)
		}
		return nil
	}
	if _, ok := n.children[child.NodeUID]; ok {
		return nil
	}
	n.children[child.NodeUID] = child
	child.parents[n.NodeUID] = n
	if n.Op != nil && n.Op.IsStoppedOnError() {
		child.Op.SetStatus(model.OpBlockedByError)
	}
	return nil
}

// UnlinkChild removes the edge, if present.
func (n *OGNode) UnlinkChild(child *OGNode) {
	if _, ok := n.children[child.NodeUID]; !ok {
		return
	}
	delete(n.children, child.NodeUID)
	delete(child.parents, n.NodeUID)
}

// IsChildOfRoot reports whether this OGN's only parent is the root.
func (n *OGNode) IsChildOfRoot() bool {
	if n.IsRoot() || len(n.parents) != 1 {
		return false
	}
	for _, p := range n.parents {
		return p.IsRoot()
	}
	return false
}

// SubgraphBFSList returns this node and every descendant in breadth-first
// order, with the added condition that a node with multiple parents is not
// emitted until all of its parents have been.
func (n *OGNode) SubgraphBFSList() []*OGNode {
	var out []*OGNode
	seen := map[model.UID]*OGNode{n.NodeUID: n}
	queue := []*OGNode{n}
	for len(queue) > 0 {
		ogn := queue[0]
		queue = queue[1:]
		out = append(out, ogn)
		for _, child := range ogn.Children() {
			allParentsSeen := true
			for _, p := range child.Parents() {
				if _, ok := seen[p.NodeUID]; !ok {
					allParentsSeen = false
				}
			}
			if allParentsSeen {
				if _, ok := seen[child.NodeUID]; !ok {
					seen[child.NodeUID] = child
					queue = append(queue, child)
				}
			}
		}
	}
	return out
}

func (n *OGNode) String() string {
	if n.IsRoot() {
		return "OGN(ROOT)"
	}
	return fmt.Sprintf("OGN(%s uid=%d op=%d %s tgt=%s)",
		n.Kind, n.NodeUID, n.Op.OpUID, n.Op.Type, n.TgtNode().Identifier())
}

// skipRoot drops the leading root from a BFS list.
func skipRoot(list []*OGNode) []*OGNode {
	if len(list) > 0 && list[0].IsRoot() {
		return list[1:]
	}
	return list
}

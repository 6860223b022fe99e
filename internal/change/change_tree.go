// Package change builds per-side change trees: for a proposed user action it
// produces the tree of categorized entries shown to the user and the list of
// UserOps (including synthesized ancestor MKDIRs) submitted to the op manager.
package change

import (
	"fmt"
	"sort"

	"github.com/outlet-sync/outlet/internal/model"
)

type treeEntry struct {
	sn       model.SPIDNodePair
	category model.ChangeCategory
	parent   string
	children []string
}

// mkdirEntry holds a synthesized ancestor MKDIR. MKDIRs are stored apart from
// the op list proper so one synthesized dir can serve several downstream ops.
type mkdirEntry struct {
	sn model.SPIDNodePair
	op *model.UserOp
}

// ChangeTree is one side's tree of proposed changes, keyed by category-scoped
// GUIDs so the same node can appear under several categories without
// collision.
type ChangeTree struct {
	treeID  string
	rootSN  model.SPIDNodePair
	entries map[string]*treeEntry
	ops     []*model.UserOp

	mkdirOrder []string
	mkdirs     map[string]mkdirEntry
}

// NewChangeTree builds an empty tree rooted at the subtree root.
func NewChangeTree(treeID string, rootSN model.SPIDNodePair) *ChangeTree {
	return &ChangeTree{
		treeID:  treeID,
		rootSN:  rootSN,
		entries: make(map[string]*treeEntry),
		mkdirs:  make(map[string]mkdirEntry),
	}
}

func (t *ChangeTree) TreeID() string              { return t.treeID }
func (t *ChangeTree) RootSN() model.SPIDNodePair  { return t.rootSN }

// GetSNForGUID returns the entry or synthesized MKDIR stored under the GUID.
func (t *ChangeTree) GetSNForGUID(guid string) (model.SPIDNodePair, bool) {
	if e, ok := t.entries[guid]; ok {
		return e.sn, true
	}
	if m, ok := t.mkdirs[guid]; ok {
		return m.sn, true
	}
	return model.SPIDNodePair{}, false
}

// AddOpListWithTargetSN records one target entry, keyed by its category-
// scoped GUID, plus the ops that produce it.
func (t *ChangeTree) AddOpListWithTargetSN(guid string, target model.SPIDNodePair, category model.ChangeCategory, ops []*model.UserOp) {
	if _, ok := t.entries[guid]; !ok {
		t.entries[guid] = &treeEntry{sn: target, category: category}
	}
	t.ops = append(t.ops, ops...)
}

// AddEntry records a display-only entry with no op attached (e.g. the
// "deleted from this side" marker the content-first diff leaves behind).
func (t *ChangeTree) AddEntry(guid string, target model.SPIDNodePair, category model.ChangeCategory) {
	if _, ok := t.entries[guid]; !ok {
		t.entries[guid] = &treeEntry{sn: target, category: category}
	}
}

// AppendMkdir stores a synthesized ancestor MKDIR under its GUID.
func (t *ChangeTree) AppendMkdir(guid string, sn model.SPIDNodePair, op *model.UserOp) {
	if _, ok := t.mkdirs[guid]; ok {
		return
	}
	t.mkdirs[guid] = mkdirEntry{sn: sn, op: op}
	t.mkdirOrder = append(t.mkdirOrder, guid)
}

// OpList returns every op this tree contributes: the synthesized MKDIRs in
// synthesis order, then the target ops, all sorted by ascending op_uid (the
// order their UIDs were minted in).
func (t *ChangeTree) OpList() []*model.UserOp {
	out := make([]*model.UserOp, 0, len(t.mkdirOrder)+len(t.ops))
	for _, guid := range t.mkdirOrder {
		out = append(out, t.mkdirs[guid].op)
	}
	out = append(out, t.ops...)
	sort.Slice(out, func(i, j int) bool { return out[i].OpUID < out[j].OpUID })
	return out
}

// EntryCount returns the number of target entries (excluding MKDIRs).
func (t *ChangeTree) EntryCount() int { return len(t.entries) }

func (t *ChangeTree) String() string {
	return fmt.Sprintf("ChangeTree(%s root=%s entries=%d ops=%d mkdirs=%d)",
		t.treeID, t.rootSN.SPID, len(t.entries), len(t.ops), len(t.mkdirs))
}

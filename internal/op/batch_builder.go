package op

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
)

// BatchGraphBuilder reduces and validates a batch of UserOps and materializes
// a standalone OpGraph from it, ready to merge into the main graph.
type BatchGraphBuilder struct {
	cache *cache.Manager
}

// NewBatchGraphBuilder builds a builder bound to the master cache.
func NewBatchGraphBuilder(c *cache.Manager) *BatchGraphBuilder {
	return &BatchGraphBuilder{cache: c}
}

// AllNodesInBatch collects every src and dst node referenced by the batch.
func AllNodesInBatch(ops []*model.UserOp) []model.TNode {
	var out []model.TNode
	for _, op := range ops {
		out = append(out, op.SrcNode)
		if op.HasDst() {
			out = append(out, op.DstNode)
		}
	}
	return out
}

func dstParentKeys(dst model.TNode) ([]string, error) {
	parents := dst.ParentUIDs()
	if len(parents) == 0 {
		return nil, missingAncestorf("node has no parents: %s", dst.Identifier())
	}
	keys := make([]string, 0, len(parents))
	for _, p := range parents {
		keys = append(keys, fmt.Sprintf("%d:%d/%s", dst.DeviceUID(), p, dst.Name()))
	}
	return keys, nil
}

// ReduceAndValidate deduplicates the batch, rejects semantic conflicts, and
// returns the surviving ops sorted by ascending op_uid. The input batch is not
// modified. Reduction is idempotent: reducing an already-reduced batch yields
// the same ops.
func (b *BatchGraphBuilder) ReduceAndValidate(batch *model.Batch) ([]*model.UserOp, error) {
	if len(batch.OpList) == 0 {
		return nil, invalidBatchf("batch %d has no ops", batch.BatchUID)
	}

	opList := append([]*model.UserOp(nil), batch.OpList...)
	sort.Slice(opList, func(i, j int) bool { return opList[i].OpUID < opList[j].OpUID })

	var finalList []*model.UserOp
	mkdirByUID := map[model.UID]*model.UserOp{}
	rmByUID := map[model.UID]*model.UserOp{}
	dstByParentKey := map[string]*model.UserOp{}
	srcByUID := map[model.UID][]*model.UserOp{}

	for _, op := range opList {
		if op.BatchUID != batch.BatchUID {
			return nil, invalidBatchf("ops do not all share one batch_uid (found %d and %d)",
				op.BatchUID, batch.BatchUID)
		}

		switch {
		case op.Type == model.OpMKDIR:
			if mkdirByUID[op.SrcNode.UID()] != nil {
				log.Warn().Stringer("op", op).Msg("ReduceBatch: removing duplicate MKDIR.")
				continue
			}
			mkdirByUID[op.SrcNode.UID()] = op
			finalList = append(finalList, op)

		case op.Type == model.OpRM:
			if rmByUID[op.SrcNode.UID()] != nil {
				log.Warn().Stringer("op", op).Msg("ReduceBatch: removing duplicate RM.")
				continue
			}
			rmByUID[op.SrcNode.UID()] = op
			finalList = append(finalList, op)

		case op.HasDst():
			// GDrive nodes without a goog_id can carry differing UIDs for the
			// same eventual object, so binary ops are keyed by parent+name.
			keys, err := dstParentKeys(op.DstNode)
			if err != nil {
				return nil, err
			}
			duplicate := false
			for _, key := range keys {
				existing := dstByParentKey[key]
				if existing == nil {
					continue
				}
				if !model.AreEquivalent(existing.Type, op.Type) {
					return nil, batchConflictf("different op types writing the same destination (%s vs %s at %q)",
						existing.Type, op.Type, key)
				}
				if existing.SrcNode.UID() != op.SrcNode.UID() {
					return nil, batchConflictf("different nodes copied into the same destination (%q)", key)
				}
				if existing.DstNode.UID() != op.DstNode.UID() {
					return nil, batchConflictf("same node copied into the same destination with a different UID (%q)", key)
				}
				// START_DIR_* and FINISH_DIR_* are equivalent for conflict
				// purposes but are distinct ops; only an identical type is an
				// exact duplicate.
				if existing.Type == op.Type {
					duplicate = true
				}
			}
			if duplicate {
				log.Debug().Stringer("op", op).Msg("ReduceBatch: discarding exact duplicate binary op.")
				continue
			}
			for _, key := range keys {
				dstByParentKey[key] = op
			}
			srcByUID[op.SrcNode.UID()] = append(srcByUID[op.SrcNode.UID()], op)
			finalList = append(finalList, op)

		default:
			return nil, invalidBatchf("unrecognized op type: %s", op.Type)
		}
	}
	log.Debug().Int("before", len(opList)).Int("after", len(finalList)).
		Uint64("batchUID", uint64(batch.BatchUID)).Msg("Reduced batch.")

	// Ancestor validation: walk up from each op's targets and compare every
	// ancestor against the maps built above.
	for _, op := range finalList {
		switch op.Type {
		case model.OpRM:
			err := b.checkAncestors(op.SrcNode, func(ancestor model.TNode) error {
				if mkdirByUID[ancestor.UID()] != nil {
					return batchConflictf("creating a node and removing its descendant in the same batch (%s)",
						ancestor.Identifier())
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		case model.OpMKDIR:
			err := b.checkAncestors(op.SrcNode, func(ancestor model.TNode) error {
				if rmByUID[ancestor.UID()] != nil {
					return batchConflictf("removing a node and creating its descendant in the same batch (%s)",
						ancestor.Identifier())
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		default:
			thisOp := op
			err := b.checkAncestors(op.SrcNode, func(ancestor model.TNode) error {
				if mkdirByUID[ancestor.UID()] != nil {
					return batchConflictf("copying from a descendant of a node being created (%s)", ancestor.Identifier())
				}
				if rmOp := rmByUID[ancestor.UID()]; rmOp != nil && rmOp.OpUID < thisOp.OpUID {
					// A delete of the source subtree is allowed after the
					// read, never before.
					return batchConflictf("copying from a descendant of a node being removed (%s)", ancestor.Identifier())
				}
				if _, ok := findDstForUID(dstByParentKey, ancestor.UID()); ok {
					return batchConflictf("copying from a descendant of a node being copied to (%s)", ancestor.Identifier())
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			err = b.checkAncestors(op.DstNode, func(ancestor model.TNode) error {
				if rmByUID[ancestor.UID()] != nil {
					return batchConflictf("copying to a descendant of a node being removed (%s)", ancestor.Identifier())
				}
				if srcByUID[ancestor.UID()] != nil {
					return batchConflictf("copying to a descendant of a node being copied from (%s)", ancestor.Identifier())
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	sort.Slice(finalList, func(i, j int) bool { return finalList[i].OpUID < finalList[j].OpUID })
	return finalList, nil
}

func findDstForUID(dstByParentKey map[string]*model.UserOp, uid model.UID) (*model.UserOp, bool) {
	for _, op := range dstByParentKey {
		if op.DstNode.UID() == uid {
			return op, true
		}
	}
	return nil, false
}

// checkAncestors walks up from the node through every cached parent chain,
// invoking eval for each ancestor encountered.
func (b *BatchGraphBuilder) checkAncestors(node model.TNode, eval func(model.TNode) error) error {
	queue := []model.TNode{node}
	seen := map[model.DNUID]bool{}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, ancestor := range b.cache.GetParentListForNode(n) {
			if seen[ancestor.Identifier()] {
				continue
			}
			seen[ancestor.Identifier()] = true
			if err := eval(ancestor); err != nil {
				return err
			}
			queue = append(queue, ancestor)
		}
	}
	return nil
}

// BuildBatchGraph materializes a standalone OpGraph for a reduced batch and
// validates it against the master cache and the main graph. Ops must already
// be sorted ascending by op_uid.
func (b *BatchGraphBuilder) BuildBatchGraph(opBatch []*model.UserOp, mainGraph *OpGraph) (*OpGraph, error) {
	if len(opBatch) == 0 {
		return nil, invalidBatchf("batch has no ops")
	}
	batchUID := opBatch[0].BatchUID
	graph := NewOpGraph(fmt.Sprintf("Batch-%d", batchUID))

	var lastOpUID model.UID
	for _, op := range opBatch {
		if op.BatchUID != batchUID {
			return nil, invalidBatchf("op %d is not part of batch %d", op.OpUID, batchUID)
		}
		if op.OpUID < lastOpUID {
			return nil, invalidBatchf("batch items are not in order (%d < %d)", op.OpUID, lastOpUID)
		}
		lastOpUID = op.OpUID
	}

	// Ancestors may be created by this very batch, so keep the batch's own
	// targets available for lookup alongside the cache.
	tgtNodes := map[model.DNUID]model.TNode{}
	for _, op := range opBatch {
		tgtNodes[op.SrcNode.Identifier()] = op.SrcNode
		if op.HasDst() {
			tgtNodes[op.DstNode.Identifier()] = op.DstNode
		}
	}

	for _, op := range opBatch {
		ancestors, err := b.buildAncestorUIDList(op.SrcNode, tgtNodes)
		if err != nil {
			return nil, err
		}
		srcOGN := NewSrcNode(b.cache.NextUID(), op, ancestors)
		if !graph.EnqueueSingleOGN(srcOGN) {
			return nil, invalidBatchf("could not insert OGN for op %d", op.OpUID)
		}
		if op.HasDst() {
			ancestors, err := b.buildAncestorUIDList(op.DstNode, tgtNodes)
			if err != nil {
				return nil, err
			}
			dstOGN := NewDstNode(b.cache.NextUID(), op, ancestors)
			if !graph.EnqueueSingleOGN(dstOGN) {
				return nil, invalidBatchf("could not insert dst OGN for op %d", op.OpUID)
			}
		}
	}

	if !graph.validateAcyclic() {
		return nil, invalidBatchf("batch %d graph contains a cycle", batchUID)
	}
	if err := b.validateAgainstCache(graph, mainGraph, batchUID); err != nil {
		return nil, err
	}
	return graph, nil
}

// buildAncestorUIDList walks every parent chain of the target up to the root,
// resolving each parent from the cache or from the batch's own targets.
func (b *BatchGraphBuilder) buildAncestorUIDList(tgt model.TNode, tgtNodes map[model.DNUID]model.TNode) ([]model.UID, error) {
	var ancestors []model.UID
	queue := []model.TNode{tgt}
	seen := map[model.UID]bool{}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if model.IsRoot(n.UID()) {
			continue
		}
		parentUIDs := n.ParentUIDs()
		if len(parentUIDs) == 0 {
			return nil, missingAncestorf("node has no parent UIDs listed: %s", n.Identifier())
		}
		for _, parentUID := range parentUIDs {
			if seen[parentUID] {
				continue
			}
			seen[parentUID] = true
			ancestors = append(ancestors, parentUID)
			if model.IsRoot(parentUID) {
				continue
			}
			parent := b.cache.GetNodeForUID(tgt.DeviceUID(), parentUID)
			if parent == nil {
				parent = tgtNodes[model.DNUID{DeviceUID: tgt.DeviceUID(), UID: parentUID}]
			}
			if parent == nil {
				return nil, missingAncestorf("ancestor %d:%d not found in cache or batch (for %s)",
					tgt.DeviceUID(), parentUID, tgt.Identifier())
			}
			queue = append(queue, parent)
		}
	}
	if len(ancestors) == 0 {
		return nil, missingAncestorf("no ancestors for target node %s", tgt.Identifier())
	}
	return ancestors, nil
}

// validateAgainstCache reconciles the batch graph with the master cache and
// the main graph before the merge:
//
//  1. The parent of every create-type target must exist in the cache or be
//     created earlier in this batch.
//  2. Every other target must exist in the cache (unless its op already
//     completed), and must not have a pending RM as its most recent op if this
//     batch wants to read it.
//  3. Replay guard: the batch's minimum op_uid must exceed the largest op_uid
//     already admitted to the main graph.
func (b *BatchGraphBuilder) validateAgainstCache(graph *OpGraph, mainGraph *OpGraph, batchUID model.UID) error {
	mkdirNodes := map[string]model.TNode{}
	startDirNodes := map[string]model.TNode{}
	finishDirNodes := map[string]model.TNode{}

	minOpUID := model.UID(0)
	for _, ogn := range skipRoot(graph.Root().SubgraphBFSList()) {
		tgt := ogn.TgtNode()
		if minOpUID == 0 || ogn.Op.OpUID < minOpUID {
			minOpUID = ogn.Op.OpUID
		}

		if ogn.IsCreateType() {
			parentFound := false
			for _, parentUID := range tgt.ParentUIDs() {
				key := model.FormatDNUID(tgt.DeviceUID(), parentUID)
				if b.cache.GetNodeForUID(tgt.DeviceUID(), parentUID) != nil ||
					mkdirNodes[key] != nil || startDirNodes[key] != nil || finishDirNodes[key] != nil {
					parentFound = true
					break
				}
			}
			if !parentFound {
				return missingAncestorf("no parent in cache for %q target %s (parents %v)",
					ogn.Op.Type, tgt.Identifier(), tgt.ParentUIDs())
			}

			if tgt.IsDir() {
				key := model.FormatDNUID(tgt.DeviceUID(), tgt.UID())
				opType := ogn.Op.Type
				if mkdirNodes[key] != nil {
					return batchConflictf("redundant operations for %s (MKDIR and %s)", tgt.Identifier(), opType)
				}
				if startDirNodes[key] != nil && opType != model.OpFinishDirCP && opType != model.OpFinishDirMV {
					return batchConflictf("redundant operations for %s (START_DIR_* and %s)", tgt.Identifier(), opType)
				}
				if finishDirNodes[key] != nil && opType != model.OpStartDirCP && opType != model.OpStartDirMV {
					return batchConflictf("redundant operations for %s (FINISH_DIR_* and %s)", tgt.Identifier(), opType)
				}
				switch opType {
				case model.OpMKDIR:
					mkdirNodes[key] = tgt
				case model.OpStartDirCP, model.OpStartDirMV:
					if ogn.IsDst() {
						startDirNodes[key] = tgt
					}
				case model.OpFinishDirCP, model.OpFinishDirMV:
					if ogn.IsDst() {
						finishDirNodes[key] = tgt
					}
				}
			}
		} else if !ogn.Op.IsCompleted() {
			if b.cache.GetNodeForUID(tgt.DeviceUID(), tgt.UID()) == nil {
				return invalidBatchf("cannot add batch %d: no node %s in cache for %q",
					batchUID, tgt.Identifier(), ogn.Op.Type)
			}
		}

		if mainGraph != nil {
			lastOp := mainGraph.GetLastPendingOpForNode(tgt.DeviceUID(), tgt.UID())
			if lastOp != nil && lastOp.Type == model.OpRM && ogn.IsSrc() && ogn.Op.HasDst() {
				return batchConflictf("op %s reads node %s which is pending removal",
					ogn.Op.Type, tgt.Identifier())
			}
		}
	}

	if mainGraph != nil {
		maxAdded := mainGraph.MaxAddedOpUID()
		if maxAdded != model.NullUID && maxAdded >= minOpUID {
			return invalidBatchf("batch %d contains ops older than those already submitted (op_uid %d <= %d)",
				batchUID, minOpUID, maxAdded)
		}
	}
	return nil
}

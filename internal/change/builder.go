package change

import (
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
)

// SideBuilder accumulates a ChangeTree for one pane of a two-pane action.
type SideBuilder struct {
	cache    *cache.Manager
	tree     *ChangeTree
	batchUID model.UID
}

// NewSideBuilder builds a side rooted at rootSN. All sides of one user action
// share a batch UID.
func NewSideBuilder(c *cache.Manager, treeID string, rootSN model.SPIDNodePair, batchUID model.UID) *SideBuilder {
	return &SideBuilder{
		cache:    c,
		tree:     NewChangeTree(treeID, rootSN),
		batchUID: batchUID,
	}
}

func (b *SideBuilder) Tree() *ChangeTree   { return b.tree }
func (b *SideBuilder) BatchUID() model.UID { return b.batchUID }

func (b *SideBuilder) rootSN() model.SPIDNodePair { return b.tree.RootSN() }

func (b *SideBuilder) newOp(opType model.OpType, src, dst model.TNode) *model.UserOp {
	return model.NewUserOp(b.cache.NextUID(), b.batchUID, opType, src, dst)
}

// AddOpAndTarget records an op of the given type targeting snDst (or snSrc
// for unary ops).
func (b *SideBuilder) AddOpAndTarget(opType model.OpType, snSrc model.SPIDNodePair, snDst *model.SPIDNodePair) {
	target := snSrc
	var dstNode model.TNode
	if snDst != nil {
		target = *snDst
		dstNode = snDst.Node
	}
	op := b.newOp(opType, snSrc.Node, dstNode)
	category := model.CategoryForOpType(opType)
	guid := b.guidFor(target.SPID.Path, target.SPID.DeviceUID, opType)
	b.tree.AddOpListWithTargetSN(guid, target, category, []*model.UserOp{op})
}

// guidFor keys change-tree entries: the path UID plus the op's category, so
// one physical node can appear once per category.
func (b *SideBuilder) guidFor(fullPath string, deviceUID model.UID, opType model.OpType) string {
	pathUID := b.cache.GetUIDForLocalPath(fullPath, model.NullUID)
	return model.GUIDFor(pathUID, deviceUID, model.CategoryForOpType(opType))
}

// MigrateSingleNodeToThisSide projects a source node onto this side at
// dstPath, resolving the destination's identity and synthesizing any missing
// ancestor dirs.
func (b *SideBuilder) MigrateSingleNodeToThisSide(snSrc model.SPIDNodePair, dstPath string, opType model.OpType) (model.SPIDNodePair, error) {
	root := b.rootSN()
	dstDeviceUID := root.SPID.DeviceUID
	dstTreeType := b.cache.TreeTypeForDevice(dstDeviceUID)
	if strings.HasSuffix(dstPath, "/") {
		return model.SPIDNodePair{}, fmt.Errorf("dst path must not end with a slash: %q", dstPath)
	}

	var dstNodeUID model.UID
	var dstGoogID string
	switch dstTreeType {
	case model.TreeTypeLocalDisk:
		dstNodeUID = b.cache.GetUIDForLocalPath(dstPath, model.NullUID)
	case model.TreeTypeGDrive:
		existing := b.cache.GetNodeListForPathList([]string{dstPath}, dstDeviceUID)
		switch {
		case len(existing) == 1:
			// A node with the name is already there: adopt its identity and
			// overwrite its content.
			dstNodeUID = existing[0].UID()
			dstGoogID = googIDOf(existing[0])
		case len(existing) > 1:
			if !sameSignatureAndNameForAll(existing) {
				return model.SPIDNodePair{}, fmt.Errorf(
					"found %d non-identical nodes already present at GDrive dst path %q; cannot proceed",
					len(existing), dstPath)
			}
			log.Warn().Int("count", len(existing)).Str("dstPath", dstPath).
				Uint64("adoptedUID", uint64(existing[0].UID())).
				Msg("Multiple identical nodes already at GDrive dst path; adopting the first.")
			dstNodeUID = existing[0].UID()
			dstGoogID = googIDOf(existing[0])
		default:
			dstNodeUID = b.cache.NextUID()
		}
	default:
		return model.SPIDNodePair{}, fmt.Errorf("invalid tree type for device %d", dstDeviceUID)
	}

	srcNode := snSrc.Node
	dstID := model.DNUID{DeviceUID: dstDeviceUID, UID: dstNodeUID}
	var dstNode model.TNode
	switch dstTreeType {
	case model.TreeTypeLocalDisk:
		parentUID := b.cache.GetUIDForLocalPath(path.Dir(dstPath), model.NullUID)
		if srcNode.IsDir() {
			dstNode = model.NewLocalDirNode(dstID, parentUID, dstPath, false, true)
		} else {
			dstNode = model.NewLocalFileNode(dstID, parentUID, dstPath, srcNode.SizeBytes(), srcNode.MD5(), false)
		}
	case model.TreeTypeGDrive:
		if srcNode.IsDir() {
			dstNode = model.NewGDriveFolderNode(dstID, dstGoogID, path.Base(dstPath), nil, true)
		} else {
			dstNode = model.NewGDriveFileNode(dstID, dstGoogID, path.Base(dstPath), nil, srcNode.SizeBytes(), srcNode.MD5())
		}
		dstNode.SetPathList([]string{dstPath})
	}

	snDst := model.SPIDNodePair{
		SPID: model.SPID{DeviceUID: dstDeviceUID, NodeUID: dstNodeUID, Path: dstPath},
		Node: dstNode,
	}
	if err := b.addNeededAncestors(snDst, opType); err != nil {
		return model.SPIDNodePair{}, err
	}
	return snDst, nil
}

func googIDOf(n model.TNode) string {
	switch g := n.(type) {
	case *model.GDriveFileNode:
		return g.GoogID
	case *model.GDriveFolderNode:
		return g.GoogID
	}
	return ""
}

func sameSignatureAndNameForAll(nodes []model.TNode) bool {
	first := nodes[0]
	for _, n := range nodes[1:] {
		if n.Name() != first.Name() || !n.IsSignatureEqual(first) {
			return false
		}
	}
	return true
}

// addNeededAncestors walks from the new node's parent up to the subtree root,
// emitting a MKDIR for every ancestor dir that neither exists in the cache
// nor was already synthesized in this build.
func (b *SideBuilder) addNeededAncestors(newSN model.SPIDNodePair, opType model.OpType) error {
	if opType == model.OpRM {
		// Removals never need new ancestors.
		return nil
	}
	stack, err := b.generateMissingAncestors(newSN, opType)
	if err != nil {
		return err
	}
	// The ancestor nearest the root is on top; pop so that parents get lower
	// op UIDs than their children.
	for i := len(stack) - 1; i >= 0; i-- {
		ancestorSN := stack[i]
		mkdirOp := b.newOp(model.OpMKDIR, ancestorSN.Node, nil)
		guid := b.guidFor(ancestorSN.SPID.Path, ancestorSN.SPID.DeviceUID, opType)
		b.tree.AppendMkdir(guid, ancestorSN, mkdirOp)
	}
	return nil
}

// generateMissingAncestors returns the missing ancestor chain, nearest the
// leaf first and nearest the root last (stack order). Also wires each child's parent UID as it goes.
func (b *SideBuilder) generateMissingAncestors(newSN model.SPIDNodePair, opType model.OpType) ([]model.SPIDNodePair, error) {
	root := b.rootSN()
	deviceUID := newSN.SPID.DeviceUID
	treeType := b.cache.TreeTypeForDevice(deviceUID)
	stopAtPath := root.SPID.Path

	var stack []model.SPIDNodePair
	childPath := newSN.SPID.Path
	child := newSN.Node

	for {
		parentPath := path.Dir(childPath)

		if parentPath == stopAtPath {
			child.SetParentUIDs(root.SPID.NodeUID)
			break
		}
		if !strings.HasPrefix(parentPath, stopAtPath) {
			return nil, fmt.Errorf("node path %q is not under tree root %q", newSN.SPID.Path, stopAtPath)
		}

		// Already synthesized during this build?
		parentGUID := b.guidFor(parentPath, deviceUID, opType)
		if prev, ok := b.tree.GetSNForGUID(parentGUID); ok {
			child.SetParentUIDs(prev.Node.UID())
			break
		}

		// Already exists in the cache (including pending planning nodes)?
		if existing := b.cache.GetNodeListForPathList([]string{parentPath}, deviceUID); len(existing) > 0 {
			uids := make([]model.UID, 0, len(existing))
			for _, n := range existing {
				uids = append(uids, n.UID())
			}
			child.SetParentUIDs(uids...)
			break
		}

		var ancestor model.TNode
		switch treeType {
		case model.TreeTypeGDrive:
			uid := b.cache.NextUID()
			ancestor = model.NewGDriveFolderNode(
				model.DNUID{DeviceUID: deviceUID, UID: uid}, "", path.Base(parentPath), nil, true)
			ancestor.SetPathList([]string{parentPath})
		case model.TreeTypeLocalDisk:
			ancestor = b.cache.BuildLocalDirNode(deviceUID, parentPath, false, true)
		default:
			return nil, fmt.Errorf("invalid tree type for device %d", deviceUID)
		}

		sn := model.SPIDNodePair{
			SPID: model.SPID{DeviceUID: deviceUID, NodeUID: ancestor.UID(), Path: parentPath},
			Node: ancestor,
		}
		stack = append(stack, sn)
		child.SetParentUIDs(ancestor.UID())

		childPath = parentPath
		child = ancestor
	}
	return stack, nil
}

package change

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
)

// TwoTreeBuilder drives both panes of one user action. The two sides share a
// batch UID, so everything they emit lands in one batch.
type TwoTreeBuilder struct {
	Left  *SideBuilder
	Right *SideBuilder
}

// NewTwoTreeBuilder builds both sides, minting one fresh batch UID.
func NewTwoTreeBuilder(c *cache.Manager, leftRoot, rightRoot model.SPIDNodePair) *TwoTreeBuilder {
	batchUID := c.NextUID()
	return &TwoTreeBuilder{
		Left:  NewSideBuilder(c, "ChangeTreeLeft", leftRoot, batchUID),
		Right: NewSideBuilder(c, "ChangeTreeRight", rightRoot, batchUID),
	}
}

// BatchUID returns the shared batch UID.
func (b *TwoTreeBuilder) BatchUID() model.UID { return b.Left.BatchUID() }

// changeBasePath rebases a target path from one side's root to the other's,
// optionally renaming the target leaf.
func changeBasePath(origTargetPath, origBasePath, newBasePath, newTargetName string) (string, error) {
	relPath := strings.TrimPrefix(origTargetPath, origBasePath)
	relPath = strings.TrimPrefix(relPath, "/")
	if newTargetName != "" {
		origName := path.Base(origTargetPath)
		if !strings.HasSuffix(relPath, origName) {
			return "", fmt.Errorf("path %q does not end with its own name %q", origTargetPath, origName)
		}
		relPath = strings.TrimSuffix(relPath, origName) + newTargetName
	}
	if relPath == "" {
		return newBasePath, nil
	}
	return path.Join(newBasePath, relPath), nil
}

func (b *TwoTreeBuilder) migratePath(from, to *SideBuilder, spid model.SPID, newName string) (string, error) {
	return changeBasePath(spid.Path, from.rootSN().SPID.Path, to.rootSN().SPID.Path, newName)
}

// AppendCpLeftToRight emits a COPY of a left-side node onto the right side,
// where it does not yet exist.
func (b *TwoTreeBuilder) AppendCpLeftToRight(snL model.SPIDNodePair) error {
	return b.appendCp(b.Left, b.Right, snL)
}

// AppendCpRightToLeft emits a COPY of a right-side node onto the left side.
func (b *TwoTreeBuilder) AppendCpRightToLeft(snR model.SPIDNodePair) error {
	return b.appendCp(b.Right, b.Left, snR)
}

func (b *TwoTreeBuilder) appendCp(from, to *SideBuilder, sn model.SPIDNodePair) error {
	dstPath, err := b.migratePath(from, to, sn.SPID, "")
	if err != nil {
		return err
	}
	snDst, err := to.MigrateSingleNodeToThisSide(sn, dstPath, model.OpCP)
	if err != nil {
		return err
	}
	to.AddOpAndTarget(model.OpCP, sn, &snDst)
	return nil
}

// AppendUpLeftToRight emits an UPDATE: both nodes exist; the left one
// overwrites the right one.
func (b *TwoTreeBuilder) AppendUpLeftToRight(snL, snR model.SPIDNodePair) {
	b.Right.AddOpAndTarget(model.OpCPOnto, snL, &snR)
}

// AppendUpRightToLeft emits an UPDATE: the right node overwrites the left.
func (b *TwoTreeBuilder) AppendUpRightToLeft(snL, snR model.SPIDNodePair) {
	b.Left.AddOpAndTarget(model.OpCPOnto, snR, &snL)
}

// AppendMvWithinRight emits a MOVE of a right-side node so its relative path
// matches the left-side node's.
func (b *TwoTreeBuilder) AppendMvWithinRight(snL, snR model.SPIDNodePair) error {
	dstPath, err := b.migratePath(b.Left, b.Right, snL.SPID, "")
	if err != nil {
		return err
	}
	snDst, err := b.Right.MigrateSingleNodeToThisSide(snL, dstPath, model.OpMV)
	if err != nil {
		return err
	}
	b.Right.AddOpAndTarget(model.OpMV, snR, &snDst)
	return nil
}

// AppendMvWithinLeft emits a MOVE of a left-side node so its relative path
// matches the right-side node's.
func (b *TwoTreeBuilder) AppendMvWithinLeft(snL, snR model.SPIDNodePair) error {
	dstPath, err := b.migratePath(b.Right, b.Left, snR.SPID, "")
	if err != nil {
		return err
	}
	snDst, err := b.Left.MigrateSingleNodeToThisSide(snR, dstPath, model.OpMV)
	if err != nil {
		return err
	}
	b.Left.AddOpAndTarget(model.OpMV, snL, &snDst)
	return nil
}

// AppendStartDirCpLeftToRight opens a directory-level copy: the START op
// creates the destination dir before any children are copied into it. The
// returned dst pair must be passed to AppendFinishDirCpLeftToRight once every
// child op has been appended.
func (b *TwoTreeBuilder) AppendStartDirCpLeftToRight(snL model.SPIDNodePair) (model.SPIDNodePair, error) {
	return b.appendDirBracket(b.Left, b.Right, snL, model.OpStartDirCP)
}

// AppendFinishDirCpLeftToRight closes a directory-level copy: the FINISH op
// verifies the destination dir after its children.
func (b *TwoTreeBuilder) AppendFinishDirCpLeftToRight(snL, snDst model.SPIDNodePair) {
	b.Right.AddOpAndTarget(model.OpFinishDirCP, snL, &snDst)
}

// AppendStartDirMvLeftToRight opens a directory-level move.
func (b *TwoTreeBuilder) AppendStartDirMvLeftToRight(snL model.SPIDNodePair) (model.SPIDNodePair, error) {
	return b.appendDirBracket(b.Left, b.Right, snL, model.OpStartDirMV)
}

// AppendFinishDirMvLeftToRight closes a directory-level move: the FINISH op
// removes the emptied source dir after its children have moved out.
func (b *TwoTreeBuilder) AppendFinishDirMvLeftToRight(snL, snDst model.SPIDNodePair) {
	b.Right.AddOpAndTarget(model.OpFinishDirMV, snL, &snDst)
}

func (b *TwoTreeBuilder) appendDirBracket(from, to *SideBuilder, sn model.SPIDNodePair, opType model.OpType) (model.SPIDNodePair, error) {
	if !sn.Node.IsDir() {
		return model.SPIDNodePair{}, fmt.Errorf("%s target is not a dir: %s", opType, sn.SPID)
	}
	dstPath, err := b.migratePath(from, to, sn.SPID, "")
	if err != nil {
		return model.SPIDNodePair{}, err
	}
	snDst, err := to.MigrateSingleNodeToThisSide(sn, dstPath, opType)
	if err != nil {
		return model.SPIDNodePair{}, err
	}
	to.AddOpAndTarget(opType, sn, &snDst)
	return snDst, nil
}

// AppendRmLeft emits a removal of a left-side node.
func (b *TwoTreeBuilder) AppendRmLeft(sn model.SPIDNodePair) {
	b.Left.AddOpAndTarget(model.OpRM, sn, nil)
}

// AppendRmRight emits a removal of a right-side node.
func (b *TwoTreeBuilder) AppendRmRight(sn model.SPIDNodePair) {
	b.Right.AddOpAndTarget(model.OpRM, sn, nil)
}

// OpList merges both sides' ops, sorted by ascending op_uid, ready for
// submission as one batch.
func (b *TwoTreeBuilder) OpList() []*model.UserOp {
	out := append(b.Left.Tree().OpList(), b.Right.Tree().OpList()...)
	sort.Slice(out, func(i, j int) bool { return out[i].OpUID < out[j].OpUID })
	return out
}

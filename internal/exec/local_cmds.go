package exec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/model"
)

func localSinglePath(n model.TNode) (string, error) {
	paths := n.PathList()
	if len(paths) != 1 {
		return "", fmt.Errorf("local node %s does not have exactly one path", n.Identifier())
	}
	return paths[0], nil
}

// CopyFileLocallyCommand copies (or overwrites) a file within local disks.
type CopyFileLocallyCommand struct {
	baseCommand
	overwrite bool
}

func (c *CopyFileLocallyCommand) Execute(cxt *Context) (*UserOpResult, error) {
	srcPath, err := localSinglePath(c.op.SrcNode)
	if err != nil {
		return nil, err
	}
	dstPath, err := localSinglePath(c.op.DstNode)
	if err != nil {
		return nil, err
	}

	md5 := c.op.SrcNode.MD5()
	if md5 == "" {
		// The lazy signature scan has not reached this node yet; compute here.
		md5, err = computeAndAttachMD5(cxt, c.op.SrcNode)
		if err != nil {
			return nil, err
		}
	}
	stagingPath := filepath.Join(cxt.StagingDir, md5)
	log.Debug().Str("src", srcPath).Str("stg", stagingPath).Str("dst", dstPath).Msg("CP")

	if c.overwrite {
		md5Expected := ""
		if c.op.DstNode != nil {
			md5Expected = c.op.DstNode.MD5()
		}
		if err := CopyFileUpdate(srcPath, stagingPath, dstPath, md5, md5Expected); err != nil {
			return nil, err
		}
	} else if err := CopyFileNew(srcPath, stagingPath, dstPath, md5); err != nil {
		if errors.Is(err, ErrIdenticalFileExists) {
			// Not a real error, but the cache is likely out of date. Rescan.
			dstNode, buildErr := cxt.Cache.BuildLocalFileNode(c.op.DstNode.DeviceUID(), dstPath, "", true)
			if buildErr != nil {
				return nil, buildErr
			}
			return &UserOpResult{
				Status:   model.OpCompletedNoOp,
				ToUpsert: []model.TNode{c.op.SrcNode, dstNode},
			}, nil
		}
		return nil, err
	}

	dstNode, err := cxt.Cache.BuildLocalFileNode(c.op.DstNode.DeviceUID(), dstPath, "", true)
	if err != nil {
		return nil, err
	}
	return &UserOpResult{
		Status:   model.OpCompletedOK,
		ToUpsert: []model.TNode{c.op.SrcNode, dstNode},
	}, nil
}

func computeAndAttachMD5(cxt *Context, n model.TNode) (string, error) {
	path, err := localSinglePath(n)
	if err != nil {
		return "", err
	}
	fresh, err := cxt.Cache.BuildLocalFileNode(n.DeviceUID(), path, "", true)
	if err != nil {
		return "", fmt.Errorf("could not calculate signature for src node %s: %w", n.Identifier(), err)
	}
	if lf, ok := n.(*model.LocalFileNode); ok {
		lf.MD5Hex = fresh.MD5Hex
	}
	return fresh.MD5Hex, nil
}

// MoveFileLocallyCommand renames/moves within local disks.
type MoveFileLocallyCommand struct {
	baseCommand
}

func (c *MoveFileLocallyCommand) Execute(cxt *Context) (*UserOpResult, error) {
	srcPath, err := localSinglePath(c.op.SrcNode)
	if err != nil {
		return nil, err
	}
	dstPath, err := localSinglePath(c.op.DstNode)
	if err != nil {
		return nil, err
	}
	if err := MoveFile(srcPath, dstPath); err != nil {
		return nil, err
	}

	dstNode, err := cxt.Cache.BuildLocalFileNode(c.op.DstNode.DeviceUID(), dstPath, "", true)
	if err != nil {
		return nil, err
	}
	result := &UserOpResult{
		Status:   model.OpCompletedOK,
		ToUpsert: []model.TNode{dstNode},
	}
	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		result.ToDelete = []model.TNode{c.op.SrcNode}
	} else {
		log.Warn().Str("src", srcPath).Msg("Src node still exists after move.")
	}
	return result, nil
}

// CreateLocalDirCommand is MKDIR on a local disk, with mkdir -p semantics.
// For START_DIR_* ops the target is the op's dst dir rather than its src.
type CreateLocalDirCommand struct {
	baseCommand
	tgt model.TNode
}

func (c *CreateLocalDirCommand) Execute(cxt *Context) (*UserOpResult, error) {
	path, err := localSinglePath(c.tgt)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("dst", path).Msg("MKDIR")
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	created := c.tgt.Clone()
	created.SetIsLive(true)
	return &UserOpResult{Status: model.OpCompletedOK, ToUpsert: []model.TNode{created}}, nil
}

// DeleteLocalFileCommand deletes a local file or empty dir, optionally to the
// trash and optionally walking up to remove empty parents.
type DeleteLocalFileCommand struct {
	baseCommand
	toTrash           bool
	deleteEmptyParent bool
}

func (c *DeleteLocalFileCommand) Execute(cxt *Context) (*UserOpResult, error) {
	path, err := localSinglePath(c.op.SrcNode)
	if err != nil {
		return nil, err
	}

	if c.op.SrcNode.IsFile() {
		err = DeleteFile(path, c.toTrash)
	} else {
		err = DeleteEmptyDir(path, c.toTrash)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return &UserOpResult{Status: model.OpCompletedNoOp, ToDelete: []model.TNode{c.op.SrcNode}}, nil
		}
		return nil, err
	}

	deleted := []model.TNode{c.op.SrcNode}
	if c.deleteEmptyParent {
		for _, dir := range DeleteEmptyParents(path, "/") {
			if dirNode := cxt.Cache.GetNodeForLocalPath(c.op.SrcNode.DeviceUID(), dir); dirNode != nil {
				deleted = append(deleted, dirNode)
			}
		}
	}
	return &UserOpResult{Status: model.OpCompletedOK, ToDelete: deleted}, nil
}

// FinishLocalDirMoveCommand removes the now-empty source directory at the end
// of a directory move and confirms the destination.
type FinishLocalDirMoveCommand struct {
	baseCommand
	removeSrc bool
}

func (c *FinishLocalDirMoveCommand) Execute(cxt *Context) (*UserOpResult, error) {
	dstPath, err := localSinglePath(c.op.DstNode)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dstPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("expected dst dir to exist at %q", dstPath)
	}

	result := &UserOpResult{Status: model.OpCompletedOK}
	dstNode := c.op.DstNode.Clone()
	dstNode.SetIsLive(true)
	result.ToUpsert = append(result.ToUpsert, dstNode)

	if c.removeSrc {
		srcPath, err := localSinglePath(c.op.SrcNode)
		if err != nil {
			return nil, err
		}
		if err := DeleteEmptyDir(srcPath, false); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
		result.ToDelete = append(result.ToDelete, c.op.SrcNode)
	}
	return result, nil
}

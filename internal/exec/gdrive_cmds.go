package exec

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/drive/v3"

	"github.com/outlet-sync/outlet/internal/gdrive"
	"github.com/outlet-sync/outlet/internal/model"
)

// nodeFromDriveFile converts an API file into a cache node, keeping the
// planning node's UID (via suggestion) for the object the command just made
// existent so child commands resolve parents correctly.
func nodeFromDriveFile(cxt *Context, deviceUID model.UID, f *drive.File, uidSuggestion model.UID) (model.TNode, error) {
	return gdrive.BuildNode(cxt.Cache, deviceUID, f, uidSuggestion)
}

// UploadToGDriveCommand copies local -> gdrive.
type UploadToGDriveCommand struct {
	gdriveCommand
	overwrite bool
}

func (c *UploadToGDriveCommand) Execute(cxt *Context) (*UserOpResult, error) {
	srcPath, err := localSinglePath(c.op.SrcNode)
	if err != nil {
		return nil, err
	}
	md5 := c.op.SrcNode.MD5()
	if md5 == "" {
		md5, err = computeAndAttachMD5(cxt, c.op.SrcNode)
		if err != nil {
			return nil, err
		}
	}
	sizeBytes := c.op.SrcNode.SizeBytes()
	dst := c.op.DstNode
	deviceUID := dst.DeviceUID()

	parentGoogID, err := cxt.Cache.GetGoogIDForParent(dst)
	if err != nil {
		return nil, err
	}
	existing, err := cxt.GDrive.GetSingleFileWithParentAndName(parentGoogID, dst.Name())
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Md5Checksum == md5 && existing.Size == sizeBytes {
		log.Info().Str("md5", md5).Int64("size", sizeBytes).
			Msg("Identical node already exists in Google Drive.")
		// The planning node carries a throwaway UID with no goog_id; replace
		// it with the real server node.
		existingNode, err := nodeFromDriveFile(cxt, deviceUID, existing, dst.UID())
		if err != nil {
			return nil, err
		}
		return &UserOpResult{
			Status:   model.OpCompletedNoOp,
			ToUpsert: []model.TNode{c.op.SrcNode, existingNode},
			ToDelete: []model.TNode{dst},
		}, nil
	}

	var uploaded *drive.File
	if c.overwrite {
		if existing == nil {
			return nil, fmt.Errorf("tried to update node in Google Drive but found no node with matching meta")
		}
		log.Info().Str("name", dst.Name()).Msg("Overwriting existing Drive node with new content.")
		uploaded, err = cxt.GDrive.UpdateExistingFile(existing.Id, existing.Name, srcPath)
	} else {
		if existing != nil {
			return nil, fmt.Errorf("found unexpected node with the same name and parent: %q", existing.Name)
		}
		uploaded, err = cxt.GDrive.UploadNewFile(srcPath, dst.Name(), parentGoogID)
	}
	if err != nil {
		return nil, err
	}
	googNode, err := nodeFromDriveFile(cxt, deviceUID, uploaded, dst.UID())
	if err != nil {
		return nil, err
	}
	return &UserOpResult{
		Status:   model.OpCompletedOK,
		ToUpsert: []model.TNode{c.op.SrcNode, googNode},
	}, nil
}

// DownloadFromGDriveCommand copies gdrive -> local, staging and verifying the
// md5 before the atomic move into place.
type DownloadFromGDriveCommand struct {
	gdriveCommand
	overwrite bool
}

func (c *DownloadFromGDriveCommand) Execute(cxt *Context) (*UserOpResult, error) {
	src, ok := c.op.SrcNode.(*model.GDriveFileNode)
	if !ok || src.MD5Hex == "" {
		return nil, fmt.Errorf("bad src node for download: %s", c.op.SrcNode.Identifier())
	}
	dstPath, err := localSinglePath(c.op.DstNode)
	if err != nil {
		return nil, err
	}
	dstDevice := c.op.DstNode.DeviceUID()

	if _, err := os.Stat(dstPath); err == nil {
		node, err := cxt.Cache.BuildLocalFileNode(dstDevice, dstPath, "", true)
		if err == nil && node.MD5Hex == src.MD5Hex {
			log.Debug().Str("dst", dstPath).Msg("Item already exists and appears valid; skipping download.")
			return &UserOpResult{
				Status:   model.OpCompletedNoOp,
				ToUpsert: []model.TNode{c.op.SrcNode, node},
			}, nil
		}
		if !c.overwrite {
			return nil, fmt.Errorf("a different node already exists at the destination path: %q", dstPath)
		}
	} else if c.overwrite {
		log.Warn().Str("dst", dstPath).Msg("Doing an update for a local file which does not exist.")
	}

	if err := os.MkdirAll(cxt.StagingDir, 0700); err != nil {
		return nil, err
	}
	stagingPath := filepath.Join(cxt.StagingDir, src.MD5Hex)

	if _, err := os.Stat(stagingPath); err == nil {
		node, err := cxt.Cache.BuildLocalFileNode(dstDevice, dstPath, stagingPath, true)
		if err == nil && node.MD5Hex == src.MD5Hex {
			log.Debug().Str("staging", stagingPath).Str("dst", dstPath).
				Msg("Found target in staging dir; moving into place.")
			if err := MoveToDst(stagingPath, dstPath); err != nil {
				return nil, err
			}
			return &UserOpResult{Status: model.OpCompletedOK, ToUpsert: []model.TNode{c.op.SrcNode, node}}, nil
		}
		log.Debug().Str("staging", stagingPath).Msg("Unexpected file in staging dir; removing.")
		os.Remove(stagingPath)
	}

	if err := cxt.GDrive.DownloadFile(src.GoogID, stagingPath); err != nil {
		return nil, err
	}
	node, err := cxt.Cache.BuildLocalFileNode(dstDevice, dstPath, stagingPath, true)
	if err != nil {
		os.Remove(stagingPath)
		return nil, err
	}
	if node.MD5Hex != src.MD5Hex {
		os.Remove(stagingPath)
		return nil, fmt.Errorf("downloaded md5 (%s) does not match expected (%s)", node.MD5Hex, src.MD5Hex)
	}
	if err := MoveToDst(stagingPath, dstPath); err != nil {
		return nil, err
	}
	return &UserOpResult{Status: model.OpCompletedOK, ToUpsert: []model.TNode{c.op.SrcNode, node}}, nil
}

// CreateGDriveFolderCommand is MKDIR on Drive. An existing folder with the
// same parent and name is reused rather than duplicated. For START_DIR_* ops
// the target is the op's dst dir rather than its src.
type CreateGDriveFolderCommand struct {
	gdriveCommand
	tgt model.TNode
}

func (c *CreateGDriveFolderCommand) Execute(cxt *Context) (*UserOpResult, error) {
	src := c.tgt
	if !src.IsDir() {
		return nil, fmt.Errorf("MKDIR target is not a dir: %s", src.Identifier())
	}
	parentGoogID, err := cxt.Cache.GetGoogIDForParent(src)
	if err != nil {
		return nil, err
	}

	existing, err := cxt.GDrive.GetFoldersWithParentAndName(parentGoogID, src.Name())
	if err != nil {
		return nil, err
	}
	var folder *drive.File
	if len(existing) > 0 {
		log.Info().Int("count", len(existing)).Str("name", src.Name()).
			Msg("Found existing folder(s) with same parent and name; using the first instead of creating.")
		folder = existing[0]
	} else {
		folder, err = cxt.GDrive.CreateFolder(src.Name(), []string{parentGoogID})
		if err != nil {
			return nil, err
		}
		log.Info().Str("name", folder.Name).Str("googID", folder.Id).Msg("Created GDrive folder.")
	}

	// Keep the planning node's UID so subsequent child commands resolve their
	// parent correctly.
	googNode, err := nodeFromDriveFile(cxt, src.DeviceUID(), folder, src.UID())
	if err != nil {
		return nil, err
	}
	if len(googNode.ParentUIDs()) == 0 {
		googNode.SetParentUIDs(src.ParentUIDs()...)
	}
	return &UserOpResult{Status: model.OpCompletedOK, ToUpsert: []model.TNode{googNode}}, nil
}

// MoveFileGDriveCommand re-parents/renames within one Drive account.
// Idempotent: a replay that finds the src gone but the dst present treats the
// op as already completed.
type MoveFileGDriveCommand struct {
	gdriveCommand
}

func (c *MoveFileGDriveCommand) Execute(cxt *Context) (*UserOpResult, error) {
	src, ok := c.op.SrcNode.(*model.GDriveFileNode)
	if !ok {
		return nil, fmt.Errorf("bad src node for gdrive move: %s", c.op.SrcNode.Identifier())
	}
	dst := c.op.DstNode
	deviceUID := src.DeviceUID()

	srcParentGoogID, err := cxt.Cache.GetGoogIDForParent(src)
	if err != nil {
		return nil, err
	}
	dstParentGoogID, err := cxt.Cache.GetGoogIDForParent(dst)
	if err != nil {
		return nil, err
	}

	remote, err := cxt.GDrive.GetFile(src.GoogID)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, fmt.Errorf("could not find node in source or dest locations; the model looks out of date (goog_id=%s)", src.GoogID)
	}

	if containsID(remote.Parents, dstParentGoogID) && remote.Name == dst.Name() {
		log.Info().Str("googID", src.GoogID).
			Msg("Node already at destination in Google Drive; updating cache only.")
		moved, err := nodeFromDriveFile(cxt, deviceUID, remote, src.UID())
		if err != nil {
			return nil, err
		}
		return &UserOpResult{
			Status:   model.OpCompletedNoOp,
			ToUpsert: []model.TNode{moved},
			ToDelete: []model.TNode{dst},
		}, nil
	}

	var removeParents []string
	if containsID(remote.Parents, srcParentGoogID) {
		removeParents = []string{srcParentGoogID}
	}
	updated, err := cxt.GDrive.ModifyMeta(src.GoogID, removeParents, []string{dstParentGoogID}, dst.Name())
	if err != nil {
		return nil, err
	}
	moved, err := nodeFromDriveFile(cxt, deviceUID, updated, src.UID())
	if err != nil {
		return nil, err
	}
	// The planning dst node carried a different UID; the moved node keeps the
	// src identity.
	return &UserOpResult{
		Status:   model.OpCompletedOK,
		ToUpsert: []model.TNode{moved},
		ToDelete: []model.TNode{dst},
	}, nil
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// DeleteGDriveNodeCommand trashes or hard-deletes a Drive node.
type DeleteGDriveNodeCommand struct {
	gdriveCommand
	toTrash bool
}

func (c *DeleteGDriveNodeCommand) Execute(cxt *Context) (*UserOpResult, error) {
	googID := googIDOfNode(c.op.SrcNode)
	if googID == "" {
		return nil, fmt.Errorf("cannot delete node with no goog_id: %s", c.op.SrcNode.Identifier())
	}

	remote, err := cxt.GDrive.GetFile(googID)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		return &UserOpResult{Status: model.OpCompletedNoOp, ToDelete: []model.TNode{c.op.SrcNode}}, nil
	}
	if c.toTrash && remote.Trashed {
		log.Info().Str("googID", googID).Msg("Item is already trashed.")
		return &UserOpResult{Status: model.OpCompletedNoOp, ToDelete: []model.TNode{c.op.SrcNode}}, nil
	}

	if c.toTrash {
		if err := cxt.GDrive.Trash(googID); err != nil {
			return nil, err
		}
		c.op.SrcNode.SetTrashed(model.ExplicitlyTrashed)
	} else if err := cxt.GDrive.HardDelete(googID); err != nil {
		return nil, err
	}
	return &UserOpResult{Status: model.OpCompletedOK, ToDelete: []model.TNode{c.op.SrcNode}}, nil
}

func googIDOfNode(n model.TNode) string {
	switch g := n.(type) {
	case *model.GDriveFileNode:
		return g.GoogID
	case *model.GDriveFolderNode:
		return g.GoogID
	}
	return ""
}

// FinishGDriveDirMoveCommand completes a directory move on Drive: verifies
// the destination folder and trashes the emptied source folder.
type FinishGDriveDirMoveCommand struct {
	gdriveCommand
	removeSrc bool
}

func (c *FinishGDriveDirMoveCommand) Execute(cxt *Context) (*UserOpResult, error) {
	dstGoogID := googIDOfNode(c.op.DstNode)
	if dstGoogID == "" {
		return nil, fmt.Errorf("dst folder has no goog_id yet: %s", c.op.DstNode.Identifier())
	}
	remote, err := cxt.GDrive.GetFile(dstGoogID)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, fmt.Errorf("dst folder missing from Google Drive (goog_id=%s)", dstGoogID)
	}

	result := &UserOpResult{Status: model.OpCompletedOK}
	dstNode, err := nodeFromDriveFile(cxt, c.op.DstNode.DeviceUID(), remote, c.op.DstNode.UID())
	if err != nil {
		return nil, err
	}
	result.ToUpsert = append(result.ToUpsert, dstNode)

	if c.removeSrc {
		srcGoogID := googIDOfNode(c.op.SrcNode)
		if srcGoogID != "" {
			if err := cxt.GDrive.Trash(srcGoogID); err != nil {
				return nil, err
			}
		}
		result.ToDelete = append(result.ToDelete, c.op.SrcNode)
	}
	return result, nil
}

package exec

import (
	"fmt"

	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
)

// CommandBuilder maps a UserOp to the command for its op type and backends.
type CommandBuilder struct {
	cache    *cache.Manager
	useTrash bool
}

// NewCommandBuilder builds a builder. useTrash selects trashing over hard
// deletion for RM ops.
func NewCommandBuilder(c *cache.Manager, useTrash bool) *CommandBuilder {
	return &CommandBuilder{cache: c, useTrash: useTrash}
}

// Build constructs the command for an op. Unsupported backend pairings are an
// error (the change-tree builder never emits them).
func (b *CommandBuilder) Build(op *model.UserOp) (Command, error) {
	srcType := b.cache.TreeTypeForDevice(op.SrcNode.DeviceUID())
	dstType := model.TreeTypeNone
	if op.HasDst() {
		dstType = b.cache.TreeTypeForDevice(op.DstNode.DeviceUID())
	}

	switch op.Type {
	case model.OpMKDIR:
		switch srcType {
		case model.TreeTypeLocalDisk:
			return &CreateLocalDirCommand{baseCommand{op}, op.SrcNode}, nil
		case model.TreeTypeGDrive:
			return &CreateGDriveFolderCommand{gdriveCommand{baseCommand{op}}, op.SrcNode}, nil
		}

	case model.OpCP, model.OpCPOnto:
		overwrite := op.Type == model.OpCPOnto
		switch {
		case srcType == model.TreeTypeLocalDisk && dstType == model.TreeTypeLocalDisk:
			return &CopyFileLocallyCommand{baseCommand{op}, overwrite}, nil
		case srcType == model.TreeTypeLocalDisk && dstType == model.TreeTypeGDrive:
			return &UploadToGDriveCommand{gdriveCommand{baseCommand{op}}, overwrite}, nil
		case srcType == model.TreeTypeGDrive && dstType == model.TreeTypeLocalDisk:
			return &DownloadFromGDriveCommand{gdriveCommand{baseCommand{op}}, overwrite}, nil
		}

	case model.OpMV, model.OpMVOnto:
		switch {
		case srcType == model.TreeTypeLocalDisk && dstType == model.TreeTypeLocalDisk:
			return &MoveFileLocallyCommand{baseCommand{op}}, nil
		case srcType == model.TreeTypeGDrive && dstType == model.TreeTypeGDrive:
			return &MoveFileGDriveCommand{gdriveCommand{baseCommand{op}}}, nil
		}

	case model.OpRM:
		switch srcType {
		case model.TreeTypeLocalDisk:
			return &DeleteLocalFileCommand{baseCommand{op}, b.useTrash, false}, nil
		case model.TreeTypeGDrive:
			return &DeleteGDriveNodeCommand{gdriveCommand{baseCommand{op}}, b.useTrash}, nil
		}

	case model.OpStartDirCP, model.OpStartDirMV:
		// Create the destination dir before its children land in it.
		switch dstType {
		case model.TreeTypeLocalDisk:
			return &CreateLocalDirCommand{baseCommand{op}, op.DstNode}, nil
		case model.TreeTypeGDrive:
			return &CreateGDriveFolderCommand{gdriveCommand{baseCommand{op}}, op.DstNode}, nil
		}

	case model.OpFinishDirCP, model.OpFinishDirMV:
		removeSrc := op.Type == model.OpFinishDirMV
		switch dstType {
		case model.TreeTypeLocalDisk:
			if removeSrc && srcType != model.TreeTypeLocalDisk {
				break
			}
			return &FinishLocalDirMoveCommand{baseCommand{op}, removeSrc}, nil
		case model.TreeTypeGDrive:
			return &FinishGDriveDirMoveCommand{gdriveCommand{baseCommand{op}}, removeSrc}, nil
		}
	}

	return nil, fmt.Errorf("no command for op type %s with backends %s -> %s",
		op.Type, srcType, dstType)
}

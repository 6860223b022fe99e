package cache

import "github.com/outlet-sync/outlet/internal/model"

// WriteOpKind tags the typed cache mutation variants. Every mutation of the
// node cache goes through one of these, and each is applied in three phases:
// memstore, then diskstore, then signal emission. A failure between phases is
// tolerated because the memstore is authoritative at runtime and the diskstore
// is reconciled on the next startup.
type WriteOpKind int

const (
	WriteUpsertSingleNode WriteOpKind = iota + 1
	WriteRemoveSingleNode
	WriteRemoveSubtree
	WriteBatchChanges
	WriteRefreshFolder
	WriteCreateUser
	WriteUpsertMimeType
	WriteDeleteAllData
)

func (k WriteOpKind) String() string {
	switch k {
	case WriteUpsertSingleNode:
		return "UpsertSingleNode"
	case WriteRemoveSingleNode:
		return "RemoveSingleNode"
	case WriteRemoveSubtree:
		return "RemoveSubtree"
	case WriteBatchChanges:
		return "BatchChanges"
	case WriteRefreshFolder:
		return "RefreshFolder"
	case WriteCreateUser:
		return "CreateUser"
	case WriteUpsertMimeType:
		return "UpsertMimeType"
	case WriteDeleteAllData:
		return "DeleteAllData"
	}
	return "Unknown"
}

// WriteOp is one typed cache mutation. Only the fields relevant to the kind
// are set.
type WriteOp struct {
	Kind WriteOpKind

	// UpsertSingleNode, RemoveSingleNode, RemoveSubtree, RefreshFolder
	Node model.TNode

	// RefreshFolder: the authoritative child list. BatchChanges: the upserts.
	Nodes []model.TNode

	// BatchChanges
	Removes []model.TNode

	// CreateUser
	UserName  string
	UserEmail string

	// UpsertMimeType
	MimeType string

	// DeleteAllData
	DeviceUID model.UID
}

package model

import (
	"encoding/json"
	"fmt"
	"path"
)

// TNode is the interface satisfied by every node variant in the cache: local
// files and dirs, GDrive files and folders, and the synthetic container types.
// Nodes are value-ish: mutation happens through the cache manager, which hands
// out clones where concurrent access is possible.
type TNode interface {
	Identifier() DNUID
	UID() UID
	DeviceUID() UID
	TreeType() TreeType
	Name() string
	IsDir() bool
	IsFile() bool

	// IsLive reports whether this node reflects a currently existing backend
	// object. Planning nodes inserted for not-yet-executed ops are non-live.
	IsLive() bool
	SetIsLive(live bool)

	// ParentUIDs returns all parents. Local nodes have exactly one; GDrive
	// nodes may have several.
	ParentUIDs() []UID
	SetParentUIDs(uids ...UID)

	Trashed() TrashStatus
	SetTrashed(status TrashStatus)

	// PathList returns every full path this node is reachable at. For local
	// nodes there is exactly one; GDrive nodes can have several via multiple
	// parents. May be empty for GDrive nodes whose paths were never derived.
	PathList() []string
	SetPathList(paths []string)

	SizeBytes() int64
	MD5() string

	// IsSignatureEqual compares content identity (md5 + size) with another
	// node, ignoring location.
	IsSignatureEqual(other TNode) bool

	// IsMetaEqual compares the stored metadata fields (identity, parents,
	// content, timestamps, trash and live state) that determine whether a disk
	// update is required on upsert.
	IsMetaEqual(other TNode) bool

	Clone() TNode
}

// nodeBase carries the fields common to all variants.
type nodeBase struct {
	NodeID       DNUID       `json:"node_id"`
	TrashedState TrashStatus `json:"trashed"`
	IsShared     bool        `json:"is_shared,omitempty"`
	IconOverride int         `json:"icon_override,omitempty"`
	Paths        []string    `json:"path_list,omitempty"`
}

func (n *nodeBase) Identifier() DNUID        { return n.NodeID }
func (n *nodeBase) UID() UID                 { return n.NodeID.UID }
func (n *nodeBase) DeviceUID() UID           { return n.NodeID.DeviceUID }
func (n *nodeBase) Trashed() TrashStatus     { return n.TrashedState }
func (n *nodeBase) SetTrashed(s TrashStatus) { n.TrashedState = s }
func (n *nodeBase) PathList() []string       { return n.Paths }
func (n *nodeBase) SetPathList(p []string)   { n.Paths = p }

// SinglePath returns the node's only path and panics if there is not exactly
// one. Used by local nodes, which always have exactly one path.
func (n *nodeBase) SinglePath() string {
	if len(n.Paths) != 1 {
		panic(fmt.Sprintf("node %s does not have exactly one path: %v", n.NodeID, n.Paths))
	}
	return n.Paths[0]
}

// LocalFileNode is a file on a local disk.
type LocalFileNode struct {
	nodeBase
	ParentUID UID    `json:"parent_uid"`
	Size      int64  `json:"size"`
	SyncTS    int64  `json:"sync_ts"`   // seconds since epoch
	ModifyTS  int64  `json:"modify_ts"` // ms since epoch
	ChangeTS  int64  `json:"change_ts"` // ms since epoch
	MD5Hex    string `json:"md5,omitempty"`
	SHA256Hex string `json:"sha256,omitempty"`
	Live      bool   `json:"is_live"`
}

// NewLocalFileNode builds a local file node at the given single path.
func NewLocalFileNode(nodeID DNUID, parentUID UID, fullPath string, size int64, md5 string, live bool) *LocalFileNode {
	return &LocalFileNode{
		nodeBase:  nodeBase{NodeID: nodeID, Paths: []string{fullPath}},
		ParentUID: parentUID,
		Size:      size,
		MD5Hex:    md5,
		Live:      live,
	}
}

func (n *LocalFileNode) TreeType() TreeType { return TreeTypeLocalDisk }
func (n *LocalFileNode) Name() string       { return path.Base(n.SinglePath()) }
func (n *LocalFileNode) IsDir() bool        { return false }
func (n *LocalFileNode) IsFile() bool       { return true }
func (n *LocalFileNode) IsLive() bool       { return n.Live }
func (n *LocalFileNode) SetIsLive(l bool)   { n.Live = l }
func (n *LocalFileNode) ParentUIDs() []UID  { return []UID{n.ParentUID} }
func (n *LocalFileNode) SizeBytes() int64   { return n.Size }
func (n *LocalFileNode) MD5() string        { return n.MD5Hex }

func (n *LocalFileNode) SetParentUIDs(uids ...UID) {
	if len(uids) != 1 {
		panic("local node must have exactly one parent")
	}
	n.ParentUID = uids[0]
}

func (n *LocalFileNode) IsSignatureEqual(other TNode) bool {
	return isSignatureEqual(n, other)
}

func (n *LocalFileNode) IsMetaEqual(other TNode) bool {
	o, ok := other.(*LocalFileNode)
	return ok && n.NodeID == o.NodeID && n.ParentUID == o.ParentUID && n.Size == o.Size &&
		n.ModifyTS == o.ModifyTS && n.ChangeTS == o.ChangeTS && n.MD5Hex == o.MD5Hex &&
		n.Live == o.Live && n.TrashedState == o.TrashedState
}

func (n *LocalFileNode) Clone() TNode {
	c := *n
	c.Paths = append([]string(nil), n.Paths...)
	return &c
}

// LocalDirNode is a directory on a local disk.
type LocalDirNode struct {
	nodeBase
	ParentUID          UID  `json:"parent_uid"`
	Live               bool `json:"is_live"`
	AllChildrenFetched bool `json:"all_children_fetched"`
}

// NewLocalDirNode builds a local dir node at the given single path.
func NewLocalDirNode(nodeID DNUID, parentUID UID, fullPath string, live, allChildrenFetched bool) *LocalDirNode {
	return &LocalDirNode{
		nodeBase:           nodeBase{NodeID: nodeID, Paths: []string{fullPath}},
		ParentUID:          parentUID,
		Live:               live,
		AllChildrenFetched: allChildrenFetched,
	}
}

func (n *LocalDirNode) TreeType() TreeType { return TreeTypeLocalDisk }
func (n *LocalDirNode) Name() string       { return path.Base(n.SinglePath()) }
func (n *LocalDirNode) IsDir() bool        { return true }
func (n *LocalDirNode) IsFile() bool       { return false }
func (n *LocalDirNode) IsLive() bool       { return n.Live }
func (n *LocalDirNode) SetIsLive(l bool)   { n.Live = l }
func (n *LocalDirNode) ParentUIDs() []UID  { return []UID{n.ParentUID} }
func (n *LocalDirNode) SizeBytes() int64   { return 0 }
func (n *LocalDirNode) MD5() string        { return "" }

func (n *LocalDirNode) SetParentUIDs(uids ...UID) {
	if len(uids) != 1 {
		panic("local node must have exactly one parent")
	}
	n.ParentUID = uids[0]
}

func (n *LocalDirNode) IsSignatureEqual(other TNode) bool {
	return other.IsDir() && other.TreeType() == TreeTypeLocalDisk
}

func (n *LocalDirNode) IsMetaEqual(other TNode) bool {
	o, ok := other.(*LocalDirNode)
	return ok && n.NodeID == o.NodeID && n.ParentUID == o.ParentUID && n.Live == o.Live &&
		n.AllChildrenFetched == o.AllChildrenFetched && n.TrashedState == o.TrashedState
}

func (n *LocalDirNode) Clone() TNode {
	c := *n
	c.Paths = append([]string(nil), n.Paths...)
	return &c
}

func isSignatureEqual(a, b TNode) bool {
	if a.IsDir() || b.IsDir() {
		return false
	}
	return a.MD5() != "" && a.MD5() == b.MD5() && a.SizeBytes() == b.SizeBytes()
}

// nodeEnvelope tags a serialized node with its variant so it can be decoded
// from the diskstore without guessing.
type nodeEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

const (
	kindLocalFile    = "local_file"
	kindLocalDir     = "local_dir"
	kindGDriveFile   = "gdrive_file"
	kindGDriveFolder = "gdrive_folder"
	kindContainer    = "container"
)

// MarshalNode serializes any node variant for local storage. Not used on the
// wire.
func MarshalNode(n TNode) ([]byte, error) {
	var kind string
	switch n.(type) {
	case *LocalFileNode:
		kind = kindLocalFile
	case *LocalDirNode:
		kind = kindLocalDir
	case *GDriveFileNode:
		kind = kindGDriveFile
	case *GDriveFolderNode:
		kind = kindGDriveFolder
	case *ContainerNode:
		kind = kindContainer
	default:
		return nil, fmt.Errorf("cannot serialize node type %T", n)
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeEnvelope{Kind: kind, Data: data})
}

// UnmarshalNode decodes a node previously written by MarshalNode.
func UnmarshalNode(data []byte) (TNode, error) {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var n TNode
	switch env.Kind {
	case kindLocalFile:
		n = &LocalFileNode{}
	case kindLocalDir:
		n = &LocalDirNode{}
	case kindGDriveFile:
		n = &GDriveFileNode{}
	case kindGDriveFolder:
		n = &GDriveFolderNode{}
	case kindContainer:
		n = &ContainerNode{}
	default:
		return nil, fmt.Errorf("unknown node kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, n); err != nil {
		return nil, err
	}
	return n, nil
}

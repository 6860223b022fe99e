package model

// GDriveFileNode is a regular file in a Google Drive account. Its UID is
// assigned locally; GoogID is empty until the file exists server-side.
type GDriveFileNode struct {
	nodeBase
	GoogID      string `json:"goog_id,omitempty"`
	NodeName    string `json:"name"`
	MimeTypeUID UID    `json:"mime_type_uid,omitempty"`
	ParentIDs   []UID  `json:"parent_uids"`
	Version     int64  `json:"version,omitempty"`
	MD5Hex      string `json:"md5,omitempty"`
	Size        int64  `json:"size"`
	DriveID     string `json:"drive_id,omitempty"`
	OwnerUID    UID    `json:"owner_uid,omitempty"`
	CreateTS    int64  `json:"create_ts"` // ms since epoch
	ModifyTS    int64  `json:"modify_ts"` // ms since epoch
	SyncTS      int64  `json:"sync_ts"`   // seconds since epoch
}

// NewGDriveFileNode builds a GDrive file node. A node with an empty googID is
// a planning node and is not live.
func NewGDriveFileNode(nodeID DNUID, googID, name string, parentUIDs []UID, size int64, md5 string) *GDriveFileNode {
	return &GDriveFileNode{
		nodeBase:  nodeBase{NodeID: nodeID},
		GoogID:    googID,
		NodeName:  name,
		ParentIDs: parentUIDs,
		Size:      size,
		MD5Hex:    md5,
	}
}

func (n *GDriveFileNode) TreeType() TreeType { return TreeTypeGDrive }
func (n *GDriveFileNode) Name() string       { return n.NodeName }
func (n *GDriveFileNode) IsDir() bool        { return false }
func (n *GDriveFileNode) IsFile() bool       { return true }
func (n *GDriveFileNode) IsLive() bool       { return n.GoogID != "" }
func (n *GDriveFileNode) ParentUIDs() []UID  { return n.ParentIDs }
func (n *GDriveFileNode) SizeBytes() int64   { return n.Size }
func (n *GDriveFileNode) MD5() string        { return n.MD5Hex }

// SetIsLive is meaningful only in the non-live direction for GDrive nodes;
// liveness otherwise follows from having a goog_id.
func (n *GDriveFileNode) SetIsLive(live bool) {
	if !live {
		n.GoogID = ""
	}
}

func (n *GDriveFileNode) SetParentUIDs(uids ...UID) { n.ParentIDs = uids }

func (n *GDriveFileNode) IsSignatureEqual(other TNode) bool {
	return isSignatureEqual(n, other)
}

func (n *GDriveFileNode) IsMetaEqual(other TNode) bool {
	o, ok := other.(*GDriveFileNode)
	if !ok || n.NodeID != o.NodeID || n.GoogID != o.GoogID || n.NodeName != o.NodeName ||
		n.Size != o.Size || n.MD5Hex != o.MD5Hex || n.Version != o.Version ||
		n.ModifyTS != o.ModifyTS || n.TrashedState != o.TrashedState {
		return false
	}
	return uidSlicesEqual(n.ParentIDs, o.ParentIDs)
}

func (n *GDriveFileNode) Clone() TNode {
	c := *n
	c.ParentIDs = append([]UID(nil), n.ParentIDs...)
	c.Paths = append([]string(nil), n.Paths...)
	return &c
}

// GDriveFolderNode is a folder in a Google Drive account. Folders may have
// multiple parents and therefore multiple paths.
type GDriveFolderNode struct {
	nodeBase
	GoogID             string `json:"goog_id,omitempty"`
	NodeName           string `json:"name"`
	ParentIDs          []UID  `json:"parent_uids"`
	DriveID            string `json:"drive_id,omitempty"`
	OwnerUID           UID    `json:"owner_uid,omitempty"`
	CreateTS           int64  `json:"create_ts"`
	ModifyTS           int64  `json:"modify_ts"`
	SyncTS             int64  `json:"sync_ts"`
	AllChildrenFetched bool   `json:"all_children_fetched"`
}

// NewGDriveFolderNode builds a GDrive folder node.
func NewGDriveFolderNode(nodeID DNUID, googID, name string, parentUIDs []UID, allChildrenFetched bool) *GDriveFolderNode {
	return &GDriveFolderNode{
		nodeBase:           nodeBase{NodeID: nodeID},
		GoogID:             googID,
		NodeName:           name,
		ParentIDs:          parentUIDs,
		AllChildrenFetched: allChildrenFetched,
	}
}

func (n *GDriveFolderNode) TreeType() TreeType { return TreeTypeGDrive }
func (n *GDriveFolderNode) Name() string       { return n.NodeName }
func (n *GDriveFolderNode) IsDir() bool        { return true }
func (n *GDriveFolderNode) IsFile() bool       { return false }
func (n *GDriveFolderNode) IsLive() bool       { return n.GoogID != "" }
func (n *GDriveFolderNode) ParentUIDs() []UID  { return n.ParentIDs }
func (n *GDriveFolderNode) SizeBytes() int64   { return 0 }
func (n *GDriveFolderNode) MD5() string        { return "" }

func (n *GDriveFolderNode) SetIsLive(live bool) {
	if !live {
		n.GoogID = ""
	}
}

func (n *GDriveFolderNode) SetParentUIDs(uids ...UID) { n.ParentIDs = uids }

func (n *GDriveFolderNode) IsSignatureEqual(other TNode) bool {
	return other.IsDir() && other.TreeType() == TreeTypeGDrive && other.Name() == n.NodeName
}

func (n *GDriveFolderNode) IsMetaEqual(other TNode) bool {
	o, ok := other.(*GDriveFolderNode)
	if !ok || n.NodeID != o.NodeID || n.GoogID != o.GoogID || n.NodeName != o.NodeName ||
		n.AllChildrenFetched != o.AllChildrenFetched || n.TrashedState != o.TrashedState {
		return false
	}
	return uidSlicesEqual(n.ParentIDs, o.ParentIDs)
}

func (n *GDriveFolderNode) Clone() TNode {
	c := *n
	c.ParentIDs = append([]UID(nil), n.ParentIDs...)
	c.Paths = append([]string(nil), n.Paths...)
	return &c
}

func uidSlicesEqual(a, b []UID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

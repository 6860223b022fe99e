package model

import "fmt"

// SPID is a single-path node identifier: a node plus one chosen path among the
// possibly many the node is reachable at.
type SPID struct {
	DeviceUID UID
	NodeUID   UID
	Path      string
}

func (s SPID) DNUID() DNUID { return DNUID{DeviceUID: s.DeviceUID, UID: s.NodeUID} }

// GUID renders the canonical identity string for a real node.
func (s SPID) GUID() string {
	return FormatDNUID(s.DeviceUID, s.NodeUID)
}

func (s SPID) String() string {
	return fmt.Sprintf("%s@%q", s.GUID(), s.Path)
}

// ChangeTreeSPID identifies an entry inside a change tree. The GUID embeds the
// change category, so the same underlying node may appear once per category
// without collision. PathUID is the UID assigned to the entry's path, which
// exists even when the node itself does not yet.
type ChangeTreeSPID struct {
	SPID
	PathUID  UID
	Category ChangeCategory
	OpType   OpType
}

// GUIDFor renders the category-scoped identity used to key change-tree
// entries.
func GUIDFor(pathUID, deviceUID UID, category ChangeCategory) string {
	return fmt.Sprintf("%d:%d:%s", deviceUID, pathUID, category)
}

func (s ChangeTreeSPID) GUID() string {
	return GUIDFor(s.PathUID, s.DeviceUID, s.Category)
}

// SPIDNodePair couples a SPID with its node; the unit stored in change trees.
type SPIDNodePair struct {
	SPID SPID
	Node TNode
}

func (sn SPIDNodePair) String() string {
	return sn.SPID.String()
}

// Package model defines the node variants, identifiers, and operation types
// shared by the cache, the change-tree builder, and the op pipeline.
package model

import "fmt"

// UID is a 64-bit identity, monotonic within one process and unique for the
// lifetime of a node on its device. UIDs are never recycled.
type UID uint64

const (
	// NullUID is the zero value; it never identifies a real node.
	NullUID UID = 0
	// SuperRootUID identifies the synthetic root above all device roots.
	SuperRootUID UID = 1
	// FirstFreeUID is the lowest UID the generator will ever hand out.
	FirstFreeUID UID = 100
)

// IsRoot reports whether uid is one of the reserved root values.
func IsRoot(uid UID) bool {
	return uid == SuperRootUID
}

// DNUID is the global identity of a node: a device plus a per-device UID.
// A bare UID is meaningful only together with its device.
type DNUID struct {
	DeviceUID UID
	UID       UID
}

func (d DNUID) String() string {
	return fmt.Sprintf("%d:%d", d.DeviceUID, d.UID)
}

// FormatDNUID renders the canonical "<device>:<uid>" form.
func FormatDNUID(deviceUID, uid UID) string {
	return DNUID{DeviceUID: deviceUID, UID: uid}.String()
}

// TreeType distinguishes the backend family a device belongs to.
type TreeType int

const (
	TreeTypeNone TreeType = iota
	TreeTypeLocalDisk
	TreeTypeGDrive
	TreeTypeMixed
)

func (t TreeType) String() string {
	switch t {
	case TreeTypeLocalDisk:
		return "local"
	case TreeTypeGDrive:
		return "gdrive"
	case TreeTypeMixed:
		return "mixed"
	}
	return "none"
}

// TrashStatus tracks whether a node has been trashed, and whether directly or
// via an ancestor.
type TrashStatus int

const (
	NotTrashed TrashStatus = iota
	ExplicitlyTrashed
	ImplicitlyTrashed
)

func (t TrashStatus) String() string {
	switch t {
	case ExplicitlyTrashed:
		return "explicit"
	case ImplicitlyTrashed:
		return "implicit"
	}
	return "none"
}

package cache

import (
	"fmt"

	"github.com/outlet-sync/outlet/internal/model"
)

// NodeNotFoundError indicates a lookup for a node the cache does not hold.
type NodeNotFoundError struct {
	DeviceUID model.UID
	NodeUID   model.UID
	Path      string
}

func (e *NodeNotFoundError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("node not found in cache: %q (device %d)", e.Path, e.DeviceUID)
	}
	return fmt.Sprintf("node not found in cache: %d:%d", e.DeviceUID, e.NodeUID)
}

// IDMappingConflictError indicates an attempt to bind an identifier (path or
// goog_id) to a UID when it is already bound to a different one.
type IDMappingConflictError struct {
	Key      string
	Existing model.UID
	Proposed model.UID
}

func (e *IDMappingConflictError) Error() string {
	return fmt.Sprintf("id mapping conflict for %q: already bound to UID %d, cannot rebind to %d",
		e.Key, e.Existing, e.Proposed)
}

package cache

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/outlet-sync/outlet/internal/model"
)

func canonicalizePath(path string) string {
	path = filepath.Clean(path)
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// Memstore is the in-memory authoritative tree for one device: nodes keyed by
// UID, a parent->children index, and the per-backend secondary indexes (path
// for local trees, goog_id for GDrive).
type Memstore struct {
	deviceUID model.UID
	treeType  model.TreeType

	mu        sync.RWMutex
	nodes     map[model.UID]model.TNode
	children  map[model.UID][]model.UID
	pathToUID map[string]model.UID // local only
	googToUID map[string]model.UID // gdrive only
}

// NewMemstore builds an empty store for the device.
func NewMemstore(deviceUID model.UID, treeType model.TreeType) *Memstore {
	return &Memstore{
		deviceUID: deviceUID,
		treeType:  treeType,
		nodes:     make(map[model.UID]model.TNode),
		children:  make(map[model.UID][]model.UID),
		pathToUID: make(map[string]model.UID),
		googToUID: make(map[string]model.UID),
	}
}

func (m *Memstore) DeviceUID() model.UID     { return m.deviceUID }
func (m *Memstore) TreeType() model.TreeType { return m.treeType }

// UpsertResult describes what an upsert changed.
type UpsertResult struct {
	Node            model.TNode
	NeedsDiskUpdate bool
	HasIconUpdate   bool
}

// Upsert merges the incoming node by DN_UID. If an existing node is equal on
// its metadata fields (IsMetaEqual), NeedsDiskUpdate is false and the existing
// node is returned unchanged.
func (m *Memstore) Upsert(n model.TNode) UpsertResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	uid := n.UID()
	existing := m.nodes[uid]
	if existing != nil && existing.IsMetaEqual(n) {
		return UpsertResult{Node: existing, NeedsDiskUpdate: false}
	}

	iconUpdate := existing != nil &&
		(existing.Trashed() != n.Trashed() || existing.IsLive() != n.IsLive())

	if existing != nil {
		m.unindexLocked(existing)
	}
	m.nodes[uid] = n
	m.indexLocked(n)
	return UpsertResult{Node: n, NeedsDiskUpdate: true, HasIconUpdate: iconUpdate}
}

// Remove deletes the node and unlinks it from its parents. Returns the removed
// node, or nil if absent.
func (m *Memstore) Remove(uid model.UID) model.TNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[uid]
	if n == nil {
		return nil
	}
	m.unindexLocked(n)
	delete(m.nodes, uid)
	delete(m.children, uid)
	return n
}

// UnlinkChild removes parentUID from the child's parent list. If the child is
// left with no parents on a local tree it is removed entirely; GDrive nodes
// are kept, since they may be re-linked elsewhere.
func (m *Memstore) UnlinkChild(childUID, parentUID model.UID) model.TNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[childUID]
	if n == nil {
		return nil
	}
	m.unindexLocked(n)
	remaining := make([]model.UID, 0, len(n.ParentUIDs()))
	for _, p := range n.ParentUIDs() {
		if p != parentUID {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == 0 {
		if m.treeType == model.TreeTypeLocalDisk {
			delete(m.nodes, childUID)
			delete(m.children, childUID)
			return n
		}
		n.SetParentUIDs()
		m.nodes[childUID] = n
		return n
	}
	n.SetParentUIDs(remaining...)
	m.indexLocked(n)
	return n
}

func (m *Memstore) indexLocked(n model.TNode) {
	uid := n.UID()
	for _, p := range n.ParentUIDs() {
		m.children[p] = appendUnique(m.children[p], uid)
	}
	switch m.treeType {
	case model.TreeTypeLocalDisk:
		for _, path := range n.PathList() {
			m.pathToUID[canonicalizePath(path)] = uid
		}
	case model.TreeTypeGDrive:
		if gid := googIDOf(n); gid != "" {
			m.googToUID[gid] = uid
		}
	}
}

func (m *Memstore) unindexLocked(n model.TNode) {
	uid := n.UID()
	for _, p := range n.ParentUIDs() {
		m.children[p] = removeUID(m.children[p], uid)
	}
	switch m.treeType {
	case model.TreeTypeLocalDisk:
		for _, path := range n.PathList() {
			delete(m.pathToUID, canonicalizePath(path))
		}
	case model.TreeTypeGDrive:
		if gid := googIDOf(n); gid != "" {
			delete(m.googToUID, gid)
		}
	}
}

// Node returns the node for the UID, or nil.
func (m *Memstore) Node(uid model.UID) model.TNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[uid]
}

// NodeForPath resolves a local path to its node, or nil.
func (m *Memstore) NodeForPath(path string) model.TNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if uid, ok := m.pathToUID[canonicalizePath(path)]; ok {
		return m.nodes[uid]
	}
	return nil
}

// NodesForPath returns every node reachable at the path. GDrive trees resolve
// by walking names from the root, so duplicate names yield multiple results.
func (m *Memstore) NodesForPath(path string) []model.TNode {
	if m.treeType == model.TreeTypeLocalDisk {
		if n := m.NodeForPath(path); n != nil {
			return []model.TNode{n}
		}
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var found []model.TNode
	for _, n := range m.nodes {
		for _, p := range n.PathList() {
			if canonicalizePath(p) == canonicalizePath(path) {
				found = append(found, n)
				break
			}
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].UID() < found[j].UID() })
	return found
}

// NodeForGoogID resolves a goog_id to its node, or nil.
func (m *Memstore) NodeForGoogID(googID string) model.TNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if uid, ok := m.googToUID[googID]; ok {
		return m.nodes[uid]
	}
	return nil
}

// Children returns the node's current children.
func (m *Memstore) Children(uid model.UID) []model.TNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	childUIDs := m.children[uid]
	out := make([]model.TNode, 0, len(childUIDs))
	for _, c := range childUIDs {
		if n := m.nodes[c]; n != nil {
			out = append(out, n)
		}
	}
	return out
}

// SubtreeUIDs returns the UID plus every descendant UID, breadth-first.
func (m *Memstore) SubtreeUIDs(rootUID model.UID) []model.UID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.UID
	queue := []model.UID{rootUID}
	seen := map[model.UID]bool{rootUID: true}
	for len(queue) > 0 {
		uid := queue[0]
		queue = queue[1:]
		out = append(out, uid)
		for _, c := range m.children[uid] {
			if !seen[c] {
				seen[c] = true
				queue = append(queue, c)
			}
		}
	}
	return out
}

// Len returns the number of nodes held.
func (m *Memstore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// All returns a snapshot of every node.
func (m *Memstore) All() []model.TNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

func googIDOf(n model.TNode) string {
	switch g := n.(type) {
	case *model.GDriveFileNode:
		return g.GoogID
	case *model.GDriveFolderNode:
		return g.GoogID
	}
	return ""
}

func appendUnique(list []model.UID, uid model.UID) []model.UID {
	for _, u := range list {
		if u == uid {
			return list
		}
	}
	return append(list, uid)
}

func removeUID(list []model.UID, uid model.UID) []model.UID {
	for i, u := range list {
		if u == uid {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

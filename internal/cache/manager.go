package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/outlet-sync/outlet/internal/bus"
	"github.com/outlet-sync/outlet/internal/model"
)

var (
	bucketUsers     = []byte("users")
	bucketMimeTypes = []byte("mime_types")
)

// deviceRecord is the persisted registry entry for one device.
type deviceRecord struct {
	DeviceUID model.UID      `json:"device_uid"`
	TreeType  model.TreeType `json:"tree_type"`
	Label     string         `json:"label"`
}

type deviceStore struct {
	record deviceRecord
	mem    *Memstore
	disk   *Diskstore
}

// Manager owns every per-device store plus the cross-device registries: the
// UID generator, the path index, users, and mime types. It is the single entry
// point for cache reads and writes.
type Manager struct {
	cacheDir string
	registry *bolt.DB
	uidGen   *UIDGenerator
	paths    *PathIndex
	bus      *bus.Bus

	mu      sync.RWMutex
	devices map[model.UID]*deviceStore

	mimeMu    sync.Mutex
	mimeTypes map[string]model.UID
}

// NewManager opens the registry under cacheDir and reopens every known device
// cache.
func NewManager(cacheDir string, b *bus.Bus) (*Manager, error) {
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, fmt.Errorf("could not create cache directory: %w", err)
	}
	registry, err := bolt.Open(filepath.Join(cacheDir, "registry.db"), 0600,
		&bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open cache registry. Is it in use by another process? %w", err)
	}
	err = registry.Update(func(tx *bolt.Tx) error {
		for _, bkt := range [][]byte{bucketDevices, bucketUsers, bucketMimeTypes} {
			if _, err := tx.CreateBucketIfNotExists(bkt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		registry.Close()
		return nil, err
	}

	gen, err := NewUIDGenerator(registry)
	if err != nil {
		registry.Close()
		return nil, err
	}
	paths, err := NewPathIndex(registry, gen)
	if err != nil {
		registry.Close()
		return nil, err
	}

	m := &Manager{
		cacheDir:  cacheDir,
		registry:  registry,
		uidGen:    gen,
		paths:     paths,
		bus:       b,
		devices:   make(map[model.UID]*deviceStore),
		mimeTypes: make(map[string]model.UID),
	}
	if err := m.loadRegistry(); err != nil {
		registry.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadRegistry() error {
	var records []deviceRecord
	err := m.registry.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var rec deviceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketMimeTypes).ForEach(func(k, v []byte) error {
			m.mimeTypes[string(k)] = bytesToUID(v)
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := m.openDevice(rec); err != nil {
			return err
		}
	}
	log.Info().Int("devices", len(records)).Msg("Cache registry loaded.")
	return nil
}

func (m *Manager) openDevice(rec deviceRecord) error {
	disk, err := OpenDiskstore(m.cacheDir, rec.DeviceUID)
	if err != nil {
		return err
	}
	mem := NewMemstore(rec.DeviceUID, rec.TreeType)
	count := 0
	err = disk.LoadAll(func(n model.TNode) {
		mem.Upsert(n)
		m.uidGen.EnsureNextUIDGreaterThan(n.UID())
		count++
	})
	if err != nil {
		disk.Close()
		return err
	}
	m.mu.Lock()
	m.devices[rec.DeviceUID] = &deviceStore{record: rec, mem: mem, disk: disk}
	m.mu.Unlock()
	log.Debug().Uint64("deviceUID", uint64(rec.DeviceUID)).Int("nodes", count).
		Str("treeType", rec.TreeType.String()).Msg("Device cache loaded.")
	return nil
}

// RegisterDevice adds a new backend store instance and returns its device UID.
// Registering the same label+type twice returns the existing device.
func (m *Manager) RegisterDevice(treeType model.TreeType, label string) (model.UID, error) {
	m.mu.RLock()
	for uid, ds := range m.devices {
		if ds.record.TreeType == treeType && ds.record.Label == label {
			m.mu.RUnlock()
			return uid, nil
		}
	}
	m.mu.RUnlock()

	rec := deviceRecord{DeviceUID: m.uidGen.NextUID(), TreeType: treeType, Label: label}
	data, err := json.Marshal(rec)
	if err != nil {
		return model.NullUID, err
	}
	if err := m.registry.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Put(uidToBytes(rec.DeviceUID), data)
	}); err != nil {
		return model.NullUID, err
	}
	if err := m.openDevice(rec); err != nil {
		return model.NullUID, err
	}
	log.Info().Uint64("deviceUID", uint64(rec.DeviceUID)).Str("label", label).
		Str("treeType", treeType.String()).Msg("Registered device.")
	return rec.DeviceUID, nil
}

func (m *Manager) device(deviceUID model.UID) (*deviceStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds := m.devices[deviceUID]
	if ds == nil {
		return nil, fmt.Errorf("unknown device %d", deviceUID)
	}
	return ds, nil
}

// UIDGenerator exposes the process-wide generator.
func (m *Manager) UIDGenerator() *UIDGenerator { return m.uidGen }

// NextUID is shorthand for the generator.
func (m *Manager) NextUID() model.UID { return m.uidGen.NextUID() }

// TreeTypeForDevice reports which backend family a device belongs to.
func (m *Manager) TreeTypeForDevice(deviceUID model.UID) model.TreeType {
	ds, err := m.device(deviceUID)
	if err != nil {
		return model.TreeTypeNone
	}
	return ds.record.TreeType
}

// GetUIDForLocalPath returns the stable UID for a canonicalized path, minting
// one on first use. The same path always returns the same UID.
func (m *Manager) GetUIDForLocalPath(path string, suggestion model.UID) model.UID {
	return m.paths.UIDForPath(path, suggestion)
}

// GetLocalPathForUID is the reverse path lookup.
func (m *Manager) GetLocalPathForUID(uid model.UID) (string, bool) {
	return m.paths.PathForUID(uid)
}

// GetUIDForGoogID returns the UID bound to a goog_id on the given device,
// minting one on first use.
func (m *Manager) GetUIDForGoogID(deviceUID model.UID, googID string, suggestion model.UID) (model.UID, error) {
	ds, err := m.device(deviceUID)
	if err != nil {
		return model.NullUID, err
	}
	if n := ds.mem.NodeForGoogID(googID); n != nil {
		return n.UID(), nil
	}
	if suggestion != model.NullUID {
		return m.uidGen.tryClaim(suggestion), nil
	}
	return m.uidGen.NextUID(), nil
}

// Execute applies a typed cache write op: memstore, then diskstore, then
// signals.
func (m *Manager) Execute(op WriteOp) error {
	switch op.Kind {
	case WriteUpsertSingleNode:
		_, err := m.UpsertSingleNode(op.Node)
		return err
	case WriteRemoveSingleNode:
		return m.RemoveSingleNode(op.Node)
	case WriteRemoveSubtree:
		return m.RemoveSubtree(op.Node)
	case WriteBatchChanges:
		for _, n := range op.Nodes {
			if _, err := m.UpsertSingleNode(n); err != nil {
				return err
			}
		}
		for _, n := range op.Removes {
			if err := m.RemoveSingleNode(n); err != nil {
				return err
			}
		}
		if len(op.Nodes) > 0 {
			m.publishSubtreeChanged(op.Nodes[0])
		}
		return nil
	case WriteRefreshFolder:
		return m.RefreshFolder(op.Node, op.Nodes)
	case WriteCreateUser:
		_, err := m.UpsertUser(op.UserName, op.UserEmail)
		return err
	case WriteUpsertMimeType:
		m.UIDForMimeType(op.MimeType)
		return nil
	case WriteDeleteAllData:
		return m.DeleteAllData(op.DeviceUID)
	}
	return fmt.Errorf("unknown cache write op kind: %v", op.Kind)
}

// UpsertSingleNode merges the node into its device store and returns the node
// now held by the cache. Disk is only touched when the merge changed metadata
// fields (IsMetaEqual), and non-live nodes are never written to disk.
func (m *Manager) UpsertSingleNode(n model.TNode) (model.TNode, error) {
	ds, err := m.device(n.DeviceUID())
	if err != nil {
		return nil, err
	}
	res := ds.mem.Upsert(n)
	if res.NeedsDiskUpdate {
		if err := ds.disk.UpsertNode(res.Node); err != nil {
			log.Error().Err(err).Stringer("node", n.Identifier()).
				Msg("Diskstore upsert failed; memstore remains authoritative.")
		}
		m.bus.Publish(bus.Event{
			Signal:    bus.NodeUpsertedInCache,
			Sender:    "cacheman",
			Node:      res.Node,
			DeviceUID: n.DeviceUID(),
			NodeUID:   n.UID(),
		})
	}
	return res.Node, nil
}

// RemoveSingleNode removes one node from cache and disk.
func (m *Manager) RemoveSingleNode(n model.TNode) error {
	ds, err := m.device(n.DeviceUID())
	if err != nil {
		return err
	}
	removed := ds.mem.Remove(n.UID())
	if removed == nil {
		return nil
	}
	if err := ds.disk.RemoveNode(n.UID()); err != nil {
		log.Error().Err(err).Stringer("node", n.Identifier()).Msg("Diskstore remove failed.")
	}
	m.bus.Publish(bus.Event{
		Signal:    bus.NodeRemovedInCache,
		Sender:    "cacheman",
		Node:      removed,
		DeviceUID: n.DeviceUID(),
		NodeUID:   n.UID(),
	})
	return nil
}

// RemoveSubtree removes the node and all of its descendants.
func (m *Manager) RemoveSubtree(root model.TNode) error {
	ds, err := m.device(root.DeviceUID())
	if err != nil {
		return err
	}
	uids := ds.mem.SubtreeUIDs(root.UID())
	for _, uid := range uids {
		ds.mem.Remove(uid)
	}
	if err := ds.disk.RemoveNodes(uids); err != nil {
		log.Error().Err(err).Stringer("node", root.Identifier()).Msg("Diskstore subtree remove failed.")
	}
	m.publishSubtreeChanged(root)
	return nil
}

// RefreshFolder replaces a folder's child list with the authoritative one.
// Children missing from the new list are unlinked from this parent. GDrive
// nodes are kept even when no parent remains; a local node left with no
// parent is removed from the memstore and the diskstore.
func (m *Manager) RefreshFolder(parent model.TNode, children []model.TNode) error {
	ds, err := m.device(parent.DeviceUID())
	if err != nil {
		return err
	}

	if _, err := m.UpsertSingleNode(parent); err != nil {
		return err
	}
	newChildUIDs := make(map[model.UID]bool, len(children))
	for _, child := range children {
		newChildUIDs[child.UID()] = true
		if _, err := m.UpsertSingleNode(child); err != nil {
			return err
		}
	}

	for _, existing := range ds.mem.Children(parent.UID()) {
		if newChildUIDs[existing.UID()] {
			continue
		}
		unlinked := ds.mem.UnlinkChild(existing.UID(), parent.UID())
		if unlinked == nil {
			continue
		}
		if len(unlinked.ParentUIDs()) == 0 && unlinked.TreeType() == model.TreeTypeLocalDisk {
			if err := ds.disk.RemoveNode(unlinked.UID()); err != nil {
				log.Error().Err(err).Stringer("node", unlinked.Identifier()).Msg("Diskstore remove failed.")
			}
		} else if err := ds.disk.UpsertNode(unlinked); err != nil {
			log.Error().Err(err).Stringer("node", unlinked.Identifier()).Msg("Diskstore upsert failed.")
		}
	}

	m.publishSubtreeChanged(parent)
	return nil
}

// DeleteAllData wipes one device's cache entirely.
func (m *Manager) DeleteAllData(deviceUID model.UID) error {
	ds, err := m.device(deviceUID)
	if err != nil {
		return err
	}
	for _, n := range ds.mem.All() {
		ds.mem.Remove(n.UID())
	}
	if err := ds.disk.DeleteAllData(); err != nil {
		return err
	}
	m.bus.Publish(bus.Event{Signal: bus.SubtreeNodesChangedInCache, Sender: "cacheman", DeviceUID: deviceUID})
	return nil
}

func (m *Manager) publishSubtreeChanged(n model.TNode) {
	m.bus.Publish(bus.Event{
		Signal:    bus.SubtreeNodesChangedInCache,
		Sender:    "cacheman",
		Node:      n,
		DeviceUID: n.DeviceUID(),
		NodeUID:   n.UID(),
	})
}

// GetNodeForUID fetches a node by identity, or nil.
func (m *Manager) GetNodeForUID(deviceUID, uid model.UID) model.TNode {
	ds, err := m.device(deviceUID)
	if err != nil {
		return nil
	}
	return ds.mem.Node(uid)
}

// GetNodeForLocalPath fetches a local node by path, or nil.
func (m *Manager) GetNodeForLocalPath(deviceUID model.UID, path string) model.TNode {
	ds, err := m.device(deviceUID)
	if err != nil {
		return nil
	}
	return ds.mem.NodeForPath(path)
}

// GetNodeListForPathList returns every node reachable at any of the paths on
// the device.
func (m *Manager) GetNodeListForPathList(paths []string, deviceUID model.UID) []model.TNode {
	ds, err := m.device(deviceUID)
	if err != nil {
		return nil
	}
	var out []model.TNode
	for _, p := range paths {
		out = append(out, ds.mem.NodesForPath(p)...)
	}
	return out
}

// GetParentListForNode returns the node's current parents.
func (m *Manager) GetParentListForNode(n model.TNode) []model.TNode {
	ds, err := m.device(n.DeviceUID())
	if err != nil {
		return nil
	}
	var out []model.TNode
	for _, p := range n.ParentUIDs() {
		if model.IsRoot(p) {
			continue
		}
		if parent := ds.mem.Node(p); parent != nil {
			out = append(out, parent)
		}
	}
	return out
}

// GetChildren returns the node's current children.
func (m *Manager) GetChildren(n model.TNode) []model.TNode {
	ds, err := m.device(n.DeviceUID())
	if err != nil {
		return nil
	}
	return ds.mem.Children(n.UID())
}

// ResolveUIDsToGoogIDs maps a set of node UIDs to their goog_ids. With
// failIfMissing set, any node lacking a goog_id is an error; otherwise such
// nodes are skipped.
func (m *Manager) ResolveUIDsToGoogIDs(deviceUID model.UID, uids []model.UID, failIfMissing bool) ([]string, error) {
	ds, err := m.device(deviceUID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		n := ds.mem.Node(uid)
		if n == nil {
			if failIfMissing {
				return nil, &NodeNotFoundError{DeviceUID: deviceUID, NodeUID: uid}
			}
			continue
		}
		gid := googIDOf(n)
		if gid == "" {
			if failIfMissing {
				return nil, fmt.Errorf("node %s has no goog_id", n.Identifier())
			}
			continue
		}
		out = append(out, gid)
	}
	return out, nil
}

// GetGoogIDForParent resolves the goog_id of a GDrive node's first parent.
// Fails if the parent is not yet existent server-side.
func (m *Manager) GetGoogIDForParent(n model.TNode) (string, error) {
	parents := n.ParentUIDs()
	if len(parents) == 0 {
		return "", fmt.Errorf("node %s has no parents", n.Identifier())
	}
	ids, err := m.ResolveUIDsToGoogIDs(n.DeviceUID(), parents[:1], true)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// GetNodeForGoogID fetches a GDrive node by goog_id, or nil.
func (m *Manager) GetNodeForGoogID(deviceUID model.UID, googID string) model.TNode {
	ds, err := m.device(deviceUID)
	if err != nil {
		return nil
	}
	return ds.mem.NodeForGoogID(googID)
}

// EnsureCacheLoadedForNodes verifies the device store of every node is open.
// Device stores load eagerly at registration, so this only validates that no
// op references an unknown device.
func (m *Manager) EnsureCacheLoadedForNodes(nodes []model.TNode) error {
	for _, n := range nodes {
		if _, err := m.device(n.DeviceUID()); err != nil {
			return err
		}
	}
	return nil
}

// UpsertUser records a backend account owner and returns its UID.
func (m *Manager) UpsertUser(name, email string) (model.UID, error) {
	uid := m.uidGen.NextUID()
	data, err := json.Marshal(map[string]string{"name": name, "email": email})
	if err != nil {
		return model.NullUID, err
	}
	err = m.registry.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put(uidToBytes(uid), data)
	})
	return uid, err
}

// UIDForMimeType returns the stable UID for a mime type string, minting and
// persisting one on first use.
func (m *Manager) UIDForMimeType(mimeType string) model.UID {
	m.mimeMu.Lock()
	defer m.mimeMu.Unlock()
	if uid, ok := m.mimeTypes[mimeType]; ok {
		return uid
	}
	uid := m.uidGen.NextUID()
	m.mimeTypes[mimeType] = uid
	if err := m.registry.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMimeTypes).Put([]byte(mimeType), uidToBytes(uid))
	}); err != nil {
		log.Error().Err(err).Str("mimeType", mimeType).Msg("Could not persist mime type mapping.")
	}
	return uid
}

// Close flushes and closes every open database.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ds := range m.devices {
		if err := ds.disk.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing device cache.")
		}
	}
	m.devices = make(map[model.UID]*deviceStore)
	if err := m.registry.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing cache registry.")
	}
}

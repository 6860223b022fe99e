// Package cache owns the unified node cache: a per-device in-memory store
// mirrored to disk, the UID generator, and the path and goog_id registries.
package cache

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/outlet-sync/outlet/internal/model"
)

var (
	bucketUID     = []byte("uid")
	bucketPathUID = []byte("path_uid")
	bucketUIDPath = []byte("uid_path")
	bucketDevices = []byte("devices")
)

// uidReserveWindow is how many UIDs are reserved per watermark write, so that
// a crash never reissues a UID already handed out.
const uidReserveWindow = 1000

func uidToBytes(uid model.UID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(uid))
	return b
}

func bytesToUID(b []byte) model.UID {
	if len(b) != 8 {
		return model.NullUID
	}
	return model.UID(binary.BigEndian.Uint64(b))
}

// UIDGenerator hands out monotonic UIDs, persisting a watermark so restarts
// continue where the last process left off.
type UIDGenerator struct {
	mu       sync.Mutex
	next     model.UID
	reserved model.UID
	db       *bolt.DB
}

// NewUIDGenerator loads the watermark from the registry database.
func NewUIDGenerator(db *bolt.DB) (*UIDGenerator, error) {
	gen := &UIDGenerator{db: db, next: model.FirstFreeUID}
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketUID)
		if err != nil {
			return err
		}
		if v := b.Get([]byte("watermark")); v != nil {
			wm := bytesToUID(v)
			if wm > gen.next {
				gen.next = wm
			}
		}
		gen.reserved = gen.next + uidReserveWindow
		return b.Put([]byte("watermark"), uidToBytes(gen.reserved))
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Uint64("next", uint64(gen.next)).Msg("UID generator initialized.")
	return gen, nil
}

// NextUID returns a fresh UID, greater than every UID ever returned by this
// store.
func (g *UIDGenerator) NextUID() model.UID {
	g.mu.Lock()
	defer g.mu.Unlock()
	uid := g.next
	g.next++
	g.extendReservationLocked()
	return uid
}

// EnsureNextUIDGreaterThan advances the watermark so that every future UID is
// greater than n. The watermark never retracts.
func (g *UIDGenerator) EnsureNextUIDGreaterThan(n model.UID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n >= g.next {
		g.next = n + 1
		g.extendReservationLocked()
	}
}

// tryClaim honors a suggested UID if it is unused (i.e. above the current
// watermark); otherwise it returns a fresh UID.
func (g *UIDGenerator) tryClaim(suggestion model.UID) model.UID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if suggestion >= g.next {
		g.next = suggestion + 1
		g.extendReservationLocked()
		return suggestion
	}
	uid := g.next
	g.next++
	g.extendReservationLocked()
	return uid
}

func (g *UIDGenerator) extendReservationLocked() {
	if g.next < g.reserved {
		return
	}
	g.reserved = g.next + uidReserveWindow
	reserved := g.reserved
	if err := g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUID).Put([]byte("watermark"), uidToBytes(reserved))
	}); err != nil {
		log.Error().Err(err).Msg("Could not persist UID watermark.")
	}
}

// PathIndex is the durable, bidirectional path <-> UID registry. One path maps
// to exactly one UID, forever.
type PathIndex struct {
	mu        sync.Mutex
	db        *bolt.DB
	gen       *UIDGenerator
	pathToUID map[string]model.UID
	uidToPath map[model.UID]string
}

// NewPathIndex loads all existing mappings from the registry database.
func NewPathIndex(db *bolt.DB, gen *UIDGenerator) (*PathIndex, error) {
	idx := &PathIndex{
		db:        db,
		gen:       gen,
		pathToUID: make(map[string]model.UID),
		uidToPath: make(map[model.UID]string),
	}
	// The watermark advance below opens its own write transaction, so it runs
	// after the load's transaction has finished rather than inside it.
	var maxUID model.UID
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketPathUID)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketUIDPath); err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			uid := bytesToUID(v)
			idx.pathToUID[string(k)] = uid
			idx.uidToPath[uid] = string(k)
			if uid > maxUID {
				maxUID = uid
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if maxUID != model.NullUID {
		gen.EnsureNextUIDGreaterThan(maxUID)
	}
	return idx, nil
}

// UIDForPath returns the UID bound to the canonicalized path, creating a
// binding if none exists. The same path always yields the same UID. A non-null
// suggestion is honored only if the path is unbound and the suggestion unused.
func (p *PathIndex) UIDForPath(path string, suggestion model.UID) model.UID {
	path = canonicalizePath(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	if uid, ok := p.pathToUID[path]; ok {
		return uid
	}
	var uid model.UID
	if suggestion != model.NullUID {
		uid = p.gen.tryClaim(suggestion)
	} else {
		uid = p.gen.NextUID()
	}
	p.pathToUID[path] = uid
	p.uidToPath[uid] = path
	if err := p.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPathUID).Put([]byte(path), uidToBytes(uid)); err != nil {
			return err
		}
		return tx.Bucket(bucketUIDPath).Put(uidToBytes(uid), []byte(path))
	}); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Could not persist path mapping.")
	}
	return uid
}

// PathForUID is the reverse lookup; second return is false if unbound.
func (p *PathIndex) PathForUID(uid model.UID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path, ok := p.uidToPath[uid]
	return path, ok
}

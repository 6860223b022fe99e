package cache

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/outlet-sync/outlet/internal/model"
)

var (
	bucketNodes   = []byte("nodes")
	bucketMeta    = []byte("meta")
	bucketVersion = []byte("version")
)

// so we can tell what format the db has
const cacheVersion = "1"

// Diskstore mirrors one device's memstore for crash recovery. The memstore is
// the source of truth at runtime; the diskstore is re-synchronized from it on
// the next startup if a write is lost.
type Diskstore struct {
	deviceUID model.UID
	db        *bolt.DB
}

// OpenDiskstore opens (or creates) the cache file for a device.
func OpenDiskstore(dir string, deviceUID model.UID) (*Diskstore, error) {
	path := filepath.Join(dir, fmt.Sprintf("device-%d.db", deviceUID))
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open device cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNodes); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		b, err := tx.CreateBucketIfNotExists(bucketVersion)
		if err != nil {
			return err
		}
		return b.Put([]byte("version"), []byte(cacheVersion))
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Diskstore{deviceUID: deviceUID, db: db}, nil
}

// UpsertNode writes the node. Non-live nodes are never written to disk: a
// planning node that survives only in memory simply vanishes on crash, which
// is the correct recovery behavior (the pending op that created it is replayed
// from the op ledger instead).
func (d *Diskstore) UpsertNode(n model.TNode) error {
	if !n.IsLive() {
		return nil
	}
	data, err := model.MarshalNode(n)
	if err != nil {
		return err
	}
	return d.db.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put(uidToBytes(n.UID()), data)
	})
}

// RemoveNode deletes the node's row, if present.
func (d *Diskstore) RemoveNode(uid model.UID) error {
	return d.db.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete(uidToBytes(uid))
	})
}

// RemoveNodes deletes a set of rows in one transaction.
func (d *Diskstore) RemoveNodes(uids []model.UID) error {
	return d.db.Batch(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		for _, uid := range uids {
			if err := b.Delete(uidToBytes(uid)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll streams every persisted node into the callback.
func (d *Diskstore) LoadAll(fn func(model.TNode)) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			n, err := model.UnmarshalNode(v)
			if err != nil {
				log.Error().Err(err).Msg("Skipping unreadable node row in device cache.")
				return nil
			}
			fn(n)
			return nil
		})
	})
}

// DeleteAllData drops every node row.
func (d *Diskstore) DeleteAllData() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketNodes); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketNodes)
		return err
	})
}

// PutMeta stores a small metadata value (user records, mime type mappings).
func (d *Diskstore) PutMeta(key string, value []byte) error {
	return d.db.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}

// GetMeta fetches a metadata value, nil if absent.
func (d *Diskstore) GetMeta(key string) []byte {
	var out []byte
	d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out
}

// Close closes the underlying database.
func (d *Diskstore) Close() error {
	return d.db.Close()
}

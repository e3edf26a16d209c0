package vgstore

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

var (
	bucketVG = []byte("vg")
	keyVG    = []byte("current")
)

// Store is the single-writer, durable view of the volume group. Every
// Read and Write holds the same mutex; the VG is never read or
// mutated without it.
type Store struct {
	mu sync.Mutex
	db *bolt.DB
	vg *xenvmtypes.VolumeGroup
}

// Open opens (creating if absent) the bbolt file at path. If the vg
// bucket already holds a volume group, it is loaded; otherwise the
// store starts empty and the caller must call Init.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("vgstore: open %s: %w", path, err)
	}
	var vg *xenvmtypes.VolumeGroup
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketVG)
		if err != nil {
			return err
		}
		data := b.Get(keyVG)
		if data == nil {
			return nil
		}
		vg = &xenvmtypes.VolumeGroup{}
		return json.Unmarshal(data, vg)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vgstore: load: %w", err)
	}
	return &Store{db: db, vg: vg}, nil
}

// Init seeds the store with vg if it has never been initialised. It is
// a no-op, returning nil, if a volume group is already persisted.
func (s *Store) Init(vg *xenvmtypes.VolumeGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vg != nil {
		return nil
	}
	if err := s.persist(vg); err != nil {
		return err
	}
	s.vg = vg.Clone()
	return nil
}

// Read takes the VG-mutex, calls fn with a snapshot safe for fn to
// inspect (but not to mutate the store's own state), and returns fn's
// error.
func (s *Store) Read(fn func(vg *xenvmtypes.VolumeGroup) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vg == nil {
		return fmt.Errorf("vgstore: not initialised")
	}
	return fn(s.vg.Clone())
}

// Write takes the VG-mutex, runs fn against a working copy of the VG,
// and, if fn succeeds, persists the result to bbolt before releasing
// the lock and adopting it as the store's current VG. fn's error, if
// any, leaves the store unchanged.
func (s *Store) Write(fn func(vg *xenvmtypes.VolumeGroup) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vg == nil {
		return fmt.Errorf("vgstore: not initialised")
	}
	working := s.vg.Clone()
	if err := fn(working); err != nil {
		return err
	}
	if err := s.persist(working); err != nil {
		return err
	}
	s.vg = working
	return nil
}

func (s *Store) persist(vg *xenvmtypes.VolumeGroup) error {
	data, err := json.Marshal(vg)
	if err != nil {
		return fmt.Errorf("vgstore: marshal vg: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVG).Put(keyVG, data)
	})
}

// Sync forces any buffered VG update to disk. bbolt fsyncs on every
// commit by default, so this issues a no-op transaction purely to give
// callers (and tests) an explicit durability checkpoint to call after
// a sequence of Writes.
func (s *Store) Sync() error {
	return s.db.Update(func(tx *bolt.Tx) error { return nil })
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

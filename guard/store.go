package guard

import (
	"fmt"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/cvsouth/torcirc/netdir"
)

// Record is the persisted state of one sampled guard.
type Record struct {
	ID        netdir.RelayID
	AddedUnix int64
	// Confirmed is set once a circuit has been built through the guard.
	Confirmed bool
}

// Store persists the sampled guard list.
type Store interface {
	Load() ([]Record, error)
	Save([]Record) error
	Close() error
}

// MemStore keeps the sample in memory.
type MemStore struct {
	mu      sync.Mutex
	records []Record
}

func (s *MemStore) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records), nil
}

func (s *MemStore) Save(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = slices.Clone(records)
	return nil
}

func (s *MemStore) Close() error { return nil }

const (
	metadataBucket = "metadata"
	guardsBucket   = "guards"
	versionKey     = "version"
	sampleKey      = "sample"
	storeVersion   = 0
)

// BoltStore keeps the sample in a bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore creates (or loads) a guard database with the given file name.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("guard store: %w", err)
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(guardsBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("guard store: incompatible version: %v", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(guardsBucket)).Get([]byte(sampleKey))
		if raw == nil {
			return nil
		}
		return cbor.Unmarshal(raw, &records)
	})
	if err != nil {
		return nil, fmt.Errorf("guard store: load: %w", err)
	}
	return records, nil
}

func (s *BoltStore) Save(records []Record) error {
	raw, err := cbor.Marshal(records)
	if err != nil {
		return fmt.Errorf("guard store: encode: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(guardsBucket)).Put([]byte(sampleKey), raw)
	})
}

func (s *BoltStore) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	identityBucket  = []byte("identity")
	downloadsBucket = []byte("downloads")

	peerIDKey = []byte("peer_id")
)

// DownloadRecord is the last recorded outcome of downloading one stem.
type DownloadRecord struct {
	FileStem    string    `json:"file_stem"`
	SessionID   string    `json:"session_id"`
	Outcome     string    `json:"outcome"`
	FailedIndex int       `json:"failed_index"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// StateStore is a peer's durable local state in a BoltDB file: its identity
// and the history of download outcomes.
type StateStore struct {
	db *bolt.DB
}

func OpenStateStore(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{identityBucket, downloadsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &StateStore{db: db}, nil
}

// PeerID returns the stored peer id, or "" when none has been saved.
func (s *StateStore) PeerID() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket(identityBucket).Get(peerIDKey))
		return nil
	})
	return id, err
}

func (s *StateStore) SetPeerID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identityBucket).Put(peerIDKey, []byte(id))
	})
}

// LoadOrCreatePeerID returns the stored id, storing gen() first if empty.
func (s *StateStore) LoadOrCreatePeerID(gen func() string) (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(identityBucket)
		if v := b.Get(peerIDKey); len(v) > 0 {
			id = string(v)
			return nil
		}
		id = gen()
		return b.Put(peerIDKey, []byte(id))
	})
	return id, err
}

// RecordDownload overwrites the record for rec.FileStem.
func (s *StateStore) RecordDownload(rec DownloadRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(downloadsBucket).Put([]byte(rec.FileStem), encoded)
	})
}

// Downloads returns all records, newest first.
func (s *StateStore) Downloads() ([]DownloadRecord, error) {
	var out []DownloadRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(downloadsBucket).ForEach(func(_, v []byte) error {
			var rec DownloadRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

package p2p

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingsync/internal/storage"
)

const (
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// PeerRecord is a persisted peer entry.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"` // Unix seconds.
	Source   string   `json:"source"`
	Head     uint64   `json:"head,omitempty"` // Last announced HEAD number.
}

// PeerStore persists peer records under the "peer/" prefix of a shared DB.
type PeerStore struct {
	db *storage.PrefixDB
}

// NewPeerStore creates a new PeerStore backed by db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: storage.NewPrefixDB(db, []byte("peer/"))}
}

// Save persists a peer record. New peers are skipped once the store holds
// maxPersistedPeers records.
func (ps *PeerStore) Save(rec PeerRecord) error {
	return ps.SaveAll([]PeerRecord{rec})
}

// SaveAll persists records in one batch, subject to the same capacity rule
// as Save.
func (ps *PeerStore) SaveAll(records []PeerRecord) error {
	count, err := ps.Count()
	if err != nil {
		return err
	}

	batch := ps.db.NewBatch()
	for _, rec := range records {
		key := []byte(rec.ID)
		exists, err := ps.db.Has(key)
		if err != nil {
			return fmt.Errorf("check peer exists: %w", err)
		}
		if !exists {
			if count >= maxPersistedPeers {
				continue
			}
			count++
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal peer record: %w", err)
		}
		if err := batch.Put(key, data); err != nil {
			return err
		}
	}
	return batch.Commit()
}

// Load retrieves a single peer record by ID.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	data, err := ps.db.Get([]byte(id.String()))
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns all readable peer records, most recently seen first.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach(nil, func(_, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastSeen > records[j].LastSeen
	})
	return records, nil
}

// Delete removes a peer record.
func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.db.Delete([]byte(id.String()))
}

// PruneStale removes records last seen before now-threshold, along with
// unreadable records. Returns the number pruned.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	batch := ps.db.NewBatch()
	pruned := 0

	err := ps.db.ForEach(nil, func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err == nil && rec.LastSeen >= cutoff {
			return nil
		}
		pruned++
		return batch.Delete(key)
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	if pruned == 0 {
		return 0, nil
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("delete stale peers: %w", err)
	}
	return pruned, nil
}

// Count returns the number of persisted peer records.
func (ps *PeerStore) Count() (int, error) {
	count := 0
	err := ps.db.ForEach(nil, func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}

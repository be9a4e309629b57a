package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingsync/internal/storage"
)

// BanRecord is a persisted ban entry.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`      // Accumulated score at ban time.
	BannedAt  int64  `json:"banned_at"`  // Unix seconds.
	ExpiresAt int64  `json:"expires_at"` // Unix seconds, 0 = permanent.
}

// IsExpired returns true if the ban has a non-zero expiry that has passed.
func (r *BanRecord) IsExpired() bool {
	return r.expiredAt(time.Now().Unix())
}

func (r *BanRecord) expiredAt(now int64) bool {
	return r.ExpiresAt > 0 && now >= r.ExpiresAt
}

// BanStore persists ban records under the "ban/" prefix of a shared DB.
type BanStore struct {
	db *storage.PrefixDB
}

// NewBanStore creates a new BanStore backed by db.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: storage.NewPrefixDB(db, []byte("ban/"))}
}

// Get retrieves a ban record by peer ID.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	data, err := bs.db.Get([]byte(id.String()))
	if err != nil {
		return nil, err
	}
	var rec BanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ban record: %w", err)
	}
	return &rec, nil
}

// Put persists a ban record.
func (bs *BanStore) Put(rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return bs.db.Put([]byte(rec.ID), data)
}

// Delete removes a ban record.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete([]byte(id.String()))
}

// ForEach iterates over all readable ban records.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return bs.db.ForEach(nil, func(_, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		return fn(&rec)
	})
}

// PruneExpired removes expired and unreadable ban records in one batch.
// Returns the number pruned.
func (bs *BanStore) PruneExpired() (int, error) {
	now := time.Now().Unix()
	batch := bs.db.NewBatch()
	pruned := 0

	err := bs.db.ForEach(nil, func(key, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err == nil && !rec.expiredAt(now) {
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
		return 0, fmt.Errorf("delete expired bans: %w", err)
	}
	return pruned, nil
}

package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	klog "github.com/Klingon-tech/klingsync/internal/log"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100
	BanDuration  = 24 * time.Hour
)

// Penalty values for different offenses.
const (
	// PenaltySyncExcluded is charged when a sync session excludes a peer
	// after repeated failures.
	PenaltySyncExcluded = 50
	// PenaltyBadAnnouncement is charged for an unreadable HEAD announcement.
	PenaltyBadAnnouncement = 10
	// PenaltyWrongNetwork bans a peer announcing a different genesis.
	PenaltyWrongNetwork = BanThreshold
)

// disconnector closes connections to a banned peer.
type disconnector interface {
	DisconnectPeer(id peer.ID) error
}

// BanManager tracks peer offense scores and manages bans.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore    // nil disables persistence.
	conns  disconnector // nil disables disconnect-on-ban.
}

// NewBanManager creates a new BanManager. store and conns may be nil.
func NewBanManager(store *BanStore, conns disconnector) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		conns:  conns,
	}
}

// LoadBans restores persisted, unexpired bans.
func (bm *BanManager) LoadBans() error {
	if bm.store == nil {
		return nil
	}
	if _, err := bm.store.PruneExpired(); err != nil {
		return err
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.store.ForEach(func(rec *BanRecord) error {
		id, err := peer.Decode(rec.ID)
		if err != nil {
			return nil
		}
		bm.bans[id] = rec
		return nil
	})
}

// RecordOffense adds a penalty to a peer and bans it once the cumulative
// score reaches BanThreshold. Offenses against banned peers are ignored.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	bm.mu.Lock()
	if rec, ok := bm.bans[id]; ok && !rec.IsExpired() {
		bm.mu.Unlock()
		return
	}

	bm.scores[id] += penalty
	score := bm.scores[id]
	if score < BanThreshold {
		bm.mu.Unlock()
		klog.P2P.Debug().
			Str("peer", shortID(id)).
			Str("reason", reason).
			Int("score", score).
			Msg("Peer offense")
		return
	}

	now := time.Now()
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     score,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.P2P.Warn().Err(err).Msg("Failed to persist ban")
		}
	}

	klog.P2P.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Int("score", score).
		Msg("Peer banned")

	if bm.conns != nil {
		go bm.conns.DisconnectPeer(id)
	}
}

// ExcludeHook returns a callback for sync sessions that charges
// PenaltySyncExcluded to the excluded peer. IDs that are not libp2p peer
// IDs are ignored.
func (bm *BanManager) ExcludeHook() func(id string) {
	return func(id string) {
		pid, err := peer.Decode(id)
		if err != nil {
			return
		}
		bm.RecordOffense(pid, PenaltySyncExcluded, "excluded from sync session")
	}
}

// Score returns the current offense score of a peer that is not banned.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// IsBanned returns true if the peer is currently banned.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if !rec.IsExpired() {
		return true
	}

	bm.mu.Lock()
	delete(bm.bans, id)
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.Delete(id)
	}
	return false
}

// Unban manually removes a ban and clears the peer's score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// BanList returns a snapshot of all active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.IsExpired() {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop prunes expired bans every interval until done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.IsExpired() {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.PruneExpired()
	}
}

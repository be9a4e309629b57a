package blocksync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Peer scoring limits.
const (
	LatencyWindow = 5 // Response times kept per peer.
	MaxFailures   = 5 // Failures before a peer is excluded for the session.
)

// DefaultNoPeerBackoff is how long Select waits before its single retry
// when no peer is eligible.
const DefaultNoPeerBackoff = 2 * time.Second

// PeerCandidate is the per-session state of one remote peer.
type PeerCandidate struct {
	remote    RemotePeer
	latencies []time.Duration
	successes int
	failures  int
	excluded  bool
	reserved  bool
}

// ID returns the peer identifier.
func (c *PeerCandidate) ID() string { return c.remote.ID() }

// Remote returns the peer handle.
func (c *PeerCandidate) Remote() RemotePeer { return c.remote }

func (c *PeerCandidate) avgLatency() time.Duration {
	if len(c.latencies) == 0 {
		return 0
	}
	return lo.Sum(c.latencies) / time.Duration(len(c.latencies))
}

func (c *PeerCandidate) pushLatency(d time.Duration) {
	c.latencies = append(c.latencies, d)
	if len(c.latencies) > LatencyWindow {
		c.latencies = c.latencies[len(c.latencies)-LatencyWindow:]
	}
}

// PeerStats is a snapshot of a candidate.
type PeerStats struct {
	ID         string
	AvgLatency time.Duration
	Samples    int
	Successes  int
	Failures   int
	Excluded   bool
	Reserved   bool
}

// PeerPool tracks the peers of one sync session and hands them out to
// chunk downloads.
type PeerPool struct {
	mu         sync.Mutex
	candidates map[string]*PeerCandidate
	changed    chan struct{} // closed and replaced on release, add or exclusion
	backoff    time.Duration
	onExclude  func(id string)
	metrics    *Metrics
	logger     zerolog.Logger

	// Slot tuning state.
	grewLast bool
	lastAvg  time.Duration
}

// NewPeerPool creates a pool over peers. Duplicate IDs are ignored.
func NewPeerPool(peers []RemotePeer, logger zerolog.Logger) *PeerPool {
	p := &PeerPool{
		candidates: make(map[string]*PeerCandidate),
		changed:    make(chan struct{}),
		backoff:    DefaultNoPeerBackoff,
		logger:     logger,
	}
	for _, r := range peers {
		p.Add(r)
	}
	return p
}

// SetBackoff sets the wait before Select's retry.
func (p *PeerPool) SetBackoff(d time.Duration) {
	p.mu.Lock()
	p.backoff = d
	p.mu.Unlock()
}

// SetExcludeHook sets a callback run (outside the pool lock) when a peer
// gets excluded.
func (p *PeerPool) SetExcludeHook(fn func(id string)) {
	p.mu.Lock()
	p.onExclude = fn
	p.mu.Unlock()
}

// SetMetrics attaches metrics collectors.
func (p *PeerPool) SetMetrics(m *Metrics) {
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// Add registers a peer. It returns false if the ID is already known.
func (p *PeerPool) Add(r RemotePeer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.candidates[r.ID()]; ok {
		return false
	}
	p.candidates[r.ID()] = &PeerCandidate{remote: r}
	p.notifyLocked()
	return true
}

// Len returns the number of known peers.
func (p *PeerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

// Active returns the number of peers that are not excluded.
func (p *PeerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

func (p *PeerPool) activeLocked() int {
	return lo.CountBy(lo.Values(p.candidates), func(c *PeerCandidate) bool { return !c.excluded })
}

// Stats returns a snapshot of one peer.
func (p *PeerPool) Stats(id string) (PeerStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.candidates[id]
	if !ok {
		return PeerStats{}, false
	}
	return PeerStats{
		ID:         id,
		AvgLatency: c.avgLatency(),
		Samples:    len(c.latencies),
		Successes:  c.successes,
		Failures:   c.failures,
		Excluded:   c.excluded,
		Reserved:   c.reserved,
	}, true
}

// Peer returns the handle of a known peer.
func (p *PeerPool) Peer(id string) (RemotePeer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.candidates[id]
	if !ok {
		return nil, false
	}
	return c.remote, true
}

// Select reserves and returns up to maxParallel peers, fastest first.
// Peers listed in avoid are only used when no other peer is eligible.
//
// While some non-excluded peer is merely reserved, Select waits for a
// release. When every peer is excluded (or the pool is empty) it waits
// for the backoff once and then fails with ErrNoPeersAvailable.
func (p *PeerPool) Select(ctx context.Context, maxParallel int, avoid ...string) ([]*PeerCandidate, error) {
	if maxParallel < 1 {
		maxParallel = 1
	}
	backedOff := false
	for {
		p.mu.Lock()
		picked := p.pickLocked(maxParallel, avoid)
		if len(picked) > 0 {
			for _, c := range picked {
				c.reserved = true
			}
			p.mu.Unlock()
			return picked, nil
		}
		active := p.activeLocked()
		changed := p.changed
		backoff := p.backoff
		p.mu.Unlock()

		if active > 0 {
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if backedOff {
			return nil, fmt.Errorf("%w: %d known, all excluded", ErrNoPeersAvailable, p.Len())
		}
		backedOff = true
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-changed:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (p *PeerPool) pickLocked(n int, avoid []string) []*PeerCandidate {
	eligible := lo.Filter(lo.Values(p.candidates), func(c *PeerCandidate, _ int) bool {
		return !c.excluded && !c.reserved
	})
	if len(avoid) > 0 {
		preferred := lo.Filter(eligible, func(c *PeerCandidate, _ int) bool {
			return !lo.Contains(avoid, c.ID())
		})
		if len(preferred) > 0 {
			eligible = preferred
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		ai, aj := eligible[i].avgLatency(), eligible[j].avgLatency()
		if ai != aj {
			return ai < aj
		}
		return eligible[i].ID() < eligible[j].ID()
	})
	if len(eligible) > n {
		eligible = eligible[:n]
	}
	return eligible
}

// Reserve books a peer. It returns false if the peer is unknown, excluded
// or already reserved.
func (p *PeerPool) Reserve(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.candidates[id]
	if !ok || c.excluded || c.reserved {
		return false
	}
	c.reserved = true
	return true
}

// Release un-books a peer.
func (p *PeerPool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.candidates[id]; ok && c.reserved {
		c.reserved = false
		p.notifyLocked()
	}
}

// RecordSuccess stores a response time, counts a success and releases the peer.
func (p *PeerPool) RecordSuccess(id string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.candidates[id]
	if !ok {
		return
	}
	c.pushLatency(elapsed)
	c.successes++
	c.reserved = false
	p.notifyLocked()
}

// RecordFailure counts a failure and releases the peer. Reaching
// MaxFailures excludes the peer for the rest of the session.
func (p *PeerPool) RecordFailure(id string) {
	p.mu.Lock()
	c, ok := p.candidates[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	c.failures++
	c.reserved = false
	justExcluded := false
	if c.failures >= MaxFailures && !c.excluded {
		c.excluded = true
		justExcluded = true
		if p.metrics != nil {
			p.metrics.ExcludedPeers.Inc()
		}
	}
	p.notifyLocked()
	hook := p.onExclude
	failures := c.failures
	p.mu.Unlock()

	if justExcluded {
		p.logger.Warn().
			Str("peer", id).
			Int("failures", failures).
			Msg("Peer excluded from sync session")
		if hook != nil {
			hook(id)
		}
	}
}

// RecordTimeout charges a timed-out attempt: the latency window gets
// timeout+1ms and a failure is counted.
func (p *PeerPool) RecordTimeout(id string, timeout time.Duration) {
	p.mu.Lock()
	if c, ok := p.candidates[id]; ok {
		c.pushLatency(timeout + time.Millisecond)
	}
	p.mu.Unlock()
	p.RecordFailure(id)
}

// Tune adjusts the number of download slots. It only acts when every slot
// is busy and alternates between growing by one slot (up to max) and
// checking whether latency degraded faster than the extra slot can pay
// for, in which case it shrinks by one.
func (p *PeerPool) Tune(slots, busy, max int) int {
	if max < 1 {
		max = 1
	}
	if slots > max {
		return max
	}
	if busy < slots {
		return slots
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.grewLast {
		p.grewLast = true
		if slots < max {
			return slots + 1
		}
		return slots
	}

	p.grewLast = false
	cur := p.busyAvgLocked()
	last := p.lastAvg
	p.lastAvg = cur
	if last <= 0 || busy == 0 {
		return slots
	}
	deceleration := float64(cur)/float64(last) - 1
	if deceleration > 1/float64(busy) && slots > 1 {
		return slots - 1
	}
	return slots
}

// busyAvgLocked averages the latency of reserved peers, falling back to
// every peer with samples.
func (p *PeerPool) busyAvgLocked() time.Duration {
	measured := lo.Filter(lo.Values(p.candidates), func(c *PeerCandidate, _ int) bool {
		return !c.excluded && len(c.latencies) > 0
	})
	busy := lo.Filter(measured, func(c *PeerCandidate, _ int) bool { return c.reserved })
	if len(busy) > 0 {
		measured = busy
	}
	if len(measured) == 0 {
		return 0
	}
	total := lo.SumBy(measured, func(c *PeerCandidate) time.Duration { return c.avgLatency() })
	return total / time.Duration(len(measured))
}

func (p *PeerPool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

package blocksync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingsync/pkg/block"
)

// Fork defaults.
const (
	DefaultMaxForkDepth  = 100
	DefaultSwitchAdvance = 3
	DefaultAvgGenTime    = 5 * time.Minute
)

// ForkCandidate is a peer whose chain does not extend local HEAD.
type ForkCandidate struct {
	Peer        RemotePeer
	Divergent   *block.Block // first received block that did not chain on HEAD
	PeerCurrent *block.Block
}

// SwitchPolicy decides whether a fork is worth following.
type SwitchPolicy struct {
	Advance    uint64        // Required lead, in blocks and in normalized median time.
	AvgGenTime time.Duration // Average block interval used to normalize median time.
}

// ShouldSwitch reports whether forkHead leads local by at least Advance
// blocks and by at least Advance average block intervals of median time.
func (p SwitchPolicy) ShouldSwitch(local, forkHead *block.Block) bool {
	if local == nil || forkHead == nil || forkHead.Number < local.Number {
		return false
	}
	blockDistance := forkHead.Number - local.Number
	if blockDistance < p.Advance {
		return false
	}
	gen := uint64(p.AvgGenTime / time.Second)
	if gen == 0 {
		gen = 1
	}
	if forkHead.MedianTime < local.MedianTime {
		return p.Advance == 0
	}
	timeDistance := (forkHead.MedianTime - local.MedianTime) / gen
	return timeDistance >= p.Advance
}

// SortForks orders candidates best first: higher HEAD number, then later
// median time, then peer ID.
func SortForks(forks []ForkCandidate) {
	sort.SliceStable(forks, func(i, j int) bool {
		a, b := forks[i].PeerCurrent, forks[j].PeerCurrent
		if a.Number != b.Number {
			return a.Number > b.Number
		}
		if a.MedianTime != b.MedianTime {
			return a.MedianTime > b.MedianTime
		}
		return forks[i].Peer.ID() < forks[j].Peer.ID()
	})
}

// ForkResolver locates the common ancestor between the local chain and a
// fork candidate.
type ForkResolver struct {
	local  LocalLedger
	logger zerolog.Logger
}

// NewForkResolver creates a resolver reading the local chain from local.
func NewForkResolver(local LocalLedger, logger zerolog.Logger) *ForkResolver {
	return &ForkResolver{local: local, logger: logger}
}

// FindCommonRoot returns the highest block shared by the local chain and the
// candidate's chain, searching no deeper than maxForkDepth below HEAD.
//
// The errors ErrNoCommonRoot, ErrForkTooDeep and ErrInconsistentRemote mean
// there is no usable root. Other errors come from the peer or the ledger.
func (r *ForkResolver) FindCommonRoot(ctx context.Context, fc ForkCandidate, maxForkDepth uint64) (*block.Block, error) {
	head, err := r.local.CurrentBlock()
	if err != nil {
		return nil, fmt.Errorf("read local head: %w", err)
	}
	if head == nil {
		return nil, ErrEmptyLocalChain
	}
	if fc.Divergent != nil && fc.Divergent.Number == 0 {
		return nil, fmt.Errorf("%w: genesis differs", ErrNoCommonRoot)
	}

	var bottom uint64
	if head.Number > maxForkDepth {
		bottom = head.Number - maxForkDepth
	}
	top := head.Number
	if fc.Divergent != nil && fc.Divergent.Number-1 < top {
		top = fc.Divergent.Number - 1
	}
	if top < bottom {
		return nil, fmt.Errorf("%w: divergence at #%d, search starts at #%d", ErrForkTooDeep, top+1, bottom)
	}

	ok, _, err := r.matches(ctx, fc.Peer, bottom)
	if err != nil {
		return nil, err
	}
	if !ok {
		if bottom == 0 {
			return nil, fmt.Errorf("%w: genesis differs", ErrNoCommonRoot)
		}
		return nil, fmt.Errorf("%w: #%d already differs (max depth %d)", ErrForkTooDeep, bottom, maxForkDepth)
	}

	// Invariant: bottom matches, everything above top is unknown or differs.
	for bottom < top {
		look := bottom + (top-bottom+1)/2
		ok, _, err := r.matches(ctx, fc.Peer, look)
		if err != nil {
			return nil, err
		}
		if ok {
			bottom = look
		} else {
			top = look - 1
		}
	}

	ok, root, err := r.matches(ctx, fc.Peer, bottom)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: #%d changed hash", ErrInconsistentRemote, bottom)
	}

	r.logger.Debug().
		Str("peer", fc.Peer.ID()).
		Uint64("root", root.Number).
		Str("hash", root.Hash.Short()).
		Msg("Found common root")
	return root, nil
}

// matches compares the remote and local blocks at number. A block the
// remote does not have counts as a mismatch.
func (r *ForkResolver) matches(ctx context.Context, peer RemotePeer, number uint64) (bool, *block.Block, error) {
	remote, err := peer.GetBlock(ctx, number)
	if errors.Is(err, ErrBlockNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("remote block #%d: %w", number, err)
	}
	local, err := r.local.BlockByNumber(number)
	if err != nil {
		return false, nil, fmt.Errorf("local block #%d: %w", number, err)
	}
	if remote == nil || remote.Number != number {
		return false, nil, nil
	}
	return remote.Hash == local.Hash, local, nil
}

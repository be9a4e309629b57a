package blocksync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingsync/pkg/block"
)

// Config tunes a Synchronizer.
type Config struct {
	ChunkSize          int
	AdvanceWindow      int
	InitialSlots       int
	MaxParallel        int
	AttemptTimeout     time.Duration
	SlowAttemptTimeout time.Duration
	RetryDelay         time.Duration
	NoPeerBackoff      time.Duration
	Slow               bool
	Cautious           bool
	MaxForkDepth       uint64
	SwitchAdvance      uint64
	AvgGenTime         time.Duration
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          DefaultChunkSize,
		AdvanceWindow:      DefaultAdvanceWindow,
		InitialSlots:       DefaultInitialSlots,
		AttemptTimeout:     DefaultAttemptTimeout,
		SlowAttemptTimeout: 15 * time.Second,
		RetryDelay:         DefaultRetryDelay,
		NoPeerBackoff:      DefaultNoPeerBackoff,
		MaxForkDepth:       DefaultMaxForkDepth,
		SwitchAdvance:      DefaultSwitchAdvance,
		AvgGenTime:         DefaultAvgGenTime,
	}
}

func (c Config) attemptTimeout() time.Duration {
	if c.Slow && c.SlowAttemptTimeout > 0 {
		return c.SlowAttemptTimeout
	}
	if c.AttemptTimeout > 0 {
		return c.AttemptTimeout
	}
	return DefaultAttemptTimeout
}

// maxProbes bounds concurrent GetCurrent calls when picking the target.
const maxProbes = 8

// Result describes a finished sync.
type Result struct {
	Head         *block.Block // Local HEAD after the sync.
	Target       Anchor
	Applied      int
	UpToDate     bool
	Switched     bool
	CommonRoot   *block.Block
	ForksIgnored []ForkCandidate
}

// Synchronizer brings the local ledger up to date with a set of peers.
type Synchronizer struct {
	cfg       Config
	ledger    Ledger
	hasher    Hasher
	cache     ChunkCache
	events    *Events
	metrics   *Metrics
	onExclude func(id string)
	logger    zerolog.Logger

	mu sync.Mutex // one sync at a time
}

// NewSynchronizer creates a synchronizer writing to ledger.
func NewSynchronizer(cfg Config, ledger Ledger, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		cfg:    cfg,
		ledger: ledger,
		hasher: block.Hasher{},
		logger: logger,
	}
}

// SetCache sets the chunk cache used for syncs starting from an empty chain.
func (s *Synchronizer) SetCache(c ChunkCache) { s.cache = c }

// SetEvents attaches a progress stream.
func (s *Synchronizer) SetEvents(e *Events) { s.events = e }

// SetMetrics attaches metrics collectors.
func (s *Synchronizer) SetMetrics(m *Metrics) { s.metrics = m }

// SetHasher replaces the block hasher.
func (s *Synchronizer) SetHasher(h Hasher) { s.hasher = h }

// SetExcludeHook is called with the ID of every peer excluded during a sync.
func (s *Synchronizer) SetExcludeHook(fn func(id string)) { s.onExclude = fn }

// Sync downloads up to the best HEAD announced by peers.
func (s *Synchronizer) Sync(ctx context.Context, peers []RemotePeer) (*Result, error) {
	return s.sync(ctx, peers, nil)
}

// SyncTo downloads up to block number to of the best peer.
func (s *Synchronizer) SyncTo(ctx context.Context, peers []RemotePeer, to uint64) (*Result, error) {
	return s.sync(ctx, peers, &to)
}

func (s *Synchronizer) sync(ctx context.Context, peers []RemotePeer, to *uint64) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(peers) == 0 {
		return nil, ErrNoPeersAvailable
	}

	// A reference peer whose fork is ignored is dropped and the target is
	// picked again among the others.
	res := &Result{}
	candidates := peers
	for {
		pool := s.newPool(candidates)
		ref, target, err := s.pickTarget(ctx, pool, candidates, to)
		if err != nil {
			if len(candidates) == len(peers) {
				return nil, err
			}
			if !errors.Is(err, ErrNoPeersAvailable) {
				return res, err
			}
			break
		}
		ignored, err := s.syncFrom(ctx, pool, ref, target, res)
		if err != nil {
			return res, err
		}
		if !ignored {
			break
		}
		candidates = lo.Filter(candidates, func(p RemotePeer, _ int) bool { return p.ID() != ref.ID() })
		if len(candidates) == 0 {
			break
		}
		s.logger.Info().
			Str("peer", ref.ID()).
			Int("remaining", len(candidates)).
			Msg("Reference fork ignored, retrying with other peers")
	}

	head, err := s.ledger.CurrentBlock()
	if err != nil {
		return res, fmt.Errorf("read local head: %w", err)
	}
	res.Head = head
	if head != nil && s.metrics != nil {
		s.metrics.LocalHeight.Set(float64(head.Number))
	}
	s.events.Emit(Event{Kind: EventDone})
	return res, nil
}

func (s *Synchronizer) newPool(peers []RemotePeer) *PeerPool {
	pool := NewPeerPool(peers, s.logger)
	if s.cfg.NoPeerBackoff > 0 {
		pool.SetBackoff(s.cfg.NoPeerBackoff)
	}
	pool.SetExcludeHook(s.onExclude)
	pool.SetMetrics(s.metrics)
	return pool
}

// syncFrom runs one round against the reference peer ref. It reports
// whether ref turned out to be on a fork that was not followed.
func (s *Synchronizer) syncFrom(ctx context.Context, pool *PeerPool, ref RemotePeer, target *block.Block, res *Result) (bool, error) {
	local, err := s.ledger.CurrentBlock()
	if err != nil {
		return false, fmt.Errorf("read local head: %w", err)
	}
	res.Head = local
	res.Target = Anchor{Number: target.Number, Hash: target.Hash}
	res.UpToDate = false

	var forks []ForkCandidate
	if local != nil && target.Number <= local.Number {
		mine, err := s.ledger.BlockByNumber(target.Number)
		if err != nil {
			return false, fmt.Errorf("read local block #%d: %w", target.Number, err)
		}
		if mine.Hash == target.Hash {
			s.logger.Info().Uint64("height", local.Number).Msg("Chain is up to date")
			res.UpToDate = true
			return false, nil
		}
		s.logger.Info().
			Uint64("height", target.Number).
			Str("local", mine.Hash.Short()).
			Str("peer", target.Hash.Short()).
			Msg("Same-height fork detected")
		forks = append(forks, ForkCandidate{Peer: ref, Divergent: target, PeerCurrent: target})
	} else {
		forks, err = s.pull(ctx, pool, ref, local, target, res)
		if err != nil {
			return false, err
		}
	}
	if len(forks) == 0 {
		return false, nil
	}
	if err := s.resolveForks(ctx, pool, forks, res); err != nil {
		return false, err
	}
	return !res.Switched, nil
}

// pickTarget asks every peer for its HEAD and keeps the best one. With an
// explicit to below that HEAD, the block at to becomes the target.
func (s *Synchronizer) pickTarget(ctx context.Context, pool *PeerPool, peers []RemotePeer, to *uint64) (RemotePeer, *block.Block, error) {
	timeout := s.cfg.attemptTimeout()
	heads := make([]*block.Block, len(peers))

	var g errgroup.Group
	g.SetLimit(maxProbes)
	for i, p := range peers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			b, err := p.GetCurrent(cctx)
			if err == nil && b == nil {
				err = ErrBlockNotFound
			}
			if err == nil {
				err = b.VerifyHashes()
			}
			if err != nil {
				s.logger.Debug().Str("peer", p.ID()).Err(err).Msg("Current block request failed")
				pool.RecordFailure(p.ID())
				return nil
			}
			heads[i] = b
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	best := -1
	for i, h := range heads {
		if h == nil {
			continue
		}
		if best < 0 || betterHead(h, peers[i].ID(), heads[best], peers[best].ID()) {
			best = i
		}
	}
	if best < 0 {
		return nil, nil, fmt.Errorf("%w: no peer answered with its current block", ErrNoPeersAvailable)
	}
	ref, target := peers[best], heads[best]

	if to != nil && *to < target.Number {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		b, err := ref.GetBlock(cctx, *to)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("target block #%d from %s: %w", *to, ref.ID(), err)
		}
		if b.Number != *to {
			return nil, nil, fmt.Errorf("%w: asked #%d, got #%d", ErrBadResponse, *to, b.Number)
		}
		if err := b.VerifyHashes(); err != nil {
			return nil, nil, fmt.Errorf("target block #%d: %w", *to, err)
		}
		target = b
	}

	s.logger.Debug().
		Str("peer", ref.ID()).
		Uint64("number", target.Number).
		Str("hash", target.Hash.Short()).
		Msg("Sync target selected")
	return ref, target, nil
}

func betterHead(a *block.Block, aID string, b *block.Block, bID string) bool {
	if a.Number != b.Number {
		return a.Number > b.Number
	}
	if a.MedianTime != b.MedianTime {
		return a.MedianTime > b.MedianTime
	}
	return aID < bID
}

// pull streams chunks from the scheduler into the ledger. It stops at the
// first chunk that does not extend local HEAD and returns it as a fork.
func (s *Synchronizer) pull(ctx context.Context, pool *PeerPool, ref RemotePeer, local, target *block.Block, res *Result) ([]ForkCandidate, error) {
	cautious := s.cfg.Cautious || local != nil
	var from uint64
	if local != nil {
		from = local.Number + 1
	}
	total := int(target.Number - from + 1)

	sched := NewScheduler(SchedulerConfig{
		ChunkSize:      s.cfg.ChunkSize,
		AdvanceWindow:  s.cfg.AdvanceWindow,
		InitialSlots:   s.cfg.InitialSlots,
		MaxParallel:    s.cfg.MaxParallel,
		AttemptTimeout: s.cfg.attemptTimeout(),
		RetryDelay:     s.cfg.RetryDelay,
		Slow:           s.cfg.Slow,
	}, pool, s.hasher, s.logger)
	sched.SetEvents(s.events)
	sched.SetMetrics(s.metrics)
	if s.cache != nil && from == 0 {
		sched.SetCache(s.cache)
	}

	s.logger.Info().
		Uint64("from", from).
		Uint64("target", target.Number).
		Int("blocks", total).
		Int("peers", pool.Len()).
		Bool("cautious", cautious).
		Msg("Syncing chain")
	s.events.status(fmt.Sprintf("downloading %d blocks", total))

	stream := sched.Start(ctx, from, Anchor{Number: target.Number, Hash: target.Hash})
	defer stream.Close()

	head := local
	start := time.Now()
	lastLog := start
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		blocks := chunk.Blocks
		for len(blocks) > 0 && blocks[len(blocks)-1].Number > target.Number {
			blocks = blocks[:len(blocks)-1]
		}
		if len(blocks) == 0 {
			continue
		}

		if head != nil && !blocks[0].Extends(head) {
			s.logger.Info().
				Uint64("height", blocks[0].Number).
				Str("peer", ref.ID()).
				Msg("Fork detected during sync")
			return []ForkCandidate{{Peer: ref, Divergent: blocks[0], PeerCurrent: target}}, nil
		}

		if cautious {
			for _, b := range blocks {
				if err := s.ledger.ApplyBlock(b); err != nil {
					return nil, fmt.Errorf("apply block #%d: %w", b.Number, err)
				}
				res.Applied++
			}
		} else {
			if err := s.ledger.ApplyBlocksFast(blocks, target.Number); err != nil {
				return nil, fmt.Errorf("apply blocks #%d..#%d: %w", blocks[0].Number, blocks[len(blocks)-1].Number, err)
			}
			res.Applied += len(blocks)
		}
		head = blocks[len(blocks)-1]
		if s.metrics != nil {
			s.metrics.BlocksApplied.Add(float64(len(blocks)))
			s.metrics.LocalHeight.Set(float64(head.Number))
		}
		s.events.percent(EventApplied, percentOf(res.Applied, total))

		if now := time.Now(); now.Sub(lastLog) >= time.Second {
			lastLog = now
			s.logProgress(head, target, res.Applied, total, now.Sub(start))
		}
	}

	s.logger.Info().
		Uint64("height", target.Number).
		Int("applied", res.Applied).
		Dur("elapsed", time.Since(start)).
		Msg("Sync complete")
	return nil, nil
}

func (s *Synchronizer) logProgress(head, target *block.Block, applied, total int, elapsed time.Duration) {
	bps := float64(applied) / elapsed.Seconds()
	remaining := ""
	if bps > 0 {
		eta := time.Duration(float64(total-applied)/bps) * time.Second
		remaining = eta.Round(time.Second).String()
	}
	s.logger.Info().
		Uint64("height", head.Number).
		Uint64("target", target.Number).
		Str("progress", fmt.Sprintf("%.1f%%", float64(applied)/float64(total)*100)).
		Str("speed", fmt.Sprintf("%.0f blk/s", bps)).
		Str("eta", remaining).
		Msg("Syncing")
}

// resolveForks follows at most one fork: the best candidate that passes the
// switch policy and has a common root.
func (s *Synchronizer) resolveForks(ctx context.Context, pool *PeerPool, forks []ForkCandidate, res *Result) error {
	local, err := s.ledger.CurrentBlock()
	if err != nil {
		return fmt.Errorf("read local head: %w", err)
	}
	if local == nil {
		res.ForksIgnored = append(res.ForksIgnored, forks...)
		return nil
	}

	policy := SwitchPolicy{Advance: s.cfg.SwitchAdvance, AvgGenTime: s.cfg.AvgGenTime}
	var eligible []ForkCandidate
	for _, fc := range forks {
		if policy.ShouldSwitch(local, fc.PeerCurrent) {
			eligible = append(eligible, fc)
			continue
		}
		s.logger.Info().
			Str("peer", fc.Peer.ID()).
			Uint64("local", local.Number).
			Uint64("fork", fc.PeerCurrent.Number).
			Msg("Fork not far enough ahead, ignoring")
		res.ForksIgnored = append(res.ForksIgnored, fc)
	}
	SortForks(eligible)

	resolver := NewForkResolver(s.ledger, s.logger)
	for i, fc := range eligible {
		root, err := resolver.FindCommonRoot(ctx, fc, s.cfg.MaxForkDepth)
		if err == nil {
			err = s.switchBranch(ctx, fc, root)
			if err == nil {
				res.Switched = true
				res.CommonRoot = root
				res.ForksIgnored = append(res.ForksIgnored, eligible[i+1:]...)
				if s.metrics != nil {
					s.metrics.ForkSwitches.Inc()
				}
				return nil
			}
			if errors.Is(err, ErrBlockRejected) || errors.Is(err, ErrLedgerInconsistent) {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isNoRoot(err) {
			pool.RecordFailure(fc.Peer.ID())
		}
		s.logger.Warn().
			Str("peer", fc.Peer.ID()).
			Uint64("fork", fc.PeerCurrent.Number).
			Err(err).
			Msg("Fork ignored")
		res.ForksIgnored = append(res.ForksIgnored, fc)
	}
	return nil
}

// switchBranch downloads root+1 .. fork HEAD, capped at MaxForkDepth blocks,
// validates it as one run anchored on both ends, rewinds the ledger to root
// and applies the branch. On failure after the rewind the previous local
// tail is put back.
func (s *Synchronizer) switchBranch(ctx context.Context, fc ForkCandidate, root *block.Block) error {
	head := fc.PeerCurrent
	if head.Number <= root.Number {
		return fmt.Errorf("%w: fork head #%d is not above root #%d", ErrNoCommonRoot, head.Number, root.Number)
	}
	chunkSize := s.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	removed, err := s.tail(root.Number)
	if err != nil {
		return err
	}
	// The capped branch must still end above the local head.
	top := head.Number
	if d := s.cfg.MaxForkDepth; d > 0 && top-root.Number > d {
		top = min(head.Number, max(root.Number+d, root.Number+uint64(len(removed))+1))
	}
	if top < head.Number {
		s.logger.Info().
			Str("peer", fc.Peer.ID()).
			Uint64("fork", head.Number).
			Uint64("upto", top).
			Msg("Fork branch capped, the next sync continues it")
	}

	branch := make([]*block.Block, 0, top-root.Number)
	for from := root.Number + 1; from <= top; {
		count := int(min(uint64(chunkSize), top-from+1))
		cctx, cancel := context.WithTimeout(ctx, s.cfg.attemptTimeout())
		blocks, err := fc.Peer.GetBlocks(cctx, count, from)
		cancel()
		if err != nil {
			return fmt.Errorf("fetch branch #%d: %w", from, err)
		}
		if len(blocks) != count || blocks[0] == nil || blocks[0].Number != from {
			return fmt.Errorf("%w: branch piece at #%d", ErrBadResponse, from)
		}
		branch = append(branch, blocks...)
		from += uint64(count)
	}

	if !branch[0].Extends(root) {
		return fmt.Errorf("%w: branch does not start on root #%d", ErrBrokenLink, root.Number)
	}
	anchor := Anchor{Number: head.Number, Hash: head.Hash}
	if top < head.Number {
		last := branch[len(branch)-1]
		anchor = Anchor{Number: last.Number, Hash: last.Hash}
	}
	validator := NewChainLinkValidator(s.hasher, 0)
	if err := validator.Validate(branch, nil, anchor); err != nil {
		return fmt.Errorf("validate branch: %w", err)
	}

	if err := s.ledger.RevertTo(root.Number); err != nil {
		return s.restore(root, removed, fmt.Errorf("revert to #%d: %w", root.Number, err))
	}
	for _, b := range branch {
		if err := s.ledger.ApplyBlock(b); err != nil {
			return s.restore(root, removed, fmt.Errorf("apply branch block #%d: %w", b.Number, err))
		}
	}
	if s.metrics != nil {
		s.metrics.BlocksApplied.Add(float64(len(branch)))
	}

	s.logger.Info().
		Str("peer", fc.Peer.ID()).
		Uint64("root", root.Number).
		Uint64("height", top).
		Str("hash", branch[len(branch)-1].Hash.Short()).
		Msg("Switched to fork")
	return nil
}

// tail returns the local blocks above number.
func (s *Synchronizer) tail(number uint64) ([]*block.Block, error) {
	local, err := s.ledger.CurrentBlock()
	if err != nil {
		return nil, fmt.Errorf("read local head: %w", err)
	}
	if local == nil || local.Number <= number {
		return nil, nil
	}
	out := make([]*block.Block, 0, local.Number-number)
	for n := number + 1; n <= local.Number; n++ {
		b, err := s.ledger.BlockByNumber(n)
		if err != nil {
			return nil, fmt.Errorf("read local block #%d: %w", n, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// restore rewinds to root, re-applies removed and returns cause.
func (s *Synchronizer) restore(root *block.Block, removed []*block.Block, cause error) error {
	if err := s.ledger.RevertTo(root.Number); err != nil {
		return fmt.Errorf("%w: revert to #%d: %v (after: %v)", ErrLedgerInconsistent, root.Number, err, cause)
	}
	for _, b := range removed {
		if err := s.ledger.ApplyBlock(b); err != nil {
			return fmt.Errorf("%w: re-apply #%d: %v (after: %v)", ErrLedgerInconsistent, b.Number, err, cause)
		}
	}
	s.logger.Warn().
		Err(cause).
		Uint64("root", root.Number).
		Int("restored", len(removed)).
		Msg("Fork switch failed, local chain restored")
	return cause
}

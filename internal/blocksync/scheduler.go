package blocksync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingsync/pkg/block"
	"github.com/Klingon-tech/klingsync/pkg/types"
)

// Scheduler defaults.
const (
	DefaultChunkSize      = 250
	DefaultAdvanceWindow  = 10
	DefaultInitialSlots   = 2
	DefaultAttemptTimeout = 5 * time.Second
	DefaultRetryDelay     = time.Second
)

// SchedulerConfig tunes chunk downloads.
type SchedulerConfig struct {
	ChunkSize      int
	AdvanceWindow  int // Chunks allowed between Wanted and Verified.
	InitialSlots   int
	MaxParallel    int // 0 caps slots at the number of active peers only.
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	Slow           bool // One slot, no tuning.
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.AdvanceWindow <= 0 {
		c.AdvanceWindow = DefaultAdvanceWindow
	}
	if c.InitialSlots <= 0 {
		c.InitialSlots = DefaultInitialSlots
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// Scheduler downloads the missing part of the chain as fixed-size chunks.
type Scheduler struct {
	cfg       SchedulerConfig
	pool      *PeerPool
	validator *ChainLinkValidator
	cache     ChunkCache
	events    *Events
	metrics   *Metrics
	logger    zerolog.Logger
}

// NewScheduler creates a scheduler drawing peers from pool.
func NewScheduler(cfg SchedulerConfig, pool *PeerPool, hasher Hasher, logger zerolog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:       cfg,
		pool:      pool,
		validator: NewChainLinkValidator(hasher, cfg.ChunkSize),
		logger:    logger,
	}
}

// SetCache enables reading and writing full chunks through c.
func (s *Scheduler) SetCache(c ChunkCache) { s.cache = c }

// SetEvents attaches a progress stream.
func (s *Scheduler) SetEvents(e *Events) { s.events = e }

// SetMetrics attaches metrics collectors.
func (s *Scheduler) SetMetrics(m *Metrics) { s.metrics = m }

// Start downloads blocks from..target.Number and returns the stream of
// verified chunks in ascending order. Chunks are verified top down, the top
// chunk against target.
func (s *Scheduler) Start(ctx context.Context, from uint64, target Anchor) *ChunkStream {
	sctx, cancel := context.WithCancel(ctx)
	entries := chunkLayout(from, target.Number, s.cfg.ChunkSize)

	ss := &session{
		Scheduler: s,
		target:    target,
		entries:   entries,
		frontier:  len(entries),
		results:   make(chan attemptResult),
		out:       make(chan streamItem, len(entries)),
	}
	ss.slots = ss.initialSlots()
	if s.metrics != nil {
		s.metrics.DownloadSlots.Set(float64(ss.slots))
	}

	cs := &ChunkStream{
		out:       ss.out,
		done:      make(chan struct{}),
		cancel:    cancel,
		cache:     s.cache,
		chunkSize: s.cfg.ChunkSize,
		total:     len(entries),
	}

	go func() {
		defer close(cs.done)
		err := ss.run(sctx)
		cancel()
		ss.wg.Wait()
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = ErrSessionClosed
		}
		cs.err = err
		close(ss.out)
	}()
	return cs
}

type streamItem struct {
	chunk  *Chunk
	hashes []types.Hash
}

// ChunkStream yields verified chunks in ascending index order.
type ChunkStream struct {
	out       chan streamItem
	done      chan struct{}
	err       error
	cancel    context.CancelFunc
	cache     ChunkCache
	chunkSize int
	total     int
}

// Len returns the number of chunks the stream will yield.
func (cs *ChunkStream) Len() int { return cs.total }

// Next returns the next chunk, io.EOF after the last one, or the error
// that ended the session.
func (cs *ChunkStream) Next(ctx context.Context) (*Chunk, error) {
	select {
	case it, ok := <-cs.out:
		if !ok {
			<-cs.done
			if cs.err != nil {
				return nil, cs.err
			}
			return nil, io.EOF
		}
		if it.chunk.Blocks == nil {
			if err := cs.reload(it); err != nil {
				return nil, err
			}
		}
		return it.chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reload reads a chunk that was dropped from memory after caching.
func (cs *ChunkStream) reload(it streamItem) error {
	key := ChunkKey(it.chunk.From, cs.chunkSize)
	blocks, err := cs.cache.ReadChunk(key)
	if err != nil {
		return fmt.Errorf("reload chunk %d: %w", it.chunk.Index, err)
	}
	if len(blocks) != len(it.hashes) {
		return fmt.Errorf("%w: chunk %d has %d blocks, want %d", ErrCacheCorrupted, it.chunk.Index, len(blocks), len(it.hashes))
	}
	for i, b := range blocks {
		if b == nil || b.Hash != it.hashes[i] {
			return fmt.Errorf("%w: chunk %d block %d", ErrCacheCorrupted, it.chunk.Index, i)
		}
	}
	it.chunk.Blocks = blocks
	return nil
}

// Close stops the session and waits for it to wind down.
func (cs *ChunkStream) Close() {
	cs.cancel()
	<-cs.done
}

type attemptRequest struct {
	index     int
	from      uint64
	count     int
	fromCache bool
	avoid     []string
	delay     time.Duration
}

type attemptResult struct {
	index     int
	fromCache bool
	peer      string
	blocks    []*block.Block
	elapsed   time.Duration
	timedOut  bool
	err       error
}

// session is the state of one Start call. Only run's goroutine touches
// entries and counters.
type session struct {
	*Scheduler
	target   Anchor
	entries  []*chunkEntry
	frontier int // lowest verified index, len(entries) before the first
	results  chan attemptResult
	out      chan streamItem
	wg       sync.WaitGroup

	slots      int
	netBusy    int
	pending    int // Downloading + Downloaded
	nextEmit   int
	downloaded int
	cached     int
}

func (ss *session) top() int { return len(ss.entries) - 1 }

func (ss *session) maxSlots() int {
	active := ss.pool.Active()
	if ss.cfg.MaxParallel > 0 && ss.cfg.MaxParallel < active {
		active = ss.cfg.MaxParallel
	}
	if active < 1 {
		active = 1
	}
	return active
}

func (ss *session) initialSlots() int {
	if ss.cfg.Slow {
		return 1
	}
	return min(ss.cfg.InitialSlots, ss.maxSlots())
}

func (ss *session) run(ctx context.Context) error {
	for i := ss.top(); i >= 0; i-- {
		ss.events.chunk(EventWanted, i, "", nil)
	}
	for ss.nextEmit < len(ss.entries) {
		ss.dispatch(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-ss.results:
			if err := ss.handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ss *session) useCache(e *chunkEntry) bool {
	return ss.cache != nil && e.Index != ss.top() && !e.cacheFailed && e.Count == ss.cfg.ChunkSize
}

func (ss *session) highestWanted() *chunkEntry {
	for i := ss.frontier - 1; i >= 0; i-- {
		if ss.entries[i].state == ChunkWanted {
			return ss.entries[i]
		}
	}
	return nil
}

// dispatch starts attempts for the highest wanted chunks while the advance
// window and the network slots allow it.
func (ss *session) dispatch(ctx context.Context) {
	for ss.pending < ss.cfg.AdvanceWindow {
		e := ss.highestWanted()
		if e == nil {
			return
		}
		fromCache := ss.useCache(e)
		if !fromCache && ss.netBusy >= ss.slots {
			return
		}

		req := attemptRequest{
			index:     e.Index,
			from:      e.From,
			count:     e.Count,
			fromCache: fromCache,
			avoid:     append([]string(nil), e.tried...),
		}
		if e.delayed {
			req.delay = ss.cfg.RetryDelay
			e.delayed = false
		}
		e.state = ChunkDownloading
		ss.pending++
		if !fromCache {
			ss.netBusy++
		}
		ss.wg.Add(1)
		go ss.attempt(ctx, req)
	}
}

type fetched struct {
	blocks []*block.Block
	err    error
}

// attempt runs one download. A response arriving after the attempt timeout
// is dropped.
func (ss *session) attempt(ctx context.Context, req attemptRequest) {
	defer ss.wg.Done()
	r := attemptResult{index: req.index, fromCache: req.fromCache}

	if req.delay > 0 {
		t := time.NewTimer(req.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	if req.fromCache {
		r.peer = SourceCache
		r.blocks, r.err = ss.cache.ReadChunk(ChunkKey(req.from, ss.cfg.ChunkSize))
		ss.deliver(ctx, r)
		return
	}

	picked, err := ss.pool.Select(ctx, 1, req.avoid...)
	if err != nil {
		r.err = err
		ss.deliver(ctx, r)
		return
	}
	peer := picked[0]
	r.peer = peer.ID()
	ss.events.chunk(EventDownloading, req.index, r.peer, nil)

	timeout := ss.cfg.AttemptTimeout
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan fetched, 1)
	go func() {
		blocks, err := peer.Remote().GetBlocks(actx, req.count, req.from)
		done <- fetched{blocks: blocks, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-done:
		r.blocks, r.err = f.blocks, f.err
		r.elapsed = time.Since(start)
		if errors.Is(f.err, context.DeadlineExceeded) && ctx.Err() == nil {
			r.timedOut = true
		}
	case <-timer.C:
		r.timedOut = true
		r.err = fmt.Errorf("attempt timed out after %s", timeout)
	case <-ctx.Done():
		return
	}
	ss.deliver(ctx, r)
}

func (ss *session) deliver(ctx context.Context, r attemptResult) {
	select {
	case ss.results <- r:
	case <-ctx.Done():
	}
}

func (ss *session) handle(ctx context.Context, r attemptResult) error {
	e := ss.entries[r.index]
	busyBefore := ss.netBusy
	if !r.fromCache {
		ss.netBusy--
	}

	if r.err == nil {
		r.err = checkShape(e, r.blocks)
		if r.err != nil && r.fromCache {
			ss.dropCached(e)
		}
	}
	if r.err != nil {
		return ss.failed(ctx, e, r)
	}

	if !r.fromCache {
		ss.pool.RecordSuccess(r.peer, r.elapsed)
		if !ss.cfg.Slow {
			ss.slots = ss.pool.Tune(ss.slots, busyBefore, ss.maxSlots())
			if ss.metrics != nil {
				ss.metrics.DownloadSlots.Set(float64(ss.slots))
			}
		}
	}
	if ss.metrics != nil {
		source := "network"
		if r.fromCache {
			source = SourceCache
		}
		ss.metrics.ChunksDownloaded.WithLabelValues(source).Inc()
	}

	e.Blocks = r.blocks
	e.Source = r.peer
	e.state = ChunkDownloaded
	ss.downloaded++
	ss.events.chunk(EventGot, e.Index, r.peer, nil)
	ss.events.percent(EventDownloaded, percentOf(ss.downloaded, len(ss.entries)))

	ss.verifyFrom(e.Index)
	ss.emit()
	return nil
}

func (ss *session) failed(ctx context.Context, e *chunkEntry, r attemptResult) error {
	if errors.Is(r.err, ErrNoPeersAvailable) {
		ss.events.chunk(EventUnable, e.Index, "", r.err)
		return fmt.Errorf("chunk %d (#%d..#%d): %w", e.Index, e.From, e.Last(), r.err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.state = ChunkWanted
	ss.pending--

	if r.fromCache {
		e.cacheFailed = true
		ss.logger.Debug().Int("chunk", e.Index).Err(r.err).Msg("Cache miss")
		return nil
	}

	if r.timedOut {
		ss.pool.RecordTimeout(r.peer, ss.cfg.AttemptTimeout)
	} else {
		ss.pool.RecordFailure(r.peer)
	}
	if ss.metrics != nil {
		ss.metrics.ChunkFailures.Inc()
	}
	e.avoid(r.peer)
	e.delayed = true
	ss.events.chunk(EventFailed, e.Index, r.peer, r.err)
	ss.logger.Debug().
		Int("chunk", e.Index).
		Str("peer", r.peer).
		Bool("timeout", r.timedOut).
		Err(r.err).
		Msg("Chunk download failed")
	return nil
}

// checkShape rejects responses that do not cover exactly the chunk range.
func checkShape(e *chunkEntry, blocks []*block.Block) error {
	if len(blocks) != e.Count {
		return fmt.Errorf("%w: got %d blocks, want %d", ErrBadResponse, len(blocks), e.Count)
	}
	if blocks[0] == nil || blocks[0].Number != e.From {
		return fmt.Errorf("%w: chunk does not start at #%d", ErrBadResponse, e.From)
	}
	return nil
}

// verifyFrom validates chunk i and then every downloaded chunk below it
// whose upper neighbour is now verified.
func (ss *session) verifyFrom(i int) {
	for ; i >= 0; i-- {
		e := ss.entries[i]
		if e.state != ChunkDownloaded {
			return
		}
		var next *block.Block
		if i < ss.top() {
			above := ss.entries[i+1]
			if above.state < ChunkVerified {
				return
			}
			next = above.head
		}
		if err := ss.validator.Validate(e.Blocks, next, ss.target); err != nil {
			ss.reject(e, err)
			return
		}
		ss.accept(e)
	}
}

func (ss *session) reject(e *chunkEntry, err error) {
	if ss.metrics != nil {
		ss.metrics.InvalidChunks.Inc()
	}
	ss.logger.Warn().
		Int("chunk", e.Index).
		Str("source", e.Source).
		Err(err).
		Msg("Rejected invalid chunk")
	ss.events.chunk(EventWrongChunk, e.Index, e.Source, err)

	if e.Source == SourceCache {
		ss.dropCached(e)
	} else {
		ss.pool.RecordFailure(e.Source)
		e.avoid(e.Source)
	}
	e.Blocks = nil
	e.Source = ""
	e.state = ChunkWanted
	ss.pending--
	ss.downloaded--
}

func (ss *session) dropCached(e *chunkEntry) {
	e.cacheFailed = true
	if err := ss.cache.Remove(ChunkKey(e.From, ss.cfg.ChunkSize)); err != nil {
		ss.logger.Debug().Int("chunk", e.Index).Err(err).Msg("Remove cached chunk")
	}
}

func (ss *session) accept(e *chunkEntry) {
	e.head = e.Blocks[0]
	e.hashes = make([]types.Hash, len(e.Blocks))
	for i, b := range e.Blocks {
		e.hashes[i] = b.Hash
	}
	e.state = ChunkVerified
	ss.pending--
	ss.frontier = e.Index

	switch {
	case e.Source == SourceCache:
		e.state = ChunkCached
	case ss.cache != nil && e.Count == ss.cfg.ChunkSize:
		if err := ss.cache.WriteChunk(ChunkKey(e.From, ss.cfg.ChunkSize), e.Blocks); err != nil {
			ss.logger.Warn().Int("chunk", e.Index).Err(err).Msg("Failed to cache chunk")
		} else {
			e.state = ChunkCached
			ss.cached++
			ss.events.percent(EventSaved, percentOf(ss.cached, len(ss.entries)))
		}
	}
	if e.state == ChunkCached {
		e.Blocks = nil
	}
}

// emit hands every consecutive verified chunk to the stream.
func (ss *session) emit() {
	for ss.nextEmit < len(ss.entries) {
		e := ss.entries[ss.nextEmit]
		if e.state < ChunkVerified {
			return
		}
		c := e.Chunk
		ss.out <- streamItem{chunk: &c, hashes: e.hashes}
		e.Blocks = nil
		ss.nextEmit++
	}
}

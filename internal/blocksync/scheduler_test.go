package blocksync

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingsync/pkg/block"
)

func testSchedulerConfig(chunkSize int) SchedulerConfig {
	return SchedulerConfig{
		ChunkSize:      chunkSize,
		AdvanceWindow:  4,
		InitialSlots:   2,
		AttemptTimeout: time.Second,
		RetryDelay:     time.Millisecond,
	}
}

func anchorOfBlock(b *block.Block) Anchor {
	return Anchor{Number: b.Number, Hash: b.Hash}
}

// drain reads the stream to completion.
func drain(t *testing.T, cs *ChunkStream) ([]*Chunk, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []*Chunk
	for {
		c, err := cs.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

func checkChunks(t *testing.T, chunks []*Chunk, chain []*block.Block, from uint64) {
	t.Helper()
	next := from
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		if c.From != next || len(c.Blocks) != c.Count {
			t.Fatalf("chunk %d covers #%d x%d (%d blocks), want start #%d", i, c.From, c.Count, len(c.Blocks), next)
		}
		for _, b := range c.Blocks {
			if b.Hash != chain[b.Number].Hash {
				t.Fatalf("chunk %d: block #%d differs from source chain", i, b.Number)
			}
		}
		next = c.Last() + 1
	}
	if want := uint64(len(chain)); next != want {
		t.Fatalf("chunks end before #%d, want #%d", next, want)
	}
}

func TestScheduler_AscendingChunks(t *testing.T) {
	chain := buildChain("A", nil, 0, 17)
	a := newFakePeer("a", chain)
	b := newFakePeer("b", chain)
	a.delay = 5 * time.Millisecond
	b.delay = 2 * time.Millisecond

	pool := NewPeerPool(peersOf(a, b), zerolog.Nop())
	s := NewScheduler(testSchedulerConfig(4), pool, nil, zerolog.Nop())
	cs := s.Start(context.Background(), 0, anchorOfBlock(chain[17]))
	defer cs.Close()

	if cs.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", cs.Len())
	}
	chunks, err := drain(t, cs)
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	if len(chunks) != 5 {
		t.Fatalf("got %d chunks, want 5", len(chunks))
	}
	if chunks[4].Count != 2 {
		t.Fatalf("top chunk has %d blocks, want the 2-block remainder", chunks[4].Count)
	}
	checkChunks(t, chunks, chain, 0)
}

func TestScheduler_RotatesAwayFromInvalidPeer(t *testing.T) {
	chain := buildChain("A", nil, 0, 5)
	bad := newFakePeer("a-bad", chain)
	bad.tamper = func(bs []*block.Block) []*block.Block {
		bs[2].PreviousHash[0] ^= 0xff
		bs[2].Seal()
		return bs
	}
	good := newFakePeer("b-good", chain)

	events := NewEvents(64)
	pool := NewPeerPool(peersOf(bad, good), zerolog.Nop())
	s := NewScheduler(testSchedulerConfig(5), pool, nil, zerolog.Nop())
	s.SetEvents(events)
	cs := s.Start(context.Background(), 1, anchorOfBlock(chain[5]))
	defer cs.Close()

	chunks, err := drain(t, cs)
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	if len(chunks) != 1 || chunks[0].Source != "b-good" {
		t.Fatalf("chunks = %+v, want one chunk from b-good", chunks)
	}
	checkChunks(t, chunks, chain, 1)

	if st, _ := pool.Stats("a-bad"); st.Failures != 1 {
		t.Fatalf("a-bad failures = %d, want 1", st.Failures)
	}
	if st, _ := pool.Stats("b-good"); st.Successes != 1 {
		t.Fatalf("b-good successes = %d, want 1", st.Successes)
	}

	events.Close()
	var wrong *Event
	for ev := range events.C() {
		if ev.Kind == EventWrongChunk {
			ev := ev
			wrong = &ev
		}
	}
	if wrong == nil || wrong.Peer != "a-bad" || !errors.Is(wrong.Err, ErrBrokenLink) {
		t.Fatalf("wrong_chunk event = %+v, want a-bad with broken link", wrong)
	}
}

func TestScheduler_AttemptTimeout(t *testing.T) {
	chain := buildChain("A", nil, 0, 3)
	slow := newFakePeer("a-slow", chain)
	slow.hang = true
	fast := newFakePeer("b-fast", chain)

	cfg := testSchedulerConfig(4)
	cfg.AttemptTimeout = 50 * time.Millisecond
	pool := NewPeerPool(peersOf(slow, fast), zerolog.Nop())
	cs := NewScheduler(cfg, pool, nil, zerolog.Nop()).Start(context.Background(), 0, anchorOfBlock(chain[3]))
	defer cs.Close()

	chunks, err := drain(t, cs)
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	if len(chunks) != 1 || chunks[0].Source != "b-fast" {
		t.Fatalf("chunks = %+v, want one chunk from b-fast", chunks)
	}
	st, _ := pool.Stats("a-slow")
	if st.Failures != 1 || st.AvgLatency != 51*time.Millisecond {
		t.Fatalf("a-slow stats = %+v, want one failure at 51ms", st)
	}
}

func TestScheduler_NoPeersAvailable(t *testing.T) {
	chain := buildChain("A", nil, 0, 3)
	broken := newFakePeer("a", chain)
	broken.err = errors.New("connection reset")

	pool := NewPeerPool(peersOf(broken), zerolog.Nop())
	pool.SetBackoff(time.Millisecond)
	cs := NewScheduler(testSchedulerConfig(4), pool, nil, zerolog.Nop()).Start(context.Background(), 0, anchorOfBlock(chain[3]))
	defer cs.Close()

	_, err := drain(t, cs)
	if !errors.Is(err, ErrNoPeersAvailable) {
		t.Fatalf("Next() = %v, want ErrNoPeersAvailable", err)
	}
	if requests, _ := broken.stats(); requests != MaxFailures {
		t.Fatalf("requests = %d, want %d before exclusion", requests, MaxFailures)
	}
}

func TestScheduler_EmptyRange(t *testing.T) {
	pool := NewPeerPool(nil, zerolog.Nop())
	cs := NewScheduler(testSchedulerConfig(4), pool, nil, zerolog.Nop()).Start(context.Background(), 5, Anchor{Number: 4})
	defer cs.Close()

	if cs.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", cs.Len())
	}
	if _, err := cs.Next(context.Background()); err != io.EOF {
		t.Fatalf("Next() = %v, want io.EOF", err)
	}
}

func TestScheduler_CacheReuse(t *testing.T) {
	chain := buildChain("A", nil, 0, 11)
	cache := newMemCache()
	target := anchorOfBlock(chain[11])

	run := func(p *fakePeer) []*Chunk {
		t.Helper()
		pool := NewPeerPool(peersOf(p), zerolog.Nop())
		s := NewScheduler(testSchedulerConfig(4), pool, nil, zerolog.Nop())
		s.SetCache(cache)
		cs := s.Start(context.Background(), 0, target)
		defer cs.Close()
		chunks, err := drain(t, cs)
		if err != nil {
			t.Fatalf("Next(): %v", err)
		}
		checkChunks(t, chunks, chain, 0)
		return chunks
	}

	first := newFakePeer("a", chain)
	run(first)
	if cache.writes != 2 {
		t.Fatalf("cache writes = %d, want 2 (top chunk is never cached)", cache.writes)
	}
	if ok, _ := cache.Exists(ChunkKey(8, 4)); ok {
		t.Fatal("top chunk was cached")
	}
	saved := map[string]string{
		ChunkKey(0, 4): string(cache.raw(ChunkKey(0, 4))),
		ChunkKey(4, 4): string(cache.raw(ChunkKey(4, 4))),
	}

	second := newFakePeer("a", chain)
	chunks := run(second)
	if requests, _ := second.stats(); requests != 1 {
		t.Fatalf("second run made %d network requests, want 1", requests)
	}
	if chunks[0].Source != SourceCache || chunks[1].Source != SourceCache || chunks[2].Source != "a" {
		t.Fatalf("sources = %s %s %s, want cache cache a", chunks[0].Source, chunks[1].Source, chunks[2].Source)
	}
	if cache.writes != 2 {
		t.Fatalf("cache rewritten: %d writes", cache.writes)
	}
	for key, data := range saved {
		if string(cache.raw(key)) != data {
			t.Fatalf("%s changed between runs", key)
		}
	}
}

func TestScheduler_CorruptedCacheEntry(t *testing.T) {
	chain := buildChain("A", nil, 0, 11)
	cache := newMemCache()

	forged := copyBlocks(chain[0:4])
	forged[1].Payload = []byte("forged")
	if err := cache.WriteChunk(ChunkKey(0, 4), forged); err != nil {
		t.Fatal(err)
	}

	peer := newFakePeer("a", chain)
	pool := NewPeerPool(peersOf(peer), zerolog.Nop())
	s := NewScheduler(testSchedulerConfig(4), pool, nil, zerolog.Nop())
	s.SetCache(cache)
	cs := s.Start(context.Background(), 0, anchorOfBlock(chain[11]))
	defer cs.Close()

	chunks, err := drain(t, cs)
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	checkChunks(t, chunks, chain, 0)
	if chunks[0].Source != "a" {
		t.Fatalf("chunk 0 source = %s, want refetch from a", chunks[0].Source)
	}

	stored, err := cache.ReadChunk(ChunkKey(0, 4))
	if err != nil {
		t.Fatalf("ReadChunk(): %v", err)
	}
	for i, b := range stored {
		if b.Hash != chain[i].Hash || string(b.Payload) != string(chain[i].Payload) {
			t.Fatalf("cached block %d still forged", i)
		}
	}
}

func TestScheduler_CacheChangedAfterVerify(t *testing.T) {
	chain := buildChain("A", nil, 0, 7)
	cache := newMemCache()

	peer := newFakePeer("a", chain)
	pool := NewPeerPool(peersOf(peer), zerolog.Nop())
	s := NewScheduler(testSchedulerConfig(4), pool, nil, zerolog.Nop())
	s.SetCache(cache)
	cs := s.Start(context.Background(), 0, anchorOfBlock(chain[7]))
	defer cs.Close()

	// Wait for the session to finish, so chunk 0 is verified and cached.
	<-cs.done
	other := buildChain("B", nil, 0, 3)
	if err := cache.WriteChunk(ChunkKey(0, 4), other); err != nil {
		t.Fatal(err)
	}

	_, err := cs.Next(context.Background())
	if !errors.Is(err, ErrCacheCorrupted) {
		t.Fatalf("Next() = %v, want ErrCacheCorrupted", err)
	}
}

func TestScheduler_CloseStopsSession(t *testing.T) {
	defer leaktest.Check(t)()

	chain := buildChain("A", nil, 0, 7)
	peer := newFakePeer("a", chain)
	peer.hang = true

	cfg := testSchedulerConfig(4)
	cfg.AttemptTimeout = time.Minute
	pool := NewPeerPool(peersOf(peer), zerolog.Nop())
	cs := NewScheduler(cfg, pool, nil, zerolog.Nop()).Start(context.Background(), 0, anchorOfBlock(chain[7]))

	time.Sleep(20 * time.Millisecond)
	cs.Close()

	if _, err := cs.Next(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Next() after Close = %v, want ErrSessionClosed", err)
	}
}

func TestScheduler_ContextCancel(t *testing.T) {
	defer leaktest.Check(t)()

	chain := buildChain("A", nil, 0, 7)
	peer := newFakePeer("a", chain)
	peer.hang = true

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPeerPool(peersOf(peer), zerolog.Nop())
	cs := NewScheduler(testSchedulerConfig(4), pool, nil, zerolog.Nop()).Start(ctx, 0, anchorOfBlock(chain[7]))
	defer cs.Close()

	cancel()
	<-cs.done
	if _, err := cs.Next(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next() = %v, want context.Canceled", err)
	}
}

// countingPeer tracks concurrent GetBlocks calls across a set of peers.
type countingPeer struct {
	RemotePeer
	mu      *sync.Mutex
	current *int
	peak    *int
	total   *atomic.Int64
}

func (p countingPeer) GetBlocks(ctx context.Context, count int, from uint64) ([]*block.Block, error) {
	p.mu.Lock()
	*p.current++
	if *p.current > *p.peak {
		*p.peak = *p.current
	}
	p.mu.Unlock()
	p.total.Add(1)
	defer func() {
		p.mu.Lock()
		*p.current--
		p.mu.Unlock()
	}()
	return p.RemotePeer.GetBlocks(ctx, count, from)
}

func TestScheduler_ParallelismBounds(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(c *SchedulerConfig)
		want int
	}{
		{"max parallel", func(c *SchedulerConfig) { c.MaxParallel = 2; c.InitialSlots = 4 }, 2},
		{"slow", func(c *SchedulerConfig) { c.Slow = true; c.InitialSlots = 4 }, 1},
		{"initial slots", func(c *SchedulerConfig) { c.InitialSlots = 1; c.MaxParallel = 1 }, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := buildChain("A", nil, 0, 15)
			var (
				mu            sync.Mutex
				current, peak int
				total         atomic.Int64
			)
			var peers []RemotePeer
			for _, id := range []string{"a", "b", "c", "d"} {
				fp := newFakePeer(id, chain)
				fp.delay = 10 * time.Millisecond
				peers = append(peers, countingPeer{RemotePeer: fp, mu: &mu, current: &current, peak: &peak, total: &total})
			}

			cfg := testSchedulerConfig(2)
			cfg.AdvanceWindow = 8
			tt.cfg(&cfg)
			pool := NewPeerPool(peers, zerolog.Nop())
			cs := NewScheduler(cfg, pool, nil, zerolog.Nop()).Start(context.Background(), 0, anchorOfBlock(chain[15]))
			defer cs.Close()

			chunks, err := drain(t, cs)
			if err != nil {
				t.Fatalf("Next(): %v", err)
			}
			checkChunks(t, chunks, chain, 0)
			mu.Lock()
			defer mu.Unlock()
			if peak > tt.want {
				t.Fatalf("peak concurrent requests = %d, want <= %d", peak, tt.want)
			}
			if total.Load() != 8 {
				t.Fatalf("requests = %d, want 8", total.Load())
			}
		})
	}
}

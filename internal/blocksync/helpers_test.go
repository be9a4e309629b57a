package blocksync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingsync/pkg/block"
	"github.com/Klingon-tech/klingsync/pkg/types"
)

const testGenTime = 1800 // seconds between blocks in test chains

// buildChain creates sealed blocks from..to on branch. The first block links
// to prev, or has no previous hash when prev is nil.
func buildChain(branch string, prev *block.Block, from, to uint64) []*block.Block {
	var out []*block.Block
	for n := from; n <= to; n++ {
		b := &block.Block{
			Version:    1,
			Number:     n,
			MedianTime: n * testGenTime,
			Issuer:     branch,
			Payload:    []byte(fmt.Sprintf("%s%d", branch, n)),
		}
		if prev != nil {
			b.PreviousHash = prev.Hash
		}
		b.Seal()
		out = append(out, b)
		prev = b
	}
	return out
}

// fork returns base[:keep] followed by a new branch up to to.
func fork(base []*block.Block, keep int, branch string, to uint64) []*block.Block {
	out := append([]*block.Block(nil), base[:keep]...)
	return append(out, buildChain(branch, base[keep-1], uint64(keep), to)...)
}

func copyBlocks(in []*block.Block) []*block.Block {
	out := make([]*block.Block, len(in))
	for i, b := range in {
		out[i] = b.Copy()
	}
	return out
}

// fakePeer serves a fixed chain indexed by block number.
type fakePeer struct {
	id    string
	chain []*block.Block

	mu       sync.Mutex
	delay    time.Duration
	hang     bool
	err      error
	tamper   func(blocks []*block.Block) []*block.Block
	quantum  map[uint64]bool
	reads    map[uint64]int
	requests int
	inFlight int
	maxPar   int
}

func newFakePeer(id string, chain []*block.Block) *fakePeer {
	return &fakePeer{id: id, chain: chain, reads: make(map[uint64]int)}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) GetCurrent(ctx context.Context) (*block.Block, error) {
	if len(p.chain) == 0 {
		return nil, ErrBlockNotFound
	}
	return p.chain[len(p.chain)-1].Copy(), nil
}

func (p *fakePeer) GetBlock(ctx context.Context, number uint64) (*block.Block, error) {
	if number >= uint64(len(p.chain)) {
		return nil, ErrBlockNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.chain[number].Copy()
	p.reads[number]++
	if p.quantum[number] && p.reads[number] > 1 {
		b.Hash[0] ^= 0xff
	}
	return b, nil
}

func (p *fakePeer) GetBlocks(ctx context.Context, count int, from uint64) ([]*block.Block, error) {
	p.mu.Lock()
	p.requests++
	p.inFlight++
	if p.inFlight > p.maxPar {
		p.maxPar = p.inFlight
	}
	delay, hang, err, tamper := p.delay, p.hang, p.err, p.tamper
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if from >= uint64(len(p.chain)) {
		return nil, nil
	}
	end := min(from+uint64(count), uint64(len(p.chain)))
	blocks := copyBlocks(p.chain[from:end])
	if tamper != nil {
		blocks = tamper(blocks)
	}
	return blocks, nil
}

func (p *fakePeer) set(fn func(p *fakePeer)) {
	p.mu.Lock()
	fn(p)
	p.mu.Unlock()
}

func (p *fakePeer) stats() (requests, maxPar int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests, p.maxPar
}

// memLedger is an in-memory Ledger that only accepts blocks extending HEAD.
type memLedger struct {
	mu         sync.Mutex
	blocks     []*block.Block
	reject     func(b *block.Block) error
	applyCalls int
	fastCalls  int
}

func newMemLedger(blocks []*block.Block) *memLedger {
	return &memLedger{blocks: copyBlocks(blocks)}
}

func (l *memLedger) CurrentBlock() (*block.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) == 0 {
		return nil, nil
	}
	return l.blocks[len(l.blocks)-1], nil
}

func (l *memLedger) BlockByNumber(number uint64) (*block.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if number >= uint64(len(l.blocks)) {
		return nil, ErrBlockNotFound
	}
	return l.blocks[number], nil
}

func (l *memLedger) appendLocked(b *block.Block) error {
	if l.reject != nil {
		if err := l.reject(b); err != nil {
			return err
		}
	}
	if len(l.blocks) == 0 {
		if b.Number != 0 {
			return fmt.Errorf("%w: first block must be genesis", ErrBlockRejected)
		}
	} else if !b.Extends(l.blocks[len(l.blocks)-1]) {
		return fmt.Errorf("%w: #%d does not extend HEAD", ErrBlockRejected, b.Number)
	}
	l.blocks = append(l.blocks, b)
	return nil
}

func (l *memLedger) ApplyBlock(b *block.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyCalls++
	return l.appendLocked(b)
}

func (l *memLedger) ApplyBlocksFast(blocks []*block.Block, upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fastCalls++
	for _, b := range blocks {
		if b.Number > upTo {
			break
		}
		if err := l.appendLocked(b); err != nil {
			return err
		}
	}
	return nil
}

func (l *memLedger) RevertTo(number uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if number+1 < uint64(len(l.blocks)) {
		l.blocks = l.blocks[:number+1]
	}
	return nil
}

func (l *memLedger) hashes() []types.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Hash, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = b.Hash
	}
	return out
}

func (l *memLedger) head() *block.Block {
	b, _ := l.CurrentBlock()
	return b
}

// memCache is a ChunkCache holding JSON in memory.
type memCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Exists(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok, nil
}

func (c *memCache) ReadChunk(key string) ([]*block.Block, error) {
	c.mu.Lock()
	data, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("cache miss %s", key)
	}
	var doc struct {
		Blocks []*block.Block `json:"blocks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Blocks, nil
}

func (c *memCache) WriteChunk(key string, blocks []*block.Block) error {
	data, err := json.Marshal(struct {
		Blocks []*block.Block `json:"blocks"`
	}{blocks})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.data[key] = data
	c.writes++
	c.mu.Unlock()
	return nil
}

func (c *memCache) Remove(key string) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

func (c *memCache) raw(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key]
}

func peersOf(ps ...*fakePeer) []RemotePeer {
	out := make([]RemotePeer, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

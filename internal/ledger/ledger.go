// Package ledger implements the local chain the sync engine writes to: an
// append-only, revertible sequence of blocks persisted in a storage.DB.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingsync/internal/blocksync"
	"github.com/Klingon-tech/klingsync/internal/storage"
	"github.com/Klingon-tech/klingsync/pkg/block"
)

// Acceptor inspects a block before it is appended. A non-nil error rejects
// the block; the ledger wraps it in blocksync.ErrBlockRejected.
type Acceptor func(b *block.Block) error

// HeadHandler is called after HEAD moves, outside the ledger lock.
type HeadHandler func(head *block.Block)

// Ledger is the persistent local chain.
type Ledger struct {
	mu       sync.RWMutex
	store    *BlockStore
	head     *block.Block
	acceptor Acceptor
	onHead   HeadHandler
	logger   zerolog.Logger
}

var _ blocksync.Ledger = (*Ledger)(nil)

// Open loads the chain stored in db. An interrupted revert is completed
// before the ledger is returned.
func Open(db storage.DB, logger zerolog.Logger) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	l := &Ledger{store: NewBlockStore(db), logger: logger}

	hash, number, err := l.store.GetTip()
	if errors.Is(err, errNoTip) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}
	head, err := l.store.GetBlock(hash)
	if err != nil {
		return nil, fmt.Errorf("load tip block: %w", err)
	}
	if head.Number != number {
		return nil, fmt.Errorf("tip index says #%d, block is #%d", number, head.Number)
	}
	l.head = head

	if root, found := l.store.GetRevertPoint(); found {
		if root >= number {
			// Stale marker; Truncate clears it.
			return l, l.store.Truncate(head, number)
		}
		logger.Warn().Uint64("root", root).Uint64("height", number).Msg("Completing interrupted revert")
		if err := l.revertLocked(root); err != nil {
			return nil, fmt.Errorf("recover from interrupted revert: %w", err)
		}
	}
	return l, nil
}

// SetAcceptor installs the block content check.
func (l *Ledger) SetAcceptor(fn Acceptor) {
	l.mu.Lock()
	l.acceptor = fn
	l.mu.Unlock()
}

// SetHeadHandler installs the callback run when HEAD moves.
func (l *Ledger) SetHeadHandler(fn HeadHandler) {
	l.mu.Lock()
	l.onHead = fn
	l.mu.Unlock()
}

// CurrentBlock returns HEAD, or nil for an empty chain.
func (l *Ledger) CurrentBlock() (*block.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.head == nil {
		return nil, nil
	}
	return l.head.Copy(), nil
}

// Height returns the HEAD number and whether the chain has any block.
func (l *Ledger) Height() (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.head == nil {
		return 0, false
	}
	return l.head.Number, true
}

// BlockByNumber returns the block at number on the active chain.
func (l *Ledger) BlockByNumber(number uint64) (*block.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.head == nil || number > l.head.Number {
		return nil, fmt.Errorf("%w: #%d", blocksync.ErrBlockNotFound, number)
	}
	blk, err := l.store.GetBlockByNumber(number)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: #%d", blocksync.ErrBlockNotFound, number)
	}
	return blk, err
}

// BlocksFrom returns up to count consecutive blocks starting at from.
func (l *Ledger) BlocksFrom(from uint64, count int) ([]*block.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.head == nil || from > l.head.Number || count <= 0 {
		return nil, nil
	}
	last := min(from+uint64(count)-1, l.head.Number)
	out := make([]*block.Block, 0, last-from+1)
	for n := from; n <= last; n++ {
		blk, err := l.store.GetBlockByNumber(n)
		if err != nil {
			return nil, fmt.Errorf("block #%d: %w", n, err)
		}
		out = append(out, blk)
	}
	return out, nil
}

// ApplyBlock appends b on top of HEAD after checking its hashes, its link to
// HEAD and the acceptor.
func (l *Ledger) ApplyBlock(b *block.Block) error {
	if err := b.VerifyHashes(); err != nil {
		return fmt.Errorf("%w: %v", blocksync.ErrBlockRejected, err)
	}
	head, err := l.append([]*block.Block{b})
	if err != nil {
		return err
	}
	l.notify(head)
	return nil
}

// ApplyBlocksFast appends a run of blocks already verified by the chain link
// validator in a single write. Blocks above upTo are ignored.
func (l *Ledger) ApplyBlocksFast(blocks []*block.Block, upTo uint64) error {
	run := make([]*block.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Number > upTo {
			break
		}
		run = append(run, b)
	}
	if len(run) == 0 {
		return nil
	}
	head, err := l.append(run)
	if err != nil {
		return err
	}
	l.notify(head)
	return nil
}

func (l *Ledger) append(run []*block.Block) (*block.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.head
	for _, b := range run {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", blocksync.ErrBlockRejected, err)
		}
		if prev == nil {
			if b.Number != 0 {
				return nil, fmt.Errorf("%w: first block is #%d, want genesis", blocksync.ErrBlockRejected, b.Number)
			}
		} else if !b.Extends(prev) {
			return nil, fmt.Errorf("%w: #%d does not extend #%d", blocksync.ErrBlockRejected, b.Number, prev.Number)
		}
		if l.acceptor != nil {
			if err := l.acceptor(b); err != nil {
				return nil, fmt.Errorf("%w: #%d: %v", blocksync.ErrBlockRejected, b.Number, err)
			}
		}
		prev = b
	}

	if err := l.store.PutBlocks(run); err != nil {
		return nil, fmt.Errorf("store blocks: %w", err)
	}
	l.head = prev.Copy()
	return l.head.Copy(), nil
}

// RevertTo removes every block above number. Reverting to HEAD or above is
// a no-op.
func (l *Ledger) RevertTo(number uint64) error {
	l.mu.Lock()
	if l.head == nil || number >= l.head.Number {
		l.mu.Unlock()
		return nil
	}
	if err := l.store.PutRevertPoint(number); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("mark revert: %w", err)
	}
	err := l.revertLocked(number)
	head := l.head.Copy()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.notify(head)
	return nil
}

func (l *Ledger) revertLocked(number uint64) error {
	keep, err := l.store.GetBlockByNumber(number)
	if err != nil {
		return fmt.Errorf("load revert root #%d: %w", number, err)
	}
	from := l.head.Number
	if err := l.store.Truncate(keep, from); err != nil {
		return fmt.Errorf("truncate above #%d: %w", number, err)
	}
	l.head = keep
	l.logger.Info().
		Uint64("root", number).
		Uint64("removed", from-number).
		Msg("Reverted chain")
	return nil
}

func (l *Ledger) notify(head *block.Block) {
	l.mu.RLock()
	fn := l.onHead
	l.mu.RUnlock()
	if fn != nil {
		fn(head)
	}
}

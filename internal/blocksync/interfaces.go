package blocksync

import (
	"context"

	"github.com/Klingon-tech/klingsync/pkg/block"
	"github.com/Klingon-tech/klingsync/pkg/types"
)

// RemotePeer is a peer able to serve blocks.
type RemotePeer interface {
	// ID returns a stable identifier for the peer.
	ID() string
	// GetCurrent returns the peer's HEAD.
	GetCurrent(ctx context.Context) (*block.Block, error)
	// GetBlock returns the block at number, or ErrBlockNotFound.
	GetBlock(ctx context.Context, number uint64) (*block.Block, error)
	// GetBlocks returns up to count blocks starting at from.
	GetBlocks(ctx context.Context, count int, from uint64) ([]*block.Block, error)
}

// LocalLedger is the read side of the local chain.
type LocalLedger interface {
	// CurrentBlock returns HEAD, or nil when the chain is empty.
	CurrentBlock() (*block.Block, error)
	// BlockByNumber returns the local block at number.
	BlockByNumber(number uint64) (*block.Block, error)
}

// LedgerApply is the write side of the local chain.
type LedgerApply interface {
	// ApplyBlock appends one block on top of HEAD. A content rejection
	// wraps ErrBlockRejected.
	ApplyBlock(b *block.Block) error
	// ApplyBlocksFast appends a contiguous run of blocks, ignoring blocks
	// above upTo.
	ApplyBlocksFast(blocks []*block.Block, upTo uint64) error
	// RevertTo removes every block above number.
	RevertTo(number uint64) error
}

// Ledger combines both sides of the local chain.
type Ledger interface {
	LocalLedger
	LedgerApply
}

// ChunkCache stores verified chunks between sync sessions.
type ChunkCache interface {
	Exists(key string) (bool, error)
	ReadChunk(key string) ([]*block.Block, error)
	WriteChunk(key string, blocks []*block.Block) error
	Remove(key string) error
}

// Hasher recomputes block hashes from the canonical encoding.
type Hasher interface {
	InnerHash(b *block.Block) types.Hash
	Hash(b *block.Block) types.Hash
}

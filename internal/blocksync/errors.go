package blocksync

import (
	"errors"

	"github.com/Klingon-tech/klingsync/pkg/block"
)

// Chain integrity errors returned by the chain link validator.
var (
	ErrEmptyChunk        = errors.New("empty chunk")
	ErrMalformedBlock    = errors.New("malformed block")
	ErrBrokenLink        = errors.New("broken chain link")
	ErrVersionJump       = errors.New("block version jump")
	ErrInnerHashMismatch = block.ErrInnerHashMismatch
	ErrHashMismatch      = block.ErrHashMismatch
	ErrTargetMismatch    = errors.New("chunk does not end at target hash")
	ErrBadHandoff        = errors.New("chunk does not hand off to next chunk")
)

// Peer and session errors.
var (
	ErrNoPeersAvailable = errors.New("no peers available")
	ErrBlockNotFound    = errors.New("block not found")
	ErrBadResponse      = errors.New("malformed peer response")
	ErrSessionClosed    = errors.New("sync session closed")
	ErrCacheCorrupted   = errors.New("cached chunk differs from verified chunk")
)

// Ledger and fork errors.
var (
	ErrBlockRejected      = errors.New("block rejected by ledger")
	ErrEmptyLocalChain    = errors.New("local chain is empty")
	ErrNoCommonRoot       = errors.New("no common root")
	ErrForkTooDeep        = errors.New("fork deeper than max fork depth")
	ErrInconsistentRemote = errors.New("remote chain changed during fork search")
	ErrLedgerInconsistent = errors.New("local chain could not be restored")
)

// isNoRoot reports whether err means the fork resolver found no usable root.
func isNoRoot(err error) bool {
	return errors.Is(err, ErrNoCommonRoot) ||
		errors.Is(err, ErrForkTooDeep) ||
		errors.Is(err, ErrInconsistentRemote)
}

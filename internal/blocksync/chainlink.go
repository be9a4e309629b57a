package blocksync

import (
	"fmt"

	"github.com/Klingon-tech/klingsync/pkg/block"
	"github.com/Klingon-tech/klingsync/pkg/types"
)

// Anchor is the trusted tail of a download.
type Anchor struct {
	Number uint64
	Hash   types.Hash
}

// ChainLinkValidator proves that a run of blocks is internally chained and
// attached either to the target anchor or to the chunk above it.
type ChainLinkValidator struct {
	hasher    Hasher
	chunkSize int
}

// NewChainLinkValidator creates a validator. A chunkSize of 0 disables the
// short-tail rule, so only a block numbered like the anchor is compared to it.
func NewChainLinkValidator(hasher Hasher, chunkSize int) *ChainLinkValidator {
	if hasher == nil {
		hasher = block.Hasher{}
	}
	return &ChainLinkValidator{hasher: hasher, chunkSize: chunkSize}
}

// Validate checks blocks in ascending order. next is the first block of the
// already verified chunk above, or nil for the top chunk.
func (v *ChainLinkValidator) Validate(blocks []*block.Block, next *block.Block, target Anchor) error {
	if len(blocks) == 0 {
		return ErrEmptyChunk
	}

	for i, b := range blocks {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedBlock, err)
		}
		if i == 0 {
			continue
		}
		prev := blocks[i-1]
		if b.Number != prev.Number+1 || b.PreviousHash != prev.Hash {
			return fmt.Errorf("%w: #%d does not follow #%d", ErrBrokenLink, b.Number, prev.Number)
		}
		if b.Version != prev.Version && b.Version != prev.Version+1 {
			return fmt.Errorf("%w: #%d has version %d after %d", ErrVersionJump, b.Number, b.Version, prev.Version)
		}
	}

	for _, b := range blocks {
		if got := v.hasher.InnerHash(b); got != b.InnerHash {
			return fmt.Errorf("%w at #%d", ErrInnerHashMismatch, b.Number)
		}
		if got := v.hasher.Hash(b); got != b.Hash {
			return fmt.Errorf("%w at #%d", ErrHashMismatch, b.Number)
		}
	}

	last := blocks[len(blocks)-1]
	short := v.chunkSize > 0 && len(blocks) < v.chunkSize
	if last.Number == target.Number || short {
		if last.Number != target.Number || last.Hash != target.Hash {
			return fmt.Errorf("%w: last #%d %s, target #%d %s",
				ErrTargetMismatch, last.Number, last.Hash.Short(), target.Number, target.Hash.Short())
		}
		return nil
	}

	if next != nil && (next.Number != last.Number+1 || next.PreviousHash != last.Hash) {
		return fmt.Errorf("%w: #%d then #%d", ErrBadHandoff, last.Number, next.Number)
	}
	return nil
}

// ChainsCorrectly is the boolean form of Validate.
func (v *ChainLinkValidator) ChainsCorrectly(blocks []*block.Block, next *block.Block, target Anchor) bool {
	return v.Validate(blocks, next, target) == nil
}

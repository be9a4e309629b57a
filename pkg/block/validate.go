package block

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrNilBlock           = errors.New("nil block")
	ErrPayloadTooLarge    = errors.New("block payload too large")
	ErrSignatureTooLarge  = errors.New("block signature too large")
	ErrIssuerTooLong      = errors.New("block issuer too long")
	ErrInnerHashMismatch  = errors.New("inner hash mismatch")
	ErrHashMismatch       = errors.New("block hash mismatch")
	ErrGenesisHasPrevious = errors.New("genesis block must not reference a previous hash")
)

// Size limits enforced on blocks received from peers.
const (
	MaxPayloadSize   = 1 << 20
	MaxSignatureSize = 512
	MaxIssuerLength  = 1024
)

// Validate checks the structure of a single block. It does not inspect the
// payload and does not check linkage to other blocks.
func (b *Block) Validate() error {
	if b == nil {
		return ErrNilBlock
	}
	if len(b.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(b.Payload), MaxPayloadSize)
	}
	if len(b.Signature) > MaxSignatureSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrSignatureTooLarge, len(b.Signature), MaxSignatureSize)
	}
	if len(b.Issuer) > MaxIssuerLength {
		return fmt.Errorf("%w: %d bytes, max %d", ErrIssuerTooLong, len(b.Issuer), MaxIssuerLength)
	}
	if b.Number == 0 && !b.PreviousHash.IsZero() {
		return ErrGenesisHasPrevious
	}
	return nil
}

// VerifyHashes recomputes both hashes and compares them to the stored ones.
func (b *Block) VerifyHashes() error {
	if got := b.ComputeInnerHash(); got != b.InnerHash {
		return fmt.Errorf("%w at #%d: stored %s, computed %s", ErrInnerHashMismatch, b.Number, b.InnerHash.Short(), got.Short())
	}
	if got := b.ComputeHash(); got != b.Hash {
		return fmt.Errorf("%w at #%d: stored %s, computed %s", ErrHashMismatch, b.Number, b.Hash.Short(), got.Short())
	}
	return nil
}

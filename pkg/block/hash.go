package block

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingsync/pkg/crypto"
	"github.com/Klingon-tech/klingsync/pkg/types"
)

// InnerBytes returns the canonical bytes covered by the inner hash.
// Format: version(4) | number(8) | previous_hash(32) | median_time(8) |
// issuer_len(2) | issuer | payload_hash(32)
func (b *Block) InnerBytes() []byte {
	buf := make([]byte, 0, 86+len(b.Issuer))
	buf = binary.LittleEndian.AppendUint32(buf, b.Version)
	buf = binary.LittleEndian.AppendUint64(buf, b.Number)
	buf = append(buf, b.PreviousHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, b.MedianTime)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b.Issuer)))
	buf = append(buf, b.Issuer...)
	payloadHash := crypto.Hash(b.Payload)
	buf = append(buf, payloadHash[:]...)
	return buf
}

// ComputeInnerHash recomputes the inner hash from the block content.
func (b *Block) ComputeInnerHash() types.Hash {
	return crypto.Hash(b.InnerBytes())
}

// ComputeHash recomputes the block hash from the stored inner hash, the
// nonce and the signature.
func (b *Block) ComputeHash() types.Hash {
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], b.Nonce)
	return crypto.HashParts(b.InnerHash[:], nonce[:], b.Signature)
}

// Seal fills InnerHash and Hash from the block content.
func (b *Block) Seal() *Block {
	b.InnerHash = b.ComputeInnerHash()
	b.Hash = b.ComputeHash()
	return b
}

// Hasher recomputes block hashes from their canonical encoding.
type Hasher struct{}

// InnerHash implements the inner hash recomputation.
func (Hasher) InnerHash(b *Block) types.Hash { return b.ComputeInnerHash() }

// Hash implements the block hash recomputation.
func (Hasher) Hash(b *Block) types.Hash { return b.ComputeHash() }

// Package block defines the block record exchanged during sync and its
// canonical hashing.
package block

import (
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingsync/pkg/types"
)

// Block is a single ledger entry. Payload is opaque to the sync engine.
type Block struct {
	Version      uint32
	Number       uint64
	PreviousHash types.Hash
	MedianTime   uint64
	Issuer       string
	Payload      []byte
	InnerHash    types.Hash
	Nonce        uint64
	Signature    []byte
	Hash         types.Hash
}

// blockJSON is the wire form of Block with hex-encoded payload and signature.
type blockJSON struct {
	Version      uint32     `json:"version"`
	Number       uint64     `json:"number"`
	PreviousHash types.Hash `json:"previous_hash"`
	MedianTime   uint64     `json:"median_time"`
	Issuer       string     `json:"issuer,omitempty"`
	Payload      string     `json:"payload,omitempty"`
	InnerHash    types.Hash `json:"inner_hash"`
	Nonce        uint64     `json:"nonce"`
	Signature    string     `json:"signature,omitempty"`
	Hash         types.Hash `json:"hash"`
}

// MarshalJSON encodes the block with hex-encoded payload and signature.
func (b *Block) MarshalJSON() ([]byte, error) {
	j := blockJSON{
		Version:      b.Version,
		Number:       b.Number,
		PreviousHash: b.PreviousHash,
		MedianTime:   b.MedianTime,
		Issuer:       b.Issuer,
		InnerHash:    b.InnerHash,
		Nonce:        b.Nonce,
		Hash:         b.Hash,
	}
	if len(b.Payload) > 0 {
		j.Payload = hex.EncodeToString(b.Payload)
	}
	if len(b.Signature) > 0 {
		j.Signature = hex.EncodeToString(b.Signature)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a block with hex-encoded payload and signature.
func (b *Block) UnmarshalJSON(data []byte) error {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*b = Block{
		Version:      j.Version,
		Number:       j.Number,
		PreviousHash: j.PreviousHash,
		MedianTime:   j.MedianTime,
		Issuer:       j.Issuer,
		InnerHash:    j.InnerHash,
		Nonce:        j.Nonce,
		Hash:         j.Hash,
	}
	if j.Payload != "" {
		p, err := hex.DecodeString(j.Payload)
		if err != nil {
			return err
		}
		b.Payload = p
	}
	if j.Signature != "" {
		s, err := hex.DecodeString(j.Signature)
		if err != nil {
			return err
		}
		b.Signature = s
	}
	return nil
}

// Extends reports whether b directly follows prev: consecutive number and
// matching previous hash.
func (b *Block) Extends(prev *Block) bool {
	return prev != nil && b.Number == prev.Number+1 && b.PreviousHash == prev.Hash
}

// Copy returns a deep copy of the block.
func (b *Block) Copy() *Block {
	c := *b
	if b.Payload != nil {
		c.Payload = append([]byte(nil), b.Payload...)
	}
	if b.Signature != nil {
		c.Signature = append([]byte(nil), b.Signature...)
	}
	return &c
}

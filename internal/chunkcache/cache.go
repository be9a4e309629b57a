// Package chunkcache persists verified chunks so that a sync restarted from
// genesis can skip the network for the chunks it already has.
package chunkcache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingsync/internal/blocksync"
	"github.com/Klingon-tech/klingsync/internal/storage"
	"github.com/Klingon-tech/klingsync/pkg/block"
)

// Cache kinds accepted by Open.
const (
	KindFile = "file"
	KindDB   = "db"
	KindNone = "none"
)

// document is the on-disk form of one chunk.
type document struct {
	Blocks []*block.Block `json:"blocks"`
}

func encode(blocks []*block.Block) ([]byte, error) {
	return json.Marshal(document{Blocks: blocks})
}

func decode(data []byte) ([]*block.Block, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	if len(doc.Blocks) == 0 {
		return nil, fmt.Errorf("decode chunk: no blocks")
	}
	return doc.Blocks, nil
}

// validKey rejects keys that could escape the cache namespace.
func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("invalid chunk key %q", key)
	}
	return nil
}

// Open returns the cache of the given kind. KindNone returns a nil cache,
// which disables caching.
func Open(kind, dir string, db storage.DB) (blocksync.ChunkCache, error) {
	switch kind {
	case KindFile:
		c, err := NewFileCache(dir)
		if err != nil {
			return nil, err
		}
		return c, nil
	case KindDB:
		if db == nil {
			return nil, fmt.Errorf("db chunk cache needs a database")
		}
		return NewDBCache(db), nil
	case KindNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown chunk cache %q", kind)
	}
}

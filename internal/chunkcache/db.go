package chunkcache

import (
	"errors"

	"github.com/Klingon-tech/klingsync/internal/log"
	"github.com/Klingon-tech/klingsync/internal/storage"
	"github.com/Klingon-tech/klingsync/pkg/block"
)

// chunkPrefix namespaces cached chunks inside the node database.
var chunkPrefix = []byte("c/")

// DBCache keeps chunks in the node's key-value store.
type DBCache struct {
	db *storage.PrefixDB
}

// NewDBCache returns a cache stored in db under its own prefix.
func NewDBCache(db storage.DB) *DBCache {
	return &DBCache{db: storage.NewPrefixDB(db, chunkPrefix)}
}

// Exists reports whether a chunk is stored under key.
func (c *DBCache) Exists(key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	return c.db.Has([]byte(key))
}

// ReadChunk loads the chunk stored under key.
func (c *DBCache) ReadChunk(key string) ([]*block.Block, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := c.db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// WriteChunk stores blocks under key.
func (c *DBCache) WriteChunk(key string, blocks []*block.Block) error {
	if err := validKey(key); err != nil {
		return err
	}
	data, err := encode(blocks)
	if err != nil {
		return err
	}
	return c.db.Put([]byte(key), data)
}

// Remove deletes the chunk stored under key.
func (c *DBCache) Remove(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := c.db.Delete([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Clear removes every cached chunk.
func (c *DBCache) Clear() error {
	if err := c.db.DeleteAll(); err != nil {
		return err
	}
	log.Cache.Debug().Msg("Chunk cache cleared")
	return nil
}

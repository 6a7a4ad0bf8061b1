package storage

import "github.com/tolelom/tolconsensus/model"

// Batch is an atomic write buffer. All operations are applied together
// via Write() or discarded together on error, preventing partial commits.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
}

// BlockStore persists admitted blocks and per-thread finality pointers. A
// restarted node still seeds its graph at genesis; the stored pointers are
// read back only to report how far the chain had been finalized.
// Both LevelBlockStore and the in-memory test double implement it.
type BlockStore interface {
	PutBlock(block *model.Block) error
	GetBlock(hash model.Hash) (*model.Block, error)
	GetBlockBySlot(slot model.Slot) (*model.Block, error)
	SetLatestFinal(thread uint8, hash model.Hash, slot model.Slot) error
	GetLatestFinal(thread uint8) (model.Hash, model.Slot, bool, error)
}

// DB is the generic key-value store interface.
type DB interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIterator(prefix []byte) Iterator
	NewBatch() Batch
	Close() error
}

// Iterator walks key-value pairs matching a prefix.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tolelom/tolconsensus/model"
)

// ErrNotFound is returned by Get and the block store lookups when a key is
// absent, independent of the underlying engine's own not-found sentinel.
var ErrNotFound = errors.New("storage: not found")

// LevelDB implements DB using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (l *LevelDB) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, batch: new(leveldb.Batch)}
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *levelBatch) Set(key, value []byte) { b.batch.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.batch.Delete(key) }
func (b *levelBatch) Write() error          { return b.db.Write(b.batch, nil) }
func (b *levelBatch) Reset()                { b.batch.Reset() }

// ---- BlockStore implementation ----

// blockKey / slotKey / finalKey namespace the flat LevelDB keyspace.
func blockKey(hash model.Hash) []byte { return []byte("block:" + string(hash)) }
func slotKey(s model.Slot) []byte     { return []byte(fmt.Sprintf("slot:%d:%d", s.Period, s.Thread)) }
func finalKey(thread uint8) []byte    { return []byte(fmt.Sprintf("final:%d", thread)) }

// LevelBlockStore persists admitted blocks and the per-thread latest-final
// pointer in LevelDB. Nothing re-seeds the graph from it on restart.
type LevelBlockStore struct {
	db *LevelDB
}

// NewLevelBlockStore wraps a LevelDB instance as a BlockStore.
func NewLevelBlockStore(db *LevelDB) *LevelBlockStore {
	return &LevelBlockStore{db: db}
}

// PutBlock persists block under both its hash and its slot, so a node can
// look it up either way.
func (s *LevelBlockStore) PutBlock(block *model.Block) error {
	hash, err := block.ComputeHash()
	if err != nil {
		return fmt.Errorf("storage: compute hash: %w", err)
	}
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("storage: marshal block: %w", err)
	}
	batch := s.db.NewBatch()
	batch.Set(blockKey(hash), data)
	batch.Set(slotKey(block.Header.Slot), []byte(hash))
	return batch.Write()
}

// GetBlock looks a block up by hash.
func (s *LevelBlockStore) GetBlock(hash model.Hash) (*model.Block, error) {
	data, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	var b model.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("storage: unmarshal block: %w", err)
	}
	return &b, nil
}

// GetBlockBySlot looks a block up by (period, thread).
func (s *LevelBlockStore) GetBlockBySlot(slot model.Slot) (*model.Block, error) {
	hash, err := s.db.Get(slotKey(slot))
	if err != nil {
		return nil, err
	}
	return s.GetBlock(model.Hash(hash))
}

// SetLatestFinal records the latest finalized (hash, slot) for thread; at
// startup the node reads it back only to log where each thread stood.
func (s *LevelBlockStore) SetLatestFinal(thread uint8, hash model.Hash, slot model.Slot) error {
	data, err := json.Marshal(struct {
		Hash model.Hash `json:"hash"`
		Slot model.Slot `json:"slot"`
	}{hash, slot})
	if err != nil {
		return err
	}
	return s.db.Set(finalKey(thread), data)
}

// GetLatestFinal returns the recorded latest-final pointer for thread, or
// (ZeroHash, Slot{}, false) if nothing has been recorded yet.
func (s *LevelBlockStore) GetLatestFinal(thread uint8) (model.Hash, model.Slot, bool, error) {
	data, err := s.db.Get(finalKey(thread))
	if errors.Is(err, ErrNotFound) {
		return model.ZeroHash, model.Slot{}, false, nil
	}
	if err != nil {
		return model.ZeroHash, model.Slot{}, false, err
	}
	var rec struct {
		Hash model.Hash `json:"hash"`
		Slot model.Slot `json:"slot"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.ZeroHash, model.Slot{}, false, fmt.Errorf("storage: unmarshal final pointer: %w", err)
	}
	return rec.Hash, rec.Slot, true, nil
}

// Package testutil provides in-memory implementations of storage and
// protocol interfaces for use in tests across the module. Never import
// this in production code.
package testutil

import (
	"strings"
	"sync"

	"github.com/tolelom/tolconsensus/model"
	"github.com/tolelom/tolconsensus/protocol"
	"github.com/tolelom/tolconsensus/storage"
)

// MemDB is a thread-safe in-memory storage.DB for tests.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemDB creates an empty MemDB.
func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (m *MemDB) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func (m *MemDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemDB) NewIterator(prefix []byte) storage.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := string(prefix)
	var pairs []kv
	for k, v := range m.data {
		if strings.HasPrefix(k, p) {
			cp := make([]byte, len(v))
			copy(cp, v)
			pairs = append(pairs, kv{k: []byte(k), v: cp})
		}
	}
	return &memIter{pairs: pairs, idx: -1}
}

func (m *MemDB) NewBatch() storage.Batch {
	return &memBatch{db: m}
}

func (m *MemDB) Close() error { return nil }

// memBatch is an in-memory atomic write buffer for MemDB.
type memBatch struct {
	db  *MemDB
	ops []memBatchOp
}

type memBatchOp struct {
	key   string
	value []byte // nil means delete
}

func (b *memBatch) Set(key, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.ops = append(b.ops, memBatchOp{string(key), cp})
}

func (b *memBatch) Delete(key []byte) {
	b.ops = append(b.ops, memBatchOp{string(key), nil})
}

func (b *memBatch) Reset() { b.ops = nil }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.value == nil {
			delete(b.db.data, op.key)
		} else {
			b.db.data[op.key] = op.value
		}
	}
	return nil
}

type kv struct{ k, v []byte }

type memIter struct {
	pairs []kv
	idx   int
}

func (it *memIter) Next() bool    { it.idx++; return it.idx < len(it.pairs) }
func (it *memIter) Key() []byte   { return it.pairs[it.idx].k }
func (it *memIter) Value() []byte { return it.pairs[it.idx].v }
func (it *memIter) Release()      {}
func (it *memIter) Error() error  { return nil }

// MemBlockStore is an in-memory stand-in for storage.LevelBlockStore,
// keyed the same way: by hash, by slot, and by per-thread latest-final
// pointer.
type MemBlockStore struct {
	mu     sync.RWMutex
	blocks map[model.Hash]*model.Block
	bySlot map[model.Slot]model.Hash
	final  map[uint8]finalPointer
}

type finalPointer struct {
	hash model.Hash
	slot model.Slot
}

// NewMemBlockStore creates an empty MemBlockStore.
func NewMemBlockStore() *MemBlockStore {
	return &MemBlockStore{
		blocks: make(map[model.Hash]*model.Block),
		bySlot: make(map[model.Slot]model.Hash),
		final:  make(map[uint8]finalPointer),
	}
}

func (s *MemBlockStore) PutBlock(block *model.Block) error {
	hash, err := block.ComputeHash()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[hash] = block
	s.bySlot[block.Header.Slot] = hash
	return nil
}

func (s *MemBlockStore) GetBlock(hash model.Hash) (*model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b, nil
}

func (s *MemBlockStore) GetBlockBySlot(slot model.Slot) (*model.Block, error) {
	s.mu.RLock()
	hash, ok := s.bySlot[slot]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetBlock(hash)
}

func (s *MemBlockStore) SetLatestFinal(thread uint8, hash model.Hash, slot model.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final[thread] = finalPointer{hash: hash, slot: slot}
	return nil
}

func (s *MemBlockStore) GetLatestFinal(thread uint8) (model.Hash, model.Slot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.final[thread]
	if !ok {
		return model.ZeroHash, model.Slot{}, false, nil
	}
	return fp.hash, fp.slot, true, nil
}

// FakeProtocol is an in-memory stand-in for the protocol layer: it
// implements both protocol.ProtocolCommandSender and
// protocol.ProtocolEventReceiver so a consensus worker can be driven end
// to end in a test without any real network I/O. Tests inject events with
// Push and inspect outbound commands with Sent.
type FakeProtocol struct {
	mu   sync.Mutex
	sent []protocol.ProtocolCommand
	ch   chan protocol.ProtocolEvent
}

// NewFakeProtocol creates a FakeProtocol with a reasonably large event
// buffer so a test can queue several events before the worker starts.
func NewFakeProtocol() *FakeProtocol {
	return &FakeProtocol{ch: make(chan protocol.ProtocolEvent, 256)}
}

// Events implements protocol.ProtocolEventReceiver.
func (f *FakeProtocol) Events() <-chan protocol.ProtocolEvent { return f.ch }

// SendCommand implements protocol.ProtocolCommandSender: it records cmd
// instead of routing it to any real peer.
func (f *FakeProtocol) SendCommand(cmd protocol.ProtocolCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

// Push injects an event as if it had arrived from the protocol layer.
func (f *FakeProtocol) Push(ev protocol.ProtocolEvent) { f.ch <- ev }

// Close simulates the protocol layer going away: the next read from
// Events() yields the zero value with ok=false, which the worker loop
// treats as fatal.
func (f *FakeProtocol) Close() { close(f.ch) }

// Sent returns a snapshot of every command recorded so far.
func (f *FakeProtocol) Sent() []protocol.ProtocolCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ProtocolCommand(nil), f.sent...)
}

package fragbench

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

type MemOptions struct {
	// Name is the database name reported to Listener.
	Name string

	// TombstoneSize is the number of bytes a deleted record keeps occupying
	// in the store's accounting. Defaults to DefaultTombstoneBytes.
	TombstoneSize int

	NodeName string
	Listener LifecycleListener
}

// MemStore is a transient in-memory Store intended for tests. Each
// transaction works on a snapshot of the record map; only one writable
// transaction runs at a time.
//
// MemStore is also a Prober: its snapshot reports payload bytes as primary
// data and tombstone residue as secondary data.
type MemStore struct {
	opt MemOptions

	mu         sync.Mutex
	cond       *sync.Cond
	records    map[RecordID]*record
	lastID     RecordID
	tombstones int
	writer     bool
	closed     bool
	commits    uint64
	failCommit func(seq uint64) error
}

var (
	_ Store         = (*MemStore)(nil)
	_ StatsReporter = (*MemStore)(nil)
	_ Prober        = (*MemStore)(nil)
)

func NewMemStore(opt MemOptions) *MemStore {
	if opt.Name == "" {
		opt.Name = "records"
	}
	if opt.TombstoneSize == 0 {
		opt.TombstoneSize = DefaultTombstoneBytes
	}
	s := &MemStore{
		opt:     opt,
		records: make(map[RecordID]*record),
	}
	s.cond = sync.NewCond(&s.mu)
	notifyStatus(opt.Listener, opt.NodeName, opt.Name, StatusOnline)
	return s
}

// FailCommits installs a hook consulted by every Commit with a 1-based
// commit attempt number. A non-nil error fails the commit and discards the
// transaction's changes. Pass nil to remove the hook.
func (s *MemStore) FailCommits(f func(seq uint64) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = f
}

func (s *MemStore) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.writer && !s.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
	if s.closed {
		return nil, ErrStoreClosed
	}
	s.writer = true

	return &memTxn{
		store:      s,
		records:    maps.Clone(s.records),
		owned:      make(map[RecordID]bool),
		lastID:     s.lastID,
		tombstones: s.tombstones,
	}, nil
}

func (s *MemStore) RecordIDs(ctx context.Context) ([]RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ids := slices.Collect(maps.Keys(s.records))
	slices.Sort(ids)
	return ids, nil
}

func (s *MemStore) StoreStats(ctx context.Context) (StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st StoreStats
	st.Records = len(s.records)
	st.Tombstones = s.tombstones
	for _, rec := range s.records {
		st.DataInuse += int64(recordSize(rec))
	}
	st.DataAlloc = st.DataInuse
	st.MetaInuse = int64(s.tombstones * s.opt.TombstoneSize)
	st.MetaAlloc = st.MetaInuse
	st.FileSize = st.DataAlloc + st.MetaAlloc
	return st, nil
}

func (s *MemStore) Snapshot(ctx context.Context) (SizeSnapshot, error) {
	st, err := s.StoreStats(ctx)
	if err != nil {
		return SizeSnapshot{}, err
	}
	snap := SizeSnapshot{
		Taken:     time.Now(),
		Location:  "mem:" + s.opt.Name,
		Primary:   st.DataInuse,
		Secondary: st.MetaInuse,
	}
	snap.Allocated = snap.Total()
	return snap, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	notifyStatus(s.opt.Listener, s.opt.NodeName, s.opt.Name, StatusOffline)
	return nil
}

func recordSize(rec *record) int {
	n := len(rec.Type)
	for k, v := range rec.Props {
		n += len(k) + len(v)
	}
	return n
}

type memTxn struct {
	store      *MemStore
	records    map[RecordID]*record
	owned      map[RecordID]bool
	lastID     RecordID
	tombstones int
	closed     bool
}

func (txn *memTxn) AddRecord(typeTag, payload string) (RecordID, error) {
	if txn.closed {
		return 0, ErrTxClosed
	}
	txn.lastID++
	id := txn.lastID
	txn.records[id] = &record{Type: typeTag, Props: map[string]string{PayloadProperty: payload}}
	txn.owned[id] = true
	return id, nil
}

func (txn *memTxn) DeleteRecord(id RecordID) error {
	if txn.closed {
		return ErrTxClosed
	}
	if txn.records[id] == nil {
		return ErrRecordNotFound
	}
	delete(txn.records, id)
	delete(txn.owned, id)
	txn.tombstones++
	return nil
}

func (txn *memTxn) ClearProperties(id RecordID) error {
	rec, err := txn.writable(id)
	if err != nil {
		return err
	}
	rec.Props = nil
	return nil
}

func (txn *memTxn) SetPayload(id RecordID, payload string) error {
	rec, err := txn.writable(id)
	if err != nil {
		return err
	}
	if rec.Props == nil {
		rec.Props = make(map[string]string, 1)
	}
	rec.Props[PayloadProperty] = payload
	return nil
}

func (txn *memTxn) Payload(id RecordID) (string, bool, error) {
	if txn.closed {
		return "", false, ErrTxClosed
	}
	rec := txn.records[id]
	if rec == nil {
		return "", false, ErrRecordNotFound
	}
	v, ok := rec.payload()
	return v, ok, nil
}

// writable returns a copy of the record private to this transaction.
func (txn *memTxn) writable(id RecordID) (*record, error) {
	if txn.closed {
		return nil, ErrTxClosed
	}
	rec := txn.records[id]
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	if !txn.owned[id] {
		rec = rec.clone()
		txn.records[id] = rec
		txn.owned[id] = true
	}
	return rec, nil
}

func (txn *memTxn) Commit() error {
	if txn.closed {
		return ErrTxClosed
	}
	s := txn.store
	s.mu.Lock()
	defer s.mu.Unlock()
	defer txn.closeLocked()
	if s.closed {
		return ErrStoreClosed
	}
	s.commits++
	if s.failCommit != nil {
		if err := s.failCommit(s.commits); err != nil {
			return fmt.Errorf("mem store: commit %d: %w", s.commits, err)
		}
	}
	s.records = txn.records
	s.lastID = txn.lastID
	s.tombstones = txn.tombstones
	return nil
}

func (txn *memTxn) Rollback() error {
	txn.store.mu.Lock()
	defer txn.store.mu.Unlock()
	txn.closeLocked()
	return nil
}

func (txn *memTxn) closeLocked() {
	if txn.closed {
		return
	}
	txn.closed = true
	txn.store.writer = false
	txn.store.cond.Broadcast()
}

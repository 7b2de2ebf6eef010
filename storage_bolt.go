package fragbench

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyvit/fragbench/journal"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

const trackTxns = true

// BoltDataExt is the file extension of the Bolt store's data file.
const BoltDataExt = "pcl"

var (
	recordsBucket   = []byte("records")
	positionsBucket = []byte("positions")
)

// Position entries live in positionsBucket: state byte, version (uvarint),
// encoded value size (uvarint). Deleted records keep a tombstone entry, so
// a tombstone costs an 8-byte key plus a few bytes of value.
const (
	posLive      byte = 1
	posTombstone byte = 2
)

type BoltOptions struct {
	// Name is the base name of the data file and journal segments.
	Name string

	// WALDir holds journal segments. Empty disables the journal.
	WALDir string

	// ReadOnly opens an existing data file without modifying it. The file
	// must exist and the journal is not opened.
	ReadOnly bool

	Compression        Compression
	NoSync             bool
	MmapSize           int
	JournalSegmentSize int64

	// NodeName and Listener receive ONLINE/OFFLINE status changes.
	NodeName string
	Listener LifecycleListener

	Logger  *slog.Logger
	Verbose bool
}

// BoltStore keeps records in a Bolt file and appends every committed
// transaction to a journal.
type BoltStore struct {
	bdb         *bbolt.DB
	dir         string
	name        string
	compression Compression
	journal     *journal.Journal
	logger      *slog.Logger
	verbose     bool
	node        string
	listener    LifecycleListener

	txnSeq atomic.Uint64
	closed atomic.Bool

	txns     []*boltTxn
	txnsLock sync.Mutex
}

var (
	_ Store         = (*BoltStore)(nil)
	_ StatsReporter = (*BoltStore)(nil)
)

func OpenBolt(dir string, opt BoltOptions) (*BoltStore, error) {
	if opt.Name == "" {
		opt.Name = "records"
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if err := opt.Compression.Validate(); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, opt.Name+"."+BoltDataExt)
	if opt.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("bolt store: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("bolt store: %w", err)
	}

	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bopt.FreelistType = bbolt.FreelistMapType
	if opt.NoSync && !opt.ReadOnly {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}
	bopt.ReadOnly = opt.ReadOnly

	bdb, err := bbolt.Open(path, 0o666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("bolt store: %w", err)
	}
	if opt.ReadOnly {
		err = bdb.View(func(btx *bbolt.Tx) error {
			for _, name := range [][]byte{recordsBucket, positionsBucket} {
				if btx.Bucket(name) == nil {
					return fmt.Errorf("%s: missing bucket %q", path, name)
				}
			}
			return nil
		})
	} else {
		err = bdb.Update(func(btx *bbolt.Tx) error {
			if _, err := btx.CreateBucketIfNotExists(recordsBucket); err != nil {
				return err
			}
			_, err := btx.CreateBucketIfNotExists(positionsBucket)
			return err
		})
	}
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("bolt store: %w", err)
	}

	s := &BoltStore{
		bdb:         bdb,
		dir:         dir,
		name:        opt.Name,
		compression: opt.Compression,
		logger:      opt.Logger,
		verbose:     opt.Verbose,
		node:        opt.NodeName,
		listener:    opt.Listener,
	}

	if opt.WALDir != "" && !opt.ReadOnly {
		s.journal = journal.New(opt.WALDir, journal.Options{
			FileName:    opt.Name + "-*.wal",
			MaxFileSize: opt.JournalSegmentSize,
			DebugName:   opt.Name,
			Sync:        !opt.NoSync,
			Logger:      opt.Logger,
			Verbose:     opt.Verbose,
		})
		err = s.journal.StartWriting()
		if err != nil {
			bdb.Close()
			return nil, fmt.Errorf("bolt store: journal: %w", err)
		}
	}

	notifyStatus(s.listener, s.node, s.name, StatusOnline)
	return s, nil
}

// Bolt returns the underlying Bolt database.
func (s *BoltStore) Bolt() *bbolt.DB {
	return s.bdb
}

// Journal returns the store's journal, or nil if journaling is disabled.
func (s *BoltStore) Journal() *journal.Journal {
	return s.journal
}

func (s *BoltStore) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	btx, err := s.bdb.Begin(true)
	if err != nil {
		return nil, err
	}
	txn := &boltTxn{
		store:     s,
		btx:       btx,
		seq:       s.txnSeq.Add(1),
		records:   btx.Bucket(recordsBucket),
		positions: btx.Bucket(positionsBucket),
		startTime: time.Now(),
	}
	if trackTxns {
		txn.stack = string(debug.Stack())
		s.addTxn(txn)
	}
	return txn, nil
}

func (s *BoltStore) RecordIDs(ctx context.Context) ([]RecordID, error) {
	var ids []RecordID
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		c := btx.Bucket(recordsBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(ids)%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			ids = append(ids, RecordID(binary.BigEndian.Uint64(k)))
		}
		return nil
	})
	return ids, err
}

func (s *BoltStore) StoreStats(ctx context.Context) (StoreStats, error) {
	var result StoreStats
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		bs := btx.Bucket(recordsBucket).Stats()
		result.Records = bs.KeyN
		result.DataInuse = int64(bs.LeafInuse)
		result.DataAlloc = int64(bs.BranchAlloc + bs.LeafAlloc)

		pb := btx.Bucket(positionsBucket)
		ps := pb.Stats()
		result.MetaInuse = int64(ps.LeafInuse)
		result.MetaAlloc = int64(ps.BranchAlloc + ps.LeafAlloc)
		c := pb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) > 0 && v[0] == posTombstone {
				result.Tombstones++
			}
		}
		result.FileSize = btx.Size()
		return ctx.Err()
	})
	return result, err
}

func (s *BoltStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if trackTxns {
		s.txnsLock.Lock()
		n := len(s.txns)
		s.txnsLock.Unlock()
		if n > 0 {
			s.logger.Warn("bolt store: closing with open transactions", "desc", s.DescribeOpenTxns())
		}
	}
	var jerr error
	if s.journal != nil {
		jerr = s.journal.FinishWriting()
	}
	err := s.bdb.Close()
	notifyStatus(s.listener, s.node, s.name, StatusOffline)
	if err != nil {
		return fmt.Errorf("bolt store: closing: %w", err)
	}
	if jerr != nil {
		return fmt.Errorf("bolt store: closing journal: %w", jerr)
	}
	return nil
}

func (s *BoltStore) addTxn(txn *boltTxn) {
	s.txnsLock.Lock()
	defer s.txnsLock.Unlock()
	s.txns = append(s.txns, txn)
}

func (s *BoltStore) removeTxn(txn *boltTxn) {
	s.txnsLock.Lock()
	defer s.txnsLock.Unlock()

	found := slices.Index(s.txns, txn)
	if found < 0 {
		panic("txn not found in list")
	}

	n := len(s.txns)
	s.txns[found] = s.txns[n-1]
	s.txns[n-1] = nil // ensure it gets collected
	s.txns = s.txns[:n-1]
}

func (s *BoltStore) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	s.txnsLock.Lock()
	txns := slices.Clone(s.txns)
	s.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *boltTxn) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, txn := range txns {
		ms := now.Sub(txn.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\ntxn %d open for %d ms\n", txn.seq, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\ntxn %d open for %d ms:\n%s", txn.seq, ms, txn.stack)
		}
	}

	return buf.String()
}

type walOpKind uint8

const (
	walAdd walOpKind = iota + 1
	walDelete
	walUpdate
)

type walEntry struct {
	Txn   uint64  `msgpack:"x"`
	Abort bool    `msgpack:"a,omitempty"`
	Ops   []walOp `msgpack:"o,omitempty"`
}

type walOp struct {
	Kind  walOpKind `msgpack:"k"`
	ID    uint64    `msgpack:"i"`
	Value []byte    `msgpack:"v,omitempty"`
}

// DecodeJournalEntry describes a journal record written by BoltStore, for
// diagnostics.
func DecodeJournalEntry(data []byte) (txn uint64, aborted bool, ops int, err error) {
	var e walEntry
	err = msgpack.Unmarshal(data, &e)
	return e.Txn, e.Abort, len(e.Ops), err
}

type boltTxn struct {
	store     *BoltStore
	btx       *bbolt.Tx
	seq       uint64
	records   *bbolt.Bucket
	positions *bbolt.Bucket
	ops       []walOp
	closed    bool

	startTime time.Time
	stack     string
}

func boltKey(id RecordID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func (txn *boltTxn) AddRecord(typeTag, payload string) (RecordID, error) {
	if txn.closed {
		return 0, ErrTxClosed
	}
	seq, err := txn.records.NextSequence()
	if err != nil {
		return 0, err
	}
	id := RecordID(seq)
	rec := &record{Type: typeTag, Props: map[string]string{PayloadProperty: payload}}
	err = txn.put(id, rec, walAdd)
	if err != nil {
		return 0, err
	}
	if txn.store.verbose {
		txn.store.logger.Debug("bolt store: ADD", "id", id, "size", len(payload))
	}
	return id, nil
}

func (txn *boltTxn) DeleteRecord(id RecordID) error {
	if txn.closed {
		return ErrTxClosed
	}
	key := boltKey(id)
	if txn.records.Get(key) == nil {
		return ErrRecordNotFound
	}
	err := txn.records.Delete(key)
	if err != nil {
		return err
	}
	ver, _ := decodePosition(txn.positions.Get(key))
	err = txn.positions.Put(key, encodePosition(posTombstone, ver+1, 0))
	if err != nil {
		return err
	}
	if txn.store.journal != nil {
		txn.ops = append(txn.ops, walOp{Kind: walDelete, ID: uint64(id)})
	}
	if txn.store.verbose {
		txn.store.logger.Debug("bolt store: DELETE", "id", id)
	}
	return nil
}

func (txn *boltTxn) ClearProperties(id RecordID) error {
	rec, err := txn.get(id)
	if err != nil {
		return err
	}
	rec.Props = nil
	return txn.put(id, rec, walUpdate)
}

func (txn *boltTxn) SetPayload(id RecordID, payload string) error {
	rec, err := txn.get(id)
	if err != nil {
		return err
	}
	if rec.Props == nil {
		rec.Props = make(map[string]string, 1)
	}
	rec.Props[PayloadProperty] = payload
	return txn.put(id, rec, walUpdate)
}

func (txn *boltTxn) Payload(id RecordID) (string, bool, error) {
	rec, err := txn.get(id)
	if err != nil {
		return "", false, err
	}
	v, ok := rec.payload()
	return v, ok, nil
}

func (txn *boltTxn) get(id RecordID) (*record, error) {
	if txn.closed {
		return nil, ErrTxClosed
	}
	data := txn.records.Get(boltKey(id))
	if data == nil {
		return nil, ErrRecordNotFound
	}
	return decodeRecord(data)
}

func (txn *boltTxn) put(id RecordID, rec *record, kind walOpKind) error {
	value, err := encodeRecord(nil, rec, txn.store.compression)
	if err != nil {
		return err
	}
	key := boltKey(id)
	err = txn.records.Put(key, value)
	if err != nil {
		return err
	}
	ver, _ := decodePosition(txn.positions.Get(key))
	err = txn.positions.Put(key, encodePosition(posLive, ver+1, len(value)))
	if err != nil {
		return err
	}
	if txn.store.journal != nil {
		txn.ops = append(txn.ops, walOp{Kind: kind, ID: uint64(id), Value: value})
	}
	return nil
}

func (txn *boltTxn) Commit() error {
	if txn.closed {
		return ErrTxClosed
	}
	j := txn.store.journal
	if j != nil && len(txn.ops) > 0 {
		err := txn.writeJournal(walEntry{Txn: txn.seq, Ops: txn.ops})
		if err != nil {
			txn.finish()
			return fmt.Errorf("journal: %w", err)
		}
	}
	err := txn.btx.Commit()
	if err != nil {
		txn.finish()
		if j != nil && len(txn.ops) > 0 {
			if jerr := txn.writeJournal(walEntry{Txn: txn.seq, Abort: true}); jerr != nil {
				txn.store.logger.Error("bolt store: failed to journal abort", "txn", txn.seq, "err", jerr)
			}
		}
		return err
	}
	txn.closed = true
	txn.untrack()
	return nil
}

func (txn *boltTxn) writeJournal(e walEntry) error {
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return err
	}
	j := txn.store.journal
	err = j.WriteRecord(0, data)
	if err != nil {
		return err
	}
	return j.Commit()
}

func (txn *boltTxn) Rollback() error {
	if txn.closed {
		return nil
	}
	return txn.finish()
}

func (txn *boltTxn) finish() error {
	txn.closed = true
	txn.untrack()
	err := txn.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

func (txn *boltTxn) untrack() {
	if trackTxns {
		txn.store.removeTxn(txn)
	}
}

func encodePosition(state byte, version uint64, size int) []byte {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen64)
	buf = append(buf, state)
	buf = binary.AppendUvarint(buf, version)
	buf = binary.AppendUvarint(buf, uint64(size))
	return buf
}

func decodePosition(data []byte) (version uint64, size int) {
	if len(data) < 2 {
		return 0, 0
	}
	version, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, 0
	}
	sz, m := binary.Uvarint(data[1+n:])
	if m <= 0 {
		return version, 0
	}
	return version, int(sz)
}

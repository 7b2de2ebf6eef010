package fragbench

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andreyvit/fragbench/journal"
)

func openTestBolt(t testing.TB, opt BoltOptions) (*BoltStore, string) {
	t.Helper()
	dir := t.TempDir()
	if opt.WALDir == "" {
		opt.WALDir = filepath.Join(dir, "wal")
	}
	opt.NoSync = true
	opt.Logger = testLogger(t)
	s := must(OpenBolt(filepath.Join(dir, "data"), opt))
	t.Cleanup(func() { s.Close() })
	return s, dir
}

type journalEntry struct {
	txn     uint64
	aborted bool
	ops     int
}

func readJournal(t testing.TB, j *journal.Journal) []journalEntry {
	t.Helper()
	var result []journalEntry
	err := j.Records(func(rec journal.Record) error {
		txn, aborted, ops, err := DecodeJournalEntry(rec.Data)
		if err != nil {
			return err
		}
		result = append(result, journalEntry{txn, aborted, ops})
		return nil
	})
	isnil(t, err)
	return result
}

func TestBoltStore_Journal(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestBolt(t, BoltOptions{Name: "frag"})
	ids := addRecords(t, s, "aaaa", "bbbb")

	// replace
	err := InTxn(ctx, s, func(txn Txn) error {
		if err := txn.DeleteRecord(ids[0]); err != nil {
			return err
		}
		_, err := txn.AddRecord(DefaultTypeTag, "aa")
		return err
	})
	isnil(t, err)

	// reuse
	err = InTxn(ctx, s, func(txn Txn) error {
		if err := txn.ClearProperties(ids[1]); err != nil {
			return err
		}
		return txn.SetPayload(ids[1], "bb")
	})
	isnil(t, err)

	// read-only transactions are not journaled
	readPayload(t, s, ids[1])

	j := s.Journal()
	ensure(s.Close())
	deepEqual(t, readJournal(t, j), []journalEntry{
		{1, false, 2},
		{2, false, 2},
		{3, false, 2},
	})
}

func TestBoltStore_NoJournal(t *testing.T) {
	dir := t.TempDir()
	s := must(OpenBolt(dir, BoltOptions{NoSync: true, Logger: testLogger(t)}))
	defer s.Close()
	if s.Journal() != nil {
		t.Fatalf("Journal() = %v, wanted nil without WALDir", s.Journal())
	}
	addRecords(t, s, "x")
	deepEqual(t, len(must(s.RecordIDs(context.Background()))), 1)
}

func TestBoltStore_Tombstones(t *testing.T) {
	ctx := context.Background()
	s, dir := openTestBolt(t, BoltOptions{Name: "frag"})
	ids := addRecords(t, s, "a", "b", "c")
	for _, id := range ids[:2] {
		err := InTxn(ctx, s, func(txn Txn) error {
			return txn.DeleteRecord(id)
		})
		isnil(t, err)
	}

	st := must(s.StoreStats(ctx))
	deepEqual(t, st.Records, 1)
	deepEqual(t, st.Tombstones, 2)
	if st.FileSize <= 0 || st.TotalAlloc() <= 0 {
		t.Errorf("** stats %+v, wanted positive sizes", st)
	}

	if _, err := os.Stat(filepath.Join(dir, "data", "frag."+BoltDataExt)); err != nil {
		t.Fatalf("data file: %v", err)
	}
}

func TestBoltStore_DescribeOpenTxns(t *testing.T) {
	s, _ := openTestBolt(t, BoltOptions{})
	deepEqual(t, s.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")

	txn := must(s.Begin(context.Background()))
	desc := s.DescribeOpenTxns()
	if !strings.HasPrefix(desc, "1 OPEN TRANSACTIONS:") {
		t.Errorf("** DescribeOpenTxns = %q", desc)
	}
	ensure(txn.Rollback())
	deepEqual(t, s.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")
}

func TestBoltStore_Dump(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestBolt(t, BoltOptions{Name: "frag"})
	ids := addRecords(t, s, strings.Repeat("x", 10), strings.Repeat("y", 20))
	err := InTxn(ctx, s, func(txn Txn) error {
		return txn.DeleteRecord(ids[0])
	})
	isnil(t, err)

	out := must(s.Dump(DumpAll))
	for _, want := range []string{
		"frag.stats: records = 1, tombstones = 1,",
		"frag.2 = (",
		"bytes) ContentImpl, payload 20\n",
		"frag.pos.1: tombstone v2 size 0\n",
		"frag.pos.2: live v1 size ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("** Dump output lacks %q:\n%s", want, out)
		}
	}

	out = must(s.Dump(DumpPositions))
	if strings.Contains(out, "stats") || strings.Contains(out, "payload") {
		t.Errorf("** Dump(DumpPositions) printed more than positions:\n%s", out)
	}
}

func TestBoltStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	opt := BoltOptions{Name: "frag", WALDir: filepath.Join(dir, "wal"), NoSync: true, Compression: CompressionSnappy, Logger: testLogger(t)}
	s := must(OpenBolt(dir, opt))
	ids := addRecords(t, s, strings.Repeat("abc", 100))
	ensure(s.Close())
	ensure(s.Close())

	s = must(OpenBolt(dir, opt))
	defer s.Close()
	p, ok, err := readPayload(t, s, ids[0])
	isnil(t, err)
	deepEqual(t, ok, true)
	deepEqual(t, p, strings.Repeat("abc", 100))

	more := addRecords(t, s, "next")
	if more[0] <= ids[0] {
		t.Errorf("** id %d after reopen, wanted > %d", more[0], ids[0])
	}
}

func TestBoltStore_ReadOnly(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing")
	_, err := OpenBolt(missing, BoltOptions{Name: "frag", ReadOnly: true, Logger: testLogger(t)})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("OpenBolt(read-only, missing) err = %v, wanted fs.ErrNotExist", err)
	}
	if _, err := os.Stat(missing); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("read-only open created %s (stat err = %v)", missing, err)
	}

	s := must(OpenBolt(dir, BoltOptions{Name: "frag", NoSync: true, Logger: testLogger(t)}))
	ids := addRecords(t, s, "hello")
	ensure(s.Close())
	before := must(os.ReadFile(filepath.Join(dir, "frag."+BoltDataExt)))

	ro := must(OpenBolt(dir, BoltOptions{Name: "frag", ReadOnly: true, WALDir: filepath.Join(dir, "wal"), Logger: testLogger(t)}))
	if ro.Journal() != nil {
		t.Errorf("** read-only store opened a journal")
	}
	deepEqual(t, must(ro.RecordIDs(context.Background())), ids)
	out := must(ro.Dump(DumpAll))
	if !strings.Contains(out, "frag.stats: records = 1,") {
		t.Errorf("** Dump output lacks the stats line:\n%s", out)
	}
	if _, err := ro.Begin(context.Background()); err == nil {
		t.Errorf("** Begin on a read-only store succeeded")
	}
	ensure(ro.Close())

	deepEqual(t, must(os.ReadFile(filepath.Join(dir, "frag."+BoltDataExt))), before)
	if _, err := os.Stat(filepath.Join(dir, "wal")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("** read-only open created the journal directory (stat err = %v)", err)
	}
}

package fragbench

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isnil(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** got error %v, wanted nil", err)
	}
}

type logWriter struct {
	t testing.TB
}

func (w logWriter) Write(b []byte) (int, error) {
	w.t.Log(string(b))
	return len(b), nil
}

func testLogger(t testing.TB) *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(logWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type storeFactory struct {
	name string
	open func(t testing.TB) Store
}

var storeFactories = []storeFactory{
	{"mem", func(t testing.TB) Store {
		s := NewMemStore(MemOptions{})
		t.Cleanup(func() { s.Close() })
		return s
	}},
	{"bolt", func(t testing.TB) Store {
		dir := t.TempDir()
		s := must(OpenBolt(dir, BoltOptions{
			WALDir: filepath.Join(dir, "wal"),
			NoSync: true,
			Logger: testLogger(t),
		}))
		t.Cleanup(func() { s.Close() })
		return s
	}},
	{"sqlite", func(t testing.TB) Store {
		s := must(OpenSQLite(t.TempDir(), SQLiteOptions{NoSync: true, Logger: testLogger(t)}))
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

func addRecords(t testing.TB, store Store, payloads ...string) []RecordID {
	t.Helper()
	var ids []RecordID
	err := InTxn(context.Background(), store, func(txn Txn) error {
		for _, p := range payloads {
			id, err := txn.AddRecord(DefaultTypeTag, p)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	isnil(t, err)
	return ids
}

func readPayload(t testing.TB, store Store, id RecordID) (string, bool, error) {
	t.Helper()
	var payload string
	var ok bool
	err := InTxn(context.Background(), store, func(txn Txn) error {
		var err error
		payload, ok, err = txn.Payload(id)
		return err
	})
	return payload, ok, err
}

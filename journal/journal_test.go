package journal_test

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/fragbench/journal"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func writable(t *testing.T, dir string, o journal.Options) (*journal.Journal, *testClock) {
	clock := &testClock{now: start}
	o.FileName = "j*.wal"
	o.Now = clock.Now
	o.Logger = slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	o.Verbose = true
	j := journal.New(dir, o)
	ensure(j.StartWriting())
	t.Cleanup(func() {
		if err := j.FinishWriting(); err != nil {
			t.Error(err)
		}
	})
	return j, clock
}

func TestJournal_trivial(t *testing.T) {
	dir := t.TempDir()
	j, clock := writable(t, dir, journal.Options{})
	ensure(j.WriteRecord(0, []byte("hello")))
	ensure(j.WriteRecord(0, []byte("w")))
	clock.Advance(1000 * time.Second)
	ensure(j.WriteRecord(0, []byte("orld")))
	ensure(j.Commit())

	deepEq(t, fileNames(dir), []string{"j000000000001-20240101T000000-0000000000000001.wal"})

	recs := readAll(t, j)
	deepEq(t, recs, []string{"1@1704067200:hello", "2@1704067200:w", "3@1704068200:orld"})
}

func TestJournal_skipsUncommittedTail(t *testing.T) {
	dir := t.TempDir()
	j, _ := writable(t, dir, journal.Options{})
	ensure(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("b")))

	deepEq(t, readAll(t, j), []string{"1@1704067200:a"})
}

func TestJournal_rotatesSegments(t *testing.T) {
	dir := t.TempDir()
	j, _ := writable(t, dir, journal.Options{MaxFileSize: 256})
	payload := bytes.Repeat([]byte{'x'}, 100)
	for range 6 {
		ensure(j.WriteRecord(0, payload))
		ensure(j.Commit())
	}

	names := fileNames(dir)
	if len(names) != 3 {
		t.Fatalf("segments = %v, wanted 3", names)
	}
	if !strings.HasPrefix(names[1], "j000000000002-") || !strings.HasSuffix(names[1], "-0000000000000003.wal") {
		t.Errorf("second segment = %q", names[1])
	}
	if n := len(readAll(t, j)); n != 6 {
		t.Errorf("records = %d, wanted 6", n)
	}
}

func TestJournal_stopsAtCorruption(t *testing.T) {
	dir := t.TempDir()
	j, _ := writable(t, dir, journal.Options{})
	ensure(j.WriteRecord(0, []byte("good")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("evil")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	fn := filepath.Join(dir, fileNames(dir)[0])
	data := must(os.ReadFile(fn))
	i := bytes.Index(data, []byte("evil"))
	data[i] = 'E'
	ensure(os.WriteFile(fn, data, 0o644))

	deepEq(t, readAll(t, j), []string{"1@1704067200:good"})
}

func TestJournal_continuesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	j1, _ := writable(t, dir, journal.Options{})
	ensure(j1.WriteRecord(0, []byte("one")))
	ensure(j1.WriteRecord(0, []byte("two")))
	ensure(j1.Commit())
	ensure(j1.FinishWriting())

	j2, _ := writable(t, dir, journal.Options{})
	ensure(j2.WriteRecord(0, []byte("three")))
	ensure(j2.Commit())

	names := fileNames(dir)
	deepEq(t, names, []string{
		"j000000000001-20240101T000000-0000000000000001.wal",
		"j000000000002-20240101T000000-0000000000000003.wal",
	})
	deepEq(t, readAll(t, j2), []string{"1@1704067200:one", "2@1704067200:two", "3@1704067200:three"})
}

func TestJournal_writeBeforeStartFails(t *testing.T) {
	j := journal.New(t.TempDir(), journal.Options{})
	if err := j.WriteRecord(0, []byte("x")); err != journal.ErrReadOnly {
		t.Fatalf("WriteRecord = %v, wanted ErrReadOnly", err)
	}
}

func readAll(t testing.TB, j *journal.Journal) []string {
	var out []string
	err := j.Records(func(rec journal.Record) error {
		out = append(out, fmt.Sprintf("%d@%d:%s", rec.Seq, rec.Timestamp, rec.Data))
		return nil
	})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	return out
}

func fileNames(dir string) []string {
	var names []string
	for _, ent := range must(os.ReadDir(dir)) {
		names = append(names, ent.Name())
	}
	return names
}

type logWriter struct{ t testing.TB }

func (c *logWriter) Write(buf []byte) (int, error) {
	c.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

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

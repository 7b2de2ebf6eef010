// Package journal implements the write-ahead log of the Bolt record store:
// append-only segment files of checksummed, committed records.
//
// Features:
//
//  1. Multiple records can be combined into a single commit with minimal
//     overhead. Records after the last commit marker are ignored on read.
//
//  2. Crash-resistant (if Sync is enabled). Every commit carries an xxhash
//     checksum of everything in the segment before it; readers stop at the
//     first mismatch.
//
//  3. Rotates segments once they grow past MaxFileSize.
//
// File format:
//
//   - segment = segmentHeader (record* commit)*
//   - segmentHeader = magic:64 ver:8 pad:8 flags:16 pad:32 segmentOrdinal:32 timestamp:32 prevChecksum:64 journalInvariant:256 segmentInvariant:256 reserved:64*3 checksum:64
//   - record = (size<<1):uvarint tsDelta:uvarint bytes*
//   - commit = checksum:64 with the lowest bit set
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andreyvit/fragbench/mmap"
	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrReadOnly           = errors.New("journal is not open for writing")
	errCorruptedFile      = errors.New("corrupted journal segment file")
)

type Options struct {
	Context          context.Context
	FileName         string // e.g. "mydb-*.wal"
	MaxFileSize      int64  // new segment after this size
	DebugName        string
	Now              func() time.Time
	JournalInvariant [32]byte
	SegmentInvariant [32]byte

	// Sync makes every commit durable via fdatasync.
	Sync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	_                [3]uint64
	Checksum         uint64
}

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	commitSize            = 8
	timestampFmt          = "20060102T150405"
)

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

// Journal is a set of append-only segment files in one directory.
type Journal struct {
	context          context.Context
	maxFileSize      int64
	fileNamePrefix   string
	fileNameSuffix   string
	debugName        string
	dir              string
	now              func() time.Time
	logger           *slog.Logger
	sync             bool
	verbose          bool
	journalInvariant [32]byte
	segmentInvariant [32]byte

	writeLock sync.Mutex
	writable  bool
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	prevSum   uint64
	segWriter *segmentWriter
}

func New(dir string, o Options) *Journal {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Journal{
		context:          o.Context,
		maxFileSize:      o.MaxFileSize,
		fileNamePrefix:   prefix,
		fileNameSuffix:   suffix,
		debugName:        o.DebugName,
		dir:              dir,
		now:              o.Now,
		sync:             o.Sync,
		verbose:          o.Verbose,
		journalInvariant: o.JournalInvariant,
		segmentInvariant: o.SegmentInvariant,
		logger:           o.Logger,
	}
}

func (j *Journal) String() string {
	return j.debugName
}

// Dir returns the directory holding the segment files.
func (j *Journal) Dir() string {
	return j.dir
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

// StartWriting prepares the journal for appending. New records always go
// into a fresh segment numbered after the last existing one.
func (j *Journal) StartWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writable {
		return nil
	}
	if j.writeErr != nil {
		return j.writeErr
	}
	err := j.prepareToWrite_locked()
	if err != nil {
		return j.fail(err)
	}
	j.writable = true
	return nil
}

func (j *Journal) prepareToWrite_locked() error {
	err := os.MkdirAll(j.dir, 0o777)
	if err != nil {
		return err
	}

	for {
		names, err := j.segmentNames()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		lastName := names[len(names)-1]

		seq, _, rec, err := j.parseFileName(lastName)
		if err != nil {
			return err
		}

		f, err := j.openFile(lastName, false)
		if err != nil {
			return err
		}
		var h segmentHeader
		err = j.readHeader(f, &h, seq)
		size := fileSize(f)
		f.Close()

		if err == errCorruptedFile {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: deleting corrupted file", slog.String("jrnl", j.debugName), slog.String("file", lastName), slog.Int64("size", size))
			err := os.Remove(filepath.Join(j.dir, lastName))
			if err != nil {
				return fmt.Errorf("journal: failed to delete corrupted file: %w", err)
			}
			continue
		} else if err != nil {
			return err
		}
		summary, err := j.readSegment(lastName, nil)
		if err != nil {
			return err
		}
		j.writeSeg = h.SegmentOrdinal
		j.writeRec = rec + uint64(summary.records) - 1
		j.prevSum = summary.checksum
		return nil
	}
}

// FinishWriting closes the current segment. The journal can be reopened for
// writing with StartWriting.
func (j *Journal) FinishWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	err := j.finishWriting_locked()
	if err != nil {
		return err
	}
	return j.writeErr
}

func (j *Journal) finishWriting_locked() error {
	j.writable = false
	if j.segWriter == nil {
		return nil
	}
	err := j.segWriter.close()
	j.segWriter = nil
	return err
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))

	j.finishWriting_locked()

	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	} else {
		return os.Open(fn)
	}
}

// segmentNames returns segment file names in write order.
func (j *Journal) segmentNames() ([]string, error) {
	ents, err := os.ReadDir(j.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, j.fileNamePrefix) {
			continue
		}
		if !strings.HasSuffix(name, j.fileNameSuffix) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// WriteRecord appends a record to the current segment. The record becomes
// visible to readers after the next Commit.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return j.writeErr
	}
	if !j.writable {
		return ErrReadOnly
	}

	if timestamp == 0 {
		timestamp = j.Now()
	}

	j.writeRec++

	if j.segWriter == nil {
		j.writeSeg++

		sw, err := startSegment(j, j.writeSeg, timestamp, j.writeRec)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
		if j.verbose {
			j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: new segment", slog.String("jrnl", j.debugName), slog.String("file", sw.f.Name()))
		}
	}

	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

// Commit seals the records written so far, and rotates the segment if it
// has grown past MaxFileSize.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return j.writeErr
	}
	sw := j.segWriter
	if sw == nil {
		return nil
	}
	err := sw.commit()
	if err != nil {
		return j.fail(err)
	}
	if j.sync {
		err = mmap.Fdatasync(sw.f)
		if err != nil {
			return j.fail(err)
		}
	}
	if sw.size >= j.maxFileSize {
		j.prevSum = sw.hash.Sum64()
		j.segWriter = nil
		return j.fail(sw.close())
	}
	return nil
}

func (j *Journal) readHeader(f *os.File, h *segmentHeader, expectedSeq uint32) error {
	var buf [segmentHeaderSize]byte
	_, err := f.ReadAt(buf[:], 0)
	if err != nil {
		return errCorruptedFile
	}
	return j.decodeHeader(buf[:], h, expectedSeq)
}

func (j *Journal) decodeHeader(buf []byte, h *segmentHeader, expectedSeq uint32) error {
	if len(buf) < segmentHeaderSize {
		return errCorruptedFile
	}
	n, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	if h.Magic != magic {
		return errCorruptedFile
	}
	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if checksum != h.Checksum {
		return errCorruptedFile
	}
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.journalInvariant {
		return ErrIncompatible
	}
	return nil
}

type segmentWriter struct {
	f           *os.File
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := j.openFile(name, true)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts, j.prevSum, &sw.hash)

	_, err = f.Write(hbuf[:])
	if err != nil {
		return nil, err
	}

	ok = true
	return sw, nil
}

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	_, err := sw.f.Write(h)
	if err != nil {
		return err
	}

	sw.hash.Write(data)
	_, err = sw.f.Write(data)
	if err != nil {
		return err
	}

	sw.size += int64(len(h) + len(data))
	return nil
}

func (sw *segmentWriter) commit() error {
	if !sw.uncommitted {
		return nil
	}
	sw.uncommitted = false

	var buf [commitSize]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= recordFlagCommit

	sw.hash.Write(buf[:])
	_, err := sw.f.Write(buf[:])
	if err != nil {
		return err
	}
	sw.size += commitSize
	return nil
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.f.Close()
	sw.f = nil
	return err
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fileSize(f *os.File) int64 {
	st, err := f.Stat()
	if err != nil {
		return -1
	}
	return st.Size()
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32, prevSum uint64, hash *xxhash.Digest) {
	h := segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		PrevChecksum:     prevSum,
		JournalInvariant: j.journalInvariant,
		SegmentInvariant: j.segmentInvariant,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], hash.Sum64())
	hash.Write(buf[segmentHeaderSize-8 : segmentHeaderSize])
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func (j *Journal) parseFileName(name string) (seq, ts uint32, id uint64, err error) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, j.fileNamePrefix), j.fileNameSuffix)
	return parseSegmentName(base)
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}

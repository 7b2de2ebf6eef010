package journal

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/andreyvit/fragbench/mmap"
	"github.com/cespare/xxhash/v2"
)

// Record is a committed journal record.
type Record struct {
	Segment   uint32
	Seq       uint64
	Timestamp uint32
	Data      []byte // only valid during the callback
}

type segmentSummary struct {
	records  int
	checksum uint64
	size     int64
	clean    bool
}

// Records calls f for every committed record, in write order. Uncommitted
// tails and everything after a corrupted record are skipped.
func (j *Journal) Records(f func(rec Record) error) error {
	names, err := j.segmentNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := j.context.Err(); err != nil {
			return err
		}
		_, err := j.readSegment(name, f)
		if err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) readSegment(name string, f func(rec Record) error) (segmentSummary, error) {
	var sum segmentSummary
	seq, _, firstRec, err := j.parseFileName(name)
	if err != nil {
		return sum, err
	}

	file, err := j.openFile(name, false)
	if err != nil {
		return sum, err
	}
	defer file.Close()

	size := fileSize(file)
	if size < segmentHeaderSize {
		return sum, nil
	}
	sum.size = size

	data, err := mmap.Map(file, int(size), mmap.SequentialAccess)
	if err != nil {
		return sum, fmt.Errorf("%v: %w", name, err)
	}
	defer mmap.Unmap(data)

	var h segmentHeader
	err = j.decodeHeader(data, &h, seq)
	if err == errCorruptedFile {
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: skipping corrupted segment", slog.String("jrnl", j.debugName), slog.String("file", name))
		return sum, nil
	} else if err != nil {
		return sum, err
	}

	var hash xxhash.Digest
	hash.Reset()
	hash.Write(data[:segmentHeaderSize])

	type pendingRec struct {
		ts         uint32
		start, end int
	}
	var pending []pendingRec
	ts := h.Timestamp
	rec := firstRec
	off := segmentHeaderSize
	n := len(data)
	for off < n {
		if data[off]&recordFlagCommit != 0 {
			if off+commitSize > n {
				break
			}
			actual := binary.LittleEndian.Uint64(data[off:])
			expected := hash.Sum64() | uint64(recordFlagCommit)
			if actual != expected {
				j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: checksum mismatch", slog.String("jrnl", j.debugName), slog.String("file", name), slog.Int("off", off))
				return sum, nil
			}
			hash.Write(data[off : off+commitSize])
			off += commitSize

			for _, p := range pending {
				if f != nil {
					err := f(Record{Segment: seq, Seq: rec, Timestamp: p.ts, Data: data[p.start:p.end]})
					if err != nil {
						return sum, err
					}
				}
				rec++
				sum.records++
			}
			pending = pending[:0]
			sum.checksum = hash.Sum64()
			continue
		}

		start := off
		v, k := binary.Uvarint(data[off:])
		if k <= 0 {
			break
		}
		off += k
		delta, k := binary.Uvarint(data[off:])
		if k <= 0 {
			break
		}
		off += k
		recSize := int(v >> recordFlagShift)
		if recSize < 0 || off+recSize > n {
			break
		}
		hash.Write(data[start:off])
		hash.Write(data[off : off+recSize])
		ts += uint32(delta)
		pending = append(pending, pendingRec{ts, off, off + recSize})
		off += recSize
	}
	sum.clean = len(pending) == 0 && off == n
	return sum, nil
}

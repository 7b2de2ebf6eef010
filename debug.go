package fragbench

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"
)

type DumpFlags uint64

const (
	DumpStats = DumpFlags(1 << iota)
	DumpRecords
	DumpPositions

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump describes the store's contents for debugging. Payloads are shown by
// size only.
func (s *BoltStore) Dump(f DumpFlags) (string, error) {
	var buf strings.Builder
	fmt.Fprintln(&buf, dumpSep1)
	fmt.Fprintln(&buf, s.name)

	if f.Contains(DumpStats) {
		st, err := s.StoreStats(context.Background())
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&buf, "%s.stats: records = %d, tombstones = %d, data_inuse = %d, data_alloc = %d, meta_inuse = %d, meta_alloc = %d, total_inuse = %d, total_alloc = %d, file_size = %d\n",
			s.name, st.Records, st.Tombstones, st.DataInuse, st.DataAlloc, st.MetaInuse, st.MetaAlloc, st.TotalInuse(), st.TotalAlloc(), st.FileSize)
	}

	err := s.bdb.View(func(btx *bbolt.Tx) error {
		if f.Contains(DumpRecords) {
			fmt.Fprintln(&buf, dumpSep2)
			c := btx.Bucket(recordsBucket).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				dumpRecord(&buf, s.name, k, v)
			}
		}
		if f.Contains(DumpPositions) {
			fmt.Fprintln(&buf, dumpSep2)
			c := btx.Bucket(positionsBucket).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				dumpPosition(&buf, s.name, k, v)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func dumpRecord(w *strings.Builder, prefix string, k, v []byte) {
	id := binary.BigEndian.Uint64(k)
	rec, err := decodeRecord(v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = (%d bytes) ** ERROR: %v\n", prefix, id, len(v), err)
		return
	}
	payload, ok := rec.payload()
	if !ok {
		fmt.Fprintf(w, "%s.%d = (%d bytes) %s, no payload\n", prefix, id, len(v), rec.Type)
		return
	}
	fmt.Fprintf(w, "%s.%d = (%d bytes) %s, payload %d\n", prefix, id, len(v), rec.Type, len(payload))
}

func dumpPosition(w *strings.Builder, prefix string, k, v []byte) {
	id := binary.BigEndian.Uint64(k)
	ver, size := decodePosition(v)
	state := "live"
	if len(v) > 0 && v[0] == posTombstone {
		state = "tombstone"
	}
	fmt.Fprintf(w, "%s.pos.%d: %s v%d size %d\n", prefix, id, state, ver, size)
}

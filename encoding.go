package fragbench

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"maps"

	"github.com/vmihailenco/msgpack/v5"
)

// Value format: flags (uvarint), raw body size (uvarint), body.
//
// The body is a msgpack-encoded record, compressed with the method recorded
// in the flags.

type valueFlags uint64

const (
	vfVerBit0 = valueFlags(1 << iota)
	vfVerBit1
	vfVerBit2
	vfVerBit3
	vfCodecBit0
	vfCodecBit1
	vfCodecBit2

	vfVerMask     = (vfVerBit0 | vfVerBit1 | vfVerBit2 | vfVerBit3)
	vfCodecMask   = (vfCodecBit0 | vfCodecBit1 | vfCodecBit2)
	vfCodecShift  = 4
	vfVer1        = vfVerBit0
	vfSupported   = vfVerMask | vfCodecMask
	maxHeaderSize = binary.MaxVarintLen64 * 2
	maxRawSize    = 1 << 30
)

func (vf valueFlags) ver() valueFlags {
	return vf & vfVerMask
}

func (vf valueFlags) codec() codecID {
	return codecID((vf & vfCodecMask) >> vfCodecShift)
}

type record struct {
	Type  string            `msgpack:"t"`
	Props map[string]string `msgpack:"p,omitempty"`
}

func (r *record) payload() (string, bool) {
	v, ok := r.Props[PayloadProperty]
	return v, ok
}

func (r *record) clone() *record {
	return &record{Type: r.Type, Props: maps.Clone(r.Props)}
}

func encodeRecord(buf []byte, rec *record, c Compression) ([]byte, error) {
	raw := valueBytesPool.Get().([]byte)
	defer releaseValueBytes(raw)

	bb := bytesBuilder{raw[:0]}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(rec)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	raw = bb.Buf

	id := c.id()
	body := raw
	if id != codecNone {
		compressed, err := compressBody(id, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c, err)
		}
		if compressed == nil || len(compressed) >= len(raw) {
			id = codecNone
		} else {
			body = compressed
		}
	}

	flags := vfVer1 | valueFlags(id)<<vfCodecShift
	buf = binary.AppendUvarint(buf, uint64(flags))
	buf = binary.AppendUvarint(buf, uint64(len(raw)))
	buf = append(buf, body...)
	return buf, nil
}

func decodeRecord(data []byte) (*record, error) {
	off := 0
	flagsRaw, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return nil, dataErrf(data, off, nil, "invalid value flags")
	}
	off += n
	flags := valueFlags(flagsRaw)
	if (flags&^vfSupported) != 0 || flags.ver() != vfVer1 {
		return nil, dataErrf(data, off, nil, "unsupported value flags %x", flagsRaw)
	}
	rawSize, n := binary.Uvarint(data[off:])
	if n <= 0 || rawSize > maxRawSize {
		return nil, dataErrf(data, off, nil, "invalid value size")
	}
	off += n

	raw := data[off:]
	if id := flags.codec(); id != codecNone {
		var err error
		raw, err = decompressBody(id, raw, int(rawSize))
		if err != nil {
			return nil, dataErrf(data, off, err, "failed to decompress value")
		}
	}
	if len(raw) != int(rawSize) {
		return nil, dataErrf(data, off, nil, "value size mismatch: %d != %d", len(raw), rawSize)
	}

	rec := new(record)
	var r bytes.Reader
	r.Reset(raw)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(rec)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(data, off, err, "failed to decode msgpack record")
	}
	return rec, nil
}

type bytesBuilder struct {
	Buf []byte
}

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(bb.Buf, b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(c byte) error {
	bb.Buf = append(bb.Buf, c)
	return nil
}

func (bb *bytesBuilder) WriteString(s string) (int, error) {
	bb.Buf = append(bb.Buf, s...)
	return len(s), nil
}

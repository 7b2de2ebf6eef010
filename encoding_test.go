package fragbench

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
)

func TestEncodeRecord_Codecs(t *testing.T) {
	compressible := &record{Type: DefaultTypeTag, Props: map[string]string{PayloadProperty: strings.Repeat("abcd", 4096)}}
	tests := []struct {
		c  Compression
		id codecID
	}{
		{"", codecNone},
		{CompressionNone, codecNone},
		{CompressionGzip, codecGzip},
		{CompressionSnappy, codecSnappy},
		{CompressionZstd, codecZstd},
		{CompressionLZ4, codecLZ4},
	}
	for _, tt := range tests {
		t.Run(string(tt.c), func(t *testing.T) {
			data := must(encodeRecord(nil, compressible, tt.c))
			deepEqual(t, valueFlags(data[0]).codec(), tt.id)
			if tt.id != codecNone && len(data) >= 4096 {
				t.Errorf("** encoded size %d, wanted compression", len(data))
			}
			deepEqual(t, must(decodeRecord(data)), compressible)
		})
	}
}

func TestEncodeRecord_IncompressibleStaysRaw(t *testing.T) {
	ps := newPayloadSource(rand.New(rand.NewPCG(1, 2)), 16, testLogger(t))
	rec := &record{Type: "T", Props: map[string]string{PayloadProperty: ps.Text(16)}}
	for _, c := range []Compression{CompressionSnappy, CompressionLZ4} {
		data := must(encodeRecord(nil, rec, c))
		deepEqual(t, valueFlags(data[0]).codec(), codecNone)
		deepEqual(t, must(decodeRecord(data)), rec)
	}
}

func TestEncodeRecord_NoProps(t *testing.T) {
	rec := &record{Type: DefaultTypeTag}
	got := must(decodeRecord(must(encodeRecord(nil, rec, CompressionNone))))
	_, ok := got.payload()
	deepEqual(t, ok, false)
	deepEqual(t, got.Type, DefaultTypeTag)
}

func TestDecodeRecord_Corrupted(t *testing.T) {
	rec := &record{Type: DefaultTypeTag, Props: map[string]string{PayloadProperty: "hello"}}
	data := must(encodeRecord(nil, rec, CompressionNone))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unsupported version", append([]byte{0x02}, data[1:]...)},
		{"truncated", data[:len(data)-2]},
		{"bad codec payload", append([]byte{byte(vfVer1 | valueFlags(codecZstd)<<vfCodecShift)}, data[1:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeRecord(tt.data)
			var de *DataError
			if !errors.As(err, &de) {
				t.Fatalf("decodeRecord err = %v, wanted *DataError", err)
			}
		})
	}
}

func TestCompressionValidate(t *testing.T) {
	isnil(t, CompressionZstd.Validate())
	if err := Compression("brotli").Validate(); err == nil {
		t.Fatalf("Validate(brotli) = nil, wanted error")
	}
}

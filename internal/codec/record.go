// Package codec defines the on-log byte layout of one stored object
// (spec.md §3, "Object Record"): a packed header followed by the key's
// value bytes, padded to 8-byte alignment. It mirrors the length-prefix
// convention ttaaoo/proglog's internal/log/store.go uses
// (binary.BigEndian, a fixed-width length field ahead of the payload)
// but carries the key in the header rather than relying on an external
// index file, since the in-memory Index (internal/index) holds only a
// fat pointer to this record, not its length.
package codec

import "encoding/binary"

// Alignment records are padded to. Segment sizes are a power of two
// (spec.md §9) so every record start address shares this alignment too.
const Alignment = 8

// HeaderSize is the fixed number of bytes preceding the value: the u64
// key and the u32 value length.
const HeaderSize = 8 + 4

var enc = binary.BigEndian

// Size returns the total on-log footprint of a record with the given
// value length, including header and trailing alignment padding.
func Size(valueLen int) int {
	n := HeaderSize + valueLen
	if rem := n % Alignment; rem != 0 {
		n += Alignment - rem
	}
	return n
}

// Encode writes a record's header and value into dst, which must be at
// least Size(len(value)) bytes. It returns the number of bytes written
// (including padding).
func Encode(dst []byte, key uint64, value []byte) int {
	enc.PutUint64(dst[0:8], key)
	enc.PutUint32(dst[8:12], uint32(len(value)))
	copy(dst[HeaderSize:], value)
	return Size(len(value))
}

// DecodeHeader reads the key and value length from a record's header at
// the start of buf.
func DecodeHeader(buf []byte) (key uint64, valueLen uint32) {
	key = enc.Uint64(buf[0:8])
	valueLen = enc.Uint32(buf[8:12])
	return
}

// Value returns the value slice of a fully-written record beginning at
// the start of buf. The caller must already know the record's encoded
// size (e.g. from DecodeHeader) to bound buf appropriately; Value does
// not itself re-check bounds beyond the header.
func Value(buf []byte) []byte {
	_, n := DecodeHeader(buf)
	return buf[HeaderSize : HeaderSize+int(n)]
}

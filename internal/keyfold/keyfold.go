// Package keyfold converts typed keys into order-preserving byte strings
// for the B-tree: unsigned integers are written big-endian, signed integers
// additionally flip the sign bit, and fixed-length strings are appended raw.
// Unfold is the exact inverse of fold for the integer types; for strings it
// is exact when the string fits the width and does not end in a zero byte.
package keyfold

import "encoding/binary"

// Uint64 folds v into dst and returns the bytes written.
func Uint64(dst []byte, v uint64) int {
	binary.BigEndian.PutUint64(dst, v)
	return 8
}

// UnfoldUint64 reads a folded uint64 and returns it with the bytes consumed.
func UnfoldUint64(src []byte) (uint64, int) {
	return binary.BigEndian.Uint64(src), 8
}

// Uint32 folds v into dst and returns the bytes written.
func Uint32(dst []byte, v uint32) int {
	binary.BigEndian.PutUint32(dst, v)
	return 4
}

// UnfoldUint32 reads a folded uint32 and returns it with the bytes consumed.
func UnfoldUint32(src []byte) (uint32, int) {
	return binary.BigEndian.Uint32(src), 4
}

// Int32 folds v with the sign bit flipped so negative keys sort before
// positive ones.
func Int32(dst []byte, v int32) int {
	binary.BigEndian.PutUint32(dst, uint32(v)^(1<<31))
	return 4
}

// UnfoldInt32 reads a folded int32 and returns it with the bytes consumed.
func UnfoldInt32(src []byte) (int32, int) {
	return int32(binary.BigEndian.Uint32(src) ^ (1 << 31)), 4
}

// Int64 folds v with the sign bit flipped.
func Int64(dst []byte, v int64) int {
	binary.BigEndian.PutUint64(dst, uint64(v)^(1<<63))
	return 8
}

// UnfoldInt64 reads a folded int64 and returns it with the bytes consumed.
func UnfoldInt64(src []byte) (int64, int) {
	return int64(binary.BigEndian.Uint64(src) ^ (1 << 63)), 8
}

// String folds a fixed-width string field: raw bytes padded with zeroes up
// to width.
func String(dst []byte, s string, width int) int {
	n := copy(dst[:width], s)
	for i := n; i < width; i++ {
		dst[i] = 0
	}
	return width
}

// UnfoldString reads a fixed-width string field, trimming zero padding.
func UnfoldString(src []byte, width int) (string, int) {
	b := src[:width]
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end]), width
}

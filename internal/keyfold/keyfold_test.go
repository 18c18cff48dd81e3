package keyfold

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 42, 1 << 32, ^uint64(0)} {
		var buf [8]byte
		require.Equal(t, 8, Uint64(buf[:], v))
		got, n := UnfoldUint64(buf[:])
		require.Equal(t, 8, n)
		require.Equal(t, v, got)
	}
}

func TestInt64RoundTrip(t *testing.T) {
	for _, v := range []int64{-1 << 62, -1, 0, 1, 1 << 62} {
		var buf [8]byte
		Int64(buf[:], v)
		got, _ := UnfoldInt64(buf[:])
		require.Equal(t, v, got)
	}
}

func TestInt32RoundTrip(t *testing.T) {
	for _, v := range []int32{-1 << 30, -7, 0, 7, 1 << 30} {
		var buf [4]byte
		Int32(buf[:], v)
		got, _ := UnfoldInt32(buf[:])
		require.Equal(t, v, got)
	}
}

func TestFoldedOrderMatchesNumericOrder(t *testing.T) {
	signed := []int64{-1 << 40, -500, -1, 0, 1, 500, 1 << 40}
	var prev [8]byte
	for i, v := range signed {
		var cur [8]byte
		Int64(cur[:], v)
		if i > 0 {
			require.Negative(t, bytes.Compare(prev[:], cur[:]),
				"folded order broken between %d and %d", signed[i-1], v)
		}
		prev = cur
	}

	unsigned := []uint64{0, 1, 255, 256, 1 << 31, ^uint64(0)}
	var prevU [8]byte
	for i, v := range unsigned {
		var cur [8]byte
		Uint64(cur[:], v)
		if i > 0 {
			require.Negative(t, bytes.Compare(prevU[:], cur[:]))
		}
		prevU = cur
	}
}

func TestStringRoundTrip(t *testing.T) {
	var buf [16]byte
	require.Equal(t, 16, String(buf[:], "warehouse", 16))
	s, n := UnfoldString(buf[:], 16)
	require.Equal(t, 16, n)
	require.Equal(t, "warehouse", s)
}

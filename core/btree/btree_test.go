package btree

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/kurodb/core/buffer"
	"github.com/sushant-115/kurodb/core/fiber"
	"github.com/sushant-115/kurodb/core/ioengine"
)

// withTree runs fn inside a fiber against a fresh tree over a temp-file
// backed manager.
func withTree(t *testing.T, cfg buffer.Config, fn func(tr *BTree, m *buffer.Manager)) {
	t.Helper()
	if cfg.VirtSize == 0 {
		cfg.VirtSize = 64 << 20
	}
	if cfg.PhysSize == 0 {
		cfg.PhysSize = 256 * buffer.PageSize
	}
	path := filepath.Join(t.TempDir(), "pages.bin")
	be, err := ioengine.NewPosixBackend(path, int64(cfg.VirtSize))
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })

	sched := fiber.New()
	eng := ioengine.New(sched, be, ioengine.Config{TotalIOFibers: 1})
	m, err := buffer.New(cfg, sched, eng, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	var stop atomic.Bool
	sched.Spawn(func() {
		fn(New(m), m)
		stop.Store(true)
	})
	sched.Run(&stop)
}

// beKey encodes v as a fixed-width big-endian key.
func beKey(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func TestInsertThenLookup(t *testing.T) {
	withTree(t, buffer.Config{}, func(tr *BTree, m *buffer.Manager) {
		key := []byte{0x00, 0x00, 0x00, 0x2A}
		tr.Insert(key, []byte{0xAB, 0xCD})

		var got []byte
		found := tr.Lookup(key, func(payload []byte) {
			got = append([]byte(nil), payload...)
		})
		require.True(t, found)
		require.Equal(t, []byte{0xAB, 0xCD}, got)

		out := make([]byte, 16)
		require.Equal(t, 2, tr.LookupCopy(key, out))

		require.False(t, tr.Lookup([]byte{0x00, 0x00, 0x00, 0x2B}, func([]byte) {}))
	})
}

func TestInsertIsUpsert(t *testing.T) {
	withTree(t, buffer.Config{}, func(tr *BTree, m *buffer.Manager) {
		key := beKey(7)
		tr.Insert(key, []byte("aaaa"))
		tr.Insert(key, []byte("bbbb")) // same size
		var got []byte
		tr.Lookup(key, func(p []byte) { got = append([]byte(nil), p...) })
		require.Equal(t, []byte("bbbb"), got)

		tr.Insert(key, []byte("cccccccc")) // size change
		got = nil
		tr.Lookup(key, func(p []byte) { got = append([]byte(nil), p...) })
		require.Equal(t, []byte("cccccccc"), got)

		// still exactly one entry for the key
		seen := 0
		tr.ScanAsc(key, func(n *BTreeNode, slotID int) bool {
			if bytes.Equal(n.FullKey(slotID, nil), key) {
				seen++
				return true
			}
			return false
		})
		require.Equal(t, 1, seen)
	})
}

func TestInsertEraseLookup(t *testing.T) {
	withTree(t, buffer.Config{}, func(tr *BTree, m *buffer.Manager) {
		key := beKey(99)
		tr.Insert(key, []byte("payload"))
		require.True(t, tr.Remove(key))
		require.False(t, tr.Lookup(key, func([]byte) {}))
		require.False(t, tr.Remove(key), "second erase finds nothing")
	})
}

func TestUpdateInPlace(t *testing.T) {
	withTree(t, buffer.Config{}, func(tr *BTree, m *buffer.Manager) {
		key := beKey(5)
		tr.Insert(key, []byte{1, 2, 3, 4})
		ok := tr.UpdateInPlace(key, func(p []byte) {
			p[0] = 9
		})
		require.True(t, ok)
		var got []byte
		tr.Lookup(key, func(p []byte) { got = append([]byte(nil), p...) })
		require.Equal(t, []byte{9, 2, 3, 4}, got)

		require.False(t, tr.UpdateInPlace(beKey(6), func([]byte) {}))
	})
}

func TestLargePayloadSplitGrowsRoot(t *testing.T) {
	withTree(t, buffer.Config{}, func(tr *BTree, m *buffer.Manager) {
		big := func(b byte) []byte {
			p := make([]byte, 3800)
			for i := range p {
				p[i] = b
			}
			return p
		}
		tr.Insert([]byte{0x01}, big(0x11))
		// The second insert does not fit the leaf and splits it; the root
		// becomes an inner node with one separator.
		tr.Insert([]byte{0x02}, big(0x22))

		for _, tc := range []struct {
			key  []byte
			fill byte
		}{
			{[]byte{0x01}, 0x11},
			{[]byte{0x02}, 0x22},
		} {
			var got []byte
			require.True(t, tr.Lookup(tc.key, func(p []byte) {
				got = append([]byte(nil), p...)
			}))
			require.Len(t, got, 3800)
			require.Equal(t, tc.fill, got[0])
			require.Equal(t, tc.fill, got[3799])
		}
	})
}

func TestOrderedScanAcrossLeaves(t *testing.T) {
	const keys = 2001
	withTree(t, buffer.Config{}, func(tr *BTree, m *buffer.Manager) {
		for i := uint64(0); i < keys; i++ {
			tr.Insert(beKey(i), nil)
		}

		var collected []uint64
		tr.ScanAsc(beKey(0), func(n *BTreeNode, slotID int) bool {
			k := n.FullKey(slotID, nil)
			require.Len(t, k, 8)
			collected = append(collected, binary.BigEndian.Uint64(k))
			return true
		})

		require.Len(t, collected, keys)
		for i, v := range collected {
			require.Equal(t, uint64(i), v, "scan order at %d", i)
		}
	})
}

func TestScanStartPastLargestKey(t *testing.T) {
	withTree(t, buffer.Config{}, func(tr *BTree, m *buffer.Manager) {
		for i := uint64(0); i < 100; i++ {
			tr.Insert(beKey(i), nil)
		}
		calls := 0
		tr.ScanAsc(beKey(5000), func(*BTreeNode, int) bool {
			calls++
			return true
		})
		require.Zero(t, calls)
	})
}

func TestScanDescending(t *testing.T) {
	withTree(t, buffer.Config{}, func(tr *BTree, m *buffer.Manager) {
		for i := uint64(0); i < 100; i++ {
			tr.Insert(beKey(i), nil)
		}
		var collected []uint64
		tr.ScanDesc(beKey(50), func(n *BTreeNode, slotID int, exact bool) bool {
			k := n.FullKey(slotID, nil)
			collected = append(collected, binary.BigEndian.Uint64(k))
			return true
		})
		require.Len(t, collected, 51)
		for i, v := range collected {
			require.Equal(t, uint64(50-i), v, "descending order at %d", i)
		}
	})
}

func TestRemoveMergesUnderfullLeaves(t *testing.T) {
	const keys = 600
	withTree(t, buffer.Config{}, func(tr *BTree, m *buffer.Manager) {
		payload := make([]byte, 32)
		for i := uint64(0); i < keys; i++ {
			tr.Insert(beKey(i), payload)
		}
		// Drain the key space from the front; early leaves underflow and
		// absorb their right siblings.
		for i := uint64(0); i < keys-10; i++ {
			require.True(t, tr.Remove(beKey(i)), "remove %d", i)
		}

		var collected []uint64
		tr.ScanAsc(beKey(0), func(n *BTreeNode, slotID int) bool {
			collected = append(collected, binary.BigEndian.Uint64(n.FullKey(slotID, nil)))
			return true
		})
		require.Len(t, collected, 10)
		for i, v := range collected {
			require.Equal(t, uint64(keys-10+i), v)
		}
	})
}

func TestTreeSurvivesEvictionPressure(t *testing.T) {
	const keys = 2000
	cfg := buffer.Config{
		VirtSize:   64 << 20,
		PhysSize:   16 * buffer.PageSize,
		EvictBatch: 4,
		FreeTarget: 0.2,
	}
	withTree(t, cfg, func(tr *BTree, m *buffer.Manager) {
		var payload [16]byte
		for i := uint64(0); i < keys; i++ {
			binary.BigEndian.PutUint64(payload[:], i)
			tr.Insert(beKey(i), payload[:])
		}

		for i := uint64(0); i < keys; i++ {
			var got uint64
			found := tr.Lookup(beKey(i), func(p []byte) {
				got = binary.BigEndian.Uint64(p)
			})
			require.True(t, found, "key %d", i)
			require.Equal(t, i, got, "payload of key %d", i)
		}

		require.Greater(t, m.ReadCount(), uint64(0), "working set exceeds memory, faults expected")
		require.Greater(t, m.WriteCount(), uint64(0), "dirty pages written back")
	})
}

func TestScanKeysStayStrictlyOrderedUnderChurn(t *testing.T) {
	withTree(t, buffer.Config{}, func(tr *BTree, m *buffer.Manager) {
		for i := uint64(0); i < 500; i++ {
			tr.Insert(beKey(i*7%500), beKey(i))
		}
		for i := uint64(0); i < 500; i += 3 {
			tr.Remove(beKey(i))
		}

		var prev []byte
		tr.ScanAsc(nil, func(n *BTreeNode, slotID int) bool {
			k := n.FullKey(slotID, nil)
			if prev != nil {
				require.Negative(t, bytes.Compare(prev, k), "keys out of order")
			}
			prev = k
			return true
		})
	})
}

package workload

import (
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/kurodb/core/btree"
	"github.com/sushant-115/kurodb/core/buffer"
	"github.com/sushant-115/kurodb/core/fiber"
	"github.com/sushant-115/kurodb/core/ioengine"
	"github.com/sushant-115/kurodb/internal/keyfold"
)

func withAdapter(t *testing.T, cfg buffer.Config, fn func(a *Adapter[uint64, YCSBRecord], m *buffer.Manager)) {
	t.Helper()
	if cfg.VirtSize == 0 {
		cfg.VirtSize = 64 << 20
	}
	if cfg.PhysSize == 0 {
		cfg.PhysSize = 128 * buffer.PageSize
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
		tree := btree.New(m)
		a := NewAdapter[uint64, YCSBRecord](tree, YCSBFoldKey, YCSBUnfoldKey, 8)
		fn(a, m)
		stop.Store(true)
	})
	sched.Run(&stop)
}

func TestAdapterInsertLookupUpdateErase(t *testing.T) {
	withAdapter(t, buffer.Config{}, func(a *Adapter[uint64, YCSBRecord], m *buffer.Manager) {
		var rec YCSBRecord
		rec.Value[0] = 0x11
		rec.Value[YCSBPayloadLen-1] = 0x22
		a.Insert(42, &rec)

		found := a.Lookup1(42, func(r *YCSBRecord) {
			require.Equal(t, byte(0x11), r.Value[0])
			require.Equal(t, byte(0x22), r.Value[YCSBPayloadLen-1])
		})
		require.True(t, found)
		require.False(t, a.Lookup1(43, func(*YCSBRecord) {}))

		require.True(t, a.Update1(42, func(r *YCSBRecord) { r.Value[0] = 0x33 }))
		a.Lookup1(42, func(r *YCSBRecord) {
			require.Equal(t, byte(0x33), r.Value[0])
		})

		require.True(t, a.Erase(42))
		require.False(t, a.Lookup1(42, func(*YCSBRecord) {}))
		require.False(t, a.Erase(42))
	})
}

func TestAdapterScanYieldsTypedKeysInOrder(t *testing.T) {
	withAdapter(t, buffer.Config{}, func(a *Adapter[uint64, YCSBRecord], m *buffer.Manager) {
		for i := uint64(0); i < 300; i++ {
			var rec YCSBRecord
			rec.Value[0] = byte(i)
			a.Insert(i, &rec)
		}

		var keys []uint64
		a.Scan(100, func(k uint64, r *YCSBRecord) bool {
			require.Equal(t, byte(k), r.Value[0])
			keys = append(keys, k)
			return true
		})
		require.Len(t, keys, 200)
		for i, k := range keys {
			require.Equal(t, uint64(100+i), k)
		}

		require.EqualValues(t, 300, a.Count())
	})
}

func TestAdapterScanDescSkipsMissingStartKey(t *testing.T) {
	withAdapter(t, buffer.Config{}, func(a *Adapter[uint64, YCSBRecord], m *buffer.Manager) {
		for i := uint64(0); i < 100; i += 2 { // even keys only
			var rec YCSBRecord
			a.Insert(i, &rec)
		}

		var keys []uint64
		a.ScanDesc(51, func(k uint64, r *YCSBRecord) bool {
			keys = append(keys, k)
			return len(keys) < 3
		})
		require.Equal(t, []uint64{50, 48, 46}, keys)
	})
}

func TestYCSBLoadAndMixedTransactions(t *testing.T) {
	cfg := buffer.Config{
		VirtSize:   64 << 20,
		PhysSize:   32 * buffer.PageSize,
		EvictBatch: 8,
		FreeTarget: 0.2,
	}
	withAdapter(t, cfg, func(a *Adapter[uint64, YCSBRecord], m *buffer.Manager) {
		y := NewYCSB(a, 500, 50, zap.NewNop())
		y.LoadTable()
		require.EqualValues(t, 500, a.Count())

		for i := 0; i < 2000; i++ {
			y.Tx()
		}
		require.EqualValues(t, 2000, y.Reads()+y.Writes())
		require.Greater(t, y.Reads(), uint64(0))
		require.Greater(t, y.Writes(), uint64(0))
	})
}

func TestFoldKeyMatchesKeyfold(t *testing.T) {
	var a, b [8]byte
	YCSBFoldKey(a[:], 77)
	keyfold.Uint64(b[:], 77)
	require.Equal(t, b, a)
	require.EqualValues(t, 77, YCSBUnfoldKey(a[:]))
}

package workload

import (
	"go.uber.org/zap"

	"github.com/sushant-115/kurodb/internal/keyfold"
)

// YCSBPayloadLen is the fixed record size of the YCSB table.
const YCSBPayloadLen = 128

// YCSBRecord is one row: an opaque fixed-length value.
type YCSBRecord struct {
	Value [YCSBPayloadLen]byte
}

// YCSB drives a read/update mix over a single table keyed by uint64.
type YCSB struct {
	table      *Adapter[uint64, YCSBRecord]
	tupleCount uint64
	readRatio  int
	rngState   uint64
	log        *zap.Logger

	reads  uint64
	writes uint64
}

// NewYCSB wraps the table adapter with the configured mix.
func NewYCSB(table *Adapter[uint64, YCSBRecord], tupleCount uint64, readRatio int, log *zap.Logger) *YCSB {
	return &YCSB{
		table:      table,
		tupleCount: tupleCount,
		readRatio:  readRatio,
		rngState:   0x853c49e6748fea9b,
		log:        log,
	}
}

// YCSBFoldKey folds a YCSB key; exposed so tests and tools can compute the
// on-tree form.
func YCSBFoldKey(dst []byte, k uint64) int { return keyfold.Uint64(dst, k) }

// YCSBUnfoldKey is the inverse of YCSBFoldKey.
func YCSBUnfoldKey(src []byte) uint64 {
	v, _ := keyfold.UnfoldUint64(src)
	return v
}

func (y *YCSB) rand(n uint64) uint64 {
	y.rngState += 0x9e3779b97f4a7c15
	z := y.rngState
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return z % n
}

func (y *YCSB) randRecord(rec *YCSBRecord) {
	for i := 0; i < YCSBPayloadLen; i += 8 {
		v := y.rand(^uint64(0))
		for j := 0; j < 8 && i+j < YCSBPayloadLen; j++ {
			rec.Value[i+j] = byte(v >> (8 * j))
		}
	}
}

// LoadTable inserts the full keyspace with random values. Must run inside a
// fiber.
func (y *YCSB) LoadTable() {
	for i := uint64(0); i < y.tupleCount; i++ {
		var rec YCSBRecord
		y.randRecord(&rec)
		y.table.Insert(i, &rec)
	}
	y.log.Info("ycsb table loaded", zap.Uint64("tuples", y.tupleCount))
}

// Read looks one record up.
func (y *YCSB) Read(key uint64) {
	ok := y.table.Lookup1(key, func(rec *YCSBRecord) {})
	if ok {
		y.reads++
	}
}

// Write rewrites one record in place.
func (y *YCSB) Write(key uint64) {
	ok := y.table.Update1(key, func(rec *YCSBRecord) {
		y.randRecord(rec)
	})
	if ok {
		y.writes++
	}
}

// Tx runs one transaction of the configured mix and returns its type
// (0 read, 1 update).
func (y *YCSB) Tx() int {
	key := y.rand(y.tupleCount)
	if int(y.rand(101)) <= y.readRatio {
		y.Read(key)
		return 0
	}
	y.Write(key)
	return 1
}

// Reads returns completed read transactions.
func (y *YCSB) Reads() uint64 { return y.reads }

// Writes returns completed update transactions.
func (y *YCSB) Writes() uint64 { return y.writes }

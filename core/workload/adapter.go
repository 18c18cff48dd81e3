// Package workload holds the typed facade the benchmark drivers use to
// store records in a B-tree, plus the YCSB driver itself. Records must be
// flat structs (fixed-size, pointer-free): the adapter stores their memory
// image as the payload and reinterprets payloads back on the way out.
package workload

import (
	"reflect"
	"unsafe"

	"github.com/sushant-115/kurodb/core/btree"
)

// Adapter maps typed keys and records of one table onto B-tree operations.
// Keys are folded order-preserving by the supplied fold/unfold pair.
type Adapter[K comparable, R any] struct {
	tree      *btree.BTree
	fold      func(dst []byte, k K) int
	unfold    func(src []byte) K
	maxKeyLen int
	recSize   int
}

// NewAdapter builds the facade over an existing tree.
func NewAdapter[K comparable, R any](
	tree *btree.BTree,
	fold func(dst []byte, k K) int,
	unfold func(src []byte) K,
	maxKeyLen int,
) *Adapter[K, R] {
	var zero R
	return &Adapter[K, R]{
		tree:      tree,
		fold:      fold,
		unfold:    unfold,
		maxKeyLen: maxKeyLen,
		recSize:   int(reflect.TypeOf(zero).Size()),
	}
}

func (a *Adapter[K, R]) foldKey(buf []byte, k K) []byte {
	n := a.fold(buf, k)
	return buf[:n]
}

func recordBytes[R any](rec *R, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(rec)), size)
}

// Insert stores the record under key. An existing record is replaced.
func (a *Adapter[K, R]) Insert(k K, rec *R) {
	buf := make([]byte, a.maxKeyLen)
	a.tree.Insert(a.foldKey(buf, k), recordBytes(rec, a.recSize))
}

// Lookup1 invokes fn on the stored record under a shared fix. Reports
// whether the key was found.
func (a *Adapter[K, R]) Lookup1(k K, fn func(rec *R)) bool {
	buf := make([]byte, a.maxKeyLen)
	return a.tree.Lookup(a.foldKey(buf, k), func(payload []byte) {
		fn((*R)(unsafe.Pointer(&payload[0])))
	})
}

// Update1 invokes fn on the stored record under an exclusive fix. Reports
// whether the key was found.
func (a *Adapter[K, R]) Update1(k K, fn func(rec *R)) bool {
	buf := make([]byte, a.maxKeyLen)
	return a.tree.UpdateInPlace(a.foldKey(buf, k), func(payload []byte) {
		fn((*R)(unsafe.Pointer(&payload[0])))
	})
}

// Erase removes the record. Reports whether it existed.
func (a *Adapter[K, R]) Erase(k K) bool {
	buf := make([]byte, a.maxKeyLen)
	return a.tree.Remove(a.foldKey(buf, k))
}

// Scan walks records with key >= k in ascending key order until fn returns
// false.
func (a *Adapter[K, R]) Scan(k K, fn func(key K, rec *R) bool) {
	buf := make([]byte, a.maxKeyLen)
	scratch := make([]byte, 0, a.maxKeyLen)
	a.tree.ScanAsc(a.foldKey(buf, k), func(node *btree.BTreeNode, slotID int) bool {
		full := node.FullKey(slotID, scratch[:0])
		return fn(a.unfold(full), (*R)(unsafe.Pointer(&node.Payload(slotID)[0])))
	})
}

// ScanDesc walks records with key <= k in descending key order until fn
// returns false. A starting key that is absent positions on the next
// smaller record.
func (a *Adapter[K, R]) ScanDesc(k K, fn func(key K, rec *R) bool) {
	buf := make([]byte, a.maxKeyLen)
	scratch := make([]byte, 0, a.maxKeyLen)
	first := true
	a.tree.ScanDesc(a.foldKey(buf, k), func(node *btree.BTreeNode, slotID int, exact bool) bool {
		if first {
			first = false
			if !exact {
				return true
			}
		}
		full := node.FullKey(slotID, scratch[:0])
		return fn(a.unfold(full), (*R)(unsafe.Pointer(&node.Payload(slotID)[0])))
	})
}

// Count walks the whole table and returns the number of records.
func (a *Adapter[K, R]) Count() uint64 {
	var cnt uint64
	a.tree.ScanAsc(nil, func(*btree.BTreeNode, int) bool {
		cnt++
		return true
	})
	return cnt
}

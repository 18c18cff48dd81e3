// Package btree implements a latch-coupled B-tree on top of the buffer
// manager. Nodes are 4 KiB slotted pages: a slot directory grows from the
// front, the key/payload heap grows from the back, and fence keys bound
// every node so scans can hop leaves without coupling. Traversals restart
// transparently whenever a fix observes a page fault or an in-flight read.
package btree

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"github.com/sushant-115/kurodb/core/buffer"
)

const pageSize = buffer.PageSize

// PID aliases the buffer manager's logical page id.
type PID = buffer.PID

const (
	headerSize = 96
	slotSize   = 12
	hintCount  = 16

	// noNeighbour marks a leaf without a right sibling.
	noNeighbour = ^uint64(0)

	// underFullSize is the free-space threshold that makes a leaf a merge
	// candidate after a delete.
	underFullSize = pageSize/2 + pageSize/4

	// maxEntrySize bounds one key/payload pair. It leaves slack for the
	// fence keys a node acquires when it is split off.
	maxEntrySize = pageSize - headerSize - 2*slotSize - 64

	childPayloadSize = 8 // inner payloads are PIDs
)

type fenceSlot struct {
	offset uint16
	length uint16
}

type nodeHeader struct {
	// next is the upper child for inner nodes and the right sibling for
	// leaves.
	next       uint64
	lowerFence fenceSlot // exclusive
	upperFence fenceSlot // inclusive
	count      uint16
	spaceUsed  uint16
	dataOffset uint16
	prefixLen  uint16
	leaf       uint16
	_          uint16
	hint       [hintCount]uint32
	_          uint32
}

// slot is one directory entry. head holds the first up-to-four key bytes
// big-endian so most comparisons never touch the heap.
type slot struct {
	offset     uint16
	keyLen     uint16
	payloadLen uint16
	_          uint16
	head       uint32
}

// BTreeNode overlays a page. All offsets are relative to the node start.
type BTreeNode struct {
	nodeHeader
	data [pageSize - headerSize]byte
}

// Layout is load-bearing: the overlay must cover the page exactly.
const (
	_ = uint64(pageSize - unsafe.Sizeof(BTreeNode{}))
	_ = uint64(unsafe.Sizeof(BTreeNode{}) - pageSize)
	_ = uint64(headerSize - unsafe.Sizeof(nodeHeader{}))
	_ = uint64(unsafe.Sizeof(nodeHeader{}) - headerSize)
	_ = uint64(slotSize - unsafe.Sizeof(slot{}))
	_ = uint64(unsafe.Sizeof(slot{}) - slotSize)
)

// initNode formats a zeroed page as an empty node.
func (n *BTreeNode) initNode(isLeaf bool) {
	*n = BTreeNode{}
	n.next = noNeighbour
	n.dataOffset = pageSize
	if isLeaf {
		n.leaf = 1
	}
}

func (n *BTreeNode) isLeaf() bool  { return n.leaf != 0 }
func (n *BTreeNode) isInner() bool { return n.leaf == 0 }

func (n *BTreeNode) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(n)), pageSize)
}

func (n *BTreeNode) slotAt(i int) *slot {
	return (*slot)(unsafe.Pointer(&n.data[i*slotSize]))
}

func (n *BTreeNode) hasRightNeighbour() bool { return n.next != noNeighbour }
func (n *BTreeNode) hasLowerFence() bool     { return n.lowerFence.length != 0 }

func (n *BTreeNode) lowerFenceKey() []byte {
	return n.bytes()[n.lowerFence.offset : n.lowerFence.offset+n.lowerFence.length]
}

func (n *BTreeNode) upperFenceKey() []byte {
	return n.bytes()[n.upperFence.offset : n.upperFence.offset+n.upperFence.length]
}

// prefix returns the common key prefix; any key on the page starts with it,
// so the lower fence serves as the backing bytes.
func (n *BTreeNode) prefix() []byte {
	return n.bytes()[n.lowerFence.offset : n.lowerFence.offset+n.prefixLen]
}

func (n *BTreeNode) freeSpace() int {
	return int(n.dataOffset) - headerSize - int(n.count)*slotSize
}

func (n *BTreeNode) freeSpaceAfterCompaction() int {
	return pageSize - headerSize - int(n.count)*slotSize - int(n.spaceUsed)
}

func (n *BTreeNode) spaceNeeded(keyLen, payloadLen int) int {
	return slotSize + keyLen - int(n.prefixLen) + payloadLen
}

func (n *BTreeNode) hasSpaceFor(keyLen, payloadLen int) bool {
	return n.spaceNeeded(keyLen, payloadLen) <= n.freeSpaceAfterCompaction()
}

// getKey returns the stored (prefix-stripped) key of a slot.
func (n *BTreeNode) getKey(slotID int) []byte {
	s := n.slotAt(slotID)
	return n.bytes()[s.offset : s.offset+s.keyLen]
}

func (n *BTreeNode) getPayload(slotID int) []byte {
	s := n.slotAt(slotID)
	off := int(s.offset) + int(s.keyLen)
	return n.bytes()[off : off+int(s.payloadLen)]
}

// getChild reads the PID payload of an inner slot.
func (n *BTreeNode) getChild(slotID int) PID {
	return binary.LittleEndian.Uint64(n.getPayload(slotID))
}

func (n *BTreeNode) setChild(slotID int, pid PID) {
	binary.LittleEndian.PutUint64(n.getPayload(slotID), pid)
}

// keyHead folds the first up-to-four key bytes into an order-preserving u32.
func keyHead(key []byte) uint32 {
	switch len(key) {
	case 0:
		return 0
	case 1:
		return uint32(key[0]) << 24
	case 2:
		return uint32(binary.BigEndian.Uint16(key)) << 16
	case 3:
		return uint32(binary.BigEndian.Uint16(key))<<16 | uint32(key[2])<<8
	default:
		return binary.BigEndian.Uint32(key)
	}
}

func (n *BTreeNode) makeHint() {
	dist := int(n.count) / (hintCount + 1)
	for i := 0; i < hintCount; i++ {
		n.hint[i] = n.slotAt(dist * (i + 1)).head
	}
}

func (n *BTreeNode) updateHint(slotID int) {
	count := int(n.count)
	dist := count / (hintCount + 1)
	begin := 0
	if count > hintCount*2+1 && (count-1)/(hintCount+1) == dist && slotID/dist > 1 {
		begin = slotID/dist - 1
	}
	for i := begin; i < hintCount; i++ {
		n.hint[i] = n.slotAt(dist * (i + 1)).head
	}
}

func (n *BTreeNode) searchHint(kh uint32, lower, upper *int) {
	if int(n.count) > hintCount*2 {
		dist := *upper / (hintCount + 1)
		var pos, pos2 int
		for pos = 0; pos < hintCount; pos++ {
			if n.hint[pos] >= kh {
				break
			}
		}
		for pos2 = pos; pos2 < hintCount; pos2++ {
			if n.hint[pos2] != kh {
				break
			}
		}
		*lower = pos * dist
		if pos2 < hintCount {
			*upper = (pos2 + 1) * dist
		}
	}
}

// lowerBound returns the first slot whose key is >= the search key and
// whether it matches exactly.
func (n *BTreeNode) lowerBound(skey []byte) (int, bool) {
	m := min(len(skey), int(n.prefixLen))
	cmp := bytes.Compare(skey[:m], n.prefix()[:m])
	if cmp < 0 {
		return 0, false
	}
	if cmp > 0 {
		return int(n.count), false
	}
	if len(skey) < int(n.prefixLen) {
		return 0, false
	}
	key := skey[n.prefixLen:]

	lower, upper := 0, int(n.count)
	kh := keyHead(key)
	n.searchHint(kh, &lower, &upper)

	for lower < upper {
		mid := (upper-lower)/2 + lower
		s := n.slotAt(mid)
		switch {
		case kh < s.head:
			upper = mid
		case kh > s.head:
			lower = mid + 1
		default:
			stored := n.getKey(mid)
			c := bytes.Compare(key[:min(len(key), len(stored))], stored[:min(len(key), len(stored))])
			switch {
			case c < 0:
				upper = mid
			case c > 0:
				lower = mid + 1
			case len(key) < len(stored):
				upper = mid
			case len(key) > len(stored):
				lower = mid + 1
			default:
				return mid, true
			}
		}
	}
	return lower, false
}

// upperBound returns the first slot whose key is strictly greater than the
// search key.
func (n *BTreeNode) upperBound(skey []byte) int {
	m := min(len(skey), int(n.prefixLen))
	cmp := bytes.Compare(skey[:m], n.prefix()[:m])
	if cmp < 0 {
		return 0
	}
	if cmp > 0 {
		return int(n.count)
	}
	if len(skey) < int(n.prefixLen) {
		return 0
	}
	key := skey[n.prefixLen:]

	lower, upper := 0, int(n.count)
	kh := keyHead(key)
	n.searchHint(kh, &lower, &upper)

	for lower < upper {
		mid := (upper-lower)/2 + lower
		s := n.slotAt(mid)
		switch {
		case kh < s.head:
			upper = mid
		case kh > s.head:
			lower = mid + 1
		default:
			stored := n.getKey(mid)
			c := bytes.Compare(key[:min(len(key), len(stored))], stored[:min(len(key), len(stored))])
			switch {
			case c < 0:
				upper = mid
			case c > 0:
				lower = mid + 1
			case len(key) < len(stored):
				upper = mid
			case len(key) > len(stored):
				lower = mid + 1
			default:
				lower = mid + 1 // exact match: upper bound moves right of it
			}
		}
	}
	return lower
}

// insertInPage places key/payload at its sorted position. The caller must
// have checked hasSpaceFor.
func (n *BTreeNode) insertInPage(key, payload []byte) {
	needed := n.spaceNeeded(len(key), len(payload))
	if needed > n.freeSpace() {
		n.compactify()
	}
	slotID, _ := n.lowerBound(key)
	count := int(n.count)
	copy(n.data[(slotID+1)*slotSize:(count+1)*slotSize], n.data[slotID*slotSize:count*slotSize])
	n.storeKeyValue(slotID, key, payload)
	n.count++
	n.updateHint(slotID)
}

func (n *BTreeNode) removeSlot(slotID int) {
	s := n.slotAt(slotID)
	n.spaceUsed -= s.keyLen + s.payloadLen
	count := int(n.count)
	copy(n.data[slotID*slotSize:], n.data[(slotID+1)*slotSize:count*slotSize])
	n.count--
	n.makeHint()
}

func (n *BTreeNode) removeInPage(key []byte) bool {
	slotID, found := n.lowerBound(key)
	if !found {
		return false
	}
	n.removeSlot(slotID)
	return true
}

// storeKeyValue writes the prefix-stripped key and payload into the heap and
// fills the slot.
func (n *BTreeNode) storeKeyValue(slotID int, skey, payload []byte) {
	key := skey[n.prefixLen:]
	s := n.slotAt(slotID)
	s.head = keyHead(key)
	s.keyLen = uint16(len(key))
	s.payloadLen = uint16(len(payload))

	space := len(key) + len(payload)
	n.dataOffset -= uint16(space)
	n.spaceUsed += uint16(space)
	s.offset = n.dataOffset

	b := n.bytes()
	copy(b[s.offset:], key)
	copy(b[int(s.offset)+len(key):], payload)
}

// copyKeyValueRange moves srcCount entries into dst starting at dstSlot,
// re-deriving stored keys when the destination prefix grows.
func (n *BTreeNode) copyKeyValueRange(dst *BTreeNode, dstSlot, srcSlot, srcCount int) {
	if n.prefixLen <= dst.prefixLen { // prefix grows
		diff := int(dst.prefixLen) - int(n.prefixLen)
		for i := 0; i < srcCount; i++ {
			src := n.slotAt(srcSlot + i)
			newKeyLen := int(src.keyLen) - diff
			space := newKeyLen + int(src.payloadLen)
			dst.dataOffset -= uint16(space)
			dst.spaceUsed += uint16(space)
			d := dst.slotAt(dstSlot + i)
			d.offset = dst.dataOffset
			key := n.getKey(srcSlot + i)[diff:]
			// key and payload are contiguous in the heap
			copy(dst.bytes()[d.offset:], n.bytes()[int(src.offset)+diff:int(src.offset)+diff+space])
			d.head = keyHead(key[:newKeyLen])
			d.keyLen = uint16(newKeyLen)
			d.payloadLen = src.payloadLen
		}
	} else {
		for i := 0; i < srcCount; i++ {
			n.copyKeyValue(srcSlot+i, dst, dstSlot+i)
		}
	}
	dst.count += uint16(srcCount)
	if int(dst.dataOffset) < headerSize+int(dst.count)*slotSize {
		panic("btree: node overflow during range copy")
	}
}

func (n *BTreeNode) copyKeyValue(srcSlot int, dst *BTreeNode, dstSlot int) {
	full := make([]byte, 0, int(n.prefixLen)+int(n.slotAt(srcSlot).keyLen))
	full = append(full, n.prefix()...)
	full = append(full, n.getKey(srcSlot)...)
	dst.storeKeyValue(dstSlot, full, n.getPayload(srcSlot))
}

func (n *BTreeNode) insertFence(fk *fenceSlot, key []byte) {
	if n.freeSpace() < len(key) {
		panic("btree: no space for fence key")
	}
	n.dataOffset -= uint16(len(key))
	n.spaceUsed += uint16(len(key))
	fk.offset = n.dataOffset
	fk.length = uint16(len(key))
	copy(n.bytes()[n.dataOffset:], key)
}

func (n *BTreeNode) setFences(lower, upper []byte) {
	n.insertFence(&n.lowerFence, lower)
	n.insertFence(&n.upperFence, upper)
	n.prefixLen = 0
	for int(n.prefixLen) < min(len(lower), len(upper)) && lower[n.prefixLen] == upper[n.prefixLen] {
		n.prefixLen++
	}
}

// compactify rewrites the heap without holes.
func (n *BTreeNode) compactify() {
	should := n.freeSpaceAfterCompaction()
	var tmp BTreeNode
	tmp.initNode(n.isLeaf())
	tmp.setFences(n.lowerFenceKey(), n.upperFenceKey())
	n.copyKeyValueRange(&tmp, 0, 0, int(n.count))
	tmp.next = n.next
	*n = tmp
	n.makeHint()
	if n.freeSpace() != should {
		panic("btree: compaction space accounting broken")
	}
}

// mergeNodes folds the right sibling into n. Inner nodes are not merged;
// inner underflow is left to future splits to absorb.
func (n *BTreeNode) mergeNodes(pid PID, slotID int, parent, right *BTreeNode) bool {
	if !n.isLeaf() {
		return true
	}
	if !right.isLeaf() || !parent.isInner() {
		panic("btree: merge of mismatched nodes")
	}
	var tmp BTreeNode
	tmp.initNode(true)
	tmp.setFences(n.lowerFenceKey(), right.upperFenceKey())
	leftGrow := (int(n.prefixLen) - int(tmp.prefixLen)) * int(n.count)
	rightGrow := (int(right.prefixLen) - int(tmp.prefixLen)) * int(right.count)
	spaceUpperBound := int(n.spaceUsed) + int(right.spaceUsed) +
		headerSize + slotSize*(int(n.count)+int(right.count)) + leftGrow + rightGrow
	if spaceUpperBound > pageSize {
		return false
	}
	n.copyKeyValueRange(&tmp, 0, 0, int(n.count))
	right.copyKeyValueRange(&tmp, int(n.count), 0, int(right.count))
	parent.setChild(slotID+1, pid)
	parent.removeSlot(slotID)
	tmp.makeHint()
	tmp.next = right.next
	*n = tmp
	return true
}

type separatorInfo struct {
	length    int // length of the separator key
	slot      int // slot at which the node splits
	truncated bool
}

// commonPrefix measures the shared prefix of two stored keys.
func (n *BTreeNode) commonPrefix(slotA, slotB int) int {
	a, b := n.getKey(slotA), n.getKey(slotB)
	limit := min(len(a), len(b))
	i := 0
	for i < limit && a[i] == b[i] {
		i++
	}
	return i
}

// findSeparator picks the split point: inner nodes split in the middle,
// ordered leaves near the tail, and otherwise a window around the middle is
// scanned for the boundary with the best prefix savings. The separator is
// truncated one byte past the boundary's common prefix when possible.
func (n *BTreeNode) findSeparator(splitOrdered bool) separatorInfo {
	count := int(n.count)
	if n.isInner() {
		slotID := count / 2
		return separatorInfo{length: int(n.prefixLen) + int(n.slotAt(slotID).keyLen), slot: slotID, truncated: false}
	}

	var bestSlot int
	if splitOrdered {
		bestSlot = count - 2
	} else if count > 16 {
		lower := count/2 - count/16
		upper := count / 2
		bestPrefixLen := n.commonPrefix(lower, 0)
		bestSlot = lower
		if bestPrefixLen != n.commonPrefix(upper-1, 0) {
			for bestSlot = lower + 1; bestSlot < upper && n.commonPrefix(bestSlot, 0) == bestPrefixLen; bestSlot++ {
			}
		}
	} else {
		bestSlot = (count - 1) / 2
	}
	if bestSlot < 0 {
		bestSlot = 0
	}

	if bestSlot+1 < count {
		common := n.commonPrefix(bestSlot, bestSlot+1)
		if int(n.slotAt(bestSlot).keyLen) > common && int(n.slotAt(bestSlot+1).keyLen) > common+1 {
			return separatorInfo{length: int(n.prefixLen) + common + 1, slot: bestSlot, truncated: true}
		}
	}
	return separatorInfo{length: int(n.prefixLen) + int(n.slotAt(bestSlot).keyLen), slot: bestSlot, truncated: false}
}

// getSep materialises the separator key chosen by findSeparator.
func (n *BTreeNode) getSep(out []byte, info separatorInfo) {
	copy(out, n.prefix())
	src := info.slot
	if info.truncated {
		src++
	}
	copy(out[n.prefixLen:], n.getKey(src)[:info.length-int(n.prefixLen)])
}

// Count returns the number of live slots; scan callbacks use it to bound
// slot ids.
func (n *BTreeNode) Count() int { return int(n.count) }

// IsLeaf reports whether the node is a leaf.
func (n *BTreeNode) IsLeaf() bool { return n.isLeaf() }

// FullKey appends the complete key of a slot (shared prefix restored) to
// dst and returns the extended slice.
func (n *BTreeNode) FullKey(slotID int, dst []byte) []byte {
	dst = append(dst, n.prefix()...)
	return append(dst, n.getKey(slotID)...)
}

// Payload returns the payload bytes of a slot. The slice aliases the page
// and is only valid while the node is fixed.
func (n *BTreeNode) Payload(slotID int) []byte { return n.getPayload(slotID) }

// lookupInner returns the child covering key.
func (n *BTreeNode) lookupInner(key []byte) PID {
	pos, _ := n.lowerBound(key)
	if pos == int(n.count) {
		return n.next
	}
	return n.getChild(pos)
}

// lookupInnerUpper returns the child strictly past key; scans use it to land
// on the leaf after a fence.
func (n *BTreeNode) lookupInnerUpper(key []byte) PID {
	pos := n.upperBound(key)
	if pos == int(n.count) {
		return n.next
	}
	return n.getChild(pos)
}


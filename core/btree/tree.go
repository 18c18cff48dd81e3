package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/kurodb/core/buffer"
)

// action is the outcome of one traversal attempt. Restart means a fix
// failed and the manager must make progress before the retry; retry means
// structural work (a split) happened and the operation re-runs from the
// root with no manager involvement.
type action uint8

const (
	actDone action = iota
	actRestart
	actRetry
)

// BTree is one tree rooted in a metadata-page slot. All operations run
// inside a fiber on the manager's scheduler and restart transparently on
// page faults.
type BTree struct {
	mgr    *buffer.Manager
	slotID int
	// splitOrdered biases leaf splits toward the tail for append-mostly
	// key streams.
	splitOrdered bool
}

// New claims a free root slot on the metadata page and plants an empty leaf
// as the root. Must run inside a fiber.
func New(mgr *buffer.Manager) *BTree {
	t := &BTree{mgr: mgr}
	for {
		meta := buffer.FixX[BTreeNode](mgr, metadataPID)
		if meta.Retry() {
			mgr.HandleRestart()
			continue
		}
		root := buffer.Alloc[BTreeNode](mgr)
		if root.Retry() {
			meta.Release()
			mgr.HandleRestart()
			continue
		}
		root.Ptr().initNode(true)

		mp := metaView(meta.Ptr())
		slot := -1
		for i := range mp.roots {
			if mp.roots[i] == 0 {
				slot = i
				break
			}
		}
		if slot < 0 {
			panic("btree: metadata page out of root slots")
		}
		mp.roots[slot] = root.PID()
		t.slotID = slot

		root.Release()
		meta.Release()
		return t
	}
}

// SetSplitOrdered toggles the tail-biased leaf split heuristic.
func (t *BTree) SetSplitOrdered(ordered bool) { t.splitOrdered = ordered }

// findLeafS descends shared from the root to the leaf covering key,
// restarting internally on faults. The returned guard is held.
func (t *BTree) findLeafS(key []byte) buffer.GuardS[BTreeNode] {
	for {
		meta := buffer.FixS[BTreeNode](t.mgr, metadataPID)
		if meta.Retry() {
			t.mgr.HandleRestart()
			continue
		}
		node := buffer.FixS[BTreeNode](t.mgr, metaView(meta.Ptr()).getRoot(t.slotID))
		meta.Release()
		if node.Retry() {
			t.mgr.HandleRestart()
			continue
		}

		faulted := false
		for node.Ptr().isInner() {
			child := buffer.FixS[BTreeNode](t.mgr, node.Ptr().lookupInner(key))
			node.MoveFrom(&child)
			if node.Retry() {
				t.mgr.HandleRestart()
				faulted = true
				break
			}
		}
		if faulted {
			continue
		}
		return node
	}
}

// findLeafSUpper is findLeafS with upper-bound routing; scans use it to land
// on the first leaf past a fence key.
func (t *BTree) findLeafSUpper(key []byte) buffer.GuardS[BTreeNode] {
	for {
		meta := buffer.FixS[BTreeNode](t.mgr, metadataPID)
		if meta.Retry() {
			t.mgr.HandleRestart()
			continue
		}
		node := buffer.FixS[BTreeNode](t.mgr, metaView(meta.Ptr()).getRoot(t.slotID))
		meta.Release()
		if node.Retry() {
			t.mgr.HandleRestart()
			continue
		}

		faulted := false
		for node.Ptr().isInner() {
			child := buffer.FixS[BTreeNode](t.mgr, node.Ptr().lookupInnerUpper(key))
			node.MoveFrom(&child)
			if node.Retry() {
				t.mgr.HandleRestart()
				faulted = true
				break
			}
		}
		if faulted {
			continue
		}
		return node
	}
}

// Lookup invokes fn on the payload under a shared fix. Reports whether the
// key was found.
func (t *BTree) Lookup(key []byte, fn func(payload []byte)) bool {
	node := t.findLeafS(key)
	pos, found := node.Ptr().lowerBound(key)
	if !found {
		node.Release()
		return false
	}
	fn(node.Ptr().getPayload(pos))
	node.Release()
	return true
}

// LookupCopy copies the payload into out and returns its full length, or -1
// when the key is absent.
func (t *BTree) LookupCopy(key, out []byte) int {
	n := -1
	t.Lookup(key, func(payload []byte) {
		copy(out, payload)
		n = len(payload)
	})
	return n
}

// UpdateInPlace invokes fn on the payload under an exclusive fix. The
// payload length cannot change. Reports whether the key was found.
func (t *BTree) UpdateInPlace(key []byte, fn func(payload []byte)) bool {
	node := t.findLeafS(key)
	pos, found := node.Ptr().lowerBound(key)
	if !found {
		node.Release()
		return false
	}
	locked := buffer.UpgradeX(&node)
	fn(locked.Ptr().getPayload(pos))
	locked.Release()
	return true
}

// Insert upserts key/payload, splitting as needed. Inserting an existing key
// replaces its payload.
func (t *BTree) Insert(key, payload []byte) {
	if len(key)+len(payload) > maxEntrySize {
		panic(fmt.Sprintf("btree: entry of %d bytes exceeds page capacity", len(key)+len(payload)))
	}
	for {
		switch t.insertOnce(key, payload) {
		case actDone:
			return
		case actRestart:
			t.mgr.HandleRestart()
		case actRetry:
			// a split made room; re-run from the root
		}
	}
}

func (t *BTree) insertOnce(key, payload []byte) action {
	parent := buffer.FixS[BTreeNode](t.mgr, metadataPID)
	if parent.Retry() {
		return actRestart
	}
	node := buffer.FixS[BTreeNode](t.mgr, metaView(parent.Ptr()).getRoot(t.slotID))
	if node.Retry() {
		parent.Release()
		return actRestart
	}

	for node.Ptr().isInner() {
		parent.MoveFrom(&node)
		child := buffer.FixS[BTreeNode](t.mgr, parent.Ptr().lookupInner(key))
		node.MoveFrom(&child)
		if node.Retry() {
			parent.Release()
			return actRestart
		}
	}

	if pos, found := node.Ptr().lowerBound(key); found {
		if len(node.Ptr().getPayload(pos)) == len(payload) {
			// same-size upsert rewrites in place
			locked := buffer.UpgradeX(&node)
			parent.Release()
			copy(locked.Ptr().getPayload(pos), payload)
			locked.Release()
			return actDone
		}
		// size changed: drop the old entry, then insert as usual
		locked := buffer.UpgradeX(&node)
		locked.Ptr().removeSlot(pos)
		if locked.Ptr().hasSpaceFor(len(key), len(payload)) {
			parent.Release()
			locked.Ptr().insertInPage(key, payload)
			locked.Release()
			return actDone
		}
		parentLocked := buffer.UpgradeX(&parent)
		res := t.trySplit(&locked, &parentLocked, key, len(payload))
		locked.Release()
		parentLocked.Release()
		if res == actRestart {
			return actRestart
		}
		return actRetry
	}

	if node.Ptr().hasSpaceFor(len(key), len(payload)) {
		// only lock the leaf
		locked := buffer.UpgradeX(&node)
		parent.Release()
		locked.Ptr().insertInPage(key, payload)
		locked.Release()
		return actDone
	}

	// lock parent and leaf, make room
	parentLocked := buffer.UpgradeX(&parent)
	nodeLocked := buffer.UpgradeX(&node)
	res := t.trySplit(&nodeLocked, &parentLocked, key, len(payload))
	nodeLocked.Release()
	parentLocked.Release()
	if res == actRestart {
		return actRestart
	}
	return actRetry
}

// trySplit splits node, growing a new root out of the metadata page when the
// parent is page 0 and recursing upward when the parent lacks room for the
// separator. The caller keeps ownership of both guards.
func (t *BTree) trySplit(node, parent *buffer.GuardX[BTreeNode], key []byte, payloadLen int) action {
	if parent.PID() == metadataPID {
		mp := metaView(parent.Ptr())
		newRoot := buffer.Alloc[BTreeNode](t.mgr)
		if newRoot.Retry() {
			return actRestart
		}
		newRoot.Ptr().initNode(false)
		newRoot.Ptr().next = node.PID()
		mp.roots[t.slotID] = newRoot.PID()
		parent.MoveFrom(&newRoot)
	}

	sepInfo := node.Ptr().findSeparator(t.splitOrdered)
	sepKey := make([]byte, sepInfo.length)
	node.Ptr().getSep(sepKey, sepInfo)

	if parent.Ptr().hasSpaceFor(len(sepKey), childPayloadSize) {
		return t.splitNode(node, parent, sepInfo.slot, sepKey)
	}

	// Parent is full: release both and split the parent first, then retry
	// the whole operation from the root.
	toSplit := parent.Ptr()
	node.Release()
	parent.Release()
	t.ensureSpace(toSplit, sepKey, childPayloadSize)
	return actDone
}

// splitNode allocates the right sibling, splices the separator into the
// parent, and distributes the entries. The left half is rebuilt in a scratch
// node and copied over the original so the PID of the split node survives.
func (t *BTree) splitNode(node, parent *buffer.GuardX[BTreeNode], sepSlot int, sep []byte) action {
	n := node.Ptr()

	newNode := buffer.Alloc[BTreeNode](t.mgr)
	if newNode.Retry() {
		return actRestart
	}
	right := newNode.Ptr()
	right.initNode(n.isLeaf())

	var tmp BTreeNode
	tmp.initNode(n.isLeaf())
	left := &tmp

	left.setFences(n.lowerFenceKey(), sep)
	right.setFences(sep, n.upperFenceKey())

	p := parent.Ptr()
	oldParentSlot, _ := p.lowerBound(sep)
	if oldParentSlot == int(p.count) {
		if p.next != node.PID() {
			panic("btree: parent upper child does not point at split node")
		}
		p.next = newNode.PID()
	} else {
		if p.getChild(oldParentSlot) != node.PID() {
			panic("btree: parent slot does not point at split node")
		}
		p.setChild(oldParentSlot, newNode.PID())
	}
	var leftPID [childPayloadSize]byte
	binary.LittleEndian.PutUint64(leftPID[:], node.PID())
	p.insertInPage(sep, leftPID[:])

	if n.isLeaf() {
		n.copyKeyValueRange(left, 0, 0, sepSlot+1)
		n.copyKeyValueRange(right, 0, int(left.count), int(n.count)-int(left.count))
		left.next = newNode.PID()
		right.next = n.next
	} else {
		// the separator moves up: count == 1 + left.count + right.count
		n.copyKeyValueRange(left, 0, 0, sepSlot)
		n.copyKeyValueRange(right, 0, int(left.count)+1, int(n.count)-int(left.count)-1)
		left.next = n.getChild(int(left.count))
		right.next = n.next
	}
	left.makeHint()
	right.makeHint()
	*n = tmp

	newNode.Release()
	return actDone
}

// ensureSpace re-descends to toSplit and splits it so a separator of the
// given size fits. toSplit is identified by frame address: the page cannot
// move while its traversal observes it, and a concurrent split is detected
// by the space re-check.
func (t *BTree) ensureSpace(toSplit *BTreeNode, key []byte, payloadLen int) {
	for {
		switch t.ensureSpaceOnce(toSplit, key, payloadLen) {
		case actDone:
			return
		case actRestart:
			t.mgr.HandleRestart()
		case actRetry:
		}
	}
}

func (t *BTree) ensureSpaceOnce(toSplit *BTreeNode, key []byte, payloadLen int) action {
	parent := buffer.FixS[BTreeNode](t.mgr, metadataPID)
	if parent.Retry() {
		return actRestart
	}
	node := buffer.FixS[BTreeNode](t.mgr, metaView(parent.Ptr()).getRoot(t.slotID))
	if node.Retry() {
		parent.Release()
		return actRestart
	}

	for node.Ptr().isInner() && node.Ptr() != toSplit {
		parent.MoveFrom(&node)
		child := buffer.FixS[BTreeNode](t.mgr, parent.Ptr().lookupInner(key))
		node.MoveFrom(&child)
		if node.Retry() {
			parent.Release()
			return actRestart
		}
	}

	if node.Ptr() == toSplit {
		if node.Ptr().hasSpaceFor(len(key), payloadLen) {
			// someone else split it already
			node.Release()
			parent.Release()
			return actDone
		}
		parentLocked := buffer.UpgradeX(&parent)
		nodeLocked := buffer.UpgradeX(&node)
		res := t.trySplit(&nodeLocked, &parentLocked, key, payloadLen)
		nodeLocked.Release()
		parentLocked.Release()
		if res == actRestart {
			return actRestart
		}
	} else {
		node.Release()
		parent.Release()
	}
	return actDone
}

// Remove deletes key. When the leaf is underfull and its right sibling is a
// slot child of the same parent, the sibling is folded into the leaf if both
// fit one page. Reports whether the key was present.
func (t *BTree) Remove(key []byte) bool {
	for {
		removed, res := t.removeOnce(key)
		switch res {
		case actDone:
			return removed
		case actRestart:
			t.mgr.HandleRestart()
		}
	}
}

func (t *BTree) removeOnce(key []byte) (bool, action) {
	parent := buffer.FixS[BTreeNode](t.mgr, metadataPID)
	if parent.Retry() {
		return false, actRestart
	}
	node := buffer.FixS[BTreeNode](t.mgr, metaView(parent.Ptr()).getRoot(t.slotID))
	if node.Retry() {
		parent.Release()
		return false, actRestart
	}

	var pos int
	for node.Ptr().isInner() {
		pos, _ = node.Ptr().lowerBound(key)
		next := node.Ptr().next
		if pos != int(node.Ptr().count) {
			next = node.Ptr().getChild(pos)
		}
		parent.MoveFrom(&node)
		child := buffer.FixS[BTreeNode](t.mgr, next)
		node.MoveFrom(&child)
		if node.Retry() {
			parent.Release()
			return false, actRestart
		}
	}

	slotID, found := node.Ptr().lowerBound(key)
	if !found {
		node.Release()
		parent.Release()
		return false, actDone
	}

	s := node.Ptr().slotAt(slotID)
	entrySize := int(s.keyLen) + int(s.payloadLen)
	underfull := node.Ptr().freeSpaceAfterCompaction()+entrySize >= underFullSize

	if underfull && parent.PID() != metadataPID && int(parent.Ptr().count) >= 2 && pos+1 < int(parent.Ptr().count) {
		parentLocked := buffer.UpgradeX(&parent)
		nodeLocked := buffer.UpgradeX(&node)
		rightLocked := buffer.FixX[BTreeNode](t.mgr, parentLocked.Ptr().getChild(pos+1))
		if rightLocked.Retry() {
			// no modifications yet; unwind and restart
			nodeLocked.Release()
			parentLocked.Release()
			return false, actRestart
		}
		nodeLocked.Ptr().removeSlot(slotID)
		if rightLocked.Ptr().freeSpaceAfterCompaction() >= pageSize-underFullSize {
			// The merged-away sibling keeps its PID resident until the
			// evictor reclaims it.
			nodeLocked.Ptr().mergeNodes(nodeLocked.PID(), pos, parentLocked.Ptr(), rightLocked.Ptr())
		}
		rightLocked.Release()
		nodeLocked.Release()
		parentLocked.Release()
		return true, actDone
	}

	locked := buffer.UpgradeX(&node)
	parent.Release()
	locked.Ptr().removeSlot(slotID)
	locked.Release()
	return true, actDone
}

// ScanAsc walks keys >= key in order, invoking fn per slot until it returns
// false. Leaves are never coupled: before hopping, the upper fence is copied
// out, the leaf released, and the next leaf found by a fresh upper-bound
// descent from the root.
func (t *BTree) ScanAsc(key []byte, fn func(node *BTreeNode, slotID int) bool) {
	node := t.findLeafS(key)
	pos, _ := node.Ptr().lowerBound(key)
	for {
		if pos < int(node.Ptr().count) {
			if !fn(node.Ptr(), pos) {
				node.Release()
				return
			}
			pos++
			continue
		}
		if !node.Ptr().hasRightNeighbour() {
			node.Release()
			return
		}
		pos = 0
		fence := append([]byte(nil), node.Ptr().upperFenceKey()...)
		node.Release()
		node = t.findLeafSUpper(fence)
	}
}

// ScanDesc walks keys in reverse from the starting position, invoking fn per
// slot until it returns false. The starting position is the scan key's slot
// (exact true), else the first slot above it (exact false), else, when the
// key sorts past the leaf's last slot, that last slot (exact true). Every
// later callback is at a key below the scan key.
func (t *BTree) ScanDesc(key []byte, fn func(node *BTreeNode, slotID int, exact bool) bool) {
	node := t.findLeafS(key)
	pos, exact := node.Ptr().lowerBound(key)
	if pos == int(node.Ptr().count) {
		pos--
		exact = true
	}
	for {
		for pos >= 0 {
			if !fn(node.Ptr(), pos, exact) {
				node.Release()
				return
			}
			pos--
		}
		if !node.Ptr().hasLowerFence() {
			node.Release()
			return
		}
		fence := append([]byte(nil), node.Ptr().lowerFenceKey()...)
		node.Release()
		node = t.findLeafS(fence)
		pos = int(node.Ptr().count) - 1
	}
}

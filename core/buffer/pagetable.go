package buffer

import "fmt"

// PageTable maps PID to FrameTag in a fixed-capacity, power-of-two-sized
// robin-hood hash table with backshift deletion. No tombstones: the control
// byte per slot is the probe distance plus one, zero meaning empty. A
// persistent clock hand walks the occupied slots for eviction.
type PageTable struct {
	entries []ptEntry
	ctrl    []uint8
	mask    uint64
	used    int
	sweep   uint64
}

type ptEntry struct {
	key PID
	val FrameTag
}

// emptyKey is forbidden as a real key; it marks unoccupied slots.
const emptyKey = ^uint64(0)

const maxProbe = 254

// NewPageTable creates a table with the given power-of-two capacity.
func NewPageTable(capacity uint64) *PageTable {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("buffer: page table capacity must be a power of two")
	}
	t := &PageTable{
		entries: make([]ptEntry, capacity),
		ctrl:    make([]uint8, capacity),
		mask:    capacity - 1,
	}
	for i := range t.entries {
		t.entries[i].key = emptyKey
	}
	return t
}

// splitmix64 diffuses the key into a slot index.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func (t *PageTable) home(k PID) uint64 { return splitmix64(k) & t.mask }

// Insert adds (k, v) or replaces the value of an existing key. Reports
// whether a new entry was created. A probe chain longer than 254 slots is an
// invariant breach and aborts.
func (t *PageTable) Insert(k PID, v FrameTag) bool {
	if k == emptyKey {
		panic("buffer: page table key equals empty sentinel")
	}
	i := t.home(k)
	dist := uint8(1)

	for {
		c := t.ctrl[i]
		if c == 0 {
			t.entries[i] = ptEntry{key: k, val: v}
			t.ctrl[i] = dist
			t.used++
			return true
		}
		if t.entries[i].key == k {
			t.entries[i].val = v
			return false
		}
		if c < dist { // rob the richer resident
			k, t.entries[i].key = t.entries[i].key, k
			v, t.entries[i].val = t.entries[i].val, v
			dist, t.ctrl[i] = t.ctrl[i], dist
		}
		i = (i + 1) & t.mask
		dist++
		if dist == maxProbe+1 {
			panic(fmt.Sprintf("buffer: page table probe distance overflow at key %d (size %d/%d)",
				k, t.used, len(t.entries)))
		}
	}
}

// Find returns a pointer to the stored descriptor, or nil. The robin-hood
// property allows bailing out as soon as the probed slot sits closer to its
// home than we have travelled.
func (t *PageTable) Find(k PID) *FrameTag {
	if k == emptyKey {
		return nil
	}
	i := t.home(k)
	dist := uint8(1)
	for {
		c := t.ctrl[i]
		if c == 0 || c < dist {
			return nil
		}
		if t.entries[i].key == k {
			return &t.entries[i].val
		}
		i = (i + 1) & t.mask
		dist++
		if dist == maxProbe+1 {
			return nil
		}
	}
}

// Erase backshift-deletes k, pulling successors toward the hole while their
// displacement exceeds one. Reports whether the key was present.
func (t *PageTable) Erase(k PID) bool {
	if k == emptyKey {
		return false
	}
	i := t.home(k)
	dist := uint8(1)
	for {
		c := t.ctrl[i]
		if c == 0 || c < dist {
			return false
		}
		if t.entries[i].key == k {
			t.backshift(i)
			t.used--
			return true
		}
		i = (i + 1) & t.mask
		dist++
		if dist == maxProbe+1 {
			return false
		}
	}
}

func (t *PageTable) backshift(hole uint64) {
	j := hole
	k := (j + 1) & t.mask
	for {
		ck := t.ctrl[k]
		if ck <= 1 { // next slot empty or at home
			t.ctrl[j] = 0
			t.entries[j].key = emptyKey
			return
		}
		t.entries[j] = t.entries[k]
		t.ctrl[j] = ck - 1
		j = k
		k = (k + 1) & t.mask
	}
}

// ClockSweepNext advances the persistent hand, visiting occupied slots until
// fn accepts one (returns true) or a full rotation has been observed. The
// hand moves one slot per step regardless of fn's answer, which is what
// gives every resident page its second chance.
func (t *PageTable) ClockSweepNext(fn func(pid PID, tag *FrameTag) bool) bool {
	if t.used == 0 {
		return false
	}
	capacity := uint64(len(t.entries))
	for scanned := uint64(0); scanned < capacity; scanned++ {
		idx := t.sweep & t.mask
		t.sweep = (t.sweep + 1) & t.mask
		if t.ctrl[idx] != 0 {
			if fn(t.entries[idx].key, &t.entries[idx].val) {
				return true
			}
		}
	}
	return false
}

// SweepPos exposes the hand position for diagnostics.
func (t *PageTable) SweepPos() uint64 { return t.sweep }

// Len returns the number of occupied slots.
func (t *PageTable) Len() int { return t.used }

// Cap returns the slot capacity.
func (t *PageTable) Cap() int { return len(t.entries) }

// LoadFactor returns occupancy in [0, 1].
func (t *PageTable) LoadFactor() float64 {
	return float64(t.used) / float64(len(t.entries))
}

// Dump visits every occupied slot with its home and actual index; used by
// the debug CSV dump of the manager.
func (t *PageTable) Dump(fn func(pid PID, tag FrameTag, home, idx uint64)) {
	for i := range t.entries {
		if t.ctrl[i] != 0 {
			k := t.entries[i].key
			fn(k, t.entries[i].val, t.home(k), uint64(i))
		}
	}
}

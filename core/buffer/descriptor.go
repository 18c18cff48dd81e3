package buffer

// FrameTag is the frame descriptor stored in the page table: a BID shifted
// above five flag bits. Values are copied in and out of the table by value;
// the table's Find returns a pointer so flag updates hit the stored word.
type FrameTag uint64

const (
	tagInUse    FrameTag = 1 << 0 // fixed by a worker
	tagDirty    FrameTag = 1 << 1 // unwritten changes since last flush
	tagEvicting FrameTag = 1 << 2 // chosen by the current clock sweep
	tagIOLock   FrameTag = 1 << 3 // an async read is populating the frame
	tagMarked   FrameTag = 1 << 4 // clock second-chance bit

	tagFlagsMask = tagInUse | tagDirty | tagEvicting | tagIOLock | tagMarked
	tagShift     = 5
)

// NewFrameTag builds a descriptor for bid with all flags clear.
func NewFrameTag(bid BID) FrameTag { return FrameTag(bid << tagShift) }

// BID extracts the frame index.
func (t FrameTag) BID() BID { return BID(t >> tagShift) }

func (t FrameTag) InUse() bool    { return t&tagInUse != 0 }
func (t FrameTag) Dirty() bool    { return t&tagDirty != 0 }
func (t FrameTag) Evicting() bool { return t&tagEvicting != 0 }
func (t FrameTag) IOLock() bool   { return t&tagIOLock != 0 }
func (t FrameTag) Marked() bool   { return t&tagMarked != 0 }

func (t *FrameTag) set(flag FrameTag, b bool) {
	if b {
		*t |= flag
	} else {
		*t &^= flag
	}
}

func (t *FrameTag) SetInUse(b bool)    { t.set(tagInUse, b) }
func (t *FrameTag) SetDirty(b bool)    { t.set(tagDirty, b) }
func (t *FrameTag) SetEvicting(b bool) { t.set(tagEvicting, b) }
func (t *FrameTag) SetIOLock(b bool)   { t.set(tagIOLock, b) }
func (t *FrameTag) SetMarked(b bool)   { t.set(tagMarked, b) }

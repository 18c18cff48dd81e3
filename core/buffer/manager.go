package buffer

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/sushant-115/kurodb/core/fiber"
	"github.com/sushant-115/kurodb/core/ioengine"
	"github.com/sushant-115/kurodb/internal/platform"
)

// Config sizes the buffer manager.
type Config struct {
	// VirtSize bounds the logical address space in bytes; it caps PID
	// allocation and dictates the backing device size.
	VirtSize uint64 `yaml:"virt_size"`
	// PhysSize is the resident memory budget in bytes; it dictates the
	// frame count.
	PhysSize uint64 `yaml:"phys_size"`
	// EvictBatch is the maximum number of frames one eviction round picks.
	EvictBatch int `yaml:"evict_batch"`
	// FreeTarget wakes the evictor when the free ratio falls below it.
	FreeTarget float64 `yaml:"free_target"`
	// PageTableFactor over-provisions the hash table relative to the frame
	// count before rounding up to a power of two.
	PageTableFactor float64 `yaml:"page_table_factor"`
	// DebugLog enables per-fix debug logging.
	DebugLog bool `yaml:"debug_log"`
}

func (c *Config) applyDefaults() {
	if c.EvictBatch == 0 {
		c.EvictBatch = 64
	}
	if c.FreeTarget == 0 {
		c.FreeTarget = 0.1
	}
	if c.PageTableFactor == 0 {
		c.PageTableFactor = 1.5
	}
}

// restartKind tags the cause recorded by a failed fix.
type restartKind uint8

const (
	restartNone restartKind = iota
	restartPageFault
	restartWait
	restartAlloc
)

// restartCtx is the three-variant restart tag: a failing fix writes it and
// returns nil, HandleRestart dispatches on it. It is never read without a
// preceding fix failure.
type restartCtx struct {
	kind restartKind
	pid  PID
	bid  BID
}

// waiter is one parked fiber in a frame's read wait list. It lives on the
// waiting fiber's stack; the list head is always the op that initiated the
// read.
type waiter struct {
	fiber *fiber.Fiber
	next  *waiter
}

// Frame carries the back-pointer from a physical frame to its current PID
// plus the wait list of fibers parked on the in-flight read.
type Frame struct {
	pid     PID
	waiters *waiter
}

// Manager is the buffer manager: it owns the frames, the page table, the
// free list, and the eviction fiber, and runs entirely on one scheduler.
type Manager struct {
	cfg   Config
	log   *zap.Logger
	sched *fiber.Scheduler
	eng   *ioengine.Engine

	pageCount uint64 // resident frames
	virtPages uint64 // logical page bound

	pt     *PageTable
	frames []Frame
	region []byte
	free   []BID

	allocCount uint64 // next PID; 0 is the metadata page
	physUsed   uint64

	restart restartCtx
	evictor *fiber.Sleeper

	toWrite []BID
	toEvict []BID

	faultStallLogs int

	readCount  atomic.Uint64
	writeCount atomic.Uint64
	fixes      atomic.Uint64
	restarts   atomic.Uint64
}

func nextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	p := uint64(1)
	for p < x {
		p <<= 1
	}
	return p
}

// New builds the manager: allocates the huge-page-backed frame region, seeds
// the free list, installs the metadata page in frame 0, and spawns the
// eviction fiber on the scheduler.
func New(cfg Config, sched *fiber.Scheduler, eng *ioengine.Engine, log *zap.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if cfg.PhysSize < 2*PageSize {
		return nil, fmt.Errorf("buffer: phys size %d below two pages", cfg.PhysSize)
	}
	if cfg.VirtSize < cfg.PhysSize {
		return nil, fmt.Errorf("buffer: virt size %d below phys size %d", cfg.VirtSize, cfg.PhysSize)
	}

	m := &Manager{
		cfg:        cfg,
		log:        log,
		sched:      sched,
		eng:        eng,
		pageCount:  cfg.PhysSize / PageSize,
		virtPages:  cfg.VirtSize / PageSize,
		allocCount: 1,
		physUsed:   1, // metadata resident from the start
	}

	tableSize := nextPow2(uint64(float64(m.pageCount) * cfg.PageTableFactor))
	log.Info("buffer manager sizing",
		zap.Uint64("page_count", m.pageCount),
		zap.Uint64("page_table_size", tableSize),
		zap.Float64("ratio", float64(tableSize)/float64(m.pageCount)))
	m.pt = NewPageTable(tableSize)

	region, err := platform.AllocRegion(int(m.pageCount) * PageSize)
	if err != nil {
		return nil, err
	}
	m.region = region
	m.frames = make([]Frame, m.pageCount)

	m.toWrite = make([]BID, 0, cfg.EvictBatch)
	m.toEvict = make([]BID, 0, cfg.EvictBatch)

	// Free frames in descending order so pops hand out 1, 2, ...; frame 0
	// belongs to the metadata page.
	m.free = make([]BID, 0, m.pageCount)
	for i := uint64(0); i < m.pageCount; i++ {
		bid := m.pageCount - i - 1
		if bid == 0 {
			break
		}
		m.free = append(m.free, bid)
	}

	tag := NewFrameTag(0)
	tag.SetDirty(true)
	tag.SetMarked(true)
	if !m.pt.Insert(MetadataPID, tag) {
		panic("buffer: metadata page already present")
	}
	m.frames[0] = Frame{pid: MetadataPID}

	m.evictor = fiber.SpawnSleeper(sched, nil, func() bool {
		if uint64(len(m.free)) <= m.freeThreshold() {
			m.evict()
			return false // stay runnable, re-check pressure
		}
		return true // park until signalled
	})

	return m, nil
}

// Close releases the frame region. The scheduler must be stopped first; the
// eviction fiber may still hold parked state otherwise.
func (m *Manager) Close() error {
	return platform.FreeRegion(m.region)
}

func (m *Manager) freeThreshold() uint64 {
	return uint64(float64(m.pageCount) * m.cfg.FreeTarget)
}

// pagePtr returns the frame's resident page.
func (m *Manager) pagePtr(bid BID) *Page {
	return (*Page)(unsafe.Pointer(&m.region[bid*PageSize]))
}

func (m *Manager) pageBytes(bid BID) []byte {
	return m.region[bid*PageSize : (bid+1)*PageSize]
}

// Region exposes the resident page region, e.g. for registering fixed
// buffers with the kernel.
func (m *Manager) Region() []byte { return m.region }

// PageCount returns the number of resident frames.
func (m *Manager) PageCount() uint64 { return m.pageCount }

// FreeLen returns the current free-list depth.
func (m *Manager) FreeLen() int { return len(m.free) }

// PhysUsed returns the number of frames holding pages.
func (m *Manager) PhysUsed() uint64 { return m.physUsed }

// AllocCount returns the next PID to be handed out.
func (m *Manager) AllocCount() uint64 { return m.allocCount }

// Table exposes the page table for stats and invariant checks.
func (m *Manager) Table() *PageTable { return m.pt }

// Engine returns the I/O engine the manager submits through.
func (m *Manager) Engine() *ioengine.Engine { return m.eng }

// Scheduler returns the fiber scheduler the manager runs on.
func (m *Manager) Scheduler() *fiber.Scheduler { return m.sched }

// ReadCount returns completed page reads.
func (m *Manager) ReadCount() uint64 { return m.readCount.Load() }

// WriteCount returns completed page writes.
func (m *Manager) WriteCount() uint64 { return m.writeCount.Load() }

// Fixes returns the number of fix attempts.
func (m *Manager) Fixes() uint64 { return m.fixes.Load() }

// Restarts returns the number of fix and allocation attempts that recorded a
// restart.
func (m *Manager) Restarts() uint64 { return m.restarts.Load() }

// ResetCounters zeroes the I/O counters; the bench calls this after the
// load phase.
func (m *Manager) ResetCounters() {
	m.readCount.Store(0)
	m.writeCount.Store(0)
	m.fixes.Store(0)
	m.restarts.Store(0)
}

// FixS fixes pid shared. On a miss or an in-flight read it records the
// restart cause and returns nil; the caller must unwind its guards and call
// HandleRestart before retrying.
func (m *Manager) FixS(pid PID) *Page {
	m.fixes.Add(1)

	tag := m.pt.Find(pid)
	if tag == nil {
		m.restarts.Add(1)
		m.restart = restartCtx{kind: restartPageFault, pid: pid}
		return nil
	}
	bid := tag.BID()
	if tag.IOLock() {
		m.restarts.Add(1)
		m.restart = restartCtx{kind: restartWait, bid: bid}
		return nil
	}
	if tag.InUse() {
		panic(fmt.Sprintf("buffer: fix of pid %d already in use", pid))
	}
	tag.SetInUse(true)
	tag.SetMarked(true)
	return m.pagePtr(bid)
}

// FixX fixes pid exclusive; same restart contract as FixS, additionally
// marking the frame dirty.
func (m *Manager) FixX(pid PID) *Page {
	m.fixes.Add(1)

	tag := m.pt.Find(pid)
	if tag == nil {
		m.restarts.Add(1)
		m.restart = restartCtx{kind: restartPageFault, pid: pid}
		return nil
	}
	bid := tag.BID()
	if tag.IOLock() {
		m.restarts.Add(1)
		m.restart = restartCtx{kind: restartWait, bid: bid}
		return nil
	}
	if tag.InUse() {
		panic(fmt.Sprintf("buffer: fix of pid %d already in use", pid))
	}
	tag.SetInUse(true)
	tag.SetMarked(true)
	tag.SetDirty(true)
	return m.pagePtr(bid)
}

// UnfixS releases a shared fix.
func (m *Manager) UnfixS(pid PID) {
	tag := m.pt.Find(pid)
	if tag == nil {
		panic(fmt.Sprintf("buffer: unfix of non-resident pid %d", pid))
	}
	if !tag.InUse() {
		panic(fmt.Sprintf("buffer: unfix of unfixed pid %d", pid))
	}
	tag.SetInUse(false)
	tag.SetMarked(true)
}

// UnfixX releases an exclusive fix, marking the frame dirty.
func (m *Manager) UnfixX(pid PID) {
	tag := m.pt.Find(pid)
	if tag == nil {
		panic(fmt.Sprintf("buffer: unfix of non-resident pid %d", pid))
	}
	if !tag.InUse() {
		panic(fmt.Sprintf("buffer: unfix of unfixed pid %d", pid))
	}
	tag.SetInUse(false)
	tag.SetDirty(true)
	tag.SetMarked(true)
	if tag.IOLock() {
		panic(fmt.Sprintf("buffer: unfix of io-locked pid %d", pid))
	}
}

// EnsureFreePages wakes the evictor when the free list runs low.
func (m *Manager) EnsureFreePages() {
	if uint64(len(m.free)) <= m.freeThreshold() {
		m.evictor.Wake()
	}
}

// AllocPage allocates a fresh logical page, fixes it exclusive, and returns
// the zeroed frame with its PID. With the free list empty it records an
// allocation stall and returns nil; the caller restarts and the evictor
// makes progress.
func (m *Manager) AllocPage() (*Page, PID) {
	m.EnsureFreePages()

	if len(m.free) == 0 {
		m.restarts.Add(1)
		m.restart = restartCtx{kind: restartAlloc}
		return nil, 0
	}

	bid := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.physUsed++

	pid := m.allocCount
	m.allocCount++
	if pid >= m.virtPages {
		panic(fmt.Sprintf("buffer: logical address space exhausted at pid %d", pid))
	}
	if m.cfg.DebugLog {
		m.log.Debug("alloc page", zap.Uint64("pid", pid), zap.Uint64("bid", bid))
	}

	tag := NewFrameTag(bid)
	tag.SetDirty(true)
	tag.SetInUse(true)
	tag.SetMarked(true)
	if !m.pt.Insert(pid, tag) {
		panic(fmt.Sprintf("buffer: alloc of already-resident pid %d", pid))
	}

	page := m.pageBytes(bid)
	for i := range page {
		page[i] = 0
	}
	m.frames[bid] = Frame{pid: pid}

	return m.pagePtr(bid), pid
}

// HandleRestart dispatches the recorded restart cause: fault in the missing
// page, wait on the pending read, or yield so the evictor can run. Callers
// must have released every guard first and must not call it without a
// preceding fix failure.
func (m *Manager) HandleRestart() {
	ctx := m.restart
	m.restart = restartCtx{}
	switch ctx.kind {
	case restartPageFault:
		m.handleFault(ctx.pid)
	case restartWait:
		m.handleWait(ctx.bid)
	case restartAlloc:
		m.sched.Yield()
	default:
		panic("buffer: handle restart without a recorded cause")
	}
}

// handleFault installs a frame for pid under io_lock, issues the read, and
// parks until the completion. After waking it drains the frame's wait list
// (waking the fibers that piled up behind the read) and clears io_lock
// before any of them can observe the page.
func (m *Manager) handleFault(pid PID) {
	m.EnsureFreePages()

	if len(m.free) == 0 {
		if m.faultStallLogs < 10 {
			m.log.Info("evictor too slow", zap.Uint64("pid", pid))
			m.faultStallLogs++
		}
		m.sched.Yield()
		return
	}

	bid := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.physUsed++

	if m.cfg.DebugLog {
		m.log.Debug("fault read", zap.Uint64("pid", pid), zap.Uint64("bid", bid))
	}

	tag := NewFrameTag(bid)
	tag.SetIOLock(true)
	tag.SetMarked(true)
	if !m.pt.Insert(pid, tag) {
		panic(fmt.Sprintf("buffer: fault insert of already-resident pid %d", pid))
	}

	w := waiter{fiber: m.sched.Current()}
	m.frames[bid] = Frame{pid: pid, waiters: &w}

	res := m.eng.Read(m.pageBytes(bid), pid*PageSize)
	if res != PageSize {
		panic(fmt.Sprintf("buffer: short read of pid %d: %d bytes", pid, res))
	}

	fr := &m.frames[bid]
	if fr.waiters != &w {
		panic("buffer: read initiator displaced from wait list head")
	}
	fr.waiters = fr.waiters.next // skip self
	for fr.waiters != nil {
		m.sched.Wake(fr.waiters.fiber)
		fr.waiters = fr.waiters.next
	}

	after := m.pt.Find(pid)
	if after == nil {
		panic(fmt.Sprintf("buffer: pid %d vanished during fault", pid))
	}
	after.SetIOLock(false)

	m.readCount.Add(1)
}

// handleWait links the current fiber into the frame's wait list, behind the
// fiber that initiated the read, and parks until the completion path wakes
// it.
func (m *Manager) handleWait(bid BID) {
	fr := &m.frames[bid]
	if fr.waiters == nil {
		panic(fmt.Sprintf("buffer: wait on bid %d without pending read", bid))
	}

	tag := m.pt.Find(fr.pid)
	if tag == nil || !tag.IOLock() {
		panic(fmt.Sprintf("buffer: wait on bid %d without io lock", bid))
	}

	w := waiter{fiber: m.sched.Current()}
	w.next = fr.waiters.next
	fr.waiters.next = &w

	m.sched.Park()
}

// evict runs one eviction round: sweep the clock hand for up to one rotation
// collecting victims, flush the dirty ones as a single write batch, then
// commit, re-checking each victim because a worker may have re-fixed or
// re-dirtied it while the writes were in flight.
func (m *Manager) evict() {
	m.toEvict = m.toEvict[:0]
	m.toWrite = m.toWrite[:0]

	m.pt.ClockSweepNext(func(pid PID, tag *FrameTag) bool {
		bid := tag.BID()
		if m.frames[bid].pid != pid {
			panic(fmt.Sprintf("buffer: frame %d back-pointer %d, table says %d", bid, m.frames[bid].pid, pid))
		}
		if pid == MetadataPID {
			return false // never evicted
		}
		if tag.InUse() || tag.IOLock() || tag.Evicting() {
			return false
		}
		if tag.Marked() {
			tag.SetMarked(false) // second chance
			return false
		}

		tag.SetEvicting(true)
		if tag.Dirty() {
			tag.SetDirty(false)
			m.toWrite = append(m.toWrite, bid)
		} else {
			m.toEvict = append(m.toEvict, bid)
		}
		return len(m.toWrite)+len(m.toEvict) == m.cfg.EvictBatch
	})

	if len(m.toWrite) > 0 {
		if m.cfg.DebugLog {
			m.log.Debug("evicting", zap.Int("writes", len(m.toWrite)))
		}
		reqs := make([]ioengine.Request, len(m.toWrite))
		for i, bid := range m.toWrite {
			reqs[i] = ioengine.Request{
				Kind: ioengine.OpWrite,
				Buf:  m.pageBytes(bid),
				Off:  m.frames[bid].pid * PageSize,
			}
		}
		res := m.eng.WriteBatch(reqs)
		if res != PageSize {
			panic(fmt.Sprintf("buffer: short write in eviction batch: %d bytes", res))
		}
		m.writeCount.Add(uint64(len(m.toWrite)))
	}

	evicted := uint64(0)
	evictNow := func(bid BID) {
		pid := m.frames[bid].pid
		tag := m.pt.Find(pid)
		if tag == nil {
			panic(fmt.Sprintf("buffer: eviction victim pid %d not resident", pid))
		}
		if !tag.Evicting() {
			panic(fmt.Sprintf("buffer: eviction victim pid %d lost evict flag", pid))
		}
		tag.SetEvicting(false)

		if tag.InUse() {
			// re-fixed during the sweep or the write
			m.log.Info("evict raced with fix", zap.Uint64("bid", bid))
			return
		}
		if tag.Dirty() {
			return // re-dirtied, let a later round pick it up
		}
		if tag.IOLock() {
			panic(fmt.Sprintf("buffer: eviction victim pid %d under io lock", pid))
		}

		if !m.pt.Erase(pid) {
			panic(fmt.Sprintf("buffer: erase of pid %d failed", pid))
		}
		m.free = append(m.free, bid)
		evicted++
	}

	for _, bid := range m.toEvict {
		evictNow(bid)
	}
	for _, bid := range m.toWrite {
		evictNow(bid)
	}
	m.physUsed -= evicted
}

// DumpTable writes the page table layout as CSV, one row per occupied slot.
func (m *Manager) DumpTable(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"pid", "bid", "home", "slot"}); err != nil {
		return err
	}
	m.pt.Dump(func(pid PID, tag FrameTag, home, idx uint64) {
		_ = w.Write([]string{
			strconv.FormatUint(pid, 10),
			strconv.FormatUint(tag.BID(), 10),
			strconv.FormatUint(home, 10),
			strconv.FormatUint(idx, 10),
		})
	})
	return w.Error()
}

// kurodb_bench runs the YCSB workload against the fiber-scheduled buffer
// manager: load the table, spawn worker fibers, and report throughput and
// engine counters while a timer runs down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/kurodb/core/btree"
	"github.com/sushant-115/kurodb/core/buffer"
	"github.com/sushant-115/kurodb/core/fiber"
	"github.com/sushant-115/kurodb/core/ioengine"
	"github.com/sushant-115/kurodb/core/workload"
	"github.com/sushant-115/kurodb/internal/platform"
	"github.com/sushant-115/kurodb/pkg/logger"
	"github.com/sushant-115/kurodb/pkg/telemetry"
)

type backendOptions struct {
	device   string
	posix    bool
	mode     string
	iopoll   bool
	nvmeCmds bool
	regRing  bool
	regFds   bool
	regBufs  bool
	sqCPU    int
	virtSize uint64
}

func main() {
	var (
		ssd           = flag.String("ssd", "", "backing device or file (required)")
		workloadName  = flag.String("workload", "ycsb", "workload to run (ycsb)")
		virtSize      = flag.Uint64("virt_size", 16<<30, "logical address space in bytes")
		physSize      = flag.Uint64("phys_size", 4<<30, "resident memory budget in bytes")
		evictBatch    = flag.Int("evict_batch", 64, "frames per eviction round")
		freeTarget    = flag.Float64("free_target", 0.1, "free-list ratio that wakes the evictor")
		ptFactor      = flag.Float64("page_table_factor", 1.5, "page table over-provisioning factor")
		concurrency   = flag.Int("concurrency", 1, "worker fibers")
		duration      = flag.Duration("duration", 30*time.Second, "measured run length")
		statsInterval = flag.Duration("stats_interval", time.Second, "stats line interval")
		coreID        = flag.Int("core_id", -1, "pin the engine thread to this core (-1 off)")

		setupMode    = flag.String("setup_mode", "defer", "ring setup: default|defer|sqpoll|coop")
		iopoll       = flag.Bool("iopoll", false, "use IORING_SETUP_IOPOLL")
		nvmeCmds     = flag.Bool("nvme_cmds", false, "NVMe passthrough (unsupported, rejected)")
		regRing      = flag.Bool("reg_ring", false, "register the ring fd")
		regFds       = flag.Bool("reg_fds", false, "register the device fd")
		regBufs      = flag.Bool("reg_bufs", false, "register the page region as fixed buffers")
		submitAlways = flag.Bool("submit_always", false, "disable the adaptive submission heuristic")
		syncVariant  = flag.Bool("sync_variant", false, "blocking-syscall calibration mode")
		posixVariant = flag.Bool("posix_variant", false, "plain pread/pwrite backend")

		tupleCount = flag.Uint64("ycsb_tuple_count", 100, "ycsb table size")
		readRatio  = flag.Int("ycsb_read_ratio", 50, "ycsb read percentage")

		logLevel    = flag.String("log_level", "info", "log level")
		logFormat   = flag.String("log_format", "console", "log format (console|json)")
		metricsPort = flag.Int("metrics_port", 0, "prometheus /metrics port (0 disables)")

		debugLog = flag.Bool("debug_log", false, "per-fix debug logging")
	)
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With(zap.String("run_id", uuid.NewString()))

	if *ssd == "" {
		log.Fatal("--ssd is required")
	}
	if *posixVariant && !*syncVariant {
		// posix implies the blocking path; accept it standalone but note it
		log.Info("posix variant implies blocking syscalls")
	}

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsPort != 0,
		ServiceName:    "kurodb_bench",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		log.Fatal("telemetry setup failed", zap.Error(err))
	}
	defer telShutdown(context.Background())

	// The scheduler and every fiber hop stay on this thread.
	runtime.LockOSThread()
	if *coreID != -1 {
		if err := platform.PinCPU(*coreID); err != nil {
			log.Warn("cpu pinning failed", zap.Int("core", *coreID), zap.Error(err))
		}
	}

	sqCPU := -1
	if *coreID != -1 {
		sqCPU = *coreID + 1
	}
	be, err := openBackend(backendOptions{
		device:   *ssd,
		posix:    *posixVariant || *syncVariant,
		mode:     *setupMode,
		iopoll:   *iopoll,
		nvmeCmds: *nvmeCmds,
		regRing:  *regRing,
		regFds:   *regFds,
		regBufs:  *regBufs,
		sqCPU:    sqCPU,
		virtSize: *virtSize,
	})
	if err != nil {
		log.Fatal("backend setup failed", zap.Error(err))
	}
	defer be.Close()
	log.Info("backend ready", zap.String("backend", be.Name()))

	sched := fiber.New()
	eng := ioengine.New(sched, be, ioengine.Config{
		TotalIOFibers: *concurrency,
		SubmitAlways:  *submitAlways,
	})

	mgr, err := buffer.New(buffer.Config{
		VirtSize:        *virtSize,
		PhysSize:        *physSize,
		EvictBatch:      *evictBatch,
		FreeTarget:      *freeTarget,
		PageTableFactor: *ptFactor,
		DebugLog:        *debugLog,
	}, sched, eng, log)
	if err != nil {
		log.Fatal("buffer manager setup failed", zap.Error(err))
	}
	defer mgr.Close()
	registerPageRegion(be, mgr.Region(), *regBufs, log)

	if *workloadName != "ycsb" {
		log.Fatal("unknown workload", zap.String("workload", *workloadName))
	}

	var tps atomic.Uint64

	registerMetrics(tel.Meter, mgr, eng, &tps, log)

	var ycsb *workload.YCSB

	// Load phase: one loader fiber, scheduler runs until it flips loaded.
	var loaded atomic.Bool
	sched.Spawn(func() {
		tree := btree.New(mgr)
		table := workload.NewAdapter[uint64, workload.YCSBRecord](
			tree, workload.YCSBFoldKey, workload.YCSBUnfoldKey, 8)
		ycsb = workload.NewYCSB(table, *tupleCount, *readRatio, log)
		ycsb.LoadTable()
		loaded.Store(true)
	})
	sched.Run(&loaded)

	log.Info("load phase done",
		zap.Float64("space_gib", float64(mgr.AllocCount()*buffer.PageSize)/float64(1<<30)),
		zap.Float64("buffer_load", float64(mgr.Table().Len())/float64(mgr.PageCount())))
	mgr.ResetCounters()

	// Stats thread: reads the engine's atomic counters; the page-table load
	// factor is read without synchronisation, which is fine for a gauge.
	statsDone := make(chan struct{})
	go statsLoop(log, mgr, eng, &tps, *statsInterval, statsDone)

	var stop atomic.Bool
	timer := time.AfterFunc(*duration, func() { stop.Store(true) })
	defer timer.Stop()

	for i := 0; i < *concurrency; i++ {
		i := i
		sched.Spawn(func() {
			log.Info("worker fiber starting", zap.Int("fiber", i))
			for {
				ycsb.Tx()
				tps.Add(1)
				eng.CheckSubmit()
				sched.Yield()
			}
		})
	}
	sched.Run(&stop)
	close(statsDone)

	log.Info("run finished",
		zap.Uint64("transactions", tps.Load()),
		zap.Uint64("reads", mgr.ReadCount()),
		zap.Uint64("writes", mgr.WriteCount()),
		zap.Uint64("fixes", mgr.Fixes()),
		zap.Uint64("restarts", mgr.Restarts()),
		zap.Uint64("submits", eng.NumSubmits()),
		zap.Uint64("fiber_runs", sched.FiberRuns()))
}

// statsLoop prints one line per interval with per-interval deltas, paced by
// a rate limiter that admits one line per interval.
func statsLoop(log *zap.Logger, mgr *buffer.Manager, eng *ioengine.Engine, tps *atomic.Uint64, interval time.Duration, done <-chan struct{}) {
	lim := rate.NewLimiter(rate.Every(interval), 1)
	var lastTps, lastReads, lastWrites, lastSubmits uint64
	start := platform.Cycles()
	for {
		select {
		case <-done:
			return
		default:
		}
		if err := lim.Wait(context.Background()); err != nil {
			return
		}

		curTps, curReads, curWrites := tps.Load(), mgr.ReadCount(), mgr.WriteCount()
		curSubmits := eng.NumSubmits()
		dSubmits := curSubmits - lastSubmits
		readsPerSubmit := 0.0
		if dSubmits > 0 {
			readsPerSubmit = float64(curReads-lastReads) / float64(dSubmits)
		}
		log.Info("stats",
			zap.Uint64("tps", curTps-lastTps),
			zap.Uint64("reads", curReads-lastReads),
			zap.Uint64("writes", curWrites-lastWrites),
			zap.Uint64("allocs", mgr.AllocCount()),
			zap.Uint64("submits", dSubmits),
			zap.Float64("reads_per_submit", readsPerSubmit),
			zap.Float64("pt_load", mgr.Table().LoadFactor()),
			zap.Uint64("elapsed_ns", platform.Cycles()-start))
		lastTps, lastReads, lastWrites, lastSubmits = curTps, curReads, curWrites, curSubmits
	}
}

// registerMetrics exposes the engine counters as observable instruments.
func registerMetrics(meter metric.Meter, mgr *buffer.Manager, eng *ioengine.Engine, tps *atomic.Uint64, log *zap.Logger) {
	txns, err1 := meter.Int64ObservableCounter("kurodb.transactions")
	reads, err2 := meter.Int64ObservableCounter("kurodb.page_reads")
	writes, err3 := meter.Int64ObservableCounter("kurodb.page_writes")
	fixes, err4 := meter.Int64ObservableCounter("kurodb.fixes")
	restarts, err5 := meter.Int64ObservableCounter("kurodb.restarts")
	submits, err6 := meter.Int64ObservableCounter("kurodb.kernel_submits")
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			log.Warn("metric registration failed", zap.Error(err))
			return
		}
	}
	_, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(txns, int64(tps.Load()))
		o.ObserveInt64(reads, int64(mgr.ReadCount()))
		o.ObserveInt64(writes, int64(mgr.WriteCount()))
		o.ObserveInt64(fixes, int64(mgr.Fixes()))
		o.ObserveInt64(restarts, int64(mgr.Restarts()))
		o.ObserveInt64(submits, int64(eng.NumSubmits()))
		return nil
	}, txns, reads, writes, fixes, restarts, submits)
	if err != nil {
		log.Warn("metric callback registration failed", zap.Error(err))
	}
}

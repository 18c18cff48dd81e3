// kurodb_cli is an interactive inspection shell over a single B-tree:
// put/get/delete/scan plus engine counters. Every tree command runs as one
// fiber on the engine's scheduler, so the shell exercises the same restart
// and eviction paths as the benchmark workloads; stats and dump run directly.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/kurodb/core/btree"
	"github.com/sushant-115/kurodb/core/buffer"
	"github.com/sushant-115/kurodb/core/fiber"
	"github.com/sushant-115/kurodb/core/ioengine"
	"github.com/sushant-115/kurodb/pkg/logger"
)

type shell struct {
	sched *fiber.Scheduler
	mgr   *buffer.Manager
	tree  *btree.BTree
}

// runOp executes fn inside a fiber and drives the scheduler until it is
// done, pumping I/O completions along the way.
func (s *shell) runOp(fn func()) {
	var stop atomic.Bool
	s.sched.Spawn(func() {
		fn()
		stop.Store(true)
	})
	s.sched.Run(&stop)
}

func main() {
	var (
		ssd       = flag.String("ssd", "", "backing device or file (default: temp file)")
		physSize  = flag.Uint64("phys_size", 64<<20, "resident memory budget in bytes")
		virtSize  = flag.Uint64("virt_size", 1<<30, "logical address space in bytes")
		logLevel  = flag.String("log_level", "warn", "log level")
		logFormat = flag.String("log_format", "console", "log format")
	)
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	device := *ssd
	if device == "" {
		device = filepath.Join(os.TempDir(), fmt.Sprintf("kurodb-cli-%s.pages", uuid.NewString()))
		defer os.Remove(device)
	}

	be, err := ioengine.NewPosixBackend(device, int64(*virtSize))
	if err != nil {
		log.Fatal("backend setup failed", zap.Error(err))
	}
	defer be.Close()

	sched := fiber.New()
	eng := ioengine.New(sched, be, ioengine.Config{TotalIOFibers: 1})
	mgr, err := buffer.New(buffer.Config{VirtSize: *virtSize, PhysSize: *physSize}, sched, eng, log)
	if err != nil {
		log.Fatal("buffer manager setup failed", zap.Error(err))
	}
	defer mgr.Close()

	sh := &shell{sched: sched, mgr: mgr}
	sh.runOp(func() { sh.tree = btree.New(mgr) })

	completer := readline.NewPrefixCompleter(
		readline.PcItem("put"),
		readline.PcItem("get"),
		readline.PcItem("delete"),
		readline.PcItem("scan"),
		readline.PcItem("stats"),
		readline.PcItem("dump"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "kurodb> ",
		AutoComplete: completer,
		EOFPrompt:    "exit",
	})
	if err != nil {
		log.Fatal("readline setup failed", zap.Error(err))
	}
	defer rl.Close()

	fmt.Printf("kurodb shell, device %s, type 'help' for commands\n", device)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return
		case "help":
			fmt.Println("put <key> <value>   store a record")
			fmt.Println("get <key>           fetch a record")
			fmt.Println("delete <key>        remove a record")
			fmt.Println("scan <key> [n]      list up to n records from key (default 10)")
			fmt.Println("stats               engine counters")
			fmt.Println("dump <file.csv>     write the page table layout as CSV")
		case "put":
			if len(fields) < 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			key, val := []byte(fields[1]), []byte(strings.Join(fields[2:], " "))
			sh.runOp(func() { sh.tree.Insert(key, val) })
			fmt.Println("ok")
		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			var got []byte
			var found bool
			sh.runOp(func() {
				found = sh.tree.Lookup([]byte(fields[1]), func(p []byte) {
					got = append([]byte(nil), p...)
				})
			})
			if found {
				fmt.Printf("%q\n", got)
			} else {
				fmt.Println("not found")
			}
		case "delete":
			if len(fields) != 2 {
				fmt.Println("usage: delete <key>")
				continue
			}
			var removed bool
			sh.runOp(func() { removed = sh.tree.Remove([]byte(fields[1])) })
			if removed {
				fmt.Println("ok")
			} else {
				fmt.Println("not found")
			}
		case "scan":
			if len(fields) < 2 {
				fmt.Println("usage: scan <key> [n]")
				continue
			}
			limit := 10
			if len(fields) > 2 {
				if n, err := strconv.Atoi(fields[2]); err == nil && n > 0 {
					limit = n
				}
			}
			sh.runOp(func() {
				emitted := 0
				sh.tree.ScanAsc([]byte(fields[1]), func(n *btree.BTreeNode, slotID int) bool {
					fmt.Printf("%q -> %q\n", n.FullKey(slotID, nil), n.Payload(slotID))
					emitted++
					return emitted < limit
				})
				if emitted == 0 {
					fmt.Println("no records")
				}
			})
		case "dump":
			if len(fields) != 2 {
				fmt.Println("usage: dump <file.csv>")
				continue
			}
			if err := mgr.DumpTable(fields[1]); err != nil {
				fmt.Println("dump failed:", err)
			} else {
				fmt.Println("ok")
			}
		case "stats":
			fmt.Printf("fixes=%d restarts=%d reads=%d writes=%d allocs=%d pt_load=%.3f submits=%d\n",
				mgr.Fixes(), mgr.Restarts(), mgr.ReadCount(), mgr.WriteCount(),
				mgr.AllocCount(), mgr.Table().LoadFactor(), eng.NumSubmits())
		default:
			fmt.Printf("unknown command %q, try 'help'\n", fields[0])
		}
	}
}

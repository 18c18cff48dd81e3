package ioengine

import (
	"fmt"
	"os"
)

// OpKind selects the I/O direction of a request.
type OpKind uint8

const (
	OpRead OpKind = iota
	OpWrite
)

// Request describes one page-granular I/O against the backing device.
type Request struct {
	Kind OpKind
	Buf  []byte
	Off  uint64
}

// Backend is the narrow kernel-facing interface the engine drives: queue
// submission entries, enter the kernel, reap completions. The user word is
// round-tripped untouched; the engine uses it to find the owning op.
type Backend interface {
	Name() string
	// Prepare queues one submission entry. It must not enter the kernel.
	Prepare(req Request, user uint64) error
	// Enter submits every queued entry to the kernel.
	Enter() error
	// Reap delivers available completions without blocking and returns how
	// many were delivered.
	Reap(deliver func(user uint64, res int32)) (int, error)
	Close() error
}

type posixCompletion struct {
	user uint64
	res  int32
}

type posixPending struct {
	req  Request
	user uint64
}

// PosixBackend is the blocking calibration backend: Enter executes every
// queued request with pread/pwrite and buffers the completions for the next
// Reap. It is also the portable fallback on hosts without io_uring.
type PosixBackend struct {
	file    *os.File
	queued  []posixPending
	done    []posixCompletion
	entered uint64
}

// NewPosixBackend opens (creating if needed) the backing file and extends it
// to the given logical size so reads of never-written pages succeed.
func NewPosixBackend(path string, size int64) (*PosixBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open backing file %s: %w", path, err)
	}
	if fi, err := f.Stat(); err == nil && fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate backing file to %d: %w", size, err)
		}
	}
	return &PosixBackend{file: f}, nil
}

func (b *PosixBackend) Name() string { return "posix" }

func (b *PosixBackend) Prepare(req Request, user uint64) error {
	b.queued = append(b.queued, posixPending{req: req, user: user})
	return nil
}

func (b *PosixBackend) Enter() error {
	b.entered++
	for _, p := range b.queued {
		var n int
		var err error
		switch p.req.Kind {
		case OpRead:
			n, err = b.file.ReadAt(p.req.Buf, int64(p.req.Off))
		case OpWrite:
			n, err = b.file.WriteAt(p.req.Buf, int64(p.req.Off))
		default:
			return fmt.Errorf("posix backend: unknown op kind %d", p.req.Kind)
		}
		if err != nil {
			return fmt.Errorf("posix backend: op at offset %d: %w", p.req.Off, err)
		}
		b.done = append(b.done, posixCompletion{user: p.user, res: int32(n)})
	}
	b.queued = b.queued[:0]
	return nil
}

func (b *PosixBackend) Reap(deliver func(user uint64, res int32)) (int, error) {
	n := len(b.done)
	for _, c := range b.done {
		deliver(c.user, c.res)
	}
	b.done = b.done[:0]
	return n, nil
}

// Entered returns how many times the backend entered the (simulated) kernel.
func (b *PosixBackend) Entered() uint64 { return b.entered }

func (b *PosixBackend) Close() error { return b.file.Close() }

//go:build !linux

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/kurodb/core/ioengine"
)

func openBackend(o backendOptions) (ioengine.Backend, error) {
	if !o.posix {
		return nil, fmt.Errorf("io_uring is linux-only; run with --posix_variant")
	}
	if o.nvmeCmds {
		return nil, fmt.Errorf("nvme passthrough is not supported by this engine")
	}
	return ioengine.NewPosixBackend(o.device, int64(o.virtSize))
}

func registerPageRegion(be ioengine.Backend, region []byte, want bool, log *zap.Logger) {
	if want {
		log.Warn("fixed buffers are only available with io_uring")
	}
}

//go:build linux

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/kurodb/core/ioengine"
)

func openBackend(o backendOptions) (ioengine.Backend, error) {
	if o.nvmeCmds {
		return nil, fmt.Errorf("nvme passthrough is not supported by this engine")
	}
	if o.posix {
		return ioengine.NewPosixBackend(o.device, int64(o.virtSize))
	}

	var mode ioengine.SetupMode
	switch o.mode {
	case "", "default":
		mode = ioengine.ModeDefault
	case "defer":
		mode = ioengine.ModeDeferTaskrun
	case "sqpoll":
		mode = ioengine.ModeSQPoll
	case "coop":
		mode = ioengine.ModeCoopTaskrun
	default:
		return nil, fmt.Errorf("unknown setup mode %q (default|defer|sqpoll|coop)", o.mode)
	}
	return ioengine.NewUringBackend(o.device, ioengine.UringConfig{
		Mode:        mode,
		IOPoll:      o.iopoll,
		RegRing:     o.regRing,
		RegFds:      o.regFds,
		RegBufs:     o.regBufs,
		SQThreadCPU: o.sqCPU,
	})
}

func registerPageRegion(be ioengine.Backend, region []byte, want bool, log *zap.Logger) {
	if !want {
		return
	}
	ub, ok := be.(*ioengine.UringBackend)
	if !ok {
		log.Warn("fixed buffers requested but backend is not io_uring")
		return
	}
	if err := ub.RegisterPageRegion(region); err != nil {
		log.Warn("registering fixed buffers failed", zap.Error(err))
	}
}

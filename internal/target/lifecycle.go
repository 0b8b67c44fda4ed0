// Package target drives one run of a target's lifecycle: attach to a
// probe, optionally flash an image, reset-and-halt, decide on and install
// a stack canary, hand the core off to the logging pump while the
// firmware runs, then walk back in for the post-mortem canary check and
// backtrace once it halts.
package target

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/gmofishsauce/cmrun/internal/chip"
	"github.com/gmofishsauce/cmrun/internal/defmtdec"
	"github.com/gmofishsauce/cmrun/internal/firmware"
	"github.com/gmofishsauce/cmrun/internal/logpump"
	"github.com/gmofishsauce/cmrun/internal/probe"
	"github.com/gmofishsauce/cmrun/internal/unwind"
)

// Result summarizes one run.
type Result struct {
	TopException  unwind.TopException
	MinStackUsage uint32
	StackOverflow bool
}

// Options configures one Run invocation.
type Options struct {
	Flash     bool
	RTTAddr   *uint32
	UsesHeap  bool
	Table     defmtdec.Table
	Locations map[uint64]defmtdec.Location
	Out       io.Writer
	Logger    *logrus.Logger
}

// Run executes the full lifecycle sequence: it opens a session on the
// first port of probeImpl that accepts one, then uses img for flashing
// data and register layout and variant for the RAM map the canary
// decision needs.
func Run(ctx context.Context, probeImpl probe.Probe, img *firmware.Image, variant chip.Variant, opts Options) (Result, error) {
	ports, err := probeImpl.ListPorts()
	if err != nil {
		return Result{}, err
	}

	var session probe.Session
	var lastErr error
	for _, port := range ports {
		session, lastErr = probeImpl.Open(port)
		if lastErr == nil {
			break
		}
	}
	if session == nil {
		return Result{}, fmt.Errorf("%w: %v", probe.ErrNoProbe, lastErr)
	}
	defer session.Close()

	core, err := session.Attach(ctx)
	if err != nil {
		return Result{}, err
	}

	if opts.Flash {
		flashAddr := img.InitialRegisters.VTOR
		var flat []byte
		for _, s := range img.Sections {
			for _, w := range s.Data {
				flat = append(flat, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
			}
		}
		if err := session.Flash(ctx, flat, flashAddr); err != nil {
			return Result{}, err
		}
	}

	if err := core.ResetAndHalt(); err != nil {
		return Result{}, err
	}

	ramRegions := variant.RAMRegions()
	singleRAMKnown := len(ramRegions) == 1
	var ramEnd uint32
	if singleRAMKnown {
		ramEnd = ramRegions[0].End
	}

	sp, err := core.ReadCoreReg(unwind.RegSP)
	if err != nil {
		return Result{}, err
	}

	c, installCanary := decideCanary(singleRAMKnown, img.HighestRAMAddrInUse, opts.UsesHeap, sp, ramEnd)
	if installCanary {
		if err := core.Write8(c.addr, c.fill()); err != nil {
			return Result{}, fmt.Errorf("installing stack canary: %w", err)
		}
	}

	if err := core.Run(); err != nil {
		return Result{}, err
	}

	if err := logpump.Run(ctx, core, opts.RTTAddr, opts.Table, opts.Locations, opts.Out, opts.Logger); err != nil {
		return Result{}, err
	}

	result := Result{}
	if installCanary {
		readBack := make([]byte, c.len)
		if err := core.Read8(c.addr, readBack); err != nil {
			return Result{}, fmt.Errorf("reading back stack canary: %w", err)
		}
		usage, overflowed := c.measure(readBack, sp)
		result.MinStackUsage = usage
		result.StackOverflow = overflowed
	}

	pc, err := core.ReadCoreReg(unwind.RegPC)
	if err != nil {
		return Result{}, err
	}

	rangeNames := make([]unwind.RangeName, len(img.RangeNames))
	for i, rn := range img.RangeNames {
		rangeNames[i] = unwind.RangeName{Start: rn.Start, End: rn.End, Name: rn.Name}
	}

	top, err := unwind.Backtrace(core, pc, img.DebugFrame, rangeNames, opts.Out)
	if err != nil {
		return result, err
	}
	result.TopException = top

	return result, nil
}

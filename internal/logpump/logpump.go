// Package logpump attaches to the on-device RTT ring buffer (when
// present) and pumps bytes to the terminal, either raw or decoded through
// an optional structured-log table, until the target halts or the
// process is interrupted.
package logpump

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gmofishsauce/cmrun/internal/defmtdec"
	"github.com/gmofishsauce/cmrun/internal/rtt"
)

var (
	// ErrRttAttachFailed is returned when attaching to the RTT control
	// block exceeded its retry budget.
	ErrRttAttachFailed = fmt.Errorf("logpump: exceeded retry budget attaching to RTT control block")
)

// rttAttachRetries is how many times Run retries rtt.Attach against
// ErrControlBlockNotFound before giving up — the firmware may not have
// initialized the block yet when the host first looks.
const rttAttachRetries = 10

const rttAttachRetryDelay = 50 * time.Millisecond

// readChunkSize bounds a single non-blocking up-channel read.
const readChunkSize = 1024

// Core is the subset of probe.CoreHandle the pump needs.
type Core interface {
	Halted() (bool, error)
	Halt() error
	Read8(addr uint32, out []byte) error
	Write8(addr uint32, data []byte) error
}

// Run attaches to the RTT control block at rttAddr (if non-nil) and pumps
// its first up channel to out until the core reports two consecutive
// halts or ctx is canceled. When table is non-nil, bytes are decoded as
// structured-log frames instead of being forwarded raw; locations (when
// present for a decoded frame's index) are logged as file:line fields
// resolved relative to cwd.
//
// If rttAddr is nil, logging is skipped entirely and Run just blocks
// until two consecutive halts are observed.
func Run(ctx context.Context, core Core, rttAddr *uint32, table defmtdec.Table, locations map[uint64]defmtdec.Location, out io.Writer, logger *logrus.Logger) error {
	var up *rtt.UpChannel
	if rttAddr != nil {
		var err error
		up, err = attachWithRetries(core, *rttAddr)
		if err != nil {
			return err
		}
	}

	var pending []byte
	buf := make([]byte, readChunkSize)
	wasHalted := false

	for {
		interrupted := ctx.Err() != nil

		if up != nil && !interrupted {
			n, err := up.Read(buf)
			if err != nil {
				return fmt.Errorf("logpump: reading up channel: %w", err)
			}
			if n > 0 {
				pending = append(pending, buf[:n]...)
				pending = drain(pending, table, locations, out, logger)
			}
		}

		halted, err := core.Halted()
		if err != nil {
			return fmt.Errorf("logpump: polling core_halted: %w", err)
		}
		if halted && wasHalted {
			return nil
		}
		wasHalted = halted

		if interrupted {
			return core.Halt()
		}
	}
}

// drain greedily decodes complete frames (or forwards raw bytes when
// table is nil) off the front of pending, returning what's left.
func drain(pending []byte, table defmtdec.Table, locations map[uint64]defmtdec.Location, out io.Writer, logger *logrus.Logger) []byte {
	if table == nil {
		out.Write(pending)
		return pending[:0]
	}

	for {
		frame, consumed, ok := table.Decode(pending)
		if !ok {
			return pending
		}
		if consumed == 0 {
			return pending
		}

		entry := logger.WithField("index", frame.Index)
		if loc, known := locations[frame.Index]; known {
			entry = entry.WithField("location", fmt.Sprintf("%s:%d", relativeToCwd(loc.File), loc.Line))
		}
		entry.Info(frame.Message)

		pending = pending[consumed:]
		if len(pending) == 0 {
			return pending
		}
	}
}

func relativeToCwd(path string) string {
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(cwd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func attachWithRetries(core Core, addr uint32) (*rtt.UpChannel, error) {
	var client *rtt.Client
	var err error
	for i := 0; i < rttAttachRetries; i++ {
		client, err = rtt.Attach(core, addr)
		if err == nil {
			break
		}
		if err != rtt.ErrControlBlockNotFound {
			return nil, fmt.Errorf("logpump: attaching to RTT control block: %w", err)
		}
		time.Sleep(rttAttachRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRttAttachFailed, err)
	}

	up, err := client.FirstUpChannel()
	if err != nil {
		return nil, fmt.Errorf("logpump: %w", err)
	}
	return up, nil
}

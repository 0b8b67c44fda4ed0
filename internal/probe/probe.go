// Package probe implements component-facing access to the debug probe:
// enumerating attached probes, attaching to a target core, flashing an
// image, and reading/writing registers and memory on a halted core.
//
// The transport is a single USB-serial link to a probe that speaks a
// small synchronous command/response protocol, in the style of
// gmofishsauce/wut4's exer/cex tool talking to an Arduino over
// go.bug.st/serial.
package probe

import (
	"context"
	"fmt"
	"time"
)

var (
	// ErrNoProbe is returned when no debug probe is attached to the host.
	ErrNoProbe = fmt.Errorf("no debug probe found")
	// ErrAttachFailed is returned when the probe could not attach to a core.
	ErrAttachFailed = fmt.Errorf("failed to attach to target core")
	// ErrFlashFailed is returned when programming the target's flash failed.
	ErrFlashFailed = fmt.Errorf("flashing firmware image failed")
	// ErrTimeout is returned when the probe doesn't respond within its
	// command timeout.
	ErrTimeout = fmt.Errorf("probe did not respond in time")
)

// Probe enumerates and opens connections to attached debug probes.
type Probe interface {
	// ListPorts returns the serial device paths of probes that look like
	// they're running the wire protocol this package speaks.
	ListPorts() ([]string, error)
	// Open starts a session with the probe on the named port.
	Open(port string) (Session, error)
}

// Session is an open connection to one probe, attached to zero or one
// target core at a time.
type Session interface {
	// Attach connects to the target's single core, halting it if it isn't
	// already.
	Attach(ctx context.Context) (CoreHandle, error)
	// Flash programs data into target flash starting at baseAddr. The core
	// must already be halted via Attach.
	Flash(ctx context.Context, data []byte, baseAddr uint32) error
	// Close releases the underlying transport.
	Close() error
}

// CoreHandle is a halted-or-running target core: register and memory
// access, plus the run/halt/reset controls the target lifecycle needs.
type CoreHandle interface {
	// Halted reports whether the core is currently halted.
	Halted() (bool, error)
	// Halt stops the core if it's running.
	Halt() error
	// ResetAndHalt resets the core and immediately halts it, so that
	// execution begins from a known, fully-halted state.
	ResetAndHalt() error
	// Run resumes execution.
	Run() error

	// ReadCoreReg reads one architectural register (0-15: R0-R12, SP, LR, PC).
	ReadCoreReg(reg uint16) (uint32, error)
	// ReadWord32 reads a single 32-bit word from target memory.
	ReadWord32(addr uint32) (uint32, error)
	// Read32 reads len(out) consecutive 32-bit words starting at addr.
	Read32(addr uint32, out []uint32) error
	// Read8 reads len(out) bytes starting at addr.
	Read8(addr uint32, out []byte) error
	// Write8 writes data to target memory starting at addr.
	Write8(addr uint32, data []byte) error
}

// commandTimeout bounds how long a single command/response round trip may
// take before the probe is considered unresponsive, including halt and
// reset-and-halt.
const commandTimeout = 1 * time.Second

package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// SerialProbe discovers and opens probes attached as USB-serial devices.
type SerialProbe struct{}

// NewSerialProbe returns the default, and currently only, Probe
// implementation.
func NewSerialProbe() *SerialProbe {
	return &SerialProbe{}
}

// ListPorts returns serial ports that look like candidate probes: USB
// modem/serial device nodes, the same heuristic wut4's cex tool applies
// manually via its hardcoded arduinoNanoDevice constant, generalized here
// to scan every port go.bug.st/serial can see.
func (p *SerialProbe) ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	var candidates []string
	for _, name := range ports {
		if strings.Contains(name, "usbserial") || strings.Contains(name, "usbmodem") ||
			strings.Contains(name, "ttyACM") || strings.Contains(name, "ttyUSB") {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoProbe
	}
	return candidates, nil
}

// Open opens the named serial port and confirms the probe speaks this
// package's protocol version via cmdSync/cmdGetVer.
func (p *SerialProbe) Open(port string) (Session, error) {
	l, err := openLink(port)
	if err != nil {
		return nil, err
	}

	if _, err := l.command(cmdSync, nil); err != nil {
		l.close()
		return nil, fmt.Errorf("%w: sync failed: %v", ErrNoProbe, err)
	}
	verResp, err := l.commandWithReply(cmdGetVer, nil, 1)
	if err != nil {
		l.close()
		return nil, fmt.Errorf("%w: version query failed: %v", ErrNoProbe, err)
	}
	if verResp[0] != protocolVersion {
		l.close()
		return nil, fmt.Errorf("%w: probe speaks protocol version %d, want %d", ErrNoProbe, verResp[0], protocolVersion)
	}

	return &serialSession{link: l}, nil
}

type serialSession struct {
	link *link
	core *serialCore
}

func (s *serialSession) Attach(ctx context.Context) (CoreHandle, error) {
	if _, err := s.link.command(cmdResetHalt, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}
	s.core = &serialCore{link: s.link}
	return s.core, nil
}

func (s *serialSession) Flash(ctx context.Context, data []byte, baseAddr uint32) error {
	const chunkSize = 256

	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		payload := make([]byte, 0, 8+len(chunk))
		payload = append(payload, le32(baseAddr+uint32(off))...)
		payload = append(payload, le32(uint32(len(chunk)))...)
		payload = append(payload, chunk...)

		if _, err := s.link.command(cmdFlashWrite, payload); err != nil {
			return fmt.Errorf("%w: writing %d bytes at 0x%08x: %v", ErrFlashFailed, len(chunk), baseAddr+uint32(off), err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if _, err := s.link.command(cmdFlashFinish, nil); err != nil {
		return fmt.Errorf("%w: finalizing flash write: %v", ErrFlashFailed, err)
	}
	return nil
}

func (s *serialSession) Close() error {
	return s.link.close()
}

// serialCore drives the attached target core's registers and memory
// through the probe's command set.
type serialCore struct {
	link *link
}

func (c *serialCore) Halted() (bool, error) {
	resp, err := c.link.commandWithReply(cmdHalted, nil, 1)
	if err != nil {
		return false, err
	}
	return resp[0] != 0, nil
}

func (c *serialCore) Halt() error {
	_, err := c.link.command(cmdHalt, nil)
	return err
}

func (c *serialCore) ResetAndHalt() error {
	_, err := c.link.command(cmdResetHalt, nil)
	return err
}

func (c *serialCore) Run() error {
	_, err := c.link.command(cmdRun, nil)
	return err
}

func (c *serialCore) ReadCoreReg(reg uint16) (uint32, error) {
	resp, err := c.link.commandWithReply(cmdReadReg, []byte{byte(reg)}, 4)
	if err != nil {
		return 0, fmt.Errorf("reading core register %d: %w", reg, err)
	}
	return binary.LittleEndian.Uint32(resp), nil
}

func (c *serialCore) ReadWord32(addr uint32) (uint32, error) {
	var out [1]uint32
	if err := c.Read32(addr, out[:]); err != nil {
		return 0, err
	}
	return out[0], nil
}

func (c *serialCore) Read32(addr uint32, out []uint32) error {
	buf := make([]byte, len(out)*4)
	if err := c.read(addr, buf); err != nil {
		return err
	}
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return nil
}

func (c *serialCore) Read8(addr uint32, out []byte) error {
	return c.read(addr, out)
}

func (c *serialCore) read(addr uint32, out []byte) error {
	const maxChunk = 512
	for off := 0; off < len(out); off += maxChunk {
		end := off + maxChunk
		if end > len(out) {
			end = len(out)
		}
		n := end - off
		payload := append(le32(addr+uint32(off)), le32(uint32(n))...)
		resp, err := c.link.commandWithReply(cmdReadMem8, payload, n)
		if err != nil {
			return fmt.Errorf("reading %d bytes at 0x%08x: %w", n, addr+uint32(off), err)
		}
		copy(out[off:end], resp)
	}
	return nil
}

func (c *serialCore) Write8(addr uint32, data []byte) error {
	const maxChunk = 256
	for off := 0; off < len(data); off += maxChunk {
		end := off + maxChunk
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		payload := append(le32(addr+uint32(off)), chunk...)
		if _, err := c.link.command(cmdWriteMem8, payload); err != nil {
			return fmt.Errorf("writing %d bytes at 0x%08x: %w", len(chunk), addr+uint32(off), err)
		}
	}
	return nil
}


// Package rtt attaches to a SEGGER RTT control block in target RAM and
// reads bytes off its first up (device-to-host) channel.
//
// The control block is a fixed-layout structure the firmware links in
// statically; this package reads it (and the ring buffers it points to),
// and writes back only the up channel's read offset, through the same
// probe.CoreHandle memory interface the unwinder uses, so it carries no
// transport dependency of its own.
package rtt

import (
	"encoding/binary"
	"fmt"
)

var (
	// ErrControlBlockNotFound is returned when the 16-byte "SEGGER RTT"
	// identifier isn't present at the expected address — typically because
	// the firmware hasn't initialized it yet.
	ErrControlBlockNotFound = fmt.Errorf("rtt: control block not found")
	// ErrNoUpChannel is returned when the control block is valid but
	// advertises zero up channels.
	ErrNoUpChannel = fmt.Errorf("rtt: no up channel available")
)

// id is the fixed identifier SEGGER RTT control blocks start with.
var id = [16]byte{'S', 'E', 'G', 'G', 'E', 'R', ' ', 'R', 'T', 'T', 0, 0, 0, 0, 0, 0}

// descriptorSize is the byte size of one SEGGER_RTT_BUFFER_UP/DOWN
// descriptor: name ptr (4), buffer ptr (4), size (4), write offset (4),
// read offset (4), flags (4).
const descriptorSize = 24

// controlBlockHeaderSize covers the 16-byte ID plus the MaxNumUpBuffers
// and MaxNumDownBuffers fields (4 bytes each).
const controlBlockHeaderSize = 16 + 4 + 4

// Core is the subset of probe.CoreHandle this package needs to read
// target memory.
type Core interface {
	Read8(addr uint32, out []byte) error
	Write8(addr uint32, data []byte) error
}

// Client is an attached RTT control block.
type Client struct {
	core           Core
	addr           uint32
	maxUpBuffers   uint32
	maxDownBuffers uint32
}

// Attach reads and validates the control block at addr, returning
// ErrControlBlockNotFound if the identifier doesn't match.
func Attach(core Core, addr uint32) (*Client, error) {
	hdr := make([]byte, controlBlockHeaderSize)
	if err := core.Read8(addr, hdr); err != nil {
		return nil, fmt.Errorf("rtt: reading control block at 0x%08x: %w", addr, err)
	}
	if string(hdr[:16]) != string(id[:]) {
		return nil, ErrControlBlockNotFound
	}

	return &Client{
		core:           core,
		addr:           addr,
		maxUpBuffers:   binary.LittleEndian.Uint32(hdr[16:20]),
		maxDownBuffers: binary.LittleEndian.Uint32(hdr[20:24]),
	}, nil
}

// UpChannel is the device-to-host direction of one ring buffer.
type UpChannel struct {
	core     Core
	descAddr uint32
}

// descriptor is the live state of one ring buffer descriptor, reread on
// every Read since the firmware updates it concurrently with the host.
type descriptor struct {
	bufferAddr uint32
	size       uint32
	writeOff   uint32
	readOff    uint32
}

// FirstUpChannel returns channel 0, the convention cmrun (like probe-run)
// relies on for its single logging stream.
func (c *Client) FirstUpChannel() (*UpChannel, error) {
	if c.maxUpBuffers == 0 {
		return nil, ErrNoUpChannel
	}
	descAddr := c.addr + controlBlockHeaderSize
	return &UpChannel{core: c.core, descAddr: descAddr}, nil
}

func (u *UpChannel) readDescriptor() (descriptor, error) {
	buf := make([]byte, descriptorSize)
	if err := u.core.Read8(u.descAddr, buf); err != nil {
		return descriptor{}, fmt.Errorf("rtt: reading up-channel descriptor at 0x%08x: %w", u.descAddr, err)
	}
	return descriptor{
		bufferAddr: binary.LittleEndian.Uint32(buf[4:8]),
		size:       binary.LittleEndian.Uint32(buf[8:12]),
		writeOff:   binary.LittleEndian.Uint32(buf[12:16]),
		readOff:    binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

func (u *UpChannel) writeReadOffset(off uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, off)
	return u.core.Write8(u.descAddr+16, b)
}

// Read pulls up to len(buf) available bytes, non-blocking: returning 0
// bytes is the normal "nothing new" case, not an error.
func (u *UpChannel) Read(buf []byte) (int, error) {
	d, err := u.readDescriptor()
	if err != nil {
		return 0, err
	}
	if d.size == 0 {
		return 0, nil
	}

	available := int(d.writeOff) - int(d.readOff)
	if available < 0 {
		available += int(d.size)
	}
	if available == 0 {
		return 0, nil
	}
	n := len(buf)
	if n > available {
		n = available
	}

	readOff := d.readOff
	remaining := n
	dst := 0
	for remaining > 0 {
		chunk := remaining
		if tillWrap := int(d.size - readOff); chunk > tillWrap {
			chunk = tillWrap
		}
		got := make([]byte, chunk)
		if err := u.core.Read8(d.bufferAddr+readOff, got); err != nil {
			return 0, fmt.Errorf("rtt: reading ring buffer at 0x%08x: %w", d.bufferAddr+readOff, err)
		}
		copy(buf[dst:], got)
		dst += chunk
		remaining -= chunk
		readOff = (readOff + uint32(chunk)) % d.size
	}

	if err := u.writeReadOffset(readOff); err != nil {
		return 0, err
	}
	return n, nil
}

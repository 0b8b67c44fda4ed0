package rtt

import (
	"encoding/binary"
	"testing"
)

type fakeCore struct {
	mem map[uint32]byte
}

func newFakeCore() *fakeCore {
	return &fakeCore{mem: make(map[uint32]byte)}
}

func (c *fakeCore) Read8(addr uint32, out []byte) error {
	for i := range out {
		out[i] = c.mem[addr+uint32(i)]
	}
	return nil
}

func (c *fakeCore) Write8(addr uint32, data []byte) error {
	for i, b := range data {
		c.mem[addr+uint32(i)] = b
	}
	return nil
}

func (c *fakeCore) putUint32(addr uint32, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	c.Write8(addr, b)
}

// layoutControlBlock writes a minimal valid control block (1 up buffer,
// 0 down buffers) with its descriptor and backing ring buffer at fixed
// offsets, returning the control block's base address.
func layoutControlBlock(core *fakeCore, base uint32, ringAddr uint32, ringSize uint32) uint32 {
	core.Write8(base, []byte(id[:]))
	core.putUint32(base+16, 1) // maxUpBuffers
	core.putUint32(base+20, 0) // maxDownBuffers

	descAddr := base + controlBlockHeaderSize
	core.putUint32(descAddr, 0) // name ptr, unused
	core.putUint32(descAddr+4, ringAddr)
	core.putUint32(descAddr+8, ringSize)
	core.putUint32(descAddr+12, 0) // write offset
	core.putUint32(descAddr+16, 0) // read offset
	core.putUint32(descAddr+20, 0) // flags
	return base
}

func TestAttachNotFound(t *testing.T) {
	core := newFakeCore()
	if _, err := Attach(core, 0x20000000); err != ErrControlBlockNotFound {
		t.Fatalf("Attach on garbage memory = %v, want ErrControlBlockNotFound", err)
	}
}

func TestAttachAndReadNoUpChannel(t *testing.T) {
	core := newFakeCore()
	base := uint32(0x20000000)
	core.Write8(base, []byte(id[:]))
	core.putUint32(base+16, 0)
	core.putUint32(base+20, 0)

	client, err := Attach(core, base)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := client.FirstUpChannel(); err != ErrNoUpChannel {
		t.Fatalf("FirstUpChannel with 0 up buffers = %v, want ErrNoUpChannel", err)
	}
}

func TestUpChannelReadNoWrap(t *testing.T) {
	core := newFakeCore()
	base := uint32(0x20000000)
	ringAddr := uint32(0x20001000)
	ringSize := uint32(64)
	layoutControlBlock(core, base, ringAddr, ringSize)

	payload := []byte("hello, target")
	core.Write8(ringAddr, payload)
	core.putUint32(base+controlBlockHeaderSize+12, uint32(len(payload))) // write offset

	client, err := Attach(core, base)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	up, err := client.FirstUpChannel()
	if err != nil {
		t.Fatalf("FirstUpChannel: %v", err)
	}

	buf := make([]byte, 1024)
	n, err := up.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Errorf("Read = %q, want %q", buf[:n], payload)
	}

	// A second read should report nothing new: the read offset moved up.
	n, err = up.Read(buf)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if n != 0 {
		t.Errorf("second Read = %d bytes, want 0", n)
	}
}

func TestUpChannelReadWrapsAroundRingBuffer(t *testing.T) {
	core := newFakeCore()
	base := uint32(0x20000000)
	ringAddr := uint32(0x20001000)
	ringSize := uint32(16)
	layoutControlBlock(core, base, ringAddr, ringSize)

	// Pretend the ring already has readOff=12, writeOff=4 (wrapped): bytes
	// at [12,16) then [0,4).
	core.Write8(ringAddr+12, []byte{'A', 'B', 'C', 'D'})
	core.Write8(ringAddr+0, []byte{'E', 'F', 'G', 'H'})
	core.putUint32(base+controlBlockHeaderSize+12, 4)  // write offset
	core.putUint32(base+controlBlockHeaderSize+16, 12) // read offset

	client, err := Attach(core, base)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	up, err := client.FirstUpChannel()
	if err != nil {
		t.Fatalf("FirstUpChannel: %v", err)
	}

	buf := make([]byte, 1024)
	n, err := up.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "ABCDEFGH" {
		t.Errorf("Read = %q, want ABCDEFGH", buf[:n])
	}
}

package defmtdec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// buildTestELF assembles a minimal little-endian ELF32 object with the
// given named sections, enough for debug/elf.NewFile to parse and for
// Section(name).Data() to return each section's bytes.
func buildTestELF(t *testing.T, sections map[string][]byte) []byte {
	t.Helper()
	const ehSize = 52
	const shSize = 40

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := func(name string) uint32 {
		off := uint32(shstrtab.Len())
		shstrtab.WriteString(name)
		shstrtab.WriteByte(0)
		return off
	}

	type rawSection struct {
		nameOff uint32
		typ     uint32
		size    uint32
		offset  uint32
	}
	var raw []rawSection
	var bodies [][]byte

	raw = append(raw, rawSection{})
	bodies = append(bodies, nil)

	for name, data := range sections {
		raw = append(raw, rawSection{nameOff: nameOff(name), typ: 1 /* SHT_PROGBITS */, size: uint32(len(data))})
		bodies = append(bodies, data)
	}

	shstrtabIdx := len(raw)
	raw = append(raw, rawSection{nameOff: nameOff(".shstrtab"), typ: 3, size: uint32(shstrtab.Len())})
	bodies = append(bodies, shstrtab.Bytes())

	// Section bodies follow the header and the section header table.
	offset := uint32(ehSize + shSize*len(raw))
	for i, b := range bodies {
		if len(b) == 0 {
			continue
		}
		raw[i].offset = offset
		offset += uint32(len(b))
	}
	shoff := uint32(ehSize)

	var out bytes.Buffer
	out.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	out.Write(make([]byte, 8))
	writeU16 := func(v uint16) { binary.Write(&out, binary.LittleEndian, v) }
	writeU32 := func(v uint32) { binary.Write(&out, binary.LittleEndian, v) }
	writeU16(1)
	writeU16(40)
	writeU32(1)
	writeU32(0)
	writeU32(0)
	writeU32(shoff)
	writeU32(0)
	writeU16(ehSize)
	writeU16(0)
	writeU16(0)
	writeU16(shSize)
	writeU16(uint16(len(raw)))
	writeU16(uint16(shstrtabIdx))

	for _, r := range raw {
		writeU32(r.nameOff)
		writeU32(r.typ)
		writeU32(0)
		writeU32(0)
		writeU32(r.offset)
		writeU32(r.size)
		writeU32(0)
		writeU32(0)
		writeU32(4)
		writeU32(0)
	}
	for _, b := range bodies {
		out.Write(b)
	}
	return out.Bytes()
}

func appendULEB128(b []byte, v uint64) []byte {
	for {
		by := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			by |= 0x80
		}
		b = append(b, by)
		if v == 0 {
			break
		}
	}
	return b
}

func TestParseAndDecode(t *testing.T) {
	var tableSec []byte
	tableSec = appendULEB128(tableSec, 1) // index 1
	msg := "button pressed"
	tableSec = appendULEB128(tableSec, uint64(len(msg)))
	tableSec = append(tableSec, []byte(msg)...)

	image := buildTestELF(t, map[string][]byte{".defmt.table": tableSec})

	tbl, err := Parse(image)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	indices := tbl.Indices()
	if len(indices) != 1 || indices[0] != 1 {
		t.Fatalf("Indices() = %v, want [1]", indices)
	}

	var wire []byte
	wire = appendULEB128(wire, 1)
	wire = appendULEB128(wire, 0) // zero-length payload
	wire = append(wire, 0xFF)     // trailing byte from a second, not-yet-complete frame

	frame, consumed, ok := tbl.Decode(wire)
	if !ok {
		t.Fatal("Decode returned ok=false for a complete frame")
	}
	if frame.Index != 1 || frame.Message != msg {
		t.Errorf("frame = %+v, want Index=1 Message=%q", frame, msg)
	}
	if consumed != len(wire)-1 {
		t.Errorf("consumed = %d, want %d", consumed, len(wire)-1)
	}
}

func TestDecodeIncompleteFrame(t *testing.T) {
	tbl, err := Parse(buildTestELF(t, map[string][]byte{".defmt.table": {}}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, _, ok := tbl.Decode([]byte{0x01})
	if ok {
		t.Error("Decode on truncated frame should report ok=false")
	}
}

func TestParseNoTableSection(t *testing.T) {
	_, err := Parse(buildTestELF(t, map[string][]byte{}))
	if !errors.Is(err, ErrNoDefmtSection) {
		t.Errorf("Parse() error = %v, want ErrNoDefmtSection", err)
	}
}

func TestHasTable(t *testing.T) {
	if defmtHasTable := HasTable(buildTestELF(t, map[string][]byte{})); defmtHasTable {
		t.Error("HasTable() = true, want false for an image with no .defmt.table")
	}
	if !HasTable(buildTestELF(t, map[string][]byte{".defmt.table": {}})) {
		t.Error("HasTable() = false, want true for an image with .defmt.table")
	}
}

func TestGetLocations(t *testing.T) {
	var locSec []byte
	locSec = appendULEB128(locSec, 1)
	file := "src/main.rs"
	locSec = appendULEB128(locSec, uint64(len(file)))
	locSec = append(locSec, []byte(file)...)
	line := make([]byte, 4)
	binary.LittleEndian.PutUint32(line, 42)
	locSec = append(locSec, line...)

	image := buildTestELF(t, map[string][]byte{".defmt.loc": locSec})
	locs, err := GetLocations(image)
	if err != nil {
		t.Fatalf("GetLocations: %v", err)
	}
	loc, ok := locs[1]
	if !ok || loc.File != file || loc.Line != 42 {
		t.Errorf("locs[1] = %+v, ok=%v, want {%s 42}", loc, ok, file)
	}
}

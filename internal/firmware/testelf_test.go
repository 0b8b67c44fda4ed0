package firmware

import (
	"bytes"
	"encoding/binary"
)

// testELFSection describes one section to embed in a synthetic ELF32 LE
// object built by buildTestELF. It exists purely to exercise Analyze
// against a real debug/elf.File without needing a fixture binary checked
// into the repo.
type testELFSection struct {
	name string
	typ  uint32 // elf.SHT_*
	addr uint32
	data []byte
}

type testELFSymbol struct {
	name    string
	value   uint32
	size    uint32
	section uint16 // 1-based index into the sections slice passed to buildTestELF, or 0 for SHN_UNDEF
}

// buildTestELF assembles a minimal little-endian ELF32 object file: an
// ELF header, the given sections (plus a leading null section), a string
// table for section names, and, if syms is non-empty, a symbol table and
// its string table.
func buildTestELF(sections []testELFSection, syms []testELFSymbol) []byte {
	const (
		ehSize = 52
		shSize = 40
		symSize = 16
	)

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := func(s *bytes.Buffer, name string) uint32 {
		off := uint32(s.Len())
		s.WriteString(name)
		s.WriteByte(0)
		return off
	}

	type rawSection struct {
		nameOff uint32
		typ     uint32
		flags   uint32
		addr    uint32
		offset  uint32
		size    uint32
		link    uint32
		info    uint32
		entsize uint32
	}

	var raw []rawSection
	var bodies [][]byte

	// index 0: SHT_NULL
	raw = append(raw, rawSection{})
	bodies = append(bodies, nil)

	for _, sec := range sections {
		raw = append(raw, rawSection{
			nameOff: nameOff(&shstrtab, sec.name),
			typ:     sec.typ,
			addr:    sec.addr,
			size:    uint32(len(sec.data)),
		})
		bodies = append(bodies, sec.data)
	}

	var symtabIdx, strtabIdx int
	var strtabBuf bytes.Buffer
	var symtabBuf bytes.Buffer
	if len(syms) > 0 {
		strtabBuf.WriteByte(0)
		// null symbol
		symtabBuf.Write(make([]byte, symSize))
		for _, sym := range syms {
			off := nameOff(&strtabBuf, sym.name)
			var entry [symSize]byte
			binary.LittleEndian.PutUint32(entry[0:4], off)
			binary.LittleEndian.PutUint32(entry[4:8], sym.value)
			binary.LittleEndian.PutUint32(entry[8:12], sym.size)
			entry[12] = 0x12 // STT_FUNC | STB_GLOBAL<<4, good enough
			binary.LittleEndian.PutUint16(entry[14:16], sym.section)
			symtabBuf.Write(entry[:])
		}

		strtabIdx = len(raw)
		raw = append(raw, rawSection{
			nameOff: nameOff(&shstrtab, ".strtab"),
			typ:     3, // SHT_STRTAB
			size:    uint32(strtabBuf.Len()),
		})
		bodies = append(bodies, strtabBuf.Bytes())

		symtabIdx = len(raw)
		raw = append(raw, rawSection{
			nameOff: nameOff(&shstrtab, ".symtab"),
			typ:     2, // SHT_SYMTAB
			link:    uint32(strtabIdx),
			entsize: symSize,
			size:    uint32(symtabBuf.Len()),
		})
		bodies = append(bodies, symtabBuf.Bytes())
	}

	shstrtabIdx := len(raw)
	raw = append(raw, rawSection{
		nameOff: nameOff(&shstrtab, ".shstrtab"),
		typ:     3,
		size:    uint32(shstrtab.Len()),
	})
	bodies = append(bodies, shstrtab.Bytes())
	_ = symtabIdx

	// Lay out section bodies after the header + section header table.
	offset := uint32(ehSize + shSize*len(raw))
	bodyOffsets := make([]uint32, len(bodies))
	for i, b := range bodies {
		if len(b) == 0 {
			continue
		}
		bodyOffsets[i] = offset
		offset += uint32(len(b))
	}
	shoff := uint32(ehSize)

	var out bytes.Buffer
	// e_ident
	out.Write([]byte{0x7f, 'E', 'L', 'F', 1 /*ELFCLASS32*/, 1 /*ELFDATA2LSB*/, 1 /*EV_CURRENT*/, 0})
	out.Write(make([]byte, 8)) // padding
	writeU16 := func(v uint16) { binary.Write(&out, binary.LittleEndian, v) }
	writeU32 := func(v uint32) { binary.Write(&out, binary.LittleEndian, v) }
	writeU16(1)      // e_type = ET_REL
	writeU16(40)     // e_machine = EM_ARM
	writeU32(1)      // e_version
	writeU32(0)      // e_entry
	writeU32(0)      // e_phoff
	writeU32(shoff)  // e_shoff
	writeU32(0)      // e_flags
	writeU16(ehSize) // e_ehsize
	writeU16(0)      // e_phentsize
	writeU16(0)      // e_phnum
	writeU16(shSize) // e_shentsize
	writeU16(uint16(len(raw)))      // e_shnum
	writeU16(uint16(shstrtabIdx))   // e_shstrndx

	for i, r := range raw {
		if len(bodies[i]) != 0 {
			r.offset = bodyOffsets[i]
		}
		writeU32(r.nameOff)
		writeU32(r.typ)
		writeU32(r.flags)
		writeU32(r.addr)
		writeU32(r.offset)
		writeU32(r.size)
		writeU32(r.link)
		writeU32(r.info)
		writeU32(4) // addralign
		writeU32(r.entsize)
	}

	for _, b := range bodies {
		out.Write(b)
	}

	return out.Bytes()
}

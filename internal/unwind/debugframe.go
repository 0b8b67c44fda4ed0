package unwind

import (
	"encoding/binary"
	"fmt"
)

// ErrMissingDebugInfo is returned when .debug_frame has no row covering a
// requested PC (or the section itself is empty).
var ErrMissingDebugInfo = fmt.Errorf("debug information is missing. Likely fixes:\n" +
	"1. recompile the firmware with a higher debug level\n" +
	"2. update the runtime/unwind-table-emitting dependency to a recent version\n" +
	"3. if linking foreign object code, compile it with debug info enabled")

// cie is a Common Information Entry: the template every FDE referencing it
// starts from. Only DWARF CFI version 1 (the version GCC/LLVM emit in
// .debug_frame even for DWARF-4 .debug_info) is supported, with no
// augmentation — the shape this corpus's firmware toolchains produce.
type cie struct {
	codeAlignment    uint64
	dataAlignment    int64
	returnAddressReg uint64
	instructions     []byte
}

// fde is a Frame Description Entry: the unwind program for one address
// range, built on top of its CIE's initial state.
type fde struct {
	cie          *cie
	startAddress uint32
	endAddress   uint32
	instructions []byte
}

// DebugFrame is a parsed .debug_frame section, ready to answer
// "what's the unwind row for this PC" queries.
type DebugFrame struct {
	cies map[uint32]*cie
	fdes []*fde
}

// Row is the unwind state in effect at a particular PC: how to compute the
// CFA, and how to recover each callee-saved register that this row
// restores (registers absent from the map keep their current cached
// value — i.e. they are unchanged across the call).
type Row struct {
	CFA       CFARule
	Registers map[uint16]RegisterRule
}

// ParseDebugFrame decodes a raw .debug_frame section into its CIE/FDE
// entries. The byte layout is little-endian 32-bit-length-prefixed blocks,
// per the DWARF-4 specification section 6.4.
func ParseDebugFrame(data []byte) (*DebugFrame, error) {
	df := &DebugFrame{cies: make(map[uint32]*cie)}

	idx := 0
	for idx < len(data) {
		if idx+4 > len(data) {
			return nil, fmt.Errorf("truncated .debug_frame at offset %d", idx)
		}
		length := int(binary.LittleEndian.Uint32(data[idx:]))
		blockStart := idx + 4
		idx = blockStart
		if idx+length > len(data) {
			return nil, fmt.Errorf("truncated .debug_frame block at offset %d", idx)
		}
		block := data[idx : idx+length]
		idx += length

		if len(block) < 4 {
			return nil, fmt.Errorf("short CIE/FDE block at offset %d", blockStart)
		}
		id := binary.LittleEndian.Uint32(block)
		n := 4

		if id == 0xffffffff {
			c := &cie{}
			if n >= len(block) {
				return nil, fmt.Errorf("truncated CIE at offset %d", blockStart)
			}
			version := block[n]
			n++
			if version != 1 {
				return nil, fmt.Errorf("unsupported CIE version %d at offset %d", version, blockStart)
			}
			if block[n] != 0x00 {
				return nil, fmt.Errorf("unsupported CIE augmentation at offset %d", blockStart)
			}
			n++

			var m int
			c.codeAlignment, m = decodeULEB128(block[n:])
			n += m
			c.dataAlignment, m = decodeSLEB128(block[n:])
			n += m
			c.returnAddressReg, m = decodeULEB128(block[n:])
			n += m
			c.instructions = append([]byte(nil), block[n:]...)

			// CIE_pointer in an FDE refers to the offset of the CIE's own
			// length field (blockStart-4), not to its ID field — the
			// convention real toolchains emit.
			cieID := uint32(blockStart - 4)
			df.cies[cieID] = c
		} else {
			c, ok := df.cies[id]
			if !ok {
				return nil, fmt.Errorf("FDE at offset %d refers to unknown CIE 0x%x", blockStart, id)
			}
			f := &fde{cie: c}
			if n+8 > len(block) {
				return nil, fmt.Errorf("truncated FDE at offset %d", blockStart)
			}
			f.startAddress = binary.LittleEndian.Uint32(block[n:])
			n += 4
			f.endAddress = f.startAddress + binary.LittleEndian.Uint32(block[n:])
			n += 4
			f.instructions = append([]byte(nil), block[n:]...)
			df.fdes = append(df.fdes, f)
		}
	}

	return df, nil
}

// RowForAddress finds the FDE covering pc and replays its CFI program
// (CIE initial instructions, then the FDE's own instructions up to pc) to
// produce the unwind row in effect at that address.
func (df *DebugFrame) RowForAddress(pc uint32) (Row, error) {
	var f *fde
	for _, cand := range df.fdes {
		if pc >= cand.startAddress && pc < cand.endAddress {
			f = cand
			break
		}
	}
	if f == nil {
		return Row{}, ErrMissingDebugInfo
	}

	interp := newCFIInterpreter(f.cie)
	if err := interp.run(f.cie.instructions, f.startAddress, 0 /* no limit: establish initial state */); err != nil {
		return Row{}, err
	}
	interp.commitInitialState()

	if err := interp.run(f.instructions, f.startAddress, pc); err != nil {
		return Row{}, err
	}

	return interp.row(), nil
}

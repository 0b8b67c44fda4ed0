package unwind

import "fmt"

// cfiState is one row's worth of accumulated unwind state.
type cfiState struct {
	cfa       CFARule
	registers map[uint16]RegisterRule
}

func (s cfiState) clone() cfiState {
	regs := make(map[uint16]RegisterRule, len(s.registers))
	for k, v := range s.registers {
		regs[k] = v
	}
	return cfiState{cfa: s.cfa, registers: regs}
}

// cfiInterpreter replays a DWARF CFI instruction stream (DWARF-4 §6.4.2),
// tracking the current row plus the remember/restore stack. It only
// implements the opcode subset cortex-m-rt-style toolchains emit:
// advance_loc(1/2/4)/set_loc, def_cfa family, offset family, restore
// family, undefined/same_value, remember/restore_state, and nop;
// DW_CFA_register is skipped as a no-op. DW_CFA_def_cfa_expression sets
// the CFA rule to CFAExpression (which only fails once UpdateCFA is asked
// to apply it), and DW_CFA_expression leaves the register's existing rule
// in place. Any other opcode makes run return an error.
type cfiInterpreter struct {
	cie *cie

	location uint32
	current  cfiState
	initial  cfiState
	stack    []cfiState
}

func newCFIInterpreter(c *cie) *cfiInterpreter {
	return &cfiInterpreter{
		cie: c,
		current: cfiState{
			registers: make(map[uint16]RegisterRule),
		},
	}
}

// commitInitialState snapshots the state reached after running the CIE's
// initial instructions, so that DW_CFA_restore/_extended can return to it.
func (in *cfiInterpreter) commitInitialState() {
	in.initial = in.current.clone()
}

func (in *cfiInterpreter) row() Row {
	return Row{CFA: in.current.cfa, Registers: in.current.registers}
}

// run executes instructions starting at startAddr. If limit is non-zero,
// execution stops (without applying the opcode that would cross it) as
// soon as the current location would advance past limit, leaving
// in.current as the row in effect at limit.
func (in *cfiInterpreter) run(instructions []byte, startAddr uint32, limit uint32) error {
	in.location = startAddr
	ptr := 0
	for ptr < len(instructions) {
		op := instructions[ptr]
		ptr++

		high := op & 0xc0
		low := op & 0x3f

		switch {
		case high == 0x40: // DW_CFA_advance_loc
			if !in.advance(uint64(low)*in.cie.codeAlignment, limit) {
				return nil
			}

		case high == 0x80: // DW_CFA_offset
			offset, n := decodeULEB128(instructions[ptr:])
			ptr += n
			in.setOffsetRule(uint16(low), int64(offset)*in.cie.dataAlignment)

		case high == 0xc0: // DW_CFA_restore
			in.restoreRegister(uint16(low))

		default:
			switch op {
			case 0x00: // nop

			case 0x01: // DW_CFA_set_loc
				addr := le32(instructions[ptr:])
				ptr += 4
				if addr > limit && limit != 0 {
					return nil
				}
				in.location = addr

			case 0x02: // DW_CFA_advance_loc1
				delta := uint64(instructions[ptr])
				ptr++
				if !in.advance(delta*in.cie.codeAlignment, limit) {
					return nil
				}

			case 0x03: // DW_CFA_advance_loc2
				delta := uint64(instructions[ptr]) | uint64(instructions[ptr+1])<<8
				ptr += 2
				if !in.advance(delta*in.cie.codeAlignment, limit) {
					return nil
				}

			case 0x04: // DW_CFA_advance_loc4
				delta := uint64(le32(instructions[ptr:]))
				ptr += 4
				if !in.advance(delta*in.cie.codeAlignment, limit) {
					return nil
				}

			case 0x05: // DW_CFA_offset_extended
				reg, n := decodeULEB128(instructions[ptr:])
				ptr += n
				off, n := decodeULEB128(instructions[ptr:])
				ptr += n
				in.setOffsetRule(uint16(reg), int64(off)*in.cie.dataAlignment)

			case 0x06: // DW_CFA_restore_extended
				reg, n := decodeULEB128(instructions[ptr:])
				ptr += n
				in.restoreRegister(uint16(reg))

			case 0x07: // DW_CFA_undefined
				reg, n := decodeULEB128(instructions[ptr:])
				ptr += n
				delete(in.current.registers, uint16(reg))

			case 0x08: // DW_CFA_same_value
				reg, n := decodeULEB128(instructions[ptr:])
				ptr += n
				delete(in.current.registers, uint16(reg))

			case 0x09: // DW_CFA_register
				_, n := decodeULEB128(instructions[ptr:])
				ptr += n
				_, n = decodeULEB128(instructions[ptr:])
				ptr += n
				// Register-to-register rules aren't produced by this
				// corpus's toolchains for Cortex-M; treated as a no-op.

			case 0x0a: // DW_CFA_remember_state
				in.stack = append(in.stack, in.current.clone())

			case 0x0b: // DW_CFA_restore_state
				if n := len(in.stack); n > 0 {
					in.current = in.stack[n-1]
					in.stack = in.stack[:n-1]
				}

			case 0x0c: // DW_CFA_def_cfa
				reg, n := decodeULEB128(instructions[ptr:])
				ptr += n
				off, n := decodeULEB128(instructions[ptr:])
				ptr += n
				in.current.cfa = CFARule{Kind: CFARegisterAndOffset, Register: uint16(reg), Offset: int64(off)}

			case 0x0d: // DW_CFA_def_cfa_register
				reg, n := decodeULEB128(instructions[ptr:])
				ptr += n
				in.current.cfa.Register = uint16(reg)
				in.current.cfa.Kind = CFARegisterAndOffset

			case 0x0e: // DW_CFA_def_cfa_offset
				off, n := decodeULEB128(instructions[ptr:])
				ptr += n
				in.current.cfa.Offset = int64(off)
				in.current.cfa.Kind = CFARegisterAndOffset

			case 0x0f: // DW_CFA_def_cfa_expression
				blockLen, n := decodeULEB128(instructions[ptr:])
				ptr += n + int(blockLen)
				in.current.cfa = CFARule{Kind: CFAExpression}

			case 0x10: // DW_CFA_expression
				_, n := decodeULEB128(instructions[ptr:])
				ptr += n
				blockLen, n := decodeULEB128(instructions[ptr:])
				ptr += n + int(blockLen)
				// Not representable as Offset/Undefined; the register
				// simply keeps whatever rule it already had.

			case 0x11: // DW_CFA_offset_extended_sf
				reg, n := decodeULEB128(instructions[ptr:])
				ptr += n
				off, n := decodeSLEB128(instructions[ptr:])
				ptr += n
				in.setOffsetRule(uint16(reg), off*in.cie.dataAlignment)

			case 0x12: // DW_CFA_def_cfa_sf
				reg, n := decodeULEB128(instructions[ptr:])
				ptr += n
				off, n := decodeSLEB128(instructions[ptr:])
				ptr += n
				in.current.cfa = CFARule{Kind: CFARegisterAndOffset, Register: uint16(reg), Offset: off * in.cie.dataAlignment}

			case 0x13: // DW_CFA_def_cfa_offset_sf
				off, n := decodeSLEB128(instructions[ptr:])
				ptr += n
				in.current.cfa.Offset = off * in.cie.dataAlignment
				in.current.cfa.Kind = CFARegisterAndOffset

			default:
				return fmt.Errorf("unw: unsupported CFI opcode 0x%02x", op)
			}
		}
	}
	return nil
}

// advance moves the current location forward by delta, stopping (without
// applying the move) if it would cross limit. Returns false when the
// caller should stop processing further instructions.
func (in *cfiInterpreter) advance(delta uint64, limit uint32) bool {
	next := in.location + uint32(delta)
	if limit != 0 && next > limit {
		return false
	}
	in.location = next
	return true
}

func (in *cfiInterpreter) setOffsetRule(reg uint16, offset int64) {
	in.current.registers[reg] = RegisterRule{Kind: RuleOffset, Offset: offset}
}

func (in *cfiInterpreter) restoreRegister(reg uint16) {
	if rule, ok := in.initial.registers[reg]; ok {
		in.current.registers[reg] = rule
	} else {
		delete(in.current.registers, reg)
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// decodeULEB128 decodes an unsigned LEB128 value, returning it and the
// number of bytes consumed.
func decodeULEB128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	var i int
	for {
		byt := b[i]
		i++
		result |= uint64(byt&0x7f) << shift
		if byt&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, i
}

// decodeSLEB128 decodes a signed LEB128 value, returning it and the
// number of bytes consumed.
func decodeSLEB128(b []byte) (int64, int) {
	var result int64
	var shift uint
	var i int
	var byt byte
	for {
		byt = b[i]
		i++
		result |= int64(byt&0x7f) << shift
		shift += 7
		if byt&0x80 == 0 {
			break
		}
	}
	if shift < 64 && byt&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i
}

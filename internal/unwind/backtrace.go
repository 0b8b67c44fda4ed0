package unwind

import (
	"fmt"
	"io"
	"sort"
)

// RangeName maps a PC range to a symbol name; mirrors firmware.RangeName
// without importing that package (the unwinder only needs to binary
// search it).
type RangeName struct {
	Start uint32
	End   uint32
	Name  string
}

// TopException records which kind of exception frame, if any, was the
// most recent (topmost) one seen while walking the stack.
type TopException int

const (
	TopExceptionNone TopException = iota
	TopExceptionHardFault
	TopExceptionOther
)

var (
	// ErrBadExcReturn is returned when LR carries an EXC_RETURN-range
	// value that doesn't match one of the six architecturally defined
	// sentinels.
	ErrBadExcReturn = fmt.Errorf("LR contains an invalid EXC_RETURN value")
	// ErrNonThumbReturnAddress is returned when an ordinary return address
	// in LR doesn't have the Thumb bit set.
	ErrNonThumbReturnAddress = fmt.Errorf("return address in LR didn't have the Thumb bit set")
)

const (
	thumbBit    = 1
	lrEndOfStack = 0xFFFFFFFF
)

// resetReturn marks the sentinel LR value cortex-m-rt's reset handler
// uses as its own "return address": seeing it means we've unwound past
// the outermost frame.
const resetReturn = lrEndOfStack

// Backtrace walks call frames on a halted core starting at pc, printing
// one line per frame to out, and returns which exception (if any) was the
// topmost frame encountered.
func Backtrace(core Core, pc uint32, debugFrameBytes []byte, rangeNames []RangeName, out io.Writer) (TopException, error) {
	debugFrame, err := ParseDebugFrame(debugFrameBytes)
	if err != nil {
		return TopExceptionNone, err
	}

	lr, err := core.ReadCoreReg(RegLR)
	if err != nil {
		return TopExceptionNone, err
	}
	sp, err := core.ReadCoreReg(RegSP)
	if err != nil {
		return TopExceptionNone, err
	}

	regs := NewRegisterCache(core, lr, sp)

	topException := TopExceptionNone
	frame := 0

	fmt.Fprintln(out, "stack backtrace:")
	for {
		name := lookupName(rangeNames, pc)
		fmt.Fprintf(out, "%4d: %#010x - %s\n", frame, pc, name)

		row, err := debugFrame.RowForAddress(pc)
		if err != nil {
			return topException, err
		}

		cfaChanged, err := regs.UpdateCFA(row.CFA)
		if err != nil {
			return topException, err
		}

		for reg, rule := range row.Registers {
			if err := regs.Update(reg, rule); err != nil {
				return topException, err
			}
		}

		lr, err := regs.Get(RegLR)
		if err != nil {
			return topException, err
		}

		if lr == resetReturn {
			break
		}

		if !cfaChanged && lr&^thumbBit == pc&^thumbBit {
			fmt.Fprintln(out, "error: the stack appears to be corrupted beyond this point")
			return topException, nil
		}

		if lr > 0xFFFFFFE0 {
			fpu, err := classifyExcReturn(lr)
			if err != nil {
				return topException, err
			}

			if topException == TopExceptionNone {
				if name == "HardFault" {
					topException = TopExceptionHardFault
				} else {
					topException = TopExceptionOther
				}
			}
			fmt.Fprintln(out, "      <exception entry>")

			sp, err := regs.Get(RegSP)
			if err != nil {
				return topException, err
			}
			stacked, err := ReadStackedFrame(core, sp, fpu)
			if err != nil {
				return topException, err
			}

			regs.Insert(RegLR, stacked.LR)
			regs.Insert(RegSP, sp+stacked.Size())
			pc = stacked.PC
		} else {
			if lr&thumbBit == 0 {
				return topException, ErrNonThumbReturnAddress
			}
			pc = lr &^ thumbBit
		}

		frame++
	}

	return topException, nil
}

// classifyExcReturn maps an EXC_RETURN sentinel to whether the stacked
// frame it designates includes FPU state.
func classifyExcReturn(lr uint32) (fpu bool, err error) {
	switch lr {
	case 0xFFFFFFF1, 0xFFFFFFF9, 0xFFFFFFFD:
		return false, nil
	case 0xFFFFFFE1, 0xFFFFFFE9, 0xFFFFFFED:
		return true, nil
	default:
		return false, fmt.Errorf("%w: 0x%08x", ErrBadExcReturn, lr)
	}
}

// lookupName binary-searches the sorted, non-overlapping range table for
// the range containing pc.
func lookupName(rangeNames []RangeName, pc uint32) string {
	i := sort.Search(len(rangeNames), func(i int) bool { return rangeNames[i].End > pc })
	if i < len(rangeNames) && rangeNames[i].Start <= pc {
		return rangeNames[i].Name
	}
	return "<unknown>"
}

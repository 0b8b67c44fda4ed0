package unwind

import (
	"fmt"
	"math"
)

// wordsBasic is the number of 32-bit words the ARM exception-entry
// hardware stacks without FPU state: r0, r1, r2, r3, r12, lr, pc, xpsr.
const wordsBasic = 8

// wordsExtended adds 16 FPU registers (s0..s15) plus the FPSCR status word.
const wordsExtended = wordsBasic + 17

// StackedFPU holds the FPU registers stacked in an extended frame.
type StackedFPU struct {
	S     [16]float32
	FPSCR uint32
}

// StackedFrame is the register block the processor pushes automatically
// on exception entry: 8 words for a basic frame, 25 for an extended
// (FPU-using) one.
type StackedFrame struct {
	R0, R1, R2, R3 uint32
	R12            uint32
	LR             uint32
	PC             uint32
	XPSR           uint32
	FPU            *StackedFPU
}

// Size returns the in-memory size of the stacked frame in bytes: 32 for a
// basic frame, 100 for an extended one.
func (f StackedFrame) Size() uint32 {
	if f.FPU == nil {
		return wordsBasic * 4
	}
	return wordsExtended * 4
}

// ReadStackedFrame reads the 8 or 25 consecutive 32-bit words starting at
// sp and decodes them according to the fixed ARM exception-entry layout.
func ReadStackedFrame(core Core, sp uint32, fpu bool) (StackedFrame, error) {
	n := wordsBasic
	if fpu {
		n = wordsExtended
	}
	words := make([]uint32, n)
	if err := core.Read32(sp, words); err != nil {
		return StackedFrame{}, fmt.Errorf("reading stacked frame at 0x%08x: %w", sp, err)
	}

	frame := StackedFrame{
		R0: words[0], R1: words[1], R2: words[2], R3: words[3],
		R12: words[4], LR: words[5], PC: words[6], XPSR: words[7],
	}
	if fpu {
		var f StackedFPU
		for i := 0; i < 16; i++ {
			f.S[i] = math.Float32frombits(words[wordsBasic+i])
		}
		f.FPSCR = words[wordsBasic+16]
		frame.FPU = &f
	}
	return frame, nil
}

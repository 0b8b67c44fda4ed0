// Package firmware parses a linked ARM firmware container, extracts the
// loadable sections, derives the initial CPU registers, and builds the
// sorted PC->name table consumed by the unwinder.
package firmware

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"github.com/gmofishsauce/cmrun/internal/chip"
)

var (
	// ErrMissingText is returned when the image has no `.text` section.
	ErrMissingText = errors.New(".text section is missing, please make sure the linker script was used")
	// ErrMissingVectorTable is returned when the image has no `.vector_table` section.
	ErrMissingVectorTable = errors.New(".vector_table section is missing")
	// ErrMisaligned is returned when a recognized section's start or size
	// is not a multiple of 4 bytes.
	ErrMisaligned = errors.New("section is not 4-byte aligned")
	// ErrMalformed wraps any underlying container-parsing failure.
	ErrMalformed = errors.New("firmware image is malformed")
)

// recognized lists the loadable sections cmrun understands. .bss and
// .uninit are deliberately excluded: the firmware initializes those itself.
var recognized = map[string]bool{
	".vector_table": true,
	".text":         true,
	".rodata":       true,
	".data":         true,
}

// Section is a contiguous loadable region, decoded as little-endian 32-bit
// words. Both Start and len(Data)*4 are multiples of 4 by construction.
type Section struct {
	Name  string
	Start uint32
	Data  []uint32
}

// Size returns the section size in bytes.
func (s Section) Size() uint32 { return uint32(len(s.Data)) * 4 }

// InitialRegisters holds the CPU state derived from .vector_table.
type InitialRegisters struct {
	SP   uint32
	PC   uint32
	VTOR uint32
}

// RangeName maps a [Start, End) PC range (Thumb bit cleared) to a demangled
// symbol name.
type RangeName struct {
	Start uint32
	End   uint32
	Name  string
}

// Contains reports whether pc falls within the range.
func (r RangeName) Contains(pc uint32) bool { return pc >= r.Start && pc < r.End }

// DiagnosticSymbols records the optional runtime-diagnostic symbols.
type DiagnosticSymbols struct {
	RTTAddr  *uint32
	UsesHeap bool
}

// allocatorSymbols is the fixed set of allocator-entry-point names whose
// presence indicates the firmware uses a heap. Heap use makes stack-canary
// placement unsafe because the heap grows toward the stack.
var allocatorSymbols = map[string]bool{
	"__rust_alloc": true,
	"__rg_alloc":   true,
	"__rdl_alloc":  true,
	"malloc":       true,
}

// Image is everything the rest of cmrun needs from the firmware container.
type Image struct {
	Sections            []Section
	InitialRegisters    InitialRegisters
	RangeNames          []RangeName
	Diagnostics         DiagnosticSymbols
	DebugFrame          []byte
	HighestRAMAddrInUse uint32
}

// Section looks up a recognized section by name.
func (img *Image) Section(name string) (Section, bool) {
	for _, s := range img.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Analyze parses raw firmware bytes against the given chip's memory map.
//
// Only the first RAM region in variant.RAMRegions() is used to compute
// HighestRAMAddrInUse; any further RAM regions are reported through warn
// but otherwise ignored, by design (see DESIGN.md).
func Analyze(data []byte, variant chip.Variant, warn func(string)) (*Image, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ramRegions := variant.RAMRegions()
	var ram *chip.MemoryRegion
	if len(ramRegions) > 0 {
		r := ramRegions[0]
		ram = &r
		if warn != nil {
			for _, other := range ramRegions[1:] {
				warn(fmt.Sprintf("multiple RAM regions found (using %s 0x%08x-0x%08x, ignoring %s 0x%08x-0x%08x); stack canary coverage may be incomplete",
					r.Name, r.Start, r.End-1, other.Name, other.Start, other.End-1))
			}
		}
	}

	img := &Image{}
	var haveRegisters bool

	for _, sect := range ef.Sections {
		name := sect.Name

		if name == ".debug_frame" {
			data, err := sect.Data()
			if err != nil {
				return nil, fmt.Errorf("%w: reading .debug_frame: %v", ErrMalformed, err)
			}
			img.DebugFrame = data
			continue
		}

		if sect.Size != 0 && ram != nil {
			lastAddr := uint32(sect.Addr + sect.Size - 1)
			if ram.Contains(lastAddr) {
				if warn != nil {
					warn(fmt.Sprintf("section `%s` is in RAM at 0x%08x-0x%08x", name, sect.Addr, lastAddr))
				}
				if lastAddr > img.HighestRAMAddrInUse {
					img.HighestRAMAddrInUse = lastAddr
				}
			}
		}

		if !recognized[name] || sect.Size == 0 {
			continue
		}

		start := uint32(sect.Addr)
		size := uint32(sect.Size)
		if start%4 != 0 || size%4 != 0 {
			return nil, fmt.Errorf("%w: section `%s`", ErrMisaligned, name)
		}

		raw, err := sect.Data()
		if err != nil {
			return nil, fmt.Errorf("%w: reading `%s`: %v", ErrMalformed, name, err)
		}
		words := make([]uint32, 0, len(raw)/4)
		for i := 0; i+4 <= len(raw); i += 4 {
			words = append(words, le32(raw[i:i+4]))
		}

		if name == ".vector_table" {
			if len(words) < 2 {
				return nil, fmt.Errorf("%w: `.vector_table` is too short", ErrMalformed)
			}
			img.InitialRegisters = InitialRegisters{
				SP:   words[0],
				PC:   words[1],
				VTOR: start,
			}
			haveRegisters = true
		}

		img.Sections = append(img.Sections, Section{Name: name, Start: start, Data: words})
	}

	if _, ok := img.Section(".text"); !ok {
		return nil, ErrMissingText
	}
	if !haveRegisters {
		return nil, ErrMissingVectorTable
	}

	rangeNames, diag, err := symbolsFrom(ef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	img.RangeNames = rangeNames
	img.Diagnostics = diag

	return img, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// sortRangeNames sorts by range start; used by symbolsFrom and tests.
func sortRangeNames(rn []RangeName) {
	sort.Slice(rn, func(i, j int) bool { return rn[i].Start < rn[j].Start })
}

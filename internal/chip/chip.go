// Package chip is the chip catalog: the external collaborator that
// enumerates known Cortex-M chip families and resolves a chip name to its
// memory map. Real probe-rs-style target registries carry hundreds of
// variants pulled from vendor SVDs; this catalog carries a representative
// handful, enough to drive canary placement and --list-chips.
package chip

import (
	"fmt"
	"strings"
)

// RegionKind distinguishes the memory regions we care about. Anything that
// isn't RAM or Flash (peripherals, external memory) is simply not modeled.
type RegionKind int

const (
	RegionRAM RegionKind = iota
	RegionFlash
)

func (k RegionKind) String() string {
	if k == RegionRAM {
		return "RAM"
	}
	return "FLASH"
}

// MemoryRegion is a half-open [Start, End) address range.
type MemoryRegion struct {
	Kind  RegionKind
	Name  string
	Start uint32
	End   uint32
}

// Contains reports whether addr falls within the region.
func (r MemoryRegion) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

// Variant is one chip within a family, e.g. "STM32F401RE".
type Variant struct {
	Name      string
	MemoryMap []MemoryRegion
}

// RAMRegions returns the variant's RAM regions in declaration order.
func (v Variant) RAMRegions() []MemoryRegion {
	var out []MemoryRegion
	for _, r := range v.MemoryMap {
		if r.Kind == RegionRAM {
			out = append(out, r)
		}
	}
	return out
}

// Family groups variants that share a core and peripheral layout.
type Family struct {
	Name     string
	Variants []Variant
}

// ErrUnknownChip is returned by GetTargetByName for an unrecognized name.
var ErrUnknownChip = fmt.Errorf("chip not found in registry")

// registry is the built-in catalog. Addresses are representative of the
// real parts named but are not guaranteed to match a specific silicon
// revision; cmrun only needs the shape (one flash range, one or more RAM
// ranges) to be right.
var registry = []Family{
	{
		Name: "STM32F401",
		Variants: []Variant{
			{
				Name: "STM32F401CCUx",
				MemoryMap: []MemoryRegion{
					{Kind: RegionFlash, Name: "FLASH", Start: 0x0800_0000, End: 0x0804_0000},
					{Kind: RegionRAM, Name: "SRAM", Start: 0x2000_0000, End: 0x2001_0000},
				},
			},
			{
				Name: "STM32F401RETx",
				MemoryMap: []MemoryRegion{
					{Kind: RegionFlash, Name: "FLASH", Start: 0x0800_0000, End: 0x0808_0000},
					{Kind: RegionRAM, Name: "SRAM", Start: 0x2000_0000, End: 0x2001_8000},
				},
			},
		},
	},
	{
		Name: "nRF52840",
		Variants: []Variant{
			{
				Name: "nRF52840_xxAA",
				MemoryMap: []MemoryRegion{
					{Kind: RegionFlash, Name: "FLASH", Start: 0x0000_0000, End: 0x0010_0000},
					{Kind: RegionRAM, Name: "RAM", Start: 0x2000_0000, End: 0x2004_0000},
				},
			},
		},
	},
	{
		Name: "RP2040",
		Variants: []Variant{
			{
				Name: "RP2040",
				MemoryMap: []MemoryRegion{
					{Kind: RegionFlash, Name: "XIP", Start: 0x1000_0000, End: 0x1020_0000},
					// RP2040 splits SRAM into banks; the smaller SRAM4_5
					// bank is deliberately listed first so that
					// multi-RAM-region chips are exercised by a real part.
					{Kind: RegionRAM, Name: "SRAM4_5", Start: 0x2004_0000, End: 0x2004_2000},
					{Kind: RegionRAM, Name: "SRAM0_3", Start: 0x2000_0000, End: 0x2004_0000},
				},
			},
		},
	},
}

// Families returns the built-in catalog, in declaration order.
func Families() []Family {
	return registry
}

// GetTargetByName resolves a chip name case-insensitively.
func GetTargetByName(name string) (Variant, error) {
	for _, f := range registry {
		for _, v := range f.Variants {
			if strings.EqualFold(v.Name, name) {
				return v, nil
			}
		}
	}
	return Variant{}, fmt.Errorf("%w: %q", ErrUnknownChip, name)
}

package firmware

import (
	"debug/elf"
	"strings"
)

// rttSymbolName is the on-device logging control block symbol.
const rttSymbolName = "_SEGGER_RTT"

// symbolsFrom walks the ELF symbol table, recording the RTT control-block
// address, the heap-use flag, and a name for every positive-size symbol
// resident in `.text`, sorted by start address. Overlapping ranges (for
// example two symbols aliasing the same code) are not merged or removed.
func symbolsFrom(ef *elf.File) ([]RangeName, DiagnosticSymbols, error) {
	var diag DiagnosticSymbols

	text := ef.Section(".text")
	var textIndex elf.SectionIndex = -1
	for i, s := range ef.Sections {
		if s == text {
			textIndex = elf.SectionIndex(i)
			break
		}
	}

	syms, err := ef.Symbols()
	if err != nil {
		// No symbol table is not fatal: an image can still unwind with an
		// empty name table, every frame just prints "<unknown>".
		if err == elf.ErrNoSymbols {
			return nil, diag, nil
		}
		return nil, diag, err
	}

	var rangeNames []RangeName
	for _, sym := range syms {
		name := sym.Name
		if name == "" {
			continue
		}

		switch {
		case name == rttSymbolName:
			addr := uint32(sym.Value)
			diag.RTTAddr = &addr
		case allocatorSymbols[name] && !diag.UsesHeap:
			diag.UsesHeap = true
		}

		if elf.SectionIndex(sym.Section) == textIndex && sym.Size > 0 {
			start := uint32(sym.Value) &^ 1 // clear the Thumb bit
			end := start + uint32(sym.Size)
			rangeNames = append(rangeNames, RangeName{
				Start: start,
				End:   end,
				Name:  stripHashSuffix(demangle(name)),
			})
		}
	}

	sortRangeNames(rangeNames)
	return rangeNames, diag, nil
}

// demangle is a best-effort Rust-legacy-mangling demangler. Firmware built
// with other toolchains is left untouched: an already-plain C name simply
// doesn't match the mangled-name shape and passes through unchanged.
func demangle(name string) string {
	const prefix = "_ZN"
	const suffix = "E"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return name
	}

	rest := name[len(prefix) : len(name)-len(suffix)]
	var parts []string
	for len(rest) > 0 {
		n := 0
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			n = n*10 + int(rest[i]-'0')
			i++
		}
		if i == 0 || n == 0 || i+n > len(rest) {
			// Not a well-formed length-prefixed component list; bail out
			// and return the original name rather than guess.
			return name
		}
		parts = append(parts, rest[i:i+n])
		rest = rest[i+n:]
	}
	return strings.Join(parts, "::")
}

// stripHashSuffix removes a trailing "::h" + 16 hex characters compiler
// hash, e.g. "foo::bar::hd881d91ced85c2b0" -> "foo::bar". Names shorter
// than the suffix, or not ending in the suffix shape, are left unchanged.
func stripHashSuffix(name string) string {
	const hexLen = 16
	const suffixLen = len("::h") + hexLen

	if len(name) < suffixLen {
		return name
	}
	tail := name[len(name)-suffixLen:]
	if !strings.HasPrefix(tail, "::h") {
		return name
	}
	hex := tail[len("::h"):]
	for _, r := range hex {
		if !isHexDigit(r) {
			return name
		}
	}
	return name[:len(name)-suffixLen]
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

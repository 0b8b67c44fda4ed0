package firmware

import (
	"encoding/binary"
	"testing"

	"github.com/gmofishsauce/cmrun/internal/chip"
)

var le = binary.LittleEndian

func TestStripHashSuffix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"foo::bar::hd881d91ced85c2b0", "foo::bar"},
		{"foo::bar", "foo::bar"},
		{"foo::habcdef0123456789", "foo"},
		{"short", "short"},
		{"", ""},
		{"foo::hZZZZZZZZZZZZZZZZ", "foo::hZZZZZZZZZZZZZZZZ"}, // not hex -> unchanged
	}
	for _, c := range cases {
		if got := stripHashSuffix(c.in); got != c.want {
			t.Errorf("stripHashSuffix(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDemangle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"_ZN3foo3barE", "foo::bar"},
		{"plain_c_name", "plain_c_name"},
		{"HardFault", "HardFault"},
	}
	for _, c := range cases {
		if got := demangle(c.in); got != c.want {
			t.Errorf("demangle(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func testVariant() chip.Variant {
	v, err := chip.GetTargetByName("STM32F401RETx")
	if err != nil {
		panic(err)
	}
	return v
}

func TestAnalyzeMissingVectorTable(t *testing.T) {
	data := buildTestELF([]testELFSection{
		{name: ".text", typ: 1, addr: 0x0800_0100, data: make([]byte, 16)},
	}, nil)

	_, err := Analyze(data, testVariant(), nil)
	if err == nil {
		t.Fatal("expected an error for missing .vector_table")
	}
}

func TestAnalyzeMissingText(t *testing.T) {
	vt := make([]byte, 8)
	le.PutUint32(vt[0:4], 0x2000_8000)
	le.PutUint32(vt[4:8], 0x0800_0101)

	data := buildTestELF([]testELFSection{
		{name: ".vector_table", typ: 1, addr: 0x0800_0000, data: vt},
	}, nil)

	_, err := Analyze(data, testVariant(), nil)
	if err != ErrMissingText {
		t.Fatalf("got err %v, want ErrMissingText", err)
	}
}

func TestAnalyzeBasic(t *testing.T) {
	vt := make([]byte, 8)
	le.PutUint32(vt[0:4], 0x2000_8000) // initial SP
	le.PutUint32(vt[4:8], 0x0800_0101) // reset handler (Thumb bit set)

	text := make([]byte, 32)

	sections := []testELFSection{
		{name: ".vector_table", typ: 1, addr: 0x0800_0000, data: vt},
		{name: ".text", typ: 1, addr: 0x0800_0100, data: text},
		{name: ".debug_frame", typ: 1, data: []byte{1, 2, 3, 4}},
	}
	syms := []testELFSymbol{
		{name: "reset_handler", value: 0x0800_0101, size: 16, section: 2},
		{name: "_SEGGER_RTT", value: 0x2000_0100, size: 0, section: 0},
		{name: "malloc", value: 0x0800_0200, size: 4, section: 2},
	}

	data := buildTestELF(sections, syms)
	img, err := Analyze(data, testVariant(), func(string) {})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if img.InitialRegisters.SP != 0x2000_8000 {
		t.Errorf("SP = 0x%x, want 0x2000_8000", img.InitialRegisters.SP)
	}
	if img.InitialRegisters.PC != 0x0800_0101 {
		t.Errorf("PC = 0x%x, want 0x0800_0101", img.InitialRegisters.PC)
	}
	if img.InitialRegisters.VTOR != 0x0800_0000 {
		t.Errorf("VTOR = 0x%x, want 0x0800_0000", img.InitialRegisters.VTOR)
	}
	if len(img.DebugFrame) != 4 {
		t.Errorf("DebugFrame len = %d, want 4", len(img.DebugFrame))
	}
	if !img.Diagnostics.UsesHeap {
		t.Error("expected UsesHeap to be true (malloc present)")
	}
	if img.Diagnostics.RTTAddr == nil || *img.Diagnostics.RTTAddr != 0x2000_0100 {
		t.Errorf("RTTAddr = %v, want 0x2000_0100", img.Diagnostics.RTTAddr)
	}

	if len(img.RangeNames) != 2 {
		t.Fatalf("got %d range names, want 2", len(img.RangeNames))
	}
	if img.RangeNames[0].Start != 0x0800_0100 || img.RangeNames[0].Name != "reset_handler" {
		t.Errorf("unexpected first range: %+v", img.RangeNames[0])
	}
	for i := 1; i < len(img.RangeNames); i++ {
		if img.RangeNames[i-1].Start > img.RangeNames[i].Start {
			t.Errorf("range names not sorted: %+v then %+v", img.RangeNames[i-1], img.RangeNames[i])
		}
	}
}

func TestAnalyzeMisaligned(t *testing.T) {
	vt := make([]byte, 8)
	le.PutUint32(vt[0:4], 0x2000_8000)
	le.PutUint32(vt[4:8], 0x0800_0101)

	data := buildTestELF([]testELFSection{
		{name: ".vector_table", typ: 1, addr: 0x0800_0000, data: vt},
		{name: ".text", typ: 1, addr: 0x0800_0101, data: make([]byte, 16)}, // odd start
	}, nil)

	_, err := Analyze(data, testVariant(), nil)
	if err == nil {
		t.Fatal("expected a misalignment error")
	}
}

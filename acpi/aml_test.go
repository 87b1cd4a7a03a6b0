package acpi_test

import (
	"bytes"
	"testing"

	"github.com/capsa-vm/capsa/acpi"
)

func TestCalcPkgLength(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		size uint32
		exp  []byte
	}{
		{
			name: "1ByteSize",
			size: 62,
			exp:  []byte{63},
		},
		{
			name: "2ByteSize",
			size: 64,
			exp:  []byte{1<<6 | (66 & 0xf), 66 >> 4},
		},
		{
			name: "3ByteSize",
			size: 4096,
			exp:  []byte{2<<6 | (4099 & 0xf), 0, 1},
		},
		{
			name: "4ByteSize",
			size: 536870912,
			exp:  []byte{3<<6 | (536870916 & 0xf), 0, 0, 0},
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			val := acpi.CalcPkgLength(tt.size, true)
			if !bytes.Equal(val, tt.exp) {
				t.Fatalf("have 0x%x, want 0x%x", val, tt.exp)
			}
		})
	}
}

func TestPathEncodings(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		path string
		exp  []byte
	}{
		{
			name: "ShortSegmentPadded",
			path: "ABC",
			exp:  []byte("ABC_"),
		},
		{
			name: "RootedName",
			path: "\\_S5_",
			exp:  []byte("\\_S5_"),
		},
		{
			name: "DualName",
			path: "\\_SB_.COM1",
			exp:  append([]byte{'\\', 0x2E}, []byte("_SB_COM1")...),
		},
		{
			name: "MultiName",
			path: "_SB_.PCI0.COM1",
			exp:  append([]byte{0x2F, 3}, []byte("_SB_PCI0COM1")...),
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := acpi.NewAML().Path(tt.path).ToBytes()
			if !bytes.Equal(got, tt.exp) {
				t.Fatalf("have 0x%x, want 0x%x", got, tt.exp)
			}
		})
	}
}

func TestPathSegmentTooLong(t *testing.T) {
	t.Parallel()

	if a := acpi.NewAML().Path("TOOLONG"); a != nil {
		t.Fatal("seven-character name segment: want nil")
	}
}

func TestEISAName(t *testing.T) {
	t.Parallel()

	got := acpi.NewAML().EISAName("PNP0501").ToBytes()

	want := []byte{0x0C, 0x41, 0xD0, 0x05, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("have 0x%x, want 0x%x", got, want)
	}
}

func TestEISANameRejectsBadInput(t *testing.T) {
	t.Parallel()

	if a := acpi.NewAML().EISAName("PNP05"); a != nil {
		t.Fatal("short id: want nil")
	}

	if a := acpi.NewAML().EISAName("PNP05ZZ"); a != nil {
		t.Fatal("non-hex product id: want nil")
	}
}

func TestIntegerEncodings(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		v    uint64
		exp  []byte
	}{
		{"Zero", 0, []byte{0x00}},
		{"One", 1, []byte{0x01}},
		{"Byte", 5, []byte{0x0A, 5}},
		{"Word", 0x1234, []byte{0x0B, 0x34, 0x12}},
		{"DWord", 0x12345678, []byte{0x0C, 0x78, 0x56, 0x34, 0x12}},
		{"QWord", 1 << 40, []byte{0x0E, 0, 0, 0, 0, 0, 1, 0, 0}},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := acpi.NewAML().Integer(tt.v).ToBytes()
			if !bytes.Equal(got, tt.exp) {
				t.Fatalf("have 0x%x, want 0x%x", got, tt.exp)
			}
		})
	}
}

func TestPackage(t *testing.T) {
	t.Parallel()

	got := acpi.NewAML().Package(
		acpi.NewAML().Bytes(5),
		acpi.NewAML().Zero(),
	).ToBytes()

	want := []byte{0x12, 0x05, 0x02, 0x0A, 0x05, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("have 0x%x, want 0x%x", got, want)
	}
}

func TestResourceTemplateIO(t *testing.T) {
	t.Parallel()

	got := acpi.NewAML().ResourceTemplate(
		acpi.NewAML().IO(0x3f8, 0x3f8, 0, 8),
	).ToBytes()

	want := []byte{
		0x11, 0x0D, // Buffer, PkgLength
		0x0A, 0x0A, // buffer size 10
		0x47, 0x01, 0xF8, 0x03, 0xF8, 0x03, 0x00, 0x08, // io port
		0x79, 0x00, // end tag
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("have 0x%x, want 0x%x", got, want)
	}
}

func TestInterruptDescriptor(t *testing.T) {
	t.Parallel()

	got := acpi.NewAML().Interrupt(true, false, false, false, 10).ToBytes()

	want := []byte{0x89, 0x06, 0x00, 0x01, 0x01, 10, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("have 0x%x, want 0x%x", got, want)
	}
}

func TestDeviceWrapsChildren(t *testing.T) {
	t.Parallel()

	child := acpi.NewAML().Name("_UID", acpi.NewAML().One())
	got := acpi.NewAML().Device("COM1", child).ToBytes()

	if got[0] != 0x5B || got[1] != 0x82 {
		t.Fatalf("device opcode missing: 0x%x", got[:2])
	}

	if !bytes.Contains(got, []byte("COM1")) || !bytes.Contains(got, []byte("_UID")) {
		t.Fatalf("device body incomplete: 0x%x", got)
	}
}

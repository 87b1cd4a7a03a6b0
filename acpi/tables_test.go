package acpi_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/capsa-vm/capsa/acpi"
)

const testBase = 0xf0000

func sum(b []byte) uint8 {
	var s uint8
	for _, x := range b {
		s += x
	}

	return s
}

// table returns the serialized table at addr inside a blob built for
// base, using the length field of its description header.
func table(t *testing.T, blob []byte, addr uint64) []byte {
	t.Helper()

	off := addr - testBase
	length := binary.LittleEndian.Uint32(blob[off+4 : off+8])

	return blob[off : off+uint64(length)]
}

func buildTestTables(t *testing.T) []byte {
	t.Helper()

	mmio := []acpi.MMIODevice{
		{Base: 0xd000_0000, Size: 0x1000, IRQ: 10},
		{Base: 0xd000_1000, Size: 0x1000, IRQ: 11},
	}

	blob, err := acpi.Build(testBase, 2, mmio)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	return blob
}

func TestBuildRSDP(t *testing.T) {
	t.Parallel()

	blob := buildTestTables(t)

	if !bytes.Equal(blob[:8], []byte("RSD PTR ")) {
		t.Fatalf("rsdp signature: %q", blob[:8])
	}

	if s := sum(blob[:20]); s != 0 {
		t.Fatalf("rsdp legacy checksum: sum %#x", s)
	}

	if s := sum(blob[:36]); s != 0 {
		t.Fatalf("rsdp extended checksum: sum %#x", s)
	}

	if rev := blob[15]; rev != 2 {
		t.Fatalf("rsdp revision %d, want 2", rev)
	}
}

func TestBuildTableChain(t *testing.T) {
	t.Parallel()

	blob := buildTestTables(t)

	xsdtAddr := binary.LittleEndian.Uint64(blob[24:32])
	xsdt := table(t, blob, xsdtAddr)

	if !bytes.Equal(xsdt[:4], []byte("XSDT")) {
		t.Fatalf("xsdt signature: %q", xsdt[:4])
	}

	if s := sum(xsdt); s != 0 {
		t.Fatalf("xsdt checksum: sum %#x", s)
	}

	if n := (len(xsdt) - 36) / 8; n != 2 {
		t.Fatalf("xsdt has %d entries, want 2", n)
	}

	fadt := table(t, blob, binary.LittleEndian.Uint64(xsdt[36:44]))
	if !bytes.Equal(fadt[:4], []byte("FACP")) {
		t.Fatalf("first xsdt entry is %q, want FACP", fadt[:4])
	}

	if s := sum(fadt); s != 0 {
		t.Fatalf("fadt checksum: sum %#x", s)
	}

	madt := table(t, blob, binary.LittleEndian.Uint64(xsdt[44:52]))
	if !bytes.Equal(madt[:4], []byte("APIC")) {
		t.Fatalf("second xsdt entry is %q, want APIC", madt[:4])
	}

	if s := sum(madt); s != 0 {
		t.Fatalf("madt checksum: sum %#x", s)
	}
}

func TestBuildFADTRegisters(t *testing.T) {
	t.Parallel()

	blob := buildTestTables(t)

	xsdt := table(t, blob, binary.LittleEndian.Uint64(blob[24:32]))
	fadt := table(t, blob, binary.LittleEndian.Uint64(xsdt[36:44]))

	if sci := binary.LittleEndian.Uint16(fadt[46:48]); sci != acpi.SCIInterrupt {
		t.Fatalf("sci interrupt %d, want %d", sci, acpi.SCIInterrupt)
	}

	if evt := binary.LittleEndian.Uint32(fadt[56:60]); evt != acpi.PM1aEvtPort {
		t.Fatalf("pm1a event block %#x, want %#x", evt, acpi.PM1aEvtPort)
	}

	if cnt := binary.LittleEndian.Uint32(fadt[64:68]); cnt != acpi.PM1aCntPort {
		t.Fatalf("pm1a control block %#x, want %#x", cnt, acpi.PM1aCntPort)
	}

	// FACS and DSDT pointers land inside the blob.
	facsAddr := binary.LittleEndian.Uint32(fadt[36:40])
	if !bytes.Equal(blob[facsAddr-testBase:facsAddr-testBase+4], []byte("FACS")) {
		t.Fatalf("firmware ctrl does not point at FACS")
	}

	dsdtAddr := binary.LittleEndian.Uint32(fadt[40:44])

	dsdt := table(t, blob, uint64(dsdtAddr))
	if !bytes.Equal(dsdt[:4], []byte("DSDT")) {
		t.Fatalf("dsdt pointer lands on %q", dsdt[:4])
	}

	if s := sum(dsdt); s != 0 {
		t.Fatalf("dsdt checksum: sum %#x", s)
	}

	if !bytes.Contains(dsdt, []byte("_S5_")) {
		t.Fatal("dsdt lacks the S5 package")
	}

	if !bytes.Contains(dsdt, []byte("LNRO0005")) {
		t.Fatal("dsdt lacks the virtio-mmio devices")
	}
}

func TestBuildMADTEntries(t *testing.T) {
	t.Parallel()

	blob := buildTestTables(t)

	xsdt := table(t, blob, binary.LittleEndian.Uint64(blob[24:32]))
	madt := table(t, blob, binary.LittleEndian.Uint64(xsdt[44:52]))

	var lapics, ioapics, overrides int

	for off := 44; off < len(madt); {
		typ, length := madt[off], int(madt[off+1])

		switch typ {
		case 0:
			lapics++
		case 1:
			ioapics++
		case 2:
			overrides++
		}

		off += length
	}

	if lapics != 2 {
		t.Fatalf("%d local apics, want 2", lapics)
	}

	if ioapics != 1 {
		t.Fatalf("%d ioapics, want 1", ioapics)
	}

	if overrides != 2 {
		t.Fatalf("%d interrupt overrides, want 2", overrides)
	}
}

func TestGAS(t *testing.T) {
	t.Parallel()

	g := acpi.GAS(acpi.GASSystemIO, 16, 2, 0x604)

	if g[0] != acpi.GASSystemIO || g[1] != 16 || g[3] != 2 {
		t.Fatalf("gas fields: %v", g)
	}

	if addr := binary.LittleEndian.Uint64(g[4:]); addr != 0x604 {
		t.Fatalf("gas address %#x, want 0x604", addr)
	}
}

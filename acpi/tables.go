// Package acpi builds the fixed-hardware ACPI tables a Linux guest
// needs for power management: RSDP, XSDT, FADT, FACS, MADT and a DSDT
// with the S5 sleep package and the platform devices.
package acpi

import (
	"fmt"
)

// Register layout the FADT advertises. The VMM decodes the same ports
// on the PM1a event and control blocks.
const (
	PM1aEvtPort = 0x600
	PM1aCntPort = 0x604

	SCIInterrupt = 9

	// PM1 event block bits, status and enable registers alike.
	PM1PwrbtnSts uint16 = 1 << 8
	PM1PwrbtnEn  uint16 = 1 << 8

	// PM1 control block bits.
	PM1SlpEn       uint16 = 1 << 13
	PM1SlpTypShift        = 10
	SlpTypS5       uint16 = 5
)

const (
	oemID      = "CAPSA"
	oemTableID = "CAPSAVMM"

	rsdpOff = 0
	facsOff = 64
	dsdtOff = 128
)

// MMIODevice is one virtio-mmio window to expose under \_SB_.
type MMIODevice struct {
	Base uint32
	Size uint32
	IRQ  uint32
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func buildDSDT(mmio []MMIODevice) ([]byte, error) {
	d := NewDSDT(oemID, oemTableID)

	d.Name("\\_S5_", NewAML().Package(
		NewAML().Integer(uint64(SlpTypS5)),
		NewAML().Zero(),
	))

	sb := NewAML()

	com1 := NewAML()
	com1.Name("_HID", NewAML().EISAName("PNP0501"))
	com1.Name("_UID", NewAML().Zero())
	com1.Name("_CRS", NewAML().ResourceTemplate(
		NewAML().
			IO(0x3f8, 0x3f8, 0, 8).
			Interrupt(true, true, false, false, 4),
	))
	sb.Device("COM1", com1)

	for i, win := range mmio {
		dev := NewAML()
		dev.Name("_HID", NewAML().String("LNRO0005"))
		dev.Name("_UID", NewAML().Integer(uint64(i)))
		dev.Name("_CRS", NewAML().ResourceTemplate(
			NewAML().
				Memory32Fixed(win.Base, win.Size, true).
				Interrupt(true, false, false, false, win.IRQ),
		))
		sb.Device(fmt.Sprintf("VM%02d", i), dev)
	}

	d.AML.Scope("\\_SB_", sb)

	return d.ToBytes()
}

func buildFADT(facsAddr, dsdtAddr uint64) ([]byte, error) {
	f := NewFADT(oemID, oemTableID)

	f.FirmwareCTRL = uint32(facsAddr)
	f.DSDTAddr = uint32(dsdtAddr)
	f.XFirmwareCtrl = facsAddr
	f.XDSDT = dsdtAddr

	f.SCIInt = SCIInterrupt

	f.PM1aEvtBlk = PM1aEvtPort
	f.PM1EvtLen = 4
	f.PM1aCntBlk = PM1aCntPort
	f.PM1CntLen = 2

	f.XPM1aEvtBlk = GAS(GASSystemIO, 32, 2, PM1aEvtPort)
	f.XPM1aCntBlk = GAS(GASSystemIO, 16, 2, PM1aCntPort)

	// Fixed power button; no sleep button, no RTC wake.
	f.Flags = WBINVD | ProcC1 | SleepButton | FixRTC

	copy(f.HyperVendorID[:], oemID)

	return f.ToBytes()
}

func buildMADT(vcpus int) ([]byte, error) {
	m := NewMADT(oemID, oemTableID)

	for i := 0; i < vcpus; i++ {
		m.AddAPIC(NewLocalAPIC(uint8(i)))
	}

	m.AddAPIC(NewIOAPIC(0, 0xfec0_0000, 0))

	// PIT lands on IOAPIC pin 2; the SCI stays on its ISA line but is
	// level triggered, active high.
	m.AddAPIC(NewInterruptSourceOverride(0, 2, 0))
	m.AddAPIC(NewInterruptSourceOverride(SCIInterrupt, SCIInterrupt, 0xd))

	return m.ToBytes()
}

// Build lays out the tables for a machine with the given vCPU count
// and virtio-mmio windows. base is the guest-physical address the
// returned blob is copied to; the internal pointers are absolute, so
// the blob only works at that address.
func Build(base uint64, vcpus int, mmio []MMIODevice) ([]byte, error) {
	dsdt, err := buildDSDT(mmio)
	if err != nil {
		return nil, fmt.Errorf("dsdt: %w", err)
	}

	finalize(dsdt)

	facsAddr := base + facsOff
	dsdtAddr := base + dsdtOff
	fadtOff := align8(dsdtOff + len(dsdt))

	fadt, err := buildFADT(facsAddr, dsdtAddr)
	if err != nil {
		return nil, fmt.Errorf("fadt: %w", err)
	}

	finalize(fadt)

	madtOff := align8(fadtOff + len(fadt))

	madt, err := buildMADT(vcpus)
	if err != nil {
		return nil, fmt.Errorf("madt: %w", err)
	}

	finalize(madt)

	xsdtOff := align8(madtOff + len(madt))

	x := NewXSDT(oemID, oemTableID)
	x.AddEntry(base + uint64(fadtOff))
	x.AddEntry(base + uint64(madtOff))

	xsdt, err := x.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("xsdt: %w", err)
	}

	finalize(xsdt)

	rsdp := NewRSDP(oemID, base+uint64(xsdtOff))

	rsdpBytes, err := rsdp.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("rsdp: %w", err)
	}

	facs := NewFACS()

	facsBytes, err := facs.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("facs: %w", err)
	}

	blob := make([]byte, xsdtOff+len(xsdt))

	copy(blob[rsdpOff:], rsdpBytes)
	copy(blob[facsOff:], facsBytes)
	copy(blob[dsdtOff:], dsdt)
	copy(blob[fadtOff:], fadt)
	copy(blob[madtOff:], madt)
	copy(blob[xsdtOff:], xsdt)

	return blob, nil
}

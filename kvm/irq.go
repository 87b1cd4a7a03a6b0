package kvm

import "unsafe"

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the level of an interrupt line on the in-kernel chip.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(irqLev)),
		uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// PulseIRQ deasserts and asserts an edge-triggered line, which is the
// sequence the 8259/IOAPIC pair expects for one interrupt.
func PulseIRQ(vmFd uintptr, irq uint32) error {
	if err := IRQLine(vmFd, irq, 0); err != nil {
		return err
	}

	return IRQLine(vmFd, irq, 1)
}

// CreateIRQChip puts the interrupt controller (PIC, IOAPIC, LAPIC)
// into the kernel.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

// pitConfig defines properties of the programmable interval timer.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 puts the PIT into the kernel as well.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{
		Flags: 0,
	}
	_, err := Ioctl(vmFd, IIOW(kvmCreatePIT2, unsafe.Sizeof(pit)),
		uintptr(unsafe.Pointer(&pit)))

	return err
}

type irqFD struct {
	FD    uint32
	GSI   uint32
	Flags uint32
	_     [5]uint32
}

// AttachIRQFD routes writes on an eventfd to interrupt line gsi,
// letting device threads inject without an ioctl per interrupt.
func AttachIRQFD(vmFd uintptr, eventFd int, gsi uint32) error {
	req := irqFD{FD: uint32(eventFd), GSI: gsi}

	_, err := Ioctl(vmFd, IIOW(kvmIRQFD, unsafe.Sizeof(req)),
		uintptr(unsafe.Pointer(&req)))

	return err
}

const ioEventFDFlagDatamatch = 1 << 0

type ioEventFD struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]uint8
}

// AttachIOEventFD signals an eventfd on guest writes to an MMIO
// doorbell address instead of taking a full userspace exit.
func AttachIOEventFD(vmFd uintptr, addr uint64, length uint32, eventFd int) error {
	req := ioEventFD{Addr: addr, Len: length, FD: int32(eventFd)}

	_, err := Ioctl(vmFd, IIOW(kvmIOEventFD, unsafe.Sizeof(req)),
		uintptr(unsafe.Pointer(&req)))

	return err
}

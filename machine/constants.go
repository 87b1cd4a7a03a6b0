package machine

const (
	bootParamAddr = 0x10000
	cmdlineAddr   = 0x20000
	kernelAddr    = 0x100000

	// One register window per virtio device, laid out back to back
	// below the 32-bit hole. IRQ lines are handed out from
	// mmioIRQBase upward on the IOAPIC; line 9 stays free for the
	// ACPI SCI.
	mmioBase    = 0xd000_0000
	mmioIRQBase = 10

	// The IOAPIC has 24 pins.
	maxTransports = 24 - mmioIRQBase

	// Guest RAM must stay below the hole so guest-physical addresses
	// map 1:1 onto the backing slice the devices DMA through.
	maxMemSize = mmioBase

	serialIRQ = 4

	pageSize = 4096

	// MinMemSize keeps the boot param block, cmdline, kernel and
	// initrd placeable.
	MinMemSize = 1 << 25

	// MaxMemMiB is the largest guest RAM a Machine accepts.
	MaxMemMiB = maxMemSize >> 20
)

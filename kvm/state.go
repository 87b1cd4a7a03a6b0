package kvm

import "unsafe"

// ioctl sequence numbers for the save/restore surface.
const (
	kvmGetDirtyLog = 0x42

	kvmGetIRQChip = 0x62
	kvmSetIRQChip = 0x63

	kvmSetClock = 0x7b
	kvmGetClock = 0x7c

	kvmGetMSRs = 0x88
	kvmSetMSRs = 0x89

	kvmGetLAPIC = 0x8e
	kvmSetLAPIC = 0x8f

	kvmGetMPState = 0x98
	kvmSetMPState = 0x99

	// On a vCPU fd these select the event state; the same numbers on
	// the VM fd select the PIT.
	kvmGetVCPUEvents = 0x9f
	kvmSetVCPUEvents = 0xa0
	kvmGetPIT2       = 0x9f
	kvmSetPIT2       = 0xa0

	kvmGetXCRS = 0xa6
	kvmSetXCRS = 0xa7

	maxMSREntries = 256
)

// MSREntry is one model-specific register index/value pair.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRS carries MSR values in and out of the kernel. NMSRs entries are
// valid; the array is sized for the largest index list we request.
type MSRS struct {
	NMSRs   uint32
	_       uint32
	Entries [maxMSREntries]MSREntry
}

// msrsHeader mirrors struct kvm_msrs without the flexible array, so
// the encoded ioctl size matches the kernel's.
type msrsHeader struct {
	NMSRs uint32
	_     uint32
}

// GetMSRs reads the MSRs whose indices are filled in msrs.Entries.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, unsafe.Sizeof(msrsHeader{})),
		uintptr(unsafe.Pointer(msrs)))

	return err
}

// SetMSRs writes the MSR values in msrs.Entries.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, unsafe.Sizeof(msrsHeader{})),
		uintptr(unsafe.Pointer(msrs)))

	return err
}

// LAPICState is the register page of the local APIC.
type LAPICState struct {
	Regs [1024]byte
}

func GetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(LAPICState{})),
		uintptr(unsafe.Pointer(lapic)))

	return err
}

func SetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(LAPICState{})),
		uintptr(unsafe.Pointer(lapic)))

	return err
}

// VCPUEvents holds pending exception, interrupt, NMI and SMI state.
type VCPUEvents struct {
	ExceptionInjected     uint8
	ExceptionNr           uint8
	ExceptionHasErrorCode uint8
	ExceptionPending      uint8
	ExceptionErrorCode    uint32

	InterruptInjected uint8
	InterruptNr       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	_           uint8

	SIPIVector uint32
	Flags      uint32

	SMISMM          uint8
	SMIPending      uint8
	SMISMMInsideNMI uint8
	SMILatchedInit  uint8

	_ [27]uint8

	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

func GetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(VCPUEvents{})),
		uintptr(unsafe.Pointer(ev)))

	return err
}

func SetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(VCPUEvents{})),
		uintptr(unsafe.Pointer(ev)))

	return err
}

// MPState is the multiprocessor run state of a vCPU.
type MPState struct {
	State uint32
}

func GetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(MPState{})),
		uintptr(unsafe.Pointer(mps)))

	return err
}

func SetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(MPState{})),
		uintptr(unsafe.Pointer(mps)))

	return err
}

// XCR is one extended control register.
type XCR struct {
	XCR   uint32
	_     uint32
	Value uint64
}

// XCRS is the extended control register set (XCR0 and friends).
type XCRS struct {
	NrXCRs uint32
	Flags  uint32
	XCRs   [16]XCR
	_      [16]uint64
}

func GetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(XCRS{})),
		uintptr(unsafe.Pointer(xcrs)))

	return err
}

func SetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(XCRS{})),
		uintptr(unsafe.Pointer(xcrs)))

	return err
}

// ClockData is the kvmclock reading for the VM.
type ClockData struct {
	Clock uint64
	Flags uint32
	_     [9]uint32
}

func GetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(ClockData{})),
		uintptr(unsafe.Pointer(cd)))

	return err
}

func SetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(ClockData{})),
		uintptr(unsafe.Pointer(cd)))

	return err
}

// IRQChip is the register state of one in-kernel interrupt
// controller: ChipID 0 and 1 are the PIC pair, 2 is the IOAPIC. Chip
// overlays the kernel's union.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

func GetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOWR(kvmGetIRQChip, unsafe.Sizeof(IRQChip{})),
		uintptr(unsafe.Pointer(chip)))

	return err
}

func SetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOR(kvmSetIRQChip, unsafe.Sizeof(IRQChip{})),
		uintptr(unsafe.Pointer(chip)))

	return err
}

// PITChannelState is one of the three PIT counters.
type PITChannelState struct {
	Count         uint32
	LatchedCount  uint16
	CountLatched  uint8
	StatusLatched uint8
	Status        uint8
	ReadState     uint8
	WriteState    uint8
	WriteLatch    uint8
	RWMode        uint8
	Mode          uint8
	BCD           uint8
	Gate          uint8
	CountLoadTime int64
}

// PITState2 is the full programmable interval timer state.
type PITState2 struct {
	Channels [3]PITChannelState
	Flags    uint32
	_        [9]uint32
}

func GetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, unsafe.Sizeof(PITState2{})),
		uintptr(unsafe.Pointer(pit)))

	return err
}

func SetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, unsafe.Sizeof(PITState2{})),
		uintptr(unsafe.Pointer(pit)))

	return err
}

// DirtyLog names a memory slot and a userspace bitmap to fill. The
// kernel clears its internal bitmap on each fetch.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// GetDirtyLog fetches and clears the dirty-page bitmap for one slot.
func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(DirtyLog{})),
		uintptr(unsafe.Pointer(dl)))

	return err
}

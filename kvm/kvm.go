// Package kvm wraps the /dev/kvm ioctl surface used by the Linux
// backend: VM and vCPU lifecycle, memory slots, the in-kernel
// interrupt controller, and the mmap'd run structure.
package kvm

import "unsafe"

// ioctl sequence numbers from include/uapi/linux/kvm.h.
const (
	kvmGetAPIVersion          = 0x00
	kvmCreateVM               = 0x01
	kvmGetMSRIndexList        = 0x02
	kvmCheckExtension         = 0x03
	kvmGetVCPUMMapSize        = 0x04
	kvmGetSupportedCPUID      = 0x05
	kvmGetMSRFeatureIndexList = 0x0a

	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmCreateIRQChip       = 0x60
	kvmIRQLine             = 0x61
	kvmIRQFD               = 0x76
	kvmCreatePIT2          = 0x77
	kvmIOEventFD           = 0x79

	kvmRun          = 0x80
	kvmGetRegs      = 0x81
	kvmSetRegs      = 0x82
	kvmGetSregs     = 0x83
	kvmSetSregs     = 0x84
	kvmSetCPUID2    = 0x90
	kvmGetDebugRegs = 0xa1
	kvmSetDebugRegs = 0xa2

	numInterrupts = 0x100

	// Magic addresses for the in-kernel identity map and TSS pages.
	// They sit just below the BIOS hole where nothing else lives.
	identityMapAddr = 0xffffc000
	tssAddr         = 0xffffd000
)

// GetAPIVersion returns the KVM API version. Anything other than 12
// is unusable.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a VM and returns its control fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU adds a vCPU with the given id to a VM.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// Run enters the guest. It returns when the guest exits to userspace
// or the calling thread takes a signal (EINTR).
func Run(vcpuFd uintptr) error {
	_, err := IoctlNoRetry(vcpuFd, IIO(kvmRun), 0)

	return err
}

// GetVCPUMMmapSize returns the size of the per-vCPU mmap region
// holding the run structure.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// SetTSSAddr reserves the three pages KVM needs for the TSS when the
// CPU lacks unrestricted guest support.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), tssAddr)

	return err
}

// SetIdentityMapAddr places the EPT identity map page.
func SetIdentityMapAddr(vmFd uintptr) error {
	addr := uint64(identityMapAddr)
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, unsafe.Sizeof(addr)),
		uintptr(unsafe.Pointer(&addr)))

	return err
}

// RunData is the leading part of the mmap'd kvm_run structure. Data
// overlays the exit-reason union.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes a KVM_EXIT_IO: direction, access size, port, repeat
// count, and the offset of the data window inside the mmap region.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes a KVM_EXIT_MMIO. The returned slice aliases the run
// structure, so writes land where KVM reads the reply on re-entry.
func (r *RunData) MMIO() (physAddr uint64, data []byte, size uint32, isWrite bool) {
	physAddr = r.Data[0]
	buf := (*[8]byte)(unsafe.Pointer(&r.Data[1]))
	size = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return physAddr, buf[:size], size, isWrite
}

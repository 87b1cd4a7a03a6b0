package kvm_test

import (
	"os"
	"syscall"
	"testing"
	"unsafe"

	"github.com/capsa-vm/capsa/kvm"
)

func openKVM(t *testing.T) *os.File {
	t.Helper()

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("kvm unavailable: %v", err)
	}

	t.Cleanup(func() { devKVM.Close() })

	return devKVM
}

func TestGetAPIVersion(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	version, err := kvm.GetAPIVersion(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if version != 12 {
		t.Fatalf("unexpected KVM API version %d", version)
	}
}

func TestCreateVMAndVCPU(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err = kvm.SetTSSAddr(vmFd); err != nil {
		t.Fatal(err)
	}

	if err = kvm.SetIdentityMapAddr(vmFd); err != nil {
		t.Fatal(err)
	}

	if err = kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	if err = kvm.CreatePIT2(vmFd); err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	cpuid := kvm.CPUID{}
	cpuid.Nent = 100

	if err = kvm.GetSupportedCPUID(devKVM.Fd(), &cpuid); err != nil {
		t.Fatal(err)
	}

	if err = kvm.SetCPUID2(vcpuFd, &cpuid); err != nil {
		t.Fatal(err)
	}

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if err = kvm.SetSregs(vcpuFd, sregs); err != nil {
		t.Fatal(err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if err = kvm.SetRegs(vcpuFd, regs); err != nil {
		t.Fatal(err)
	}
}

func TestCreateVCPUWithNoVMFd(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	if _, err := kvm.CreateVCPU(devKVM.Fd(), 0); err == nil {
		t.Fatal("expected error creating vcpu on the system fd")
	}
}

// mirror from https://lwn.net/Articles/658512/
func TestAddNum(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	mem, err := syscall.Mmap(-1, 0, 0x1000,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		t.Fatal(err)
	}

	code := []byte{0xba, 0xf8, 0x03, 0x00, 0xd8, 0x04, '0', 0xee, 0xb0, '\n', 0xee, 0xf4}
	copy(mem, code)

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0x1000,
		MemorySize:    0x1000,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	r, err := syscall.Mmap(int(vcpuFd), 0, int(mmapSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		t.Fatal(err)
	}

	run := (*kvm.RunData)(unsafe.Pointer(&r[0]))

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	sregs.CS.Base, sregs.CS.Selector = 0, 0

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetRegs(vcpuFd, &kvm.Regs{
		RIP: 0x1000, RAX: 2, RBX: 2, RFLAGS: 0x2,
	}); err != nil {
		t.Fatal(err)
	}

	for {
		_ = kvm.Run(vcpuFd)

		switch kvm.ExitType(run.ExitReason) {
		case kvm.EXITHLT:
			return
		case kvm.EXITIO:
			direction, size, port, count, offset := run.IO()
			if direction == kvm.EXITIOOUT && size == 1 && port == 0x3f8 && count == 1 {
				c := *(*byte)(unsafe.Add(unsafe.Pointer(run), offset))

				if c != '4' && c != '\n' {
					t.Fatalf("unexpected output %q", c)
				}
			} else {
				t.Fatal("unexpected KVM_EXIT_IO")
			}
		default:
			t.Fatalf("unexpected exit reason %d", run.ExitReason)
		}
	}
}

func TestSetMemLogDirtyPages(t *testing.T) {
	t.Parallel()

	u := kvm.UserspaceMemoryRegion{}
	u.SetMemLogDirtyPages()
	u.SetMemReadonly()

	if u.Flags != 0x3 {
		t.Fatal("unexpected flags")
	}
}

func TestIRQLine(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.IRQLine(vmFd, 4, 0); err != nil {
		t.Fatal(err)
	}
}

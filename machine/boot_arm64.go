//go:build arm64

package machine

import (
	"fmt"

	"github.com/capsa-vm/capsa/fdt"
)

// arm64 direct boot hands the kernel a device tree in x0 instead of
// the x86 boot-parameter page. Guest RAM starts at 1 GiB per the
// kernel's expectations for a flat virt layout; the blob goes at the
// top of RAM, below a loaded initrd.
const (
	arm64RAMBase = 1 << 30

	arm64GICDistBase   = 0x0800_0000
	arm64GICRedistBase = 0x080a_0000

	arm64TimerPPIVirt = 0xb
)

// BuildBootFDT describes the machine to an arm64 kernel: memory,
// cpus, the interrupt controller and architected timer, and a chosen
// node carrying the command line and initrd window.
func BuildBootFDT(vcpus int, memBytes uint64, cmdline string, initrdStart, initrdEnd uint64) ([]byte, error) {
	if vcpus < 1 {
		return nil, fmt.Errorf("fdt: %d vcpus", vcpus)
	}

	t := fdt.New()

	root := t.Root()
	root.PropString("compatible", "linux,dummy-virt")
	root.PropU32("#address-cells", 2)
	root.PropU32("#size-cells", 2)
	root.PropString("model", "capsa")

	chosen := root.Node("chosen")
	chosen.PropString("bootargs", cmdline)

	if initrdEnd > initrdStart {
		chosen.PropU64("linux,initrd-start", initrdStart)
		chosen.PropU64("linux,initrd-end", initrdEnd)
	}

	root.Node(fmt.Sprintf("memory@%x", arm64RAMBase)).
		PropString("device_type", "memory").
		PropU64("reg", arm64RAMBase, memBytes)

	cpus := root.Node("cpus")
	cpus.PropU32("#address-cells", 1)
	cpus.PropU32("#size-cells", 0)

	for i := 0; i < vcpus; i++ {
		cpus.Node(fmt.Sprintf("cpu@%d", i)).
			PropString("device_type", "cpu").
			PropString("compatible", "arm,arm-v8").
			PropString("enable-method", "psci").
			PropU32("reg", uint32(i))
	}

	root.Node("psci").
		PropString("compatible", "arm,psci-0.2").
		PropString("method", "hvc")

	root.Node(fmt.Sprintf("intc@%x", arm64GICDistBase)).
		PropString("compatible", "arm,gic-v3").
		PropU32("#interrupt-cells", 3).
		PropEmpty("interrupt-controller").
		PropU64("reg",
			arm64GICDistBase, 0x10000,
			arm64GICRedistBase, 0xf60000,
		)

	// PPI 0xb is the virtual timer; level triggered on all cores.
	root.Node("timer").
		PropString("compatible", "arm,armv8-timer").
		PropU32("interrupts",
			1, 0xd, 0x104,
			1, 0xe, 0x104,
			1, arm64TimerPPIVirt, 0x104,
			1, 0xa, 0x104,
		)

	return t.Bytes()
}

// Arm64BootRegs is the initial register file for the boot vCPU:
// pc at the kernel entry point, x0 pointing at the device tree.
type Arm64BootRegs struct {
	PC uint64
	X0 uint64
}

// BootRegsArm64 places the DTB at dtbAddr and the kernel entry at
// entry, matching the arm64 Linux boot protocol (x1-x3 must be 0).
func BootRegsArm64(entry, dtbAddr uint64) Arm64BootRegs {
	return Arm64BootRegs{PC: entry, X0: dtbAddr}
}

package applevz

import (
	"fmt"
	"net"
	"os"

	"github.com/Code-Hex/vz/v3"

	"github.com/capsa-vm/capsa/vzrpc"
)

// MachineSpec is the device model both the native strategy and the
// daemon hand to the framework. File-backed fields stay owned by the
// caller; the framework dups what it keeps.
type MachineSpec struct {
	Kernel  string
	Initrd  string
	Cmdline string

	VCPUs  int
	MemMiB int

	Disks  []vzrpc.Disk
	Shares []vzrpc.Share

	// NAT selects the framework's NAT attachment. NetFile attaches a
	// frame-per-datagram fd instead; at most one of the two is set.
	NAT     bool
	NetFile *os.File
	MAC     net.HardwareAddr

	// Console, when set, is the tty side of a pty that becomes the
	// hvc0 serial port.
	Console *os.File

	Vsock bool
}

// NewMachine builds the framework VM for the spec. The returned
// machine has not been started.
func NewMachine(spec MachineSpec) (*vz.VirtualMachine, error) {
	opts := []vz.LinuxBootLoaderOption{vz.WithCommandLine(spec.Cmdline)}

	if spec.Initrd != "" {
		opts = append(opts, vz.WithInitrd(spec.Initrd))
	}

	boot, err := vz.NewLinuxBootLoader(spec.Kernel, opts...)
	if err != nil {
		return nil, fmt.Errorf("boot loader: %w", err)
	}

	cfg, err := vz.NewVirtualMachineConfiguration(
		boot, uint(spec.VCPUs), uint64(spec.MemMiB)<<20,
	)
	if err != nil {
		return nil, fmt.Errorf("machine configuration: %w", err)
	}

	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return nil, fmt.Errorf("platform configuration: %w", err)
	}

	cfg.SetPlatformVirtualMachineConfiguration(platform)

	entropy, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("entropy device: %w", err)
	}

	cfg.SetEntropyDevicesVirtualMachineConfiguration(
		[]*vz.VirtioEntropyDeviceConfiguration{entropy},
	)

	var storage []vz.StorageDeviceConfiguration

	for _, d := range spec.Disks {
		att, err := vz.NewDiskImageStorageDeviceAttachment(d.Path, d.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w", d.Path, err)
		}

		dev, err := vz.NewVirtioBlockDeviceConfiguration(att)
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w", d.Path, err)
		}

		storage = append(storage, dev)
	}

	if len(storage) > 0 {
		cfg.SetStorageDevicesVirtualMachineConfiguration(storage)
	}

	nic, err := networkDevice(spec)
	if err != nil {
		return nil, err
	}

	if nic != nil {
		cfg.SetNetworkDevicesVirtualMachineConfiguration(
			[]*vz.VirtioNetworkDeviceConfiguration{nic},
		)
	}

	var shares []vz.DirectorySharingDeviceConfiguration

	for _, s := range spec.Shares {
		dir, err := vz.NewSharedDirectory(s.HostPath, s.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("share %s: %w", s.HostPath, err)
		}

		single, err := vz.NewSingleDirectoryShare(dir)
		if err != nil {
			return nil, fmt.Errorf("share %s: %w", s.HostPath, err)
		}

		fs, err := vz.NewVirtioFileSystemDeviceConfiguration(s.Tag)
		if err != nil {
			return nil, fmt.Errorf("share %s: %w", s.HostPath, err)
		}

		fs.SetDirectoryShare(single)
		shares = append(shares, fs)
	}

	if len(shares) > 0 {
		cfg.SetDirectorySharingDevicesVirtualMachineConfiguration(shares)
	}

	if spec.Console != nil {
		att, err := vz.NewFileHandleSerialPortAttachment(spec.Console, spec.Console)
		if err != nil {
			return nil, fmt.Errorf("console attachment: %w", err)
		}

		serial, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(att)
		if err != nil {
			return nil, fmt.Errorf("console device: %w", err)
		}

		cfg.SetSerialPortsVirtualMachineConfiguration(
			[]*vz.VirtioConsoleDeviceSerialPortConfiguration{serial},
		)
	}

	if spec.Vsock {
		sock, err := vz.NewVirtioSocketDeviceConfiguration()
		if err != nil {
			return nil, fmt.Errorf("vsock device: %w", err)
		}

		cfg.SetSocketDevicesVirtualMachineConfiguration(
			[]vz.SocketDeviceConfiguration{sock},
		)
	}

	if ok, err := cfg.Validate(); !ok || err != nil {
		return nil, fmt.Errorf("configuration rejected: %w", err)
	}

	return vz.NewVirtualMachine(cfg)
}

func networkDevice(spec MachineSpec) (*vz.VirtioNetworkDeviceConfiguration, error) {
	var (
		att vz.NetworkDeviceAttachment
		err error
	)

	switch {
	case spec.NAT:
		att, err = vz.NewNATNetworkDeviceAttachment()
	case spec.NetFile != nil:
		att, err = vz.NewFileHandleNetworkDeviceAttachment(spec.NetFile)
	default:
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("network attachment: %w", err)
	}

	dev, err := vz.NewVirtioNetworkDeviceConfiguration(att)
	if err != nil {
		return nil, fmt.Errorf("network device: %w", err)
	}

	var addr *vz.MACAddress

	if spec.MAC != nil {
		addr, err = vz.NewMACAddress(spec.MAC)
	} else {
		addr, err = vz.NewRandomLocallyAdministeredMACAddress()
	}

	if err != nil {
		return nil, fmt.Errorf("mac address: %w", err)
	}

	dev.SetMACAddress(addr)

	return dev, nil
}

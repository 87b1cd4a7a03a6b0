// Package vfkit translates a resolved VM configuration into the
// command line of the external vfkit helper and speaks its restful
// control endpoint over a local unix socket.
package vfkit

import (
	"fmt"
	"net"
	"strings"

	"github.com/capsa-vm/capsa/config"
)

// BinaryName is what the launcher looks up in PATH.
const BinaryName = "vfkit"

// CommandLine renders the argument vector for one guest. cmdline is
// the fully merged kernel command line; restSock, when non-empty,
// exposes the control endpoint on that unix socket path.
func CommandLine(cfg *config.Config, cmdline, restSock string, mac net.HardwareAddr) []string {
	args := []string{
		"--cpus", fmt.Sprintf("%d", cfg.VCPUs),
		"--memory", fmt.Sprintf("%d", cfg.MemMiB),
		"--kernel", cfg.Kernel,
	}

	if cfg.Initrd != "" {
		args = append(args, "--initrd", cfg.Initrd)
	}

	args = append(args, "--kernel-cmdline", cmdline)

	for _, d := range cfg.Disks {
		args = append(args, "--device", blkDevice(d))
	}

	if cfg.Network.Kind == config.NetworkNAT {
		args = append(args, "--device", fmt.Sprintf("virtio-net,nat,mac=%s", mac))
	}

	for _, fs := range cfg.FsDevices {
		args = append(args, "--device", fsDevice(fs.HostPath, fs.Tag, fs.ReadOnly))
	}

	for _, s := range cfg.Shares {
		args = append(args, "--device", fsDevice(s.HostPath, ShareTag(s.GuestPath), s.Mode == config.ShareRO))
	}

	if cfg.Vsock {
		args = append(args, "--device", "virtio-vsock")
	}

	if cfg.Console == config.ConsoleEnabled {
		args = append(args, "--device", "virtio-serial,stdio")
	}

	if restSock != "" {
		args = append(args, "--restful-uri", "unix://"+restSock)
	}

	return args
}

func blkDevice(d config.DiskImage) string {
	var b strings.Builder

	b.WriteString("virtio-blk,path=")
	b.WriteString(d.Path)

	if d.ReadOnly {
		b.WriteString(",readonly")
	}

	return b.String()
}

func fsDevice(hostPath, tag string, readOnly bool) string {
	dev := fmt.Sprintf("virtio-fs,sharedDir=%s,mountTag=%s", hostPath, tag)

	if readOnly {
		dev += ",ro"
	}

	return dev
}

// ShareTag derives a mount tag from a guest path when the caller did
// not pick one: slashes collapse to underscores.
func ShareTag(guestPath string) string {
	return strings.Trim(strings.ReplaceAll(guestPath, "/", "_"), "_")
}

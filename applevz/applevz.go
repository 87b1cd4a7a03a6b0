// Package applevz realizes the Apple Virtualization.framework backend
// in three execution strategies: native (in-process framework calls),
// subprocess (the capsa-apple-vzd daemon over pipe RPC, preferred),
// and vfkit (the external helper binary). All three share kernel
// command-line defaults and the virtio device model the framework
// provides; they differ in which process owns the framework's
// main-thread requirement.
package applevz

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/capsa-vm/capsa/backend"
	"github.com/capsa-vm/capsa/cmdline"
	"github.com/capsa-vm/capsa/config"
)

// VzdPathEnv overrides where the subprocess strategy looks for the
// daemon binary.
const VzdPathEnv = "CAPSA_VZD_PATH"

const vzdBinaryName = "capsa-apple-vzd"

const defaultRootDevice = "/dev/vda"

// The framework has no published vCPU or memory ceiling the library
// could query portably, so the non-native strategies declare generous
// fixed bounds.
const (
	defaultMaxVCPUs  = 64
	defaultMaxMemMiB = 1 << 20
)

// CmdlineDefaults is the base kernel command line every strategy
// starts from: the framework console is hvc0 and triple-fault reboot
// plus immediate panic reboot make guest crashes terminate the VM.
func CmdlineDefaults() *cmdline.Cmdline {
	return cmdline.Parse("console=hvc0 reboot=t panic=-1")
}

// findVzd resolves the daemon binary: the override env var, then next
// to the running executable, then PATH.
func findVzd() string {
	if path := os.Getenv(VzdPathEnv); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), vzdBinaryName)
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}

	if path, err := exec.LookPath(vzdBinaryName); err == nil {
		return path
	}

	return ""
}

func cmdlineString(cfg *config.Config) string {
	if cfg.Cmdline == nil {
		return ""
	}

	return cfg.Cmdline.String()
}

// Backends lists the strategies in preference order for backend
// selection: the subprocess daemon first, vfkit as fallback. The
// native strategy is never auto-selected because it requires the
// caller to cede the process main thread; construct it explicitly
// with NewNative.
func Backends() []backend.Backend {
	return []backend.Backend{NewSubprocess(), NewVfkit()}
}

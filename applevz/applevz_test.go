package applevz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsa-vm/capsa/config"
)

func TestStartConfigMapping(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Kernel:  "/boot/vmlinuz",
		Initrd:  "/boot/initrd",
		Cmdline: CmdlineDefaults().Root("/dev/vda"),
		VCPUs:   4,
		MemMiB:  2048,
		Disks: []config.DiskImage{
			{Path: "/img/root.raw"},
			{Path: "/img/data.raw", ReadOnly: true},
		},
		FsDevices: []config.FsDevice{
			{HostPath: "/srv/code", Tag: "code", ReadOnly: true},
		},
		Shares: []config.SharedDir{
			{HostPath: "/srv/www", GuestPath: "/var/www", Mode: config.ShareRW},
		},
		Network: config.NativeNAT(),
		Console: config.ConsoleEnabled,
		Vsock:   true,
	}

	rpc := startConfig(cfg)

	assert.Equal(t, "/boot/vmlinuz", rpc.Kernel)
	assert.Equal(t, "/boot/initrd", rpc.Initrd)
	assert.Contains(t, rpc.Cmdline, "console=hvc0")
	assert.Contains(t, rpc.Cmdline, "root=/dev/vda")
	assert.Equal(t, 4, rpc.VCPUs)
	assert.Equal(t, 2048, rpc.MemMiB)

	require.Len(t, rpc.Disks, 2)
	assert.False(t, rpc.Disks[0].ReadOnly)
	assert.True(t, rpc.Disks[1].ReadOnly)

	require.Len(t, rpc.Shares, 2)
	assert.Equal(t, "code", rpc.Shares[0].Tag)
	assert.True(t, rpc.Shares[0].ReadOnly)
	assert.Equal(t, "var_www", rpc.Shares[1].Tag)
	assert.False(t, rpc.Shares[1].ReadOnly)

	assert.True(t, rpc.NAT)
	assert.True(t, rpc.Console)
	assert.True(t, rpc.Vsock)
}

func TestStartConfigMinimal(t *testing.T) {
	t.Parallel()

	rpc := startConfig(&config.Config{
		Kernel:  "/boot/vmlinuz",
		VCPUs:   1,
		MemMiB:  256,
		Network: config.NoNetwork(),
	})

	assert.Empty(t, rpc.Cmdline)
	assert.False(t, rpc.NAT)
	assert.False(t, rpc.Console)
	assert.False(t, rpc.Vsock)
	assert.Empty(t, rpc.Disks)
	assert.Empty(t, rpc.Shares)
}

func TestFindVzdEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), vzdBinaryName)
	require.NoError(t, os.WriteFile(path, []byte{}, 0o755))

	t.Setenv(VzdPathEnv, path)

	assert.Equal(t, path, findVzd())
}

func TestFindVzdAbsent(t *testing.T) {
	t.Setenv(VzdPathEnv, filepath.Join(t.TempDir(), "missing"))
	t.Setenv("PATH", t.TempDir())

	assert.Empty(t, findVzd())
}

func TestCmdlineDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "console=hvc0 reboot=t panic=-1", CmdlineDefaults().String())
}

func TestRandomMAC(t *testing.T) {
	t.Parallel()

	a, err := randomMAC()
	require.NoError(t, err)
	require.Len(t, a, 6)

	assert.Zero(t, a[0]&0x01, "multicast bit set")
	assert.NotZero(t, a[0]&0x02, "not locally administered")

	b, err := randomMAC()
	require.NoError(t, err)
	assert.NotEqual(t, a.String(), b.String())
}

func TestBackendsOrder(t *testing.T) {
	t.Parallel()

	backends := Backends()
	require.Len(t, backends, 2)
	assert.Equal(t, "apple-subprocess", backends[0].Name())
	assert.Equal(t, "vfkit", backends[1].Name())
}

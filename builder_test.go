package capsa

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/errdefs"
)

func diskImage(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))

	return path
}

func TestBuildMissingKernel(t *testing.T) {
	t.Parallel()

	_, err := New().Backends(newFakeBackend()).Build()

	require.ErrorIs(t, err, errdefs.ErrMissingConfig)
}

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	h, err := New().
		Kernel("/boot/vmlinuz").
		Backends(newFakeBackend()).
		Build()
	require.NoError(t, err)

	assert.Equal(t, StatusCreated, h.Status())
	assert.Equal(t, defaultVCPUs, h.cfg.VCPUs)
	assert.Equal(t, defaultMemMiB, h.cfg.MemMiB)
	assert.Equal(t, defaultStopGrace, h.cfg.StopGrace)
	assert.Equal(t, "fake", h.Backend())
}

func TestCmdlineComposition(t *testing.T) {
	t.Parallel()

	h, err := New().
		Kernel("/boot/vmlinuz").
		Disk(diskImage(t)).
		CmdlineArg("console", "hvc1").
		CmdlineFlag("quiet").
		Backends(newFakeBackend()).
		Build()
	require.NoError(t, err)

	c := h.cfg.Cmdline

	root, ok := c.Get("root")
	require.True(t, ok)
	assert.Equal(t, "/dev/vda", root)

	console, ok := c.Get("console")
	require.True(t, ok)
	assert.Equal(t, "hvc1", console, "user layer replaces the backend default")

	assert.True(t, c.Contains("panic"))
	assert.True(t, c.Contains("quiet"))
}

func TestCmdlineRootOnlyWithDisk(t *testing.T) {
	t.Parallel()

	h, err := New().
		Kernel("/boot/vmlinuz").
		Backends(newFakeBackend()).
		Build()
	require.NoError(t, err)

	assert.False(t, h.cfg.Cmdline.Contains("root"))
}

func TestCmdlineOverride(t *testing.T) {
	t.Parallel()

	h, err := New().
		Kernel("/boot/vmlinuz").
		Disk(diskImage(t)).
		CmdlineArg("console", "hvc1").
		CmdlineOverride("earlyprintk=serial custom=1").
		Backends(newFakeBackend()).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "earlyprintk=serial custom=1", h.cfg.Cmdline.String())
}

func TestDiskValidationReadOnlyMissing(t *testing.T) {
	t.Parallel()

	_, err := New().
		Kernel("/boot/vmlinuz").
		DiskReadOnly(filepath.Join(t.TempDir(), "missing.raw")).
		Backends(newFakeBackend()).
		Build()

	require.ErrorIs(t, err, errdefs.ErrInvalidConfig)
}

func TestDiskValidationWritableMissing(t *testing.T) {
	t.Parallel()

	_, err := New().
		Kernel("/boot/vmlinuz").
		Disk(filepath.Join(t.TempDir(), "missing.raw")).
		Backends(newFakeBackend()).
		Build()

	require.ErrorIs(t, err, errdefs.ErrInvalidConfig)
}

func TestBackendSelectionSkipsUnavailable(t *testing.T) {
	t.Parallel()

	broken := newFakeBackend()
	broken.name = "broken"
	broken.unavailable = &errdefs.BackendUnavailableError{
		Name: "broken", Reason: errdefs.ReasonDeviceNodeAbsent,
	}

	h, err := New().
		Kernel("/boot/vmlinuz").
		Backends(broken, newFakeBackend()).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "fake", h.Backend())
}

func TestBackendSelectionNoneAvailable(t *testing.T) {
	t.Parallel()

	broken := newFakeBackend()
	broken.unavailable = &errdefs.BackendUnavailableError{
		Name: "fake", Reason: errdefs.ReasonDeviceNodeAbsent,
	}

	_, err := New().
		Kernel("/boot/vmlinuz").
		Backends(broken).
		Build()

	require.ErrorIs(t, err, errdefs.ErrNoBackendAvailable)
}

func TestBuildRejectsExcessiveResources(t *testing.T) {
	t.Parallel()

	_, err := New().
		Kernel("/boot/vmlinuz").
		VCPUs(128).
		Backends(newFakeBackend()).
		Build()

	require.ErrorIs(t, err, errdefs.ErrNoBackendAvailable)
	require.ErrorContains(t, err, "vcpus")
}

func TestBuildRejectsLongFsTag(t *testing.T) {
	t.Parallel()

	dev := config.FsDevice{HostPath: "/srv", Tag: string(make([]byte, config.MaxFsTagLen+1))}

	_, err := New().
		Kernel("/boot/vmlinuz").
		FsDevice(dev).
		Backends(newFakeBackend()).
		Build()

	require.ErrorIs(t, err, errdefs.ErrInvalidConfig)
}

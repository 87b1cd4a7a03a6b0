package capsa

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeWorkspaceDir(t *testing.T, root, name, pid string) string {
	t.Helper()

	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	if pid != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ownerFile), []byte(pid), 0o644))
	}

	return dir
}

func TestSweepOrphans(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	dead := makeWorkspaceDir(t, root, "vm-dead", "1073741823")
	noOwner := makeWorkspaceDir(t, root, "vm-stray", "")
	garbage := makeWorkspaceDir(t, root, "vm-garbage", "not-a-pid")
	live := makeWorkspaceDir(t, root, "vm-live", "")
	require.NoError(t, os.WriteFile(filepath.Join(live, ownerFile),
		[]byte("   "+strconv.Itoa(os.Getpid())+"\n"), 0o644))

	unrelated := makeWorkspaceDir(t, root, "other", "")

	sweepOrphans(root)

	assert.NoDirExists(t, dead)
	assert.NoDirExists(t, noOwner)
	assert.NoDirExists(t, garbage)
	assert.DirExists(t, live)
	assert.DirExists(t, unrelated)
}

func TestOwnerAliveMissingFile(t *testing.T) {
	t.Parallel()

	assert.False(t, ownerAlive(t.TempDir()))
}

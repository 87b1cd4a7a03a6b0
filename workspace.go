package capsa

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	cacheDirName    = "capsa"
	workspacePrefix = "vm-"
	ownerFile       = "owner.pid"
)

var sweepOnce sync.Once

func workspaceRoot() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(base, cacheDirName), nil
}

// newWorkspace creates a per-guest scratch directory under the user
// cache dir and stamps it with the owning pid. The first call sweeps
// directories whose owner died without cleaning up.
func newWorkspace() (string, error) {
	root, err := workspaceRoot()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}

	sweepOnce.Do(func() { sweepOrphans(root) })

	dir, err := os.MkdirTemp(root, workspacePrefix)
	if err != nil {
		return "", err
	}

	pid := []byte(strconv.Itoa(os.Getpid()))

	if err := os.WriteFile(filepath.Join(dir, ownerFile), pid, 0o644); err != nil {
		os.RemoveAll(dir)

		return "", err
	}

	return dir, nil
}

func sweepOrphans(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workspacePrefix) {
			continue
		}

		dir := filepath.Join(root, e.Name())

		if ownerAlive(dir) {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			logrus.WithError(err).WithField("dir", dir).Warn("orphaned workspace not removed")

			continue
		}

		logrus.WithField("dir", dir).Debug("removed orphaned workspace")
	}
}

func ownerAlive(dir string) bool {
	raw, err := os.ReadFile(filepath.Join(dir, ownerFile))
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return false
	}

	if pid == os.Getpid() {
		return true
	}

	return unix.Kill(pid, 0) == nil
}

package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedChecker(t Thresholds, diskMB, memMB uint64, err error) *Checker {
	c := NewChecker(t)
	c.freeDisk = func(context.Context, string) (uint64, error) { return diskMB, err }
	c.freeMem = func(context.Context) (uint64, error) { return memMB, err }
	return c
}

func TestRun_AllGood(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "storage"), 0o755))

	c := fixedChecker(Thresholds{MinFreeDiskMB: 100, MinFreeMemMB: 100}, 1000, 1000, nil)
	assert.Empty(t, c.Run(context.Background(), dir, []string{"storage"}))
}

func TestRun_LowResources(t *testing.T) {
	c := fixedChecker(Thresholds{MinFreeDiskMB: 100, MinFreeMemMB: 100}, 10, 20, nil)
	findings := c.Run(context.Background(), t.TempDir(), nil)

	require.Len(t, findings, 2)
	assert.Equal(t, "disk", findings[0].Check)
	assert.Contains(t, findings[0].Message, "only 10 MB free")
	assert.Equal(t, "memory", findings[1].Check)
}

func TestRun_ProbeErrors(t *testing.T) {
	c := fixedChecker(Thresholds{MinFreeDiskMB: 1, MinFreeMemMB: 1}, 0, 0, errors.New("no /proc"))
	findings := c.Run(context.Background(), t.TempDir(), nil)

	require.Len(t, findings, 2)
	assert.Contains(t, findings[0].String(), "no /proc")
}

func TestRun_DisabledThresholds(t *testing.T) {
	c := fixedChecker(Thresholds{}, 0, 0, errors.New("unused"))
	assert.Empty(t, c.Run(context.Background(), t.TempDir(), nil))
}

func TestRun_MissingDirs(t *testing.T) {
	c := fixedChecker(Thresholds{}, 0, 0, nil)

	findings := c.Run(context.Background(), t.TempDir(), []string{"storage", "bootstrap/cache"})
	assert.Len(t, findings, 2)

	findings = c.Run(context.Background(), filepath.Join(t.TempDir(), "nope"), []string{"storage"})
	require.Len(t, findings, 1)
	assert.Equal(t, "app_dir", findings[0].Check)
}

func TestRealProbes(t *testing.T) {
	free, err := diskFreeMB(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))

	_, err = memAvailableMB(context.Background())
	assert.NoError(t, err)
}

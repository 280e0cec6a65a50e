package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/pkg/catalog"
	"stagehand/pkg/coordination"
	"stagehand/pkg/executor/runner"
	"stagehand/pkg/models"
	"stagehand/pkg/pipeline"
	"stagehand/pkg/preflight"
	"stagehand/pkg/storage"
)

var (
	installArgv  = []string{"composer", "install", "--no-dev", "--optimize-autoloader", "--no-interaction", "--prefer-dist", "--no-progress"}
	keyArgv      = []string{"php", "artisan", "key:generate", "--force", "--no-interaction"}
	discoverArgv = []string{"php", "artisan", "package:discover", "--ansi"}
	migrateArgv  = []string{"php", "artisan", "migrate", "--force", "--no-interaction"}
)

func noEnv(string) (string, bool) { return "", false }

type fixture struct {
	dir  string
	plan Plan
	exec *runner.ScriptedExecutor
	out  *bytes.Buffer
}

func newFixture(t *testing.T, variant string) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "storage", "logs"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bootstrap", "cache"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.example"), []byte("APP_ENV=local\nAPP_KEY=\nAPP_DEBUG=true\n"), 0o644))

	cat, err := catalog.Default()
	require.NoError(t, err)
	v, err := cat.Variant(variant)
	require.NoError(t, err)

	return &fixture{
		dir: dir,
		plan: Plan{
			AppDir:       dir,
			Variant:      v,
			WritableDirs: cat.WritableDirs,
			EnvFile:      ".env",
			EnvTemplate:  ".env.example",
		},
		exec: runner.NewScriptedExecutor(),
		out:  &bytes.Buffer{},
	}
}

func (f *fixture) deployer(opts ...Option) *Deployer {
	base := []Option{WithOutput(f.out), WithLookupEnv(noEnv), WithHost("web-1")}
	return New(f.exec, append(base, opts...)...)
}

type memRunStore struct {
	mu   sync.Mutex
	runs []*models.Run
	err  error
}

func (m *memRunStore) CreateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRunStore) GetRun(context.Context, uuid.UUID) (*models.Run, error) {
	return nil, storage.ErrNotFound
}

func (m *memRunStore) ListRuns(context.Context, storage.RunFilter) ([]models.Run, error) {
	return nil, nil
}

func (m *memRunStore) Close() error { return nil }

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string, string) (coordination.Lease, error) {
	return nil, errors.New("etcd unavailable")
}

func (brokenLocker) Close() error { return nil }

type recordingLocker struct {
	acquired, released []string
}

func (r *recordingLocker) Acquire(_ context.Context, name, owner string) (coordination.Lease, error) {
	r.acquired = append(r.acquired, name+"="+owner)
	return &recordingLease{r: r, owner: owner}, nil
}

func (r *recordingLocker) Close() error { return nil }

type recordingLease struct {
	r     *recordingLocker
	owner string
}

func (l *recordingLease) Owner() string { return l.owner }

func (l *recordingLease) Release(context.Context) error {
	l.r.released = append(l.r.released, l.owner)
	return nil
}

type stubPreflight []preflight.Finding

func (s stubPreflight) Run(context.Context, string, []string) []preflight.Finding { return s }

func TestDeploy_EphemeralConfigLifetime(t *testing.T) {
	f := newFixture(t, "ephemeral")
	envPath := filepath.Join(f.dir, ".env")

	present := map[string]bool{}
	f.exec.OnRun = func(argv []string) {
		_, err := os.Stat(envPath)
		present[strings.Join(argv, " ")] = err == nil
	}

	report, err := f.deployer().Deploy(context.Background(), f.plan)
	require.NoError(t, err)
	assert.True(t, report.OverallSucceeded)
	assert.Equal(t, 0, report.ExitCode())

	assert.True(t, present[strings.Join(installArgv, " ")], "config must exist during install")
	assert.True(t, present[strings.Join(keyArgv, " ")], "config must exist during key generation")
	assert.False(t, present[strings.Join(discoverArgv, " ")], "config must be gone after key generation")
	assert.NoFileExists(t, envPath)
}

func TestDeploy_PreexistingConfigUntouched(t *testing.T) {
	f := newFixture(t, "ephemeral")
	envPath := filepath.Join(f.dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("APP_KEY=mine\n"), 0o644))

	_, err := f.deployer().Deploy(context.Background(), f.plan)
	require.NoError(t, err)

	data, err := os.ReadFile(envPath)
	require.NoError(t, err)
	assert.Equal(t, "APP_KEY=mine\n", string(data))
}

func TestDeploy_ConfigRemovedOnAbort(t *testing.T) {
	f := newFixture(t, "ephemeral")
	f.exec.Fail(installArgv, 1, "Your requirements could not be resolved")

	report, err := f.deployer().Deploy(context.Background(), f.plan)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateAborted, report.State)
	assert.Equal(t, 1, report.ExitCode())
	assert.NoFileExists(t, filepath.Join(f.dir, ".env"))
	assert.Equal(t, []string{strings.Join(installArgv, " ")}, f.exec.Commands())
}

func TestDeploy_RobustHasNoConfigHook(t *testing.T) {
	f := newFixture(t, "robust")
	var sawEnv bool
	f.exec.OnRun = func([]string) {
		if _, err := os.Stat(filepath.Join(f.dir, ".env")); err == nil {
			sawEnv = true
		}
	}

	_, err := f.deployer().Deploy(context.Background(), f.plan)
	require.NoError(t, err)
	assert.False(t, sawEnv)
}

func TestDeploy_PermissionsAfterCompletion(t *testing.T) {
	f := newFixture(t, "minimal")
	logFile := filepath.Join(f.dir, "storage", "logs", "app.log")
	require.NoError(t, os.WriteFile(logFile, nil, 0o600))

	_, err := f.deployer().Deploy(context.Background(), f.plan)
	require.NoError(t, err)

	for _, p := range []string{filepath.Join(f.dir, "storage"), filepath.Join(f.dir, "bootstrap", "cache"), logFile} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, WritableMode, info.Mode().Perm(), p)
	}
}

func TestDeploy_NoPermissionChangeOnAbort(t *testing.T) {
	f := newFixture(t, "minimal")
	f.exec.Fail(migrateArgv, 1, "SQLSTATE[HY000] [2002] Connection refused")

	report, err := f.deployer().Deploy(context.Background(), f.plan)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateAborted, report.State)

	info, err := os.Stat(filepath.Join(f.dir, "storage"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestDeploy_MissingWritableDirWarns(t *testing.T) {
	f := newFixture(t, "minimal")
	require.NoError(t, os.RemoveAll(filepath.Join(f.dir, "bootstrap")))

	report, err := f.deployer().Deploy(context.Background(), f.plan)
	require.NoError(t, err)
	assert.True(t, report.OverallSucceeded)
	assert.Contains(t, f.out.String(), "WARNING: could not set permissions on bootstrap/cache")
}

func TestDeploy_LockHeld(t *testing.T) {
	f := newFixture(t, "minimal")

	d := f.deployer(WithLock(lockHeldLocker{}, "app"))
	report, err := d.Deploy(context.Background(), f.plan)

	assert.ErrorIs(t, err, coordination.ErrLockHeld)
	assert.Nil(t, report)
	assert.Empty(t, f.exec.Calls())
	assert.Contains(t, f.out.String(), "ERROR: another deployment is in progress")
}

func TestDeploy_LockError(t *testing.T) {
	f := newFixture(t, "minimal")

	_, err := f.deployer(WithLock(brokenLocker{}, "app")).Deploy(context.Background(), f.plan)
	assert.Error(t, err)
	assert.Contains(t, f.out.String(), "ERROR: could not acquire deploy lock")
	assert.Empty(t, f.exec.Calls())
}

func TestDeploy_LockReleased(t *testing.T) {
	f := newFixture(t, "minimal")
	f.exec.Fail(migrateArgv, 1)
	locker := &recordingLocker{}

	_, err := f.deployer(WithLock(locker, "app")).Deploy(context.Background(), f.plan)
	require.NoError(t, err)

	require.Len(t, locker.acquired, 1)
	assert.True(t, strings.HasPrefix(locker.acquired[0], "app=web-1/"))
	assert.Len(t, locker.released, 1)
}

func TestDeploy_PreflightWarnings(t *testing.T) {
	f := newFixture(t, "minimal")
	pf := stubPreflight{{Check: "disk", Message: "only 10 MB free"}}

	report, err := f.deployer(WithPreflight(pf)).Deploy(context.Background(), f.plan)
	require.NoError(t, err)
	assert.True(t, report.OverallSucceeded)
	assert.Contains(t, f.out.String(), "WARNING: preflight disk: only 10 MB free")
}

func TestDeploy_PublishesToSinks(t *testing.T) {
	f := newFixture(t, "minimal")
	history := &memRunStore{}
	logs, err := storage.NewLocalLogStore(filepath.Join(t.TempDir(), "logs"))
	require.NoError(t, err)

	var pushed []string
	push := func(_ context.Context, url, job string, grouping map[string]string) error {
		pushed = append(pushed, url+"|"+job+"|"+grouping["instance"])
		return nil
	}

	report, err := f.deployer(
		WithHistory(history),
		WithLogStore(logs),
		WithPushgateway("http://pushgateway:9091", push),
	).Deploy(context.Background(), f.plan)
	require.NoError(t, err)

	require.Len(t, history.runs, 1)
	run := history.runs[0]
	assert.Equal(t, report.ID, run.ID)
	assert.Equal(t, "minimal", run.Variant)
	assert.Equal(t, models.RunCompleted, run.State)
	assert.Equal(t, "web-1", run.Host)
	assert.Len(t, run.Steps, len(report.Results))
	require.NotEmpty(t, run.LogURI)

	archived, err := logs.Retrieve(context.Background(), run.LogURI)
	require.NoError(t, err)
	assert.Equal(t, f.out.String(), string(archived))
	assert.Contains(t, string(archived), "=== Installing PHP dependencies ===")

	assert.Equal(t, []string{"http://pushgateway:9091|stagehand|web-1"}, pushed)
}

func TestDeploy_SinkFailuresDoNotChangeOutcome(t *testing.T) {
	f := newFixture(t, "minimal")
	history := &memRunStore{err: errors.New("connection refused")}
	push := func(context.Context, string, string, map[string]string) error {
		return errors.New("pushgateway down")
	}

	report, err := f.deployer(
		WithHistory(history),
		WithPushgateway("http://pushgateway:9091", push),
	).Deploy(context.Background(), f.plan)
	require.NoError(t, err)
	assert.True(t, report.OverallSucceeded)
	assert.Equal(t, 0, report.ExitCode())
}

func TestDeploy_SkipsKeyWhenAppKeySet(t *testing.T) {
	f := newFixture(t, "ephemeral")
	env := func(k string) (string, bool) {
		if k == "APP_KEY" {
			return "base64:abc", true
		}
		return "", false
	}

	report, err := f.deployer(WithLookupEnv(env)).Deploy(context.Background(), f.plan)
	require.NoError(t, err)

	assert.NotContains(t, f.exec.Commands(), strings.Join(keyArgv, " "))
	assert.True(t, report.Results[1].Skipped)
	assert.NoFileExists(t, filepath.Join(f.dir, ".env"))
}

func TestNewRunRecord(t *testing.T) {
	f := newFixture(t, "robust")
	f.exec.Fail(discoverArgv, 1, "Class not found")
	f.exec.Fail([]string{"php", "artisan", "package:discover"}, 1)

	report, err := f.deployer().Deploy(context.Background(), f.plan)
	require.NoError(t, err)
	require.True(t, report.Degraded)

	run := NewRunRecord(report, "web-1", "s3://b/k.log")
	assert.True(t, run.Degraded)
	assert.True(t, run.Succeeded)
	assert.Equal(t, "s3://b/k.log", run.LogURI)

	var attempts []string
	for i, s := range run.Steps {
		assert.Equal(t, i, s.Seq)
		if s.Name == "Discovering packages" {
			attempts = append(attempts, s.Attempt)
		}
	}
	assert.Equal(t, []string{"primary", "retry", "recovery"}, attempts)
}

type lockHeldLocker struct{}

func (lockHeldLocker) Acquire(_ context.Context, name, _ string) (coordination.Lease, error) {
	return nil, fmt.Errorf("%s: %w", name, coordination.ErrLockHeld)
}

func (lockHeldLocker) Close() error { return nil }

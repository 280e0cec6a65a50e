// Package deploy wraps a pipeline run with everything around it: the deploy
// lock, host preflight, the ephemeral config file, permissions, and the
// history, archive and metrics sinks.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stagehand/pkg/catalog"
	"stagehand/pkg/coordination"
	"stagehand/pkg/envfile"
	"stagehand/pkg/executor/runner"
	"stagehand/pkg/metrics"
	"stagehand/pkg/pipeline"
	"stagehand/pkg/preflight"
	"stagehand/pkg/storage"
)

// WritableMode is applied recursively to the writable directories after a completed run.
const WritableMode fs.FileMode = 0o755

// sinkTimeout bounds each publish call after the run has finished.
const sinkTimeout = 30 * time.Second

// Plan is what to deploy and where.
type Plan struct {
	AppDir       string
	Variant      catalog.Variant
	WritableDirs []string
	EnvFile      string
	EnvTemplate  string
}

// Preflighter inspects the host before a run.
type Preflighter interface {
	Run(ctx context.Context, appDir string, writableDirs []string) []preflight.Finding
}

// PushFunc sends collected metrics to a Pushgateway.
type PushFunc func(ctx context.Context, url, job string, grouping map[string]string) error

type Deployer struct {
	exec        runner.Executor
	out         io.Writer
	log         *zap.Logger
	tracer      trace.Tracer
	host        string
	lookupEnv   func(string) (string, bool)
	successTail int
	failureTail int

	locker   coordination.Locker
	lockName string

	preflight Preflighter
	history   storage.RunStore
	logs      storage.LogStore
	pushURL   string
	push      PushFunc
}

type Option func(*Deployer)

// WithOutput sets where the operator trace goes. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(d *Deployer) { d.out = w }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Deployer) { d.log = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Deployer) { d.tracer = t }
}

// WithHost names this machine in lock owners, history and metric groupings.
func WithHost(host string) Option {
	return func(d *Deployer) { d.host = host }
}

func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(d *Deployer) { d.lookupEnv = fn }
}

func WithTail(success, failure int) Option {
	return func(d *Deployer) {
		d.successTail = success
		d.failureTail = failure
	}
}

func WithLock(l coordination.Locker, name string) Option {
	return func(d *Deployer) {
		d.locker = l
		d.lockName = name
	}
}

func WithPreflight(p Preflighter) Option {
	return func(d *Deployer) { d.preflight = p }
}

func WithHistory(s storage.RunStore) Option {
	return func(d *Deployer) { d.history = s }
}

func WithLogStore(s storage.LogStore) Option {
	return func(d *Deployer) { d.logs = s }
}

// WithPushgateway pushes run metrics to url when the run ends.
func WithPushgateway(url string, push PushFunc) Option {
	return func(d *Deployer) {
		d.pushURL = url
		d.push = push
	}
}

func New(exec runner.Executor, opts ...Option) *Deployer {
	host, _ := os.Hostname()
	d := &Deployer{
		exec:        exec,
		out:         os.Stdout,
		log:         zap.NewNop(),
		tracer:      otel.Tracer("stagehand/deploy"),
		host:        host,
		lookupEnv:   os.LookupEnv,
		successTail: pipeline.DefaultSuccessTail,
		failureTail: pipeline.DefaultFailureTail,
		locker:      coordination.NoopLocker{},
		lockName:    "stagehand/deploy",
		push:        metrics.Push,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy runs the plan and returns the report. An error means the pipeline
// never started, e.g. because another run holds the lock.
func (d *Deployer) Deploy(ctx context.Context, plan Plan) (*pipeline.RunReport, error) {
	// Everything printed is also kept for the archive.
	var transcript bytes.Buffer
	console := pipeline.NewConsole(io.MultiWriter(d.out, &transcript), d.successTail, d.failureTail)

	owner := fmt.Sprintf("%s/%d", d.host, os.Getpid())
	lease, err := d.locker.Acquire(ctx, d.lockName, owner)
	if err != nil {
		if errors.Is(err, coordination.ErrLockHeld) {
			console.Error("another deployment is in progress (%s)", d.lockName)
		} else {
			console.Error("could not acquire deploy lock: %v", err)
		}
		return nil, err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		defer cancel()
		if err := lease.Release(relCtx); err != nil {
			d.log.Warn("failed to release deploy lock", zap.String("lock", d.lockName), zap.Error(err))
		}
	}()

	if d.preflight != nil {
		for _, f := range d.preflight.Run(ctx, plan.AppDir, plan.WritableDirs) {
			console.Warning("preflight %s", f)
			d.log.Warn("preflight finding", zap.String("check", f.Check), zap.String("message", f.Message))
		}
	}

	opts := []pipeline.Option{
		pipeline.WithConsole(console),
		pipeline.WithLogger(d.log),
		pipeline.WithTracer(d.tracer),
		pipeline.WithWorkDir(plan.AppDir),
		pipeline.WithVariant(plan.Variant.Name),
		pipeline.WithLookupEnv(d.lookupEnv),
	}
	if plan.Variant.EphemeralConfig {
		hook := envfile.New(
			resolve(plan.AppDir, plan.EnvFile),
			resolve(plan.AppDir, plan.EnvTemplate),
			d.log,
		)
		opts = append(opts, pipeline.WithConfigHook(hook))
	}

	report := pipeline.NewRunner(d.exec, opts...).Run(ctx, plan.Variant.Steps)

	if report.State == pipeline.StateCompleted {
		for _, dir := range plan.WritableDirs {
			if err := chmodTree(resolve(plan.AppDir, dir), WritableMode); err != nil {
				console.Warning("could not set permissions on %s: %v", dir, err)
				d.log.Warn("chmod failed", zap.String("dir", dir), zap.Error(err))
			}
		}
	}

	d.publish(context.WithoutCancel(ctx), report, transcript.Bytes())
	return report, nil
}

// publish sends the finished run to every configured sink. Failures are
// logged and counted but never change the outcome of the run.
func (d *Deployer) publish(ctx context.Context, report *pipeline.RunReport, log []byte) {
	var logURI string
	if d.logs != nil {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		ref, err := d.logs.Store(sctx, report.ID.String(), log)
		cancel()
		if err != nil {
			d.sinkFailed("archive", err)
		} else {
			logURI = ref
			d.log.Info("run log archived", zap.String("ref", ref))
		}
	}

	if d.history != nil {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := d.history.CreateRun(sctx, NewRunRecord(report, d.host, logURI))
		cancel()
		if err != nil {
			d.sinkFailed("history", err)
		}
	}

	if d.pushURL != "" && d.push != nil {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := d.push(sctx, d.pushURL, "stagehand", map[string]string{"instance": d.host})
		cancel()
		if err != nil {
			d.sinkFailed("pushgateway", err)
		}
	}
}

func (d *Deployer) sinkFailed(sink string, err error) {
	metrics.SinkErrors.WithLabelValues(sink).Inc()
	d.log.Warn("failed to publish run", zap.String("sink", sink), zap.Error(err))
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// chmodTree applies mode to root and everything below it, like chmod -R.
func chmodTree(root string, mode fs.FileMode) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		return os.Chmod(path, mode)
	})
}

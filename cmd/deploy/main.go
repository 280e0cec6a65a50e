package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "stagehand/configs"
	"stagehand/pkg/catalog"
	"stagehand/pkg/coordination"
	"stagehand/pkg/coordination/etcd"
	"stagehand/pkg/coordination/redis"
	"stagehand/pkg/deploy"
	"stagehand/pkg/executor/runner"
	"stagehand/pkg/logger"
	"stagehand/pkg/metrics"
	tracing "stagehand/pkg/observability"
	"stagehand/pkg/preflight"
	"stagehand/pkg/storage"
	"stagehand/pkg/storage/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, config.LoadConfig(), os.Stdout)
	stop()
	os.Exit(code)
}

// run performs one deployment and returns the process exit code.
func run(ctx context.Context, cfg *config.Config, stdout io.Writer) int {
	host, _ := os.Hostname()
	log, err := logger.Init(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Outputs:  []string{"stderr"},
		Service:  "stagehand",
		Host:     host,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to initialise logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "stagehand",
		ServiceVersion: "1.0.0",
		Host:           host,
		Endpoint:       cfg.OtelEndpoint,
		Enabled:        cfg.OtelEnabled,
	})
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		tp, _ = tracing.Init(ctx, tracing.Config{ServiceName: "stagehand"})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	cat, err := catalog.Default()
	if err != nil {
		fmt.Fprintf(stdout, "ERROR: invalid pipeline catalog: %v\n", err)
		return 1
	}
	variant, err := cat.Variant(cfg.Variant)
	if err != nil {
		fmt.Fprintf(stdout, "ERROR: %v\n", err)
		return 1
	}

	locker, err := newLocker(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stdout, "ERROR: could not reach deploy lock backend: %v\n", err)
		return 1
	}
	defer locker.Close()

	tail := cfg.FailureTailLines
	if cfg.SuccessTailLines > tail {
		tail = cfg.SuccessTailLines
	}
	shellOpts := []runner.ShellOption{runner.WithDir(cfg.AppDir), runner.WithTailLines(tail)}
	if cfg.EchoOutput {
		shellOpts = append(shellOpts, runner.WithEcho(os.Stderr))
	}

	opts := []deploy.Option{
		deploy.WithOutput(stdout),
		deploy.WithLogger(log),
		deploy.WithTracer(tp.Tracer()),
		deploy.WithHost(host),
		deploy.WithTail(cfg.SuccessTailLines, cfg.FailureTailLines),
		deploy.WithLock(locker, cfg.LockName),
		deploy.WithPreflight(preflight.NewChecker(preflight.Thresholds{
			MinFreeDiskMB: cfg.MinFreeDiskMB,
			MinFreeMemMB:  cfg.MinFreeMemMB,
		})),
	}

	// Sinks are optional; a broken one never blocks a deploy.
	if cfg.HistoryEnabled {
		store, err := postgres.NewPostgresStore(postgres.DSN(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName))
		if err != nil {
			log.Warn("run history unavailable", zap.Error(err))
		} else {
			defer store.Close()
			opts = append(opts, deploy.WithHistory(store))
		}
	}
	if logs, err := newLogStore(ctx, cfg); err != nil {
		log.Warn("log archive unavailable", zap.Error(err))
	} else if logs != nil {
		opts = append(opts, deploy.WithLogStore(logs))
	}
	if cfg.PushgatewayURL != "" {
		opts = append(opts, deploy.WithPushgateway(cfg.PushgatewayURL, metrics.Push))
	}

	d := deploy.New(runner.NewShellRunner(shellOpts...), opts...)
	report, err := d.Deploy(ctx, deploy.Plan{
		AppDir:       cfg.AppDir,
		Variant:      variant,
		WritableDirs: cat.WritableDirs,
		EnvFile:      cfg.EnvFile,
		EnvTemplate:  cfg.EnvTemplate,
	})
	if err != nil {
		if !errors.Is(err, coordination.ErrLockHeld) {
			log.Error("deployment did not start", zap.Error(err))
		}
		return 1
	}
	return report.ExitCode()
}

func newLocker(ctx context.Context, cfg *config.Config) (coordination.Locker, error) {
	switch cfg.LockBackend {
	case "", "none":
		return coordination.NoopLocker{}, nil
	case "redis":
		return redis.NewRedisLocker(ctx, cfg.RedisHost+":"+cfg.RedisPort, cfg.LockTTL)
	case "etcd":
		return etcd.NewEtcdLocker(cfg.EtcdEndpoints, cfg.LockTTL)
	default:
		return nil, fmt.Errorf("unknown LOCK_BACKEND %q", cfg.LockBackend)
	}
}

func newLogStore(ctx context.Context, cfg *config.Config) (storage.LogStore, error) {
	return storage.OpenLogStore(ctx, cfg.LogStore, cfg.LogDir, s3Config(cfg))
}

func s3Config(cfg *config.Config) storage.S3LogStoreConfig {
	return storage.S3LogStoreConfig{
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	}
}

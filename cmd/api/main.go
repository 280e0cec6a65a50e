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
	"stagehand/pkg/api"
	"stagehand/pkg/auth"
	"stagehand/pkg/logger"
	tracing "stagehand/pkg/observability"
	"stagehand/pkg/storage"
	"stagehand/pkg/storage/postgres"
)

const usage = `usage: stagehand-api [serve]
       stagehand-api token <subject> <operator|viewer>`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, config.LoadConfig(), os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) int {
	jwtCfg := auth.DefaultJWTConfig()
	jwtCfg.SecretKey = cfg.JWTSecret
	jwtService, err := auth.NewJWTService(jwtCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v (set JWT_SECRET)\n", err)
		return 1
	}

	if len(args) == 0 || args[0] == "serve" {
		return serve(ctx, cfg, jwtService)
	}
	if args[0] == "token" && len(args) == 3 {
		return issueToken(jwtService, args[1], args[2], stdout)
	}
	fmt.Fprintln(os.Stderr, usage)
	return 2
}

// issueToken prints a signed bearer token for the history API.
func issueToken(svc *auth.JWTService, subject, roleName string, stdout io.Writer) int {
	role, err := auth.ParseRole(roleName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v %q\n", err, roleName)
		return 2
	}
	token, err := svc.GenerateToken(subject, role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to sign token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func serve(ctx context.Context, cfg *config.Config, jwtService *auth.JWTService) int {
	host, _ := os.Hostname()
	log, err := logger.Init(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Outputs:  []string{"stderr"},
		Service:  "stagehand-api",
		Host:     host,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to initialise logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "stagehand-api",
		ServiceVersion: "1.0.0",
		Host:           host,
		Endpoint:       cfg.OtelEndpoint,
		Enabled:        cfg.OtelEnabled,
	})
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	store, err := postgres.NewPostgresStore(postgres.DSN(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName))
	if err != nil {
		log.Error("failed to initialise run history", zap.Error(err))
		return 1
	}
	defer store.Close()
	log.Info("postgres connected", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))

	logs, err := storage.OpenLogStore(ctx, cfg.LogStore, cfg.LogDir, storage.S3LogStoreConfig{
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Warn("log archive unavailable, run logs will not be served", zap.Error(err))
	}

	server := api.NewServer(api.Config{
		Port:       cfg.APIPort,
		Runs:       store,
		Logs:       logs,
		JWTService: jwtService,
		Logger:     log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server error", zap.Error(err))
			return 1
		}
		return 0
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("shutdown error", zap.Error(err))
		return 1
	}
	log.Info("shutdown complete")
	return 0
}

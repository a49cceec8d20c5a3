package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	server "github.com/kazz187/accessguard/internal"
	"github.com/kazz187/accessguard/internal/agent"
	agentrepo "github.com/kazz187/accessguard/internal/agent/repositoryimpl"
	"github.com/kazz187/accessguard/internal/approval"
	approvalrepo "github.com/kazz187/accessguard/internal/approval/repositoryimpl"
	"github.com/kazz187/accessguard/internal/config"
	"github.com/kazz187/accessguard/internal/connector"
	"github.com/kazz187/accessguard/internal/connector/webpush"
	"github.com/kazz187/accessguard/internal/enforce"
	"github.com/kazz187/accessguard/internal/gate"
	"github.com/kazz187/accessguard/internal/sandbox"
	"github.com/kazz187/accessguard/pkg/clog"
	"github.com/kazz187/accessguard/pkg/storage"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Setup storage
	var (
		store storage.Storage
		local *storage.LocalStorage
	)
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	case "redis":
		rs, err := storage.NewRedisStorage(ctx, env.RedisAddr, env.RedisDB, env.RedisPrefix)
		if err != nil {
			slog.Error("failed to create Redis storage", "error", err)
			os.Exit(1)
		}
		defer rs.Close()
		store = rs
	default:
		local, err = storage.NewLocalStorage(env.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
		store = local
	}

	// Setup repositories
	agentRepo := agentrepo.NewCachedRepository(agentrepo.NewYAMLRepository(store))
	requestRepo := approvalrepo.NewYAMLRepository(store)
	pushSubRepo := webpush.NewYAMLRepository(store)

	// Setup policy
	engine := enforce.New(env.EnforceConfig())

	var wrapper sandbox.Wrapper
	switch env.Sandbox {
	case "none":
		wrapper = sandbox.NewDirect(env.Shell)
	default:
		wrapper = sandbox.NewBwrap(env.BwrapPath, env.Shell)
	}
	executor := gate.NewExecutor(wrapper, env.DeniedDomains)

	// Setup connectors
	vapidEnv := config.VAPIDEnvFromEnv(env)
	connectors := connector.NewRegistry(
		connector.NewLogConnector(),
		webpush.NewConnector(vapidEnv, pushSubRepo),
	)

	approvalService := approval.NewService(requestRepo, agentRepo, connectors, approval.NewRegistry(), approval.Config{
		Timeout:       env.ApprovalEnv.Timeout,
		SweepInterval: env.SweepInterval,
	})

	srv := server.NewServer(
		env,
		agent.NewServer(agentRepo, engine),
		approval.NewServer(approvalService),
		gate.NewServer(executor, agentRepo),
		webpush.NewServer(vapidEnv, pushSubRepo),
	)

	wg := conc.NewWaitGroup()
	wg.Go(func() {
		if err := approvalService.Run(ctx); err != nil {
			slog.Error("approval sweeper stopped", "error", err)
		}
	})
	if local != nil {
		wg.Go(func() {
			if err := agentRepo.Watch(ctx, local.Resolve(agentrepo.AgentsPrefix)); err != nil {
				slog.Error("agent watcher stopped", "error", err)
			}
		})
	}
	wg.Go(func() {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	})

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	wg.Wait()
}

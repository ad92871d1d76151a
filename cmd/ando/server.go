package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/ando/internal/config"
	"git.home.luguber.info/inful/ando/internal/container"
	"git.home.luguber.info/inful/ando/internal/forge"
	"git.home.luguber.info/inful/ando/internal/gitclient"
	"git.home.luguber.info/inful/ando/internal/ingress"
	"git.home.luguber.info/inful/ando/internal/logstream"
	"git.home.luguber.info/inful/ando/internal/metrics"
	"git.home.luguber.info/inful/ando/internal/model"
	"git.home.luguber.info/inful/ando/internal/notify"
	"git.home.luguber.info/inful/ando/internal/orchestrator"
	"git.home.luguber.info/inful/ando/internal/queue"
	"git.home.luguber.info/inful/ando/internal/retention"
	"git.home.luguber.info/inful/ando/internal/retry"
	"git.home.luguber.info/inful/ando/internal/script"
	"git.home.luguber.info/inful/ando/internal/server"
	"git.home.luguber.info/inful/ando/internal/store"
	"git.home.luguber.info/inful/ando/internal/vault"
	"git.home.luguber.info/inful/ando/internal/workspace"
)

// runServer wires the controller together and blocks until a signal.
func runServer(cfg *config.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := vault.New(cfg.Vault.Key, cfg.Vault.TokenKey)
	if err != nil {
		return err
	}

	ws := workspace.NewManager(cfg.Storage.ArtifactRoot, "")
	if err := ws.Create(); err != nil {
		return err
	}

	registry := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)
	logs := logstream.New(st, recorder)

	api, err := container.NewDockerAPI(cfg.Docker.Host)
	if err != nil {
		return err
	}
	containers := container.NewManager(api)
	if cfg.Docker.HostRoot != "" {
		containers.UsePathMap(container.PathMap{
			HostRoot:  cfg.Docker.HostRoot,
			LocalRoot: cfg.Docker.LocalRoot,
		})
	}

	forgeClient := forge.NewGitHub(cfg.Forge.APIBaseURL, cfg.Forge.Token, slog.Default())
	git := gitclient.New(cfg.Forge.Token, slog.Default())
	scripts := &script.FileSource{DefaultImage: cfg.Docker.DefaultImage}

	notifier, err := notify.NewPublisher(cfg.Notify, slog.Default())
	if err != nil {
		return err
	}
	defer notifier.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Logs:       logs,
		Containers: containers,
		Scripts:    scripts,
		Source:     git,
		Vault:      v,
		Workspace:  ws,
		Notifier:   notifier,
		Recorder:   recorder,
		Logger:     slog.Default(),
		Config:     cfg,
	})

	q := queue.New(cfg.Build.QueueSize, cfg.Build.Workers, orch, slog.Default())
	q.SetRecorder(recorder)
	q.SetRetryPolicy(retry.NewPolicy(retry.BackoffLinear,
		cfg.Build.TransientBackoff, cfg.Build.TransientBackoff*10, cfg.Build.TransientRetries))

	// Builds left running by a crash can never finish; finalize them before
	// accepting new work so log streams and status stay truthful.
	if recovered, err := st.RecoverInterrupted(ctx, "interrupted by controller restart"); err != nil {
		slog.Warn("recover interrupted builds", "err", err)
	} else {
		for _, id := range recovered {
			logs.Finalize(id, model.BuildStatusFailed)
		}
		if len(recovered) > 0 {
			slog.Info("finalized interrupted builds", "count", len(recovered))
		}
	}

	q.Start(ctx)
	defer q.Stop()

	ing := ingress.New(st, q, forgeClient, scripts, recorder, slog.Default(), cfg)

	sweeper, err := retention.NewSweeper(st, ws, slog.Default())
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			slog.Warn("stop retention sweeper", "err", err)
		}
	}()

	srv := server.New(cfg.Server, server.Deps{
		Store:     st,
		Ingress:   ing,
		Logs:      logs,
		Vault:     v,
		Workspace: ws,
		Canceller: q,
		Logger:    slog.Default(),
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	watcher, err := config.NewWatcher(configPath, func(*config.Config) {
		slog.Info("configuration file changed; restart to apply")
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"

	"github.com/cryptodevhq/syncengine/internal/deploywatch"
	"github.com/cryptodevhq/syncengine/internal/httpapi"
	"github.com/cryptodevhq/syncengine/internal/syncengine"
)

type config struct {
	Addr            string        `env:"SYNCENGINE_ADDR" envDefault:":8080"`
	LocalStoreDSN   string        `env:"SYNCENGINE_LOCAL_STORE_DSN" envDefault:"sqlite://syncengine.db"`
	RemoteBaseURL   string        `env:"SYNCENGINE_REMOTE_BASE_URL" envDefault:"http://127.0.0.1:9090"`
	RemoteToken     string        `env:"SYNCENGINE_REMOTE_TOKEN"`
	FetchBaseURL    string        `env:"SYNCENGINE_FETCH_BASE_URL"`
	AuthToken       string        `env:"SYNCENGINE_AUTH_TOKEN"`
	BuildMarker     string        `env:"SYNCENGINE_BUILD_MARKER"`
	EditorDebounce  time.Duration `env:"SYNCENGINE_EDITOR_DEBOUNCE" envDefault:"2s"`
	NetworkTimeout  time.Duration `env:"SYNCENGINE_NETWORK_TIMEOUT" envDefault:"10s"`
	MaxAttempts     int           `env:"SYNCENGINE_MAX_ATTEMPTS" envDefault:"3"`
	RateLimitMax    int           `env:"SYNCENGINE_RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindow time.Duration `env:"SYNCENGINE_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes    int64         `env:"SYNCENGINE_MAX_BODY_BYTES" envDefault:"1048576"`
	LogLevel        string        `env:"SYNCENGINE_LOG_LEVEL" envDefault:"info"`
	StartOnline     bool          `env:"SYNCENGINE_START_ONLINE" envDefault:"true"`
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.WithError(err).Fatal("failed to parse configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	remote := syncengine.NewHTTPRemoteStore(cfg.RemoteBaseURL, cfg.RemoteToken, nil)
	engine, err := syncengine.NewEngine(syncengine.EngineOptions{
		LocalStoreDSN:   cfg.LocalStoreDSN,
		Remote:          remote,
		FetchBaseURL:    cfg.FetchBaseURL,
		Router:          syncengine.RouterOptions{NetworkTimeout: cfg.NetworkTimeout},
		Queue:           syncengine.WriteQueueOptions{MaxAttempts: cfg.MaxAttempts},
		EditorDebounce:  cfg.EditorDebounce,
		InitiallyOnline: cfg.StartOnline,
		Logger:          logrusPrinter{logger},
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize engine")
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.WithError(err).Error("engine close failed")
		}
	}()

	if cfg.BuildMarker != "" {
		watcher, err := deploywatch.New(cfg.BuildMarker, engine, deploywatch.Options{Logger: logrusPrinter{logger}})
		if err != nil {
			logger.WithError(err).Fatal("failed to watch build marker")
		}
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.WithError(err).Error("deploy watcher close failed")
			}
		}()
		logger.WithField("marker", cfg.BuildMarker).Info("watching build marker for deploys")
	}

	engine.OnReconcileSummary(func(summary syncengine.Summary) {
		logger.WithFields(logrus.Fields{
			"synced":  summary.Synced,
			"failed":  summary.Failed,
			"flagged": summary.Flagged,
		}).Info("reconciliation finished")
	})

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
			AuthToken:       cfg.AuthToken,
			RateLimitMax:    cfg.RateLimitMax,
			RateLimitWindow: cfg.RateLimitWindow,
			MaxBodyBytes:    cfg.MaxBodyBytes,
			Logger:          logger,
		}),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.WithField("addr", cfg.Addr).Info("syncengine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	<-shutdown
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}

// logrusPrinter adapts the structured logger to the engine's Printf surface.
type logrusPrinter struct {
	logger *logrus.Logger
}

func (p logrusPrinter) Printf(format string, args ...any) {
	p.logger.Infof(format, args...)
}

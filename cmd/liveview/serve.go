package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/PandaDev0069/tuiz-liveview/internal/httpapi"
	"github.com/PandaDev0069/tuiz-liveview/internal/metrics"
	"github.com/PandaDev0069/tuiz-liveview/internal/quizapi"
	"github.com/PandaDev0069/tuiz-liveview/internal/realtime"
	"github.com/PandaDev0069/tuiz-liveview/internal/reconcile"
	"github.com/PandaDev0069/tuiz-liveview/internal/session"
)

const (
	httpTimeout     = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newSessionFactory wires a freshly ensured room: one gateway channel, one
// reconciler, one session. Game metadata is best effort; a room whose
// backend record cannot be read still renders, just without a title.
func newSessionFactory(cfg *Config, api *quizapi.Client, recorder *metrics.Recorder, clock clockwork.Clock, log *zap.Logger) session.Factory {
	return func(ctx context.Context, code string) (*session.Session, error) {
		channel, err := realtime.Dial(ctx, cfg.gatewayURL, realtime.Options{
			Logger: log.Named("realtime").With(zap.String("room", code)),
			Clock:  clock,
		})
		if err != nil {
			return nil, err
		}

		title := ""
		gameID := code
		if game, err := api.Game(ctx, code); err != nil {
			log.Debug("game metadata unavailable", zap.String("room", code), zap.Error(err))
		} else {
			title = game.Title
			if game.ID != "" {
				gameID = game.ID
			}
		}

		rec := reconcile.New(reconcile.Config{
			RoomID:          code,
			GameID:          gameID,
			Role:            reconcile.Role(cfg.role),
			TickInterval:    cfg.tick,
			RefreshInterval: cfg.refresh,
			FlowInterval:    cfg.flowPoll,
			PodiumHold:      cfg.podiumHold,
			Logger:          log.Named("reconcile").With(zap.String("room", code)),
			Clock:           clock,
			Metrics:         recorder,
		}, channel, api)
		if err := rec.Start(ctx); err != nil {
			_ = channel.Close()
			return nil, err
		}

		return session.New(code, joinLink(cfg.joinBase, code), title, rec, clock), nil
	}
}

func joinLink(base, code string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String()
}

func serve(ctx context.Context, cfg *Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	promReg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promReg)
	clock := clockwork.NewRealClock()

	api := quizapi.NewClient(quizapi.Config{
		BaseURL: cfg.apiURL,
		APIKey:  cfg.apiKey,
		Logger:  logger.Named("quizapi"),
		Clock:   clock,
		Metrics: recorder,
	})

	registry := session.NewRegistry(ctx, newSessionFactory(cfg, api, recorder, clock, logger), logger.Named("session"))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           httpapi.SetupRoutes(httpapi.RegistryRooms{Registry: registry}, promReg, logger.Named("http")),
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      httpTimeout,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("version", releaseVersion))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	registry.Shutdown()

	return serveErr
}

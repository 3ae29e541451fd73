package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iam-demo/internal/server"
	"github.com/iota-uz/iam-demo/modules"
	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity/sim"
	"github.com/iota-uz/iam-demo/modules/iam/presentation/controllers"
	"github.com/iota-uz/iam-demo/pkg/application"
	"github.com/iota-uz/iam-demo/pkg/configuration"
	"github.com/iota-uz/iam-demo/pkg/eventbus"
	"github.com/iota-uz/iam-demo/pkg/logging"
	"github.com/iota-uz/iam-demo/pkg/metrics"
	"github.com/iota-uz/iam-demo/pkg/ws"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println("Application panicked:", r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	defer conf.Unload()
	logger := conf.Logger()

	ctx := context.Background()
	if conf.OpenTelemetry.Enabled {
		cleanup := logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.TempoURL)
		defer cleanup()
	}

	if conf.Identity.Mode == "simulated" {
		stop, err := startSimRealm(conf, logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to start simulated identity realm")
		}
		defer stop()
	}

	hub := ws.NewHub(&ws.HubOptions{
		Logger:    logger,
		OnConnect: controllers.JoinOnConnect,
	})
	app := application.New(&application.ApplicationOptions{
		EventBus: eventbus.NewEventPublisher(logger),
		Logger:   logger,
		Hub:      hub,
	})
	if err := modules.Load(app, modules.BuiltInModules...); err != nil {
		logger.WithError(err).Fatal("failed to load modules")
	}
	if conf.Prometheus.Enabled {
		app.RegisterControllers(metrics.NewPrometheusController(conf.Prometheus.Path))
	}

	srv, err := server.Default(&server.DefaultOptions{
		Logger:        logger,
		Configuration: conf,
		Application:   app,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to assemble server")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("address", conf.SocketAddress).Info("server listening")
		errCh <- srv.Start(conf.SocketAddress)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server stopped")
		}
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("graceful shutdown failed")
		}
	}
}

// startSimRealm runs the in-process identity realm on the host and port
// named by IAM_BASE_URL so the client can dial it like a remote server.
func startSimRealm(conf *configuration.Configuration, logger *logrus.Logger) (func(), error) {
	base, err := url.Parse(conf.Identity.BaseURL)
	if err != nil {
		return nil, err
	}
	realm := sim.New(sim.Options{
		Realm:     conf.Identity.Realm,
		Threshold: conf.Quorum.Threshold,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:              base.Host,
		Handler:           realm.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("address", base.Host).Info("simulated identity realm listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("simulated identity realm stopped")
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

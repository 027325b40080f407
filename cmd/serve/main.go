// Package main runs the database hotel manager.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/log"
	"github.com/dhis2-sre/dbh-manager/internal/server"
	"github.com/dhis2-sre/dbh-manager/pkg/bootstrap"
	"github.com/dhis2-sre/dbh-manager/pkg/config"
	"github.com/dhis2-sre/dbh-manager/pkg/hotel"
	"github.com/dhis2-sre/dbh-manager/pkg/integration"
	"github.com/dhis2-sre/dbh-manager/pkg/janitor"
	"github.com/dhis2-sre/dbh-manager/pkg/registry"
	"github.com/dhis2-sre/dbh-manager/pkg/storage"
	"github.com/dhis2-sre/dbh-manager/pkg/tracing"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Error running dbh-manager", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return err
	}

	logger := slog.New(log.New(log.NewPrettyJSONHandler(os.Stdout, &log.PrettyJSONHandlerOptions{
		HandlerOptions: slog.HandlerOptions{
			AddSource: true,
			Level:     cfg.Logging.Level,
		},
		PrettyPrint: cfg.Logging.Pretty,
	})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Install(cfg.Tracing.JaegerEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to shut down tracing", "error", err)
		}
	}()

	var factoryOptions []bootstrap.FactoryOption
	if cfg.RabbitMQ != nil {
		conn, err := amqp.Dial(cfg.RabbitMQ.GetURI())
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %v", err)
		}
		defer conn.Close()

		channel, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open RabbitMQ channel: %v", err)
		}

		publisher, err := integration.NewEventPublisher(logger, channel, cfg.RabbitMQ.Exchange)
		if err != nil {
			return err
		}
		factoryOptions = append(factoryOptions, bootstrap.WithEventPublisher(publisher))
	}

	var janitorOptions []janitor.Option
	if cfg.Redis != nil {
		redis, err := storage.NewRedis(*cfg.Redis)
		if err != nil {
			return err
		}
		defer redis.Close()
		janitorOptions = append(janitorOptions, janitor.WithLock(redis))
	}

	instances := registry.New(cfg.DatabaseHotel.DefaultInstanceName)
	factory := bootstrap.NewFactory(logger, cfg.DatabaseHotel, factoryOptions...)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server.GetEngine(logger, cfg.BasePath, instances, hotel.New(logger, instances)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bootstrap.New(logger, instances, factory, cfg.DatabaseHotel.RetryDelay).Run(ctx, cfg.Databases)
	})
	g.Go(func() error {
		janitor.New(logger, cfg.Janitor, instances, janitorOptions...).Run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Listening", "port", cfg.HTTPPort, "basePath", cfg.BasePath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

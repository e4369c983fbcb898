package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/thevaultshop/checkout/internal/messaging"
	"github.com/thevaultshop/checkout/internal/telemetry"
	"github.com/thevaultshop/checkout/internal/worker"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "notification-worker", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	emailServiceURL := os.Getenv("EMAIL_SERVICE_URL")
	if emailServiceURL == "" {
		logger.Error("EMAIL_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	brokers := strings.Split(kafkaBrokers, ",")

	// Commit even when a send fails: confirmation emails are best
	// effort and must never wedge the partition behind one bad event.
	consumer := messaging.NewConsumer(brokers, messaging.TopicOrderSettled, "notification-worker",
		messaging.WithCommitOnError())
	defer func() { _ = consumer.Close() }()

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	handler := worker.NewConfirmationHandler(emailServiceURL, httpClient, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("notification worker consuming", "topic", messaging.TopicOrderSettled)
	if err := consumer.Consume(runCtx, handler.Handle); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/thevaultshop/checkout/internal/checkout"
	"github.com/thevaultshop/checkout/internal/inventory"
	"github.com/thevaultshop/checkout/internal/messaging"
	"github.com/thevaultshop/checkout/internal/orders"
	"github.com/thevaultshop/checkout/internal/payment"
	"github.com/thevaultshop/checkout/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "checkout", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("checkout", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime instrumentation", "error", err)
		os.Exit(1)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	paypalBase := payment.SandboxAPI
	if os.Getenv("PAYPAL_MODE") == "live" {
		paypalBase = payment.LiveAPI
	}

	clientID := os.Getenv("PAYPAL_CLIENT_ID")
	secret := os.Getenv("PAYPAL_SECRET")
	if clientID == "" || secret == "" {
		logger.Error("PAYPAL_CLIENT_ID and PAYPAL_SECRET environment variables are required")
		os.Exit(1)
	}

	returnURL := os.Getenv("CHECKOUT_RETURN_URL")
	if returnURL == "" {
		returnURL = "http://localhost:3000/pago-exitoso"
	}
	cancelURL := os.Getenv("CHECKOUT_CANCEL_URL")
	if cancelURL == "" {
		cancelURL = "http://localhost:3000/carrito"
	}

	gateway := payment.NewPayPalClient(payment.PayPalConfig{
		BaseURL:   paypalBase,
		ClientID:  clientID,
		Secret:    secret,
		BrandName: "The Vault",
		Currency:  "MXN",
		ReturnURL: returnURL,
		CancelURL: cancelURL,
	}, &http.Client{
		Timeout:   15 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})

	var producer *messaging.Producer
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers != "" {
		producer = messaging.NewOrderSettledProducer(strings.Split(kafkaBrokers, ","))
		defer func() { _ = producer.Close() }()
	}

	checkoutMetrics, err := telemetry.NewCheckoutMetrics()
	if err != nil {
		logger.Error("failed to create checkout metrics", "error", err)
		os.Exit(1)
	}

	ledger := inventory.NewLedger(db)
	store := orders.NewStore(db)
	settler := checkout.NewSQLSettler(db, ledger, store)

	var events checkout.EventPublisher
	if producer != nil {
		events = producer
	}

	orchestrator := checkout.NewOrchestrator(ledger, store, settler, gateway, events, checkoutMetrics, logger)

	checkoutHandler := checkout.NewHandler(orchestrator, logger)
	ordersHandler := orders.NewHandler(store, logger)
	inventoryHandler := inventory.NewHandler(ledger, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(checkoutHandler.HandleInitiate))
	mux.HandleFunc("POST /checkout/capture", telemetry.WithHTTPRoute(checkoutHandler.HandleCapture))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(ordersHandler.HandleList))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(ordersHandler.HandleGet))
	mux.HandleFunc("GET /users/{userId}/orders", telemetry.WithHTTPRoute(ordersHandler.HandleListByUser))
	mux.HandleFunc("PATCH /orders/{id}/status", telemetry.WithHTTPRoute(ordersHandler.HandleUpdateStatus))
	mux.HandleFunc("GET /stock", telemetry.WithHTTPRoute(inventoryHandler.HandleListStock))
	mux.HandleFunc("GET /stock/{itemId}", telemetry.WithHTTPRoute(inventoryHandler.HandleGetStock))
	mux.HandleFunc("GET /stock/{itemId}/movements", telemetry.WithHTTPRoute(inventoryHandler.HandleMovements))
	mux.HandleFunc("POST /stock/{itemId}/adjust", telemetry.WithHTTPRoute(inventoryHandler.HandleAdjust))
	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "checkout",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting checkout service", "port", port, "paypal_api", paypalBase)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

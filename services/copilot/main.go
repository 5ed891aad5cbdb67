// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/brightquay/helmsman/services/copilot/handlers"
	"github.com/brightquay/helmsman/services/copilot/observability"
	"github.com/brightquay/helmsman/services/copilot/producer"
	"github.com/brightquay/helmsman/services/copilot/routes"
	"github.com/brightquay/helmsman/services/copilot/store"
	"github.com/brightquay/helmsman/services/copilot/ttl"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "helmsman-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("copilot-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func openStore() (store.Store, error) {
	switch backend := os.Getenv("COPILOT_STORE_BACKEND"); backend {
	case "", "badger":
		path := os.Getenv("COPILOT_BADGER_PATH")
		if path == "" {
			path = "/var/lib/helmsman/copilot"
		}
		slog.Info("using badger store", "path", path)
		return store.NewBadgerStore(path)
	case "memory":
		slog.Info("using in-memory store; sessions will not survive a restart")
		return store.NewMemoryStore(), nil
	default:
		return nil, errors.New("unknown COPILOT_STORE_BACKEND: " + backend)
	}
}

func buildProducer() producer.TurnProducer {
	switch backend := os.Getenv("COPILOT_PRODUCER_BACKEND"); backend {
	case "", "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" && os.Getenv("OPENAI_BASE_URL") == "" {
			slog.Warn("OPENAI_API_KEY not set, falling back to the echo producer")
			return producer.NewEchoProducer()
		}
		model := os.Getenv("COPILOT_MODEL")
		if model == "" {
			model = "gpt-4o-mini"
		}
		slog.Info("using OpenAI-compatible producer", "model", model)
		return producer.NewOpenAIProducer(producer.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      os.Getenv("OPENAI_BASE_URL"),
			Model:        model,
			SystemPrompt: os.Getenv("COPILOT_SYSTEM_PROMPT"),
		})
	case "echo":
		slog.Info("using echo producer")
		return producer.NewEchoProducer()
	default:
		slog.Warn("unknown COPILOT_PRODUCER_BACKEND, falling back to echo", "backend", backend)
		return producer.NewEchoProducer()
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		slog.Warn("invalid duration env var, using default", "key", key, "value", raw)
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func main() {
	port := os.Getenv("COPILOT_PORT")
	if port == "" {
		port = "12300"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	st, err := openStore()
	if err != nil {
		log.Fatalf("failed to open the store: %v", err)
	}
	defer st.Close()

	runtime := producer.NewRuntime(buildProducer(), ttl.SystemClock{}, logger)
	defer runtime.Shutdown()

	reaper := ttl.NewReaper(runtime,
		5*time.Minute,
		envDuration("COPILOT_SESSION_IDLE_SECONDS", time.Hour),
		logger)
	reaper.Start()
	defer reaper.Stop()

	router := routes.SetupRouter(routes.Deps{
		Store:   st,
		Runtime: runtime,
		Metrics: observability.Default(),
		Stream: handlers.StreamConfig{
			TurnTimeout: envDuration("COPILOT_TURN_TIMEOUT_SECONDS", 2*time.Minute),
		},
	})

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting the copilot server", "port", port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down the copilot server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}

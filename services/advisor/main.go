// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/pashuai/agrichat/services/advisor/blob"
	"github.com/pashuai/agrichat/services/advisor/handlers"
	"github.com/pashuai/agrichat/services/advisor/routes"
	"github.com/pashuai/agrichat/services/advisor/services"
	"github.com/pashuai/agrichat/services/advisor/store"
	"github.com/pashuai/agrichat/services/advisor/weather"
	"github.com/pashuai/agrichat/services/genai"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return func(context.Context) {}, nil
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
		resource.WithAttributes(semconv.ServiceNameKey.String("advisor-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildGenerator assembles the strategy chain for text generation. The
// primary model is tried first; GEMINI_FALLBACK_MODEL (when set) adds a
// cheaper variant behind it for retryable failures.
func buildGenerator() (*genai.Gateway, *genai.GeminiClient, error) {
	backendType := os.Getenv("GENAI_BACKEND_TYPE")

	switch backendType {
	case "openai":
		client, err := genai.NewOpenAIClient()
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using OpenAI generation backend")
		return genai.NewGateway(genai.Strategy{Name: "openai", Client: client}), nil, nil

	case "gemini", "":
		if backendType == "" {
			slog.Warn("GENAI_BACKEND_TYPE not set, defaulting to gemini")
		}
		client, err := genai.NewGeminiClient()
		if err != nil {
			return nil, nil, err
		}
		strategies := []genai.Strategy{{Name: client.Model(), Client: client}}
		if fallback := os.Getenv("GEMINI_FALLBACK_MODEL"); fallback != "" && fallback != client.Model() {
			strategies = append(strategies,
				genai.Strategy{Name: fallback, Client: client.WithModel(fallback)})
			slog.Info("Registered fallback generation model", "model", fallback)
		}
		slog.Info("Using Gemini generation backend")
		return genai.NewGateway(strategies...), client, nil

	default:
		client, err := genai.NewGeminiClient()
		if err != nil {
			return nil, nil, err
		}
		slog.Warn("Unknown GENAI_BACKEND_TYPE, defaulting to gemini", "value", backendType)
		return genai.NewGateway(genai.Strategy{Name: client.Model(), Client: client}), client, nil
	}
}

// buildWeatherInterceptor wires the weather fast path. Without an
// OpenWeather key the interceptor is omitted and weather questions fall
// through to the generative model.
func buildWeatherInterceptor() services.WeatherInterceptor {
	client, err := weather.NewClient()
	if err != nil {
		slog.Warn("Weather interception disabled", "reason", err)
		return nil
	}

	cache, err := weather.NewCache(os.Getenv("WEATHER_CACHE_DIR"), weather.DefaultCacheTTL)
	if err != nil {
		slog.Warn("Weather cache unavailable, serving uncached", "error", err)
		cache = nil
	}

	defaultLocation := os.Getenv("DEFAULT_WEATHER_LOCATION")
	return weather.NewInterceptor(weather.NewKeywordClassifier(), client, cache, defaultLocation)
}

// buildObjectStore picks the image store: a GCS bucket when GCS_BUCKET
// is set, otherwise a local uploads directory.
func buildObjectStore(ctx context.Context) (blob.ObjectStore, error) {
	if bucket := os.Getenv("GCS_BUCKET"); bucket != "" {
		slog.Info("Using GCS object store", "bucket", bucket)
		return blob.NewGCSStore(ctx, bucket)
	}

	dir := os.Getenv("UPLOAD_DIR")
	if dir == "" {
		dir = "./uploads"
		slog.Warn("UPLOAD_DIR not set, defaulting to ./uploads")
	}
	slog.Info("Using local object store", "dir", dir)
	return blob.NewLocalStore(dir)
}

func main() {
	port := os.Getenv("ADVISOR_PORT")
	if port == "" {
		port = "5000"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())
	defer handlers.PurgeSecureMemory()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./agrichat.db"
		slog.Warn("DATABASE_PATH not set, defaulting to ./agrichat.db")
	}
	db, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to open the conversation store: %v", err)
	}
	defer db.Close()

	generator, geminiClient, err := buildGenerator()
	if err != nil {
		log.Fatalf("Failed to initialize the generation backend: %v", err)
	}

	var analyzer genai.VisionAnalyzer
	if geminiClient != nil {
		analyzer = genai.NewGeminiVisionAnalyzer(geminiClient)
	} else {
		slog.Warn("Vision analysis requires the Gemini backend, image diagnosis disabled")
	}

	uploads, err := buildObjectStore(context.Background())
	if err != nil {
		log.Fatalf("Failed to initialize the object store: %v", err)
	}

	turns := services.NewTurnService(db, generator, analyzer,
		buildWeatherInterceptor(), uploads)

	router := gin.Default()
	router.Use(otelgin.Middleware("advisor-service"))
	routes.SetupRoutes(router, db, turns, uploads)

	slog.Info("Starting the advisor server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

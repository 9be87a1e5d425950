package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caseflow/evidencegate/internal/engine"
	"github.com/caseflow/evidencegate/internal/httpapi"
	"github.com/caseflow/evidencegate/internal/ingest"
)

func main() {
	addr := os.Getenv("EVIDENCEGATE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := engine.BuildMetadataStoreFromDSN(os.Getenv("EVIDENCEGATE_METADATA_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize metadata store: %v", err)
	}
	vector, err := engine.BuildVectorIndexFromDSN(
		os.Getenv("EVIDENCEGATE_VECTOR_DSN"),
		os.Getenv("EVIDENCEGATE_VECTOR_TOKEN"),
	)
	if err != nil {
		log.Fatalf("failed to initialize vector index: %v", err)
	}

	guard := engine.NewIdempotencyGuard(store)
	manager := engine.NewConsistencyManager(engine.ManagerOptions{
		Metadata: store,
		Vector:   vector,
		Retry: engine.RetryPolicy{
			MaxAttempts: intEnv("EVIDENCEGATE_RETRY_MAX_ATTEMPTS", 0),
			BaseDelay:   durationEnv("EVIDENCEGATE_RETRY_BASE_DELAY", 0),
		},
		TransactionLog: engine.NewTransactionLog(intEnv("EVIDENCEGATE_TXLOG_CAPACITY", 0)),
	})
	pipeline := engine.NewPipeline(guard, manager, store)

	server, err := httpapi.NewServerWithConfig(pipeline, manager, store, httpapi.ServerConfig{
		JWTSecret:         os.Getenv("EVIDENCEGATE_JWT_SECRET"),
		IngressHMACSecret: os.Getenv("EVIDENCEGATE_INGRESS_HMAC_SECRET"),
		IngressMaxSkew:    durationEnv("EVIDENCEGATE_INGRESS_MAX_SKEW", 5*time.Minute),
		RateLimitMax:      intEnv("EVIDENCEGATE_RATE_LIMIT_MAX", 0),
		RateLimitWindow:   durationEnv("EVIDENCEGATE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:      int64Env("EVIDENCEGATE_MAX_BODY_BYTES", 0),
		FeedPollInterval:  durationEnv("EVIDENCEGATE_FEED_POLL_INTERVAL", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize http server: %v", err)
	}

	if dropDir := strings.TrimSpace(os.Getenv("EVIDENCEGATE_DROP_DIR")); dropDir != "" {
		watcher, err := ingest.NewWatcher(dropDir, pipeline)
		if err != nil {
			log.Fatalf("failed to initialize drop-dir watcher: %v", err)
		}
		go func() {
			if err := watcher.Run(context.Background()); err != nil && err != context.Canceled {
				log.Printf("drop-dir watcher stopped: %v", err)
			}
		}()
		log.Printf("watching drop directory %s", dropDir)
	}

	log.Printf("evidencegate listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/resortops/buggyline/internal/app"
	"github.com/resortops/buggyline/internal/buggyline"
	"github.com/resortops/buggyline/internal/httpapi"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv: %v", err)
	}

	addr := os.Getenv("BUGGYLINE_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	role, err := buggyline.ParseRole(os.Getenv("BUGGYLINE_ROLE"))
	if err != nil {
		log.Fatalf("BUGGYLINE_ROLE: %v", err)
	}

	queueDSN, cacheDSN, sessionPath, err := storageProfileDefaultsFromEnv()
	if err != nil {
		log.Fatalf("storage profile: %v", err)
	}
	if dsn := strings.TrimSpace(os.Getenv("BUGGYLINE_QUEUE_DSN")); dsn != "" {
		queueDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("BUGGYLINE_CACHE_DSN")); dsn != "" {
		cacheDSN = dsn
	}
	if path := strings.TrimSpace(os.Getenv("BUGGYLINE_SESSION_FILE")); path != "" {
		sessionPath = path
	}

	a, err := app.New(app.Options{
		Role:          role,
		ScopeID:       os.Getenv("BUGGYLINE_SCOPE_ID"),
		DriverRef:     os.Getenv("BUGGYLINE_DRIVER_REF"),
		BackendURL:    requiredEnv("BUGGYLINE_BACKEND_URL"),
		LiveURL:       os.Getenv("BUGGYLINE_LIVE_URL"),
		AuthToken:     os.Getenv("BUGGYLINE_BACKEND_TOKEN"),
		QueueDSN:      queueDSN,
		CacheDSN:      cacheDSN,
		QueueCapacity: intEnv("BUGGYLINE_QUEUE_CAPACITY", 0),
		SessionPath:   sessionPath,
		PollInterval:  durationEnv("BUGGYLINE_POLL_INTERVAL", 0),
		Logger:        log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize session: %v", err)
	}
	defer a.Close()

	server := httpapi.NewServerWithConfig(a, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("BUGGYLINE_JWT_SECRET"),
		RateLimitMax:    intEnv("BUGGYLINE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("BUGGYLINE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("BUGGYLINE_MAX_BODY_BYTES", 0),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("session loop stopped: %v", err)
		}
	}()

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("buggyline %s session listening on %s", role, addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func requiredEnv(name string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		log.Fatalf("%s is required", name)
	}
	return value
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

// storageProfileDefaultsFromEnv maps BUGGYLINE_STORAGE_PROFILE onto
// queue/cache DSNs and a session file. Explicit DSN variables override
// whatever the profile chose.
func storageProfileDefaultsFromEnv() (queueDSN, cacheDSN, sessionPath string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("BUGGYLINE_STORAGE_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("BUGGYLINE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".buggyline"
	}
	switch profile {
	case "", "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "op-queue.json"),
			"file://" + filepath.Join(dataDir, "response-cache.json"),
			filepath.Join(dataDir, "session.json"),
			nil
	case "memory", "inmemory":
		return "memory://", "memory://", "", nil
	case "sqlite":
		dbPath := filepath.Join(dataDir, "buggyline.db")
		return "sqlite://" + dbPath, "sqlite://" + dbPath, filepath.Join(dataDir, "session.json"), nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("BUGGYLINE_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", "", fmt.Errorf("BUGGYLINE_POSTGRES_DSN is required when BUGGYLINE_STORAGE_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, filepath.Join(dataDir, "session.json"), nil
	default:
		return "", "", "", fmt.Errorf("unsupported BUGGYLINE_STORAGE_PROFILE: %s", profile)
	}
}

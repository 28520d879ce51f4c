package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Maverick0351a/signet-protocol/pkg/config"
	"github.com/Maverick0351a/signet-protocol/pkg/fallback"
	"github.com/Maverick0351a/signet-protocol/pkg/hardening"
	"github.com/Maverick0351a/signet-protocol/pkg/hel"
	"github.com/Maverick0351a/signet-protocol/pkg/httpx"
	"github.com/Maverick0351a/signet-protocol/pkg/mapping"
	"github.com/Maverick0351a/signet-protocol/pkg/metering"
	"github.com/Maverick0351a/signet-protocol/pkg/metrics"
	"github.com/Maverick0351a/signet-protocol/pkg/ratelimit"
	"github.com/Maverick0351a/signet-protocol/pkg/signer"
	"github.com/Maverick0351a/signet-protocol/pkg/store"
	"github.com/Maverick0351a/signet-protocol/pkg/stream"
	"github.com/Maverick0351a/signet-protocol/pkg/telemetry"
)

// Server carries every collaborator the exchange pipeline touches.
type Server struct {
	Store               store.Store
	Cache               store.Cache
	Config              *config.Holder
	Mappings            *mapping.Registry
	HEL                 *hel.Engine
	Forwarder           *hel.Forwarder
	Signer              *signer.Signer
	Fallback            fallback.Provider
	Metering            *metering.Buffer
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	IdemCacheTTL        time.Duration

	now func() time.Time
}

type signetInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type signetOpenStoreFunc func(ctx context.Context, dsn string) (store.Store, error)
type signetOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type signetListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openStoreFnG   = store.Open
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runSignet(initTelemetryG, openStoreFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("signet: %v", err)
	}
}

func runSignet(
	initTelemetry signetInitTelemetryFunc,
	openStore signetOpenStoreFunc,
	openRedis signetOpenRedisFunc,
	listen signetListenFunc,
) error {
	_ = godotenv.Load()
	ctx := context.Background()

	shutdown, err := initTelemetry(ctx, "signet")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	storageDSN := env("SIGNET_STORAGE_DSN", env("DATABASE_URL", "sqlite://signet.db"))
	apiKeysFile := env("SIGNET_API_KEYS_FILE", "config/api_keys.json")
	signingKid := env("SIGNET_KID", "signet-dev-key")
	signingKeyB64 := env("SIGNET_PRIVATE_KEY_B64", "")

	if err := hardening.ValidateProduction(hardening.Options{
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		SigningKeyB64:         signingKeyB64,
		Kid:                   signingKid,
		APIKeysFile:           apiKeysFile,
		StorageDSN:            storageDSN,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	st, err := openStore(ctx, storageDSN)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer st.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	holder, err := config.NewHolder(apiKeysFile, env("SIGNET_RESERVED_CONFIG", ""))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	registry, err := mapping.NewDefaultRegistry()
	if err != nil {
		return fmt.Errorf("mappings: %w", err)
	}

	sig, err := signer.New(signingKid, signingKeyB64)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}

	var provider fallback.Provider = fallback.NullProvider{}
	if apiKey := env("OPENAI_API_KEY", ""); apiKey != "" {
		client := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("FALLBACK_TIMEOUT_MS", 30000))})
		provider = fallback.NewOpenAIProvider(client, apiKey)
	}

	var billing metering.BillingClient = metering.NoopBillingClient{}
	if stripeKey := env("STRIPE_API_KEY", ""); stripeKey != "" {
		billing = metering.NewStripeClient(telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second}), stripeKey)
	}
	buffer := metering.NewBuffer(billing, envInt("BILLING_BUFFER_CAPACITY", 4096),
		time.Second*time.Duration(envInt("BILLING_FLUSH_INTERVAL_SEC", 30)))
	defer buffer.Close()

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}

	s := &Server{
		Store:    st,
		Cache:    cache,
		Config:   holder,
		Mappings: registry,
		HEL:      hel.NewEngine(splitList(env("SIGNET_HEL_ALLOWLIST", ""))),
		Forwarder: hel.NewForwarder(
			time.Second*time.Duration(envInt("FORWARD_TIMEOUT_SEC", 30)),
			int64(envInt("MAX_FORWARD_RESPONSE_BYTES", 1<<20)),
		),
		Signer:              sig,
		Fallback:            provider,
		Metering:            buffer,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 10<<20)),
		IdemCacheTTL:        time.Second * time.Duration(envInt("IDEMPOTENCY_CACHE_TTL_SEC", 3600)),
		now:                 time.Now,
	}
	if rateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := s.routes()

	addr := env("ADDR", ":8088")
	log.Printf("signet listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("signet"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Post("/v1/exchange", s.handleExchange)
	r.Get("/v1/receipts/chain/{trace_id}", s.handleGetChain)
	r.Get("/v1/receipts/export/{trace_id}", s.handleExport)
	r.Post("/v1/export/bundle", s.handleExportBundle)
	r.Get("/v1/usage", s.handleUsage)
	r.Get("/v1/stream", s.streamReceipts)
	r.Post("/v1/admin/reload-reserved", s.handleReloadReserved)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.code = code
	rec.ResponseWriter.WriteHeader(code)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusBadRequest, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wsOriginPatterns(raw string) []string {
	return splitList(raw)
}

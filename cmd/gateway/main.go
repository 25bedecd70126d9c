package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"ledger/pkg/auth"
	"ledger/pkg/gate"
	"ledger/pkg/hardening"
	"ledger/pkg/httpx"
	"ledger/pkg/metrics"
	"ledger/pkg/ratelimit"
	"ledger/pkg/statebus"
	"ledger/pkg/store"
	"ledger/pkg/stream"
	"ledger/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

// Server holds every dependency an HTTP handler needs to run the commit
// gate, the trace index, and the three replay engines behind the API.
type Server struct {
	Gate                *gate.Gate
	Store               store.ArtifactStore
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Producer            statebus.Producer
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	AuthMode            string
	MaxRequestBodyBytes int64
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenStoreFunc func(ctx context.Context) (store.ArtifactStore, func(), error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayOpenProducerFunc func() (statebus.Producer, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main().
var (
	logFatalf       = log.Fatalf
	initTelemetryG  = telemetry.Init
	openStoreFnG    = openStoreFromEnv
	openRedisFnG    = store.NewRedis
	openProducerFnG = openProducerFromEnv
	listenFnG       = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openStoreFnG, openRedisFnG, openProducerFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

// openStoreFromEnv returns a MemoryStore when no database is configured
// (the default for local development and the fast test suite) or a
// PostgresStore backed by DATABASE_URL/DATABASE_HOST otherwise.
func openStoreFromEnv(ctx context.Context) (store.ArtifactStore, func(), error) {
	if strings.TrimSpace(os.Getenv("DATABASE_URL")) == "" && strings.TrimSpace(os.Getenv("DATABASE_HOST")) == "" {
		return store.NewMemoryStore(), func() {}, nil
	}
	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

// openProducerFromEnv returns a no-op producer when no Kafka brokers are
// configured, so accepted-artifact fan-out is a silent no-op rather than a
// startup failure for deployments that don't need it.
func openProducerFromEnv() (statebus.Producer, error) {
	brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if brokers == "" {
		return statebus.NoopProducer{}, nil
	}
	return statebus.NewKafkaProducer(statebus.KafkaConfig{
		Brokers: strings.Split(brokers, ","),
		Topic:   env("KAFKA_ACCEPTED_TOPIC", "ledger.accepted-artifacts"),
	})
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openStore gatewayOpenStoreFunc,
	openRedis gatewayOpenRedisFunc,
	openProducer gatewayOpenProducerFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "ledger-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	backing, closeStore, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	artifactStore := store.NewCachedStore(backing, store.NewCache(ctx, redisClient))

	producer, err := openProducer()
	if err != nil {
		return fmt.Errorf("statebus: %w", err)
	}
	defer producer.Close()

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Gate:                gate.New(artifactStore),
		Store:               artifactStore,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Producer:            producer,
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "ledger-gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("ledger-gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "ledger-gateway"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		env("OIDC_HS256_SECRET", ""),
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/records/{kind}", s.withRoles(s.handleCommit, "producer", "admin"))
	authRouter.Get("/v1/artifacts/{hash}", s.withRoles(s.handleArtifact, "auditor", "producer", "admin"))
	authRouter.Get("/v1/traces/{trace_id}", s.withRoles(s.handleTrace, "auditor", "admin"))
	authRouter.Post("/v1/replay/invariant/{trace_id}", s.withRoles(s.handleReplayInvariant, "auditor", "admin"))
	authRouter.Post("/v1/replay/forensic/{trace_id}", s.withRoles(s.handleReplayForensic, "auditor", "admin"))
	authRouter.Post("/v1/replay/constrained", s.withRoles(s.handleReplayConstrained, "auditor", "admin"))
	authRouter.Get("/v1/replay-results/{hash}", s.withRoles(s.handleReplayResult, "auditor", "admin"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "auditor", "admin"))
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8080")
	log.Printf("ledger gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
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

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			s.writeError(w, r, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			s.writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
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

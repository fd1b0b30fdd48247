package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/audit"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/budget"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/hardening"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/httpx"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/identity"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/inference"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/metrics"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/pipeline"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/redact"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/store"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/stream"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/telemetry"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/vault"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/workbench"
)

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Resolver            *identity.Resolver
	Pipeline            *pipeline.Pipeline
	Ledger              budget.Ledger
	LimitMicros         int64
	Throttle            budget.Throttle
	ThrottlePerMinute   int
	Drafts              *workbench.Manager
	VaultCodec          *vault.Codec
	VaultStore          *vault.Store
	Telemetry           *audit.Queue
	Breaker             *inference.Breaker
	Detector            *redact.RegexDetector
	TokenSecret         []byte
	TokenIssuer         string
	TokenAudience       string
	TokenTTL            time.Duration
	DeviceCodeTTL       time.Duration
	DevicePollInterval  time.Duration
	DevAuthEnabled      bool
	MaxRequestBodyBytes int64
	WSAllowedOrigins    []string
}

type gatewayDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error {
		cert := env("TLS_CERT_FILE", "")
		key := env("TLS_KEY_FILE", "")
		if cert != "" && key != "" {
			return server.ListenAndServeTLS(cert, key)
		}
		return server.ListenAndServe()
	}
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "coreason-adlc")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory ledger/cache: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	masterKey := env("VAULT_MASTER_KEY", "")
	devAuth := env("DEV_AUTH_ENABLED", "false") == "true"
	hashSalt := env("TELEMETRY_HASH_SALT", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		VaultMasterKey:        masterKey,
		DevAuthEnabled:        env("DEV_AUTH_ENABLED", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "GATEWAY_TOKEN_SECRET", Value: env("GATEWAY_TOKEN_SECRET", "")},
			{Name: "TELEMETRY_HASH_SALT", Value: hashSalt},
		},
	}); err != nil {
		return err
	}

	codec, err := vault.NewCodec(masterKey)
	if err != nil {
		return err
	}

	limitMicros := int64(envInt("DAILY_BUDGET_MICROS", 50_000_000))
	metricsReg := metrics.NewRegistry()
	events := stream.NewHub()

	var ledger budget.Ledger
	onAutoRefund := func(n int) {
		metricsReg.AddAutoRefunds(n)
		events.Publish(stream.NewEvent(stream.EventBudgetAutoRefund, map[string]int{"count": n}))
	}
	if redisClient != nil {
		rl := budget.NewRedisLedger(redisClient, limitMicros)
		rl.OnAutoRefund = onAutoRefund
		ledger = rl
	} else {
		ml := budget.NewMemoryLedger(limitMicros)
		ml.OnAutoRefund = onAutoRefund
		ledger = ml
	}

	throttleWindow := time.Second * time.Duration(envInt("CHAT_THROTTLE_WINDOW_SEC", 60))
	var throttle budget.Throttle
	if redisClient != nil {
		throttle = budget.NewRedisThrottle(redisClient, throttleWindow)
	} else {
		throttle = budget.NewMemoryThrottle(throttleWindow)
	}

	writer := &audit.Writer{DB: pool, HashSalt: []byte(hashSalt)}
	queue := audit.NewQueue(writer, envInt("TELEMETRY_QUEUE_CAPACITY", 1024))
	queue.Workers = envInt("TELEMETRY_WORKERS", 4)
	queue.OnDrop = func() {
		metricsReg.IncTelemetryDropped()
		events.Publish(stream.NewEvent(stream.EventTelemetryDropped, nil))
	}
	if brokers := splitCSV(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		dead, err := audit.NewKafkaDeadLetter(brokers, env("KAFKA_DEADLETTER_TOPIC", "adlc.telemetry.deadletter"))
		if err != nil {
			return err
		}
		defer func() { _ = dead.Close() }()
		queue.Dead = dead
	} else {
		queue.Dead = &audit.LogDeadLetter{}
	}
	queue.Start(ctx)
	defer queue.Close(envDurationSec("TELEMETRY_DRAIN_GRACE_SEC", 5))

	provider := &inference.OpenAIProvider{
		BaseURL:    env("OPENAI_BASE_URL", ""),
		HTTPClient: telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("INFERENCE_TIMEOUT_MS", 60000))}),
		Deadline:   time.Millisecond * time.Duration(envInt("INFERENCE_DEADLINE_MS", 55000)),
	}
	proxy := inference.NewProxy(provider)
	proxy.Breaker.OnStateChange = func(model string, state inference.BreakerState) {
		metricsReg.SetBreakerState(model, string(state))
		events.Publish(stream.NewEvent(stream.EventBreakerState, map[string]string{"model": model, "state": string(state)}))
	}

	detector := redact.NewRegexDetector()
	vaultStore := &vault.Store{DB: pool}
	pipe := pipeline.New(ledger, &vault.Reader{Source: vaultStore, Codec: codec}, proxy, redact.NewEngine(detector), queue)
	pipe.ProviderService = env("INFERENCE_PROVIDER_SERVICE", "openai")
	pipe.OnOutcome = func(category string, overrun bool) {
		metricsReg.IncCategory(category)
		if overrun {
			metricsReg.IncOverrun()
			events.Publish(stream.NewEvent(stream.EventBudgetOverrun, nil))
		}
		if category == "" {
			events.Publish(stream.NewEvent(stream.EventChatCompleted, nil))
		} else {
			events.Publish(stream.NewEvent(stream.EventChatFailed, map[string]string{"category": category}))
		}
	}

	tokenSecret := []byte(env("GATEWAY_TOKEN_SECRET", ""))
	if len(tokenSecret) == 0 && !devAuth {
		return errors.New("GATEWAY_TOKEN_SECRET required")
	}
	if len(tokenSecret) == 0 {
		tokenSecret = []byte("dev-only-gateway-token-secret")
	}
	resolver, err := buildResolver(pool, tokenSecret, devAuth)
	if err != nil {
		return err
	}

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             metricsReg,
		Events:              events,
		Resolver:            resolver,
		Pipeline:            pipe,
		Ledger:              ledger,
		LimitMicros:         limitMicros,
		Throttle:            throttle,
		ThrottlePerMinute:   envInt("CHAT_THROTTLE_PER_MINUTE", 60),
		Drafts:              workbench.NewManager(&workbench.PgStore{DB: pool}),
		VaultCodec:          codec,
		VaultStore:          vaultStore,
		Telemetry:           queue,
		Breaker:             proxy.Breaker,
		Detector:            detector,
		TokenSecret:         tokenSecret,
		TokenIssuer:         env("GATEWAY_TOKEN_ISSUER", "adlc-gateway"),
		TokenAudience:       env("GATEWAY_TOKEN_AUDIENCE", ""),
		TokenTTL:            envDurationSec("GATEWAY_TOKEN_TTL_SEC", 3600),
		DeviceCodeTTL:       envDurationSec("DEVICE_CODE_TTL_SEC", 600),
		DevicePollInterval:  envDurationSec("DEVICE_POLL_INTERVAL_SEC", 5),
		DevAuthEnabled:      devAuth,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		WSAllowedOrigins:    splitCSV(env("WS_ALLOWED_ORIGINS", "")),
	}
	r := s.routes()

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS13},
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 120),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func buildResolver(db gatewayDB, tokenSecret []byte, devAuth bool) (*identity.Resolver, error) {
	issuer := env("GATEWAY_TOKEN_ISSUER", "adlc-gateway")
	var verifier identity.Verifier
	switch mode := strings.ToLower(env("AUTH_MODE", "hs256")); mode {
	case "oidc_rs256":
		jwksURL := env("OIDC_JWKS_URL", "")
		if jwksURL == "" {
			return nil, errors.New("AUTH_MODE=oidc_rs256 requires OIDC_JWKS_URL")
		}
		verifier = &identity.RS256Verifier{
			Keys:     identity.NewJWKSCache(jwksURL),
			Issuer:   env("OIDC_ISSUER", ""),
			Audience: env("OIDC_AUDIENCE", ""),
		}
	case "hs256":
		verifier = &identity.HS256Verifier{
			Secret:   tokenSecret,
			Issuer:   issuer,
			Audience: env("GATEWAY_TOKEN_AUDIENCE", ""),
		}
	default:
		return nil, fmt.Errorf("unknown AUTH_MODE %q", mode)
	}

	var directory identity.Directory
	if devAuth {
		directory = &identity.StaticDirectory{Grants: map[string]identity.StaticGrant{
			"adlc-developers": {Role: identity.RoleDeveloper, Projects: splitCSV(env("DEV_AUTH_PROJECTS", "auc-dev"))},
			"adlc-managers":   {Role: identity.RoleManager, Projects: splitCSV(env("DEV_AUTH_PROJECTS", "auc-dev"))},
		}}
	} else {
		directory = &identity.PgDirectory{DB: db}
	}
	return &identity.Resolver{Verifier: verifier, Directory: directory}, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("coreason-adlc"))
	r.Use(s.limitRequestBodyMiddleware)
	health := func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "coreason-adlc"})
	}
	r.Get("/health", health)
	r.Get("/healthz", health)
	r.Get("/metrics", s.Metrics.PrometheusHandler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/auth/device-code", s.handleDeviceCode)
		api.Post("/auth/token", s.handleDeviceToken)
		if s.DevAuthEnabled {
			api.Post("/auth/device/approve", s.handleDeviceApprove)
		}

		api.Group(func(authed chi.Router) {
			authed.Use(identity.Middleware(s.Resolver))
			authed.Post("/chat/completions", s.handleChat)
			authed.Get("/budget", s.handleBudget)

			authed.Post("/workbench/validate", s.handleDraftValidate)
			authed.Get("/workbench/drafts", s.handleDraftList)
			authed.Post("/workbench/drafts", s.handleDraftCreate)
			authed.Get("/workbench/drafts/{draft_id}", s.handleDraftAcquire)
			authed.Put("/workbench/drafts/{draft_id}", s.handleDraftUpdate)
			authed.Delete("/workbench/drafts/{draft_id}", s.handleDraftDelete)
			authed.Post("/workbench/drafts/{draft_id}/lock", s.handleDraftHeartbeat)
			authed.Post("/workbench/drafts/{draft_id}/submit", s.handleDraftVerb(workbench.VerbSubmit))
			authed.Post("/workbench/drafts/{draft_id}/approve", s.handleDraftVerb(workbench.VerbApprove))
			authed.Post("/workbench/drafts/{draft_id}/reject", s.handleDraftVerb(workbench.VerbReject))

			authed.Get("/models/{model_id}/schema", s.handleModelSchema)

			authed.Post("/vault/secrets", s.handleVaultPut)

			authed.Get("/system/compliance", s.handleCompliance)
			authed.Get("/system/metrics", s.Metrics.Handler())
			authed.With(identity.RequireRoles(identity.RoleManager)).
				Get("/system/events", stream.ServeWS(s.Events, s.WSAllowedOrigins))
		})
	})
	return r
}

// metricsLoop refreshes operational gauges from the stores.
func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.DB == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var pending int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM workbench.agent_drafts WHERE status='PENDING' AND is_deleted=false`).Scan(&pending)
	s.Metrics.SetGauge("drafts_pending", float64(pending))
	var oldest float64
	_ = s.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(EXTRACT(EPOCH FROM (now() - updated_at))), 0)
		FROM workbench.agent_drafts WHERE status='PENDING' AND is_deleted=false
	`).Scan(&oldest)
	s.Metrics.SetGauge("drafts_pending_oldest_seconds", oldest)
	var logsToday int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM telemetry.telemetry_logs WHERE created_at >= date_trunc('day', now())`).Scan(&logsToday)
	s.Metrics.SetGauge("telemetry_records_today", float64(logsToday))
	s.Metrics.SetGauge("telemetry_dropped_total", float64(s.Telemetry.Dropped()))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
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

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
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

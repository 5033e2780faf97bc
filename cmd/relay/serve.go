package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaysec/relay/pkg/api"
	"github.com/relaysec/relay/pkg/artifacts"
	"github.com/relaysec/relay/pkg/config"
	"github.com/relaysec/relay/pkg/gateway"
	"github.com/relaysec/relay/pkg/identity"
	"github.com/relaysec/relay/pkg/ledger"
	"github.com/relaysec/relay/pkg/observability"
	"github.com/relaysec/relay/pkg/pdp"
	"github.com/relaysec/relay/pkg/policy"
	"github.com/relaysec/relay/pkg/seal"
)

//nolint:gocognit
func runServer() int {
	fmt.Fprintf(os.Stdout, "%sRelay Gateway starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()

	cfg := config.Load()
	logger := observability.SetupLogging(cfg.LogLevel)

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "relay-gateway",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       !cfg.Production(),
	})
	if err != nil {
		log.Fatalf("Failed to init telemetry: %v", err)
	}
	log.Printf("[relay] observability: %s", obs)

	// Audit ledger.
	var led *ledger.Ledger
	if cfg.LiteMode() {
		fmt.Fprintf(os.Stdout, "RELAY_DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite).\n",
			ColorBold+ColorCyan, ColorReset)
		dbPath := filepath.Join("data", "relay.db")
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			log.Fatalf("Failed to create data dir: %v", err)
		}
		log.Printf("[relay] lite mode: using sqlite at %s", dbPath)
		led, err = ledger.Open(ledger.DriverSQLite, dbPath, cfg.DBMaxOpen, cfg.DBMaxIdle)
	} else {
		led, err = ledger.Open(ledger.DriverPostgres, cfg.DatabaseURL, cfg.DBMaxOpen, cfg.DBMaxIdle)
	}
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if err := led.Init(ctx); err != nil {
		log.Fatalf("Failed to init ledger: %v", err)
	}
	if !cfg.LiteMode() {
		log.Println("[relay] postgres: connected")
	}
	log.Println("[relay] ledger: ready")

	// Seal signing authority.
	signer, err := seal.LoadOrGenerateSigner(cfg.SigningKey, cfg.Production())
	if err != nil {
		log.Fatalf("Failed to init signer: %v", err)
	}
	fmt.Fprintf(os.Stdout, "Trust Root: %s%s%s\n", ColorBold+ColorGreen, signer.PublicKeyBase64(), ColorReset)
	sealer := seal.NewEngine(signer, cfg.SealTTL)

	// Bearer-token keys. Seeded from a file so every replica verifies the
	// same tokens; tokens survive restarts.
	tokenSeed, err := loadOrGenerateSeed(cfg.TokenKey, cfg.Production())
	if err != nil {
		log.Fatalf("Failed to init token key: %v", err)
	}
	keySet, err := identity.NewInMemoryKeySetFromSeed(tokenSeed)
	if err != nil {
		log.Fatalf("Failed to init token keyset: %v", err)
	}
	ids := identity.NewService(identity.NewStore(led.DB()), identity.NewTokenManager(keySet, cfg.TokenTTL))
	log.Println("[relay] identity: ready")

	// Policy decision point.
	var engine pdp.PolicyDecisionPoint
	switch cfg.PolicyBackend {
	case string(pdp.BackendCEL):
		engine = pdp.NewCELPDP(cfg.EvalTimeout)
	case string(pdp.BackendWASM):
		engine = pdp.NewWASMPDP(ctx, cfg.PolicyWASM, cfg.EvalTimeout)
	case string(pdp.BackendOPA):
		engine = pdp.NewOPAPDP(pdp.OPAConfig{
			BaseURL:    cfg.OPAURL,
			PolicyPath: cfg.PolicyPath,
			PolicyName: cfg.PolicyName,
			Timeout:    cfg.EvalTimeout,
		})
	default:
		log.Fatalf("Unknown RELAY_POLICY_BACKEND %q (want opa, cel, or wasm)", cfg.PolicyBackend)
	}
	log.Printf("[relay] policy engine: %s backend", engine.Backend())

	// Policy bundles.
	artStore, err := artifacts.NewStore(ctx, artifacts.Options{
		Backend: cfg.ArtifactsBackend,
		Dir:     cfg.ArtifactsDir,
		Bucket:  cfg.ArtifactsBucket,
	})
	if err != nil {
		log.Fatalf("Failed to init artifact store: %v", err)
	}

	loader := &policyLoader{
		sourcePath: cfg.PolicySource,
		bundles:    artifacts.NewManager(artStore),
		engine:     engine,
	}
	if v, err := loader.Reload(ctx); err != nil {
		if !errors.Is(err, errNoPolicySource) {
			log.Fatalf("Failed to load policy: %v", err)
		}
		log.Println("[relay] policy: no source configured; engine keeps its current policy")
	} else {
		log.Printf("[relay] policy: version %s active", v)
	}

	gw := gateway.New(engine, sealer, led, gateway.Config{
		EvalTimeout: cfg.EvalTimeout,
		ClockSkew:   cfg.SealSkew,
		Logger:      logger,
		Metrics:     obs,
	})

	var limiter api.ClientLimiter
	switch {
	case cfg.RedisURL != "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Invalid RELAY_REDIS_URL: %v", err)
		}
		limiter = api.NewRedisLimiter(redis.NewClient(opts), cfg.RateLimitRPS, cfg.RateLimitBurst)
		log.Println("[relay] rate limiter: redis token bucket")
	case cfg.RateLimitRPS > 0:
		limiter = api.NewLocalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	srv := api.NewServer(gw, ids, api.Config{
		ServiceName:    "relay-gateway",
		Version:        version,
		AuthRequired:   cfg.AuthRequired,
		AllowedOrigins: cfg.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		MaxInFlight:    cfg.MaxInFlight,
		Limiter:        limiter,
		Metrics:        obs,
		Reloader:       loader,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           obs.WrapHandler(srv.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[relay] http: listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Printf("[relay] ready: auth_required=%v backend=%s seal_ttl=%s",
		cfg.AuthRequired, engine.Backend(), cfg.SealTTL)
	log.Println("[relay] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[relay] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[relay] http shutdown: %v", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Printf("[relay] telemetry shutdown: %v", err)
	}
	if err := led.Close(); err != nil {
		log.Printf("[relay] ledger close: %v", err)
	}
	return 0
}

// errNoPolicySource reports that neither a source file nor a published
// bundle exists; the engine then keeps whatever policy it already has.
var errNoPolicySource = errors.New("no policy source configured and no published bundle")

// policyLoader compiles the active policy from its configured origin and
// installs it on the decision point. It serves both startup bootstrap and
// the reload endpoint.
type policyLoader struct {
	sourcePath string
	bundles    *artifacts.Manager
	engine     pdp.PolicyDecisionPoint
}

func (pl *policyLoader) Reload(ctx context.Context) (string, error) {
	src, err := pl.source(ctx)
	if err != nil {
		return "", err
	}
	compiled, err := policy.Compile(src)
	if err != nil {
		return "", err
	}
	if err := pl.engine.Load(ctx, compiled); err != nil {
		return "", err
	}
	return compiled.Version, nil
}

// source prefers the local file; deployments without one read the artifact
// store's current bundle.
func (pl *policyLoader) source(ctx context.Context) ([]byte, error) {
	if pl.sourcePath != "" {
		src, err := os.ReadFile(pl.sourcePath)
		if err != nil {
			return nil, fmt.Errorf("read policy source: %w", err)
		}
		return src, nil
	}
	bundle, _, err := pl.bundles.Current(ctx)
	if errors.Is(err, artifacts.ErrNoCurrent) {
		return nil, errNoPolicySource
	}
	if err != nil {
		return nil, err
	}
	return bundle.Source, nil
}

// loadOrGenerateSeed reads a hex-encoded 32-byte Ed25519 seed from path,
// generating and persisting one when absent. Production requires the file
// to exist.
func loadOrGenerateSeed(path string, production bool) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, derr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if derr != nil {
			return nil, fmt.Errorf("key file %s: %w", path, derr)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s: seed must be %d bytes, got %d", path, ed25519.SeedSize, len(seed))
		}
		return seed, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	if production {
		return nil, fmt.Errorf("key %s not found; provision it before starting in production", path)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist key: %w", err)
	}
	log.Printf("[relay] trust: generated new key at %s", path)
	return seed, nil
}

// Command credgate serves the credential-gated access API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/credgate/access"
	"github.com/ggoodman/credgate/internal/config"
	"github.com/ggoodman/credgate/internal/logctx"
	"github.com/ggoodman/credgate/policy"
	"github.com/ggoodman/credgate/server"
	"github.com/ggoodman/credgate/sessions"
	"github.com/ggoodman/credgate/sessions/redisstore"
	"github.com/ggoodman/credgate/storage"
	"github.com/ggoodman/credgate/storage/memory"
	redisstorage "github.com/ggoodman/credgate/storage/redis"
	"github.com/ggoodman/credgate/verification"
	"github.com/ggoodman/credgate/verification/jwtvp"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	log := slog.New(logctx.Wrap(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := loadPolicies(cfg)
	if err != nil {
		return err
	}

	store, shared, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}

	gwOpts := []verification.Option{
		verification.WithTimeout(cfg.VerifyTimeout),
		verification.WithDefaultDomain(cfg.PresentationDomain),
		verification.WithLogger(log),
	}
	if len(cfg.RevokedCredentials) > 0 {
		gwOpts = append(gwOpts, verification.WithRevocationChecker(verification.NewRevocationList(cfg.RevokedCredentials...)))
	}
	gateway, err := verification.NewGateway(registry, verifier, store, gwOpts...)
	if err != nil {
		return err
	}

	mgr, err := sessions.NewManager(shared,
		sessions.WithConfig(sessions.Config{
			DefaultDuration: cfg.SessionDefaultDuration,
			MaxDuration:     cfg.SessionMaxDuration,
			MaxLifetime:     cfg.SessionMaxLifetime,
		}),
		sessions.WithLogger(log),
		sessions.WithMetadataCache(sessions.NewMetadataCache(store, log)),
	)
	if err != nil {
		return err
	}
	go mgr.RunSweeper(ctx, cfg.SessionSweepInterval)

	mw := access.New(mgr, registry, access.WithLogger(log), access.WithRealm("credgate"))
	srv, err := server.New(gateway, mgr, registry, mw,
		server.WithLogger(log),
		server.WithGracePeriod(cfg.SessionGracePeriod),
		server.WithVerifyRateLimit(cfg.VerifyRate, cfg.VerifyBurst),
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.HTTPAddr))
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("http.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http.shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	log.Info("http.shutdown.ok")
	return nil
}

func loadPolicies(cfg *config.Config) (*policy.Registry, error) {
	if cfg.PolicyFile == "" {
		return policy.New(policy.Defaults())
	}
	return policy.LoadFile(cfg.PolicyFile)
}

// openStores returns the storage backing presentation requests and session
// metadata, and the shared session store. Without Redis both live in
// process and the shared store is nil.
func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, sessions.Store, func(), error) {
	if cfg.RedisAddr == "" {
		mem, err := memory.New(cfg.MemoryCacheSize)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("storage.memory", slog.Int("max_items", cfg.MemoryCacheSize))
		return mem, nil, func() { _ = mem.Close() }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	store, err := redisstorage.New(redisstorage.Config{Client: client, KeyPrefix: cfg.RedisKeyPrefix + "storage:"})
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	shared, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: cfg.RedisKeyPrefix + "sessions:"})
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	log.Info("storage.redis", slog.String("addr", cfg.RedisAddr))
	return store, shared, func() { _ = client.Close() }, nil
}

func newVerifier(ctx context.Context, cfg *config.Config) (verification.Verifier, error) {
	vcfg := jwtvp.DefaultConfig()
	vcfg.TrustedIssuers = cfg.TrustedIssuers
	if cfg.IssuerJWKSFile != "" {
		raw, err := os.ReadFile(cfg.IssuerJWKSFile)
		if err != nil {
			return nil, fmt.Errorf("read issuer jwks: %w", err)
		}
		return jwtvp.NewFromJWKSJSON(vcfg, raw)
	}
	return jwtvp.NewFromJWKSURLs(ctx, vcfg, cfg.IssuerJWKSURLs)
}

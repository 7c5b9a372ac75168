// Command registryd runs the OCI distribution registry engine: it
// wires config, the Postgres+MinIO StorageAdapter, the JWT/OPA/Redis
// AuthAdapter, and the HTTP ProtocolHandler together and serves the
// /v2 surface. It is grounded on the teacher's main.go sequential
// service-construction style, generalized from its fixed SaaS service
// set to this engine's adapters, and from fmt.Printf/log.Printf to
// structured slog logging per the ambient stack (SPEC_FULL.md).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocidist/registryd/pkg/config"
	"github.com/ocidist/registryd/pkg/httpapi"
	"github.com/ocidist/registryd/pkg/regauth"
	"github.com/ocidist/registryd/pkg/registry"
	"github.com/ocidist/registryd/pkg/storage/pgminio"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("REGISTRYD_CONFIG_DIR"), logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	logger.Info("connecting to storage backend", "minio_endpoint", cfg.Storage.MinioEndpoint, "bucket", cfg.Storage.MinioBucket)
	store, err := connectStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage adapter", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var redisClient *redis.Client
	if cfg.Auth.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Auth.RedisAddr})
		logger.Info("connected to redis", "redis_addr", cfg.Auth.RedisAddr)
		store.WithOffsetCache(redisClient, cfg.Storage.OffsetCacheTTL)
	} else {
		logger.Info("no auth.redis_addr configured, token revocation and the upload-offset cache are disabled")
	}
	revocation := regauth.NewRevocationStore(redisClient, cfg.Auth.TokenIssuerTTL)

	users := regauth.NewUserStore(store.DB())
	if err := users.Migrate(ctx); err != nil {
		logger.Error("failed to migrate auth_users table", "error", err)
		os.Exit(1)
	}

	auth := regauth.New(regauth.Options{
		Realm:        cfg.Realm,
		JWTSecret:    cfg.Auth.JWTSecret,
		PolicyModule: cfg.Auth.PolicyModule,
		Revocation:   revocation,
	})
	tokenIssuer := regauth.NewTokenIssuer(users, cfg.Auth.JWTSecret, cfg.Auth.TokenIssuerTTL)

	reg := registry.New(registry.Config{
		Realm:                  cfg.Realm,
		MaxManifestSize:        cfg.MaxManifestSize,
		MaxBlobUploadChunkSize: cfg.MaxBlobUploadChunkSize,
		EnableBlobDeletion:     cfg.EnableBlobDeletion,
		EnableManifestDeletion: cfg.EnableManifestDeletion,
		RepoNamePattern:        cfg.RepoNamePattern,
	}, store, auth)

	v2Router := httpapi.NewRouter(reg, httpapi.Options{
		MaxBodySize:        cfg.MaxBodySize(),
		EnableCatalog:      cfg.EnableCatalog,
		RequireAuthForPing: cfg.RequireAuthForPing,
		Logger:             logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/v2/", v2Router)
	mux.Handle("/auth/token", tokenIssuer)

	go sweepExpiredSessions(ctx, store, logger)

	logger.Info("registryd listening", "addr", cfg.ListenAddr, "realm", cfg.Realm)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func connectStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgminio.Store, error) {
	var store *pgminio.Store
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		store, err = pgminio.New(ctx, cfg.Storage)
		if err == nil {
			return store, nil
		}
		logger.Warn("storage backend not ready, retrying", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return nil, err
}

// sweepExpiredSessions periodically clears abandoned upload sessions.
// Per spec.md §5 ("no automatic TTL in this spec; implementations may
// add one"), this engine adds the sweep as a non-normative background
// task the Open Questions decision in SPEC_FULL.md opted into.
func sweepExpiredSessions(ctx context.Context, store *pgminio.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		n, err := store.Sweep(ctx, "24 hours")
		if err != nil {
			logger.Warn("upload session sweep failed", "error", err)
			continue
		}
		if n > 0 {
			logger.Info("swept abandoned upload sessions", "count", n)
		}
	}
}

// Package config loads the registry engine's configuration surface
// (spec.md §6) using a layered koanf configuration: an optional YAML
// file overlaid by environment variables, the way the koanf-based
// sibling service in this codebase's lineage builds its Config.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultMaxManifestSize        = 4 << 20  // 4 MiB
	defaultMaxBlobUploadChunkSize = 10 << 20 // 10 MiB
	defaultRepoNamePattern        = `^[a-z0-9]+([._-][a-z0-9]+)*(/[a-z0-9]+([._-][a-z0-9]+)*)*$`
)

// StorageConfig holds the settings for the concrete StorageAdapter
// (Postgres for relational bookkeeping, MinIO for blob/manifest bytes).
type StorageConfig struct {
	PostgresDSN    string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// OffsetCacheTTL bounds how long an upload session's offset may be
	// served from Redis before falling back to Postgres. Load replaces
	// zero with a 5-minute default; entries are also invalidated on
	// commit/cancel.
	OffsetCacheTTL time.Duration
}

// AuthConfig holds the settings for the concrete AuthAdapter (JWT
// verification, OPA-evaluated authorization policy, Redis-backed
// revocation).
type AuthConfig struct {
	JWTSecret      string
	RedisAddr      string
	PolicyModule   string // Rego source; empty selects the built-in default-allow policy
	TokenIssuerTTL time.Duration
}

// Config is the Registry's full configuration surface (spec.md §6) plus
// the adapter-specific settings needed to construct a runnable engine.
type Config struct {
	Realm                  string
	MaxManifestSize        int64
	MaxBlobUploadChunkSize int64
	EnableBlobDeletion     bool
	EnableManifestDeletion bool
	RepoNamePattern        *regexp.Regexp
	EnableCatalog          bool
	RequireAuthForPing     bool
	ListenAddr             string

	Storage StorageConfig
	Auth    AuthConfig
}

// Load builds a Config from an optional YAML file at
// "<configDir>/registryd.yaml" (skipped if absent) overlaid by
// environment variables prefixed REGISTRYD_ (REGISTRYD_MAX_MANIFEST_SIZE
// -> max_manifest_size, REGISTRYD_STORAGE_POSTGRES_DSN ->
// storage.postgres_dsn, etc). configDir may be empty to skip file
// loading entirely.
func Load(configDir string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	k := koanf.New(".")

	if configDir != "" {
		path := configDir + "/registryd.yaml"
		if _, err := os.Stat(path); err == nil {
			logger.Info("loading configuration file", "path", path)
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", path, err)
			}
		} else {
			logger.Info("no configuration file found, using defaults and environment", "path", path)
		}
	}

	if err := k.Load(env.Provider("REGISTRYD_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "REGISTRYD_"))
		for _, block := range []string{"storage_", "auth_"} {
			if strings.HasPrefix(s, block) {
				return strings.TrimSuffix(block, "_") + "." + strings.TrimPrefix(s, block)
			}
		}
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	pattern := k.String("repo_name_pattern")
	if pattern == "" {
		pattern = defaultRepoNamePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("config: invalid repo_name_pattern: %w", err)
	}

	cfg := &Config{
		Realm:                  k.String("realm"),
		MaxManifestSize:        k.Int64("max_manifest_size"),
		MaxBlobUploadChunkSize: k.Int64("max_blob_upload_chunk_size"),
		EnableBlobDeletion:     k.Bool("enable_blob_deletion"),
		EnableManifestDeletion: k.Bool("enable_manifest_deletion"),
		RepoNamePattern:        re,
		EnableCatalog:          k.Exists("enable_catalog") && k.Bool("enable_catalog"),
		RequireAuthForPing:     k.Bool("require_auth_for_ping"),
		ListenAddr:             k.String("listen_addr"),
		Storage: StorageConfig{
			PostgresDSN:    k.String("storage.postgres_dsn"),
			MinioEndpoint:  k.String("storage.minio_endpoint"),
			MinioAccessKey: k.String("storage.minio_access_key"),
			MinioSecretKey: k.String("storage.minio_secret_key"),
			MinioBucket:    k.String("storage.minio_bucket"),
			MinioUseSSL:    k.Bool("storage.minio_use_ssl"),
			OffsetCacheTTL: k.Duration("storage.offset_cache_ttl"),
		},
		Auth: AuthConfig{
			JWTSecret:    k.String("auth.jwt_secret"),
			RedisAddr:    k.String("auth.redis_addr"),
			PolicyModule: k.String("auth.policy_module"),
		},
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Realm == "" {
		cfg.Realm = "registryd"
	}
	if cfg.MaxManifestSize == 0 {
		cfg.MaxManifestSize = defaultMaxManifestSize
	}
	if cfg.MaxBlobUploadChunkSize == 0 {
		cfg.MaxBlobUploadChunkSize = defaultMaxBlobUploadChunkSize
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":5000"
	}
	if cfg.Storage.MinioBucket == "" {
		cfg.Storage.MinioBucket = "registryd-data"
	}
	if cfg.Auth.TokenIssuerTTL == 0 {
		cfg.Auth.TokenIssuerTTL = time.Hour
	}
	if cfg.Storage.OffsetCacheTTL == 0 {
		cfg.Storage.OffsetCacheTTL = 5 * time.Minute
	}
}

// MaxBodySize is the bound applied to every request body read
// (spec.md §5 "bounded memory"): the larger of the two configured
// limits.
func (c *Config) MaxBodySize() int64 {
	if c.MaxManifestSize > c.MaxBlobUploadChunkSize {
		return c.MaxManifestSize
	}
	return c.MaxBlobUploadChunkSize
}

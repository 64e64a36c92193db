package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bookstore/services/book/internal/policy"
)

// ConfigPath is the default config file location.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	LogLevel      string `yaml:"logLevel"`

	// Bearer tokens are verified against the auth JWKS endpoint, or against
	// local PEM keys when no URL is configured.
	AuthJWKSURL         string `yaml:"authJwksURL"`
	JWTVerifyPublicKeys string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer           string `yaml:"jwtIssuer"`
	JWTAudience         string `yaml:"jwtAudience"`
	JWTLeeway           string `yaml:"jwtLeeway"`
	SessionTTL          string `yaml:"sessionTTL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	CoverDir       string `yaml:"coverDir"`
	CoverPublicURL string `yaml:"coverPublicURL"`
	CoverURLExpiry string `yaml:"coverURLExpiry"`
	MaxCoverBytes  int64  `yaml:"maxCoverBytes"`

	BorrowEligibility         string `yaml:"borrowEligibility"`
	ArchiveToggle             string `yaml:"archiveToggle"`
	LendingRateLimitPerMinute int    `yaml:"lendingRateLimitPerMinute"`

	CORSOrigins    string `yaml:"corsOrigins"`
	TrustedProxies string `yaml:"trustedProxies"`
}

// UsesMinio reports whether covers go to MinIO rather than local disk.
func (c FileConfig) UsesMinio() bool {
	return strings.TrimSpace(c.MinioEndpoint) != ""
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"PORT":                    &cfg.Port,
		"DATABASE_URL":            &cfg.DatabaseURL,
		"REDIS_ADDR":              &cfg.RedisAddr,
		"REDIS_PASSWORD":          &cfg.RedisPassword,
		"LOG_LEVEL":               &cfg.LogLevel,
		"AUTH_JWKS_URL":           &cfg.AuthJWKSURL,
		"JWT_VERIFY_PUBLIC_KEYS":  &cfg.JWTVerifyPublicKeys,
		"JWT_ISSUER":              &cfg.JWTIssuer,
		"JWT_AUDIENCE":            &cfg.JWTAudience,
		"JWT_LEEWAY":              &cfg.JWTLeeway,
		"AUTH_SESSION_TTL":        &cfg.SessionTTL,
		"MINIO_ENDPOINT":          &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":        &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":        &cfg.MinioSecretKey,
		"MINIO_BUCKET":            &cfg.MinioBucket,
		"BOOK_COVER_DIR":          &cfg.CoverDir,
		"BOOK_COVER_PUBLIC_URL":   &cfg.CoverPublicURL,
		"BOOK_COVER_URL_EXPIRY":   &cfg.CoverURLExpiry,
		"BOOK_BORROW_ELIGIBILITY": &cfg.BorrowEligibility,
		"BOOK_ARCHIVE_TOGGLE":     &cfg.ArchiveToggle,
		"CORS_ORIGINS":            &cfg.CORSOrigins,
		"TRUSTED_PROXIES":         &cfg.TrustedProxies,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("BOOK_LENDING_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LendingRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("BOOK_MAX_COVER_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxCoverBytes = n
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for session revocation checks")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" && strings.TrimSpace(cfg.JWTVerifyPublicKeys) == "" {
		return errors.New("config: authJwksURL or jwtVerifyPublicKeys is required (set in config.yaml)")
	}
	if cfg.UsesMinio() {
		if cfg.MinioAccessKey == "" {
			return errors.New("config: minioAccessKey is required (set in config.yaml)")
		}
		if cfg.MinioSecretKey == "" {
			return errors.New("config: minioSecretKey is required (set in config.yaml)")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required (set in config.yaml)")
		}
	} else if strings.TrimSpace(cfg.CoverDir) == "" {
		return errors.New("config: minioEndpoint or coverDir is required for cover storage")
	}
	if cfg.MaxCoverBytes < 0 {
		return errors.New("config: maxCoverBytes must be >= 0")
	}
	if cfg.LendingRateLimitPerMinute < 0 {
		return errors.New("config: lendingRateLimitPerMinute must be >= 0")
	}
	if _, err := policy.ParseEligibility(cfg.BorrowEligibility); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := policy.ParseArchiveToggle(cfg.ArchiveToggle); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for name, raw := range map[string]string{
		"jwtLeeway":      cfg.JWTLeeway,
		"sessionTTL":     cfg.SessionTTL,
		"coverURLExpiry": cfg.CoverURLExpiry,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, err := ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Policy builds the lending rules from the validated config.
func (c FileConfig) Policy() policy.Policy {
	eligibility, _ := policy.ParseEligibility(c.BorrowEligibility)
	toggle, _ := policy.ParseArchiveToggle(c.ArchiveToggle)
	return policy.Policy{Eligibility: eligibility, ArchiveToggle: toggle}
}

// ParseDuration parses an optional duration setting; empty yields 0.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", name)
	}
	return dur, nil
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range splitCSV(raw) {
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// SplitList splits a comma separated setting, dropping blanks.
func SplitList(raw string) []string {
	return splitCSV(raw)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

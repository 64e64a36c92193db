package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
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

	SessionTTL          string `yaml:"sessionTTL"`
	JWTPrivateKeyPath   string `yaml:"jwtPrivateKeyPath"`
	JWTKeyID            string `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer           string `yaml:"jwtIssuer"`
	JWTAudience         string `yaml:"jwtAudience"`
	JWTLeeway           string `yaml:"jwtLeeway"`

	ActivationURL     string `yaml:"activationURL"`
	ActivationTTL     string `yaml:"activationTTL"`
	CodeLength        int    `yaml:"codeLength"`
	EnsureDefaultRole bool   `yaml:"ensureDefaultRole"`

	// Notifier selects the activation transport: log, smtp, amqp or redis.
	Notifier     string `yaml:"notifier"`
	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	SMTPFrom     string `yaml:"smtpFrom"`
	SMTPStartTLS bool   `yaml:"smtpStartTLS"`
	AMQPURL      string `yaml:"amqpURL"`
	AMQPQueue    string `yaml:"amqpQueue"`
	NotifyStream string `yaml:"notifyStream"`

	RegisterRateLimitPerMinute int `yaml:"registerRateLimitPerMinute"`
	LoginRateLimitPerMinute    int `yaml:"loginRateLimitPerMinute"`
	ActivateRateLimitPerMinute int `yaml:"activateRateLimitPerMinute"`
	ResendRateLimitPerMinute   int `yaml:"resendRateLimitPerMinute"`

	CORSOrigins    string `yaml:"corsOrigins"`
	TrustedProxies string `yaml:"trustedProxies"`
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
	cfg.Notifier = strings.ToLower(strings.TrimSpace(cfg.Notifier))
	if cfg.Notifier == "" {
		cfg.Notifier = "log"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"PORT":                   &cfg.Port,
		"DATABASE_URL":           &cfg.DatabaseURL,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"REDIS_PASSWORD":         &cfg.RedisPassword,
		"LOG_LEVEL":              &cfg.LogLevel,
		"JWT_PRIVATE_KEY_PATH":   &cfg.JWTPrivateKeyPath,
		"JWT_KEY_ID":             &cfg.JWTKeyID,
		"JWT_VERIFY_PUBLIC_KEYS": &cfg.JWTVerifyPublicKeys,
		"JWT_ISSUER":             &cfg.JWTIssuer,
		"JWT_AUDIENCE":           &cfg.JWTAudience,
		"JWT_LEEWAY":             &cfg.JWTLeeway,
		"AUTH_SESSION_TTL":       &cfg.SessionTTL,
		"AUTH_ACTIVATION_URL":    &cfg.ActivationURL,
		"AUTH_ACTIVATION_TTL":    &cfg.ActivationTTL,
		"AUTH_NOTIFIER":          &cfg.Notifier,
		"SMTP_HOST":              &cfg.SMTPHost,
		"SMTP_USERNAME":          &cfg.SMTPUsername,
		"SMTP_PASSWORD":          &cfg.SMTPPassword,
		"SMTP_FROM":              &cfg.SMTPFrom,
		"AMQP_URL":               &cfg.AMQPURL,
		"AMQP_QUEUE":             &cfg.AMQPQueue,
		"NOTIFY_STREAM":          &cfg.NotifyStream,
		"CORS_ORIGINS":           &cfg.CORSOrigins,
		"TRUSTED_PROXIES":        &cfg.TrustedProxies,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"SMTP_PORT":                           &cfg.SMTPPort,
		"AUTH_CODE_LENGTH":                    &cfg.CodeLength,
		"AUTH_REGISTER_RATE_LIMIT_PER_MINUTE": &cfg.RegisterRateLimitPerMinute,
		"AUTH_LOGIN_RATE_LIMIT_PER_MINUTE":    &cfg.LoginRateLimitPerMinute,
		"AUTH_ACTIVATE_RATE_LIMIT_PER_MINUTE": &cfg.ActivateRateLimitPerMinute,
		"AUTH_RESEND_RATE_LIMIT_PER_MINUTE":   &cfg.ResendRateLimitPerMinute,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	if v := os.Getenv("SMTP_STARTTLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SMTPStartTLS = b
		}
	}
	if v := os.Getenv("AUTH_ENSURE_DEFAULT_ROLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnsureDefaultRole = b
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
		return errors.New("config: redisAddr is required for session revocation and rate limiting")
	}
	if cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtPrivateKeyPath is required (set JWT_PRIVATE_KEY_PATH)")
	}
	if strings.TrimSpace(cfg.ActivationURL) == "" {
		return errors.New("config: activationURL is required (set in config.yaml)")
	}
	if cfg.CodeLength < 0 || cfg.CodeLength > 12 {
		return errors.New("config: codeLength must be between 1 and 12")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Notifier)) {
	case "log", "redis":
	case "smtp":
		if cfg.SMTPHost == "" || cfg.SMTPFrom == "" {
			return errors.New("config: smtpHost and smtpFrom are required for the smtp notifier")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for the amqp notifier")
		}
	default:
		return fmt.Errorf("config: unknown notifier %q (log|smtp|amqp|redis)", cfg.Notifier)
	}
	if cfg.RegisterRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.ActivateRateLimitPerMinute < 0 || cfg.ResendRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	for name, raw := range map[string]string{
		"sessionTTL":    cfg.SessionTTL,
		"activationTTL": cfg.ActivationTTL,
		"jwtLeeway":     cfg.JWTLeeway,
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
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pairs := strings.Split(raw, ",")
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		kid := strings.TrimSpace(parts[0])
		path := strings.TrimSpace(parts[1])
		if kid == "" || path == "" {
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
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// Transport selects the inbound queue: amqp or redis.
	Transport     string `yaml:"transport"`
	AMQPURL       string `yaml:"amqpURL"`
	AMQPQueue     string `yaml:"amqpQueue"`
	Prefetch      int    `yaml:"prefetch"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	NotifyStream  string `yaml:"notifyStream"`
	MaxRetries    int    `yaml:"maxRetries"`
	Workers       int    `yaml:"workers"`

	// DryRun logs messages instead of sending them.
	DryRun       bool   `yaml:"dryRun"`
	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	SMTPFrom     string `yaml:"smtpFrom"`
	SMTPStartTLS bool   `yaml:"smtpStartTLS"`
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
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = "amqp"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"PORT":             &cfg.Port,
		"LOG_LEVEL":        &cfg.LogLevel,
		"MAILER_TRANSPORT": &cfg.Transport,
		"AMQP_URL":         &cfg.AMQPURL,
		"AMQP_QUEUE":       &cfg.AMQPQueue,
		"REDIS_ADDR":       &cfg.RedisAddr,
		"REDIS_PASSWORD":   &cfg.RedisPassword,
		"NOTIFY_STREAM":    &cfg.NotifyStream,
		"SMTP_HOST":        &cfg.SMTPHost,
		"SMTP_USERNAME":    &cfg.SMTPUsername,
		"SMTP_PASSWORD":    &cfg.SMTPPassword,
		"SMTP_FROM":        &cfg.SMTPFrom,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"SMTP_PORT":          &cfg.SMTPPort,
		"MAILER_WORKERS":     &cfg.Workers,
		"MAILER_PREFETCH":    &cfg.Prefetch,
		"MAILER_MAX_RETRIES": &cfg.MaxRetries,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	bools := map[string]*bool{
		"SMTP_STARTTLS":  &cfg.SMTPStartTLS,
		"MAILER_DRY_RUN": &cfg.DryRun,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
}

func validateConfig(cfg FileConfig) error {
	switch cfg.Transport {
	case "amqp":
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required for the amqp transport")
		}
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis transport")
		}
	default:
		return fmt.Errorf("config: unknown transport %q (amqp|redis)", cfg.Transport)
	}
	if !cfg.DryRun && (cfg.SMTPHost == "" || cfg.SMTPFrom == "") {
		return errors.New("config: smtpHost and smtpFrom are required unless dryRun is set")
	}
	if cfg.Prefetch < 0 || cfg.MaxRetries < 0 {
		return errors.New("config: prefetch and maxRetries must be >= 0")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime settings for the gateway. Every field can be set
// from a YAML file, but environment variables always win so that container
// deployments can override a baked-in config.
type Config struct {
	MongoURI            string `yaml:"mongo_uri"`
	Listen              string `yaml:"listen"`
	ServerCheckInterval int    `yaml:"server_check_interval"`

	EnforceModel     string `yaml:"enforce_model"`
	AnonymousAllowed bool   `yaml:"anonymous_allowed"`
	AnonymousModel   string `yaml:"anonymous_model"`

	DefaultEmbeddingsModel  string `yaml:"default_embeddings_model"`
	DefaultCompletionsModel string `yaml:"default_completions_model"`
	DefaultChatModel        string `yaml:"default_chat_model"`

	UserRegistrationEnabled bool `yaml:"user_registration_enabled"`

	JWTSecretKey          string `yaml:"jwt_secret_key"`
	JWTTokenExpireMinutes int    `yaml:"jwt_token_expire_minutes"`

	SentryDSN         string `yaml:"sentry_dsn"`
	LangfuseHost      string `yaml:"langfuse_host"`
	LangfusePublicKey string `yaml:"langfuse_public_key"`
	LangfuseSecretKey string `yaml:"langfuse_secret_key"`

	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		MongoURI:                "mongodb://mongo",
		Listen:                  ":8080",
		ServerCheckInterval:     10,
		DefaultEmbeddingsModel:  "nomic-embed-text:latest",
		DefaultCompletionsModel: "deepseek-coder-v2:latest",
		DefaultChatModel:        "deepseek-coder-v2:latest",
		JWTTokenExpireMinutes:   30,
		LogLevel:                "info",
	}
}

// Load reads the optional YAML file at path (empty path skips the file) and
// applies environment variable overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("unable to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unable to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.MongoURI, "MONGO_URI")
	envString(&c.Listen, "LISTEN")
	envInt(&c.ServerCheckInterval, "SERVER_CHECK_INTERVAL")
	envString(&c.EnforceModel, "ENFORCE_MODEL")
	envBool(&c.AnonymousAllowed, "ANONYMOUS_ALLOWED")
	envString(&c.AnonymousModel, "ANONYMOUS_MODEL")
	envString(&c.DefaultEmbeddingsModel, "DEFAULT_EMBEDDINGS_MODEL")
	envString(&c.DefaultCompletionsModel, "DEFAULT_COMPLETIONS_MODEL")
	envString(&c.DefaultChatModel, "DEFAULT_CHAT_MODEL")
	envBool(&c.UserRegistrationEnabled, "USER_REGISTRATION_ENABLED")
	envString(&c.JWTSecretKey, "JWT_SECRET_KEY")
	envInt(&c.JWTTokenExpireMinutes, "JWT_TOKEN_EXPIRE_MINUTES")
	envString(&c.SentryDSN, "SENTRY_DSN")
	envString(&c.LangfuseHost, "LANGFUSE_HOST")
	envString(&c.LangfusePublicKey, "LANGFUSE_PUBLIC_KEY")
	envString(&c.LangfuseSecretKey, "LANGFUSE_SECRET_KEY")
	envString(&c.LogLevel, "LOG_LEVEL")
}

func (c *Config) validate() error {
	if c.ServerCheckInterval <= 0 {
		return fmt.Errorf("server_check_interval must be positive, got %d", c.ServerCheckInterval)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warning", "warn", "error", "critical":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}

	return nil
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

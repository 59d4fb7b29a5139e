package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const envPrefix = "TASKOWNER_"

type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Storage       StorageConfig       `yaml:"storage" envPrefix:"STORAGE_"`
	Log           LogConfig           `yaml:"log" envPrefix:"LOG_"`
	LLM           LLMConfig           `yaml:"llm" envPrefix:"LLM_"`
	Orchestration OrchestrationConfig `yaml:"orchestration" envPrefix:"ORCHESTRATION_"`
	Kafka         KafkaConfig         `yaml:"kafka" envPrefix:"KAFKA_"`
	API           APIConfig           `yaml:"api" envPrefix:"API_"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"PORT"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

type LLMConfig struct {
	BaseURL     string `yaml:"base_url" env:"BASE_URL"`
	Model       string `yaml:"model" env:"MODEL"`
	APIKey      string `yaml:"-" env:"API_KEY"`
	MaxAttempts int    `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

type OrchestrationConfig struct {
	ClaimTimeout           time.Duration `yaml:"claim_timeout" env:"CLAIM_TIMEOUT"`
	ConfidenceThreshold    float64       `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	FollowUpPollInterval   time.Duration `yaml:"followup_poll_interval" env:"FOLLOWUP_POLL_INTERVAL"`
	CompletionPollInterval time.Duration `yaml:"completion_poll_interval" env:"COMPLETION_POLL_INTERVAL"`
	ContextTTL             time.Duration `yaml:"context_ttl" env:"CONTEXT_TTL"`
	Conversational         bool          `yaml:"conversational" env:"CONVERSATIONAL"`
	DefaultDueDays         int           `yaml:"default_due_days" env:"DEFAULT_DUE_DAYS"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"TOPIC"`
}

type APIConfig struct {
	Token string `yaml:"-" env:"TOKEN"`
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxAttempts: 3,
		},
		Orchestration: OrchestrationConfig{
			ClaimTimeout:           24 * time.Hour,
			ConfidenceThreshold:    0.7,
			FollowUpPollInterval:   time.Minute,
			CompletionPollInterval: 5 * time.Minute,
			ContextTTL:             48 * time.Hour,
			Conversational:         true,
			DefaultDueDays:         14,
		},
		Kafka: KafkaConfig{Topic: "taskowner.task-events"},
	}
}

// Load reads configuration from the YAML config file, TASKOWNER_* environment
// variables and the local secret store, in increasing order of precedence for
// everything except secrets (env first, then secret store).
//
// The config file lives at $XDG_CONFIG_HOME/taskowner/config.yaml.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretFile{})
}

// secretReader abstracts the secret store for testing.
type secretReader interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := b.Decode(&cfg); err != nil {
		return Config{}, err
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(secretService, s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if t := c.Orchestration.ConfidenceThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("orchestration.confidence_threshold %v not in (0,1]", t))
	}
	if c.Orchestration.ClaimTimeout <= 0 {
		errs = append(errs, errors.New("orchestration.claim_timeout must be positive"))
	}
	if c.LLM.MaxAttempts < 1 {
		errs = append(errs, errors.New("llm.max_attempts must be at least 1"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// RequireServeSecrets reports the secrets the server cannot start without.
func (c Config) RequireServeSecrets() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: LLM API key. "+
			"Set it via environment variable %sLLM_API_KEY or `taskowner config set llm.api_key <key>`", envPrefix)
	}
	if c.API.Token == "" {
		return fmt.Errorf("missing required config: API token. "+
			"Set it via environment variable %sAPI_TOKEN or `taskowner config set api.token <token>`", envPrefix)
	}
	return nil
}

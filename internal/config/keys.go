package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// env returns the environment variable that overrides the key.
func (s keySpec) env() string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "llm.base_url", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.api_key", typ: kString, secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.max_attempts", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxAttempts },
	},
	{
		key: "orchestration.claim_timeout", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Orchestration.ClaimTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Orchestration.ClaimTimeout },
	},
	{
		key: "orchestration.confidence_threshold", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Orchestration.ConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Orchestration.ConfidenceThreshold },
	},
	{
		key: "orchestration.followup_poll_interval", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Orchestration.FollowUpPollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Orchestration.FollowUpPollInterval },
	},
	{
		key: "orchestration.completion_poll_interval", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Orchestration.CompletionPollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Orchestration.CompletionPollInterval },
	},
	{
		key: "orchestration.context_ttl", typ: kDuration,
		apply:   func(cfg *Config, v any) { cfg.Orchestration.ContextTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Orchestration.ContextTTL },
	},
	{
		key: "orchestration.conversational", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Orchestration.Conversational = v.(bool) },
		extract: func(cfg Config) any { return cfg.Orchestration.Conversational },
	},
	{
		key: "orchestration.default_due_days", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Orchestration.DefaultDueDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestration.DefaultDueDays },
	},
	{
		key: "kafka.brokers", typ: kList,
		apply:   func(cfg *Config, v any) { cfg.Kafka.Brokers = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Kafka.Brokers, ",") },
	},
	{
		key: "kafka.topic", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Kafka.Topic = v.(string) },
		extract: func(cfg Config) any { return cfg.Kafka.Topic },
	},
	{
		key: "api.token", typ: kString, secret: true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw CLI value into the Go type the key stores.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bool value for %s: %w", s.key, err)
		}
		return b, nil
	case kFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float value for %s: %w", s.key, err)
		}
		return f, nil
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration value for %s: %w", s.key, err)
		}
		return d, nil
	case kList:
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

// fileValue is the representation written to the YAML file.
func (s keySpec) fileValue(v any) any {
	if d, ok := v.(time.Duration); ok {
		return d.String()
	}
	return v
}

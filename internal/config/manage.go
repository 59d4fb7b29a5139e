package config

import (
	"fmt"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll returns all config key/value pairs from the current config.
// Secret values are masked.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		info := KeyInfo{Key: s.key, EnvVar: s.env(), Secret: s.secret}
		switch {
		case s.secret && s.extract(cfg) != "":
			info.Value = "********"
		case s.secret:
			info.Value = "(unset)"
		default:
			info.Value = fmt.Sprintf("%v", s.extract(cfg))
		}
		result = append(result, info)
	}
	return result
}

// SetKey persists a config key. Secrets go to the local secret store, all
// other keys to the config file.
func SetKey(key, value string) error {
	return setKeyWith(newFileBackend(configFilePath()), WriteSecret, key, value)
}

func setKeyWith(b ConfigBackend, writeSecret func(service, account, value string) error, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return writeSecret(secretService, key, value)
	}

	v, err := s.parse(value)
	if err != nil {
		return err
	}
	candidate := defaults()
	s.apply(&candidate, v)
	if err := candidate.validate(); err != nil {
		return fmt.Errorf("rejecting %s=%q: %w", key, value, err)
	}
	return b.Set(key, s.fileValue(v))
}

// ValidKeys returns the list of all config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}

// IsSecret reports whether key is stored in the secret store rather than the
// config file.
func IsSecret(key string) bool {
	s, ok := lookupSpec(key)
	return ok && s.secret
}

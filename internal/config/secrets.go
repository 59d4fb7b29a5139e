package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// secretService is the service name the process's own secrets live under.
const secretService = "taskowner"

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// secretSet maps service to account to value. It is persisted as a 0600
// JSON file under the default data directory.
type secretSet map[string]map[string]string

func loadSecrets(path string) (secretSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set := secretSet{}
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return set, nil
}

func (set secretSet) lookup(service, account string) (string, error) {
	accounts, ok := set[service]
	if !ok {
		return "", fmt.Errorf("no secrets stored for %q", service)
	}
	v, ok := accounts[account]
	if !ok {
		return "", fmt.Errorf("secret %s/%s not stored", service, account)
	}
	return v, nil
}

// save writes the set through a temporary file so a crash never leaves a
// truncated secrets file behind.
func (set secretSet) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// secretFile adapts the secrets file to the loader's secret source.
type secretFile struct{}

func (secretFile) Get(service, account string) (string, error) {
	return ReadSecret(service, account)
}

// ReadSecret returns the secret stored under service/account.
func ReadSecret(service, account string) (string, error) {
	set, err := loadSecrets(secretsFilePath())
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	return set.lookup(service, account)
}

// WriteSecret stores value under service/account. A missing or unreadable
// file starts a fresh set.
func WriteSecret(service, account, value string) error {
	path := secretsFilePath()
	set, _ := loadSecrets(path)
	if set == nil {
		set = secretSet{}
	}
	if set[service] == nil {
		set[service] = map[string]string{}
	}
	set[service][account] = value
	return set.save(path)
}

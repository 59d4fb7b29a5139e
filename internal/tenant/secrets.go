package tenant

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/config"
	"github.com/kalambet/taskowner/internal/sheet"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tracker"
)

// ErrEmptySecretRef is returned when a required credential reference is blank.
var ErrEmptySecretRef = errors.New("empty secret reference")

// SecretResolver turns an opaque credential reference into a usable value.
//
// Supported references:
//
//	env:NAME                 environment variable NAME
//	file:/path/to/secret     file contents, trimmed
//	keychain:service/account local secret store
type SecretResolver struct {
	Getenv   func(string) string
	ReadFile func(string) ([]byte, error)
	Keychain func(service, account string) (string, error)
}

// DefaultResolver resolves against the process environment, the filesystem
// and the local secret store.
func DefaultResolver() SecretResolver {
	return SecretResolver{
		Getenv:   os.Getenv,
		ReadFile: os.ReadFile,
		Keychain: config.ReadSecret,
	}
}

// Resolve returns the secret behind ref.
func (r SecretResolver) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrEmptySecretRef
	}
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", fmt.Errorf("secret reference %q has no scheme (env:, file:, keychain:)", ref)
	}

	var val string
	switch scheme {
	case "env":
		val = r.Getenv(rest)
		if val == "" {
			return "", fmt.Errorf("environment variable %s is not set", rest)
		}
	case "file":
		data, err := r.ReadFile(rest)
		if err != nil {
			return "", fmt.Errorf("reading secret file: %w", err)
		}
		val = strings.TrimSpace(string(data))
	case "keychain":
		service, account, ok := strings.Cut(rest, "/")
		if !ok {
			return "", fmt.Errorf("keychain reference %q must be service/account", rest)
		}
		v, err := r.Keychain(service, account)
		if err != nil {
			return "", err
		}
		val = v
	default:
		return "", fmt.Errorf("unsupported secret scheme %q", scheme)
	}
	if val == "" {
		return "", fmt.Errorf("secret %s resolved to an empty value", ref)
	}
	return val, nil
}

// NewClientFactory builds the production REST clients of a tenant,
// resolving each credential reference with resolver.
func NewClientFactory(resolver SecretResolver) ClientFactory {
	return func(t storage.Tenant) (Clients, error) {
		chatToken, err := resolver.Resolve(t.ChatTokenRef)
		if err != nil {
			return Clients{}, fmt.Errorf("chat token: %w", err)
		}
		signing, err := resolver.Resolve(t.ChatSigningSecretRef)
		if err != nil {
			return Clients{}, fmt.Errorf("chat signing secret: %w", err)
		}
		trackerToken, err := resolver.Resolve(t.TrackerTokenRef)
		if err != nil {
			return Clients{}, fmt.Errorf("tracker token: %w", err)
		}
		sheetKey, err := resolver.Resolve(t.SheetTokenRef)
		if err != nil {
			return Clients{}, fmt.Errorf("sheet key: %w", err)
		}
		return Clients{
			Tracker:           tracker.New(trackerToken),
			Chat:              chat.New(chatToken),
			Sheet:             sheet.New(sheetKey, t.SheetID, t.SheetRange),
			ChatSigningSecret: signing,
		}, nil
	}
}

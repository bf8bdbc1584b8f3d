// Package vault stores upstream API keys in the OS keychain and resolves
// the key references declared on providers.
package vault

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zalando/go-keyring"
)

// ServiceName is the keychain service keys are stored under.
const ServiceName = "llmrelay"

// EnvPrefix is prepended to the upper-cased key name for the environment
// fallback, e.g. LLMRELAY_KEY_OPENAI.
const EnvPrefix = "LLMRELAY_KEY_"

// Resolved keys are cached briefly so the request path does not hit the
// keychain on every attempt.
const (
	cacheSize = 128
	cacheTTL  = 5 * time.Minute
)

// Vault provides secure API key storage using the OS keychain,
// with fallback to environment variables.
type Vault struct {
	cache *expirable.LRU[string, string]
}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{cache: expirable.NewLRU[string, string](cacheSize, nil, cacheTTL)}
}

// Set stores an API key under name in the OS keychain.
func (v *Vault) Set(name, key string) error {
	if name == "" {
		return fmt.Errorf("key name must not be empty")
	}
	v.cache.Purge()
	return keyring.Set(ServiceName, name, key)
}

// Get retrieves the API key stored under name. It first checks the OS
// keychain, then falls back to the environment variable
// LLMRELAY_KEY_{UPPER(name)} with dashes mapped to underscores.
func (v *Vault) Get(name string) (string, error) {
	secret, err := keyring.Get(ServiceName, name)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := EnvVar(name)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for %q: not in keychain and %s not set", name, envKey)
}

// Delete removes the API key stored under name from the OS keychain.
func (v *Vault) Delete(name string) error {
	v.cache.Purge()
	return keyring.Delete(ServiceName, name)
}

// List returns which of names currently have a key, in the keychain or the
// environment.
func (v *Vault) List(names []string) ([]string, error) {
	var found []string
	for _, name := range names {
		secret, err := keyring.Get(ServiceName, name)
		if err == nil && secret != "" {
			found = append(found, name)
			continue
		}
		if os.Getenv(EnvVar(name)) != "" {
			found = append(found, name)
		}
	}
	return found, nil
}

// Purge drops every cached key, forcing the next lookup to read the source.
func (v *Vault) Purge() {
	v.cache.Purge()
}

// EnvVar is the environment fallback variable for a key name.
func EnvVar(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// ResolveKeyRef parses a key reference and retrieves the corresponding API key.
// Supported formats:
//   - "keyring://llmrelay/<name>" (OS keychain, env fallback)
//   - "env://VARIABLE_NAME" or "env:VARIABLE_NAME"
//   - "file:///path/to/key" (plain-text file)
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	if key, ok := v.cache.Get(keyRef); ok {
		return key, nil
	}
	key, err := v.resolve(keyRef)
	if err != nil {
		return "", err
	}
	v.cache.Add(keyRef, key)
	return key, nil
}

func (v *Vault) resolve(keyRef string) (string, error) {
	switch {
	case strings.HasPrefix(keyRef, "keyring://"):
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != ServiceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://%s/<name>\")", keyRef, ServiceName)
		}
		return v.Get(parts[1])

	case strings.HasPrefix(keyRef, "env:"):
		envVar := strings.TrimPrefix(strings.TrimPrefix(keyRef, "env:"), "//")
		if envVar == "" {
			return "", fmt.Errorf("invalid key reference format: %q (missing variable name)", keyRef)
		}
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)

	case strings.HasPrefix(keyRef, "file://"):
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://%s/<name>\", \"env://VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef, ServiceName)
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name MailOS secrets live under in the OS
// keyring (Secret Service, Keychain or Credential Manager).
const KeyringService = "mailos"

// SecretFields are the checker fields that can come from the keyring.
var SecretFields = []string{"password", "api_key", "aws_access_key", "aws_secret_key"}

// SecretStore looks up a checker secret. A missing secret is ("", nil).
type SecretStore interface {
	Get(checkerID, field string) (string, error)
}

// KeyringStore reads secrets from the OS keyring.
type KeyringStore struct{}

// Get implements SecretStore.
func (KeyringStore) Get(checkerID, field string) (string, error) {
	v, err := keyring.Get(KeyringService, SecretKey(checkerID, field))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SecretKey is the keyring account name of a checker field.
func SecretKey(checkerID, field string) string {
	return checkerID + "/" + field
}

// StoreSecret saves a checker secret in the OS keyring.
func StoreSecret(checkerID, field, value string) error {
	if !slices.Contains(SecretFields, field) {
		return fmt.Errorf("unknown secret field %q (known: %s)", field, strings.Join(SecretFields, ", "))
	}
	return keyring.Set(KeyringService, SecretKey(checkerID, field), value)
}

// DeleteSecret removes a checker secret from the OS keyring.
func DeleteSecret(checkerID, field string) error {
	err := keyring.Delete(KeyringService, SecretKey(checkerID, field))
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("no %s stored for checker %s", field, checkerID)
	}
	return err
}

// vendorEnv lists the conventional variables each vendor's SDKs read.
var vendorEnv = map[string]map[string]string{
	"openai":    {"api_key": "OPENAI_API_KEY"},
	"anthropic": {"api_key": "ANTHROPIC_API_KEY"},
	"bedrock-anthropic": {
		"aws_access_key": "AWS_ACCESS_KEY_ID",
		"aws_secret_key": "AWS_SECRET_ACCESS_KEY",
	},
}

// ResolveSecrets fills empty secret fields of every checker. Order: the
// config value, the keyring, MAILOS_<ID>_<FIELD>, then the vendor's
// conventional variable. The gateway token falls back to
// MAILOS_GATEWAY_TOKEN.
func ResolveSecrets(cfg *Config, store SecretStore) {
	for i := range cfg.Checkers {
		ch := &cfg.Checkers[i]
		for _, field := range SecretFields {
			ptr := secretField(ch, field)
			if *ptr != "" && !isEnvReference(*ptr) {
				continue
			}
			*ptr = lookupSecret(store, ch, field)
		}
	}
	if cfg.Gateway.AuthToken == "" || isEnvReference(cfg.Gateway.AuthToken) {
		cfg.Gateway.AuthToken = os.Getenv("MAILOS_GATEWAY_TOKEN")
	}
}

func lookupSecret(store SecretStore, ch *CheckerConfig, field string) string {
	if store != nil {
		v, err := store.Get(ch.ID, field)
		if err != nil {
			slog.Debug("keyring unavailable", "checker", ch.ID, "field", field, "error", err)
		} else if v != "" {
			return v
		}
	}
	if v := os.Getenv("MAILOS_" + envID(ch.ID) + "_" + strings.ToUpper(field)); v != "" {
		return v
	}
	if name, ok := vendorEnv[ch.Vendor][field]; ok {
		return os.Getenv(name)
	}
	return ""
}

func secretField(ch *CheckerConfig, field string) *string {
	switch field {
	case "password":
		return &ch.Password
	case "api_key":
		return &ch.VendorConfig.APIKey
	case "aws_access_key":
		return &ch.VendorConfig.AWSAccessKey
	case "aws_secret_key":
		return &ch.VendorConfig.AWSSecretKey
	}
	panic("config: unknown secret field " + field)
}

// envID turns a checker id into an environment variable fragment.
func envID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, id)
}

func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${")
}

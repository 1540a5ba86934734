// Package secret defines the secret provider consumed by triggers and
// pipeline functions, plus the insecure configuration-backed provider
// used when no external secret store is available.
package secret

import (
	"strings"

	"github.com/edgewire/appfn/errkind"
)

// Well-known secret data keys.
const (
	UsernameKey   = "username"
	PasswordKey   = "password"
	ClientCertKey = "clientcert"
	ClientKeyKey  = "clientkey"
	CACertKey     = "cacert"
)

// Provider supplies credentials by secret name. Implementations must be
// safe for concurrent use.
type Provider interface {
	// GetSecret returns the data for the named secret. When keys are
	// given, only those keys are returned and every key must be present.
	GetSecret(secretName string, keys ...string) (map[string]string, error)
	// StoreSecret stores data under the named secret, replacing any
	// existing keys of the same names.
	StoreSecret(secretName string, data map[string]string) error
	// ListSecretNames returns the names of all stored secrets.
	ListSecretNames() ([]string, error)
}

func missingKeysError(secretName string, missing []string) error {
	return errkind.Newf(errkind.KindEntityDoesNotExist,
		"secret %q is missing keys: %s", secretName, strings.Join(missing, ", "))
}

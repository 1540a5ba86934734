package secret

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/errkind"
)

// InsecureProvider keeps secrets in memory, seeded from the
// Writable.InsecureSecrets configuration section. Secrets stored at
// runtime are not persisted.
type InsecureProvider struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
	logger  *slog.Logger
}

// NewInsecureProvider builds a provider seeded from configuration.
func NewInsecureProvider(cfg *config.ServiceConfig, logger *slog.Logger) *InsecureProvider {
	p := &InsecureProvider{
		secrets: make(map[string]map[string]string),
		logger:  logger,
	}
	for _, s := range cfg.Writable.InsecureSecrets {
		if s.SecretName == "" {
			continue
		}
		data := make(map[string]string, len(s.SecretData))
		for k, v := range s.SecretData {
			data[k] = v
		}
		p.secrets[s.SecretName] = data
	}
	return p
}

// GetSecret implements Provider.
func (p *InsecureProvider) GetSecret(secretName string, keys ...string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data, ok := p.secrets[secretName]
	if !ok {
		return nil, errkind.Newf(errkind.KindEntityDoesNotExist, "secret %q not found", secretName)
	}

	if len(keys) == 0 {
		all := make(map[string]string, len(data))
		for k, v := range data {
			all[k] = v
		}
		return all, nil
	}

	result := make(map[string]string, len(keys))
	var missing []string
	for _, key := range keys {
		value, ok := data[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		result[key] = value
	}
	if len(missing) > 0 {
		return nil, missingKeysError(secretName, missing)
	}
	return result, nil
}

// StoreSecret implements Provider.
func (p *InsecureProvider) StoreSecret(secretName string, data map[string]string) error {
	if secretName == "" {
		return errkind.New(errkind.KindContractInvalid, "secret name is empty")
	}
	if len(data) == 0 {
		return errkind.New(errkind.KindContractInvalid, "secret data is empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.secrets[secretName]
	if !ok {
		existing = make(map[string]string, len(data))
		p.secrets[secretName] = existing
	}
	for k, v := range data {
		existing[k] = v
	}

	p.logger.Info("Stored secret", slog.String("name", secretName))
	return nil
}

// ListSecretNames implements Provider.
func (p *InsecureProvider) ListSecretNames() ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.secrets))
	for name := range p.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

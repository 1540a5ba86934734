// Package container names the services held in the dependency container
// and provides typed accessors for them.
package container

import (
	"io"
	"log/slog"

	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/di"
	"github.com/edgewire/appfn/messaging"
	"github.com/edgewire/appfn/metrics"
	"github.com/edgewire/appfn/secret"
)

// Service names used as container keys.
var (
	LoggerName          = di.TypeInstanceToName((*slog.Logger)(nil))
	ConfigurationName   = di.TypeInstanceToName((*config.ServiceConfig)(nil))
	SecretProviderName  = di.TypeInstanceToName((*secret.Provider)(nil))
	MessagingClientName = di.TypeInstanceToName((*messaging.Client)(nil))
	MetricsManagerName  = di.TypeInstanceToName((*metrics.Manager)(nil))
)

// LoggerFrom returns the logger, or a discard logger when absent so
// callers can log unconditionally.
func LoggerFrom(get di.Get) *slog.Logger {
	if lc, ok := get(LoggerName).(*slog.Logger); ok {
		return lc
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ConfigurationFrom returns the service configuration, or nil.
func ConfigurationFrom(get di.Get) *config.ServiceConfig {
	cfg, _ := get(ConfigurationName).(*config.ServiceConfig)
	return cfg
}

// SecretProviderFrom returns the secret provider, or nil.
func SecretProviderFrom(get di.Get) secret.Provider {
	sp, _ := get(SecretProviderName).(secret.Provider)
	return sp
}

// MessagingClientFrom returns the message bus client, or nil when the
// service runs without a bus connection.
func MessagingClientFrom(get di.Get) messaging.Client {
	mc, _ := get(MessagingClientName).(messaging.Client)
	return mc
}

// MetricsManagerFrom returns the metrics manager, or nil.
func MetricsManagerFrom(get di.Get) *metrics.Manager {
	mm, _ := get(MetricsManagerName).(*metrics.Manager)
	return mm
}

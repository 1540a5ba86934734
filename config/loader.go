package config

import (
	"errors"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Common config file (when -cc/--commonConfig is given)
// 3. Service config file (-cd/-cf/-p resolve the path)
// 4. Environment variable overrides (WRITABLE_LOGLEVEL, SERVICE_PORT, ...)
func (l *Loader) Load(flags *Flags) (*ServiceConfig, error) {
	config := DefaultConfig()

	if url := flags.ConfigProviderURL(); url != "" {
		l.logger.Warn("No configuration provider client is wired in; falling back to the local file",
			slog.String("url", url))
	}

	if common := flags.CommonConfig(); common != "" {
		if err := config.MergeFile(common); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded common config", slog.String("path", common))
	}

	path := flags.ConfigFilePath()
	if err := config.MergeFile(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		l.logger.Warn("No configuration file found, using defaults", slog.String("path", path))
	} else {
		l.logger.Debug("Loaded config", slog.String("path", path))
	}

	l.applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides walks the configuration and overrides every field
// whose flattened yaml path is present in the environment, e.g.
// WRITABLE_LOGLEVEL, SERVICE_PORT, or TRIGGER_EXTERNALMQTT_AUTHMODE.
// Each override is logged; values under secret-related names are
// redacted.
func (l *Loader) applyEnvOverrides(config *ServiceConfig) {
	l.walkOverrides(reflect.ValueOf(config).Elem(), "")
}

func (l *Loader) walkOverrides(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !value.CanSet() {
			continue
		}

		name := field.Tag.Get("yaml")
		if name == "" {
			name = field.Name
		}
		path := strings.ToUpper(name)
		if prefix != "" {
			path = prefix + "_" + path
		}

		if value.Kind() == reflect.Struct {
			l.walkOverrides(value, path)
			continue
		}

		env, ok := os.LookupEnv(path)
		if !ok {
			continue
		}

		switch value.Kind() {
		case reflect.String:
			value.SetString(env)
		case reflect.Bool:
			parsed, err := strconv.ParseBool(env)
			if err != nil {
				l.logger.Warn("Ignoring non-boolean environment override",
					slog.String("name", path), slog.String("value", env))
				continue
			}
			value.SetBool(parsed)
		case reflect.Int, reflect.Int64:
			parsed, err := strconv.ParseInt(env, 10, 64)
			if err != nil {
				l.logger.Warn("Ignoring non-integer environment override",
					slog.String("name", path), slog.String("value", env))
				continue
			}
			value.SetInt(parsed)
		case reflect.Uint8:
			parsed, err := strconv.ParseUint(env, 10, 8)
			if err != nil {
				l.logger.Warn("Ignoring non-integer environment override",
					slog.String("name", path), slog.String("value", env))
				continue
			}
			value.SetUint(parsed)
		default:
			continue
		}

		logged := env
		if strings.Contains(path, "SECRET") {
			logged = "<redacted>"
		}
		l.logger.Info("Applied environment override",
			slog.String("name", path), slog.String("value", logged))
	}
}

// LogLevel converts a configured level name to a slog level, defaulting
// to info for unknown names.
func LogLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

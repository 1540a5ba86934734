package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults for flag-controlled locations.
const (
	DefaultConfigDir  = "./res"
	DefaultConfigFile = "configuration.yaml"
)

// Environment variables overriding the corresponding flags. Environment
// wins over the command line.
const (
	EnvConfigDir           = "APPFN_CONFIG_DIR"
	EnvConfigFile          = "APPFN_CONFIG_FILE"
	EnvProfile             = "APPFN_PROFILE"
	EnvConfigProvider      = "APPFN_CONFIG_PROVIDER"
	EnvCommonConfig        = "APPFN_COMMON_CONFIG"
	EnvUseRegistry         = "APPFN_USE_REGISTRY"
	EnvServiceKey          = "APPFN_SERVICE_KEY"
	EnvRemoteServiceHosts  = "APPFN_REMOTE_SERVICE_HOSTS"
	EnvStartupDuration     = "APPFN_STARTUP_DURATION"
	EnvStartupInterval     = "APPFN_STARTUP_INTERVAL"
	EnvSecuritySecretStore = "APPFN_SECURITY_SECRET_STORE"
)

// Startup timer defaults, in seconds.
const (
	defaultStartupDuration = 60
	defaultStartupInterval = 1
)

// Flags holds the command-line options common to every application
// service. Every option has a short and a long form, e.g. -cd and
// -configDir name the same value.
type Flags struct {
	fs                 *flag.FlagSet
	configDir          string
	configFile         string
	configProvider     string
	commonConfig       string
	profile            string
	useRegistry        bool
	overwrite          bool
	skipVersionCheck   bool
	serviceKey         string
	dev                bool
	remoteServiceHosts string
}

// NewFlags creates the flag set. Call Parse before reading any value.
func NewFlags() *Flags {
	f := &Flags{fs: flag.NewFlagSet("app-service", flag.ContinueOnError)}

	f.stringVar(&f.configDir, "cd", "configDir", "", "directory holding the configuration file")
	f.stringVar(&f.configFile, "cf", "configFile", DefaultConfigFile, "name of the configuration file")
	f.stringVar(&f.configProvider, "cp", "configProvider", "", "URL of the configuration provider")
	f.stringVar(&f.commonConfig, "cc", "commonConfig", "", "location of the common configuration file")
	f.stringVar(&f.profile, "p", "profile", "", "profile subdirectory of the configuration directory")
	f.boolVar(&f.useRegistry, "r", "registry", false, "register this service with the registry")
	f.boolVar(&f.overwrite, "o", "overwrite", false, "overwrite configuration in the provider with the local file")
	f.boolVar(&f.skipVersionCheck, "s", "skipVersionCheck", false, "skip the core version compatibility check")
	f.stringVar(&f.serviceKey, "sk", "serviceKey", "", "override the service key; <name> is replaced with the default key")
	f.boolVar(&f.dev, "d", "dev", false, "run in developer mode")
	f.stringVar(&f.remoteServiceHosts, "rsh", "remoteServiceHosts", "", "local,remote,bind host names for remote execution")

	return f
}

func (f *Flags) stringVar(p *string, short, long, value, usage string) {
	f.fs.StringVar(p, short, value, usage)
	f.fs.StringVar(p, long, value, usage)
}

func (f *Flags) boolVar(p *bool, short, long string, value bool, usage string) {
	f.fs.BoolVar(p, short, value, usage)
	f.fs.BoolVar(p, long, value, usage)
}

// Parse parses the arguments and applies environment overrides.
func (f *Flags) Parse(args []string) error {
	if err := f.fs.Parse(args); err != nil {
		return err
	}

	overrideString(EnvConfigDir, &f.configDir)
	overrideString(EnvConfigFile, &f.configFile)
	overrideString(EnvProfile, &f.profile)
	overrideString(EnvConfigProvider, &f.configProvider)
	overrideString(EnvCommonConfig, &f.commonConfig)
	overrideString(EnvServiceKey, &f.serviceKey)
	overrideString(EnvRemoteServiceHosts, &f.remoteServiceHosts)
	overrideBool(EnvUseRegistry, &f.useRegistry)

	return nil
}

func overrideString(name string, target *string) {
	if v, ok := os.LookupEnv(name); ok {
		*target = v
	}
}

func overrideBool(name string, target *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

// ConfigDirectory returns the configuration directory, defaulting when
// unset.
func (f *Flags) ConfigDirectory() string {
	if f.configDir == "" {
		return DefaultConfigDir
	}
	return f.configDir
}

// ConfigFileName returns the configuration file name.
func (f *Flags) ConfigFileName() string { return f.configFile }

// ConfigProviderURL returns the configuration provider URL, empty when
// the local file is used.
func (f *Flags) ConfigProviderURL() string { return f.configProvider }

// CommonConfig returns the common configuration location, empty when
// none was given.
func (f *Flags) CommonConfig() string { return f.commonConfig }

// Profile returns the profile name.
func (f *Flags) Profile() string { return f.profile }

// UseRegistry reports whether registry registration was requested.
func (f *Flags) UseRegistry() bool { return f.useRegistry }

// Overwrite reports whether provider configuration should be overwritten.
func (f *Flags) Overwrite() bool { return f.overwrite }

// SkipVersionCheck reports whether the version compatibility check is
// disabled.
func (f *Flags) SkipVersionCheck() bool { return f.skipVersionCheck }

// ServiceKey returns the service-key override, empty when none was given.
func (f *Flags) ServiceKey() string { return f.serviceKey }

// Dev reports whether developer mode was requested.
func (f *Flags) Dev() bool { return f.dev }

// RemoteServiceHosts returns the three comma-separated remote host names,
// or nil when unset.
func (f *Flags) RemoteServiceHosts() []string {
	if f.remoteServiceHosts == "" {
		return nil
	}
	return strings.Split(f.remoteServiceHosts, ",")
}

// ConfigFilePath resolves the configuration file path from directory,
// optional profile, and file name.
func (f *Flags) ConfigFilePath() string {
	if f.profile != "" {
		return filepath.Join(f.ConfigDirectory(), f.profile, f.configFile)
	}
	return filepath.Join(f.ConfigDirectory(), f.configFile)
}

// StartupDuration returns how long service bring-up may retry, from the
// environment or the default.
func StartupDuration() time.Duration {
	return envSeconds(EnvStartupDuration, defaultStartupDuration)
}

// StartupInterval returns the pause between bring-up retries, from the
// environment or the default.
func StartupInterval() time.Duration {
	return envSeconds(EnvStartupInterval, defaultStartupInterval)
}

func envSeconds(name string, fallback int) time.Duration {
	if v, ok := os.LookupEnv(name); ok {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return time.Duration(fallback) * time.Second
}

// SecuritySecretStoreEnabled reports whether an external secret store is
// expected. The built-in provider is insecure and used when this is
// false or unset.
func SecuritySecretStoreEnabled() bool {
	v, ok := os.LookupEnv(EnvSecuritySecretStore)
	if !ok {
		return false
	}
	parsed, err := strconv.ParseBool(v)
	return err == nil && parsed
}

// Usage prints flag usage to stderr.
func (f *Flags) Usage() {
	fmt.Fprintln(os.Stderr, "application service options:")
	f.fs.PrintDefaults()
}

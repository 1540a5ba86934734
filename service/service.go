// Package service assembles a complete application service: command
// line and configuration processing, logging, the dependency container,
// the pipeline runtime, the selected trigger, store-and-forward, and
// the administrative web server, with coordinated shutdown across all
// of them.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/container"
	"github.com/edgewire/appfn/di"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/messaging"
	"github.com/edgewire/appfn/metrics"
	"github.com/edgewire/appfn/pipeline"
	"github.com/edgewire/appfn/runtime"
	"github.com/edgewire/appfn/secret"
	"github.com/edgewire/appfn/store"
	"github.com/edgewire/appfn/storeforward"
	"github.com/edgewire/appfn/transforms"
	"github.com/edgewire/appfn/trigger"
	httptrigger "github.com/edgewire/appfn/trigger/http"
	"github.com/edgewire/appfn/trigger/messagebus"
	"github.com/edgewire/appfn/trigger/mqtt"
	"github.com/edgewire/appfn/webserver"
)

// serviceKeyNameToken in a -sk/-serviceKey override is replaced with the
// service's default key, so one override can derive per-instance keys.
const serviceKeyNameToken = "<name>"

// TriggerFactory builds a user-supplied trigger. Factories registered
// through RegisterCustomTriggerFactory are selected by Trigger.Type when
// it names none of the built-in types.
type TriggerFactory func(binding trigger.ServiceBinding, processor *trigger.MessageProcessor) (trigger.Trigger, error)

// RegistryClient is the service-discovery surface consumed when the
// registry flag is set. Concrete clients are supplied by the host
// application through RegisterRegistryClient.
type RegistryClient interface {
	Register() error
	Unregister() error
}

// Service owns one application service instance end to end.
type Service struct {
	serviceKey string
	version    string

	flags  *config.Flags
	cfg    *config.ServiceConfig
	logger *slog.Logger
	// logLevel lets the configurable-pipeline reloader adjust verbosity
	// without rebuilding the handler.
	logLevel *slog.LevelVar
	dic      *di.Container

	metricsMgr     *metrics.Manager
	rt             *runtime.FunctionsPipelineRuntime
	webServer      *webserver.Server
	processor      *trigger.MessageProcessor
	functions      *transforms.Registry
	secretProvider secret.Provider
	msgClient      messaging.Client
	registryClient RegistryClient

	customTriggers map[string]TriggerFactory

	storeClient store.Client
	engine      *storeforward.Engine

	// loadMu guards the configurable-pipeline state below, shared by
	// Initialize and the config-watcher goroutine.
	loadMu sync.Mutex
	// configuredPipelines tracks pipeline ids created from the Writable
	// pipeline section so a reload can drop the ones the file no longer
	// defines without touching code-registered pipelines.
	configuredPipelines map[string]bool
	defaultFromConfig   bool

	appCtx    context.Context
	appCancel context.CancelFunc
	sfCtx     context.Context
	sfCancel  context.CancelFunc
	appWg     sync.WaitGroup
	sfWg      sync.WaitGroup

	deferredMu sync.Mutex
	deferreds  []trigger.Deferred

	stopOnce sync.Once
	stopCh   chan struct{}

	initialized bool
}

// New creates an uninitialized service. serviceKey identifies the
// service on the bus, in metrics, and as the store-and-forward owner
// key; version is reported by the version endpoint.
func New(serviceKey, version string) *Service {
	appCtx, appCancel := context.WithCancel(context.Background())
	sfCtx, sfCancel := context.WithCancel(context.Background())

	return &Service{
		serviceKey:          serviceKey,
		version:             version,
		logLevel:            new(slog.LevelVar),
		customTriggers:      make(map[string]TriggerFactory),
		configuredPipelines: make(map[string]bool),
		appCtx:              appCtx,
		appCancel:           appCancel,
		sfCtx:               sfCtx,
		sfCancel:            sfCancel,
		stopCh:              make(chan struct{}),
	}
}

// Initialize processes flags and configuration, builds the logger, the
// dependency container, the runtime, the web server, and the message
// processor, and loads any pipelines defined in configuration. args is
// the command line without the program name.
func (s *Service) Initialize(args []string) error {
	if s.serviceKey == "" {
		return errkind.New(errkind.KindContractInvalid, "service key is required")
	}

	flags := config.NewFlags()
	if err := flags.Parse(args); err != nil {
		return errkind.Wrap(errkind.KindContractInvalid, "failed to parse command line", err)
	}
	s.flags = flags

	if override := flags.ServiceKey(); override != "" {
		s.serviceKey = strings.ReplaceAll(override, serviceKeyNameToken, s.serviceKey)
	}

	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: s.logLevel}))
	cfg, err := config.NewLoader(bootstrap).Load(flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	s.cfg = cfg

	s.logLevel.Set(config.LogLevel(cfg.Writable.LogLevel))
	s.logger = bootstrap.With(slog.String("service", s.serviceKey))

	if flags.Dev() {
		cfg.MessageBus.Embedded = true
		s.logger.Info("Developer mode: using an embedded message bus")
	}
	if hosts := flags.RemoteServiceHosts(); hosts != nil {
		if len(hosts) != 3 {
			return errkind.Newf(errkind.KindContractInvalid,
				"remote service hosts must be three comma-separated names (local,remote,bind), got %d", len(hosts))
		}
		cfg.Service.Host = hosts[2]
		s.logger.Info("Remote execution configured",
			slog.String("local", hosts[0]),
			slog.String("remote", hosts[1]),
			slog.String("bind", hosts[2]))
	}
	if flags.SkipVersionCheck() {
		s.logger.Debug("Core version compatibility check skipped")
	}
	if flags.Overwrite() {
		s.logger.Warn("Overwrite flag set but no configuration provider is wired in; ignoring")
	}

	if config.SecuritySecretStoreEnabled() {
		s.logger.Warn("External secret store requested but no provider is wired in; using the insecure provider")
	}
	s.secretProvider = secret.NewInsecureProvider(cfg, s.logger)

	s.metricsMgr = metrics.NewManager()

	target, err := runtime.TargetFromName(cfg.Writable.Pipeline.TargetType)
	if err != nil {
		return err
	}
	s.rt = runtime.New(s.serviceKey, target, s.metricsMgr, s.logger)

	s.msgClient = messaging.NewNATSClient(cfg.MessageBus, s.logger)
	if strings.EqualFold(cfg.Trigger.Type, config.TriggerTypeMessageBus) {
		if err := s.connectMessageBus(); err != nil {
			return err
		}
	}

	s.dic = di.NewContainer(di.ServiceConstructorMap{
		container.LoggerName:          func(di.Get) any { return s.logger },
		container.ConfigurationName:   func(di.Get) any { return s.cfg },
		container.SecretProviderName:  func(di.Get) any { return s.secretProvider },
		container.MessagingClientName: func(di.Get) any { return s.msgClient },
		container.MetricsManagerName:  func(di.Get) any { return s.metricsMgr },
	})

	s.webServer = webserver.New(cfg, s.logger, s.secretProvider, s.metricsMgr, s.serviceKey, s.version)
	s.processor = trigger.NewMessageProcessor(s, s.metricsMgr)
	s.functions = transforms.NewRegistry()

	if err := s.loadConfigurablePipelines(cfg.Writable.Pipeline); err != nil {
		return err
	}

	if flags.UseRegistry() {
		if s.registryClient == nil {
			s.logger.Warn("Registry requested but no registry client is registered")
		} else {
			if err := s.registryClient.Register(); err != nil {
				return fmt.Errorf("failed to register with the registry: %w", err)
			}
			s.addDeferred(func() {
				if err := s.registryClient.Unregister(); err != nil {
					s.logger.Error("failed to unregister from the registry", slog.Any("error", err))
				}
			})
			s.logger.Info("Registered with the registry")
		}
	}

	s.initialized = true
	s.logger.Info("Service initialized", slog.String("version", s.version))
	return nil
}

// connectMessageBus dials the bus, retrying within the startup window so
// the service survives a broker that comes up a little later.
func (s *Service) connectMessageBus() error {
	deadline := time.Now().Add(config.StartupDuration())
	interval := config.StartupInterval()

	for {
		err := s.msgClient.Connect()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("message bus not available within the startup window: %w", err)
		}
		s.logger.Warn("Message bus connect failed, retrying",
			slog.Any("error", err), slog.Duration("retryIn", interval))
		select {
		case <-s.stopCh:
			return errkind.New(errkind.KindServiceUnavailable, "service stopped while connecting to the message bus")
		case <-time.After(interval):
		}
	}
}

// AddFunctionsPipelineForTopics registers a pipeline for the given topic
// patterns. Ids must be unique across the service.
func (s *Service) AddFunctionsPipelineForTopics(id string, topics []string, fns ...pipeline.Transform) error {
	return s.rt.AddPipeline(id, topics, fns...)
}

// SetDefaultFunctionsPipeline creates or replaces the default pipeline,
// which matches every topic.
func (s *Service) SetDefaultFunctionsPipeline(fns ...pipeline.Transform) error {
	s.loadMu.Lock()
	s.defaultFromConfig = false
	s.loadMu.Unlock()
	return s.rt.SetDefaultPipeline(fns...)
}

// RemoveAllFunctionPipelines drops every registered pipeline.
func (s *Service) RemoveAllFunctionPipelines() {
	s.loadMu.Lock()
	s.configuredPipelines = make(map[string]bool)
	s.defaultFromConfig = false
	s.loadMu.Unlock()
	s.rt.RemoveAllPipelines()
}

// AddCustomRoute exposes a user handler on the web server. Reserved
// administrative paths are rejected.
func (s *Service) AddCustomRoute(route string, handler http.HandlerFunc, methods ...string) error {
	return s.webServer.AddRoute(route, handler, methods...)
}

// RegisterCustomTriggerFactory makes a trigger type selectable through
// Trigger.Type. Built-in type names cannot be taken.
func (s *Service) RegisterCustomTriggerFactory(name string, factory TriggerFactory) error {
	if factory == nil {
		return errkind.New(errkind.KindContractInvalid, "trigger factory is nil")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return errkind.New(errkind.KindContractInvalid, "trigger type name is empty")
	}
	switch key {
	case config.TriggerTypeMessageBus, config.TriggerTypeMQTT, config.TriggerTypeHTTP:
		return errkind.Newf(errkind.KindNotAllowed, "trigger type %s is built in", name)
	}
	if _, exists := s.customTriggers[key]; exists {
		return errkind.Newf(errkind.KindDuplicateName, "trigger type %s is already registered", name)
	}
	s.customTriggers[key] = factory
	return nil
}

// RegisterPipelineFunction adds a factory for a configurable pipeline
// function, making it available to ExecutionOrder entries.
func (s *Service) RegisterPipelineFunction(name string, factory transforms.Factory) error {
	return s.functions.Register(name, factory)
}

// RegisterRegistryClient supplies the registry client consumed when the
// registry flag is set. Must be called before Initialize.
func (s *Service) RegisterRegistryClient(client RegistryClient) {
	s.registryClient = client
}

// ApplicationSettings returns the free-form settings section for user
// pipeline code, nil when the section is absent.
func (s *Service) ApplicationSettings() map[string]string {
	return s.cfg.ApplicationSettings
}

// ServiceKey returns the resolved service key.
func (s *Service) ServiceKey() string { return s.serviceKey }

// Runtime exposes the pipeline runtime for advanced wiring such as
// custom decode targets.
func (s *Service) Runtime() *runtime.FunctionsPipelineRuntime { return s.rt }

// Run selects and initializes the configured trigger, brings up
// store-and-forward when enabled, starts the web server, and blocks
// until SIGINT, SIGTERM, or Stop. Shutdown stops the retry loop first,
// then the triggers and web server, then runs teardowns newest-first.
func (s *Service) Run() error {
	if !s.initialized {
		return errkind.New(errkind.KindServerError, "service has not been initialized")
	}

	trig, err := s.buildTrigger()
	if err != nil {
		return err
	}
	deferred, err := trig.Initialize(s.appCtx, &s.appWg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s trigger: %w", s.cfg.Trigger.Type, err)
	}
	if deferred != nil {
		s.addDeferred(deferred)
	}

	if s.cfg.Writable.StoreAndForward.Enabled {
		if err := s.startStoreForward(); err != nil {
			return err
		}
	}

	if s.cfg.Writable.Pipeline.WatchFile {
		if err := s.watchPipelineConfig(); err != nil {
			return err
		}
	}

	serveErr := make(chan error, 1)
	s.appWg.Add(1)
	go func() {
		defer s.appWg.Done()
		serveErr <- s.webServer.Serve(s.appCtx)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	s.logger.Info(s.cfg.Service.StartupMsg,
		slog.String("version", s.version),
		slog.String("trigger", s.cfg.Trigger.Type))

	var runErr error
	select {
	case sig := <-signals:
		s.logger.Info("Shutdown signal received", slog.String("signal", sig.String()))
	case <-s.stopCh:
		s.logger.Info("Stop requested")
	case err := <-serveErr:
		// Serve only returns before shutdown when the listener failed.
		if err != nil {
			s.logger.Error("Web server failed", slog.Any("error", err))
			runErr = err
		}
		serveErr = nil
	}

	s.shutdown(serveErr)
	return runErr
}

// Stop ends Run programmatically. Safe to call more than once and from
// pipeline functions.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// buildTrigger maps Trigger.Type to one of the built-in triggers or a
// registered custom factory.
func (s *Service) buildTrigger() (trigger.Trigger, error) {
	triggerType := strings.ToLower(strings.TrimSpace(s.cfg.Trigger.Type))
	switch triggerType {
	case config.TriggerTypeMessageBus:
		return messagebus.NewTrigger(s, s.processor), nil
	case config.TriggerTypeMQTT:
		return mqtt.NewTrigger(s, s.processor), nil
	case config.TriggerTypeHTTP:
		return httptrigger.NewTrigger(s, s.processor, s.webServer), nil
	}

	if factory, ok := s.customTriggers[triggerType]; ok {
		return factory(s, s.processor)
	}
	return nil, errkind.Newf(errkind.KindContractInvalid, "unknown trigger type %q", s.cfg.Trigger.Type)
}

// startStoreForward opens the configured store backend and starts the
// retry loop on the store-and-forward wait group.
func (s *Service) startStoreForward() error {
	client, err := newStoreClient(s.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open the store and forward database: %w", err)
	}
	s.storeClient = client
	s.addDeferred(func() {
		if err := client.Disconnect(); err != nil {
			s.logger.Error("failed to disconnect the store client", slog.Any("error", err))
		}
	})

	s.engine = storeforward.New(s.rt, client, s.dic, s.cfg, s.serviceKey, s.logger, s.metricsMgr)
	s.rt.SetStoreForward(s.engine)
	s.engine.Run(s.sfCtx, &s.sfWg)

	s.logger.Info("Store and forward enabled",
		slog.String("database", s.cfg.Database.Type),
		slog.Int("maxRetryCount", s.cfg.Writable.StoreAndForward.MaxRetryCount))
	return nil
}

// shutdown stops the retry loop before the triggers so no new replay
// work is scheduled while transports drain, then runs the deferred
// teardowns newest-first.
func (s *Service) shutdown(serveErr chan error) {
	s.sfCancel()
	s.sfWg.Wait()

	s.appCancel()
	s.appWg.Wait()
	if serveErr != nil {
		if err := <-serveErr; err != nil {
			s.logger.Error("Web server shutdown failed", slog.Any("error", err))
		}
	}

	s.deferredMu.Lock()
	deferreds := s.deferreds
	s.deferreds = nil
	s.deferredMu.Unlock()
	for i := len(deferreds) - 1; i >= 0; i-- {
		deferreds[i]()
	}

	s.logger.Info("Service stopped")
}

func (s *Service) addDeferred(d trigger.Deferred) {
	s.deferredMu.Lock()
	defer s.deferredMu.Unlock()
	s.deferreds = append(s.deferreds, d)
}

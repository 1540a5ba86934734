// Package webserver hosts the administrative REST surface every
// application service exposes: ping, config, version, secret seeding,
// metrics exposition, the trigger route, and user-registered custom
// routes. Reserved paths cannot be shadowed by custom routes.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/dtos"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/metrics"
	"github.com/edgewire/appfn/secret"
)

// Administrative routes. AddRoute rejects all of them.
const (
	ApiPingRoute    = "/api/v3/ping"
	ApiConfigRoute  = "/api/v3/config"
	ApiVersionRoute = "/api/v3/version"
	ApiSecretRoute  = "/api/v3/secret"
	ApiTriggerRoute = "/api/v3/trigger"
	MetricsRoute    = "/metrics"
)

const shutdownGrace = 5 * time.Second

var reservedRoutes = map[string]bool{
	ApiPingRoute:    true,
	ApiConfigRoute:  true,
	ApiVersionRoute: true,
	ApiSecretRoute:  true,
	ApiTriggerRoute: true,
	MetricsRoute:    true,
}

// Server is the service's HTTP listener.
type Server struct {
	cfg        *config.ServiceConfig
	logger     *slog.Logger
	provider   secret.Provider
	router     chi.Router
	serviceKey string
	version    string

	mu      sync.Mutex
	httpSrv *http.Server
}

// New builds the server and its admin routes. The metrics manager's
// registry is exposed at /metrics.
func New(cfg *config.ServiceConfig, logger *slog.Logger, provider secret.Provider, mgr *metrics.Manager, serviceKey, version string) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		provider:   provider,
		serviceKey: serviceKey,
		version:    version,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if d, err := time.ParseDuration(cfg.Service.RequestTimeout); err == nil && d > 0 {
		r.Use(middleware.Timeout(d))
	}
	if cfg.Service.MaxRequestSize > 0 {
		r.Use(requestSizeLimit(cfg.Service.MaxRequestSize))
	}

	r.Get(ApiPingRoute, s.handlePing)
	r.Get(ApiConfigRoute, s.handleConfig)
	r.Get(ApiVersionRoute, s.handleVersion)
	r.Post(ApiSecretRoute, s.handleSecret)
	if mgr != nil {
		r.Method(http.MethodGet, MetricsRoute, mgr.HTTPHandler())
	}

	s.router = r
	return s
}

// ServeHTTP delegates to the router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// AddRoute registers a custom route for the given methods. Reserved
// administrative paths are rejected.
func (s *Server) AddRoute(route string, handler http.HandlerFunc, methods ...string) error {
	if reservedRoutes[route] {
		return errkind.Newf(errkind.KindNotAllowed, "route %s is reserved", route)
	}
	if len(methods) == 0 {
		return errkind.New(errkind.KindContractInvalid, "at least one HTTP method is required")
	}

	for _, method := range methods {
		s.router.MethodFunc(method, route, handler)
	}
	s.logger.Debug("added custom route", slog.String("route", route))
	return nil
}

// SetupTriggerRoute binds the trigger handler to its reserved path.
func (s *Server) SetupTriggerRoute(handler http.HandlerFunc) {
	s.router.Post(ApiTriggerRoute, handler)
}

// Serve runs the listener until ctx is done, then drains in-flight
// requests. Clean shutdown returns nil.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Service.Host, s.cfg.Service.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info("Web server listening", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errkind.Wrap(errkind.KindServerError, "web server failed", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errkind.Wrap(errkind.KindServerError, "web server shutdown failed", err)
		}
		return nil
	}
}

type baseResponse struct {
	ApiVersion string `json:"apiVersion"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
}

type pingResponse struct {
	ApiVersion  string `json:"apiVersion"`
	Timestamp   string `json:"timestamp"`
	ServiceName string `json:"serviceName"`
}

type configResponse struct {
	ApiVersion  string                `json:"apiVersion"`
	ServiceName string                `json:"serviceName"`
	Config      *config.ServiceConfig `json:"config"`
}

type versionResponse struct {
	ApiVersion  string `json:"apiVersion"`
	Version     string `json:"version"`
	ServiceName string `json:"serviceName"`
}

type secretRequest struct {
	ApiVersion string            `json:"apiVersion"`
	SecretName string            `json:"secretName"`
	SecretData map[string]string `json:"secretData"`
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pingResponse{
		ApiVersion:  dtos.ApiVersion,
		Timestamp:   time.Now().Format(time.UnixDate),
		ServiceName: s.serviceKey,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		ApiVersion:  dtos.ApiVersion,
		ServiceName: s.serviceKey,
		Config:      redactSecrets(s.cfg),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{
		ApiVersion:  dtos.ApiVersion,
		Version:     s.version,
		ServiceName: s.serviceKey,
	})
}

func (s *Server) handleSecret(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	if s.provider == nil {
		writeError(w, errkind.New(errkind.KindServerError, "no secret provider is configured"))
		return
	}

	var req secretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.Wrap(errkind.KindContractInvalid, "failed to decode secret request", err))
		return
	}
	if req.SecretName == "" || len(req.SecretData) == 0 {
		writeError(w, errkind.New(errkind.KindContractInvalid, "secretName and secretData are required"))
		return
	}

	if err := s.provider.StoreSecret(req.SecretName, req.SecretData); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, baseResponse{
		ApiVersion: dtos.ApiVersion,
		StatusCode: http.StatusCreated,
	})
}

// redactSecrets copies the configuration with insecure secret values
// masked so the config endpoint never leaks credentials.
func redactSecrets(cfg *config.ServiceConfig) *config.ServiceConfig {
	if len(cfg.Writable.InsecureSecrets) == 0 {
		return cfg
	}

	clone := *cfg
	redacted := make(map[string]config.InsecureSecret, len(cfg.Writable.InsecureSecrets))
	for name, s := range cfg.Writable.InsecureSecrets {
		data := make(map[string]string, len(s.SecretData))
		for k := range s.SecretData {
			data[k] = "<redacted>"
		}
		redacted[name] = config.InsecureSecret{SecretName: s.SecretName, SecretData: data}
	}
	clone.Writable.InsecureSecrets = redacted
	return &clone
}

func requestSizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				writeError(w, errkind.Newf(errkind.KindLimitExceeded,
					"request size %d exceeds the %d byte limit", r.ContentLength, limit))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := errkind.HTTPStatus(err)
	writeJSON(w, status, baseResponse{
		ApiVersion: dtos.ApiVersion,
		StatusCode: status,
		Message:    err.Error(),
	})
}

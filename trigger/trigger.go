// Package trigger defines the contract between transports and the
// pipeline runtime: the Trigger lifecycle, the service binding triggers
// consume instead of touching the runtime directly, and the message
// processor that fans one envelope out to every matching pipeline.
package trigger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/messaging"
	"github.com/edgewire/appfn/pipeline"
	"github.com/edgewire/appfn/runtime"
	"github.com/edgewire/appfn/secret"
)

// Deferred is a teardown closure a trigger hands back from Initialize.
// The service invokes all deferred teardowns in LIFO order on shutdown.
type Deferred func()

// Trigger adapts one transport into runtime invocations. Initialize
// must register every background worker with wg and stop them all when
// ctx is done.
type Trigger interface {
	Initialize(ctx context.Context, wg *sync.WaitGroup) (Deferred, error)
}

// ResponseHandler lets a trigger emit a per-transport reply after a
// pipeline completes successfully.
type ResponseHandler func(appCtx *appcontext.Context, p *pipeline.FunctionPipeline) error

// ServiceBinding is the narrow service surface triggers consume.
type ServiceBinding interface {
	// DecodeMessage decodes the envelope into the runtime's target.
	DecodeMessage(appCtx *appcontext.Context, envelope message.Envelope) (any, *runtime.MessageError)
	// ProcessMessage runs one pipeline against decoded data.
	ProcessMessage(appCtx *appcontext.Context, data any, p *pipeline.FunctionPipeline) *runtime.MessageError
	// GetMatchingPipelines returns the pipelines matching the topic.
	GetMatchingPipelines(topic string) []*pipeline.FunctionPipeline
	// GetDefaultPipeline returns the default pipeline.
	GetDefaultPipeline() *pipeline.FunctionPipeline
	// BuildContext creates a message context from the envelope.
	BuildContext(envelope message.Envelope) *appcontext.Context
	// Config returns the service configuration.
	Config() *config.ServiceConfig
	// MessagingClient returns the bus client, nil when not configured.
	MessagingClient() messaging.Client
	// SecretProvider returns the secret provider.
	SecretProvider() secret.Provider
	// Logger returns the service logger.
	Logger() *slog.Logger
	// LoadCustomConfig fills cfg from the named configuration section.
	LoadCustomConfig(cfg any, sectionName string) error
}

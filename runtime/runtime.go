// Package runtime owns the pipeline registry and executes transform
// chains against decoded messages. It decodes each envelope into the
// configured target, matches topics in registration order, and hands
// failed exports to the store-and-forward engine.
package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"reflect"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/metrics"
	"github.com/edgewire/appfn/pipeline"
)

// MessageError is the structured failure a pipeline invocation returns.
// ErrorCode is the HTTP status a transport should surface.
type MessageError struct {
	Err       error
	ErrorCode int
}

func (e *MessageError) Error() string { return e.Err.Error() }

// RetryStore is the store-and-forward surface the runtime depends on.
// It is satisfied by the storeforward engine; keeping the interface
// here lets the engine import the runtime for retries without a cycle.
type RetryStore interface {
	// StoreForLaterRetry persists the failed function's input so the
	// retry loop can resume the pipeline at the given position.
	StoreForLaterRetry(payload []byte, ctx *appcontext.Context, p *pipeline.FunctionPipeline, position int)
	// TriggerRetry requests an immediate retry pass.
	TriggerRetry()
}

// FunctionsPipelineRuntime owns the registered pipelines and runs them.
type FunctionsPipelineRuntime struct {
	ServiceKey string

	logger *slog.Logger
	target Target

	mu        sync.RWMutex
	pipelines map[string]*pipeline.FunctionPipeline
	order     []string

	storeForward RetryStore

	processedVec  *prometheus.CounterVec
	errorsVec     *prometheus.CounterVec
	processingVec *prometheus.HistogramVec
}

// New creates a runtime for the service. The three per-pipeline metric
// families are registered once with the manager; individual pipelines
// get label-bound handles when added.
func New(serviceKey string, target Target, mgr *metrics.Manager, logger *slog.Logger) *FunctionsPipelineRuntime {
	r := &FunctionsPipelineRuntime{
		ServiceKey: serviceKey,
		logger:     logger,
		target:     target,
		pipelines:  make(map[string]*pipeline.FunctionPipeline),
	}

	r.processedVec = metrics.NewCounterVec(metrics.PipelineMessagesProcessed,
		"Messages dispatched to the pipeline.", metrics.PipelineIDLabel)
	r.errorsVec = metrics.NewCounterVec(metrics.PipelineProcessingErrors,
		"Pipeline executions that ended in error.", metrics.PipelineIDLabel)
	r.processingVec = metrics.NewHistogramVec(metrics.PipelineProcessingTime,
		"Wall time of one pipeline execution.", metrics.PipelineIDLabel)

	if mgr != nil {
		if c, err := mgr.Register(metrics.PipelineMessagesProcessed, r.processedVec); err == nil {
			r.processedVec = c.(*prometheus.CounterVec)
		} else {
			logger.Warn("failed to register pipeline processed metric", slog.Any("error", err))
		}
		if c, err := mgr.Register(metrics.PipelineProcessingErrors, r.errorsVec); err == nil {
			r.errorsVec = c.(*prometheus.CounterVec)
		} else {
			logger.Warn("failed to register pipeline errors metric", slog.Any("error", err))
		}
		if c, err := mgr.Register(metrics.PipelineProcessingTime, r.processingVec); err == nil {
			r.processingVec = c.(*prometheus.HistogramVec)
		} else {
			logger.Warn("failed to register pipeline processing time metric", slog.Any("error", err))
		}
	}

	return r
}

// SetStoreForward wires the store-and-forward engine in after both
// sides are constructed.
func (r *FunctionsPipelineRuntime) SetStoreForward(sf RetryStore) {
	r.storeForward = sf
}

// Target returns the configured decode target.
func (r *FunctionsPipelineRuntime) Target() Target { return r.target }

// SetTarget replaces the decode target. Called by the configurable
// pipeline loader before any pipelines are added.
func (r *FunctionsPipelineRuntime) SetTarget(t Target) { r.target = t }

// attachMetrics binds the pipeline's metric handles from the shared
// families. Failures are logged and leave the handle nil; execution
// tolerates nil handles.
func (r *FunctionsPipelineRuntime) attachMetrics(p *pipeline.FunctionPipeline) {
	var err error
	if p.MessagesProcessed, err = r.processedVec.GetMetricWithLabelValues(p.ID); err != nil {
		r.logger.Warn("failed to bind processed counter", slog.String("pipeline", p.ID), slog.Any("error", err))
	}
	if p.ProcessingErrors, err = r.errorsVec.GetMetricWithLabelValues(p.ID); err != nil {
		r.logger.Warn("failed to bind error counter", slog.String("pipeline", p.ID), slog.Any("error", err))
	}
	if p.MessageProcessingTime, err = r.processingVec.GetMetricWithLabelValues(p.ID); err != nil {
		r.logger.Warn("failed to bind processing timer", slog.String("pipeline", p.ID), slog.Any("error", err))
	}
}

// AddPipeline registers a pipeline for the given topics. Adding an id
// that already exists is a conflict.
func (r *FunctionsPipelineRuntime) AddPipeline(id string, topics []string, transforms ...pipeline.Transform) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pipelines[id]; exists {
		return errkind.Newf(errkind.KindStatusConflict, "pipeline %q already exists", id)
	}

	p, err := pipeline.New(id, topics, transforms...)
	if err != nil {
		return err
	}
	r.attachMetrics(p)
	r.pipelines[id] = p
	r.order = append(r.order, id)
	return nil
}

// SetDefaultPipeline creates the default pipeline or atomically
// replaces its transforms, recomputing the hash.
func (r *FunctionsPipelineRuntime) SetDefaultPipeline(transforms ...pipeline.Transform) error {
	if len(transforms) == 0 {
		return errkind.New(errkind.KindContractInvalid, "no transform functions provided")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.pipelines[pipeline.DefaultID]; ok {
		existing.Transforms = transforms
		existing.Hash = pipeline.Hash(transforms)
		return nil
	}

	p, err := pipeline.NewDefault(transforms...)
	if err != nil {
		return err
	}
	r.attachMetrics(p)
	r.pipelines[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

// ReplacePipeline atomically swaps an existing pipeline's topics and
// transforms, recomputing the hash, or registers the pipeline when the
// id is new. The configurable-pipeline reloader uses this so edits to
// the pipeline config take effect without a restart.
func (r *FunctionsPipelineRuntime) ReplacePipeline(id string, topics []string, transforms ...pipeline.Transform) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.pipelines[id]; ok {
		if len(transforms) == 0 {
			return errkind.Newf(errkind.KindContractInvalid, "pipeline %q has no functions", id)
		}
		existing.Topics = topics
		existing.Transforms = transforms
		existing.Hash = pipeline.Hash(transforms)
		return nil
	}

	p, err := pipeline.New(id, topics, transforms...)
	if err != nil {
		return err
	}
	r.attachMetrics(p)
	r.pipelines[id] = p
	r.order = append(r.order, id)
	return nil
}

// RemovePipeline drops the pipeline and its metric series. It reports
// whether the id was registered.
func (r *FunctionsPipelineRuntime) RemovePipeline(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pipelines[id]; !ok {
		return false
	}
	r.dropPipelineLocked(id)
	return true
}

// RemoveAllPipelines drops every pipeline and its metric series.
func (r *FunctionsPipelineRuntime) RemoveAllPipelines() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.pipelines {
		r.processedVec.DeleteLabelValues(id)
		r.errorsVec.DeleteLabelValues(id)
		r.processingVec.DeleteLabelValues(id)
	}
	r.pipelines = make(map[string]*pipeline.FunctionPipeline)
	r.order = nil
}

// dropPipelineLocked removes one pipeline and its metric series. The
// caller must hold the write lock.
func (r *FunctionsPipelineRuntime) dropPipelineLocked(id string) {
	r.processedVec.DeleteLabelValues(id)
	r.errorsVec.DeleteLabelValues(id)
	r.processingVec.DeleteLabelValues(id)
	delete(r.pipelines, id)
	for i, ordered := range r.order {
		if ordered == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// GetMatchingPipelines returns the pipelines whose topic patterns match
// the inbound topic, in registration order.
func (r *FunctionsPipelineRuntime) GetMatchingPipelines(topic string) []*pipeline.FunctionPipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*pipeline.FunctionPipeline
	for _, id := range r.order {
		p := r.pipelines[id]
		if message.MatchesAny(p.Topics, topic) {
			matches = append(matches, p)
		}
	}
	return matches
}

// GetDefaultPipeline returns the default pipeline, or an empty
// placeholder when none is registered so callers can invoke it as a
// no-op.
func (r *FunctionsPipelineRuntime) GetDefaultPipeline() *pipeline.FunctionPipeline {
	r.mu.RLock()
	p, ok := r.pipelines[pipeline.DefaultID]
	r.mu.RUnlock()

	if !ok {
		p = &pipeline.FunctionPipeline{ID: pipeline.DefaultID, Topics: []string{"#"}}
		r.attachMetrics(p)
	}
	return p
}

// Pipeline looks up a pipeline by id.
func (r *FunctionsPipelineRuntime) Pipeline(id string) (*pipeline.FunctionPipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	return p, ok
}

// PipelineIDs returns the registered ids in registration order.
func (r *FunctionsPipelineRuntime) PipelineIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// DecodeMessage turns the envelope payload into the configured target
// value and seeds the context with the envelope metadata. On failure it
// returns a MessageError carrying HTTP 422.
func (r *FunctionsPipelineRuntime) DecodeMessage(appCtx *appcontext.Context, envelope message.Envelope) (any, *MessageError) {
	var data any

	switch r.target.kind {
	case targetRaw:
		data = envelope.Payload

	case targetEvent:
		if !isJSONContentType(envelope.ContentType) {
			err := errkind.Newf(errkind.KindContractInvalid,
				"content type %q cannot decode into an event", envelope.ContentType)
			return nil, r.decodeFailure(appCtx, envelope, err)
		}
		event, err := decodeEvent(decodeBase64IfNeeded(envelope.Payload))
		if err != nil {
			return nil, r.decodeFailure(appCtx, envelope, err)
		}
		appCtx.AddValue(appcontext.DeviceName, event.DeviceName)
		appCtx.AddValue(appcontext.ProfileName, event.ProfileName)
		appCtx.AddValue(appcontext.SourceName, event.SourceName)
		data = event

	case targetCustom:
		if !isJSONContentType(envelope.ContentType) {
			err := errkind.Newf(errkind.KindContractInvalid,
				"content type %q cannot decode into %s", envelope.ContentType, r.target.prototype)
			return nil, r.decodeFailure(appCtx, envelope, err)
		}
		fresh := reflect.New(r.target.prototype).Interface()
		if err := json.Unmarshal(envelope.Payload, fresh); err != nil {
			wrapped := errkind.Wrap(errkind.KindContractInvalid, "failed to decode payload into custom target", err)
			return nil, r.decodeFailure(appCtx, envelope, wrapped)
		}
		data = fresh

	case targetDecoder:
		decoded, err := r.target.decode(envelope.Payload, envelope.ContentType)
		if err != nil {
			wrapped := errkind.Wrap(errkind.KindContractInvalid, "custom decoder failed", err)
			return nil, r.decodeFailure(appCtx, envelope, wrapped)
		}
		data = decoded
	}

	r.seedContext(appCtx, envelope)
	return data, nil
}

func (r *FunctionsPipelineRuntime) seedContext(appCtx *appcontext.Context, envelope message.Envelope) {
	appCtx.SetCorrelationID(envelope.CorrelationID)
	appCtx.SetInputContentType(envelope.ContentType)
	appCtx.AddValue(appcontext.ReceivedTopic, envelope.ReceivedTopic)
	appCtx.AddValue(appcontext.CorrelationID, envelope.CorrelationID)
}

func (r *FunctionsPipelineRuntime) decodeFailure(appCtx *appcontext.Context, envelope message.Envelope, err error) *MessageError {
	r.logger.Error("failed to decode message",
		slog.String("topic", envelope.ReceivedTopic),
		slog.String("correlationID", appCtx.CorrelationID()),
		slog.Any("error", err))
	return &MessageError{Err: err, ErrorCode: http.StatusUnprocessableEntity}
}

// ProcessMessage runs the full pipeline against the decoded data.
func (r *FunctionsPipelineRuntime) ProcessMessage(appCtx *appcontext.Context, data any, p *pipeline.FunctionPipeline) *MessageError {
	appCtx.AddValue(appcontext.PipelineID, p.ID)
	return r.ExecutePipeline(appCtx, data, p, 0, false)
}

// ExecutePipeline runs the transforms from startPosition. Each
// function's result feeds the next; a nil result reuses the previous
// input. A function returning (false, error) short-circuits with that
// error; (false, non-error) stops cleanly. When a failing function set
// retry data and this is not already a retry, the remaining pipeline
// state is handed to the store-and-forward engine.
func (r *FunctionsPipelineRuntime) ExecutePipeline(appCtx *appcontext.Context, data any,
	p *pipeline.FunctionPipeline, startPosition int, isRetry bool) *MessageError {

	input := data
	for i := startPosition; i < len(p.Transforms); i++ {
		appCtx.SetRetryData(nil)

		continuePipeline, result := p.Transforms[i](appCtx, input)

		if !continuePipeline {
			err, failed := result.(error)
			if !failed {
				return nil
			}

			r.logger.Error("pipeline function failed",
				slog.String("pipeline", p.ID),
				slog.Int("position", i),
				slog.String("correlationID", appCtx.CorrelationID()),
				slog.Any("error", err))
			if p.ProcessingErrors != nil {
				p.ProcessingErrors.Inc()
			}

			if appCtx.RetryData() != nil && !isRetry && r.storeForward != nil {
				r.storeForward.StoreForLaterRetry(appCtx.RetryData(), appCtx, p, i)
			}

			return &MessageError{Err: err, ErrorCode: http.StatusUnprocessableEntity}
		}

		if result != nil {
			input = result
		}

		if appCtx.RetryTriggered() {
			appCtx.ClearRetryTrigger()
			if r.storeForward != nil {
				r.storeForward.TriggerRetry()
			}
		}
	}

	return nil
}

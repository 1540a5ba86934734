// Package storeforward implements the durable retry engine: pipeline
// state captured on transient failure is queued in the configured
// store, replayed on an interval or on demand, and discarded once it
// succeeds, exceeds the retry bound, or no longer matches a registered
// pipeline.
package storeforward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/di"
	"github.com/edgewire/appfn/metrics"
	"github.com/edgewire/appfn/pipeline"
	"github.com/edgewire/appfn/runtime"
	"github.com/edgewire/appfn/store"
)

// Engine is the store-and-forward engine. It satisfies the runtime's
// RetryStore so failing transforms can queue their input, and it owns
// the retry loop that replays queued objects.
type Engine struct {
	serviceKey string
	cfg        *config.ServiceConfig
	logger     *slog.Logger
	client     store.Client
	rt         *runtime.FunctionsPipelineRuntime
	dic        *di.Container

	queueSize prometheus.Gauge
	triggerCh chan bool

	mu         sync.Mutex
	inProgress bool
}

// New creates the engine and registers the queue-depth gauge.
func New(rt *runtime.FunctionsPipelineRuntime, client store.Client, dic *di.Container,
	cfg *config.ServiceConfig, serviceKey string, logger *slog.Logger, mgr *metrics.Manager) *Engine {

	e := &Engine{
		serviceKey: serviceKey,
		cfg:        cfg,
		logger:     logger,
		client:     client,
		rt:         rt,
		dic:        dic,
		queueSize:  metrics.NewGauge(metrics.StoreForwardQueueSize, "Stored objects awaiting retry."),
		triggerCh:  make(chan bool, 1),
	}

	if mgr != nil {
		if c, err := mgr.Register(metrics.StoreForwardQueueSize, e.queueSize); err == nil {
			e.queueSize = c.(prometheus.Gauge)
		} else {
			logger.Warn("failed to register queue size gauge", slog.Any("error", err))
		}
	}

	return e
}

// StoreForLaterRetry queues the failed function's input for replay.
// Called by the runtime when a transform fails with retry data set.
func (e *Engine) StoreForLaterRetry(payload []byte, appCtx *appcontext.Context, p *pipeline.FunctionPipeline, position int) {
	if !e.cfg.Writable.StoreAndForward.Enabled {
		e.logger.Error("data not stored for retry: store and forward is not enabled",
			slog.String("pipeline", p.ID),
			slog.String("correlationID", appCtx.CorrelationID()))
		return
	}

	item := store.NewStoredObject(e.serviceKey, payload, p.ID, position, p.Hash, appCtx.GetAllValues())
	item.CorrelationID = appCtx.CorrelationID()
	item.ContentType = appCtx.InputContentType()

	if _, err := e.client.Store(item); err != nil {
		e.logger.Error("failed to store data for later retry",
			slog.String("pipeline", p.ID),
			slog.Any("error", err))
		return
	}

	e.queueSize.Inc()
	e.logger.Debug("stored data for later retry",
		slog.String("pipeline", p.ID),
		slog.Int("position", position),
		slog.String("correlationID", appCtx.CorrelationID()))
}

// TriggerRetry requests an immediate retry pass. The request is
// dropped if one is already pending.
func (e *Engine) TriggerRetry() {
	select {
	case e.triggerCh <- true:
	default:
	}
}

// Run starts the retry loop on the store-and-forward wait group. The
// loop wakes on the configured interval or a TriggerRetry signal and
// stops when ctx is done.
func (e *Engine) Run(ctx context.Context, wg *sync.WaitGroup) {
	interval := e.retryInterval()
	if e.cfg.Writable.StoreAndForward.MaxRetryCount < 0 {
		e.logger.Warn("negative max retry count treated as unbounded")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		e.logger.Info("store and forward retry loop started",
			slog.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.logger.Info("store and forward retry loop stopped")
				return
			case <-ticker.C:
				e.retryStoredObjects(ctx)
			case <-e.triggerCh:
				e.retryStoredObjects(ctx)
			}
		}
	}()
}

// retryInterval returns the configured interval, warning when it was
// raised to the minimum.
func (e *Engine) retryInterval() time.Duration {
	interval, raised := e.cfg.Writable.StoreAndForward.RetryIntervalDuration()
	if raised {
		e.logger.Warn("retry interval raised to minimum",
			slog.String("configured", e.cfg.Writable.StoreAndForward.RetryInterval),
			slog.Duration("interval", interval))
	}
	return interval
}

// retryStoredObjects replays every queued object once. Concurrent
// passes are collapsed by the in-progress flag.
func (e *Engine) retryStoredObjects(ctx context.Context) {
	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		e.logger.Debug("retry already in progress, skipping")
		return
	}
	e.inProgress = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inProgress = false
		e.mu.Unlock()
	}()

	items, err := e.client.RetrieveFromStore(e.serviceKey)
	if err != nil {
		e.logger.Error("failed to load stored objects", slog.Any("error", err))
		return
	}

	e.queueSize.Set(float64(len(items)))
	if len(items) == 0 {
		e.logger.Debug("no stored objects to retry")
		return
	}

	e.logger.Debug("retrying stored objects", slog.Int("count", len(items)))

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}

		remove, update := e.processRetryObject(item)
		switch {
		case remove:
			if err := e.client.RemoveFromStore(item); err != nil {
				e.logger.Error("failed to remove stored object",
					slog.String("id", item.ID), slog.Any("error", err))
				continue
			}
			e.queueSize.Dec()
		case update != nil:
			if err := e.client.Update(*update); err != nil {
				e.logger.Error("failed to update stored object",
					slog.String("id", item.ID), slog.Any("error", err))
			}
		}
	}
}

// processRetryObject decides one object's fate: remove it (done or
// unrecoverable) or update it with a bumped retry count.
func (e *Engine) processRetryObject(item store.StoredObject) (remove bool, update *store.StoredObject) {
	p, ok := e.rt.Pipeline(item.PipelineID)
	if !ok {
		e.logger.Warn("removing stored object: pipeline no longer exists",
			slog.String("id", item.ID),
			slog.String("pipeline", item.PipelineID))
		return true, nil
	}

	if item.Version != p.Hash {
		e.logger.Warn("removing stored object: pipeline has changed since it was stored",
			slog.String("id", item.ID),
			slog.String("pipeline", item.PipelineID))
		return true, nil
	}

	appCtx := appcontext.New(item.CorrelationID, e.dic, item.ContentType)
	appCtx.SetAllValues(item.ContextData)

	msgErr := e.rt.ExecutePipeline(appCtx, item.Payload, p, item.PipelinePosition, true)
	if msgErr == nil {
		e.logger.Debug("stored object replayed successfully",
			slog.String("id", item.ID),
			slog.String("pipeline", item.PipelineID))
		return true, nil
	}

	item.RetryCount++
	maxRetries := e.cfg.Writable.StoreAndForward.MaxRetryCount
	if maxRetries > 0 && item.RetryCount >= maxRetries {
		e.logger.Warn("removing stored object: max retries exceeded",
			slog.String("id", item.ID),
			slog.Int("retries", item.RetryCount))
		return true, nil
	}

	e.logger.Debug("stored object retry failed",
		slog.String("id", item.ID),
		slog.Int("retryCount", item.RetryCount),
		slog.Any("error", msgErr.Err))
	return false, &item
}

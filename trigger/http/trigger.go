// Package http implements the HTTP trigger: one POST route whose body
// becomes the message payload and whose response carries the default
// pipeline's response data.
package http

import (
	"context"
	"io"
	"log/slog"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/trigger"
)

// TriggerRouter binds the trigger route on the service's web server,
// bypassing the reserved-path guard that applies to user routes.
type TriggerRouter interface {
	SetupTriggerRoute(handler nethttp.HandlerFunc)
}

// Trigger turns POST requests into single-pipeline invocations. Only
// the default pipeline runs; topic matching does not apply to HTTP.
type Trigger struct {
	binding   trigger.ServiceBinding
	processor *trigger.MessageProcessor
	router    TriggerRouter
}

// NewTrigger creates the HTTP trigger.
func NewTrigger(binding trigger.ServiceBinding, processor *trigger.MessageProcessor, router TriggerRouter) *Trigger {
	return &Trigger{
		binding:   binding,
		processor: processor,
		router:    router,
	}
}

// Initialize binds the trigger route. The web server owns the listener,
// so no workers or teardown are needed here.
func (t *Trigger) Initialize(_ context.Context, _ *sync.WaitGroup) (trigger.Deferred, error) {
	t.binding.Logger().Info("Initializing HTTP trigger")
	t.router.SetupTriggerRoute(t.requestHandler)
	return nil, nil
}

func (t *Trigger) requestHandler(w nethttp.ResponseWriter, r *nethttp.Request) {
	defer func() { _ = r.Body.Close() }()

	logger := t.binding.Logger()
	contentType := r.Header.Get("Content-Type")
	correlationID := r.Header.Get(message.CorrelationIDHeader)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("failed to read trigger request body", slog.Any("error", err))
		w.WriteHeader(nethttp.StatusInternalServerError)
		_, _ = w.Write([]byte(err.Error()))
		return
	}

	logger.Debug("trigger request received",
		slog.String("contentType", contentType),
		slog.String("correlationID", correlationID),
		slog.Int("bytes", len(body)))

	envelope := message.Envelope{
		CorrelationID: correlationID,
		ContentType:   contentType,
		Payload:       body,
	}

	appCtx := t.binding.BuildContext(envelope)
	defaultPipeline := t.binding.GetDefaultPipeline()

	data, msgErr := t.binding.DecodeMessage(appCtx, envelope)
	if msgErr != nil {
		t.processor.ReceivedInvalidMessage()
		w.WriteHeader(nethttp.StatusInternalServerError)
		_, _ = w.Write([]byte(msgErr.Err.Error()))
		return
	}

	w.Header().Set(message.CorrelationIDHeader, correlationID)

	if defaultPipeline.MessagesProcessed != nil {
		defaultPipeline.MessagesProcessed.Inc()
	}
	start := time.Now()
	msgErr = t.binding.ProcessMessage(appCtx, data, defaultPipeline)
	if defaultPipeline.MessageProcessingTime != nil {
		defaultPipeline.MessageProcessingTime.Observe(time.Since(start).Seconds())
	}
	if msgErr != nil {
		w.WriteHeader(msgErr.ErrorCode)
		_, _ = w.Write([]byte(msgErr.Err.Error()))
		return
	}

	if len(appCtx.ResponseData()) > 0 {
		if appCtx.ResponseContentType() != "" {
			w.Header().Set("Content-Type", appCtx.ResponseContentType())
		}
		if _, err := w.Write(appCtx.ResponseData()); err != nil {
			logger.Error("failed to write trigger response", slog.Any("error", err))
		}
	}
}

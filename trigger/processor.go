package trigger

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/metrics"
)

// MessageProcessor is the per-service orchestrator between triggers and
// pipelines: it counts received messages, decodes once, and runs every
// matching pipeline concurrently on a cloned context.
type MessageProcessor struct {
	binding ServiceBinding

	messagesReceived prometheus.Counter
	invalidMessages  prometheus.Counter
}

// NewMessageProcessor creates the processor and registers its two
// service-level counters.
func NewMessageProcessor(binding ServiceBinding, mgr *metrics.Manager) *MessageProcessor {
	p := &MessageProcessor{
		binding:          binding,
		messagesReceived: metrics.NewCounter(metrics.MessagesReceivedName, "Messages handed to the service by a trigger."),
		invalidMessages:  metrics.NewCounter(metrics.InvalidMessagesReceivedName, "Messages that failed decoding."),
	}

	if mgr != nil {
		if c, err := mgr.Register(metrics.MessagesReceivedName, p.messagesReceived); err == nil {
			p.messagesReceived = c.(prometheus.Counter)
		} else {
			binding.Logger().Warn("failed to register received counter", slog.Any("error", err))
		}
		if c, err := mgr.Register(metrics.InvalidMessagesReceivedName, p.invalidMessages); err == nil {
			p.invalidMessages = c.(prometheus.Counter)
		} else {
			binding.Logger().Warn("failed to register invalid counter", slog.Any("error", err))
		}
	}

	return p
}

// ReceivedInvalidMessage counts a message a trigger could not turn into
// a valid envelope or decode.
func (mp *MessageProcessor) ReceivedInvalidMessage() {
	mp.invalidMessages.Inc()
}

// MessageReceived resolves the pipelines matching the envelope's topic,
// decodes the payload once, and executes each pipeline concurrently on
// its own context clone. The response handler runs after each pipeline
// that completes successfully. The call returns when every pipeline is
// done, joining their errors.
func (mp *MessageProcessor) MessageReceived(appCtx *appcontext.Context, envelope message.Envelope, responseHandler ResponseHandler) error {
	mp.messagesReceived.Inc()

	logger := mp.binding.Logger()
	logger.Debug("trigger received message",
		slog.String("topic", envelope.ReceivedTopic),
		slog.String("correlationID", envelope.CorrelationID))

	pipelines := mp.binding.GetMatchingPipelines(envelope.ReceivedTopic)
	if len(pipelines) == 0 {
		logger.Debug("no pipelines match topic", slog.String("topic", envelope.ReceivedTopic))
		return nil
	}

	data, msgErr := mp.binding.DecodeMessage(appCtx, envelope)
	if msgErr != nil {
		mp.ReceivedInvalidMessage()
		return msgErr.Err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, p := range pipelines {
		p := p
		if p.MessagesProcessed != nil {
			p.MessagesProcessed.Inc()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			pipelineCtx := appCtx.Clone()
			start := time.Now()
			procErr := mp.binding.ProcessMessage(pipelineCtx, data, p)
			if p.MessageProcessingTime != nil {
				p.MessageProcessingTime.Observe(time.Since(start).Seconds())
			}

			if procErr != nil {
				mu.Lock()
				errs = append(errs, procErr.Err)
				mu.Unlock()
				return
			}

			if responseHandler != nil {
				if err := responseHandler(pipelineCtx, p); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}

	wg.Wait()
	return errors.Join(errs...)
}

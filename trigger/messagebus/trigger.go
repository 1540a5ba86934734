// Package messagebus implements the message-bus trigger: one worker
// per subscribe topic feeding the message processor, an error-queue
// worker, and an optional publish of pipeline responses.
package messagebus

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/messaging"
	"github.com/edgewire/appfn/pipeline"
	"github.com/edgewire/appfn/trigger"
)

// Trigger subscribes to the configured bus topics and runs matching
// pipelines for every delivered envelope.
type Trigger struct {
	binding   trigger.ServiceBinding
	processor *trigger.MessageProcessor

	client       messaging.Client
	topics       []messaging.TopicChannel
	publishTopic string
}

// NewTrigger creates the message-bus trigger.
func NewTrigger(binding trigger.ServiceBinding, processor *trigger.MessageProcessor) *Trigger {
	return &Trigger{
		binding:   binding,
		processor: processor,
	}
}

// Initialize connects the bus client, subscribes to every configured
// topic with a dedicated channel and worker, and starts the error-queue
// worker. The returned teardown disconnects the client.
func (t *Trigger) Initialize(ctx context.Context, wg *sync.WaitGroup) (trigger.Deferred, error) {
	cfg := t.binding.Config()
	logger := t.binding.Logger()

	t.client = t.binding.MessagingClient()
	if t.client == nil {
		return nil, errkind.New(errkind.KindServerError, "message bus client is not available")
	}
	if err := t.client.Connect(); err != nil {
		return nil, err
	}

	baseTopic := cfg.MessageBus.BaseTopicPrefix
	subscribeTopics := splitTopics(cfg.Trigger.SubscribeTopics)
	if len(subscribeTopics) == 0 {
		return nil, errkind.New(errkind.KindContractInvalid, "no subscribe topics configured")
	}

	for _, topic := range subscribeTopics {
		full := message.BuildTopic(baseTopic, topic)
		t.topics = append(t.topics, messaging.TopicChannel{
			Topic:    full,
			Messages: make(chan message.Envelope, 10),
		})
	}

	messageErrors := make(chan error, 10)
	if err := t.client.Subscribe(t.topics, messageErrors); err != nil {
		return nil, err
	}

	if cfg.Trigger.PublishTopic != "" {
		t.publishTopic = message.BuildTopic(baseTopic, cfg.Trigger.PublishTopic)
		logger.Info("Publishing pipeline responses", slog.String("topic", t.publishTopic))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-messageErrors:
				logger.Error("message bus delivered an invalid message", slog.Any("error", err))
				t.processor.ReceivedInvalidMessage()
			}
		}
	}()

	for _, tc := range t.topics {
		tc := tc
		logger.Info("Waiting for messages", slog.String("topic", tc.Topic))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-tc.Messages:
					t.handleMessage(env)
				}
			}
		}()
	}

	deferred := func() {
		logger.Info("Disconnecting from message bus")
		if err := t.client.Disconnect(); err != nil {
			logger.Error("failed to disconnect from message bus", slog.Any("error", err))
		}
	}
	return deferred, nil
}

func (t *Trigger) handleMessage(env message.Envelope) {
	logger := t.binding.Logger()

	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	logger.Debug("message received from bus",
		slog.String("topic", env.ReceivedTopic),
		slog.String("correlationID", env.CorrelationID))

	appCtx := t.binding.BuildContext(env)
	if err := t.processor.MessageReceived(appCtx, env, t.responseHandler); err != nil {
		logger.Error("failed to process message",
			slog.String("correlationID", env.CorrelationID),
			slog.Any("error", err))
	}
}

// responseHandler publishes the pipeline's response data. The publish
// topic goes through the context's placeholder substitution so
// pipelines can steer the reply. Publish failures are logged but do not
// fail the pipeline.
func (t *Trigger) responseHandler(appCtx *appcontext.Context, p *pipeline.FunctionPipeline) error {
	if t.publishTopic == "" || len(appCtx.ResponseData()) == 0 {
		return nil
	}

	logger := t.binding.Logger()

	formatted, err := appCtx.ApplyValues(t.publishTopic)
	if err != nil {
		return errkind.Wrap(errkind.KindContractInvalid, "failed to format publish topic", err)
	}

	contentType := appCtx.ResponseContentType()
	if contentType == "" {
		contentType = message.ContentTypeJSON
	}

	env := message.Envelope{
		CorrelationID: appCtx.CorrelationID(),
		ContentType:   contentType,
		Payload:       appCtx.ResponseData(),
	}
	if err := t.client.Publish(env, formatted); err != nil {
		logger.Error("failed to publish pipeline response",
			slog.String("topic", formatted),
			slog.String("pipeline", p.ID),
			slog.Any("error", err))
		return nil
	}

	logger.Debug("published pipeline response",
		slog.String("topic", formatted),
		slog.String("pipeline", p.ID),
		slog.String("correlationID", appCtx.CorrelationID()))
	return nil
}

func splitTopics(topics string) []string {
	var out []string
	for _, topic := range strings.Split(topics, ",") {
		if trimmed := strings.TrimSpace(topic); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

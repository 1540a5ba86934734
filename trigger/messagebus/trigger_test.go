package messagebus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/di"
	"github.com/edgewire/appfn/dtos"
	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/messaging"
	"github.com/edgewire/appfn/metrics"
	"github.com/edgewire/appfn/pipeline"
	"github.com/edgewire/appfn/runtime"
	"github.com/edgewire/appfn/secret"
	"github.com/edgewire/appfn/trigger"
)

type testBinding struct {
	rt     *runtime.FunctionsPipelineRuntime
	cfg    *config.ServiceConfig
	client messaging.Client
	dic    *di.Container
}

func newTestBinding(t *testing.T) *testBinding {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.MessageBus.Embedded = true
	cfg.MessageBus.BaseTopicPrefix = "edge"
	cfg.Trigger.SubscribeTopics = "events/#"
	cfg.Trigger.PublishTopic = "responses/{devicename}"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testBinding{
		rt:     runtime.New("unit-test-service", runtime.EventTarget(), metrics.NewManager(), logger),
		cfg:    cfg,
		client: messaging.NewNATSClient(cfg.MessageBus, logger),
		dic:    di.NewContainer(nil),
	}
}

func (b *testBinding) DecodeMessage(appCtx *appcontext.Context, envelope message.Envelope) (any, *runtime.MessageError) {
	return b.rt.DecodeMessage(appCtx, envelope)
}

func (b *testBinding) ProcessMessage(appCtx *appcontext.Context, data any, p *pipeline.FunctionPipeline) *runtime.MessageError {
	return b.rt.ProcessMessage(appCtx, data, p)
}

func (b *testBinding) GetMatchingPipelines(topic string) []*pipeline.FunctionPipeline {
	return b.rt.GetMatchingPipelines(topic)
}

func (b *testBinding) GetDefaultPipeline() *pipeline.FunctionPipeline {
	return b.rt.GetDefaultPipeline()
}

func (b *testBinding) BuildContext(envelope message.Envelope) *appcontext.Context {
	return appcontext.New(envelope.CorrelationID, b.dic, envelope.ContentType)
}

func (b *testBinding) Config() *config.ServiceConfig { return b.cfg }

func (b *testBinding) MessagingClient() messaging.Client { return b.client }

func (b *testBinding) SecretProvider() secret.Provider { return nil }

func (b *testBinding) Logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func (b *testBinding) LoadCustomConfig(any, string) error { return nil }

func eventPayload(t *testing.T) []byte {
	t.Helper()
	event := dtos.NewEvent("thermostat", "sensor-01", "temperature")
	require.NoError(t, event.AddSimpleReading("temperature", dtos.ValueTypeFloat64, 21.5))
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload
}

func TestInitializeRequiresMessagingClient(t *testing.T) {
	binding := newTestBinding(t)
	binding.client = nil

	tr := NewTrigger(binding, trigger.NewMessageProcessor(binding, metrics.NewManager()))
	var wg sync.WaitGroup
	_, err := tr.Initialize(context.Background(), &wg)
	require.Error(t, err)
}

func TestInitializeRequiresSubscribeTopics(t *testing.T) {
	binding := newTestBinding(t)
	binding.cfg.Trigger.SubscribeTopics = " , "

	tr := NewTrigger(binding, trigger.NewMessageProcessor(binding, metrics.NewManager()))
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := tr.Initialize(ctx, &wg)
	require.Error(t, err)
}

func TestMessageFlowsThroughPipelineAndPublishesResponse(t *testing.T) {
	binding := newTestBinding(t)

	echo := func(ctx *appcontext.Context, data any) (bool, any) {
		event := data.(dtos.Event)
		ctx.SetResponseData([]byte("processed:" + event.DeviceName))
		return true, data
	}
	require.NoError(t, binding.rt.SetDefaultPipeline(echo))

	tr := NewTrigger(binding, trigger.NewMessageProcessor(binding, metrics.NewManager()))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	deferred, err := tr.Initialize(ctx, &wg)
	require.NoError(t, err)
	require.NotNil(t, deferred)

	responses := messaging.TopicChannel{Topic: "edge/responses/#", Messages: make(chan message.Envelope, 1)}
	require.NoError(t, binding.client.Subscribe([]messaging.TopicChannel{responses}, make(chan error, 1)))

	env := message.Envelope{
		CorrelationID: "bus-test-correlation",
		ContentType:   message.ContentTypeJSON,
		Payload:       eventPayload(t),
	}
	require.NoError(t, binding.client.Publish(env, "edge/events/thermostat"))

	select {
	case got := <-responses.Messages:
		assert.Equal(t, "processed:sensor-01", string(got.Payload))
		assert.Equal(t, "bus-test-correlation", got.CorrelationID)
		assert.Equal(t, "edge/responses/sensor-01", got.ReceivedTopic)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published response")
	}

	cancel()
	wg.Wait()
	deferred()
}

func TestEmptyCorrelationIDGetsGenerated(t *testing.T) {
	binding := newTestBinding(t)
	binding.cfg.Trigger.PublishTopic = "responses"

	respond := func(ctx *appcontext.Context, data any) (bool, any) {
		ctx.SetResponseData([]byte("ok"))
		return true, data
	}
	require.NoError(t, binding.rt.SetDefaultPipeline(respond))

	tr := NewTrigger(binding, trigger.NewMessageProcessor(binding, metrics.NewManager()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	deferred, err := tr.Initialize(ctx, &wg)
	require.NoError(t, err)
	defer deferred()

	responses := messaging.TopicChannel{Topic: "edge/responses", Messages: make(chan message.Envelope, 1)}
	require.NoError(t, binding.client.Subscribe([]messaging.TopicChannel{responses}, make(chan error, 1)))

	env := message.Envelope{
		ContentType: message.ContentTypeJSON,
		Payload:     eventPayload(t),
	}
	require.NoError(t, binding.client.Publish(env, "edge/events/thermostat"))

	select {
	case got := <-responses.Messages:
		assert.NotEmpty(t, got.CorrelationID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published response")
	}
}

func TestSplitTopics(t *testing.T) {
	assert.Equal(t, []string{"a/#", "b/+/c"}, splitTopics(" a/#, b/+/c "))
	assert.Nil(t, splitTopics(""))
	assert.Nil(t, splitTopics(" , "))
}

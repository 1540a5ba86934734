package trigger

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/di"
	"github.com/edgewire/appfn/dtos"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/messaging"
	"github.com/edgewire/appfn/metrics"
	"github.com/edgewire/appfn/pipeline"
	"github.com/edgewire/appfn/runtime"
	"github.com/edgewire/appfn/secret"
)

type testBinding struct {
	rt     *runtime.FunctionsPipelineRuntime
	cfg    *config.ServiceConfig
	logger *slog.Logger
	dic    *di.Container
}

func newTestBinding(t *testing.T, target runtime.Target) *testBinding {
	t.Helper()
	cfg := config.DefaultConfig()
	return &testBinding{
		rt:     runtime.New("unit-test-service", target, metrics.NewManager(), slog.New(slog.NewTextHandler(io.Discard, nil))),
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
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

func (b *testBinding) MessagingClient() messaging.Client { return nil }

func (b *testBinding) SecretProvider() secret.Provider { return nil }

func (b *testBinding) Logger() *slog.Logger { return b.logger }

func (b *testBinding) LoadCustomConfig(any, string) error { return nil }

func eventEnvelope(t *testing.T, topic string) message.Envelope {
	t.Helper()
	event := dtos.NewEvent("thermostat", "sensor-01", "temperature")
	require.NoError(t, event.AddSimpleReading("temperature", dtos.ValueTypeFloat64, 21.5))
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return message.Envelope{
		CorrelationID: "test-correlation",
		ContentType:   message.ContentTypeJSON,
		Payload:       payload,
		ReceivedTopic: topic,
	}
}

func TestMessageReceivedNoMatchingPipelines(t *testing.T) {
	binding := newTestBinding(t, runtime.EventTarget())
	mp := NewMessageProcessor(binding, metrics.NewManager())

	env := eventEnvelope(t, "unmatched/topic")
	err := mp.MessageReceived(binding.BuildContext(env), env, nil)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(mp.messagesReceived))
}

func TestMessageReceivedRunsAllMatchingPipelines(t *testing.T) {
	binding := newTestBinding(t, runtime.EventTarget())
	mp := NewMessageProcessor(binding, metrics.NewManager())

	var ran atomic.Int32
	count := func(_ *appcontext.Context, data any) (bool, any) {
		ran.Add(1)
		return true, data
	}

	require.NoError(t, binding.rt.AddPipeline("temp", []string{"sensors/+/temp"}, count))
	require.NoError(t, binding.rt.AddPipeline("all", []string{"sensors/#"}, count))
	require.NoError(t, binding.rt.SetDefaultPipeline(count))

	env := eventEnvelope(t, "sensors/room1/temp")
	require.NoError(t, mp.MessageReceived(binding.BuildContext(env), env, nil))
	assert.Equal(t, int32(3), ran.Load())
}

func TestMessageReceivedDecodeFailureCountsInvalid(t *testing.T) {
	binding := newTestBinding(t, runtime.EventTarget())
	mp := NewMessageProcessor(binding, metrics.NewManager())

	require.NoError(t, binding.rt.SetDefaultPipeline(func(_ *appcontext.Context, data any) (bool, any) {
		return true, data
	}))

	env := message.Envelope{
		ContentType:   message.ContentTypeJSON,
		Payload:       []byte("not an event"),
		ReceivedTopic: "events",
	}
	err := mp.MessageReceived(binding.BuildContext(env), env, nil)
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(mp.invalidMessages))
}

func TestMessageReceivedPipelinesRunConcurrently(t *testing.T) {
	binding := newTestBinding(t, runtime.EventTarget())
	mp := NewMessageProcessor(binding, metrics.NewManager())

	sleeper := func(d time.Duration) pipeline.Transform {
		return func(_ *appcontext.Context, data any) (bool, any) {
			time.Sleep(d)
			return true, data
		}
	}
	require.NoError(t, binding.rt.AddPipeline("slow", []string{"#"}, sleeper(50*time.Millisecond)))
	require.NoError(t, binding.rt.AddPipeline("fast", []string{"#"}, sleeper(10*time.Millisecond)))

	env := eventEnvelope(t, "events")
	start := time.Now()
	require.NoError(t, mp.MessageReceived(binding.BuildContext(env), env, nil))
	assert.Less(t, time.Since(start), 80*time.Millisecond)
}

func TestMessageReceivedInvokesResponseHandlerPerPipeline(t *testing.T) {
	binding := newTestBinding(t, runtime.EventTarget())
	mp := NewMessageProcessor(binding, metrics.NewManager())

	respond := func(id string) pipeline.Transform {
		return func(ctx *appcontext.Context, data any) (bool, any) {
			ctx.SetResponseData([]byte(id))
			return true, data
		}
	}
	require.NoError(t, binding.rt.AddPipeline("a", []string{"#"}, respond("a")))
	require.NoError(t, binding.rt.AddPipeline("b", []string{"#"}, respond("b")))

	var mu sync.Mutex
	responses := make(map[string]string)
	handler := func(ctx *appcontext.Context, p *pipeline.FunctionPipeline) error {
		mu.Lock()
		defer mu.Unlock()
		responses[p.ID] = string(ctx.ResponseData())
		return nil
	}

	env := eventEnvelope(t, "events")
	require.NoError(t, mp.MessageReceived(binding.BuildContext(env), env, handler))

	assert.Equal(t, map[string]string{"a": "a", "b": "b"}, responses)
}

func TestMessageReceivedJoinsPipelineErrors(t *testing.T) {
	binding := newTestBinding(t, runtime.EventTarget())
	mp := NewMessageProcessor(binding, metrics.NewManager())

	failing := func(_ *appcontext.Context, _ any) (bool, any) {
		return false, errkind.New(errkind.KindCommunicationError, "export failed")
	}
	ok := func(_ *appcontext.Context, data any) (bool, any) {
		return true, data
	}
	require.NoError(t, binding.rt.AddPipeline("failing", []string{"#"}, failing))
	require.NoError(t, binding.rt.AddPipeline("ok", []string{"#"}, ok))

	env := eventEnvelope(t, "events")
	err := mp.MessageReceived(binding.BuildContext(env), env, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export failed")
}

func TestHandlerErrorDoesNotBlockOtherPipelines(t *testing.T) {
	binding := newTestBinding(t, runtime.EventTarget())
	mp := NewMessageProcessor(binding, metrics.NewManager())

	ok := func(_ *appcontext.Context, data any) (bool, any) {
		return true, data
	}
	require.NoError(t, binding.rt.AddPipeline("a", []string{"#"}, ok))
	require.NoError(t, binding.rt.AddPipeline("b", []string{"#"}, ok))

	var handled atomic.Int32
	handler := func(_ *appcontext.Context, _ *pipeline.FunctionPipeline) error {
		handled.Add(1)
		return errkind.New(errkind.KindCommunicationError, "publish failed")
	}

	env := eventEnvelope(t, "events")
	err := mp.MessageReceived(binding.BuildContext(env), env, handler)
	require.Error(t, err)
	assert.Equal(t, int32(2), handled.Load())
}

// Package mqtt implements the external-MQTT trigger: a paho client with
// configurable authentication, bounded connect retries, content-type
// inference from the payload's first byte, and one background task per
// inbound message.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahoMqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/pipeline"
	"github.com/edgewire/appfn/secret"
	"github.com/edgewire/appfn/trigger"
)

// Trigger bridges an external MQTT broker to the pipeline runtime.
type Trigger struct {
	binding   trigger.ServiceBinding
	processor *trigger.MessageProcessor

	client       pahoMqtt.Client
	qos          byte
	retain       bool
	publishTopic string
}

// NewTrigger creates the MQTT trigger.
func NewTrigger(binding trigger.ServiceBinding, processor *trigger.MessageProcessor) *Trigger {
	return &Trigger{
		binding:   binding,
		processor: processor,
	}
}

// Initialize connects to the configured broker, retrying for at most
// RetryDuration seconds, and installs the topic subscriptions on every
// (re)connect. The returned teardown disconnects the client.
func (t *Trigger) Initialize(ctx context.Context, _ *sync.WaitGroup) (trigger.Deferred, error) {
	cfg := t.binding.Config()
	logger := t.binding.Logger()
	mqttCfg := cfg.Trigger.ExternalMqtt

	if mqttCfg.Url == "" {
		return nil, errkind.New(errkind.KindContractInvalid, "external MQTT broker url is not configured")
	}

	topics := splitTopics(cfg.Trigger.SubscribeTopics)
	if len(topics) == 0 {
		return nil, errkind.New(errkind.KindContractInvalid, "no subscribe topics configured")
	}

	t.qos = mqttCfg.QoS
	t.retain = mqttCfg.Retain
	t.publishTopic = cfg.Trigger.PublishTopic

	logger.Info("Initializing external MQTT trigger",
		slog.String("broker", mqttCfg.Url),
		slog.String("authMode", mqttCfg.AuthMode))

	opts, err := t.clientOptions(mqttCfg, topics)
	if err != nil {
		return nil, err
	}

	client := pahoMqtt.NewClient(opts)
	if err := connectWithRetry(ctx, client, mqttCfg, logger); err != nil {
		return nil, err
	}
	t.client = client

	deferred := func() {
		logger.Info("Disconnecting from external MQTT broker")
		t.client.Disconnect(250)
	}
	return deferred, nil
}

func (t *Trigger) clientOptions(mqttCfg config.ExternalMQTTConfig, topics []string) (*pahoMqtt.ClientOptions, error) {
	logger := t.binding.Logger()

	opts := pahoMqtt.NewClientOptions()
	opts.AddBroker(mqttCfg.Url)
	opts.SetClientID(mqttCfg.ClientId)
	opts.SetAutoReconnect(mqttCfg.AutoReconnect)

	if d, err := time.ParseDuration(mqttCfg.ConnectTimeout); err == nil && d > 0 {
		opts.SetConnectTimeout(d)
	}
	if d, err := time.ParseDuration(mqttCfg.KeepAlive); err == nil && d > 0 {
		opts.SetKeepAlive(d)
	}
	if d, err := time.ParseDuration(mqttCfg.MaxReconnectInterval); err == nil && d > 0 {
		opts.SetMaxReconnectInterval(d)
	}
	if mqttCfg.Will.Enabled {
		opts.SetWill(mqttCfg.Will.Topic, mqttCfg.Will.Payload, mqttCfg.Will.Qos, mqttCfg.Will.Retained)
	}

	if err := t.configureAuth(opts, mqttCfg); err != nil {
		return nil, err
	}

	// resubscribe on every (re)connect so restarts of the broker do not
	// silently drop the trigger
	opts.SetOnConnectHandler(func(client pahoMqtt.Client) {
		for _, topic := range topics {
			token := client.Subscribe(topic, t.qos, t.onMessage)
			token.Wait()
			if token.Error() != nil {
				logger.Error("failed to subscribe",
					slog.String("topic", topic), slog.Any("error", token.Error()))
				continue
			}
			logger.Info("Subscribed to topic", slog.String("topic", topic))
		}
	})

	return opts, nil
}

func (t *Trigger) configureAuth(opts *pahoMqtt.ClientOptions, mqttCfg config.ExternalMQTTConfig) error {
	mode := strings.ToLower(strings.TrimSpace(mqttCfg.AuthMode))
	if mode == "" || mode == config.AuthModeNone {
		return nil
	}

	provider := t.binding.SecretProvider()
	if provider == nil {
		return errkind.New(errkind.KindServerError, "secret provider is not available")
	}
	secrets, err := provider.GetSecret(mqttCfg.SecretName)
	if err != nil {
		return errkind.Wrap(errkind.KindServerError,
			"failed to read MQTT credentials from secret "+mqttCfg.SecretName, err)
	}

	switch mode {
	case config.AuthModeUsernamePassword:
		username, password := secrets[secret.UsernameKey], secrets[secret.PasswordKey]
		if username == "" || password == "" {
			return errkind.Newf(errkind.KindContractInvalid,
				"secret %q must hold %s and %s for auth mode %s",
				mqttCfg.SecretName, secret.UsernameKey, secret.PasswordKey, mode)
		}
		opts.SetUsername(username)
		opts.SetPassword(password)

	case config.AuthModeClientCert:
		certPEM, keyPEM := secrets[secret.ClientCertKey], secrets[secret.ClientKeyKey]
		if certPEM == "" || keyPEM == "" {
			return errkind.Newf(errkind.KindContractInvalid,
				"secret %q must hold %s and %s for auth mode %s",
				mqttCfg.SecretName, secret.ClientCertKey, secret.ClientKeyKey, mode)
		}
		cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
		if err != nil {
			return errkind.Wrap(errkind.KindContractInvalid, "failed to parse client certificate pair", err)
		}
		tlsConfig := &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: mqttCfg.SkipCertVerify,
		}
		if caPEM := secrets[secret.CACertKey]; caPEM != "" {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM([]byte(caPEM)) {
				return errkind.New(errkind.KindContractInvalid, "failed to parse CA certificate")
			}
			tlsConfig.RootCAs = pool
		}
		opts.SetTLSConfig(tlsConfig)

	case config.AuthModeCACert:
		caPEM := secrets[secret.CACertKey]
		if caPEM == "" {
			return errkind.Newf(errkind.KindContractInvalid,
				"secret %q must hold %s for auth mode %s", mqttCfg.SecretName, secret.CACertKey, mode)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return errkind.New(errkind.KindContractInvalid, "failed to parse CA certificate")
		}
		opts.SetTLSConfig(&tls.Config{
			RootCAs:            pool,
			InsecureSkipVerify: mqttCfg.SkipCertVerify,
		})

	default:
		return errkind.Newf(errkind.KindContractInvalid, "unknown MQTT auth mode %q", mqttCfg.AuthMode)
	}

	return nil
}

// connectWithRetry attempts to connect until the retry window elapses,
// returning the last connect error only after the window is spent.
func connectWithRetry(ctx context.Context, client pahoMqtt.Client, mqttCfg config.ExternalMQTTConfig, logger *slog.Logger) error {
	interval := time.Duration(mqttCfg.RetryInterval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(time.Duration(mqttCfg.RetryDuration) * time.Second)

	for {
		token := client.Connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			logger.Info("Connected to external MQTT broker", slog.String("broker", mqttCfg.Url))
			return nil
		}

		if time.Now().After(deadline) {
			return errkind.Wrap(errkind.KindCommunicationError,
				"failed to connect to external MQTT broker within the retry window", err)
		}

		logger.Warn("MQTT connect failed, retrying",
			slog.Any("error", err), slog.Duration("retryIn", interval))
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.KindCommunicationError, "aborted MQTT connect", ctx.Err())
		case <-time.After(interval):
		}
	}
}

// onMessage infers the content type from the first payload byte, wraps
// the message in an envelope with a fresh correlation id, and processes
// it on a new background task so the client callback returns at once.
func (t *Trigger) onMessage(_ pahoMqtt.Client, msg pahoMqtt.Message) {
	env := message.Envelope{
		CorrelationID: uuid.NewString(),
		ContentType:   contentTypeFromPayload(msg.Payload()),
		Payload:       msg.Payload(),
		ReceivedTopic: msg.Topic(),
	}

	go func() {
		appCtx := t.binding.BuildContext(env)
		if err := t.processor.MessageReceived(appCtx, env, t.responseHandler); err != nil {
			t.binding.Logger().Error("failed to process MQTT message",
				slog.String("topic", env.ReceivedTopic),
				slog.String("correlationID", env.CorrelationID),
				slog.Any("error", err))
		}
	}()
}

func (t *Trigger) responseHandler(appCtx *appcontext.Context, p *pipeline.FunctionPipeline) error {
	if t.publishTopic == "" || len(appCtx.ResponseData()) == 0 {
		return nil
	}

	logger := t.binding.Logger()

	formatted, err := appCtx.ApplyValues(t.publishTopic)
	if err != nil {
		return errkind.Wrap(errkind.KindContractInvalid, "failed to format publish topic", err)
	}

	token := t.client.Publish(formatted, t.qos, t.retain, appCtx.ResponseData())
	token.Wait()
	if token.Error() != nil {
		logger.Error("failed to publish pipeline response",
			slog.String("topic", formatted),
			slog.String("pipeline", p.ID),
			slog.Any("error", token.Error()))
		return nil
	}

	logger.Debug("published pipeline response",
		slog.String("topic", formatted),
		slog.String("pipeline", p.ID),
		slog.String("correlationID", appCtx.CorrelationID()))
	return nil
}

func contentTypeFromPayload(payload []byte) string {
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		return message.ContentTypeJSON
	}
	return message.ContentTypeCBOR
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

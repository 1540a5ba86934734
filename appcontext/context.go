// Package appcontext provides the per-message workspace handed to every
// pipeline function: a case-insensitive values map, response and retry
// buffers, and access to the services in the dependency container.
package appcontext

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/edgewire/appfn/container"
	"github.com/edgewire/appfn/di"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/messaging"
	"github.com/edgewire/appfn/metrics"
	"github.com/edgewire/appfn/secret"
)

// Well-known context value keys. Keys are matched case-insensitively.
const (
	DeviceName    = "devicename"
	ProfileName   = "profilename"
	SourceName    = "sourcename"
	PipelineID    = "pipelineid"
	ReceivedTopic = "receivedtopic"
	CorrelationID = "correlationid"
)

var placeholderRegex = regexp.MustCompile(`{[^{}]*}`)

// Context is the mutable workspace for one message traversing one or
// more pipelines. It is not safe to share one Context across pipelines;
// the runtime clones it per pipeline.
type Context struct {
	correlationID       string
	inputContentType    string
	responseContentType string
	responseData        []byte
	retryData           []byte
	retryTriggered      bool

	mu     sync.RWMutex
	values map[string]string

	dic *di.Container
}

// New creates a context for a message. The correlation id is kept as
// given; transports that need one generate it before calling New.
func New(correlationID string, dic *di.Container, inputContentType string) *Context {
	return &Context{
		correlationID:    correlationID,
		inputContentType: inputContentType,
		values:           make(map[string]string),
		dic:              dic,
	}
}

// Clone copies all scalar fields and deep-copies the values map. The
// clone shares the injected services.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	values := make(map[string]string, len(c.values))
	for k, v := range c.values {
		values[k] = v
	}

	return &Context{
		correlationID:       c.correlationID,
		inputContentType:    c.inputContentType,
		responseContentType: c.responseContentType,
		responseData:        c.responseData,
		retryData:           c.retryData,
		retryTriggered:      c.retryTriggered,
		values:              values,
		dic:                 c.dic,
	}
}

// CorrelationID returns the correlation id propagated end-to-end.
func (c *Context) CorrelationID() string { return c.correlationID }

// SetCorrelationID replaces the correlation id.
func (c *Context) SetCorrelationID(id string) { c.correlationID = id }

// InputContentType returns the content type of the inbound payload.
func (c *Context) InputContentType() string { return c.inputContentType }

// SetInputContentType replaces the input content type.
func (c *Context) SetInputContentType(contentType string) { c.inputContentType = contentType }

// SetResponseData sets the bytes a trigger may hand back on its
// transport.
func (c *Context) SetResponseData(data []byte) { c.responseData = data }

// ResponseData returns the response bytes, nil when unset.
func (c *Context) ResponseData() []byte { return c.responseData }

// SetResponseContentType sets the content type for the response data.
func (c *Context) SetResponseContentType(contentType string) { c.responseContentType = contentType }

// ResponseContentType returns the response content type, empty when
// unset.
func (c *Context) ResponseContentType() string { return c.responseContentType }

// SetRetryData sets the bytes the store-and-forward engine persists
// when the current function fails. The runtime clears it before each
// function call.
func (c *Context) SetRetryData(data []byte) { c.retryData = data }

// RetryData returns the retry bytes, nil when unset.
func (c *Context) RetryData() []byte { return c.retryData }

// TriggerRetryFailedData signals that previously stored objects should
// be retried immediately. Exporter functions call this after a send
// succeeds so queued failures drain without waiting for the interval.
func (c *Context) TriggerRetryFailedData() { c.retryTriggered = true }

// RetryTriggered reports whether an immediate retry was requested.
func (c *Context) RetryTriggered() bool { return c.retryTriggered }

// ClearRetryTrigger resets the immediate-retry request.
func (c *Context) ClearRetryTrigger() { c.retryTriggered = false }

// AddValue stores a value. Keys are case-insensitive.
func (c *Context) AddValue(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[strings.ToLower(key)] = value
}

// RemoveValue deletes a value.
func (c *Context) RemoveValue(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, strings.ToLower(key))
}

// GetValue looks up a value by case-insensitive key.
func (c *Context) GetValue(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[strings.ToLower(key)]
	return v, ok
}

// GetAllValues returns a copy of the values map.
func (c *Context) GetAllValues() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	values := make(map[string]string, len(c.values))
	for k, v := range c.values {
		values[k] = v
	}
	return values
}

// SetAllValues replaces the values map, lowercasing keys. Used when a
// context is reconstructed from stored context data.
func (c *Context) SetAllValues(values map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]string, len(values))
	for k, v := range values {
		c.values[strings.ToLower(k)] = v
	}
}

// ApplyValues replaces every {key} token in the format string with the
// corresponding context value. An unmatched token is an error.
func (c *Context) ApplyValues(format string) (string, error) {
	result := format
	for _, placeholder := range placeholderRegex.FindAllString(format, -1) {
		key := strings.Trim(placeholder, "{}")
		value, found := c.GetValue(key)
		if !found {
			return "", errkind.Newf(errkind.KindContractInvalid, "failed to replace placeholder %q: no context value", key)
		}
		result = strings.ReplaceAll(result, placeholder, value)
	}
	return result, nil
}

// Logger returns the injected logger.
func (c *Context) Logger() *slog.Logger {
	return container.LoggerFrom(c.dic.Get)
}

// SecretProvider returns the injected secret provider.
func (c *Context) SecretProvider() secret.Provider {
	return container.SecretProviderFrom(c.dic.Get)
}

// MessagingClient returns the injected message bus client, nil when the
// service runs without one.
func (c *Context) MessagingClient() messaging.Client {
	return container.MessagingClientFrom(c.dic.Get)
}

// MetricsManager returns the injected metrics manager.
func (c *Context) MetricsManager() *metrics.Manager {
	return container.MetricsManagerFrom(c.dic.Get)
}

// Dic exposes the container for user code needing service clients
// beyond the typed accessors.
func (c *Context) Dic() *di.Container { return c.dic }

// PipelineID returns the id of the pipeline currently executing this
// context, empty before processing starts.
func (c *Context) PipelineID() string {
	v, _ := c.GetValue(PipelineID)
	return v
}

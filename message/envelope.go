// Package message defines the transport-agnostic message envelope and the
// topic syntax shared by all triggers.
package message

// Content types carried by envelopes.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
	ContentTypeText = "text/plain"
)

// CorrelationIDHeader is the HTTP header carrying the correlation id
// end-to-end.
const CorrelationIDHeader = "X-Correlation-ID"

// Envelope is the immutable carrier for one inbound or outbound message.
// Triggers create envelopes from transport metadata; the runtime consumes
// them.
type Envelope struct {
	CorrelationID string `json:"correlationID"`
	ContentType   string `json:"contentType"`
	Payload       []byte `json:"payload"`
	ReceivedTopic string `json:"receivedTopic"`
}

// NewEnvelope creates an envelope for the given payload. ReceivedTopic is
// left empty for transports without topics.
func NewEnvelope(payload []byte, contentType string, correlationID string) Envelope {
	return Envelope{
		CorrelationID: correlationID,
		ContentType:   contentType,
		Payload:       payload,
	}
}

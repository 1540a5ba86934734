// Package store defines the durable object contract used by the
// store-and-forward engine: a persisted message plus enough pipeline
// state to resume execution, and the client interface the database
// backends implement.
package store

import (
	"github.com/google/uuid"

	"github.com/edgewire/appfn/errkind"
)

// StoredObject is one failed export persisted for later retry. It
// carries the original payload and the position in the pipeline to
// resume from.
type StoredObject struct {
	// ID uniquely identifies this stored object in the database.
	ID string `json:"id"`
	// AppServiceKey groups objects by the owning service instance.
	AppServiceKey string `json:"appServiceKey"`
	// Payload is the data to retry, as captured by the failing function.
	Payload []byte `json:"payload"`
	// ContentType describes the payload bytes.
	ContentType string `json:"contentType"`
	// RetryCount is how many retry attempts have failed so far.
	RetryCount int `json:"retryCount"`
	// PipelineID names the pipeline to resume.
	PipelineID string `json:"pipelineId"`
	// PipelinePosition is the index of the function to resume at.
	PipelinePosition int `json:"pipelinePosition"`
	// Version is the pipeline hash at the time of storage. A mismatch
	// on retry means the pipeline changed and the object is discarded.
	Version string `json:"version"`
	// CorrelationID carries the original message's correlation id.
	CorrelationID string `json:"correlationID"`
	// ContextData snapshots the message context values.
	ContextData map[string]string `json:"contextData"`
}

// NewStoredObject creates a stored object for the given payload and
// resume point. The ID is assigned by the database client on Store.
func NewStoredObject(appServiceKey string, payload []byte, pipelineID string,
	pipelinePosition int, version string, contextData map[string]string) StoredObject {
	return StoredObject{
		AppServiceKey:    appServiceKey,
		Payload:          payload,
		PipelineID:       pipelineID,
		PipelinePosition: pipelinePosition,
		Version:          version,
		ContextData:      contextData,
	}
}

// ValidateContract checks the fields a backend requires before
// writing. IDRequired distinguishes updates, which address an existing
// row, from initial stores, which mint the id.
func (o StoredObject) ValidateContract(IDRequired bool) error {
	if IDRequired {
		if o.ID == "" {
			return errkind.New(errkind.KindContractInvalid, "stored object id is required")
		}
		if _, err := uuid.Parse(o.ID); err != nil {
			return errkind.Newf(errkind.KindInvalidID, "stored object id %q is not a valid uuid", o.ID)
		}
	}
	if o.AppServiceKey == "" {
		return errkind.New(errkind.KindContractInvalid, "app service key is required")
	}
	if len(o.Payload) == 0 {
		return errkind.New(errkind.KindContractInvalid, "payload is required")
	}
	if o.Version == "" {
		return errkind.New(errkind.KindContractInvalid, "version is required")
	}
	return nil
}

// Client is the persistence contract the store-and-forward engine
// depends on. Implementations live in the sqlite and redis subpackages.
type Client interface {
	// Store persists a new object and returns its assigned id.
	Store(o StoredObject) (string, error)
	// RetrieveFromStore returns all objects for the service key.
	RetrieveFromStore(appServiceKey string) ([]StoredObject, error)
	// Update replaces the object identified by o.ID.
	Update(o StoredObject) error
	// RemoveFromStore deletes the object identified by o.ID.
	RemoveFromStore(o StoredObject) error
	// Disconnect releases the underlying connection.
	Disconnect() error
}

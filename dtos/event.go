// Package dtos defines the telemetry data-transfer objects exchanged on
// the wire: events, readings, and their request wrappers.
package dtos

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/message"
)

// ApiVersion is the wire version tag carried by all DTOs.
const ApiVersion = "v3"

// Reading value types.
const (
	ValueTypeString  = "String"
	ValueTypeBool    = "Bool"
	ValueTypeInt64   = "Int64"
	ValueTypeUint64  = "Uint64"
	ValueTypeFloat64 = "Float64"
	ValueTypeBinary  = "Binary"
	ValueTypeObject  = "Object"
)

// Event is one measurement set produced by a device source.
type Event struct {
	ApiVersion  string            `json:"apiVersion,omitempty"`
	Id          string            `json:"id"`
	DeviceName  string            `json:"deviceName"`
	ProfileName string            `json:"profileName"`
	SourceName  string            `json:"sourceName"`
	Origin      int64             `json:"origin"`
	Readings    []BaseReading     `json:"readings"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// BaseReading is a single measured value within an event.
type BaseReading struct {
	Id           string `json:"id,omitempty"`
	Origin       int64  `json:"origin"`
	DeviceName   string `json:"deviceName"`
	ResourceName string `json:"resourceName"`
	ProfileName  string `json:"profileName"`
	ValueType    string `json:"valueType"`
	Value        string `json:"value,omitempty"`
	BinaryValue  []byte `json:"binaryValue,omitempty"`
	MediaType    string `json:"mediaType,omitempty"`
	ObjectValue  any    `json:"objectValue,omitempty"`
}

// NewEvent creates an event with a fresh id and origin timestamp.
func NewEvent(profileName, deviceName, sourceName string) Event {
	return Event{
		ApiVersion:  ApiVersion,
		Id:          uuid.NewString(),
		DeviceName:  deviceName,
		ProfileName: profileName,
		SourceName:  sourceName,
		Origin:      time.Now().UnixNano(),
	}
}

// AddSimpleReading appends a reading for a scalar value, formatting it
// according to the declared value type.
func (e *Event) AddSimpleReading(resourceName string, valueType string, value any) error {
	formatted, err := formatValue(valueType, value)
	if err != nil {
		return fmt.Errorf("adding reading for %s: %w", resourceName, err)
	}
	e.Readings = append(e.Readings, BaseReading{
		Id:           uuid.NewString(),
		Origin:       time.Now().UnixNano(),
		DeviceName:   e.DeviceName,
		ResourceName: resourceName,
		ProfileName:  e.ProfileName,
		ValueType:    valueType,
		Value:        formatted,
	})
	return nil
}

// AddBinaryReading appends a reading carrying opaque bytes.
func (e *Event) AddBinaryReading(resourceName string, binaryValue []byte, mediaType string) {
	e.Readings = append(e.Readings, BaseReading{
		Id:           uuid.NewString(),
		Origin:       time.Now().UnixNano(),
		DeviceName:   e.DeviceName,
		ResourceName: resourceName,
		ProfileName:  e.ProfileName,
		ValueType:    ValueTypeBinary,
		BinaryValue:  binaryValue,
		MediaType:    mediaType,
	})
}

// AddObjectReading appends a reading carrying a structured value.
func (e *Event) AddObjectReading(resourceName string, objectValue any) {
	e.Readings = append(e.Readings, BaseReading{
		Id:           uuid.NewString(),
		Origin:       time.Now().UnixNano(),
		DeviceName:   e.DeviceName,
		ResourceName: resourceName,
		ProfileName:  e.ProfileName,
		ValueType:    ValueTypeObject,
		ObjectValue:  objectValue,
	})
}

// Validate checks the invariants every event must satisfy before it is
// accepted by the runtime.
func (e Event) Validate() error {
	if e.DeviceName == "" {
		return errkind.New(errkind.KindContractInvalid, "event device name is empty")
	}
	if e.ProfileName == "" {
		return errkind.New(errkind.KindContractInvalid, "event profile name is empty")
	}
	if e.SourceName == "" {
		return errkind.New(errkind.KindContractInvalid, "event source name is empty")
	}
	for _, r := range e.Readings {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the reading invariants.
func (r BaseReading) Validate() error {
	if r.ResourceName == "" {
		return errkind.New(errkind.KindContractInvalid, "reading resource name is empty")
	}
	if r.ValueType == "" {
		return errkind.New(errkind.KindContractInvalid, "reading value type is empty")
	}
	if r.ValueType == ValueTypeBinary && len(r.BinaryValue) == 0 {
		return errkind.New(errkind.KindContractInvalid, "binary reading carries no binary value")
	}
	return nil
}

// HasBinaryValue reports whether any reading carries binary data.
func (e Event) HasBinaryValue() bool {
	for _, r := range e.Readings {
		if r.ValueType == ValueTypeBinary {
			return true
		}
	}
	return false
}

func formatValue(valueType string, value any) (string, error) {
	switch valueType {
	case ValueTypeString:
		s, ok := value.(string)
		if !ok {
			return "", errkind.Newf(errkind.KindContractInvalid, "value %v is not a string", value)
		}
		return s, nil
	case ValueTypeBool:
		b, ok := value.(bool)
		if !ok {
			return "", errkind.Newf(errkind.KindContractInvalid, "value %v is not a bool", value)
		}
		return strconv.FormatBool(b), nil
	case ValueTypeInt64:
		switch v := value.(type) {
		case int64:
			return strconv.FormatInt(v, 10), nil
		case int:
			return strconv.FormatInt(int64(v), 10), nil
		default:
			return "", errkind.Newf(errkind.KindContractInvalid, "value %v is not an int64", value)
		}
	case ValueTypeUint64:
		v, ok := value.(uint64)
		if !ok {
			return "", errkind.Newf(errkind.KindContractInvalid, "value %v is not a uint64", value)
		}
		return strconv.FormatUint(v, 10), nil
	case ValueTypeFloat64:
		v, ok := value.(float64)
		if !ok {
			return "", errkind.Newf(errkind.KindContractInvalid, "value %v is not a float64", value)
		}
		return strconv.FormatFloat(v, 'e', -1, 64), nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}

// AddEventRequest wraps an event for submission.
type AddEventRequest struct {
	ApiVersion string `json:"apiVersion"`
	RequestId  string `json:"requestId,omitempty"`
	Event      Event  `json:"event"`
}

// NewAddEventRequest wraps the given event with a fresh request id.
func NewAddEventRequest(event Event) AddEventRequest {
	return AddEventRequest{
		ApiVersion: ApiVersion,
		RequestId:  uuid.NewString(),
		Event:      event,
	}
}

// Validate checks the request invariants.
func (req AddEventRequest) Validate() error {
	return req.Event.Validate()
}

// Encode serializes the request, selecting CBOR when the event carries a
// binary reading and JSON otherwise. It returns the bytes and the chosen
// content type.
func (req AddEventRequest) Encode() ([]byte, string, error) {
	if req.Event.HasBinaryValue() {
		data, err := cbor.Marshal(req)
		if err != nil {
			return nil, "", errkind.Wrap(errkind.KindContractInvalid, "encoding event request to CBOR", err)
		}
		return data, message.ContentTypeCBOR, nil
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, "", errkind.Wrap(errkind.KindContractInvalid, "encoding event request to JSON", err)
	}
	return data, message.ContentTypeJSON, nil
}

package runtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/edgewire/appfn/dtos"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/message"
)

// DecodeFunc turns raw payload bytes into the value handed to the first
// pipeline function. Used by DecoderTarget for formats the built-in
// targets do not cover.
type DecodeFunc func(payload []byte, contentType string) (any, error)

type targetKind int

const (
	targetEvent targetKind = iota
	targetRaw
	targetCustom
	targetDecoder
)

// Target selects what an inbound envelope decodes into before the
// pipeline runs: raw bytes, the event DTO, a fresh copy of a custom
// type, or the output of a caller-supplied decoder.
type Target struct {
	kind      targetKind
	prototype reflect.Type
	decode    DecodeFunc
}

// EventTarget decodes payloads into the event DTO. This is the default.
func EventTarget() Target { return Target{kind: targetEvent} }

// RawTarget passes payload bytes through unchanged.
func RawTarget() Target { return Target{kind: targetRaw} }

// CustomTarget decodes JSON payloads into a fresh copy of the type
// behind the given pointer, so no state leaks between messages.
func CustomTarget(prototype any) (Target, error) {
	t := reflect.TypeOf(prototype)
	if t == nil || t.Kind() != reflect.Pointer {
		return Target{}, errkind.New(errkind.KindContractInvalid, "custom target must be a non-nil pointer")
	}
	return Target{kind: targetCustom, prototype: t.Elem()}, nil
}

// DecoderTarget delegates decoding to the given function.
func DecoderTarget(decode DecodeFunc) (Target, error) {
	if decode == nil {
		return Target{}, errkind.New(errkind.KindContractInvalid, "decoder target requires a decode function")
	}
	return Target{kind: targetDecoder, decode: decode}, nil
}

// TargetFromName maps the configured target type name to a target.
// Empty and "event" select the event DTO; "raw" selects raw bytes.
func TargetFromName(name string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "event":
		return EventTarget(), nil
	case "raw":
		return RawTarget(), nil
	default:
		return Target{}, errkind.Newf(errkind.KindContractInvalid, "unknown pipeline target type %q", name)
	}
}

func isJSONContentType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(strings.ToLower(mediaType)) == message.ContentTypeJSON
}

// decodeBase64IfNeeded transparently unwraps payloads whose JSON has
// itself been base64-encoded. A payload already starting with a JSON
// token is returned as-is.
func decodeBase64IfNeeded(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' {
		return payload
	}
	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return payload
	}
	return decoded
}

// decodeEvent tries the wrapped add-event request shape first, then the
// bare event shape.
func decodeEvent(payload []byte) (dtos.Event, error) {
	var req dtos.AddEventRequest
	if err := json.Unmarshal(payload, &req); err == nil {
		if err := req.Validate(); err == nil {
			return req.Event, nil
		}
	}

	var event dtos.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return dtos.Event{}, errkind.Wrap(errkind.KindContractInvalid, "failed to decode payload as an event", err)
	}
	if err := event.Validate(); err != nil {
		return dtos.Event{}, errkind.Wrap(errkind.KindContractInvalid, "decoded event is invalid", err)
	}
	return event, nil
}

// Package transforms provides the built-in pipeline functions that can
// be assembled from configuration, plus the factory registry that maps
// function names to parameterized constructors.
package transforms

import (
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/dtos"
	"github.com/edgewire/appfn/errkind"
)

// Filter screens events by one of their name fields. With FilterOut
// false only events whose field matches a value pass; with FilterOut
// true matching events are dropped. An empty value list passes
// everything through.
type Filter struct {
	Values    []string
	FilterOut bool
}

// NewFilter creates a filter-for; NewFilterOut creates a filter-away.
func NewFilter(values []string) Filter {
	return Filter{Values: values}
}

func NewFilterOut(values []string) Filter {
	return Filter{Values: values, FilterOut: true}
}

// ByDeviceName filters on Event.DeviceName.
func (f Filter) ByDeviceName(appCtx *appcontext.Context, data any) (bool, any) {
	return f.apply(appCtx, data, "device", func(e dtos.Event) string { return e.DeviceName })
}

// BySourceName filters on Event.SourceName.
func (f Filter) BySourceName(appCtx *appcontext.Context, data any) (bool, any) {
	return f.apply(appCtx, data, "source", func(e dtos.Event) string { return e.SourceName })
}

// ByProfileName filters on Event.ProfileName.
func (f Filter) ByProfileName(appCtx *appcontext.Context, data any) (bool, any) {
	return f.apply(appCtx, data, "profile", func(e dtos.Event) string { return e.ProfileName })
}

func (f Filter) apply(appCtx *appcontext.Context, data any, field string, value func(dtos.Event) string) (bool, any) {
	if data == nil {
		return false, errkind.New(errkind.KindContractInvalid, "no data received to filter")
	}
	event, ok := data.(dtos.Event)
	if !ok {
		return false, errkind.Newf(errkind.KindContractInvalid, "filter expected an event, got %T", data)
	}

	if len(f.Values) == 0 {
		return true, event
	}

	matched := slices.Contains(f.Values, value(event))
	if matched == f.FilterOut {
		appCtx.Logger().Debug("event filtered out",
			slog.String("field", field),
			slog.String("device", event.DeviceName))
		return false, nil
	}
	return true, event
}

// ResponseData copies the pipeline's current data into the context's
// response buffer so triggers can reply with it.
type ResponseData struct {
	// ContentType overrides the response content type when set.
	ContentType string
}

// Set coerces data to bytes (strings and byte slices as-is, anything
// else JSON-encoded), stores it as the response, and passes the
// original data through.
func (rd ResponseData) Set(appCtx *appcontext.Context, data any) (bool, any) {
	if data == nil {
		return false, errkind.New(errkind.KindContractInvalid, "no data received to set as response")
	}

	var body []byte
	switch v := data.(type) {
	case []byte:
		body = v
	case string:
		body = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return false, errkind.Wrap(errkind.KindContractInvalid, "failed to encode response data", err)
		}
		body = encoded
	}

	appCtx.SetResponseData(body)
	if rd.ContentType != "" {
		appCtx.SetResponseContentType(rd.ContentType)
	}
	return true, data
}

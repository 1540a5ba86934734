package transforms

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/pipeline"
)

// Names of the built-in configurable functions.
const (
	FilterByDeviceNameFunc  = "FilterByDeviceName"
	FilterBySourceNameFunc  = "FilterBySourceName"
	FilterByProfileNameFunc = "FilterByProfileName"
	SetResponseDataFunc     = "SetResponseData"
)

// Parameter names understood by the built-in factories. Parameter keys
// are matched case-insensitively.
const (
	DeviceNamesParam         = "devicenames"
	SourceNamesParam         = "sourcenames"
	ProfileNamesParam        = "profilenames"
	FilterOutParam           = "filterout"
	ResponseContentTypeParam = "responsecontenttype"
)

// Factory builds one transform from its configured parameters.
type Factory func(parameters map[string]string) (pipeline.Transform, error)

// Registry maps function names to factories. Names are matched
// case-insensitively. A new registry is seeded with the built-ins.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding the built-in factories.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.factories[strings.ToLower(FilterByDeviceNameFunc)] = filterFactory(DeviceNamesParam, Filter.ByDeviceName)
	r.factories[strings.ToLower(FilterBySourceNameFunc)] = filterFactory(SourceNamesParam, Filter.BySourceName)
	r.factories[strings.ToLower(FilterByProfileNameFunc)] = filterFactory(ProfileNamesParam, Filter.ByProfileName)
	r.factories[strings.ToLower(SetResponseDataFunc)] = responseDataFactory

	return r
}

// Register adds a custom factory under the given name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return errkind.New(errkind.KindContractInvalid, "function name is empty")
	}
	if factory == nil {
		return errkind.New(errkind.KindContractInvalid, "factory is nil")
	}

	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return errkind.Newf(errkind.KindDuplicateName, "function %s is already registered", name)
	}
	r.factories[key] = factory
	return nil
}

// Build constructs the named transform from its parameters.
func (r *Registry) Build(name string, parameters map[string]string) (pipeline.Transform, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, errkind.Newf(errkind.KindEntityDoesNotExist, "no pipeline function named %s", name)
	}

	fn, err := factory(normalizeParameters(parameters))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindContractInvalid, "failed to build function "+name, err)
	}
	return fn, nil
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func filterFactory(valuesParam string, method func(Filter, *appcontext.Context, any) (bool, any)) Factory {
	return func(parameters map[string]string) (pipeline.Transform, error) {
		filter := Filter{Values: splitValues(parameters[valuesParam])}

		if raw, ok := parameters[FilterOutParam]; ok {
			filterOut, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, errkind.Newf(errkind.KindContractInvalid,
					"parameter %s must be a boolean, got %q", FilterOutParam, raw)
			}
			filter.FilterOut = filterOut
		}

		return func(appCtx *appcontext.Context, data any) (bool, any) {
			return method(filter, appCtx, data)
		}, nil
	}
}

func responseDataFactory(parameters map[string]string) (pipeline.Transform, error) {
	rd := ResponseData{ContentType: parameters[ResponseContentTypeParam]}
	return rd.Set, nil
}

func normalizeParameters(parameters map[string]string) map[string]string {
	normalized := make(map[string]string, len(parameters))
	for k, v := range parameters {
		normalized[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	return normalized
}

func splitValues(csv string) []string {
	var values []string
	for _, v := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

package transforms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/di"
	"github.com/edgewire/appfn/dtos"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/pipeline"
)

func newContext() *appcontext.Context {
	dic := di.NewContainer(nil)
	return appcontext.New("test-correlation", dic, message.ContentTypeJSON)
}

func testEvent() dtos.Event {
	return dtos.NewEvent("thermostat", "sensor-01", "temperature")
}

func TestFilterByDeviceNameKeepsMatch(t *testing.T) {
	f := NewFilter([]string{"sensor-01", "sensor-02"})

	cont, result := f.ByDeviceName(newContext(), testEvent())
	require.True(t, cont)
	assert.Equal(t, "sensor-01", result.(dtos.Event).DeviceName)
}

func TestFilterByDeviceNameDropsNonMatchSilently(t *testing.T) {
	f := NewFilter([]string{"sensor-99"})

	cont, result := f.ByDeviceName(newContext(), testEvent())
	assert.False(t, cont)
	assert.Nil(t, result)
}

func TestFilterOutInverts(t *testing.T) {
	f := NewFilterOut([]string{"sensor-01"})

	cont, result := f.ByDeviceName(newContext(), testEvent())
	assert.False(t, cont)
	assert.Nil(t, result)

	cont, result = f.ByDeviceName(newContext(), dtos.NewEvent("thermostat", "sensor-02", "temperature"))
	assert.True(t, cont)
	assert.NotNil(t, result)
}

func TestFilterEmptyValuesPassesThrough(t *testing.T) {
	f := NewFilter(nil)
	event := testEvent()

	cont, result := f.ByDeviceName(newContext(), event)
	assert.True(t, cont)
	assert.Equal(t, event, result)
}

func TestFilterRejectsNonEvent(t *testing.T) {
	f := NewFilter([]string{"sensor-01"})

	cont, result := f.ByDeviceName(newContext(), "not an event")
	require.False(t, cont)
	err, ok := result.(error)
	require.True(t, ok)
	assert.Equal(t, errkind.KindContractInvalid, errkind.KindOf(err))

	cont, result = f.ByDeviceName(newContext(), nil)
	require.False(t, cont)
	_, ok = result.(error)
	assert.True(t, ok)
}

func TestFilterBySourceAndProfile(t *testing.T) {
	event := testEvent()

	bySource := NewFilter([]string{"temperature"})
	cont, _ := bySource.BySourceName(newContext(), event)
	assert.True(t, cont)

	byProfile := NewFilter([]string{"humidity-profile"})
	cont, result := byProfile.ByProfileName(newContext(), event)
	assert.False(t, cont)
	assert.Nil(t, result)
}

func TestSetResponseDataFromString(t *testing.T) {
	appCtx := newContext()
	rd := ResponseData{}

	cont, result := rd.Set(appCtx, "hello")
	require.True(t, cont)
	assert.Equal(t, "hello", result)
	assert.Equal(t, []byte("hello"), appCtx.ResponseData())
}

func TestSetResponseDataFromBytesWithContentType(t *testing.T) {
	appCtx := newContext()
	rd := ResponseData{ContentType: message.ContentTypeText}

	cont, _ := rd.Set(appCtx, []byte("raw"))
	require.True(t, cont)
	assert.Equal(t, []byte("raw"), appCtx.ResponseData())
	assert.Equal(t, message.ContentTypeText, appCtx.ResponseContentType())
}

func TestSetResponseDataEncodesStructs(t *testing.T) {
	appCtx := newContext()
	rd := ResponseData{}

	cont, _ := rd.Set(appCtx, testEvent())
	require.True(t, cont)
	assert.Contains(t, string(appCtx.ResponseData()), `"deviceName":"sensor-01"`)
}

func TestSetResponseDataRejectsNil(t *testing.T) {
	cont, result := ResponseData{}.Set(newContext(), nil)
	require.False(t, cont)
	_, ok := result.(error)
	assert.True(t, ok)
}

func TestRegistryBuildsFilterFromParameters(t *testing.T) {
	r := NewRegistry()

	fn, err := r.Build(FilterByDeviceNameFunc, map[string]string{
		"DeviceNames": "sensor-01, sensor-02",
		"FilterOut":   "true",
	})
	require.NoError(t, err)

	cont, result := fn(newContext(), testEvent())
	assert.False(t, cont)
	assert.Nil(t, result)
}

func TestRegistryBuildsResponseData(t *testing.T) {
	r := NewRegistry()

	fn, err := r.Build("setresponsedata", map[string]string{
		"ResponseContentType": message.ContentTypeText,
	})
	require.NoError(t, err)

	appCtx := newContext()
	cont, _ := fn(appCtx, "payload")
	require.True(t, cont)
	assert.Equal(t, message.ContentTypeText, appCtx.ResponseContentType())
}

func TestRegistryUnknownFunction(t *testing.T) {
	r := NewRegistry()

	_, err := r.Build("NoSuchFunction", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.KindEntityDoesNotExist, errkind.KindOf(err))
}

func TestRegistryRejectsBadFilterOut(t *testing.T) {
	r := NewRegistry()

	_, err := r.Build(FilterBySourceNameFunc, map[string]string{"FilterOut": "maybe"})
	require.Error(t, err)
	assert.Equal(t, errkind.KindContractInvalid, errkind.KindOf(err))
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()

	err := r.Register("FILTERBYDEVICENAME", func(map[string]string) (pipeline.Transform, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, errkind.KindDuplicateName, errkind.KindOf(err))
}

func TestRegistryCustomFactory(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("Uppercase", func(map[string]string) (pipeline.Transform, error) {
		return func(_ *appcontext.Context, _ any) (bool, any) {
			return true, "UPPER"
		}, nil
	}))

	fn, err := r.Build("uppercase", nil)
	require.NoError(t, err)
	cont, result := fn(newContext(), "lower")
	assert.True(t, cont)
	assert.Equal(t, "UPPER", result)
}

func TestRegistryNames(t *testing.T) {
	names := NewRegistry().Names()
	assert.Contains(t, names, "filterbydevicename")
	assert.Contains(t, names, "setresponsedata")
}

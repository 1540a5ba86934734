package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/dtos"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/trigger"
)

// writeServiceConfig writes a configuration file into a temp directory
// and returns the flags selecting it. Trigger type http keeps Initialize
// from dialing a message bus.
func writeServiceConfig(t *testing.T, body string) []string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configuration.yaml"), []byte(body), 0o644))
	return []string{"-cd", dir}
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

const httpTriggerConfig = `
trigger:
  type: http
`

func TestInitializeRequiresServiceKey(t *testing.T) {
	svc := New("", "0.0.0")
	err := svc.Initialize(nil)
	require.Error(t, err)
	assert.Equal(t, errkind.KindContractInvalid, errkind.KindOf(err))
}

func TestInitializeAppliesServiceKeyOverride(t *testing.T) {
	args := writeServiceConfig(t, httpTriggerConfig)
	args = append(args, "-sk", "custom-<name>")

	svc := New("unit-test-service", "1.2.3")
	require.NoError(t, svc.Initialize(args))
	assert.Equal(t, "custom-unit-test-service", svc.ServiceKey())
}

func TestInitializeLoadsApplicationSettings(t *testing.T) {
	args := writeServiceConfig(t, httpTriggerConfig+`
applicationSettings:
  deviceNames: Random-Integer-Device
  batchSize: "50"
`)

	svc := New("unit-test-service", "1.2.3")
	require.NoError(t, svc.Initialize(args))

	settings := svc.ApplicationSettings()
	require.NotNil(t, settings)
	assert.Equal(t, "Random-Integer-Device", settings["deviceNames"])
	assert.Equal(t, "50", settings["batchSize"])
}

func TestRegisterCustomTriggerFactory(t *testing.T) {
	factory := func(trigger.ServiceBinding, *trigger.MessageProcessor) (trigger.Trigger, error) {
		return nil, nil
	}

	tests := []struct {
		name        string
		triggerName string
		factory     TriggerFactory
		wantKind    errkind.Kind
	}{
		{"valid name", "my-trigger", factory, ""},
		{"builtin messagebus", "messagebus", factory, errkind.KindNotAllowed},
		{"builtin http uppercased", "HTTP", factory, errkind.KindNotAllowed},
		{"empty name", "", factory, errkind.KindContractInvalid},
		{"nil factory", "other", nil, errkind.KindContractInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New("unit-test-service", "0.0.0")
			err := svc.RegisterCustomTriggerFactory(tt.triggerName, tt.factory)
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errkind.KindOf(err))
		})
	}
}

func TestRegisterCustomTriggerFactoryRejectsDuplicates(t *testing.T) {
	svc := New("unit-test-service", "0.0.0")
	factory := func(trigger.ServiceBinding, *trigger.MessageProcessor) (trigger.Trigger, error) {
		return nil, nil
	}

	require.NoError(t, svc.RegisterCustomTriggerFactory("my-trigger", factory))
	err := svc.RegisterCustomTriggerFactory("My-Trigger", factory)
	require.Error(t, err)
	assert.Equal(t, errkind.KindDuplicateName, errkind.KindOf(err))
}

type recordingTrigger struct {
	initialized bool
}

func (rt *recordingTrigger) Initialize(context.Context, *sync.WaitGroup) (trigger.Deferred, error) {
	rt.initialized = true
	return nil, nil
}

func TestBuildTriggerSelectsCustomFactory(t *testing.T) {
	args := writeServiceConfig(t, `
trigger:
  type: My-Trigger
`)

	svc := New("unit-test-service", "0.0.0")
	custom := &recordingTrigger{}
	require.NoError(t, svc.RegisterCustomTriggerFactory("my-trigger", func(binding trigger.ServiceBinding, _ *trigger.MessageProcessor) (trigger.Trigger, error) {
		assert.NotNil(t, binding)
		return custom, nil
	}))
	require.NoError(t, svc.Initialize(args))

	got, err := svc.buildTrigger()
	require.NoError(t, err)
	assert.Same(t, custom, got)
}

func TestBuildTriggerUnknownType(t *testing.T) {
	args := writeServiceConfig(t, `
trigger:
  type: carrier-pigeon
`)

	svc := New("unit-test-service", "0.0.0")
	require.NoError(t, svc.Initialize(args))

	_, err := svc.buildTrigger()
	require.Error(t, err)
	assert.Equal(t, errkind.KindContractInvalid, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestRunRequiresInitialize(t *testing.T) {
	svc := New("unit-test-service", "0.0.0")
	err := svc.Run()
	require.Error(t, err)
	assert.Equal(t, errkind.KindServerError, errkind.KindOf(err))
}

func TestLoadCustomConfigSection(t *testing.T) {
	args := writeServiceConfig(t, httpTriggerConfig+`
appCustom:
  resourceNames: Boolean, Int64
  someValue: 42
`)

	svc := New("unit-test-service", "0.0.0")
	require.NoError(t, svc.Initialize(args))

	type customConfig struct {
		ResourceNames string `yaml:"resourceNames"`
		SomeValue     int    `yaml:"someValue"`
	}

	var custom customConfig
	require.NoError(t, svc.LoadCustomConfig(&custom, "AppCustom"))
	assert.Equal(t, "Boolean, Int64", custom.ResourceNames)
	assert.Equal(t, 42, custom.SomeValue)

	err := svc.LoadCustomConfig(&custom, "missingSection")
	require.Error(t, err)
	assert.Equal(t, errkind.KindEntityDoesNotExist, errkind.KindOf(err))
}

func TestShutdownRunsDeferredsNewestFirst(t *testing.T) {
	svc := New("unit-test-service", "0.0.0")
	svc.logger = testLogger()

	var order []string
	svc.addDeferred(func() { order = append(order, "first") })
	svc.addDeferred(func() { order = append(order, "second") })

	svc.shutdown(nil)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRunServesAndStops(t *testing.T) {
	port := freePort(t)
	args := writeServiceConfig(t, fmt.Sprintf(`
service:
  host: 127.0.0.1
  port: %d
trigger:
  type: http
`, port))

	svc := New("unit-test-service", "2.0.0")
	require.NoError(t, svc.Initialize(args))

	require.NoError(t, svc.SetDefaultFunctionsPipeline(func(ctx *appcontext.Context, data any) (bool, any) {
		event, ok := data.(dtos.Event)
		if !ok {
			return false, errkind.New(errkind.KindContractInvalid, "expected an event")
		}
		ctx.SetResponseData([]byte(event.DeviceName))
		return true, data
	}))

	done := make(chan error, 1)
	go func() { done <- svc.Run() }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/v3/ping")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	event := dtos.NewEvent("thermostat", "sensor-01", "temperature")
	require.NoError(t, event.AddSimpleReading("temperature", dtos.ValueTypeFloat64, 21.5))
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	resp, err := http.Post(base+"/api/v3/trigger", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	body := new(bytes.Buffer)
	_, _ = body.ReadFrom(resp.Body)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sensor-01", body.String())

	svc.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestAddCustomRouteRejectsReservedPaths(t *testing.T) {
	args := writeServiceConfig(t, httpTriggerConfig)

	svc := New("unit-test-service", "0.0.0")
	require.NoError(t, svc.Initialize(args))

	err := svc.AddCustomRoute("/api/v3/ping", func(http.ResponseWriter, *http.Request) {}, http.MethodGet)
	require.Error(t, err)
	assert.Equal(t, errkind.KindNotAllowed, errkind.KindOf(err))

	assert.NoError(t, svc.AddCustomRoute("/api/v3/custom", func(http.ResponseWriter, *http.Request) {}, http.MethodGet))
}

func TestNewStoreClientSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	client, err := newStoreClient(config.DatabaseConfig{
		Type: config.DatabaseTypeSQLite,
		Host: filepath.Join(dir, "store.db"),
	})
	require.NoError(t, err)
	require.NoError(t, client.Disconnect())

	_, err = newStoreClient(config.DatabaseConfig{Type: "cassandra"})
	require.Error(t, err)
	assert.Equal(t, errkind.KindContractInvalid, errkind.KindOf(err))

	_, err = newStoreClient(config.DatabaseConfig{Type: config.DatabaseTypeSQLite})
	require.Error(t, err)
}

package storeforward

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/di"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/message"
	"github.com/edgewire/appfn/metrics"
	"github.com/edgewire/appfn/pipeline"
	"github.com/edgewire/appfn/runtime"
	"github.com/edgewire/appfn/store"
	"github.com/edgewire/appfn/store/sqlite"
)

const testServiceKey = "sf-test-service"

func newTestEngine(t *testing.T, mutate func(cfg *config.ServiceConfig)) (*Engine, *runtime.FunctionsPipelineRuntime, store.Client) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Writable.StoreAndForward.Enabled = true
	cfg.Writable.StoreAndForward.RetryInterval = "1s"
	cfg.Writable.StoreAndForward.MaxRetryCount = 0
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := sqlite.NewClient(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect() })

	rt := runtime.New(testServiceKey, runtime.RawTarget(), metrics.NewManager(), logger)
	e := New(rt, client, di.NewContainer(nil), cfg, testServiceKey, logger, metrics.NewManager())
	rt.SetStoreForward(e)
	return e, rt, client
}

func newAppContext() *appcontext.Context {
	appCtx := appcontext.New("sf-correlation", di.NewContainer(nil), message.ContentTypeJSON)
	appCtx.AddValue("devicename", "sensor-01")
	return appCtx
}

func passthrough(_ *appcontext.Context, data any) (bool, any) { return true, data }

func storedItems(t *testing.T, client store.Client) []store.StoredObject {
	t.Helper()
	items, err := client.RetrieveFromStore(testServiceKey)
	require.NoError(t, err)
	return items
}

func TestStoreForLaterRetryDisabled(t *testing.T) {
	e, rt, client := newTestEngine(t, func(cfg *config.ServiceConfig) {
		cfg.Writable.StoreAndForward.Enabled = false
	})
	require.NoError(t, rt.AddPipeline("p1", []string{"#"}, passthrough))
	p, _ := rt.Pipeline("p1")

	e.StoreForLaterRetry([]byte("abc"), newAppContext(), p, 0)

	assert.Empty(t, storedItems(t, client))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.queueSize))
}

func TestStoreForLaterRetryPersists(t *testing.T) {
	e, rt, client := newTestEngine(t, nil)
	require.NoError(t, rt.AddPipeline("p1", []string{"#"}, passthrough, passthrough, passthrough))
	p, _ := rt.Pipeline("p1")

	e.StoreForLaterRetry([]byte("abc"), newAppContext(), p, 2)

	items := storedItems(t, client)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, []byte("abc"), item.Payload)
	assert.Equal(t, "p1", item.PipelineID)
	assert.Equal(t, 2, item.PipelinePosition)
	assert.Equal(t, p.Hash, item.Version)
	assert.Equal(t, "sf-correlation", item.CorrelationID)
	assert.Equal(t, message.ContentTypeJSON, item.ContentType)
	assert.Equal(t, "sensor-01", item.ContextData["devicename"])
	assert.Zero(t, item.RetryCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.queueSize))
}

func TestRetryRemovesWhenPipelineMissing(t *testing.T) {
	e, _, client := newTestEngine(t, nil)

	item := store.NewStoredObject(testServiceKey, []byte("abc"), "ghost", 0, "whatever", nil)
	_, err := client.Store(item)
	require.NoError(t, err)

	e.retryStoredObjects(context.Background())

	assert.Empty(t, storedItems(t, client))
}

func TestRetryRemovesOnVersionMismatch(t *testing.T) {
	e, rt, client := newTestEngine(t, nil)

	var executed bool
	require.NoError(t, rt.AddPipeline("p1", []string{"#"}, func(_ *appcontext.Context, data any) (bool, any) {
		executed = true
		return true, data
	}))

	item := store.NewStoredObject(testServiceKey, []byte("abc"), "p1", 0, "ancient-version", nil)
	_, err := client.Store(item)
	require.NoError(t, err)

	e.retryStoredObjects(context.Background())

	assert.Empty(t, storedItems(t, client))
	assert.False(t, executed)
}

func TestRetryResumesFromPositionAndRemovesOnSuccess(t *testing.T) {
	e, rt, client := newTestEngine(t, nil)

	var ran []int
	var resumeInput any
	mk := func(pos int) pipeline.Transform {
		return func(_ *appcontext.Context, data any) (bool, any) {
			ran = append(ran, pos)
			if pos == 1 {
				resumeInput = data
			}
			return true, data
		}
	}
	require.NoError(t, rt.AddPipeline("p1", []string{"#"}, mk(0), mk(1), mk(2)))
	p, _ := rt.Pipeline("p1")

	item := store.NewStoredObject(testServiceKey, []byte("abc"), "p1", 1, p.Hash, nil)
	_, err := client.Store(item)
	require.NoError(t, err)

	e.retryStoredObjects(context.Background())

	assert.Equal(t, []int{1, 2}, ran)
	assert.Equal(t, []byte("abc"), resumeInput)
	assert.Empty(t, storedItems(t, client))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.queueSize))
}

func TestRetryBumpsCountAndRemovesAtBound(t *testing.T) {
	e, rt, client := newTestEngine(t, func(cfg *config.ServiceConfig) {
		cfg.Writable.StoreAndForward.MaxRetryCount = 2
	})

	require.NoError(t, rt.AddPipeline("p1", []string{"#"}, func(*appcontext.Context, any) (bool, any) {
		return false, errkind.New(errkind.KindCommunicationError, "still down")
	}))
	p, _ := rt.Pipeline("p1")

	item := store.NewStoredObject(testServiceKey, []byte("abc"), "p1", 0, p.Hash, nil)
	_, err := client.Store(item)
	require.NoError(t, err)

	e.retryStoredObjects(context.Background())
	items := storedItems(t, client)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)

	e.retryStoredObjects(context.Background())
	assert.Empty(t, storedItems(t, client))
}

func TestRetryUnboundedWhenMaxCountZero(t *testing.T) {
	e, rt, client := newTestEngine(t, nil)

	require.NoError(t, rt.AddPipeline("p1", []string{"#"}, func(*appcontext.Context, any) (bool, any) {
		return false, errkind.New(errkind.KindCommunicationError, "still down")
	}))
	p, _ := rt.Pipeline("p1")

	item := store.NewStoredObject(testServiceKey, []byte("abc"), "p1", 0, p.Hash, nil)
	_, err := client.Store(item)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e.retryStoredObjects(context.Background())
	}

	items := storedItems(t, client)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].RetryCount)
}

func TestRetryRestoresContext(t *testing.T) {
	e, rt, client := newTestEngine(t, nil)

	var gotDevice, gotCorrelation string
	require.NoError(t, rt.AddPipeline("p1", []string{"#"}, func(appCtx *appcontext.Context, data any) (bool, any) {
		gotDevice, _ = appCtx.GetValue("devicename")
		gotCorrelation = appCtx.CorrelationID()
		return true, data
	}))
	p, _ := rt.Pipeline("p1")

	item := store.NewStoredObject(testServiceKey, []byte("abc"), "p1", 0, p.Hash,
		map[string]string{"devicename": "sensor-42"})
	item.CorrelationID = "retry-correlation"
	_, err := client.Store(item)
	require.NoError(t, err)

	e.retryStoredObjects(context.Background())

	assert.Equal(t, "sensor-42", gotDevice)
	assert.Equal(t, "retry-correlation", gotCorrelation)
}

func TestFailedRetryDoesNotStoreAgain(t *testing.T) {
	e, rt, client := newTestEngine(t, nil)

	require.NoError(t, rt.AddPipeline("p1", []string{"#"}, func(appCtx *appcontext.Context, _ any) (bool, any) {
		appCtx.SetRetryData([]byte("again"))
		return false, errkind.New(errkind.KindCommunicationError, "still down")
	}))
	p, _ := rt.Pipeline("p1")

	item := store.NewStoredObject(testServiceKey, []byte("abc"), "p1", 0, p.Hash, nil)
	_, err := client.Store(item)
	require.NoError(t, err)

	e.retryStoredObjects(context.Background())

	items := storedItems(t, client)
	require.Len(t, items, 1)
	assert.Equal(t, []byte("abc"), items[0].Payload)
}

func TestTriggerRetryWakesLoop(t *testing.T) {
	e, rt, client := newTestEngine(t, func(cfg *config.ServiceConfig) {
		cfg.Writable.StoreAndForward.RetryInterval = "1h"
	})

	require.NoError(t, rt.AddPipeline("p1", []string{"#"}, passthrough))
	p, _ := rt.Pipeline("p1")

	item := store.NewStoredObject(testServiceKey, []byte("abc"), "p1", 0, p.Hash, nil)
	_, err := client.Store(item)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	e.Run(ctx, &wg)

	e.TriggerRetry()

	require.Eventually(t, func() bool {
		items, err := client.RetrieveFromStore(testServiceKey)
		return err == nil && len(items) == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestTriggerRetryDoesNotBlockWhenPending(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	done := make(chan struct{})
	go func() {
		e.TriggerRetry()
		e.TriggerRetry()
		e.TriggerRetry()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TriggerRetry blocked")
	}
}

func TestRetryIntervalRaisedToMinimum(t *testing.T) {
	e, _, _ := newTestEngine(t, func(cfg *config.ServiceConfig) {
		cfg.Writable.StoreAndForward.RetryInterval = "10ms"
	})
	assert.Equal(t, config.MinRetryInterval, e.retryInterval())
}

package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/store"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(mr.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func testObject() store.StoredObject {
	return store.NewStoredObject("unit-test-service", []byte(`{"reading":1}`),
		"default-pipeline", 2, "abc123", map[string]string{"devicename": "sensor-01"})
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	_, err := NewClient("127.0.0.1:1", 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errkind.KindDatabaseError, errkind.KindOf(err))
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	client := newTestClient(t)

	o := testObject()
	o.ContentType = "application/json"
	o.CorrelationID = "corr-1"
	id, err := client.Store(o)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	objects, err := client.RetrieveFromStore("unit-test-service")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	got := objects[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, o.Payload, got.Payload)
	assert.Equal(t, "default-pipeline", got.PipelineID)
	assert.Equal(t, 2, got.PipelinePosition)
	assert.Equal(t, map[string]string{"devicename": "sensor-01"}, got.ContextData)
}

func TestRetrieveFiltersByServiceKey(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Store(testObject())
	require.NoError(t, err)

	other := testObject()
	other.AppServiceKey = "other-service"
	_, err = client.Store(other)
	require.NoError(t, err)

	objects, err := client.RetrieveFromStore("unit-test-service")
	require.NoError(t, err)
	assert.Len(t, objects, 1)

	objects, err = client.RetrieveFromStore("no-such-service")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestUpdateIncrementsRetryCount(t *testing.T) {
	client := newTestClient(t)

	o := testObject()
	id, err := client.Store(o)
	require.NoError(t, err)

	o.ID = id
	o.RetryCount = 5
	require.NoError(t, client.Update(o))

	objects, err := client.RetrieveFromStore("unit-test-service")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, 5, objects[0].RetryCount)
}

func TestUpdateUnknownIDFails(t *testing.T) {
	client := newTestClient(t)

	o := testObject()
	o.ID = "0ff68f65-8afc-4fc5-a2c7-d0f3a30fbd6f"
	err := client.Update(o)
	require.Error(t, err)
	assert.Equal(t, errkind.KindEntityDoesNotExist, errkind.KindOf(err))
}

func TestRemoveFromStore(t *testing.T) {
	client := newTestClient(t)

	o := testObject()
	id, err := client.Store(o)
	require.NoError(t, err)

	o.ID = id
	require.NoError(t, client.RemoveFromStore(o))

	objects, err := client.RetrieveFromStore("unit-test-service")
	require.NoError(t, err)
	assert.Empty(t, objects)

	err = client.RemoveFromStore(o)
	require.Error(t, err)
	assert.Equal(t, errkind.KindEntityDoesNotExist, errkind.KindOf(err))
}

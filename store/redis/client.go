// Package redis persists stored objects in Redis, the backend for
// deployments where several service instances share one queue host.
// Objects are stored as JSON values with a per-service-key set as the
// retrieval index.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/store"
)

const keyPrefix = "appfn:storedobject"

// Client implements store.Client on Redis.
type Client struct {
	client  *redis.Client
	timeout time.Duration
}

// NewClient connects to the Redis instance at addr and verifies the
// connection with a ping.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	c := &Client{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		timeout: timeout,
	}

	ctx, cancel := c.operationContext()
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to connect to redis", err)
	}

	return c, nil
}

func (c *Client) operationContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func objectKey(id string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, id)
}

func indexKey(appServiceKey string) string {
	return fmt.Sprintf("%s:index:%s", keyPrefix, appServiceKey)
}

// Store persists a new object, minting its id when unset, and adds it
// to the service-key index.
func (c *Client) Store(o store.StoredObject) (string, error) {
	if err := o.ValidateContract(false); err != nil {
		return "", err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	data, err := json.Marshal(o)
	if err != nil {
		return "", errkind.Wrap(errkind.KindContractInvalid, "failed to marshal stored object", err)
	}

	ctx, cancel := c.operationContext()
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.Set(ctx, objectKey(o.ID), data, 0)
	pipe.SAdd(ctx, indexKey(o.AppServiceKey), o.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errkind.Wrap(errkind.KindDatabaseError, "failed to store object", err)
	}

	return o.ID, nil
}

// RetrieveFromStore returns all objects indexed under the service key.
// Index members whose value has disappeared are skipped.
func (c *Client) RetrieveFromStore(appServiceKey string) ([]store.StoredObject, error) {
	if appServiceKey == "" {
		return nil, errkind.New(errkind.KindContractInvalid, "app service key is required")
	}

	ctx, cancel := c.operationContext()
	defer cancel()

	ids, err := c.client.SMembers(ctx, indexKey(appServiceKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to read service key index", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, objectKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to fetch stored objects", err)
	}

	objects := make([]store.StoredObject, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to fetch stored object", err)
		}
		var o store.StoredObject
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to unmarshal stored object", err)
		}
		objects = append(objects, o)
	}

	return objects, nil
}

// Update replaces the object identified by o.ID.
func (c *Client) Update(o store.StoredObject) error {
	if err := o.ValidateContract(true); err != nil {
		return err
	}

	data, err := json.Marshal(o)
	if err != nil {
		return errkind.Wrap(errkind.KindContractInvalid, "failed to marshal stored object", err)
	}

	ctx, cancel := c.operationContext()
	defer cancel()

	exists, err := c.client.Exists(ctx, objectKey(o.ID)).Result()
	if err != nil {
		return errkind.Wrap(errkind.KindDatabaseError, "failed to check stored object", err)
	}
	if exists == 0 {
		return errkind.Newf(errkind.KindEntityDoesNotExist, "stored object %s not found", o.ID)
	}

	if err := c.client.Set(ctx, objectKey(o.ID), data, 0).Err(); err != nil {
		return errkind.Wrap(errkind.KindDatabaseError, "failed to update stored object", err)
	}
	return nil
}

// RemoveFromStore deletes the object and its index membership.
func (c *Client) RemoveFromStore(o store.StoredObject) error {
	if err := o.ValidateContract(true); err != nil {
		return err
	}

	ctx, cancel := c.operationContext()
	defer cancel()

	pipe := c.client.Pipeline()
	delCmd := pipe.Del(ctx, objectKey(o.ID))
	pipe.SRem(ctx, indexKey(o.AppServiceKey), o.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errkind.Wrap(errkind.KindDatabaseError, "failed to delete stored object", err)
	}

	if delCmd.Val() == 0 {
		return errkind.Newf(errkind.KindEntityDoesNotExist, "stored object %s not found", o.ID)
	}
	return nil
}

// Disconnect closes the connection pool.
func (c *Client) Disconnect() error {
	return c.client.Close()
}

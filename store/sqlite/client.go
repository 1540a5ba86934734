// Package sqlite persists stored objects in a local SQLite database,
// the default backend for store-and-forward on a single edge node.
package sqlite

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/store"
)

const schema = `
	CREATE TABLE IF NOT EXISTS stored_objects (
		id TEXT PRIMARY KEY,
		app_service_key TEXT NOT NULL,
		payload BLOB NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		pipeline_id TEXT NOT NULL,
		pipeline_position INTEGER NOT NULL,
		version TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		context_data TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_stored_objects_service_key
		ON stored_objects(app_service_key);`

// Client implements store.Client on SQLite.
type Client struct {
	db *sql.DB
}

// NewClient opens or creates the database at path and ensures the
// schema exists. WAL mode keeps the retry loop's reads from blocking
// writes from the pipeline goroutines.
func NewClient(path string) (*Client, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to open sqlite database", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to set WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to set busy timeout", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to create schema", err)
	}

	return &Client{db: db}, nil
}

// Store persists a new object, minting its id when unset.
func (c *Client) Store(o store.StoredObject) (string, error) {
	if err := o.ValidateContract(false); err != nil {
		return "", err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	contextData, err := json.Marshal(o.ContextData)
	if err != nil {
		return "", errkind.Wrap(errkind.KindContractInvalid, "failed to marshal context data", err)
	}

	_, err = c.db.Exec(
		`INSERT INTO stored_objects
			(id, app_service_key, payload, content_type, retry_count,
			 pipeline_id, pipeline_position, version, correlation_id, context_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AppServiceKey, o.Payload, o.ContentType, o.RetryCount,
		o.PipelineID, o.PipelinePosition, o.Version, o.CorrelationID, string(contextData))
	if err != nil {
		return "", errkind.Wrap(errkind.KindDatabaseError, "failed to insert stored object", err)
	}

	return o.ID, nil
}

// RetrieveFromStore returns all objects for the service key, oldest
// insert first (rowid order).
func (c *Client) RetrieveFromStore(appServiceKey string) ([]store.StoredObject, error) {
	if appServiceKey == "" {
		return nil, errkind.New(errkind.KindContractInvalid, "app service key is required")
	}

	rows, err := c.db.Query(
		`SELECT id, app_service_key, payload, content_type, retry_count,
			pipeline_id, pipeline_position, version, correlation_id, context_data
		 FROM stored_objects WHERE app_service_key = ? ORDER BY rowid`,
		appServiceKey)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to query stored objects", err)
	}
	defer func() { _ = rows.Close() }()

	var objects []store.StoredObject
	for rows.Next() {
		var o store.StoredObject
		var contextData string
		if err := rows.Scan(&o.ID, &o.AppServiceKey, &o.Payload, &o.ContentType, &o.RetryCount,
			&o.PipelineID, &o.PipelinePosition, &o.Version, &o.CorrelationID, &contextData); err != nil {
			return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to scan stored object", err)
		}
		if err := json.Unmarshal([]byte(contextData), &o.ContextData); err != nil {
			return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to unmarshal context data", err)
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindDatabaseError, "failed to iterate stored objects", err)
	}

	return objects, nil
}

// Update replaces the object identified by o.ID.
func (c *Client) Update(o store.StoredObject) error {
	if err := o.ValidateContract(true); err != nil {
		return err
	}

	contextData, err := json.Marshal(o.ContextData)
	if err != nil {
		return errkind.Wrap(errkind.KindContractInvalid, "failed to marshal context data", err)
	}

	result, err := c.db.Exec(
		`UPDATE stored_objects SET
			app_service_key = ?, payload = ?, content_type = ?, retry_count = ?,
			pipeline_id = ?, pipeline_position = ?, version = ?, correlation_id = ?, context_data = ?
		 WHERE id = ?`,
		o.AppServiceKey, o.Payload, o.ContentType, o.RetryCount,
		o.PipelineID, o.PipelinePosition, o.Version, o.CorrelationID, string(contextData), o.ID)
	if err != nil {
		return errkind.Wrap(errkind.KindDatabaseError, "failed to update stored object", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errkind.Wrap(errkind.KindDatabaseError, "failed to read affected rows", err)
	}
	if affected == 0 {
		return errkind.Newf(errkind.KindEntityDoesNotExist, "stored object %s not found", o.ID)
	}
	return nil
}

// RemoveFromStore deletes the object identified by o.ID.
func (c *Client) RemoveFromStore(o store.StoredObject) error {
	if err := o.ValidateContract(true); err != nil {
		return err
	}

	result, err := c.db.Exec("DELETE FROM stored_objects WHERE id = ?", o.ID)
	if err != nil {
		return errkind.Wrap(errkind.KindDatabaseError, "failed to delete stored object", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errkind.Wrap(errkind.KindDatabaseError, "failed to read affected rows", err)
	}
	if affected == 0 {
		return errkind.Newf(errkind.KindEntityDoesNotExist, "stored object %s not found", o.ID)
	}
	return nil
}

// Disconnect closes the database.
func (c *Client) Disconnect() error {
	return c.db.Close()
}

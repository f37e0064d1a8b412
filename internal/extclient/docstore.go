package extclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"record-sync-engine/internal/config"
	"record-sync-engine/internal/mapping"
	"record-sync-engine/internal/models"
	"record-sync-engine/internal/ratelimit"
)

// DocStoreClient adapts the System A document/database API. Records look like
//
//	{"id": "...", "last_edited_time": "...", "properties": {...}}
//
// and new records are created inside the configured database.
type DocStoreClient struct {
	api        httpAPI
	databaseID string
}

// NewDocStoreClient builds the System A adapter from config.
func NewDocStoreClient(cfg config.SystemConfig, timeout time.Duration) *DocStoreClient {
	return &DocStoreClient{
		api: httpAPI{
			base:   cfg.BaseURL,
			token:  cfg.APIToken,
			client: &http.Client{Timeout: timeout},
			pacer:  ratelimit.NewPacer(cfg.RatePerSecond),
		},
		databaseID: cfg.ContainerID,
	}
}

func (c *DocStoreClient) FetchRecord(ctx context.Context, id string) (Record, error) {
	body, err := c.api.do(ctx, "docstore fetch", http.MethodGet, "/records/"+id, nil)
	if err != nil {
		return Record{}, err
	}
	return c.decode(body), nil
}

func (c *DocStoreClient) CreateRecord(ctx context.Context, props map[string]any) (Record, error) {
	if c.databaseID == "" {
		return Record{}, &ConfigError{Msg: "docstore create: no database id configured"}
	}
	body, err := c.api.do(ctx, "docstore create", http.MethodPost, "/records", map[string]any{
		"parent":     map[string]any{"database_id": c.databaseID},
		"properties": props,
	})
	if err != nil {
		return Record{}, err
	}
	return c.decode(body), nil
}

func (c *DocStoreClient) UpdateRecord(ctx context.Context, id string, props map[string]any) (Record, error) {
	body, err := c.api.do(ctx, "docstore update", http.MethodPatch, "/records/"+id, map[string]any{
		"properties": props,
	})
	if err != nil {
		return Record{}, err
	}
	return c.decode(body), nil
}

func (c *DocStoreClient) LinkedRecordID(rec Record, rows []models.FieldMapping) string {
	return stringField(rec.Props, mapping.LinkageFieldA(rows))
}

func (c *DocStoreClient) LastModified(rec Record) time.Time {
	return rec.UpdatedAt
}

func (c *DocStoreClient) decode(body map[string]any) Record {
	props, _ := body["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	return Record{
		ID:        stringField(body, "id"),
		UpdatedAt: timeField(body, "last_edited_time"),
		Props:     props,
	}
}

var _ Client = (*DocStoreClient)(nil)

// String identifies the adapter in logs.
func (c *DocStoreClient) String() string {
	return fmt.Sprintf("docstore(%s)", c.api.base)
}

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

// TrackerClient adapts the System B issue-tracker API. Issues are flat
// objects:
//
//	{"id": "...", "updatedAt": "...", "title": "...", "state": "...", "docId": "..."}
//
// and new issues are created under the configured team.
type TrackerClient struct {
	api    httpAPI
	teamID string
}

// NewTrackerClient builds the System B adapter from config.
func NewTrackerClient(cfg config.SystemConfig, timeout time.Duration) *TrackerClient {
	return &TrackerClient{
		api: httpAPI{
			base:   cfg.BaseURL,
			token:  cfg.APIToken,
			client: &http.Client{Timeout: timeout},
			pacer:  ratelimit.NewPacer(cfg.RatePerSecond),
		},
		teamID: cfg.ContainerID,
	}
}

func (c *TrackerClient) FetchRecord(ctx context.Context, id string) (Record, error) {
	body, err := c.api.do(ctx, "tracker fetch", http.MethodGet, "/issues/"+id, nil)
	if err != nil {
		return Record{}, err
	}
	return c.decode(body), nil
}

func (c *TrackerClient) CreateRecord(ctx context.Context, props map[string]any) (Record, error) {
	if c.teamID == "" {
		return Record{}, &ConfigError{Msg: "tracker create: no team id configured"}
	}
	payload := map[string]any{"teamId": c.teamID}
	for k, v := range props {
		payload[k] = v
	}
	body, err := c.api.do(ctx, "tracker create", http.MethodPost, "/issues", payload)
	if err != nil {
		return Record{}, err
	}
	return c.decode(body), nil
}

func (c *TrackerClient) UpdateRecord(ctx context.Context, id string, props map[string]any) (Record, error) {
	body, err := c.api.do(ctx, "tracker update", http.MethodPatch, "/issues/"+id, props)
	if err != nil {
		return Record{}, err
	}
	return c.decode(body), nil
}

func (c *TrackerClient) LinkedRecordID(rec Record, rows []models.FieldMapping) string {
	return stringField(rec.Props, mapping.LinkageFieldB(rows))
}

func (c *TrackerClient) LastModified(rec Record) time.Time {
	return rec.UpdatedAt
}

func (c *TrackerClient) decode(body map[string]any) Record {
	props := make(map[string]any, len(body))
	for k, v := range body {
		if k == "id" || k == "updatedAt" {
			continue
		}
		props[k] = v
	}
	return Record{
		ID:        stringField(body, "id"),
		UpdatedAt: timeField(body, "updatedAt"),
		Props:     props,
	}
}

var _ Client = (*TrackerClient)(nil)

// String identifies the adapter in logs.
func (c *TrackerClient) String() string {
	return fmt.Sprintf("tracker(%s)", c.api.base)
}

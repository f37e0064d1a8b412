// Package extclient holds the typed adapters for the two external systems.
// Adapters are pure translation and transport: every network call is routed
// through the owning system's pacer, and no conflict logic lives here.
package extclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"record-sync-engine/internal/models"
	"record-sync-engine/internal/ratelimit"
)

// Record is a fetched external record normalized to id, last-modified
// timestamp, and the system-native property map.
type Record struct {
	ID        string
	UpdatedAt time.Time
	Props     map[string]any
}

// Client is the minimal surface the sync engine consumes from an external
// system.
type Client interface {
	FetchRecord(ctx context.Context, id string) (Record, error)
	CreateRecord(ctx context.Context, props map[string]any) (Record, error)
	UpdateRecord(ctx context.Context, id string, props map[string]any) (Record, error)
	// LinkedRecordID extracts the counterpart record id stored on the
	// record, if any, using the merged mapping's linkage entry.
	LinkedRecordID(rec Record, rows []models.FieldMapping) string
	// LastModified reads the record's last-modified timestamp.
	LastModified(rec Record) time.Time
}

// TransientError marks a failure worth retrying: network errors and 5xx
// responses from an external system.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ConfigError marks a failure no retry can fix, such as creating a record
// without the required database/team identifier configured.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// IsConfigError reports whether err is terminal misconfiguration.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// httpAPI is the shared transport under both adapters.
type httpAPI struct {
	base   string
	token  string
	client *http.Client
	pacer  *ratelimit.Pacer
}

func (a *httpAPI) do(ctx context.Context, op, method, path string, body any) (map[string]any, error) {
	if err := a.pacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal body: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw))}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, truncate(raw))
	}

	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return out, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		b = b[:limit]
	}
	return string(b)
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func timeField(m map[string]any, key string) time.Time {
	v, ok := m[key].(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

package models

import (
	"fmt"
	"time"
)

// System identifies one of the two connected external systems.
type System string

const (
	// SystemA is the document/database side.
	SystemA System = "a"
	// SystemB is the issue-tracker side.
	SystemB System = "b"
)

// ParseSystem validates a wire tag.
func ParseSystem(s string) (System, error) {
	switch System(s) {
	case SystemA, SystemB:
		return System(s), nil
	default:
		return "", fmt.Errorf("unknown system %q", s)
	}
}

// Other returns the counterpart system.
func (s System) Other() System {
	if s == SystemA {
		return SystemB
	}
	return SystemA
}

// Direction is the closed set of sync flows.
type Direction string

const (
	DirectionAToB Direction = "a-to-b"
	DirectionBToA Direction = "b-to-a"
)

// ParseDirection validates a wire direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionAToB, DirectionBToA:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Source returns the originating system for the direction.
func (d Direction) Source() System {
	if d == DirectionAToB {
		return SystemA
	}
	return SystemB
}

// Target returns the receiving system for the direction.
func (d Direction) Target() System {
	return d.Source().Other()
}

// DirectionFor builds the direction whose source is sys.
func DirectionFor(source System) Direction {
	if source == SystemA {
		return DirectionAToB
	}
	return DirectionBToA
}

// Sync lifecycle states persisted in Postgres.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// SyncJob is the transient payload carried on the queue.
type SyncJob struct {
	OperationID    string         `json:"operation_id"`
	EntityID       string         `json:"entity_id"`
	SourceSystem   System         `json:"source_system"`
	TargetSystem   System         `json:"target_system"`
	SourceRecordID string         `json:"source_record_id"`
	TargetRecordID string         `json:"target_record_id,omitempty"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
	Attempt        int            `json:"attempt"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// Triple returns the sync-relationship key for the job.
func (j SyncJob) Triple() Triple {
	return Triple{EntityID: j.EntityID, Source: j.SourceSystem, Target: j.TargetSystem}
}

// Triple identifies one sync relationship; at most one state row exists per triple.
type Triple struct {
	EntityID string `json:"entity_id"`
	Source   System `json:"source_system"`
	Target   System `json:"target_system"`
}

func (t Triple) String() string {
	return fmt.Sprintf("%s/%s->%s", t.EntityID, t.Source, t.Target)
}

// ErrorEntry is one bounded error_log element on a state row.
type ErrorEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncState is the durable per-triple status record.
type SyncState struct {
	EntityID       string       `json:"entity_id"`
	SourceSystem   System       `json:"source_system"`
	TargetSystem   System       `json:"target_system"`
	SyncStatus     string       `json:"sync_status"`
	TargetRecordID *string      `json:"target_record_id,omitempty"`
	LastSyncedAt   *time.Time   `json:"last_synced_at,omitempty"`
	RetryCount     int          `json:"retry_count"`
	ErrorLog       []ErrorEntry `json:"error_log"`
	Version        int64        `json:"version"`
	OperationID    *string      `json:"operation_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// DeadLetterRecord parks an exhausted job for operator inspection/replay.
type DeadLetterRecord struct {
	OperationID  string    `json:"operation_id"`
	EntityID     string    `json:"entity_id"`
	SourceSystem System    `json:"source_system"`
	TargetSystem System    `json:"target_system"`
	Reason       string    `json:"reason"`
	Payload      SyncJob   `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
}

// MappingDirection restricts which way a mapped field flows.
type MappingDirection string

const (
	MapSourceToTarget MappingDirection = "source-to-target"
	MapTargetToSource MappingDirection = "target-to-source"
	MapBidirectional  MappingDirection = "bidirectional"
)

// FieldMapping is one declarative translation row; loaded rows override the
// built-in defaults on SourceField collision.
type FieldMapping struct {
	SourceField string           `json:"source_field"`
	TargetField string           `json:"target_field"`
	Direction   MappingDirection `json:"direction"`
}

// Fields is the canonical field set both systems translate through.
type Fields struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	State       string `json:"state,omitempty"`
	LinkID      string `json:"link_id,omitempty"`
	// Extra holds values for mapped fields outside the canonical set.
	Extra map[string]string `json:"extra,omitempty"`
}

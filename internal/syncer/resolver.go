package syncer

import (
	"context"
	"fmt"

	"record-sync-engine/internal/mapping"
	"record-sync-engine/internal/models"
	"record-sync-engine/internal/telemetry"
)

// process is the conflict resolver: fetch both sides, compare recency, and
// create/update/reverse as needed. It returns the target record id the
// triple converged onto.
func (e *Engine) process(ctx context.Context, job models.SyncJob) (string, error) {
	source, ok := e.clients[job.SourceSystem]
	if !ok {
		return "", fmt.Errorf("no adapter for system %q", job.SourceSystem)
	}
	target, ok := e.clients[job.TargetSystem]
	if !ok {
		return "", fmt.Errorf("no adapter for system %q", job.TargetSystem)
	}

	loaded, err := e.store.LoadFieldMappings(ctx)
	if err != nil {
		return "", fmt.Errorf("load field mappings: %w", err)
	}
	rows := mapping.Merge(mapping.Defaults(), loaded)

	src, err := source.FetchRecord(ctx, job.SourceRecordID)
	if err != nil {
		return "", fmt.Errorf("fetch source: %w", err)
	}
	srcTime := source.LastModified(src)

	// Resolve the counterpart: explicit id on the job wins, else the
	// linkage field stored on the source record.
	targetID := job.TargetRecordID
	if targetID == "" {
		targetID = source.LinkedRecordID(src, rows)
	}

	if targetID != "" {
		tgt, err := target.FetchRecord(ctx, targetID)
		if err != nil {
			return "", fmt.Errorf("fetch target: %w", err)
		}

		if target.LastModified(tgt).After(srcTime) {
			// The target was edited after the source change this job is
			// carrying. Overwriting it would clobber that edit, so push the
			// target's data back onto the source instead. This also breaks
			// webhook echo loops between the two systems.
			fields := readCanonical(job.TargetSystem, tgt.Props, rows)
			fields.LinkID = tgt.ID
			if _, err := source.UpdateRecord(ctx, src.ID, buildProps(job.SourceSystem, fields, rows)); err != nil {
				return "", fmt.Errorf("reverse update source: %w", err)
			}
			telemetry.ReversedWrites.Inc()
			return targetID, nil
		}

		fields := readCanonical(job.SourceSystem, src.Props, rows)
		fields.LinkID = src.ID
		if _, err := target.UpdateRecord(ctx, targetID, buildProps(job.TargetSystem, fields, rows)); err != nil {
			return "", fmt.Errorf("update target: %w", err)
		}
		return targetID, nil
	}

	// No counterpart yet: create one linked back to the source.
	fields := readCanonical(job.SourceSystem, src.Props, rows)
	fields.LinkID = src.ID
	created, err := target.CreateRecord(ctx, buildProps(job.TargetSystem, fields, rows))
	if err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}
	// Persist the new id on the state row before the success transition so
	// a retried or duplicate job converges onto the same record instead of
	// creating a second one.
	if err := e.store.SetTargetRecordID(ctx, job.Triple(), created.ID); err != nil {
		return "", fmt.Errorf("persist created target id: %w", err)
	}
	return created.ID, nil
}

func readCanonical(sys models.System, props map[string]any, rows []models.FieldMapping) models.Fields {
	if sys == models.SystemA {
		return mapping.FromAProps(props, rows)
	}
	return mapping.FromBProps(props, rows)
}

func buildProps(sys models.System, f models.Fields, rows []models.FieldMapping) map[string]any {
	if sys == models.SystemA {
		return mapping.ToAProps(f, rows)
	}
	return mapping.ToBProps(f, rows)
}

// Package mapping translates between each system's native property shape and
// the canonical field set. Translation is declarative: a merged set of
// mapping rows (built-in defaults overridden by configuration rows loaded
// from Postgres) decides which fields flow and in which direction.
package mapping

import (
	"fmt"

	"record-sync-engine/internal/models"
)

// Canonical slot names. Defaults bind System A property names on the left
// and System B field names on the right.
const (
	slotTitle       = "title"
	slotDescription = "description"
	slotState       = "status"
	slotLink        = "tracker_link"
)

// Defaults is the built-in mapping set: title, description, status/state,
// and the linkage fields used to find the counterpart record.
func Defaults() []models.FieldMapping {
	return []models.FieldMapping{
		{SourceField: slotTitle, TargetField: "title", Direction: models.MapBidirectional},
		{SourceField: slotDescription, TargetField: "description", Direction: models.MapBidirectional},
		{SourceField: slotState, TargetField: "state", Direction: models.MapBidirectional},
		{SourceField: slotLink, TargetField: "docId", Direction: models.MapBidirectional},
	}
}

// Merge layers loaded configuration rows over defaults; a loaded row wins on
// sourceField collision, unknown sourceFields extend the set.
func Merge(defaults, loaded []models.FieldMapping) []models.FieldMapping {
	out := make([]models.FieldMapping, 0, len(defaults)+len(loaded))
	seen := make(map[string]int, len(defaults))
	for _, row := range defaults {
		seen[row.SourceField] = len(out)
		out = append(out, row)
	}
	for _, row := range loaded {
		if i, ok := seen[row.SourceField]; ok {
			out[i] = row
			continue
		}
		seen[row.SourceField] = len(out)
		out = append(out, row)
	}
	return out
}

// FromAProps reads System A native properties into the canonical field set.
func FromAProps(props map[string]any, rows []models.FieldMapping) models.Fields {
	return read(props, rows, func(r models.FieldMapping) string { return r.SourceField })
}

// FromBProps reads System B native fields into the canonical field set.
func FromBProps(props map[string]any, rows []models.FieldMapping) models.Fields {
	return read(props, rows, func(r models.FieldMapping) string { return r.TargetField })
}

// ToAProps builds System A native properties from canonical fields. Only
// rows flowing toward A (target-to-source or bidirectional) are included.
func ToAProps(f models.Fields, rows []models.FieldMapping) map[string]any {
	return build(f, rows,
		func(r models.FieldMapping) string { return r.SourceField },
		func(r models.FieldMapping) bool { return r.Direction != models.MapSourceToTarget })
}

// ToBProps builds System B native fields from canonical fields. Only rows
// flowing toward B (source-to-target or bidirectional) are included.
func ToBProps(f models.Fields, rows []models.FieldMapping) map[string]any {
	return build(f, rows,
		func(r models.FieldMapping) string { return r.TargetField },
		func(r models.FieldMapping) bool { return r.Direction != models.MapTargetToSource })
}

// LinkageFieldA returns the System A property holding the counterpart's id.
func LinkageFieldA(rows []models.FieldMapping) string {
	for _, r := range rows {
		if r.SourceField == slotLink {
			return r.SourceField
		}
	}
	return slotLink
}

// LinkageFieldB returns the System B field holding the counterpart's id.
func LinkageFieldB(rows []models.FieldMapping) string {
	for _, r := range rows {
		if r.SourceField == slotLink {
			return r.TargetField
		}
	}
	return "docId"
}

func read(props map[string]any, rows []models.FieldMapping, name func(models.FieldMapping) string) models.Fields {
	var f models.Fields
	for _, r := range rows {
		val, ok := stringValue(props[name(r)])
		if !ok {
			continue
		}
		switch r.SourceField {
		case slotTitle:
			f.Title = val
		case slotDescription:
			f.Description = val
		case slotState:
			f.State = val
		case slotLink:
			f.LinkID = val
		default:
			if f.Extra == nil {
				f.Extra = make(map[string]string)
			}
			f.Extra[r.SourceField] = val
		}
	}
	return f
}

func build(f models.Fields, rows []models.FieldMapping, name func(models.FieldMapping) string, allowed func(models.FieldMapping) bool) map[string]any {
	props := make(map[string]any)
	for _, r := range rows {
		if !allowed(r) {
			continue
		}
		var val string
		switch r.SourceField {
		case slotTitle:
			val = f.Title
		case slotDescription:
			val = f.Description
		case slotState:
			val = f.State
		case slotLink:
			val = f.LinkID
		default:
			val = f.Extra[r.SourceField]
		}
		if val == "" {
			continue
		}
		props[name(r)] = val
	}
	return props
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	default:
		s := fmt.Sprintf("%v", t)
		return s, s != ""
	}
}

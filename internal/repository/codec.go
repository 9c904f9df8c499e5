package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"moldflow/backend/pkg/models"
)

// recordDocs holds the JSON columns of a workflow record.
type recordDocs struct {
	Fields    []byte
	Decisions []byte
	Stamps    []byte
	Items     []byte
}

func encodeDocs(rec *models.Record) (recordDocs, error) {
	var d recordDocs
	var err error
	fields := rec.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	if d.Fields, err = json.Marshal(fields); err != nil {
		return d, fmt.Errorf("failed to encode fields: %w", err)
	}
	decisions := rec.Decisions
	if decisions == nil {
		decisions = map[models.Gate]models.ApprovalDecision{}
	}
	if d.Decisions, err = json.Marshal(decisions); err != nil {
		return d, fmt.Errorf("failed to encode decisions: %w", err)
	}
	stamps := rec.Stamps
	if stamps == nil {
		stamps = map[models.Status]models.Stamp{}
	}
	if d.Stamps, err = json.Marshal(stamps); err != nil {
		return d, fmt.Errorf("failed to encode stamps: %w", err)
	}
	items := rec.Items
	if items == nil {
		items = []models.ChecklistItem{}
	}
	if d.Items, err = json.Marshal(items); err != nil {
		return d, fmt.Errorf("failed to encode items: %w", err)
	}
	return d, nil
}

func decodeDocs(rec *models.Record, d recordDocs) error {
	rec.Fields = map[string]string{}
	rec.Decisions = map[models.Gate]models.ApprovalDecision{}
	rec.Stamps = map[models.Status]models.Stamp{}
	if err := unmarshalDoc(d.Fields, &rec.Fields); err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	if err := unmarshalDoc(d.Decisions, &rec.Decisions); err != nil {
		return fmt.Errorf("failed to decode decisions: %w", err)
	}
	if err := unmarshalDoc(d.Stamps, &rec.Stamps); err != nil {
		return fmt.Errorf("failed to decode stamps: %w", err)
	}
	if err := unmarshalDoc(d.Items, &rec.Items); err != nil {
		return fmt.Errorf("failed to decode items: %w", err)
	}
	if len(rec.Items) == 0 {
		rec.Items = nil
	}
	return nil
}

func unmarshalDoc(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// ensureID assigns a new UUID to an empty id.
func ensureID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

package jobs

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Job is the durable unit of work tracked through the pipeline. IDs are
// opaque strings assigned by the caller (deduplicated by the registry) or
// generated at creation. Rows are never deleted; terminal jobs stay queryable
// and retryable.
type Job struct {
	ID          string  `gorm:"type:text;primaryKey" json:"id"`
	Owner       string  `gorm:"column:owner;not null;index" json:"owner"`
	SourceRef   string  `gorm:"column:source_ref;type:text;not null" json:"source_ref"`
	DisplayName string  `gorm:"column:display_name;not null;default:''" json:"display_name"`
	Stage       Stage   `gorm:"column:stage;type:text;not null;index" json:"stage"`
	EngineHint  string  `gorm:"column:engine_hint;not null;default:'';index" json:"engine_hint,omitempty"`
	LastError   *string `gorm:"column:last_error;type:text" json:"last_error"`
	TraceID     string  `gorm:"column:trace_id;not null;default:''" json:"trace_id"`

	// Bag accumulates stage outputs key-wise; later writes win per key. The
	// registry never interprets the contents.
	Bag datatypes.JSON `gorm:"column:bag;not null;default:'{}'" json:"bag"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;index" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// JobHistory is the append-only audit record: one entry per committed
// non-idempotent transition, seq strictly increasing per job in commit order.
type JobHistory struct {
	ID    int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID string `gorm:"column:job_id;type:text;not null;index;index:idx_job_history_job_seq,unique,priority:1" json:"job_id"`
	Seq   int64  `gorm:"column:seq;not null;index:idx_job_history_job_seq,unique,priority:2" json:"seq"`
	Stage Stage  `gorm:"column:stage;type:text;not null" json:"stage"`

	At          time.Time      `gorm:"column:at;not null" json:"at"`
	BagSnapshot datatypes.JSON `gorm:"column:bag_snapshot;not null;default:'{}'" json:"bag_snapshot"`
	Error       *string        `gorm:"column:error;type:text" json:"error,omitempty"`
}

func (JobHistory) TableName() string { return "job_history" }

// BagMap decodes a bag column into a mutable map. A nil or empty column
// decodes to an empty map.
func BagMap(raw datatypes.JSON) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeBag folds patch into current key-wise and re-encodes. Keys absent from
// patch are preserved; keys present overwrite.
func MergeBag(current datatypes.JSON, patch map[string]any) (datatypes.JSON, error) {
	if len(patch) == 0 {
		if len(current) == 0 {
			return datatypes.JSON([]byte(`{}`)), nil
		}
		return current, nil
	}
	merged, err := BagMap(current)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

package ledger

import (
	"encoding/json"
	"time"
)

// Event type tags as they appear in update-log event trees.
const (
	EventTypeCreated   = "created_event"
	EventTypeExercised = "exercised_event"
)

// CreatedEvent is a contract creation observed in the ACS or the update log.
type CreatedEvent struct {
	EventID         string          `json:"event_id"`
	ContractID      string          `json:"contract_id"`
	TemplateID      string          `json:"template_id"`
	PackageName     string          `json:"package_name"`
	CreateArguments json.RawMessage `json:"create_arguments"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ExercisedEvent is a choice exercise. Only consuming exercises (archives)
// matter to state reconstruction.
type ExercisedEvent struct {
	EventID    string `json:"event_id"`
	ContractID string `json:"contract_id"`
	TemplateID string `json:"template_id"`
	Choice     string `json:"choice"`
	Consuming  bool   `json:"consuming"`
}

// TreeEvent is one node of an update's event tree, keyed by event id.
// Exactly one of Created/Exercised is set depending on EventType.
type TreeEvent struct {
	EventType string          `json:"event_type"`
	Created   *CreatedEvent   `json:"created_event,omitempty"`
	Exercised *ExercisedEvent `json:"exercised_event,omitempty"`
}

// Update is one entry of the ledger's update log.
type Update struct {
	UpdateID    string               `json:"update_id"`
	MigrationID int64                `json:"migration_id"`
	RecordTime  time.Time            `json:"record_time"`
	WorkflowID  string               `json:"workflow_id,omitempty"`
	EventsByID  map[string]TreeEvent `json:"events_by_id"`
}

// ACSPageResult is one page of the active contract set at a fixed
// (migration, record_time). NextPageToken is the cursor for the following
// page; nil means the ledger offered no hint and the caller should rely on
// page-size heuristics.
type ACSPageResult struct {
	RecordTime    time.Time      `json:"record_time"`
	MigrationID   int64          `json:"migration_id"`
	CreatedEvents []CreatedEvent `json:"created_events"`
	NextPageToken *int64         `json:"next_page_token,omitempty"`
}

// UpdatesPageResult is one page of the update log.
type UpdatesPageResult struct {
	Updates []Update `json:"transactions"`
}

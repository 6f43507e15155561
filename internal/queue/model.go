package queue

import "time"

// Action enumerates the mutation kinds recorded against a domain row.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Status enumerates the lifecycle states of a queue entry.
type Status string

const (
	// StatusPending marks an entry awaiting dispatch.
	StatusPending Status = "PENDING"
	// StatusProcessing marks an entry picked up by an active cycle.
	StatusProcessing Status = "PROCESSING"
	// StatusSuccess marks an entry acknowledged by the server. Terminal.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed marks an entry that exhausted its attempts or was
	// rejected outright. Terminal until an explicit requeue.
	StatusFailed Status = "FAILED"
)

// Entry models one pending local change in the durable mutation queue.
type Entry struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	EntityTable string    `gorm:"column:entity_table;size:190;not null;index:idx_mutation_queue_entity,priority:1"`
	EntityID    string    `gorm:"column:entity_id;size:190;not null;index:idx_mutation_queue_entity,priority:2"`
	Action      Action    `gorm:"column:action;size:16;not null"`
	Payload     *string   `gorm:"column:payload;type:text"`
	Priority    int       `gorm:"column:priority;not null;default:3;index"`
	Attempts    int       `gorm:"column:attempts;not null;default:0"`
	MaxAttempts int       `gorm:"column:max_attempts;not null;default:3"`
	LastError   *string   `gorm:"column:last_error;type:text"`
	Status      Status    `gorm:"column:status;size:16;not null;default:'PENDING';index"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "mutation_queue"
}

// Terminal reports whether the entry can no longer be picked up by a cycle.
func (e Entry) Terminal() bool {
	return e.Status == StatusSuccess || e.Status == StatusFailed
}

// Dispatch priority per entity table: work handed to technicians first,
// captured evidence second, reference data last.
var tablePriorities = map[string]int{
	"work_orders":          1,
	"execution_reports":    1,
	"media_files":          2,
	"checkpoint_responses": 2,
	"assets":               3,
	"user_profile":         4,
	"interventions":        5,
	"asset_categories":     5,
}

const defaultPriority = 3

// PriorityFor returns the fixed dispatch priority for an entity table.
func PriorityFor(table string) int {
	if p, ok := tablePriorities[table]; ok {
		return p
	}
	return defaultPriority
}

package syncer

import "time"

// CycleType enumerates the kinds of sync cycle.
type CycleType string

const (
	CycleFull     CycleType = "FULL"
	CycleUpload   CycleType = "UPLOAD"
	CycleDownload CycleType = "DOWNLOAD"
)

// CycleStatus is the terminal outcome of a cycle.
type CycleStatus string

const (
	CycleSucceeded CycleStatus = "SUCCESS"
	CycleFailed    CycleStatus = "FAILED"
	CycleCancelled CycleStatus = "CANCELLED"
)

// CycleRecord is one append-only audit row of a completed or failed cycle.
// Never mutated after completion; read only for diagnostics and history.
type CycleRecord struct {
	CycleID    string      `gorm:"column:cycle_id;primaryKey;size:190;not null"`
	Type       CycleType   `gorm:"column:cycle_type;size:16;not null"`
	Processed  int         `gorm:"column:processed;not null;default:0"`
	Succeeded  int         `gorm:"column:succeeded;not null;default:0"`
	Failed     int         `gorm:"column:failed;not null;default:0"`
	StartedAt  time.Time   `gorm:"column:started_at;not null;index"`
	EndedAt    time.Time   `gorm:"column:ended_at;not null"`
	DurationMs int64       `gorm:"column:duration_ms;not null;default:0"`
	Status     CycleStatus `gorm:"column:status;size:16;not null;index"`
	Error      string      `gorm:"column:error;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (CycleRecord) TableName() string {
	return "sync_log"
}

// Phase names the orchestrator's active state for progress consumers.
type Phase string

const (
	PhaseChecking    Phase = "checking"
	PhaseUploading   Phase = "uploading"
	PhaseDownloading Phase = "downloading"
	PhaseReconciling Phase = "reconciling"
)

// Progress is one unit-of-work update emitted during a cycle. Current never
// decreases within a cycle.
type Progress struct {
	Current int
	Total   int
	Table   string
	Phase   Phase
}

// Stats summarizes the engine's queryable counters for the UI.
type Stats struct {
	Pending        int64
	Failed         int64
	TotalSynced    int64
	LastSyncAt     time.Time
	LastAutoSyncAt time.Time
}

// ConnectivityReport is the outcome of an explicit reachability test.
type ConnectivityReport struct {
	Reachable bool
	RoundTrip time.Duration
}

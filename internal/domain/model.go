package domain

import "time"

// Entity table names shared with the mutation queue and the wire contract.
const (
	TableWorkOrders          = "work_orders"
	TableExecutionReports    = "execution_reports"
	TableMediaFiles          = "media_files"
	TableCheckpointResponses = "checkpoint_responses"
	TableAssets              = "assets"
)

// Syncable carries the reconciliation metadata every synced entity needs.
// ID is device-assigned; ServerID is assigned by the remote authority once
// accepted and is the natural key for download upserts.
type Syncable struct {
	ID           string     `gorm:"column:id;primaryKey;size:190;not null"`
	ServerID     *int64     `gorm:"column:server_id;uniqueIndex"`
	NeedsSync    bool       `gorm:"column:needs_sync;not null;default:false;index"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null"`
}

// WorkOrder is a unit of field maintenance work assigned to a technician.
type WorkOrder struct {
	Syncable
	Number         string     `gorm:"column:number;size:64;not null;index"`
	Title          string     `gorm:"column:title;size:255;not null"`
	Description    string     `gorm:"column:description;type:text"`
	Status         string     `gorm:"column:status;size:32;not null;index"`
	Priority       string     `gorm:"column:priority;size:32;not null"`
	AssetID        *string    `gorm:"column:asset_id;size:190"`
	AssignedUserID *int64     `gorm:"column:assigned_user_id;index"`
	ScheduledAt    *time.Time `gorm:"column:scheduled_at"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	CompletedAt    *time.Time `gorm:"column:completed_at"`
	Location       string     `gorm:"column:location;size:255"`
	Notes          string     `gorm:"column:notes;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (WorkOrder) TableName() string { return TableWorkOrders }

// ExecutionReport records what a technician actually did against a work order.
type ExecutionReport struct {
	Syncable
	WorkOrderID string     `gorm:"column:work_order_id;size:190;not null;index"`
	OperationID *int64     `gorm:"column:operation_id"`
	Findings    string     `gorm:"column:findings;type:text"`
	StartedAt   *time.Time `gorm:"column:started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

// TableName provides the explicit table binding for GORM.
func (ExecutionReport) TableName() string { return TableExecutionReports }

// MediaFile describes a captured attachment (photo, audio, signature) kept on
// device until its binary is uploaded.
type MediaFile struct {
	Syncable
	OwnerTable string `gorm:"column:owner_table;size:190;not null;index:idx_media_files_owner,priority:1"`
	OwnerID    string `gorm:"column:owner_id;size:190;not null;index:idx_media_files_owner,priority:2"`
	Kind       string `gorm:"column:kind;size:32;not null"`
	LocalPath  string `gorm:"column:local_path;size:512;not null"`
	SizeBytes  int64  `gorm:"column:size_bytes;not null;default:0"`
	Uploaded   bool   `gorm:"column:uploaded;not null;default:false;index"`
	ServerPath string `gorm:"column:server_path;size:512"`
}

// TableName provides the explicit table binding for GORM.
func (MediaFile) TableName() string { return TableMediaFiles }

// CheckpointResponse holds one answered control point of an execution report.
type CheckpointResponse struct {
	Syncable
	ExecutionReportID string `gorm:"column:execution_report_id;size:190;not null;index"`
	CheckpointID      int64  `gorm:"column:checkpoint_id;not null"`
	Value             string `gorm:"column:value;type:text"`
	Unit              string `gorm:"column:unit;size:32"`
}

// TableName provides the explicit table binding for GORM.
func (CheckpointResponse) TableName() string { return TableCheckpointResponses }

// Asset is reference data: the equipment work orders are raised against.
type Asset struct {
	Syncable
	Name        string `gorm:"column:name;size:255;not null"`
	Reference   string `gorm:"column:reference;size:128;index"`
	QRCode      string `gorm:"column:qr_code;size:190;index"`
	Status      string `gorm:"column:status;size:32;not null"`
	Criticality int    `gorm:"column:criticality;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Asset) TableName() string { return TableAssets }

// record is implemented by every syncable entity so the store can work with
// them generically by table name.
type record interface {
	TableName() string
	meta() *Syncable
}

func (w *WorkOrder) meta() *Syncable          { return &w.Syncable }
func (r *ExecutionReport) meta() *Syncable    { return &r.Syncable }
func (m *MediaFile) meta() *Syncable          { return &m.Syncable }
func (c *CheckpointResponse) meta() *Syncable { return &c.Syncable }
func (a *Asset) meta() *Syncable              { return &a.Syncable }

// newRecord returns an empty entity for the named table.
func newRecord(table string) (record, bool) {
	switch table {
	case TableWorkOrders:
		return &WorkOrder{}, true
	case TableExecutionReports:
		return &ExecutionReport{}, true
	case TableMediaFiles:
		return &MediaFile{}, true
	case TableCheckpointResponses:
		return &CheckpointResponse{}, true
	case TableAssets:
		return &Asset{}, true
	default:
		return nil, false
	}
}

// Models lists every domain entity for schema migration.
func Models() []interface{} {
	return []interface{}{
		&WorkOrder{},
		&ExecutionReport{},
		&MediaFile{},
		&CheckpointResponse{},
		&Asset{},
	}
}

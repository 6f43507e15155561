// Package queue manages the durable mutation queue: the ordered record of
// local changes awaiting upload to the remote authority.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBatchLimit = 50

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingEntity   = errors.New("entity table and id are required")
	errUnknownAction   = errors.New("unknown mutation action")
	noOpLogger         = zap.NewNop()
)

const (
	opManagerNew  = "queue.manager.new"
	opEnqueue     = "queue.enqueue"
	opNextBatch   = "queue.next_batch"
	opMarkOutcome = "queue.mark_outcome"
	opRequeue     = "queue.requeue_failed"
	opRelease     = "queue.release_processing"
	opPurge       = "queue.purge"
	opCounts      = "queue.counts"
)

// ManagerError carries a dotted operation code alongside the cause.
type ManagerError struct {
	code string
	err  error
}

func (e *ManagerError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ManagerError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ManagerError) Code() string {
	return e.code
}

func newManagerError(operation, reason string, cause error) error {
	return &ManagerError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ManagerConfig configures a mutation queue manager.
type ManagerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager enqueues, prioritizes, and marks the lifecycle of pending local
// changes. Enqueue is safe to call while a batch from a previous NextBatch is
// still being processed: picked-up rows are PROCESSING and excluded.
type Manager struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, newManagerError(opManagerNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{db: cfg.Database, clock: clock, logger: logger}, nil
}

// EnqueueTx records a pending mutation inside the caller's transaction so a
// domain write and its queue entry commit together. A later enqueue for the
// same (table, entity, action) coalesces into the earliest still-PENDING
// entry's payload instead of inserting a duplicate; PROCESSING entries are
// already being shipped, so those get a fresh row.
func (m *Manager) EnqueueTx(tx *gorm.DB, table, entityID string, action Action, payload *string) (uint, error) {
	if table == "" || entityID == "" {
		return 0, newManagerError(opEnqueue, "missing_entity", errMissingEntity)
	}
	switch action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return 0, newManagerError(opEnqueue, "unknown_action", fmt.Errorf("%w: %q", errUnknownAction, action))
	}

	now := m.clock().UTC()

	var pending []Entry
	err := tx.Where("entity_table = ? AND entity_id = ? AND action = ? AND status = ?",
		table, entityID, action, StatusPending).
		Order("created_at ASC, id ASC").
		Limit(1).
		Find(&pending).Error
	if err != nil {
		m.logError(opEnqueue, "pending_lookup_failed", err,
			zap.String("entity_table", table), zap.String("entity_id", entityID))
		return 0, newManagerError(opEnqueue, "pending_lookup_failed", err)
	}

	if len(pending) == 1 {
		updates := map[string]interface{}{
			"payload":    payload,
			"updated_at": now,
		}
		if err := tx.Model(&Entry{}).Where("id = ?", pending[0].ID).Updates(updates).Error; err != nil {
			m.logError(opEnqueue, "coalesce_failed", err, zap.Uint("entry_id", pending[0].ID))
			return 0, newManagerError(opEnqueue, "coalesce_failed", err)
		}
		return pending[0].ID, nil
	}

	entry := Entry{
		EntityTable: table,
		EntityID:    entityID,
		Action:      action,
		Payload:     payload,
		Priority:    PriorityFor(table),
		Attempts:    0,
		MaxAttempts: 3,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		m.logError(opEnqueue, "insert_failed", err,
			zap.String("entity_table", table), zap.String("entity_id", entityID))
		return 0, newManagerError(opEnqueue, "insert_failed", err)
	}
	return entry.ID, nil
}

// Enqueue records a pending mutation in its own transaction.
func (m *Manager) Enqueue(ctx context.Context, table, entityID string, action Action, payload *string) (uint, error) {
	var entryID uint
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, err := m.EnqueueTx(tx, table, entityID, action, payload)
		if err != nil {
			return err
		}
		entryID = id
		return nil
	})
	return entryID, err
}

// NextBatch returns up to limit PENDING entries in strict priority order with
// FIFO tie-break, marking them PROCESSING in the same transaction so
// concurrent enqueues and later batches skip them.
func (m *Manager) NextBatch(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	var batch []Entry
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ?", StatusPending).
			Order("priority ASC, created_at ASC, id ASC").
			Limit(limit).
			Find(&batch).Error; err != nil {
			return newManagerError(opNextBatch, "select_failed", err)
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(batch))
		for _, entry := range batch {
			ids = append(ids, entry.ID)
		}
		now := m.clock().UTC()
		if err := tx.Model(&Entry{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{"status": StatusProcessing, "updated_at": now}).Error; err != nil {
			return newManagerError(opNextBatch, "mark_processing_failed", err)
		}
		for i := range batch {
			batch[i].Status = StatusProcessing
			batch[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		m.logError(opNextBatch, "transaction_failed", err)
		return nil, err
	}
	return batch, nil
}

// MarkSuccess transitions an entry to its terminal SUCCESS state.
func (m *Manager) MarkSuccess(ctx context.Context, entryID uint) error {
	err := m.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", entryID).
		Updates(map[string]interface{}{
			"status":     StatusSuccess,
			"last_error": nil,
			"updated_at": m.clock().UTC(),
		}).Error
	if err != nil {
		m.logError(opMarkOutcome, "mark_success_failed", err, zap.Uint("entry_id", entryID))
		return newManagerError(opMarkOutcome, "mark_success_failed", err)
	}
	return nil
}

// MarkFailed records a dispatch failure. The entry returns to PENDING for the
// next cycle until attempts reaches max_attempts, at which point it becomes
// FAILED and is surfaced for manual retry.
func (m *Manager) MarkFailed(ctx context.Context, entryID uint, cause string) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		if err := tx.Where("id = ?", entryID).Take(&entry).Error; err != nil {
			return newManagerError(opMarkOutcome, "entry_lookup_failed", err)
		}

		attempts := entry.Attempts + 1
		status := StatusPending
		if attempts >= entry.MaxAttempts {
			status = StatusFailed
		}
		return tx.Model(&Entry{}).Where("id = ?", entryID).
			Updates(map[string]interface{}{
				"attempts":   attempts,
				"status":     status,
				"last_error": cause,
				"updated_at": m.clock().UTC(),
			}).Error
	})
	if err != nil {
		m.logError(opMarkOutcome, "mark_failed_failed", err, zap.Uint("entry_id", entryID))
		return newManagerError(opMarkOutcome, "mark_failed_failed", err)
	}
	return nil
}

// MarkRejected transitions an entry straight to FAILED, bypassing remaining
// attempts. Used for validation errors the server will never accept.
func (m *Manager) MarkRejected(ctx context.Context, entryID uint, cause string) error {
	err := m.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", entryID).
		Updates(map[string]interface{}{
			"status":     StatusFailed,
			"last_error": cause,
			"updated_at": m.clock().UTC(),
		}).Error
	if err != nil {
		m.logError(opMarkOutcome, "mark_rejected_failed", err, zap.Uint("entry_id", entryID))
		return newManagerError(opMarkOutcome, "mark_rejected_failed", err)
	}
	return nil
}

// RequeueFailed resets all FAILED entries to PENDING with zeroed attempts.
// Returns the number of entries requeued.
func (m *Manager) RequeueFailed(ctx context.Context) (int64, error) {
	result := m.db.WithContext(ctx).Model(&Entry{}).Where("status = ?", StatusFailed).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"attempts":   0,
			"last_error": nil,
			"updated_at": m.clock().UTC(),
		})
	if result.Error != nil {
		m.logError(opRequeue, "update_failed", result.Error)
		return 0, newManagerError(opRequeue, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// ReleaseProcessing reverts all PROCESSING entries to PENDING so a cancelled
// or aborted cycle loses no work.
func (m *Manager) ReleaseProcessing(ctx context.Context) (int64, error) {
	result := m.db.WithContext(ctx).Model(&Entry{}).Where("status = ?", StatusProcessing).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"updated_at": m.clock().UTC(),
		})
	if result.Error != nil {
		m.logError(opRelease, "update_failed", result.Error)
		return 0, newManagerError(opRelease, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeOlderThan deletes terminal entries in the given status whose last
// update is older than the retention window.
func (m *Manager) PurgeOlderThan(ctx context.Context, status Status, days int) (int64, error) {
	if status != StatusSuccess && status != StatusFailed {
		return 0, newManagerError(opPurge, "non_terminal_status", fmt.Errorf("status %q is not terminal", status))
	}
	cutoff := m.clock().UTC().AddDate(0, 0, -days)
	result := m.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, cutoff).
		Delete(&Entry{})
	if result.Error != nil {
		m.logError(opPurge, "delete_failed", result.Error, zap.String("status", string(status)))
		return 0, newManagerError(opPurge, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// Counts summarizes entry totals by status.
type Counts struct {
	Pending   int64
	Failed    int64
	Succeeded int64
}

// Counts returns current totals for the queue's pending, failed, and
// succeeded entries.
func (m *Manager) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	for _, probe := range []struct {
		status Status
		target *int64
	}{
		{StatusPending, &counts.Pending},
		{StatusFailed, &counts.Failed},
		{StatusSuccess, &counts.Succeeded},
	} {
		if err := m.db.WithContext(ctx).Model(&Entry{}).
			Where("status = ?", probe.status).
			Count(probe.target).Error; err != nil {
			m.logError(opCounts, "count_failed", err, zap.String("status", string(probe.status)))
			return Counts{}, newManagerError(opCounts, "count_failed", err)
		}
	}
	return counts, nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("mutation queue error", attrs...)
}

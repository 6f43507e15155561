// Package domain owns the device's entity tables and the single write path
// that keeps them consistent with the mutation queue: every local change and
// its queue entry commit in one transaction.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/perimetra/fieldsync/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingQueue      = errors.New("mutation queue manager is required")
	errMissingIDProvider = errors.New("id provider is required")
	errUnknownTable      = errors.New("unknown entity table")
	errMissingServerID   = errors.New("downloaded record is missing its server id")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew        = "domain.store.new"
	opSave            = "domain.save"
	opDelete          = "domain.delete"
	opRecordMutation  = "domain.record_mutation"
	opMergeRemote     = "domain.merge_remote"
	opMarkSynced      = "domain.mark_synced"
	opAssignServerID  = "domain.assign_server_id"
	opMediaUploaded   = "domain.mark_media_uploaded"
	opPendingUploads  = "domain.pending_uploads"
	opLookupMediaFile = "domain.media_lookup"
)

// StoreError carries a dotted operation code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider generates device-assigned entity identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig configures the domain store.
type StoreConfig struct {
	Database   *gorm.DB
	Queue      *queue.Manager
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the single writer of the domain tables.
type Store struct {
	db         *gorm.DB
	queue      *queue.Manager
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Queue == nil {
		return nil, newStoreError(opStoreNew, "missing_queue", errMissingQueue)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		queue:      cfg.Queue,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Save persists the entity and enqueues the matching mutation in one
// transaction. A record without an ID is treated as a local create and gets a
// device-assigned identifier; everything else is an update. The enqueued
// payload is a JSON snapshot of the row as written.
func (s *Store) Save(ctx context.Context, rec record) error {
	meta := rec.meta()
	action := queue.ActionUpdate
	now := s.clock().UTC()

	if meta.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSave, "id_generation_failed", err, zap.String("entity_table", rec.TableName()))
			return newStoreError(opSave, "id_generation_failed", err)
		}
		meta.ID = id
		meta.CreatedAt = now
		action = queue.ActionCreate
	}
	meta.UpdatedAt = now
	meta.NeedsSync = true

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(rec).Error; err != nil {
			s.logError(opSave, "save_failed", err,
				zap.String("entity_table", rec.TableName()), zap.String("entity_id", meta.ID))
			return newStoreError(opSave, "save_failed", err)
		}

		snapshot, err := json.Marshal(rec)
		if err != nil {
			s.logError(opSave, "snapshot_failed", err, zap.String("entity_id", meta.ID))
			return newStoreError(opSave, "snapshot_failed", err)
		}
		payload := string(snapshot)

		if _, err := s.queue.EnqueueTx(tx, rec.TableName(), meta.ID, action, &payload); err != nil {
			s.logError(opSave, "enqueue_failed", err,
				zap.String("entity_table", rec.TableName()), zap.String("entity_id", meta.ID))
			return err
		}
		return nil
	})
}

// Delete removes the entity locally and enqueues a DELETE mutation in the
// same transaction so the remote authority learns about it.
func (s *Store) Delete(ctx context.Context, table, entityID string) error {
	model, ok := newRecord(table)
	if !ok {
		return newStoreError(opDelete, "unknown_table", fmt.Errorf("%w: %q", errUnknownTable, table))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", entityID).Delete(model).Error; err != nil {
			s.logError(opDelete, "delete_failed", err,
				zap.String("entity_table", table), zap.String("entity_id", entityID))
			return newStoreError(opDelete, "delete_failed", err)
		}
		if _, err := s.queue.EnqueueTx(tx, table, entityID, queue.ActionDelete, nil); err != nil {
			s.logError(opDelete, "enqueue_failed", err,
				zap.String("entity_table", table), zap.String("entity_id", entityID))
			return err
		}
		return nil
	})
}

// RecordMutation runs the caller's domain write and enqueues the described
// mutation inside one transaction. This is the boundary used by screens and
// services that write domain data through their own statements.
func (s *Store) RecordMutation(ctx context.Context, table, entityID string, action queue.Action, payload *string, apply func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if apply != nil {
			if err := apply(tx); err != nil {
				s.logError(opRecordMutation, "apply_failed", err,
					zap.String("entity_table", table), zap.String("entity_id", entityID))
				return newStoreError(opRecordMutation, "apply_failed", err)
			}
		}
		if _, err := s.queue.EnqueueTx(tx, table, entityID, action, payload); err != nil {
			s.logError(opRecordMutation, "enqueue_failed", err,
				zap.String("entity_table", table), zap.String("entity_id", entityID))
			return err
		}
		return nil
	})
}

// MergeRemote upserts one downloaded record into the named table keyed by
// server id: insert when absent, full-field overwrite when present. Queue
// entries for the row are left untouched so a pending local change still
// uploads on the next cycle. Merging the same payload twice is idempotent.
func (s *Store) MergeRemote(ctx context.Context, table string, raw json.RawMessage) error {
	incoming, ok := newRecord(table)
	if !ok {
		return newStoreError(opMergeRemote, "unknown_table", fmt.Errorf("%w: %q", errUnknownTable, table))
	}
	if err := json.Unmarshal(raw, incoming); err != nil {
		s.logError(opMergeRemote, "decode_failed", err, zap.String("entity_table", table))
		return newStoreError(opMergeRemote, "decode_failed", err)
	}
	meta := incoming.meta()
	if meta.ServerID == nil {
		return newStoreError(opMergeRemote, "missing_server_id", errMissingServerID)
	}

	now := s.clock().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, ok := newRecord(table)
		if !ok {
			return newStoreError(opMergeRemote, "unknown_table", errUnknownTable)
		}
		err := tx.Where("server_id = ?", *meta.ServerID).Take(existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if meta.ID == "" {
				id, idErr := s.idProvider.NewID()
				if idErr != nil {
					return newStoreError(opMergeRemote, "id_generation_failed", idErr)
				}
				meta.ID = id
			}
			if meta.CreatedAt.IsZero() {
				meta.CreatedAt = now
			}
		case err != nil:
			s.logError(opMergeRemote, "lookup_failed", err,
				zap.String("entity_table", table), zap.Int64("server_id", *meta.ServerID))
			return newStoreError(opMergeRemote, "lookup_failed", err)
		default:
			// Remote state wins field-for-field, local identity survives.
			existingMeta := existing.meta()
			meta.ID = existingMeta.ID
			meta.CreatedAt = existingMeta.CreatedAt

			// With the sync metadata equalized, an unchanged payload means
			// the row is already current: skip the write so repeated merges
			// leave it untouched.
			meta.NeedsSync = existingMeta.NeedsSync
			meta.LastSyncedAt = existingMeta.LastSyncedAt
			meta.UpdatedAt = existingMeta.UpdatedAt
			if reflect.DeepEqual(incoming, existing) {
				return nil
			}
		}

		meta.NeedsSync = false
		syncedAt := now
		meta.LastSyncedAt = &syncedAt
		meta.UpdatedAt = now

		if err := tx.Save(incoming).Error; err != nil {
			s.logError(opMergeRemote, "save_failed", err,
				zap.String("entity_table", table), zap.Int64("server_id", *meta.ServerID))
			return newStoreError(opMergeRemote, "save_failed", err)
		}
		return nil
	})
}

// MarkSynced clears the needs-sync flag after the server acknowledged the row.
func (s *Store) MarkSynced(ctx context.Context, table, entityID string) error {
	model, ok := newRecord(table)
	if !ok {
		return newStoreError(opMarkSynced, "unknown_table", fmt.Errorf("%w: %q", errUnknownTable, table))
	}
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Model(model).Where("id = ?", entityID).
		Updates(map[string]interface{}{
			"needs_sync":     false,
			"last_synced_at": now,
			"updated_at":     now,
		}).Error
	if err != nil {
		s.logError(opMarkSynced, "update_failed", err,
			zap.String("entity_table", table), zap.String("entity_id", entityID))
		return newStoreError(opMarkSynced, "update_failed", err)
	}
	return nil
}

// AssignServerID records the authority-assigned id on a locally created row.
func (s *Store) AssignServerID(ctx context.Context, table, entityID string, serverID int64) error {
	model, ok := newRecord(table)
	if !ok {
		return newStoreError(opAssignServerID, "unknown_table", fmt.Errorf("%w: %q", errUnknownTable, table))
	}
	err := s.db.WithContext(ctx).Model(model).Where("id = ?", entityID).
		Updates(map[string]interface{}{
			"server_id":  serverID,
			"updated_at": s.clock().UTC(),
		}).Error
	if err != nil {
		s.logError(opAssignServerID, "update_failed", err,
			zap.String("entity_table", table), zap.String("entity_id", entityID),
			zap.Int64("server_id", serverID))
		return newStoreError(opAssignServerID, "update_failed", err)
	}
	return nil
}

// MediaFileByID loads one media descriptor.
func (s *Store) MediaFileByID(ctx context.Context, id string) (MediaFile, error) {
	var media MediaFile
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&media).Error; err != nil {
		s.logError(opLookupMediaFile, "lookup_failed", err, zap.String("entity_id", id))
		return MediaFile{}, newStoreError(opLookupMediaFile, "lookup_failed", err)
	}
	return media, nil
}

// MarkMediaUploaded records the server path on a media descriptor once its
// binary has been accepted.
func (s *Store) MarkMediaUploaded(ctx context.Context, id, serverPath string) error {
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Model(&MediaFile{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"uploaded":       true,
			"server_path":    serverPath,
			"needs_sync":     false,
			"last_synced_at": now,
			"updated_at":     now,
		}).Error
	if err != nil {
		s.logError(opMediaUploaded, "update_failed", err, zap.String("entity_id", id))
		return newStoreError(opMediaUploaded, "update_failed", err)
	}
	return nil
}

// PendingMediaUploads lists media descriptors whose binaries have not reached
// the server yet.
func (s *Store) PendingMediaUploads(ctx context.Context) ([]MediaFile, error) {
	var files []MediaFile
	if err := s.db.WithContext(ctx).
		Where("uploaded = ?", false).
		Order("created_at ASC").
		Find(&files).Error; err != nil {
		s.logError(opPendingUploads, "query_failed", err)
		return nil, newStoreError(opPendingUploads, "query_failed", err)
	}
	return files, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("domain store error", attrs...)
}

// Package syncer drives the sync cycle: upload pending mutations, download
// authoritative data, reconcile, and record an audit row. At most one cycle
// runs at a time.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/perimetra/fieldsync/internal/domain"
	"github.com/perimetra/fieldsync/internal/queue"
	"github.com/perimetra/fieldsync/internal/settings"
	"github.com/perimetra/fieldsync/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchLimit    = 50
	defaultRetentionDays = 7
	progressBuffer       = 64
)

var (
	// ErrAlreadySyncing rejects a start request while a cycle is active.
	// Requests are rejected, never queued.
	ErrAlreadySyncing = errors.New("sync cycle already active")
	// ErrNotEligible wraps the gate's denial reason.
	ErrNotEligible = errors.New("sync not eligible")

	errMissingDatabase = errors.New("database handle is required")
	errMissingQueue    = errors.New("mutation queue manager is required")
	errMissingStore    = errors.New("domain store is required")
	errMissingClient   = errors.New("transport client is required")
	errMissingGate     = errors.New("trigger gate is required")
)

// RemoteClient is the slice of the transport client the orchestrator needs.
type RemoteClient interface {
	PushMutations(ctx context.Context, batch []transport.MutationItem) ([]transport.MutationResult, error)
	PullSince(ctx context.Context, watermark time.Time) (transport.PullResult, error)
	UploadAttachment(ctx context.Context, meta transport.AttachmentMeta, content io.Reader) (string, error)
	Ping(ctx context.Context) bool
}

// OrchestratorConfig configures a sync orchestrator.
type OrchestratorConfig struct {
	Database      *gorm.DB
	Queue         *queue.Manager
	Store         *domain.Store
	Client        RemoteClient
	Gate          *Gate
	Settings      *settings.Store
	Clock         func() time.Time
	BatchLimit    int
	RetentionDays int
	Logger        *zap.Logger
}

// Orchestrator coordinates sync cycles.
type Orchestrator struct {
	db        *gorm.DB
	queue     *queue.Manager
	store     *domain.Store
	client    RemoteClient
	gate      *Gate
	settings  *settings.Store
	clock     func() time.Time
	limit     int
	retention int
	logger    *zap.Logger

	active      atomic.Bool
	mu          sync.Mutex
	cancelCycle context.CancelFunc
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Gate == nil {
		return nil, errMissingGate
	}
	if cfg.Settings == nil {
		return nil, errMissingSettings
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = defaultRetentionDays
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		db:        cfg.Database,
		queue:     cfg.Queue,
		store:     cfg.Store,
		client:    cfg.Client,
		gate:      cfg.Gate,
		settings:  cfg.Settings,
		clock:     clock,
		limit:     limit,
		retention: retention,
		logger:    logger,
	}, nil
}

// Result pairs the persisted audit record with the cycle's terminal error.
type Result struct {
	Record CycleRecord
	Err    error
}

// Cycle is a handle on a running sync cycle. Progress is a finite stream
// closed at cycle completion; consumers that fall behind lose intermediate
// ticks but never block the cycle.
type Cycle struct {
	ID       string
	Progress <-chan Progress
	done     chan Result
}

// Wait blocks until the cycle finishes and returns its audit record.
func (c *Cycle) Wait() (CycleRecord, error) {
	result := <-c.done
	return result.Record, result.Err
}

// StartFullSync runs upload, then download, then reconcile.
func (o *Orchestrator) StartFullSync(ctx context.Context) (*Cycle, error) {
	return o.begin(ctx, CycleFull, TriggerManual)
}

// UploadPendingOnly runs the upload half of a cycle only.
func (o *Orchestrator) UploadPendingOnly(ctx context.Context) (*Cycle, error) {
	return o.begin(ctx, CycleUpload, TriggerManual)
}

// AutoSync runs an upload-only background cycle, subject to the automatic
// trigger's interval and preference gates.
func (o *Orchestrator) AutoSync(ctx context.Context) (*Cycle, error) {
	return o.begin(ctx, CycleUpload, TriggerAuto)
}

// RetryFailed resets FAILED queue entries and runs an upload-only cycle.
func (o *Orchestrator) RetryFailed(ctx context.Context) (*Cycle, error) {
	requeued, err := o.queue.RequeueFailed(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Info("failed entries requeued", zap.Int64("count", requeued))
	return o.begin(ctx, CycleUpload, TriggerManual)
}

// Cancel asks the in-flight cycle to stop. The current network call finishes,
// no new phase starts, and PROCESSING entries are reset to PENDING.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelCycle
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Active reports whether a cycle is currently running.
func (o *Orchestrator) Active() bool {
	return o.active.Load()
}

// Stats returns the engine's queryable counters.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	counts, err := o.queue.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:        counts.Pending,
		Failed:         counts.Failed,
		TotalSynced:    counts.Succeeded,
		LastSyncAt:     o.settings.Time(settings.KeyLastSyncTime),
		LastAutoSyncAt: o.settings.Time(settings.KeyLastAutoSyncTime),
	}, nil
}

// TestConnectivity probes the server and reports the round trip.
func (o *Orchestrator) TestConnectivity(ctx context.Context) ConnectivityReport {
	start := o.clock()
	reachable := o.client.Ping(ctx)
	return ConnectivityReport{Reachable: reachable, RoundTrip: o.clock().Sub(start)}
}

// History returns the most recent cycle records, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []CycleRecord
	if err := o.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (o *Orchestrator) begin(ctx context.Context, cycleType CycleType, trigger Trigger) (*Cycle, error) {
	if !o.active.CompareAndSwap(false, true) {
		return nil, ErrAlreadySyncing
	}

	decision := o.gate.CanRun(ctx, trigger, false)
	if !decision.Allowed {
		o.active.Store(false)
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, decision.Reason)
	}

	cycleID, err := uuid.NewV7()
	if err != nil {
		o.active.Store(false)
		return nil, err
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelCycle = cancel
	o.mu.Unlock()

	progress := make(chan Progress, progressBuffer)
	cycle := &Cycle{
		ID:       cycleID.String(),
		Progress: progress,
		done:     make(chan Result, 1),
	}

	go o.run(cycleCtx, cancel, cycleType, trigger, cycle, progress)
	return cycle, nil
}

// tally accumulates per-cycle counters shared by the phases.
type tally struct {
	processed int
	succeeded int
	failed    int
	total     int
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, cycleType CycleType, trigger Trigger, cycle *Cycle, progress chan<- Progress) {
	defer func() {
		cancel()
		o.mu.Lock()
		o.cancelCycle = nil
		o.mu.Unlock()
		o.active.Store(false)
	}()

	startedAt := o.clock().UTC()
	o.logger.Info("sync cycle starting",
		zap.String("cycle_id", cycle.ID),
		zap.String("type", string(cycleType)),
		zap.String("trigger", string(trigger)))

	var counters tally
	emit := func(table string, phase Phase) {
		select {
		case progress <- Progress{Current: counters.processed, Total: counters.total, Table: table, Phase: phase}:
		default:
		}
	}

	watermark := time.Time{}
	cycleErr := o.uploadPhase(ctx, &counters, emit)
	if cycleErr == nil && cycleType == CycleFull {
		watermark, cycleErr = o.downloadPhase(ctx, &counters, emit)
	}

	status := CycleSucceeded
	errText := ""
	switch {
	case errors.Is(cycleErr, context.Canceled):
		status = CycleCancelled
		errText = "cancelled"
		cycleErr = nil
	case cycleErr != nil:
		status = CycleFailed
		errText = cycleErr.Error()
	}

	if status != CycleSucceeded {
		// A stopped cycle must not strand PROCESSING entries.
		if _, releaseErr := o.queue.ReleaseProcessing(context.WithoutCancel(ctx)); releaseErr != nil {
			o.logger.Error("processing release failed", zap.String("cycle_id", cycle.ID), zap.Error(releaseErr))
		}
	} else {
		emit("", PhaseReconciling)
		if err := o.reconcile(ctx, cycleType, trigger, watermark); err != nil {
			status = CycleFailed
			errText = err.Error()
			cycleErr = err
		}
	}

	endedAt := o.clock().UTC()
	record := CycleRecord{
		CycleID:    cycle.ID,
		Type:       cycleType,
		Processed:  counters.processed,
		Succeeded:  counters.succeeded,
		Failed:     counters.failed,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		DurationMs: endedAt.Sub(startedAt).Milliseconds(),
		Status:     status,
		Error:      errText,
	}
	if err := o.db.WithContext(context.WithoutCancel(ctx)).Create(&record).Error; err != nil {
		o.logger.Error("cycle record persist failed", zap.String("cycle_id", cycle.ID), zap.Error(err))
		if cycleErr == nil {
			cycleErr = err
		}
	}

	o.logger.Info("sync cycle finished",
		zap.String("cycle_id", cycle.ID),
		zap.String("status", string(status)),
		zap.Int("processed", counters.processed),
		zap.Int("succeeded", counters.succeeded),
		zap.Int("failed", counters.failed),
		zap.Int64("duration_ms", record.DurationMs))

	close(progress)
	cycle.done <- Result{Record: record, Err: cycleErr}
	close(cycle.done)
}

// uploadPhase drains the mutation queue in priority order, grouping entries
// by entity table. Entries that revert to PENDING after a transient failure
// are not re-dispatched within the same cycle.
func (o *Orchestrator) uploadPhase(ctx context.Context, counters *tally, emit func(string, Phase)) error {
	counts, err := o.queue.Counts(ctx)
	if err != nil {
		return err
	}
	counters.total += int(counts.Pending)

	seen := make(map[uint]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := o.queue.NextBatch(ctx, o.limit)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		unseen := batch[:0:0]
		for _, entry := range batch {
			if !seen[entry.ID] {
				unseen = append(unseen, entry)
				seen[entry.ID] = true
			}
		}
		if len(unseen) == 0 {
			// Everything left was already attempted this cycle.
			if _, err := o.queue.ReleaseProcessing(ctx); err != nil {
				return err
			}
			break
		}

		for _, group := range groupByTable(unseen) {
			if err := ctx.Err(); err != nil {
				return err
			}
			var groupErr error
			if group.table == domain.TableMediaFiles {
				groupErr = o.uploadMediaGroup(ctx, group.entries, counters, emit)
			} else {
				groupErr = o.pushGroup(ctx, group.table, group.entries, counters, emit)
			}
			if groupErr != nil {
				return groupErr
			}
		}
	}

	// Entries skipped above are still PROCESSING; put them back.
	if _, err := o.queue.ReleaseProcessing(ctx); err != nil {
		return err
	}
	return nil
}

type tableGroup struct {
	table   string
	entries []queue.Entry
}

// groupByTable splits a batch by entity table, preserving batch order both
// across and within groups so per-entity FIFO survives grouping.
func groupByTable(entries []queue.Entry) []tableGroup {
	var groups []tableGroup
	index := map[string]int{}
	for _, entry := range entries {
		i, ok := index[entry.EntityTable]
		if !ok {
			i = len(groups)
			index[entry.EntityTable] = i
			groups = append(groups, tableGroup{table: entry.EntityTable})
		}
		groups[i].entries = append(groups[i].entries, entry)
	}
	return groups
}

// pushGroup ships one table's entries as a push batch and maps the per-item
// results back onto queue entries. Results arrive in batch order, and a batch
// can hold several entries for the same entity (a CREATE followed by an
// UPDATE), so entries pair with results by position, not by entity id.
func (o *Orchestrator) pushGroup(ctx context.Context, table string, entries []queue.Entry, counters *tally, emit func(string, Phase)) error {
	items := make([]transport.MutationItem, 0, len(entries))
	for _, entry := range entries {
		item := transport.MutationItem{
			Table:  table,
			Action: string(entry.Action),
			ID:     entry.EntityID,
		}
		if entry.Payload != nil {
			item.Payload = json.RawMessage(*entry.Payload)
		}
		items = append(items, item)
	}

	results, err := o.client.PushMutations(ctx, items)
	if err != nil {
		return o.markGroupError(ctx, table, entries, counters, emit, err)
	}

	for i, entry := range entries {
		var cause string
		switch {
		case i >= len(results):
			cause = "no result returned for item"
		case results[i].ID != entry.EntityID:
			cause = "result out of order for item"
		}
		if cause != "" {
			if err := o.queue.MarkFailed(ctx, entry.ID, cause); err != nil {
				return err
			}
			counters.processed++
			counters.failed++
			emit(table, PhaseUploading)
			continue
		}

		result := results[i]
		if result.Accepted {
			if err := o.acknowledgeEntry(ctx, table, entry, result); err != nil {
				return err
			}
			counters.succeeded++
		} else {
			if err := o.queue.MarkRejected(ctx, entry.ID, result.Error); err != nil {
				return err
			}
			counters.failed++
		}
		counters.processed++
		emit(table, PhaseUploading)
	}
	return nil
}

// acknowledgeEntry finalizes one accepted mutation: terminal queue state,
// server id capture, and the entity's needs-sync flag.
func (o *Orchestrator) acknowledgeEntry(ctx context.Context, table string, entry queue.Entry, result transport.MutationResult) error {
	if err := o.queue.MarkSuccess(ctx, entry.ID); err != nil {
		return err
	}
	if entry.Action == queue.ActionDelete {
		return nil
	}
	if result.ServerID != nil {
		if err := o.store.AssignServerID(ctx, table, entry.EntityID, *result.ServerID); err != nil {
			return err
		}
	}
	return o.store.MarkSynced(ctx, table, entry.EntityID)
}

// markGroupError records a batch-level transport failure on every entry in
// the group. Session termination aborts the cycle; everything else is
// absorbed per entry and the cycle moves on.
func (o *Orchestrator) markGroupError(ctx context.Context, table string, entries []queue.Entry, counters *tally, emit func(string, Phase), cause error) error {
	if errors.Is(cause, transport.ErrSessionTerminated) || errors.Is(cause, context.Canceled) {
		return cause
	}

	var apiErr *transport.APIError
	rejected := errors.As(cause, &apiErr) && !apiErr.Transient() && !apiErr.AuthFailure()

	for _, entry := range entries {
		var markErr error
		if rejected {
			markErr = o.queue.MarkRejected(ctx, entry.ID, cause.Error())
		} else {
			markErr = o.queue.MarkFailed(ctx, entry.ID, cause.Error())
		}
		if markErr != nil {
			return markErr
		}
		counters.processed++
		counters.failed++
		emit(table, PhaseUploading)
	}
	o.logger.Warn("mutation group dispatch failed",
		zap.String("entity_table", table),
		zap.Int("entries", len(entries)),
		zap.Error(cause))
	return nil
}

// uploadMediaGroup ships media descriptors one binary at a time through the
// attachment endpoint. Deletes go through the regular push path.
func (o *Orchestrator) uploadMediaGroup(ctx context.Context, entries []queue.Entry, counters *tally, emit func(string, Phase)) error {
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if entry.Action == queue.ActionDelete {
			if err := o.pushGroup(ctx, domain.TableMediaFiles, []queue.Entry{entry}, counters, emit); err != nil {
				return err
			}
			continue
		}

		media, err := o.store.MediaFileByID(ctx, entry.EntityID)
		if err != nil {
			if markErr := o.queue.MarkFailed(ctx, entry.ID, "media descriptor missing"); markErr != nil {
				return markErr
			}
			counters.processed++
			counters.failed++
			emit(domain.TableMediaFiles, PhaseUploading)
			continue
		}

		if media.Uploaded {
			if err := o.queue.MarkSuccess(ctx, entry.ID); err != nil {
				return err
			}
			counters.processed++
			counters.succeeded++
			emit(domain.TableMediaFiles, PhaseUploading)
			continue
		}

		file, err := os.Open(media.LocalPath)
		if err != nil {
			if markErr := o.queue.MarkFailed(ctx, entry.ID, fmt.Sprintf("open local file: %v", err)); markErr != nil {
				return markErr
			}
			counters.processed++
			counters.failed++
			emit(domain.TableMediaFiles, PhaseUploading)
			continue
		}

		serverPath, uploadErr := o.client.UploadAttachment(ctx, transport.AttachmentMeta{
			MediaID:    media.ID,
			OwnerTable: media.OwnerTable,
			OwnerID:    media.OwnerID,
			Kind:       media.Kind,
			FileName:   media.LocalPath,
		}, file)
		file.Close()

		if uploadErr != nil {
			if groupErr := o.markGroupError(ctx, domain.TableMediaFiles, []queue.Entry{entry}, counters, emit, uploadErr); groupErr != nil {
				return groupErr
			}
			continue
		}

		if err := o.store.MarkMediaUploaded(ctx, media.ID, serverPath); err != nil {
			return err
		}
		if err := o.queue.MarkSuccess(ctx, entry.ID); err != nil {
			return err
		}
		counters.processed++
		counters.succeeded++
		emit(domain.TableMediaFiles, PhaseUploading)
	}
	return nil
}

// downloadPhase pulls authoritative data since the watermark and merges each
// collection into the local store by server id.
func (o *Orchestrator) downloadPhase(ctx context.Context, counters *tally, emit func(string, Phase)) (time.Time, error) {
	since := o.settings.Time(settings.KeyLastSyncTime)
	pull, err := o.client.PullSince(ctx, since)
	if err != nil {
		return time.Time{}, err
	}

	tables := make([]string, 0, len(pull.Collections))
	for table := range pull.Collections {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		records := pull.Collections[table]
		counters.total += len(records)
		for _, raw := range records {
			if err := ctx.Err(); err != nil {
				return time.Time{}, err
			}
			// Store failures here are fatal: a half-merged download
			// must fail the cycle loudly, not be swallowed.
			if err := o.store.MergeRemote(ctx, table, raw); err != nil {
				return time.Time{}, err
			}
			counters.processed++
			counters.succeeded++
			emit(table, PhaseDownloading)
		}
	}

	watermark := pull.Watermark
	if watermark.IsZero() {
		watermark = o.clock().UTC()
	}
	return watermark, nil
}

// reconcile advances the watermark and purges aged terminal state.
func (o *Orchestrator) reconcile(ctx context.Context, cycleType CycleType, trigger Trigger, watermark time.Time) error {
	if cycleType == CycleFull && !watermark.IsZero() {
		if err := o.settings.SetTime(settings.KeyLastSyncTime, watermark); err != nil {
			return err
		}
	}
	if trigger == TriggerAuto {
		if err := o.settings.SetTime(settings.KeyLastAutoSyncTime, o.clock().UTC()); err != nil {
			return err
		}
	}

	purged, err := o.queue.PurgeOlderThan(ctx, queue.StatusSuccess, o.retention)
	if err != nil {
		return err
	}
	if purged > 0 {
		o.logger.Debug("aged queue entries purged", zap.Int64("count", purged))
	}

	cutoff := o.clock().UTC().AddDate(0, 0, -o.retention)
	if err := o.db.WithContext(ctx).
		Where("status = ? AND ended_at < ?", CycleSucceeded, cutoff).
		Delete(&CycleRecord{}).Error; err != nil {
		return err
	}
	return nil
}

package sourcesync

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

type RecordError struct {
	RecordID   string `json:"recordId"`
	ExternalID string `json:"externalId"`
	Message    string `json:"message"`
}

type RunSummary struct {
	RunID      string        `json:"runId"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Checked    int           `json:"checked"`
	Confirmed  int           `json:"confirmed"`
	Drifted    int           `json:"drifted"`
	Deleted    int           `json:"deleted"`
	Errors     []RecordError `json:"errors,omitempty"`
}

type ReconcilerOptions struct {
	BatchSize          int
	StalenessThreshold time.Duration
	RunBudget          time.Duration
	Logger             *log.Logger
	Clock              func() time.Time
}

// Reconciler is the level-triggered backstop for the webhook path:
// webhook delivery is best-effort, and a silent remote deletion
// produces no notification at all, so referenced records are
// periodically re-verified against the source of truth.
type Reconciler struct {
	store     *Store
	client    SourceClient
	batchSize int
	staleness time.Duration
	runBudget time.Duration
	logger    *log.Logger
	now       func() time.Time
}

func NewReconciler(store *Store, client SourceClient, opts ReconcilerOptions) *Reconciler {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	staleness := opts.StalenessThreshold
	if staleness <= 0 {
		staleness = 7 * 24 * time.Hour
	}
	runBudget := opts.RunBudget
	if runBudget <= 0 {
		runBudget = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		store:     store,
		client:    client,
		batchSize: batchSize,
		staleness: staleness,
		runBudget: runBudget,
		logger:    logger,
		now:       now,
	}
}

// Run executes one reconciliation pass. Records are processed
// sequentially to keep external API concurrency at one; a failing
// record is recorded and skipped, never fatal to the batch. Records
// that do not fit the batch or the wall-clock budget stay stale and are
// picked up on the next tick.
func (r *Reconciler) Run(ctx context.Context) (RunSummary, error) {
	started := r.now()
	summary := RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: started,
	}
	deadline := started.Add(r.runBudget)
	cutoff := started.Add(-r.staleness)
	batch := r.store.ListStaleRecords(cutoff, r.batchSize)

	for _, item := range batch {
		if err := ctx.Err(); err != nil {
			break
		}
		if r.now().After(deadline) {
			r.logger.Printf("sourcesync: run %s hit wall-clock budget after %d records", summary.RunID, summary.Checked)
			break
		}
		summary.Checked++
		r.reconcileRecord(ctx, item, &summary)
	}

	summary.FinishedAt = r.now()
	r.store.AppendRunSummary(summary)
	r.logger.Printf("sourcesync: run %s checked=%d confirmed=%d drifted=%d deleted=%d errors=%d",
		summary.RunID, summary.Checked, summary.Confirmed, summary.Drifted, summary.Deleted, len(summary.Errors))
	return summary, ctx.Err()
}

func (r *Reconciler) reconcileRecord(ctx context.Context, item StaleRecord, summary *RunSummary) {
	recordID := item.Record.ID
	externalID := item.Mapping.ExternalID

	snap, err := r.client.FetchRecord(ctx, externalID)
	if errors.Is(err, ErrSourceNotFound) {
		if _, markErr := r.store.MarkSourceDeleted(recordID, r.now(), OriginReconciler, summary.RunID); markErr != nil {
			summary.Errors = append(summary.Errors, RecordError{RecordID: recordID, ExternalID: externalID, Message: markErr.Error()})
			return
		}
		summary.Deleted++
		return
	}
	if err != nil {
		summary.Errors = append(summary.Errors, RecordError{RecordID: recordID, ExternalID: externalID, Message: err.Error()})
		return
	}

	if Fingerprint(snap) == item.Record.SourceContentHash {
		if _, confirmErr := r.store.ConfirmRecord(recordID, r.now(), OriginReconciler, summary.RunID); confirmErr != nil {
			summary.Errors = append(summary.Errors, RecordError{RecordID: recordID, ExternalID: externalID, Message: confirmErr.Error()})
			return
		}
		summary.Confirmed++
		return
	}

	upd := BuildUpdate(snap, r.now(), SyncStatusDrifted)
	if _, applyErr := r.store.ApplyUpdate(recordID, upd, OriginReconciler, summary.RunID); applyErr != nil {
		summary.Errors = append(summary.Errors, RecordError{RecordID: recordID, ExternalID: externalID, Message: applyErr.Error()})
		return
	}
	if syncErr := r.store.UpdateMappingSync(item.Mapping.ID, snap.UpdatedAt, r.now()); syncErr != nil {
		summary.Errors = append(summary.Errors, RecordError{RecordID: recordID, ExternalID: externalID, Message: syncErr.Error()})
		return
	}
	summary.Drifted++
}

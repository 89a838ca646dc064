package sourcesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationEventCreated           NotificationType = "event.created"
	NotificationEventUpdated           NotificationType = "event.updated"
	NotificationEventAddedToCollection NotificationType = "event.added_to_collection"
)

// Notification is one decoded change notification from the external
// platform. Authenticity is the transport layer's problem: by the time
// a notification reaches the processor it has already been verified.
type Notification struct {
	Type          NotificationType `json:"type"`
	DeliveryID    string           `json:"deliveryId,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Event         Snapshot         `json:"event"`
}

type IngestOutcome string

const (
	OutcomeCreated                  IngestOutcome = "created"
	OutcomeUpdated                  IngestOutcome = "updated"
	OutcomeSkippedStale             IngestOutcome = "skipped_stale"
	OutcomeSkippedUnlisted          IngestOutcome = "skipped_unlisted"
	OutcomeSkippedUnknownCollection IngestOutcome = "skipped_unknown_collection"
	OutcomeSkippedSourceDeleted     IngestOutcome = "skipped_source_deleted"
	OutcomeIgnored                  IngestOutcome = "ignored"
)

type IngestResult struct {
	Outcome    IngestOutcome `json:"outcome"`
	RecordID   string        `json:"recordId,omitempty"`
	ExternalID string        `json:"externalId,omitempty"`
}

type ProcessorOptions struct {
	Logger *log.Logger
	Clock  func() time.Time
}

// Processor is the edge-triggered ingestion path: one notification in,
// at most one record touched, idempotent under redelivery and safe
// under concurrent duplicates of the same external id.
type Processor struct {
	store    *Store
	resolver CollectionResolver
	logger   *log.Logger
	now      func() time.Time
}

func NewProcessor(store *Store, resolver CollectionResolver, opts ProcessorOptions) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{store: store, resolver: resolver, logger: logger, now: now}
}

// ProcessNotification applies one notification. A nil error with a
// skipped/ignored outcome means the delivery was understood and should
// be acknowledged; the platform must not redeliver it.
func (p *Processor) ProcessNotification(ctx context.Context, n Notification) (IngestResult, error) {
	if err := ctx.Err(); err != nil {
		return IngestResult{}, err
	}
	if strings.TrimSpace(string(n.Type)) == "" {
		return IngestResult{}, fmt.Errorf("%w: missing notification type", ErrInvalidInput)
	}
	switch n.Type {
	case NotificationEventCreated, NotificationEventUpdated, NotificationEventAddedToCollection:
	default:
		// Registrant-level and other non-event notifications are
		// acknowledged without touching any state.
		return IngestResult{Outcome: OutcomeIgnored}, nil
	}

	externalID := strings.TrimSpace(n.Event.ExternalID)
	if externalID == "" {
		return IngestResult{}, fmt.Errorf("%w: missing event externalId", ErrInvalidInput)
	}
	if n.Event.UpdatedAt.IsZero() {
		return IngestResult{}, fmt.Errorf("%w: missing event updatedAt", ErrInvalidInput)
	}
	result := IngestResult{ExternalID: externalID}

	if !isPublishable(n.Event) {
		result.Outcome = OutcomeSkippedUnlisted
		p.store.RecordSkippedNotification(externalID, string(OutcomeSkippedUnlisted), n.CorrelationID)
		return result, nil
	}

	organizationID, err := p.resolver.ResolveCollection(n.Event.CollectionID)
	if errors.Is(err, ErrNotFound) {
		p.logger.Printf("sourcesync: skipping %s, unknown collection %q", externalID, n.Event.CollectionID)
		result.Outcome = OutcomeSkippedUnknownCollection
		p.store.RecordSkippedNotification(externalID, string(OutcomeSkippedUnknownCollection), n.CorrelationID)
		return result, nil
	}
	if err != nil {
		return IngestResult{}, err
	}

	mapping, err := p.store.FindMappingByExternalID(externalID)
	if errors.Is(err, ErrNotFound) {
		rec := NewRecordFromSnapshot(n.Event, organizationID, p.now())
		created, _, insertErr := p.store.InsertReferenced(rec, Mapping{
			ID:              uuid.NewString(),
			ExternalID:      externalID,
			CollectionID:    n.Event.CollectionID,
			RemoteUpdatedAt: n.Event.UpdatedAt,
			LastSyncedAt:    p.now(),
		})
		if insertErr == nil {
			result.Outcome = OutcomeCreated
			result.RecordID = created.ID
			return result, nil
		}
		if !errors.Is(insertErr, ErrMappingExists) {
			return IngestResult{}, insertErr
		}
		// Lost the creation race to a concurrent duplicate delivery.
		// The mapping exists now; fall through to the update path.
		mapping, err = p.store.FindMappingByExternalID(externalID)
	}
	if err != nil {
		return IngestResult{}, err
	}
	result.RecordID = mapping.RecordID

	if !n.Event.UpdatedAt.After(mapping.RemoteUpdatedAt) {
		// Duplicate or out-of-order delivery; the stored state is
		// already at least this new.
		result.Outcome = OutcomeSkippedStale
		return result, nil
	}

	upd := BuildUpdate(n.Event, p.now(), SyncStatusSynced)
	if _, applyErr := p.store.ApplyUpdate(mapping.RecordID, upd, OriginWebhook, n.CorrelationID); applyErr != nil {
		if errors.Is(applyErr, ErrInvalidState) {
			// The record is source_deleted locally. Whether a late
			// webhook should revive it is undecided product intent, so
			// the delivery is acknowledged and dropped.
			result.Outcome = OutcomeSkippedSourceDeleted
			p.store.RecordSkippedNotification(externalID, string(OutcomeSkippedSourceDeleted), n.CorrelationID)
			return result, nil
		}
		return IngestResult{}, applyErr
	}
	if err := p.store.UpdateMappingSync(mapping.ID, n.Event.UpdatedAt, p.now()); err != nil {
		return IngestResult{}, err
	}
	result.Outcome = OutcomeUpdated
	return result, nil
}

func isPublishable(snap Snapshot) bool {
	switch strings.ToLower(strings.TrimSpace(snap.Visibility)) {
	case "public", "listed":
		return true
	default:
		return false
	}
}

package sourcesync

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

func newTestProcessor(t *testing.T) (*Processor, *Store) {
	t.Helper()
	store := newTestStore(t)
	if err := store.RegisterCollection("cal_1", "org_1"); err != nil {
		t.Fatalf("RegisterCollection: %v", err)
	}
	proc := NewProcessor(store, store, ProcessorOptions{
		Logger: log.New(io.Discard, "", 0),
	})
	return proc, store
}

func createdNotification() Notification {
	return Notification{
		Type:          NotificationEventCreated,
		DeliveryID:    "dlv_1",
		CorrelationID: "corr_1",
		Event:         baseSnapshot(),
	}
}

func TestProcessNotificationCreatesRecordAndMapping(t *testing.T) {
	proc, store := newTestProcessor(t)

	res, err := proc.ProcessNotification(context.Background(), createdNotification())
	if err != nil {
		t.Fatalf("ProcessNotification: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("expected created outcome, got %s", res.Outcome)
	}
	rec, err := store.GetRecord(res.RecordID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Ownership != OwnershipReferenced || rec.SyncStatus != SyncStatusSynced {
		t.Fatalf("unexpected record state: ownership=%s status=%s", rec.Ownership, rec.SyncStatus)
	}
	if rec.OrganizationID != "org_1" {
		t.Fatalf("record not bound to the collection's organization: %s", rec.OrganizationID)
	}
	if rec.SourceContentHash != Fingerprint(baseSnapshot()) {
		t.Fatalf("record hash not seeded from the snapshot")
	}
	mapping, err := store.FindMappingByExternalID(baseSnapshot().ExternalID)
	if err != nil {
		t.Fatalf("FindMappingByExternalID: %v", err)
	}
	if mapping.RecordID != rec.ID {
		t.Fatalf("mapping points at %s, want %s", mapping.RecordID, rec.ID)
	}
}

func TestProcessNotificationIsIdempotentUnderRedelivery(t *testing.T) {
	proc, store := newTestProcessor(t)

	first, err := proc.ProcessNotification(context.Background(), createdNotification())
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := proc.ProcessNotification(context.Background(), createdNotification())
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if second.Outcome != OutcomeSkippedStale {
		t.Fatalf("expected redelivery skipped as stale, got %s", second.Outcome)
	}
	if second.RecordID != first.RecordID {
		t.Fatalf("redelivery resolved to a different record")
	}
	if got := len(store.ListRecordsByOrganization("org_1")); got != 1 {
		t.Fatalf("redelivery created a duplicate record, have %d", got)
	}
}

func TestProcessNotificationConcurrentDuplicatesCreateOneRecord(t *testing.T) {
	proc, store := newTestProcessor(t)

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := proc.ProcessNotification(context.Background(), createdNotification()); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent delivery failed: %v", err)
	}
	if got := len(store.ListRecordsByOrganization("org_1")); got != 1 {
		t.Fatalf("expected one record after concurrent duplicates, got %d", got)
	}
}

func TestProcessNotificationAppliesNewerUpdate(t *testing.T) {
	proc, store := newTestProcessor(t)

	created, err := proc.ProcessNotification(context.Background(), createdNotification())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n := createdNotification()
	n.Type = NotificationEventUpdated
	n.Event.Name = "Demo Night (moved)"
	n.Event.VenueName = "Annex"
	n.Event.UpdatedAt = n.Event.UpdatedAt.Add(time.Hour)

	res, err := proc.ProcessNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Outcome != OutcomeUpdated || res.RecordID != created.RecordID {
		t.Fatalf("unexpected update result %+v", res)
	}
	rec, err := store.GetRecord(created.RecordID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Name != "Demo Night (moved)" || rec.VenueName != "Annex" {
		t.Fatalf("remote changes not merged: name=%q venue=%q", rec.Name, rec.VenueName)
	}
	if rec.SourceContentHash != Fingerprint(n.Event) {
		t.Fatalf("hash not refreshed on merge")
	}
	mapping, err := store.FindMappingByExternalID(n.Event.ExternalID)
	if err != nil {
		t.Fatalf("FindMappingByExternalID: %v", err)
	}
	if !mapping.RemoteUpdatedAt.Equal(n.Event.UpdatedAt) {
		t.Fatalf("mapping watermark not advanced: %s", mapping.RemoteUpdatedAt)
	}
}

func TestProcessNotificationRejectsOutOfOrderDelivery(t *testing.T) {
	proc, store := newTestProcessor(t)

	newer := createdNotification()
	newer.Event.Name = "Latest Title"
	newer.Event.UpdatedAt = newer.Event.UpdatedAt.Add(2 * time.Hour)
	created, err := proc.ProcessNotification(context.Background(), newer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	older := createdNotification()
	older.Type = NotificationEventUpdated
	older.Event.Name = "Stale Title"
	res, err := proc.ProcessNotification(context.Background(), older)
	if err != nil {
		t.Fatalf("stale delivery: %v", err)
	}
	if res.Outcome != OutcomeSkippedStale {
		t.Fatalf("expected stale delivery skipped, got %s", res.Outcome)
	}
	rec, err := store.GetRecord(created.RecordID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Name != "Latest Title" {
		t.Fatalf("out-of-order delivery overwrote newer state: %q", rec.Name)
	}
}

func TestProcessNotificationSkipsUnknownCollection(t *testing.T) {
	proc, store := newTestProcessor(t)

	n := createdNotification()
	n.Event.CollectionID = "cal_unregistered"
	res, err := proc.ProcessNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("ProcessNotification: %v", err)
	}
	if res.Outcome != OutcomeSkippedUnknownCollection {
		t.Fatalf("expected unknown-collection skip, got %s", res.Outcome)
	}
	if _, err := store.FindMappingByExternalID(n.Event.ExternalID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("skip must not create a mapping, got %v", err)
	}
}

func TestProcessNotificationSkipsUnlistedEvents(t *testing.T) {
	proc, _ := newTestProcessor(t)

	n := createdNotification()
	n.Event.Visibility = "private"
	res, err := proc.ProcessNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("ProcessNotification: %v", err)
	}
	if res.Outcome != OutcomeSkippedUnlisted {
		t.Fatalf("expected unlisted skip, got %s", res.Outcome)
	}
}

func TestProcessNotificationIgnoresIrrelevantTypes(t *testing.T) {
	proc, _ := newTestProcessor(t)

	res, err := proc.ProcessNotification(context.Background(), Notification{Type: "registrant.created"})
	if err != nil {
		t.Fatalf("ProcessNotification: %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored outcome, got %s", res.Outcome)
	}
}

func TestProcessNotificationValidatesRequiredFields(t *testing.T) {
	proc, _ := newTestProcessor(t)

	missingID := createdNotification()
	missingID.Event.ExternalID = ""
	if _, err := proc.ProcessNotification(context.Background(), missingID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing external id, got %v", err)
	}

	missingUpdatedAt := createdNotification()
	missingUpdatedAt.Event.UpdatedAt = time.Time{}
	if _, err := proc.ProcessNotification(context.Background(), missingUpdatedAt); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing updatedAt, got %v", err)
	}

	if _, err := proc.ProcessNotification(context.Background(), Notification{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing type, got %v", err)
	}
}

func TestProcessNotificationDoesNotReviveSourceDeleted(t *testing.T) {
	proc, store := newTestProcessor(t)

	created, err := proc.ProcessNotification(context.Background(), createdNotification())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkSourceDeleted(created.RecordID, time.Now().UTC(), OriginReconciler, "run_1"); err != nil {
		t.Fatalf("MarkSourceDeleted: %v", err)
	}

	late := createdNotification()
	late.Type = NotificationEventUpdated
	late.Event.Name = "Back From The Dead"
	late.Event.UpdatedAt = late.Event.UpdatedAt.Add(time.Hour)
	res, err := proc.ProcessNotification(context.Background(), late)
	if err != nil {
		t.Fatalf("late delivery: %v", err)
	}
	if res.Outcome != OutcomeSkippedSourceDeleted {
		t.Fatalf("expected source-deleted skip, got %s", res.Outcome)
	}
	rec, err := store.GetRecord(created.RecordID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.SyncStatus != SyncStatusSourceDeleted || rec.Name == "Back From The Dead" {
		t.Fatalf("deleted record was revived: status=%s name=%q", rec.SyncStatus, rec.Name)
	}
}

func TestProcessNotificationHonorsCanceledContext(t *testing.T) {
	proc, _ := newTestProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := proc.ProcessNotification(ctx, createdNotification()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

package sourcesync

import (
	"testing"
	"time"
)

func TestBuildUpdateCarriesRemoteFieldsAndHash(t *testing.T) {
	snap := baseSnapshot()
	checkedAt := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	upd := BuildUpdate(snap, checkedAt, SyncStatusSynced)
	if upd.Name != snap.Name || upd.Description != snap.Description {
		t.Fatalf("update set does not carry remote display fields")
	}
	if !upd.StartAt.Equal(snap.StartAt) || !upd.EndAt.Equal(snap.EndAt) {
		t.Fatalf("update set does not carry remote timestamps")
	}
	if upd.VenueName != snap.VenueName || upd.VenueAddress != snap.VenueAddress {
		t.Fatalf("update set does not carry remote venue fields")
	}
	if upd.ContentHash != Fingerprint(snap) {
		t.Fatalf("update set hash does not match the snapshot fingerprint")
	}
	if !upd.CheckedAt.Equal(checkedAt) {
		t.Fatalf("expected checkedAt %s, got %s", checkedAt, upd.CheckedAt)
	}
	if upd.Status != SyncStatusSynced {
		t.Fatalf("expected status synced, got %s", upd.Status)
	}
}

func TestBuildUpdateStatusFollowsCaller(t *testing.T) {
	upd := BuildUpdate(baseSnapshot(), time.Now().UTC(), SyncStatusDrifted)
	if upd.Status != SyncStatusDrifted {
		t.Fatalf("expected drifted status, got %s", upd.Status)
	}
}

func TestNewRecordFromSnapshot(t *testing.T) {
	snap := baseSnapshot()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	rec := NewRecordFromSnapshot(snap, "org_1", now)
	if rec.Ownership != OwnershipReferenced {
		t.Fatalf("expected referenced ownership, got %s", rec.Ownership)
	}
	if rec.SyncStatus != SyncStatusSynced {
		t.Fatalf("expected synced status, got %s", rec.SyncStatus)
	}
	if rec.OrganizationID != "org_1" {
		t.Fatalf("expected org binding org_1, got %s", rec.OrganizationID)
	}
	if rec.SourceContentHash != Fingerprint(snap) {
		t.Fatalf("expected hash seeded from snapshot fingerprint")
	}
	if rec.LastSourceCheckAt == nil || !rec.LastSourceCheckAt.Equal(now) {
		t.Fatalf("expected lastSourceCheckAt seeded to now")
	}
	if len(rec.Tags) != 0 {
		t.Fatalf("new referenced record must not carry local tags")
	}
}

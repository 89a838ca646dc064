package sourcesync

import "time"

// FieldUpdate is the merge policy's output: the exact set of fields a
// remote snapshot is allowed to overwrite on a referenced record.
// Fields the user can only edit locally (tags, organization binding)
// are deliberately absent, which is what preserves them across merges.
type FieldUpdate struct {
	Name          string
	Description   string
	StartAt       time.Time
	EndAt         time.Time
	VenueName     string
	VenueAddress  string
	CoverImageURL string
	ContentHash   string
	CheckedAt     time.Time
	Status        SyncStatus
}

// BuildUpdate computes the remote-wins field set for applying snap to a
// referenced record. Pure: both the webhook path and the reconciler
// consume it so the merge rules live in exactly one place. The caller
// picks the resulting status, synced for webhook merges and drifted
// when the reconciler catches an update the webhook path missed. The
// set is wider than the fingerprint: venue address and cover image are
// overwritten here even though Fingerprint never inspects them.
func BuildUpdate(snap Snapshot, checkedAt time.Time, status SyncStatus) FieldUpdate {
	return FieldUpdate{
		Name:          snap.Name,
		Description:   snap.Description,
		StartAt:       snap.StartAt,
		EndAt:         snap.EndAt,
		VenueName:     snap.VenueName,
		VenueAddress:  snap.VenueAddress,
		CoverImageURL: snap.CoverImageURL,
		ContentHash:   Fingerprint(snap),
		CheckedAt:     checkedAt,
		Status:        status,
	}
}

// NewRecordFromSnapshot builds the referenced record created on first
// sight of an external event.
func NewRecordFromSnapshot(snap Snapshot, organizationID string, now time.Time) EventRecord {
	checkedAt := now
	return EventRecord{
		OrganizationID:    organizationID,
		Name:              snap.Name,
		Description:       snap.Description,
		StartAt:           snap.StartAt,
		EndAt:             snap.EndAt,
		VenueName:         snap.VenueName,
		VenueAddress:      snap.VenueAddress,
		CoverImageURL:     snap.CoverImageURL,
		Ownership:         OwnershipReferenced,
		SyncStatus:        SyncStatusSynced,
		SourceContentHash: Fingerprint(snap),
		LastSourceCheckAt: &checkedAt,
	}
}

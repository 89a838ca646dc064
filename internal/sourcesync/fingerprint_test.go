package sourcesync

import (
	"testing"
	"time"
)

func baseSnapshot() Snapshot {
	return Snapshot{
		ExternalID:   "evt_ext_1",
		CollectionID: "cal_1",
		Name:         "Demo Night",
		Description:  "Monthly community demos",
		StartAt:      time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		EndAt:        time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		VenueName:    "Main Hall",
		VenueAddress: "1 Example St",
		Visibility:   "public",
		UpdatedAt:    time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		ViewCount:    17,
	}
}

func TestFingerprintIsStable(t *testing.T) {
	snap := baseSnapshot()
	first := Fingerprint(snap)
	second := Fingerprint(snap)
	if first == "" {
		t.Fatalf("expected non-empty fingerprint")
	}
	if first != second {
		t.Fatalf("fingerprint not stable: %s vs %s", first, second)
	}
}

func TestFingerprintChangesWithSyncRelevantFields(t *testing.T) {
	base := Fingerprint(baseSnapshot())

	mutations := map[string]func(*Snapshot){
		"name":        func(s *Snapshot) { s.Name = "Demo Night v2" },
		"description": func(s *Snapshot) { s.Description = "changed" },
		"start":       func(s *Snapshot) { s.StartAt = s.StartAt.Add(time.Hour) },
		"end":         func(s *Snapshot) { s.EndAt = s.EndAt.Add(time.Hour) },
		"venue":       func(s *Snapshot) { s.VenueName = "Annex" },
	}
	for field, mutate := range mutations {
		snap := baseSnapshot()
		mutate(&snap)
		if Fingerprint(snap) == base {
			t.Fatalf("changing %s did not change the fingerprint", field)
		}
	}
}

func TestFingerprintIgnoresVolatileFields(t *testing.T) {
	base := Fingerprint(baseSnapshot())

	snap := baseSnapshot()
	snap.ViewCount = 99999
	snap.Visibility = "unlisted"
	snap.VenueAddress = "2 Other St"
	snap.CoverImageURL = "https://img.example/new.png"
	snap.UpdatedAt = snap.UpdatedAt.Add(48 * time.Hour)
	if Fingerprint(snap) != base {
		t.Fatalf("volatile field change altered the fingerprint")
	}
}

func TestFingerprintNormalizesTimezones(t *testing.T) {
	base := Fingerprint(baseSnapshot())

	zone := time.FixedZone("UTC+2", 2*60*60)
	snap := baseSnapshot()
	snap.StartAt = snap.StartAt.In(zone)
	snap.EndAt = snap.EndAt.In(zone)
	if Fingerprint(snap) != base {
		t.Fatalf("same instant in a different zone produced a different fingerprint")
	}
}

package sourcesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrMappingExists  = errors.New("mapping already exists")
	ErrOwnedRecord    = errors.New("record is locally owned")
	ErrNotImplemented = errors.New("not implemented")
)

type Ownership string

const (
	OwnershipOwned      Ownership = "owned"
	OwnershipReferenced Ownership = "referenced"
)

type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusDrifted       SyncStatus = "drifted"
	SyncStatusSourceDeleted SyncStatus = "source_deleted"
	SyncStatusUnknown       SyncStatus = "unknown"
)

type Origin string

const (
	OriginWebhook    Origin = "webhook"
	OriginReconciler Origin = "reconciler"
)

// EventRecord is the locally stored representation of a calendar event.
// Records with Ownership == OwnershipOwned belong to the product layer
// and are never mutated through this package's sync paths.
type EventRecord struct {
	ID                string     `json:"id"`
	OrganizationID    string     `json:"organizationId"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	StartAt           time.Time  `json:"startAt"`
	EndAt             time.Time  `json:"endAt"`
	VenueName         string     `json:"venueName,omitempty"`
	VenueAddress      string     `json:"venueAddress,omitempty"`
	CoverImageURL     string     `json:"coverImageUrl,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	Ownership         Ownership  `json:"ownership"`
	SyncStatus        SyncStatus `json:"syncStatus,omitempty"`
	SourceContentHash string     `json:"sourceContentHash,omitempty"`
	LastSourceCheckAt *time.Time `json:"lastSourceCheckAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Mapping binds one external event id to exactly one local record id,
// scoped to the external collection the event was seen under. Mappings
// are never deleted while the record exists; they are what keeps a late
// duplicate notification from creating a second record.
type Mapping struct {
	ID              string    `json:"id"`
	ExternalID      string    `json:"externalId"`
	RecordID        string    `json:"recordId"`
	CollectionID    string    `json:"collectionId"`
	RemoteUpdatedAt time.Time `json:"remoteUpdatedAt"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Snapshot is the external platform's current view of one event.
// ViewCount changes on effectively every fetch and must stay out of the
// content fingerprint.
type Snapshot struct {
	ExternalID    string    `json:"externalId"`
	CollectionID  string    `json:"collectionId"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	StartAt       time.Time `json:"startAt"`
	EndAt         time.Time `json:"endAt"`
	VenueName     string    `json:"venueName,omitempty"`
	VenueAddress  string    `json:"venueAddress,omitempty"`
	CoverImageURL string    `json:"coverImageUrl,omitempty"`
	Visibility    string    `json:"visibility,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ViewCount     int64     `json:"viewCount,omitempty"`
}

type SyncEvent struct {
	EventID       string `json:"eventId"`
	Type          string `json:"type"`
	RecordID      string `json:"recordId,omitempty"`
	ExternalID    string `json:"externalId,omitempty"`
	Origin        Origin `json:"origin"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     string `json:"timestamp"`
}

type SyncEventFeed struct {
	Events     []SyncEvent `json:"events"`
	NextCursor *string     `json:"nextCursor"`
}

type SyncOverview struct {
	Records       int `json:"records"`
	Owned         int `json:"owned"`
	Referenced    int `json:"referenced"`
	Synced        int `json:"synced"`
	Drifted       int `json:"drifted"`
	SourceDeleted int `json:"sourceDeleted"`
	Mappings      int `json:"mappings"`
	Collections   int `json:"collections"`
}

// StaleRecord pairs a referenced record with its mapping for a
// reconciliation pass.
type StaleRecord struct {
	Record  EventRecord
	Mapping Mapping
}

// CollectionResolver resolves an external collection id to the internal
// organization that owns events under it.
type CollectionResolver interface {
	ResolveCollection(externalCollectionID string) (string, error)
}

type persistedState struct {
	Records      map[string]EventRecord `json:"records"`
	Mappings     map[string]Mapping     `json:"mappings"`
	Collections  map[string]string      `json:"collections"`
	Events       []SyncEvent            `json:"events"`
	Runs         []RunSummary           `json:"runs"`
	EventCounter uint64                 `json:"eventCounter"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type StoreOptions struct {
	StateBackend    StateBackend
	MaxSyncEvents   int
	MaxRunSummaries int
	Clock           func() time.Time
}

// Store holds records, mappings and registered collections behind one
// RWMutex, with durability delegated to a pluggable StateBackend
// snapshot. All sync invariants are enforced at this write boundary.
type Store struct {
	mu                sync.RWMutex
	records           map[string]EventRecord
	mappings          map[string]Mapping
	mappingByExternal map[string]string
	mappingByRecord   map[string]string
	collections       map[string]string
	events            []SyncEvent
	runs              []RunSummary
	eventCounter      uint64
	backend           StateBackend
	maxSyncEvents     int
	maxRuns           int
	now               func() time.Time

	subMu       sync.Mutex
	subscribers map[int]chan SyncEvent
	nextSubID   int
	closeOnce   sync.Once
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	maxSyncEvents := opts.MaxSyncEvents
	if maxSyncEvents <= 0 {
		maxSyncEvents = 1000
	}
	maxRuns := opts.MaxRunSummaries
	if maxRuns <= 0 {
		maxRuns = 50
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		records:           map[string]EventRecord{},
		mappings:          map[string]Mapping{},
		mappingByExternal: map[string]string{},
		mappingByRecord:   map[string]string{},
		collections:       map[string]string{},
		events:            []SyncEvent{},
		runs:              []RunSummary{},
		backend:           opts.StateBackend,
		maxSyncEvents:     maxSyncEvents,
		maxRuns:           maxRuns,
		now:               now,
		subscribers:       map[int]chan SyncEvent{},
	}
	if err := s.loadFromBackend(); err != nil {
		// A corrupt or unreachable snapshot must not take the engine
		// down; the store starts empty and the backend overwrites on
		// the next save.
		s.records = map[string]EventRecord{}
		s.mappings = map[string]Mapping{}
		s.mappingByExternal = map[string]string{}
		s.mappingByRecord = map[string]string{}
		s.collections = map[string]string{}
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.subMu.Lock()
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subMu.Unlock()
		if closer, ok := s.backend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	})
}

// RegisterCollection binds an external collection id to an internal
// organization. Re-registering an id overwrites the binding.
func (s *Store) RegisterCollection(externalCollectionID, organizationID string) error {
	externalCollectionID = strings.TrimSpace(externalCollectionID)
	organizationID = strings.TrimSpace(organizationID)
	if externalCollectionID == "" || organizationID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[externalCollectionID] = organizationID
	return s.saveLocked()
}

func (s *Store) ResolveCollection(externalCollectionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orgID, ok := s.collections[strings.TrimSpace(externalCollectionID)]
	if !ok {
		return "", ErrNotFound
	}
	return orgID, nil
}

// CreateOwnedRecord inserts a user-created event. Owned records carry
// no sync fields and are invisible to the ingestion and reconciliation
// paths.
func (s *Store) CreateOwnedRecord(rec EventRecord) (EventRecord, error) {
	if strings.TrimSpace(rec.Name) == "" || strings.TrimSpace(rec.OrganizationID) == "" {
		return EventRecord{}, ErrInvalidInput
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Ownership = OwnershipOwned
	rec.SyncStatus = ""
	rec.SourceContentHash = ""
	rec.LastSourceCheckAt = nil
	ts := s.now()
	rec.CreatedAt = ts
	rec.UpdatedAt = ts

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return EventRecord{}, ErrInvalidState
	}
	s.records[rec.ID] = rec
	if err := s.saveLocked(); err != nil {
		return EventRecord{}, err
	}
	return rec, nil
}

// InsertReferenced atomically creates a referenced record and its
// mapping. The external-id index acts as the uniqueness constraint: a
// concurrent duplicate create returns ErrMappingExists, which callers
// treat as "already created" and fall through to the update path.
func (s *Store) InsertReferenced(rec EventRecord, m Mapping) (EventRecord, Mapping, error) {
	m.ExternalID = strings.TrimSpace(m.ExternalID)
	if m.ExternalID == "" || strings.TrimSpace(m.CollectionID) == "" {
		return EventRecord{}, Mapping{}, ErrInvalidInput
	}
	if rec.Ownership != OwnershipReferenced {
		return EventRecord{}, Mapping{}, ErrInvalidInput
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.RecordID = rec.ID
	ts := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = ts
	}
	rec.UpdatedAt = ts
	m.CreatedAt = ts

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mappingByExternal[m.ExternalID]; exists {
		return EventRecord{}, Mapping{}, ErrMappingExists
	}
	if _, exists := s.mappingByRecord[rec.ID]; exists {
		return EventRecord{}, Mapping{}, ErrMappingExists
	}
	if _, exists := s.records[rec.ID]; exists {
		return EventRecord{}, Mapping{}, ErrInvalidState
	}
	s.records[rec.ID] = rec
	s.mappings[m.ID] = m
	s.mappingByExternal[m.ExternalID] = m.ID
	s.mappingByRecord[rec.ID] = m.ID
	s.appendSyncEventLocked(SyncEvent{
		Type:       "record.created",
		RecordID:   rec.ID,
		ExternalID: m.ExternalID,
		Origin:     OriginWebhook,
	})
	if err := s.saveLocked(); err != nil {
		return EventRecord{}, Mapping{}, err
	}
	return rec, m, nil
}

func (s *Store) GetRecord(recordID string) (EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok {
		return EventRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) ListRecordsByOrganization(organizationID string) []EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EventRecord, 0)
	for _, rec := range s.records {
		if rec.OrganizationID == organizationID {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyUpdate applies a merge-policy field set to a referenced record.
// Owned records are rejected outright, and a source_deleted record is
// never revived by a merge.
func (s *Store) ApplyUpdate(recordID string, upd FieldUpdate, origin Origin, correlationID string) (EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return EventRecord{}, ErrNotFound
	}
	if rec.Ownership != OwnershipReferenced {
		return EventRecord{}, ErrOwnedRecord
	}
	if rec.SyncStatus == SyncStatusSourceDeleted {
		return EventRecord{}, ErrInvalidState
	}
	rec.Name = upd.Name
	rec.Description = upd.Description
	rec.StartAt = upd.StartAt
	rec.EndAt = upd.EndAt
	rec.VenueName = upd.VenueName
	rec.VenueAddress = upd.VenueAddress
	rec.CoverImageURL = upd.CoverImageURL
	rec.SourceContentHash = upd.ContentHash
	checkedAt := upd.CheckedAt
	rec.LastSourceCheckAt = &checkedAt
	rec.SyncStatus = upd.Status
	rec.UpdatedAt = s.now()
	s.records[recordID] = rec

	eventType := "record.merged"
	if upd.Status == SyncStatusDrifted {
		eventType = "record.drifted"
	}
	s.appendSyncEventLocked(SyncEvent{
		Type:          eventType,
		RecordID:      recordID,
		Origin:        origin,
		CorrelationID: correlationID,
	})
	if err := s.saveLocked(); err != nil {
		return EventRecord{}, err
	}
	return cloneRecord(rec), nil
}

// ConfirmRecord marks a referenced record as verified unchanged. Only
// the staleness timestamp and status move; content fields stay as-is.
func (s *Store) ConfirmRecord(recordID string, checkedAt time.Time, origin Origin, correlationID string) (EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return EventRecord{}, ErrNotFound
	}
	if rec.Ownership != OwnershipReferenced {
		return EventRecord{}, ErrOwnedRecord
	}
	if rec.SyncStatus == SyncStatusSourceDeleted {
		return EventRecord{}, ErrInvalidState
	}
	rec.SyncStatus = SyncStatusSynced
	rec.LastSourceCheckAt = &checkedAt
	rec.UpdatedAt = s.now()
	s.records[recordID] = rec
	s.appendSyncEventLocked(SyncEvent{
		Type:          "record.confirmed",
		RecordID:      recordID,
		Origin:        origin,
		CorrelationID: correlationID,
	})
	if err := s.saveLocked(); err != nil {
		return EventRecord{}, err
	}
	return cloneRecord(rec), nil
}

// MarkSourceDeleted records a confirmed remote deletion. The record and
// its content are kept for a human to archive; only the status and the
// check timestamp change.
func (s *Store) MarkSourceDeleted(recordID string, checkedAt time.Time, origin Origin, correlationID string) (EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return EventRecord{}, ErrNotFound
	}
	if rec.Ownership != OwnershipReferenced {
		return EventRecord{}, ErrOwnedRecord
	}
	rec.SyncStatus = SyncStatusSourceDeleted
	rec.LastSourceCheckAt = &checkedAt
	rec.UpdatedAt = s.now()
	s.records[recordID] = rec
	s.appendSyncEventLocked(SyncEvent{
		Type:          "record.source_deleted",
		RecordID:      recordID,
		Origin:        origin,
		CorrelationID: correlationID,
	})
	if err := s.saveLocked(); err != nil {
		return EventRecord{}, err
	}
	return cloneRecord(rec), nil
}

func (s *Store) FindMappingByExternalID(externalID string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mappingID, ok := s.mappingByExternal[strings.TrimSpace(externalID)]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return s.mappings[mappingID], nil
}

func (s *Store) FindMappingByRecordID(recordID string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mappingID, ok := s.mappingByRecord[recordID]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return s.mappings[mappingID], nil
}

func (s *Store) UpdateMappingSync(mappingID string, remoteUpdatedAt, lastSyncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[mappingID]
	if !ok {
		return ErrNotFound
	}
	m.RemoteUpdatedAt = remoteUpdatedAt
	m.LastSyncedAt = lastSyncedAt
	s.mappings[mappingID] = m
	return s.saveLocked()
}

// ListStaleRecords selects referenced records whose last source check
// is older than the cutoff (never-checked counts as infinitely stale),
// oldest first, capped at limit. Records already marked source_deleted
// are skipped; re-fetching a known-deleted event only burns API budget.
func (s *Store) ListStaleRecords(olderThan time.Time, limit int) []StaleRecord {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	candidates := make([]StaleRecord, 0)
	for recordID, mappingID := range s.mappingByRecord {
		rec, ok := s.records[recordID]
		if !ok || rec.Ownership != OwnershipReferenced {
			continue
		}
		if rec.SyncStatus == SyncStatusSourceDeleted {
			continue
		}
		if rec.LastSourceCheckAt != nil && !rec.LastSourceCheckAt.Before(olderThan) {
			continue
		}
		candidates = append(candidates, StaleRecord{Record: cloneRecord(rec), Mapping: s.mappings[mappingID]})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].Record.LastSourceCheckAt, candidates[j].Record.LastSourceCheckAt
		switch {
		case a == nil && b == nil:
			return candidates[i].Record.ID < candidates[j].Record.ID
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return candidates[i].Record.ID < candidates[j].Record.ID
		}
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

func (s *Store) Overview() SyncOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := SyncOverview{
		Records:     len(s.records),
		Mappings:    len(s.mappings),
		Collections: len(s.collections),
	}
	for _, rec := range s.records {
		switch rec.Ownership {
		case OwnershipOwned:
			overview.Owned++
		case OwnershipReferenced:
			overview.Referenced++
		}
		switch rec.SyncStatus {
		case SyncStatusSynced:
			overview.Synced++
		case SyncStatusDrifted:
			overview.Drifted++
		case SyncStatusSourceDeleted:
			overview.SourceDeleted++
		}
	}
	return overview
}

// RecordSkippedNotification logs a no-op ingestion outcome so operators
// can see skipped deliveries without a state change.
func (s *Store) RecordSkippedNotification(externalID, detail, correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendSyncEventLocked(SyncEvent{
		Type:          "notification.skipped",
		ExternalID:    externalID,
		Origin:        OriginWebhook,
		Detail:        detail,
		CorrelationID: correlationID,
	})
	_ = s.saveLocked()
}

func (s *Store) ListSyncEvents(cursor string, limit int) (SyncEventFeed, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if cursor != "" {
		idx := -1
		for i, ev := range s.events {
			if ev.EventID == cursor {
				idx = i
				break
			}
		}
		if idx < 0 {
			return SyncEventFeed{}, fmt.Errorf("%w: unknown cursor", ErrInvalidInput)
		}
		start = idx + 1
	}
	end := start + limit
	if end > len(s.events) {
		end = len(s.events)
	}
	feed := SyncEventFeed{Events: append([]SyncEvent{}, s.events[start:end]...)}
	if end < len(s.events) {
		next := s.events[end-1].EventID
		feed.NextCursor = &next
	}
	return feed, nil
}

// SubscribeSyncEvents returns a channel receiving every sync event
// appended after the call, and a cancel func that must be invoked when
// the consumer goes away. Slow consumers drop events rather than block
// the write path.
func (s *Store) SubscribeSyncEvents(buffer int) (<-chan SyncEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan SyncEvent, buffer)
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			close(existing)
			delete(s.subscribers, id)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) AppendRunSummary(summary RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, summary)
	if len(s.runs) > s.maxRuns {
		s.runs = s.runs[len(s.runs)-s.maxRuns:]
	}
	_ = s.saveLocked()
}

func (s *Store) ListRunSummaries() []RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunSummary, len(s.runs))
	copy(out, s.runs)
	return out
}

func (s *Store) appendSyncEventLocked(ev SyncEvent) {
	s.eventCounter++
	ev.EventID = fmt.Sprintf("sev_%d", s.eventCounter)
	if ev.Timestamp == "" {
		ev.Timestamp = s.now().Format(time.RFC3339Nano)
	}
	s.events = append(s.events, ev)
	if len(s.events) > s.maxSyncEvents {
		s.events = s.events[len(s.events)-s.maxSyncEvents:]
	}
	s.subMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	s.subMu.Unlock()
}

func (s *Store) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	state := &persistedState{
		Records:      s.records,
		Mappings:     s.mappings,
		Collections:  s.collections,
		Events:       s.events,
		Runs:         s.runs,
		EventCounter: s.eventCounter,
	}
	return s.backend.Save(state)
}

func (s *Store) loadFromBackend() error {
	if s.backend == nil {
		return nil
	}
	state, err := s.backend.Load()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.Records != nil {
		s.records = state.Records
	}
	if state.Mappings != nil {
		s.mappings = state.Mappings
	}
	if state.Collections != nil {
		s.collections = state.Collections
	}
	if state.Events != nil {
		s.events = state.Events
	}
	if state.Runs != nil {
		s.runs = state.Runs
	}
	s.eventCounter = state.EventCounter
	s.mappingByExternal = map[string]string{}
	s.mappingByRecord = map[string]string{}
	for id, m := range s.mappings {
		s.mappingByExternal[m.ExternalID] = id
		s.mappingByRecord[m.RecordID] = id
	}
	return nil
}

func cloneRecord(rec EventRecord) EventRecord {
	out := rec
	if rec.Tags != nil {
		out.Tags = append([]string{}, rec.Tags...)
	}
	if rec.LastSourceCheckAt != nil {
		ts := *rec.LastSourceCheckAt
		out.LastSourceCheckAt = &ts
	}
	return out
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/clock"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
)

// memDrafts mirrors the store's reap query: strictly-older-than cutoff,
// and never a draft whose letter has deliveries.
type memDrafts struct {
	mu             sync.Mutex
	drafts         map[uuid.UUID]*models.Draft
	letterHasDeliv map[uuid.UUID]bool
	failDelete     map[uuid.UUID]bool
	deleted        []uuid.UUID
}

func newMemDrafts() *memDrafts {
	return &memDrafts{
		drafts:         map[uuid.UUID]*models.Draft{},
		letterHasDeliv: map[uuid.UUID]bool{},
		failDelete:     map[uuid.UUID]bool{},
	}
}

func (m *memDrafts) ExpiredDrafts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Draft
	for _, d := range m.drafts {
		if !d.LastSavedAt.Before(cutoff) {
			continue
		}
		if d.LetterID != nil && m.letterHasDeliv[*d.LetterID] {
			continue
		}
		if len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDrafts) DeleteDraft(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete[id] {
		return errors.New("delete blocked")
	}
	delete(m.drafts, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memDrafts) addDraft(lastSaved time.Time, letterID *uuid.UUID) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.drafts[id] = &models.Draft{
		ID:          id,
		OwnerID:     "owner-1",
		LetterID:    letterID,
		LastSavedAt: lastSaved,
	}
	return id
}

const retention = 30 * 24 * time.Hour

func newReaper(store *memDrafts, now time.Time) *Reaper {
	return &Reaper{
		Store:     store,
		Clock:     clock.Fixed{Instant: now},
		Log:       zap.NewNop(),
		Retention: retention,
		BatchSize: 100,
	}
}

func TestReapBoundary(t *testing.T) {
	now := time.Date(2030, time.June, 1, 12, 0, 0, 0, time.UTC)
	store := newMemDrafts()

	// Exactly at the retention boundary: kept.
	atBoundary := store.addDraft(now.Add(-retention), nil)
	// One second past: reaped.
	justPast := store.addDraft(now.Add(-retention-time.Second), nil)
	// Fresh: kept.
	fresh := store.addDraft(now.Add(-time.Hour), nil)

	stats, err := newReaper(store, now).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Deleted != 1 {
		t.Errorf("deleted %d drafts, want 1", stats.Deleted)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.drafts[atBoundary]; !ok {
		t.Error("draft saved exactly at the boundary must be kept")
	}
	if _, ok := store.drafts[justPast]; ok {
		t.Error("draft one second past the boundary must be reaped")
	}
	if _, ok := store.drafts[fresh]; !ok {
		t.Error("fresh draft must be kept")
	}
}

func TestDraftWithDeliveryNeverReaped(t *testing.T) {
	now := time.Date(2030, time.June, 1, 12, 0, 0, 0, time.UTC)
	store := newMemDrafts()

	letterID := uuid.New()
	store.letterHasDeliv[letterID] = true
	protected := store.addDraft(now.Add(-100*24*time.Hour), &letterID)

	stats, err := newReaper(store, now).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Deleted != 0 {
		t.Errorf("deleted %d drafts, want 0", stats.Deleted)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.drafts[protected]; !ok {
		t.Error("a draft with a scheduled delivery must never be reaped, regardless of age")
	}
}

func TestReapIsolatesPerItemFailures(t *testing.T) {
	now := time.Date(2030, time.June, 1, 12, 0, 0, 0, time.UTC)
	store := newMemDrafts()

	old := now.Add(-60 * 24 * time.Hour)
	blocked := store.addDraft(old, nil)
	store.failDelete[blocked] = true
	ok1 := store.addDraft(old, nil)
	ok2 := store.addDraft(old, nil)

	stats, err := newReaper(store, now).RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected aggregate error for the blocked draft")
	}
	if stats.Deleted != 2 {
		t.Errorf("deleted %d drafts, want 2: one failure must not abort the sweep", stats.Deleted)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, id := range []uuid.UUID{ok1, ok2} {
		if _, present := store.drafts[id]; present {
			t.Errorf("draft %s should have been reaped despite the earlier failure", id)
		}
	}
}

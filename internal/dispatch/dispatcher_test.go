package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/channel"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/clock"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/seal"
)

// memStore mirrors the conditional-update semantics of the SQL store:
// every mutation is a compare-and-swap under one lock.
type memStore struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]*models.Delivery
	letters    map[uuid.UUID]*models.Letter
}

func newMemStore() *memStore {
	return &memStore{
		deliveries: map[uuid.UUID]*models.Delivery{},
		letters:    map[uuid.UUID]*models.Letter{},
	}
}

func (m *memStore) add(d *models.Delivery, l *models.Letter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = d
	if l != nil {
		m.letters[l.ID] = l
	}
}

func (m *memStore) get(id uuid.UUID) models.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.deliveries[id]
}

func (m *memStore) claimable(d *models.Delivery, now time.Time) bool {
	if d.State.Terminal() {
		return false
	}
	switch d.State {
	case models.StateScheduled:
		return !d.DispatchAt.After(now)
	case models.StateRetrying:
		return d.NextAttemptAt != nil && !d.NextAttemptAt.After(now)
	case models.StateClaimed, models.StateDispatching:
		return d.ClaimExpiresAt != nil && !d.ClaimExpiresAt.After(now)
	default:
		return false
	}
}

func (m *memStore) Due(ctx context.Context, now time.Time, limit int) ([]*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Delivery
	for _, d := range m.deliveries {
		if m.claimable(d, now) && len(out) < limit {
			snapshot := *d
			out = append(out, &snapshot)
		}
	}
	return out, nil
}

func (m *memStore) Claim(ctx context.Context, id uuid.UUID, token string, now time.Time, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || !m.claimable(d, now) {
		return false, nil
	}
	expires := now.Add(lease)
	d.State = models.StateClaimed
	d.ClaimToken = token
	d.ClaimExpiresAt = &expires
	return true, nil
}

func (m *memStore) checkToken(id uuid.UUID, token string, from models.DeliveryState) (*models.Delivery, error) {
	d, ok := m.deliveries[id]
	if !ok || d.ClaimToken != token || d.State != from {
		return nil, models.ErrClaimLost
	}
	return d, nil
}

func (m *memStore) MarkDispatching(ctx context.Context, id uuid.UUID, token string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.checkToken(id, token, models.StateClaimed)
	if err != nil {
		return err
	}
	d.State = models.StateDispatching
	d.LastAttemptAt = &now
	return nil
}

func (m *memStore) MarkDelivered(ctx context.Context, id uuid.UUID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.checkToken(id, token, models.StateDispatching)
	if err != nil {
		return err
	}
	d.State = models.StateDelivered
	d.AttemptCount++
	d.ClaimToken = ""
	d.ClaimExpiresAt = nil
	d.NextAttemptAt = nil
	return nil
}

func (m *memStore) MarkRetrying(ctx context.Context, id uuid.UUID, token string, nextAttempt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.checkToken(id, token, models.StateDispatching)
	if err != nil {
		return err
	}
	d.State = models.StateRetrying
	d.AttemptCount++
	d.NextAttemptAt = &nextAttempt
	d.LastError = lastError
	d.ClaimToken = ""
	d.ClaimExpiresAt = nil
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, id uuid.UUID, token string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.checkToken(id, token, models.StateDispatching)
	if err != nil {
		return err
	}
	d.State = models.StateFailed
	d.AttemptCount++
	d.LastError = lastError
	d.ClaimToken = ""
	d.ClaimExpiresAt = nil
	d.NextAttemptAt = nil
	return nil
}

func (m *memStore) GetLetter(ctx context.Context, id uuid.UUID) (*models.Letter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.letters[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return l, nil
}

// testClock is a mutable clock so tests can jump past backoff deadlines.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) ToInstant(civil clock.CivilDateTime, tz string) (time.Time, error) {
	return clock.System{}.ToInstant(civil, tz)
}

func (c *testClock) ToCivil(instant time.Time, tz string) (clock.CivilDateTime, error) {
	return clock.System{}.ToCivil(instant, tz)
}

// plainSealer passes content through unchanged unless poisoned.
type plainSealer struct {
	failUnseal bool
}

func (s plainSealer) Seal(p string) (string, error) { return p, nil }

func (s plainSealer) Unseal(c string) (string, error) {
	if s.failUnseal {
		return "", fmt.Errorf("%w: bad ciphertext", seal.ErrSealingFailure)
	}
	return c, nil
}

type stubAdapter struct {
	calls  atomic.Int64
	result channel.Result
	err    error
}

func (a *stubAdapter) Send(ctx context.Context, d *models.Delivery, content channel.Content) (channel.Result, error) {
	a.calls.Add(1)
	return a.result, a.err
}

func dueDelivery(store *memStore, now time.Time) *models.Delivery {
	letter := &models.Letter{
		ID:          uuid.New(),
		OwnerID:     "owner-1",
		SealedTitle: "A letter to the future",
		SealedBody:  "<p>hello</p>",
	}
	d := &models.Delivery{
		ID:         uuid.New(),
		LetterID:   letter.ID,
		OwnerID:    "owner-1",
		Channel:    models.ChannelEmail,
		Recipient:  models.Recipient{Email: "future@example.com"},
		Timezone:   "UTC",
		DispatchAt: now.Add(-time.Minute),
		State:      models.StateScheduled,
	}
	store.add(d, letter)
	return d
}

func newDispatcher(store *memStore, clk clock.Clock, adapter channel.Adapter, sealer seal.Sealer) *Dispatcher {
	return &Dispatcher{
		Store:   store,
		Letters: store,
		Clock:   clk,
		Sealer:  sealer,
		Adapters: map[models.Channel]channel.Adapter{
			models.ChannelEmail: adapter,
		},
		Log:          zap.NewNop(),
		MaxAttempts:  3,
		BaseInterval: time.Minute,
		MaxInterval:  time.Hour,
		Lease:        10 * time.Minute,
		BatchSize:    100,
		Workers:      4,
	}
}

func TestRunOnceDeliversDueDelivery(t *testing.T) {
	now := time.Date(2030, time.June, 1, 13, 0, 0, 0, time.UTC)
	store := newMemStore()
	clk := &testClock{now: now}
	adapter := &stubAdapter{result: channel.Result{Outcome: channel.OutcomeSuccess, ProviderRef: "msg-1"}}

	d := dueDelivery(store, now)

	stats, err := newDispatcher(store, clk, adapter, plainSealer{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Claimed != 1 || stats.Delivered != 1 {
		t.Errorf("stats = %+v, want 1 claimed 1 delivered", stats)
	}

	got := store.get(d.ID)
	if got.State != models.StateDelivered {
		t.Errorf("state = %s, want delivered", got.State)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attemptCount = %d, want 1", got.AttemptCount)
	}
}

func TestConcurrentRunOnceDispatchesOnce(t *testing.T) {
	now := time.Date(2030, time.June, 1, 13, 0, 0, 0, time.UTC)
	store := newMemStore()
	clk := &testClock{now: now}
	adapter := &stubAdapter{result: channel.Result{Outcome: channel.OutcomeSuccess}}

	d := dueDelivery(store, now)
	dispatcher := newDispatcher(store, clk, adapter, plainSealer{})

	const runners = 8
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := dispatcher.RunOnce(context.Background()); err != nil {
				t.Errorf("RunOnce: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := adapter.calls.Load(); calls != 1 {
		t.Errorf("adapter called %d times, want exactly 1", calls)
	}
	if got := store.get(d.ID); got.State != models.StateDelivered {
		t.Errorf("state = %s, want delivered", got.State)
	}
}

func TestRetryExhaustion(t *testing.T) {
	now := time.Date(2030, time.June, 1, 13, 0, 0, 0, time.UTC)
	store := newMemStore()
	clk := &testClock{now: now}
	adapter := &stubAdapter{
		result: channel.Result{Outcome: channel.OutcomeTransient},
		err:    errors.New("provider timeout"),
	}

	d := dueDelivery(store, now)
	dispatcher := newDispatcher(store, clk, adapter, plainSealer{})

	// Each pass claims once, fails transiently, and waits out the
	// backoff; the third attempt exhausts MaxAttempts.
	for i := 0; i < 3; i++ {
		if _, err := dispatcher.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce pass %d: %v", i, err)
		}
		clk.advance(2 * time.Hour)
	}

	got := store.get(d.ID)
	if got.State != models.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attemptCount = %d, want 3", got.AttemptCount)
	}
	if !strings.Contains(got.LastError, "provider timeout") {
		t.Errorf("lastError = %q, want provider timeout preserved", got.LastError)
	}

	// Terminal: no further claims.
	if _, err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce after failure: %v", err)
	}
	if calls := adapter.calls.Load(); calls != 3 {
		t.Errorf("adapter called %d times after exhaustion, want 3", calls)
	}
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	now := time.Date(2030, time.June, 1, 13, 0, 0, 0, time.UTC)
	store := newMemStore()
	clk := &testClock{now: now}
	adapter := &stubAdapter{
		result: channel.Result{Outcome: channel.OutcomePermanent},
		err:    errors.New("recipient rejected"),
	}

	d := dueDelivery(store, now)

	stats, err := newDispatcher(store, clk, adapter, plainSealer{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Failed != 1 || stats.Retried != 0 {
		t.Errorf("stats = %+v, want 1 failed 0 retried", stats)
	}

	got := store.get(d.ID)
	if got.State != models.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attemptCount = %d, want 1 (no retries)", got.AttemptCount)
	}
}

func TestUnsealFailureIsPermanent(t *testing.T) {
	now := time.Date(2030, time.June, 1, 13, 0, 0, 0, time.UTC)
	store := newMemStore()
	clk := &testClock{now: now}
	adapter := &stubAdapter{result: channel.Result{Outcome: channel.OutcomeSuccess}}

	d := dueDelivery(store, now)

	_, err := newDispatcher(store, clk, adapter, plainSealer{failUnseal: true}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got := store.get(d.ID)
	if got.State != models.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if calls := adapter.calls.Load(); calls != 0 {
		t.Errorf("adapter called %d times, want 0: nothing to send without plaintext", calls)
	}
}

func TestUnclassifiedErrorIsRetried(t *testing.T) {
	now := time.Date(2030, time.June, 1, 13, 0, 0, 0, time.UTC)
	store := newMemStore()
	clk := &testClock{now: now}
	adapter := &stubAdapter{err: errors.New("connection reset")}

	d := dueDelivery(store, now)

	stats, err := newDispatcher(store, clk, adapter, plainSealer{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Retried != 1 {
		t.Errorf("stats = %+v, want 1 retried: ambiguous outcomes never count as success", stats)
	}

	got := store.get(d.ID)
	if got.State != models.StateRetrying {
		t.Errorf("state = %s, want retrying", got.State)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.After(now) {
		t.Error("retrying delivery must carry a future next attempt time")
	}
}

func TestFutureDeliveryNotClaimed(t *testing.T) {
	now := time.Date(2030, time.June, 1, 13, 0, 0, 0, time.UTC)
	store := newMemStore()
	clk := &testClock{now: now}
	adapter := &stubAdapter{result: channel.Result{Outcome: channel.OutcomeSuccess}}

	d := dueDelivery(store, now)
	store.mu.Lock()
	store.deliveries[d.ID].DispatchAt = now.Add(24 * time.Hour)
	store.mu.Unlock()

	stats, err := newDispatcher(store, clk, adapter, plainSealer{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Claimed != 0 {
		t.Errorf("claimed %d deliveries before their dispatch time", stats.Claimed)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	now := time.Date(2030, time.June, 1, 13, 0, 0, 0, time.UTC)
	store := newMemStore()
	clk := &testClock{now: now}
	adapter := &stubAdapter{result: channel.Result{Outcome: channel.OutcomeSuccess}}

	// A delivery stuck in claimed by a crashed worker, lease expired.
	d := dueDelivery(store, now)
	expired := now.Add(-time.Minute)
	store.mu.Lock()
	store.deliveries[d.ID].State = models.StateClaimed
	store.deliveries[d.ID].ClaimToken = "dead-worker"
	store.deliveries[d.ID].ClaimExpiresAt = &expired
	store.mu.Unlock()

	stats, err := newDispatcher(store, clk, adapter, plainSealer{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Delivered != 1 {
		t.Errorf("stats = %+v, want the reclaimed delivery dispatched", stats)
	}
	if got := store.get(d.ID); got.State != models.StateDelivered {
		t.Errorf("state = %s, want delivered", got.State)
	}
}

func TestBackoffScheduleGrowsAndCaps(t *testing.T) {
	base := time.Minute
	maxInterval := time.Hour

	// The first delay must come from the configured base interval, not
	// the library's half-second default.
	first := nextAttemptDelay(base, maxInterval, 0)
	if first < 45*time.Second || first > 90*time.Second {
		t.Errorf("first delay %v outside jittered base interval", first)
	}

	second := nextAttemptDelay(base, maxInterval, 1)
	if second < 96*time.Second || second > 144*time.Second {
		t.Errorf("second delay %v, want roughly double the base", second)
	}

	deep := nextAttemptDelay(base, maxInterval, 20)
	if deep < 45*time.Minute || deep > time.Hour+15*time.Minute {
		t.Errorf("delay %v outside jittered cap", deep)
	}
}

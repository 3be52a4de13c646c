package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitro3/flipnosis/internal/game/session"
	"github.com/dmitro3/flipnosis/internal/models"
)

// stubExpirer mimics the escrow coordinator: it cancels the session so
// the deadline clears, then signals the test.
type stubExpirer struct {
	store *session.Store
	fired chan uuid.UUID
}

func (e *stubExpirer) ExpireDeposit(sessionID uuid.UUID) error {
	err := e.store.Apply(sessionID, func(s *models.Session) error {
		s.Status = models.SessionStatusCancelled
		s.DepositDeadline = nil
		return nil
	})
	e.fired <- sessionID
	return err
}

// stubChooser mimics the engine's auto-choice: it advances the phase
// so the deadline clears, then signals the test.
type stubChooser struct {
	store *session.Store
	fired chan uuid.UUID
}

func (c *stubChooser) AutoChoose(sessionID uuid.UUID) error {
	err := c.store.Apply(sessionID, func(s *models.Session) error {
		s.Phase = models.PhaseCharging
		s.RoundDeadline = nil
		return nil
	})
	c.fired <- sessionID
	return err
}

type testScheduler struct {
	scheduler *Scheduler
	store     *session.Store
	clock     *clockwork.FakeClock
	expirer   *stubExpirer
	chooser   *stubChooser
}

func newTestScheduler(t *testing.T) *testScheduler {
	t.Helper()

	clock := clockwork.NewFakeClock()
	store := session.NewStore(clock)
	expirer := &stubExpirer{store: store, fired: make(chan uuid.UUID, 8)}
	chooser := &stubChooser{store: store, fired: make(chan uuid.UUID, 8)}
	sched := New(store, expirer, chooser, clock)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sched.Run(ctx) }()

	return &testScheduler{
		scheduler: sched,
		store:     store,
		clock:     clock,
		expirer:   expirer,
		chooser:   chooser,
	}
}

func waitForFire(t *testing.T, ch chan uuid.UUID) uuid.UUID {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("deadline never fired")
		return uuid.Nil
	}
}

func TestScheduler_FiresDepositDeadline(t *testing.T) {
	ts := newTestScheduler(t)

	sess := &models.Session{
		ID:     uuid.New(),
		Status: models.SessionStatusAwaitingDeposit,
	}
	deadline := ts.clock.Now().Add(120 * time.Second)
	sess.DepositDeadline = &deadline
	require.NoError(t, ts.store.Create(sess))
	ts.scheduler.Wake()

	ts.clock.BlockUntil(1)
	ts.clock.Advance(121 * time.Second)

	assert.Equal(t, sess.ID, waitForFire(t, ts.expirer.fired))

	snap, err := ts.store.Snapshot(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, snap.Status)
}

func TestScheduler_FiresChoiceDeadline(t *testing.T) {
	ts := newTestScheduler(t)

	sess := &models.Session{
		ID:     uuid.New(),
		Status: models.SessionStatusActive,
		Phase:  models.PhaseChoosing,
	}
	deadline := ts.clock.Now().Add(20 * time.Second)
	sess.RoundDeadline = &deadline
	require.NoError(t, ts.store.Create(sess))
	ts.scheduler.Wake()

	ts.clock.BlockUntil(1)
	ts.clock.Advance(21 * time.Second)

	assert.Equal(t, sess.ID, waitForFire(t, ts.chooser.fired))
}

func TestScheduler_EarlierDeadlineFiresFirst(t *testing.T) {
	ts := newTestScheduler(t)

	late := &models.Session{ID: uuid.New(), Status: models.SessionStatusAwaitingDeposit}
	lateDeadline := ts.clock.Now().Add(120 * time.Second)
	late.DepositDeadline = &lateDeadline
	require.NoError(t, ts.store.Create(late))

	early := &models.Session{ID: uuid.New(), Status: models.SessionStatusActive, Phase: models.PhaseChoosing}
	earlyDeadline := ts.clock.Now().Add(20 * time.Second)
	early.RoundDeadline = &earlyDeadline
	require.NoError(t, ts.store.Create(early))

	ts.scheduler.Wake()
	ts.clock.BlockUntil(1)
	ts.clock.Advance(21 * time.Second)

	assert.Equal(t, early.ID, waitForFire(t, ts.chooser.fired))

	// The deposit deadline fires on its own later.
	ts.clock.BlockUntil(1)
	ts.clock.Advance(100 * time.Second)
	assert.Equal(t, late.ID, waitForFire(t, ts.expirer.fired))
}

func TestScheduler_WakeRecomputesDeadline(t *testing.T) {
	ts := newTestScheduler(t)

	// The loop is idle-polling; a new session plus a wake must shorten
	// the sleep to the real deadline.
	ts.clock.BlockUntil(1)

	sess := &models.Session{ID: uuid.New(), Status: models.SessionStatusAwaitingDeposit}
	deadline := ts.clock.Now().Add(30 * time.Second)
	sess.DepositDeadline = &deadline
	require.NoError(t, ts.store.Create(sess))
	ts.scheduler.Wake()

	ts.clock.BlockUntil(1)
	ts.clock.Advance(31 * time.Second)

	assert.Equal(t, sess.ID, waitForFire(t, ts.expirer.fired))
}

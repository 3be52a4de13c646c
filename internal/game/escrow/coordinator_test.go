package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitro3/flipnosis/internal/game/events"
	"github.com/dmitro3/flipnosis/internal/game/session"
	"github.com/dmitro3/flipnosis/internal/models"
)

const (
	creator    = "0xcreator"
	challenger = "0xchallenger"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []*events.GameEvent
}

func (b *recordingBroadcaster) BroadcastToGame(gameID uuid.UUID, event *events.GameEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) BroadcastToUser(gameID uuid.UUID, address string, event *events.GameEvent) {
	b.BroadcastToGame(gameID, event)
}

func (b *recordingBroadcaster) typesSeen() []events.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.EventType, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

type stubVerifier struct {
	ok  bool
	err error
}

func (v stubVerifier) VerifyDeposit(ctx context.Context, sessionID uuid.UUID, player string, assetType models.AssetType, proof string) (bool, error) {
	return v.ok, v.err
}

type stubReopener struct {
	mu       sync.Mutex
	reopened []uuid.UUID
}

func (r *stubReopener) ReopenListing(listingID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reopened = append(r.reopened, listingID)
	return nil
}

// stubStarter mimics the engine's activation so race checks see the
// post-activation status.
type stubStarter struct {
	store   *session.Store
	started []uuid.UUID
}

func (s *stubStarter) StartMatch(sessionID uuid.UUID) error {
	s.started = append(s.started, sessionID)
	return s.store.Apply(sessionID, func(sess *models.Session) error {
		sess.Status = models.SessionStatusActive
		sess.CurrentRound = 1
		return nil
	})
}

type testEscrow struct {
	coord       *Coordinator
	store       *session.Store
	clock       *clockwork.FakeClock
	broadcaster *recordingBroadcaster
	reopener    *stubReopener
	starter     *stubStarter
	sessionID   uuid.UUID
	listingID   uuid.UUID
	ctx         context.Context
	cancel      context.CancelFunc
}

func newTestEscrow(t *testing.T) *testEscrow {
	t.Helper()

	clock := clockwork.NewFakeClock()
	store := session.NewStore(clock)
	broadcaster := &recordingBroadcaster{}
	reopener := &stubReopener{}
	starter := &stubStarter{store: store}

	coord := New(store, broadcaster, stubVerifier{ok: true}, reopener, starter, clock, DefaultConfig())

	sess := &models.Session{
		ID:                uuid.New(),
		ListingID:         uuid.New(),
		CreatorAddress:    creator,
		ChallengerAddress: challenger,
		AcceptedPriceUSD:  90,
		Status:            models.SessionStatusAwaitingDeposit,
	}
	require.NoError(t, store.Create(sess))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &testEscrow{
		coord:       coord,
		store:       store,
		clock:       clock,
		broadcaster: broadcaster,
		reopener:    reopener,
		starter:     starter,
		sessionID:   sess.ID,
		listingID:   sess.ListingID,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (te *testEscrow) open(t *testing.T) time.Time {
	t.Helper()
	deadline, err := te.coord.OpenDepositWindow(te.ctx, te.sessionID)
	require.NoError(t, err)
	return deadline
}

func (te *testEscrow) snapshot(t *testing.T) models.Session {
	t.Helper()
	snap, err := te.store.Snapshot(te.sessionID)
	require.NoError(t, err)
	return snap
}

func TestOpenDepositWindow_StampsDeadline(t *testing.T) {
	te := newTestEscrow(t)

	deadline := te.open(t)
	assert.Equal(t, te.clock.Now().UTC().Add(DefaultDepositWindow), deadline)

	snap := te.snapshot(t)
	require.NotNil(t, snap.DepositDeadline)
	assert.Equal(t, deadline, *snap.DepositDeadline)
}

func TestConfirmDeposit_BothSidesActivate(t *testing.T) {
	te := newTestEscrow(t)
	te.open(t)

	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, creator, models.AssetTypeNFT, "tx1"))
	snap := te.snapshot(t)
	assert.True(t, snap.CreatorDeposited)
	assert.False(t, snap.ChallengerDeposited)
	assert.Empty(t, te.starter.started)

	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, challenger, models.AssetTypeCrypto, "tx2"))
	assert.Equal(t, []uuid.UUID{te.sessionID}, te.starter.started)
	assert.Equal(t, models.SessionStatusActive, te.snapshot(t).Status)
}

func TestConfirmDeposit_ChallengerFirst(t *testing.T) {
	te := newTestEscrow(t)
	te.open(t)

	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, challenger, models.AssetTypeCrypto, "tx1"))
	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, creator, models.AssetTypeNFT, "tx2"))

	assert.Len(t, te.starter.started, 1)
}

func TestConfirmDeposit_Idempotent(t *testing.T) {
	te := newTestEscrow(t)
	te.open(t)

	// First confirmation lands just inside the window.
	te.clock.Advance(119 * time.Second)
	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, creator, models.AssetTypeNFT, "tx1"))

	// The duplicate arrives after the deadline passed. Still a no-op,
	// not an error, and not a second activation trigger.
	te.clock.Advance(2 * time.Second)
	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, creator, models.AssetTypeNFT, "tx1"))

	snap := te.snapshot(t)
	assert.True(t, snap.CreatorDeposited)
	assert.Empty(t, te.starter.started)
}

func TestConfirmDeposit_DuplicateAfterActivation(t *testing.T) {
	te := newTestEscrow(t)
	te.open(t)

	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, creator, models.AssetTypeNFT, "tx1"))
	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, challenger, models.AssetTypeCrypto, "tx2"))
	require.Len(t, te.starter.started, 1)

	// A re-sent confirmation against the now-active session is ignored.
	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, creator, models.AssetTypeNFT, "tx1"))
	assert.Len(t, te.starter.started, 1)
}

func TestConfirmDeposit_LateRejected(t *testing.T) {
	te := newTestEscrow(t)
	te.open(t)

	te.clock.Advance(DefaultDepositWindow + time.Second)

	err := te.coord.ConfirmDeposit(te.ctx, te.sessionID, creator, models.AssetTypeNFT, "tx1")
	assert.ErrorIs(t, err, ErrDepositExpired)
	assert.False(t, te.snapshot(t).CreatorDeposited)
}

func TestConfirmDeposit_AfterCancellation(t *testing.T) {
	te := newTestEscrow(t)
	te.open(t)

	te.clock.Advance(DefaultDepositWindow + time.Second)
	require.NoError(t, te.coord.ExpireDeposit(te.sessionID))

	err := te.coord.ConfirmDeposit(te.ctx, te.sessionID, creator, models.AssetTypeNFT, "tx1")
	assert.ErrorIs(t, err, ErrDepositExpired)
}

func TestConfirmDeposit_NonParticipant(t *testing.T) {
	te := newTestEscrow(t)
	te.open(t)

	err := te.coord.ConfirmDeposit(te.ctx, te.sessionID, "0xstranger", models.AssetTypeCrypto, "tx1")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestConfirmDeposit_VerifierRejects(t *testing.T) {
	te := newTestEscrow(t)
	te.coord.verifier = stubVerifier{ok: false}
	te.open(t)

	err := te.coord.ConfirmDeposit(te.ctx, te.sessionID, creator, models.AssetTypeNFT, "")
	assert.ErrorIs(t, err, ErrDepositRejected)
	assert.False(t, te.snapshot(t).CreatorDeposited)
}

func TestExpireDeposit_CancelsAndReopensListing(t *testing.T) {
	te := newTestEscrow(t)

	var terminal []models.Session
	te.coord.SetTerminalHook(func(s models.Session) { terminal = append(terminal, s) })

	te.open(t)
	te.clock.Advance(DefaultDepositWindow + time.Second)

	require.NoError(t, te.coord.ExpireDeposit(te.sessionID))

	snap := te.snapshot(t)
	assert.Equal(t, models.SessionStatusCancelled, snap.Status)
	assert.Nil(t, snap.DepositDeadline)
	assert.Equal(t, []uuid.UUID{te.listingID}, te.reopener.reopened)

	require.Len(t, terminal, 1)
	assert.Equal(t, models.SessionStatusCancelled, terminal[0].Status)

	types := te.broadcaster.typesSeen()
	assert.Contains(t, types, events.EventTypeDepositTimeout)
	assert.Contains(t, types, events.EventTypeGameCancelled)
}

func TestExpireDeposit_LosesRaceToActivation(t *testing.T) {
	te := newTestEscrow(t)
	te.open(t)

	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, creator, models.AssetTypeNFT, "tx1"))
	require.NoError(t, te.coord.ConfirmDeposit(te.ctx, te.sessionID, challenger, models.AssetTypeCrypto, "tx2"))

	// The expiry fires after activation won; nothing changes.
	require.NoError(t, te.coord.ExpireDeposit(te.sessionID))

	assert.Equal(t, models.SessionStatusActive, te.snapshot(t).Status)
	assert.Empty(t, te.reopener.reopened)
}

func TestExpireDeposit_UnknownSession(t *testing.T) {
	te := newTestEscrow(t)
	assert.NoError(t, te.coord.ExpireDeposit(uuid.New()))
}

func TestCountdown_TicksWhilePending(t *testing.T) {
	te := newTestEscrow(t)
	te.open(t)

	// The countdown goroutine owns one fake-clock ticker.
	te.clock.BlockUntil(1)
	te.clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		for _, typ := range te.broadcaster.typesSeen() {
			if typ == events.EventTypeDepositCountdown {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

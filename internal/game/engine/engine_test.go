package engine

import (
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

// recordingBroadcaster captures events for assertions.
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

// fixedFlipper always returns the same side.
func fixedFlipper(c models.Choice) Flipper {
	return func() models.Choice { return c }
}

type testMatch struct {
	engine      *Engine
	store       *session.Store
	broadcaster *recordingBroadcaster
	clock       *clockwork.FakeClock
	sessionID   uuid.UUID
}

func newTestMatch(t *testing.T, flip Flipper) *testMatch {
	t.Helper()

	clock := clockwork.NewFakeClock()
	store := session.NewStore(clock)
	broadcaster := &recordingBroadcaster{}
	eng := New(store, broadcaster, clock, flip, DefaultConfig())

	sess := &models.Session{
		ID:                  uuid.New(),
		ListingID:           uuid.New(),
		CreatorAddress:      creator,
		ChallengerAddress:   challenger,
		AcceptedPriceUSD:    100,
		Status:              models.SessionStatusAwaitingDeposit,
		CreatorDeposited:    true,
		ChallengerDeposited: true,
	}
	require.NoError(t, store.Create(sess))

	return &testMatch{
		engine:      eng,
		store:       store,
		broadcaster: broadcaster,
		clock:       clock,
		sessionID:   sess.ID,
	}
}

func (m *testMatch) snapshot(t *testing.T) models.Session {
	t.Helper()
	snap, err := m.store.Snapshot(m.sessionID)
	require.NoError(t, err)
	return snap
}

// playRound drives one full round: the designated chooser picks, then
// both players submit power.
func (m *testMatch) playRound(t *testing.T, chooser string, choice models.Choice) {
	t.Helper()
	require.NoError(t, m.engine.SubmitChoice(m.sessionID, chooser, choice))
	require.NoError(t, m.engine.SubmitPower(m.sessionID, creator, 5))
	require.NoError(t, m.engine.SubmitPower(m.sessionID, challenger, 5))
}

func TestChooserForRound(t *testing.T) {
	s := &models.Session{CreatorAddress: creator, ChallengerAddress: challenger}

	assert.Equal(t, creator, ChooserForRound(s, 1))
	assert.Equal(t, challenger, ChooserForRound(s, 2))
	assert.Equal(t, creator, ChooserForRound(s, 3))
	assert.Equal(t, challenger, ChooserForRound(s, 4))
	assert.Equal(t, "", ChooserForRound(s, 5))
}

func TestStartMatch_OpensRoundOne(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))

	require.NoError(t, m.engine.StartMatch(m.sessionID))

	snap := m.snapshot(t)
	assert.Equal(t, models.SessionStatusActive, snap.Status)
	assert.Equal(t, 1, snap.CurrentRound)
	assert.Equal(t, models.PhaseChoosing, snap.Phase)
	assert.Equal(t, creator, snap.CurrentTurn)
	assert.Nil(t, snap.DepositDeadline)
	require.NotNil(t, snap.RoundDeadline)
	assert.Equal(t, m.clock.Now().UTC().Add(DefaultChoiceTimeout), *snap.RoundDeadline)

	assert.Equal(t, []events.EventType{events.EventTypeGameStarted, events.EventTypeRoundStarted}, m.broadcaster.typesSeen())
}

func TestStartMatch_NotEscrowed(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))
	require.NoError(t, m.store.Apply(m.sessionID, func(s *models.Session) error {
		s.ChallengerDeposited = false
		return nil
	}))

	assert.ErrorIs(t, m.engine.StartMatch(m.sessionID), ErrStaleMessage)
}

func TestSubmitChoice_AssignsComplement(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))
	require.NoError(t, m.engine.StartMatch(m.sessionID))

	require.NoError(t, m.engine.SubmitChoice(m.sessionID, creator, models.ChoiceHeads))

	snap := m.snapshot(t)
	assert.Equal(t, models.ChoiceHeads, snap.CreatorChoice)
	assert.Equal(t, models.ChoiceTails, snap.ChallengerChoice)
	assert.Equal(t, models.PhaseCharging, snap.Phase)
	assert.Equal(t, "", snap.CurrentTurn)
	assert.Nil(t, snap.RoundDeadline)
}

func TestSubmitChoice_NotYourTurn(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))
	require.NoError(t, m.engine.StartMatch(m.sessionID))

	// Round 1 belongs to the creator.
	assert.ErrorIs(t, m.engine.SubmitChoice(m.sessionID, challenger, models.ChoiceTails), ErrStaleMessage)
}

func TestSubmitChoice_WrongPhase(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))
	require.NoError(t, m.engine.StartMatch(m.sessionID))
	require.NoError(t, m.engine.SubmitChoice(m.sessionID, creator, models.ChoiceHeads))

	// The round has moved on to charging; a second choice is stale.
	assert.ErrorIs(t, m.engine.SubmitChoice(m.sessionID, creator, models.ChoiceTails), ErrStaleMessage)
}

func TestSubmitChoice_InvalidChoice(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))
	require.NoError(t, m.engine.StartMatch(m.sessionID))

	assert.ErrorIs(t, m.engine.SubmitChoice(m.sessionID, creator, "EDGE"), ErrInvalidChoice)
	assert.ErrorIs(t, m.engine.SubmitChoice(m.sessionID, creator, models.ChoiceNone), ErrInvalidChoice)
}

func TestSubmitPower_BothPowersResolveRound(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))
	require.NoError(t, m.engine.StartMatch(m.sessionID))
	require.NoError(t, m.engine.SubmitChoice(m.sessionID, creator, models.ChoiceHeads))

	require.NoError(t, m.engine.SubmitPower(m.sessionID, creator, 7.5))
	snap := m.snapshot(t)
	assert.Equal(t, models.PhaseCharging, snap.Phase)
	assert.Empty(t, snap.Rounds)

	require.NoError(t, m.engine.SubmitPower(m.sessionID, challenger, 3.2))
	snap = m.snapshot(t)
	require.Len(t, snap.Rounds, 1)

	result := snap.Rounds[0]
	assert.Equal(t, 1, result.Round)
	assert.Equal(t, models.ChoiceHeads, result.Outcome)
	assert.Equal(t, creator, result.WinnerAddress)
	assert.Equal(t, 7.5, result.CreatorPower)
	assert.Equal(t, 3.2, result.ChallengerPower)
	assert.False(t, result.AutoDecided)

	// The match continues into round 2 with the challenger choosing.
	assert.Equal(t, 1, snap.CreatorWins)
	assert.Equal(t, 2, snap.CurrentRound)
	assert.Equal(t, models.PhaseChoosing, snap.Phase)
	assert.Equal(t, challenger, snap.CurrentTurn)
	assert.Nil(t, snap.CreatorPower)
	assert.Nil(t, snap.ChallengerPower)
}

func TestSubmitPower_OutOfRange(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))
	require.NoError(t, m.engine.StartMatch(m.sessionID))
	require.NoError(t, m.engine.SubmitChoice(m.sessionID, creator, models.ChoiceHeads))

	assert.ErrorIs(t, m.engine.SubmitPower(m.sessionID, creator, -0.1), ErrInvalidPower)
	assert.ErrorIs(t, m.engine.SubmitPower(m.sessionID, creator, 10.1), ErrInvalidPower)
}

func TestSubmitPower_DuplicateRejected(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))
	require.NoError(t, m.engine.StartMatch(m.sessionID))
	require.NoError(t, m.engine.SubmitChoice(m.sessionID, creator, models.ChoiceHeads))
	require.NoError(t, m.engine.SubmitPower(m.sessionID, creator, 5))

	assert.ErrorIs(t, m.engine.SubmitPower(m.sessionID, creator, 6), ErrStaleMessage)
	assert.ErrorIs(t, m.engine.SubmitPower(m.sessionID, "0xstranger", 5), ErrStaleMessage)
}

func TestAutoChoose_AssignsPairAndAdvances(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceTails))
	require.NoError(t, m.engine.StartMatch(m.sessionID))

	require.NoError(t, m.engine.AutoChoose(m.sessionID))

	snap := m.snapshot(t)
	assert.Equal(t, models.ChoiceTails, snap.CreatorChoice)
	assert.Equal(t, models.ChoiceHeads, snap.ChallengerChoice)
	assert.Equal(t, models.PhaseCharging, snap.Phase)
	assert.True(t, snap.RoundAutoDecided)
}

func TestAutoChoose_LosesRaceToPlayerChoice(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceTails))
	require.NoError(t, m.engine.StartMatch(m.sessionID))
	require.NoError(t, m.engine.SubmitChoice(m.sessionID, creator, models.ChoiceHeads))

	// The timeout fired after the choice landed; nothing changes.
	require.NoError(t, m.engine.AutoChoose(m.sessionID))

	snap := m.snapshot(t)
	assert.Equal(t, models.ChoiceHeads, snap.CreatorChoice)
	assert.False(t, snap.RoundAutoDecided)
}

func TestMatch_EarlyTermination(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))

	var terminal []models.Session
	m.engine.SetTerminalHook(func(s models.Session) { terminal = append(terminal, s) })

	require.NoError(t, m.engine.StartMatch(m.sessionID))

	// All flips land heads; steer every round to the creator.
	m.playRound(t, creator, models.ChoiceHeads)
	m.playRound(t, challenger, models.ChoiceTails)
	m.playRound(t, creator, models.ChoiceHeads)

	snap := m.snapshot(t)
	assert.Equal(t, models.SessionStatusCompleted, snap.Status)
	assert.Equal(t, creator, snap.WinnerAddress)
	assert.Equal(t, 3, snap.CreatorWins)
	assert.Equal(t, 0, snap.ChallengerWins)
	assert.Len(t, snap.Rounds, 3)
	require.NotNil(t, snap.CompletedAt)
	assert.Equal(t, "", snap.CurrentTurn)
	assert.Nil(t, snap.RoundDeadline)

	require.Len(t, terminal, 1)
	assert.Equal(t, models.SessionStatusCompleted, terminal[0].Status)

	// A round 4 never starts; any further message is stale.
	assert.ErrorIs(t, m.engine.SubmitChoice(m.sessionID, challenger, models.ChoiceHeads), ErrStaleMessage)
}

func TestMatch_RoundFiveAutoResolves(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))
	require.NoError(t, m.engine.StartMatch(m.sessionID))

	// Alternate winners for four rounds to force the 2-2 decider.
	m.playRound(t, creator, models.ChoiceHeads)     // creator wins
	m.playRound(t, challenger, models.ChoiceHeads)  // challenger wins
	m.playRound(t, creator, models.ChoiceHeads)     // creator wins
	m.playRound(t, challenger, models.ChoiceHeads)  // challenger wins

	// Round 5 resolved on its own: no chooser, no charging.
	snap := m.snapshot(t)
	assert.Equal(t, models.SessionStatusCompleted, snap.Status)
	require.Len(t, snap.Rounds, 5)

	decider := snap.Rounds[4]
	assert.Equal(t, 5, decider.Round)
	assert.True(t, decider.AutoDecided)
	assert.Equal(t, 0.0, decider.CreatorPower)
	assert.Equal(t, 0.0, decider.ChallengerPower)

	// All heads: the decider hands the creator its heads assignment.
	assert.Equal(t, creator, decider.WinnerAddress)
	assert.Equal(t, creator, snap.WinnerAddress)
	assert.Equal(t, 3, snap.CreatorWins)
	assert.Equal(t, 2, snap.ChallengerWins)
}

func TestMatch_WakesSchedulerOnRoundStart(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))

	wakes := 0
	m.engine.SetWake(func() { wakes++ })

	require.NoError(t, m.engine.StartMatch(m.sessionID))
	assert.Equal(t, 1, wakes)

	m.playRound(t, creator, models.ChoiceHeads)
	assert.Equal(t, 2, wakes)
}

func TestEngine_UnknownSession(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))

	err := m.engine.SubmitChoice(uuid.New(), creator, models.ChoiceHeads)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCryptoFlip_ReturnsValidSide(t *testing.T) {
	for i := 0; i < 64; i++ {
		c := CryptoFlip()
		assert.Contains(t, []models.Choice{models.ChoiceHeads, models.ChoiceTails}, c)
	}
}

func TestRoundDeadline_AdvancesWithClock(t *testing.T) {
	m := newTestMatch(t, fixedFlipper(models.ChoiceHeads))
	require.NoError(t, m.engine.StartMatch(m.sessionID))

	first := *m.snapshot(t).RoundDeadline
	m.clock.Advance(30 * time.Second)
	m.playRound(t, creator, models.ChoiceHeads)

	second := *m.snapshot(t).RoundDeadline
	assert.True(t, second.After(first))
}

// Package engine implements the turn state machine for a best-of-5
// coin-flip match: choice assignment, turn ordering, power-charge
// capture, flip resolution and match termination.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dmitro3/flipnosis/internal/game/events"
	"github.com/dmitro3/flipnosis/internal/game/session"
	"github.com/dmitro3/flipnosis/internal/models"
)

var (
	// ErrStaleMessage marks a turn message that arrived in the wrong
	// phase or from the wrong player. Expected under duplicate/retried
	// sends; callers log it at debug severity and drop the message.
	ErrStaleMessage = errors.New("stale turn message")
	// ErrInvalidPower is returned for a power level outside [0,10].
	ErrInvalidPower = errors.New("power level out of range")
	// ErrInvalidChoice is returned for a choice that is neither heads
	// nor tails.
	ErrInvalidChoice = errors.New("invalid choice")
)

// DefaultChoiceTimeout is the per-round choosing window.
const DefaultChoiceTimeout = 20 * time.Second

// Flipper produces one authoritative coin outcome. The production
// implementation is crypto-seeded; tests inject a fixed sequence.
type Flipper func() models.Choice

// Engine drives round state for all sessions through the store's
// serialized mutation path.
type Engine struct {
	store         *session.Store
	broadcaster   events.Broadcaster
	clock         clockwork.Clock
	flip          Flipper
	choiceTimeout time.Duration

	// wake pokes the deadline scheduler after a new round deadline is
	// set. Optional.
	wake func()
	// onTerminal runs after a session completes, outside the session
	// lock, with a snapshot of the final state. Optional.
	onTerminal func(models.Session)
}

// Config holds the engine's tunables.
type Config struct {
	ChoiceTimeout time.Duration
}

// DefaultConfig returns the production engine configuration.
func DefaultConfig() Config {
	return Config{ChoiceTimeout: DefaultChoiceTimeout}
}

// New creates a round engine.
func New(store *session.Store, broadcaster events.Broadcaster, clock clockwork.Clock, flip Flipper, cfg Config) *Engine {
	if cfg.ChoiceTimeout <= 0 {
		cfg.ChoiceTimeout = DefaultChoiceTimeout
	}
	return &Engine{
		store:         store,
		broadcaster:   broadcaster,
		clock:         clock,
		flip:          flip,
		choiceTimeout: cfg.ChoiceTimeout,
	}
}

// SetWake registers the scheduler wake hook.
func (e *Engine) SetWake(wake func()) { e.wake = wake }

// SetTerminalHook registers the completion hook (settlement/archive).
func (e *Engine) SetTerminalHook(fn func(models.Session)) { e.onTerminal = fn }

// ChooserForRound returns which player picks first in a round. Rounds
// 1 and 3 belong to the creator, 2 and 4 to the challenger. Round 5
// has no chooser; it auto-resolves.
func ChooserForRound(s *models.Session, round int) string {
	switch round {
	case 1, 3:
		return s.CreatorAddress
	case 2, 4:
		return s.ChallengerAddress
	default:
		return ""
	}
}

// StartMatch transitions an escrowed session into round 1. Called by
// the escrow coordinator once both deposits are confirmed.
func (e *Engine) StartMatch(sessionID uuid.UUID) error {
	var out outbox
	err := e.store.Apply(sessionID, func(s *models.Session) error {
		if s.Status != models.SessionStatusAwaitingDeposit || !s.BothDeposited() {
			return ErrStaleMessage
		}
		s.Status = models.SessionStatusActive
		s.DepositDeadline = nil
		s.CurrentRound = 1

		out.add(sessionID, events.EventTypeGameStarted, events.GameStartedPayload{
			SessionID:         sessionID.String(),
			CreatorAddress:    s.CreatorAddress,
			ChallengerAddress: s.ChallengerAddress,
			StartedAt:         e.clock.Now().UTC(),
		})
		e.startRound(s, &out)
		return nil
	})
	if err != nil {
		return err
	}
	e.dispatch(&out)
	return nil
}

// SubmitChoice applies the designated player's heads/tails pick and
// immediately assigns the complement to the opponent.
func (e *Engine) SubmitChoice(sessionID uuid.UUID, player string, choice models.Choice) error {
	if choice != models.ChoiceHeads && choice != models.ChoiceTails {
		return ErrInvalidChoice
	}

	var out outbox
	err := e.store.Apply(sessionID, func(s *models.Session) error {
		if s.Status != models.SessionStatusActive || s.Phase != models.PhaseChoosing {
			return ErrStaleMessage
		}
		if player != s.CurrentTurn {
			return ErrStaleMessage
		}
		e.assignChoice(s, player, choice, false, &out)
		return nil
	})
	if err != nil {
		return err
	}
	e.dispatch(&out)
	return nil
}

// AutoChoose fires when the choosing window elapses with no choice:
// the engine assigns a uniformly random choice/complement pair and
// advances to charging, so a round can never stall. Invoked only by
// the deadline scheduler; a choice that raced in first makes the
// session no longer PhaseChoosing and this call no-ops.
func (e *Engine) AutoChoose(sessionID uuid.UUID) error {
	var out outbox
	err := e.store.Apply(sessionID, func(s *models.Session) error {
		if s.Status != models.SessionStatusActive || s.Phase != models.PhaseChoosing {
			return ErrStaleMessage
		}
		e.assignChoice(s, s.CurrentTurn, e.flip(), true, &out)
		return nil
	})
	if errors.Is(err, ErrStaleMessage) {
		log.Debug().Str("session_id", sessionID.String()).Msg("auto-choice lost the race to a player choice")
		return nil
	}
	if err != nil {
		return err
	}
	e.dispatch(&out)
	return nil
}

// SubmitPower records one player's power-charge result. Once both
// powers are in, the round flips and resolves in the same transition.
func (e *Engine) SubmitPower(sessionID uuid.UUID, player string, level float64) error {
	if level < 0 || level > models.MaxPower {
		return fmt.Errorf("%w: %.2f", ErrInvalidPower, level)
	}

	var out outbox
	err := e.store.Apply(sessionID, func(s *models.Session) error {
		if s.Status != models.SessionStatusActive || s.Phase != models.PhaseCharging {
			return ErrStaleMessage
		}
		switch player {
		case s.CreatorAddress:
			if s.CreatorPower != nil {
				return ErrStaleMessage
			}
			s.CreatorPower = &level
		case s.ChallengerAddress:
			if s.ChallengerPower != nil {
				return ErrStaleMessage
			}
			s.ChallengerPower = &level
		default:
			return ErrStaleMessage
		}

		out.add(s.ID, events.EventTypePowerUpdate, events.PowerUpdatePayload{
			SessionID:  s.ID.String(),
			Player:     player,
			PowerLevel: level,
		})

		if s.CreatorPower != nil && s.ChallengerPower != nil {
			s.Phase = models.PhaseFlipping
			e.resolveRound(s, &out)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.dispatch(&out)
	return nil
}

// startRound resets per-round fields and opens the choosing window.
// Round 5 is decided by an automatic randomized flip with no player
// input, so neither side holds a choice advantage in the decider.
func (e *Engine) startRound(s *models.Session, out *outbox) {
	s.Phase = models.PhaseChoosing
	s.CreatorChoice = models.ChoiceNone
	s.ChallengerChoice = models.ChoiceNone
	s.CreatorPower = nil
	s.ChallengerPower = nil
	s.RoundAutoDecided = false
	s.CurrentTurn = ChooserForRound(s, s.CurrentRound)
	s.RoundDeadline = nil

	if s.CurrentRound == models.TotalRounds {
		s.CreatorChoice = e.flip()
		s.ChallengerChoice = s.CreatorChoice.Complement()
		s.RoundAutoDecided = true
		zero := 0.0
		s.CreatorPower = &zero
		s.ChallengerPower = &zero

		out.add(s.ID, events.EventTypeRoundStarted, events.RoundStartedPayload{
			SessionID: s.ID.String(),
			Round:     s.CurrentRound,
		})
		s.Phase = models.PhaseFlipping
		e.resolveRound(s, out)
		return
	}

	deadline := e.clock.Now().UTC().Add(e.choiceTimeout)
	s.RoundDeadline = &deadline

	out.add(s.ID, events.EventTypeRoundStarted, events.RoundStartedPayload{
		SessionID:        s.ID.String(),
		Round:            s.CurrentRound,
		CurrentTurn:      s.CurrentTurn,
		ChoiceDeadline:   deadline,
		TimePerChoiceSec: int(e.choiceTimeout.Seconds()),
	})
	out.wake = true
}

func (e *Engine) assignChoice(s *models.Session, chooser string, choice models.Choice, auto bool, out *outbox) {
	if chooser == s.CreatorAddress {
		s.CreatorChoice = choice
		s.ChallengerChoice = choice.Complement()
	} else {
		s.ChallengerChoice = choice
		s.CreatorChoice = choice.Complement()
	}
	s.RoundAutoDecided = auto
	s.Phase = models.PhaseCharging
	s.CurrentTurn = ""
	s.RoundDeadline = nil

	out.add(s.ID, events.EventTypeChoiceMade, events.ChoiceMadePayload{
		SessionID:   s.ID.String(),
		Player:      chooser,
		Choice:      choice,
		Complement:  choice.Complement(),
		AutoDecided: auto,
	})
}

// resolveRound derives the single authoritative coin outcome, records
// the RoundResult, and either ends the match or opens the next round.
func (e *Engine) resolveRound(s *models.Session, out *outbox) {
	outcome := e.flip()
	winner := s.CreatorAddress
	if s.ChallengerChoice == outcome {
		winner = s.ChallengerAddress
		s.ChallengerWins++
	} else {
		s.CreatorWins++
	}

	result := models.RoundResult{
		Round:           s.CurrentRound,
		Outcome:         outcome,
		WinnerAddress:   winner,
		CreatorPower:    *s.CreatorPower,
		ChallengerPower: *s.ChallengerPower,
		AutoDecided:     s.RoundAutoDecided,
		ResolvedAt:      e.clock.Now().UTC(),
	}
	s.Rounds = append(s.Rounds, result)
	s.Phase = models.PhaseResolved

	out.add(s.ID, events.EventTypeRoundResolved, events.RoundResolvedPayload{
		SessionID:       s.ID.String(),
		Round:           result.Round,
		Outcome:         outcome,
		WinnerAddress:   winner,
		CreatorPower:    result.CreatorPower,
		ChallengerPower: result.ChallengerPower,
		CreatorWins:     s.CreatorWins,
		ChallengerWins:  s.ChallengerWins,
		AutoDecided:     result.AutoDecided,
	})

	if s.CreatorWins >= models.WinsNeeded || s.ChallengerWins >= models.WinsNeeded || s.CurrentRound == models.TotalRounds {
		e.completeMatch(s, out)
		return
	}

	s.CurrentRound++
	e.startRound(s, out)
}

func (e *Engine) completeMatch(s *models.Session, out *outbox) {
	s.Status = models.SessionStatusCompleted
	if s.CreatorWins > s.ChallengerWins {
		s.WinnerAddress = s.CreatorAddress
	} else {
		s.WinnerAddress = s.ChallengerAddress
	}
	now := e.clock.Now().UTC()
	s.CompletedAt = &now
	s.CurrentTurn = ""
	s.RoundDeadline = nil

	out.add(s.ID, events.EventTypeGameCompleted, events.GameCompletedPayload{
		SessionID:      s.ID.String(),
		WinnerAddress:  s.WinnerAddress,
		CreatorWins:    s.CreatorWins,
		ChallengerWins: s.ChallengerWins,
		CompletedAt:    now,
	})
	out.terminal = true
	log.Info().
		Str("session_id", s.ID.String()).
		Str("winner", s.WinnerAddress).
		Int("creator_wins", s.CreatorWins).
		Int("challenger_wins", s.ChallengerWins).
		Msg("match completed")
}

// outbox collects events produced under the session lock so they are
// broadcast only after the transition commits.
type outbox struct {
	sessionID uuid.UUID
	events    []*events.GameEvent
	wake      bool
	terminal  bool
}

func (o *outbox) add(sessionID uuid.UUID, eventType events.EventType, payload interface{}) {
	o.sessionID = sessionID
	ev, err := events.New(sessionID, eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build event")
		return
	}
	o.events = append(o.events, ev)
}

func (e *Engine) dispatch(out *outbox) {
	for _, ev := range out.events {
		e.broadcaster.BroadcastToGame(out.sessionID, ev)
	}
	if out.wake && e.wake != nil {
		e.wake()
	}
	if out.terminal && e.onTerminal != nil {
		if snap, err := e.store.Snapshot(out.sessionID); err == nil {
			e.onTerminal(snap)
		}
	}
}

// Package escrow tracks dual-sided deposit state for a pending session
// and enforces the deposit deadline. On-chain verification of deposit
// proofs belongs to the external settlement collaborator; this package
// only records claims that collaborator has accepted.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dmitro3/flipnosis/internal/game/events"
	"github.com/dmitro3/flipnosis/internal/game/session"
	"github.com/dmitro3/flipnosis/internal/models"
)

var (
	// ErrDepositExpired is returned for a deposit confirmation arriving
	// after the window closed. The deadline is hard; a late confirmation
	// never resurrects a session.
	ErrDepositExpired = errors.New("deposit window expired")
	// ErrDepositRejected is returned when the settlement collaborator
	// refuses the deposit proof. The window is not extended.
	ErrDepositRejected = errors.New("deposit proof rejected")
	// ErrNotParticipant is returned for a deposit from an address that
	// is not part of the session.
	ErrNotParticipant = errors.New("not a session participant")
)

// DefaultDepositWindow is the time both sides have to escrow stakes.
const DefaultDepositWindow = 120 * time.Second

// Verifier checks a deposit proof with the settlement collaborator.
// Verification happens before the session lock is taken.
type Verifier interface {
	VerifyDeposit(ctx context.Context, sessionID uuid.UUID, player string, assetType models.AssetType, proof string) (bool, error)
}

// ListingReopener puts a listing back on the market after a deposit
// timeout. Implemented by the offer ledger.
type ListingReopener interface {
	ReopenListing(listingID uuid.UUID) error
}

// MatchStarter initializes round 1 once both deposits are confirmed.
// Implemented by the round engine.
type MatchStarter interface {
	StartMatch(sessionID uuid.UUID) error
}

// Coordinator manages deposit windows for all pending sessions.
type Coordinator struct {
	store       *session.Store
	broadcaster events.Broadcaster
	verifier    Verifier
	reopener    ListingReopener
	starter     MatchStarter
	clock       clockwork.Clock
	window      time.Duration

	wake       func()
	onTerminal func(models.Session)
}

// Config holds the coordinator's tunables.
type Config struct {
	DepositWindow time.Duration
}

// DefaultConfig returns the production coordinator configuration.
func DefaultConfig() Config {
	return Config{DepositWindow: DefaultDepositWindow}
}

// New creates an escrow coordinator.
func New(store *session.Store, broadcaster events.Broadcaster, verifier Verifier, reopener ListingReopener, starter MatchStarter, clock clockwork.Clock, cfg Config) *Coordinator {
	if cfg.DepositWindow <= 0 {
		cfg.DepositWindow = DefaultDepositWindow
	}
	return &Coordinator{
		store:       store,
		broadcaster: broadcaster,
		verifier:    verifier,
		reopener:    reopener,
		starter:     starter,
		clock:       clock,
		window:      cfg.DepositWindow,
	}
}

// SetWake registers the scheduler wake hook.
func (c *Coordinator) SetWake(wake func()) { c.wake = wake }

// SetTerminalHook registers the cancellation hook (settlement/archive).
func (c *Coordinator) SetTerminalHook(fn func(models.Session)) { c.onTerminal = fn }

// Window returns the configured deposit window duration.
func (c *Coordinator) Window() time.Duration { return c.window }

// OpenDepositWindow stamps the deposit deadline on a freshly created
// session, wakes the scheduler, and starts the 1 Hz advisory countdown.
// The deadline is computed once and never reset by partial progress.
func (c *Coordinator) OpenDepositWindow(ctx context.Context, sessionID uuid.UUID) (time.Time, error) {
	deadline := c.clock.Now().UTC().Add(c.window)
	err := c.store.Apply(sessionID, func(s *models.Session) error {
		if s.Status != models.SessionStatusAwaitingDeposit {
			return session.ErrNotFound
		}
		s.DepositDeadline = &deadline
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}

	if c.wake != nil {
		c.wake()
	}
	go c.runCountdown(ctx, sessionID, deadline)

	log.Info().
		Str("session_id", sessionID.String()).
		Time("deadline", deadline).
		Msg("deposit window opened")
	return deadline, nil
}

// ConfirmDeposit records one side's verified deposit. Confirming an
// already-confirmed deposit is a no-op, which absorbs duplicate
// confirmations from reconnects. When both sides are in, the session
// activates and round 1 starts.
func (c *Coordinator) ConfirmDeposit(ctx context.Context, sessionID uuid.UUID, player string, assetType models.AssetType, proof string) error {
	// Proof verification is I/O against the settlement collaborator and
	// must finish before the session lock is taken.
	ok, err := c.verifier.VerifyDeposit(ctx, sessionID, player, assetType, proof)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDepositRejected
	}

	var (
		bothDeposited bool
		duplicate     bool
	)
	err = c.store.Apply(sessionID, func(s *models.Session) error {
		if !s.IsParticipant(player) {
			return ErrNotParticipant
		}
		if s.Status == models.SessionStatusCancelled {
			return ErrDepositExpired
		}
		alreadySet := (player == s.CreatorAddress && s.CreatorDeposited) ||
			(player == s.ChallengerAddress && s.ChallengerDeposited)
		if alreadySet {
			duplicate = true
			return nil
		}
		if s.Status != models.SessionStatusAwaitingDeposit {
			return ErrDepositExpired
		}
		if s.DepositDeadline != nil && c.clock.Now().After(*s.DepositDeadline) {
			// The scheduler has not fired yet but the deadline has
			// passed. Reject rather than resurrect.
			return ErrDepositExpired
		}

		if player == s.CreatorAddress {
			s.CreatorDeposited = true
		} else {
			s.ChallengerDeposited = true
		}
		bothDeposited = s.BothDeposited()
		return nil
	})
	if err != nil {
		return err
	}
	if duplicate {
		log.Debug().
			Str("session_id", sessionID.String()).
			Str("player", player).
			Msg("duplicate deposit confirmation ignored")
		return nil
	}

	if ev, evErr := events.New(sessionID, events.EventTypeDepositConfirmed, events.DepositConfirmedPayload{
		SessionID:     sessionID.String(),
		Player:        player,
		AssetType:     assetType,
		BothDeposited: bothDeposited,
	}); evErr == nil {
		c.broadcaster.BroadcastToGame(sessionID, ev)
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("player", player).
		Str("asset_type", string(assetType)).
		Bool("both_deposited", bothDeposited).
		Msg("deposit confirmed")

	if bothDeposited {
		return c.starter.StartMatch(sessionID)
	}
	return nil
}

// ExpireDeposit cancels a session whose deposit window elapsed, reopens
// the originating listing and notifies both parties. Invoked only by
// the deadline scheduler; if a confirmation raced in first the session
// is no longer awaiting deposits and this call no-ops.
func (c *Coordinator) ExpireDeposit(sessionID uuid.UUID) error {
	var listingID uuid.UUID
	err := c.store.Apply(sessionID, func(s *models.Session) error {
		if s.Status != models.SessionStatusAwaitingDeposit {
			return session.ErrNotFound
		}
		s.Status = models.SessionStatusCancelled
		s.DepositDeadline = nil
		listingID = s.ListingID
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		log.Debug().Str("session_id", sessionID.String()).Msg("deposit expiry lost the race to a confirmation")
		return nil
	}
	if err != nil {
		return err
	}

	reopened := false
	if reopenErr := c.reopener.ReopenListing(listingID); reopenErr != nil {
		log.Error().Err(reopenErr).Str("listing_id", listingID.String()).Msg("failed to reopen listing after deposit timeout")
	} else {
		reopened = true
	}

	if ev, evErr := events.New(sessionID, events.EventTypeDepositTimeout, events.DepositTimeoutPayload{
		SessionID:       sessionID.String(),
		ListingID:       listingID.String(),
		ListingReopened: reopened,
	}); evErr == nil {
		c.broadcaster.BroadcastToGame(sessionID, ev)
	}
	if ev, evErr := events.New(sessionID, events.EventTypeGameCancelled, events.GameCancelledPayload{
		SessionID: sessionID.String(),
		Reason:    "deposit window expired",
	}); evErr == nil {
		c.broadcaster.BroadcastToGame(sessionID, ev)
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("listing_id", listingID.String()).
		Msg("session cancelled on deposit timeout")

	if c.onTerminal != nil {
		if snap, snapErr := c.store.Snapshot(sessionID); snapErr == nil {
			c.onTerminal(snap)
		}
	}
	return nil
}

// runCountdown broadcasts advisory once-per-second ticks until the
// window resolves. Display only; the scheduler owns the transition.
func (c *Coordinator) runCountdown(ctx context.Context, sessionID uuid.UUID, deadline time.Time) {
	ticker := c.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		snap, err := c.store.Snapshot(sessionID)
		if err != nil || snap.Status != models.SessionStatusAwaitingDeposit {
			return
		}

		remaining := int(deadline.Sub(c.clock.Now()).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		if ev, evErr := events.New(sessionID, events.EventTypeDepositCountdown, events.DepositCountdownPayload{
			SessionID:        sessionID.String(),
			TimeRemainingSec: remaining,
			Deadline:         deadline,
		}); evErr == nil {
			c.broadcaster.BroadcastToGame(sessionID, ev)
		}
		if remaining == 0 {
			return
		}
	}
}

// Package orchestrator runs the server-authoritative timers. One
// scheduler loop sleeps until the earliest deadline across all live
// sessions, then fans due sessions out to a worker pool that fires the
// matching transition (deposit expiry or choosing-phase auto-choice)
// through the session store's serialized mutation path. Client-side
// countdowns are display only; this is the only component that turns
// elapsed time into state.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dmitro3/flipnosis/internal/game/session"
)

// EscrowExpirer cancels a session whose deposit window elapsed.
type EscrowExpirer interface {
	ExpireDeposit(sessionID uuid.UUID) error
}

// AutoChooser assigns a random choice pair when the choosing window
// elapses.
type AutoChooser interface {
	AutoChoose(sessionID uuid.UUID) error
}

const (
	defaultWorkers  = 4
	idlePollPeriod  = 5 * time.Second
	workChannelSize = 16
)

// Scheduler owns the deadline loop and its worker pool.
type Scheduler struct {
	store  *session.Store
	escrow EscrowExpirer
	engine AutoChooser
	clock  clockwork.Clock

	wakeCh     chan struct{}
	instanceID string

	numWorkers int
	workCh     chan session.Due

	// Track in-flight work so a session due on consecutive iterations
	// is not fired twice.
	inFlight   map[uuid.UUID]bool
	inFlightMu sync.Mutex
}

// New creates a scheduler.
func New(store *session.Store, escrow EscrowExpirer, engine AutoChooser, clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		store:      store,
		escrow:     escrow,
		engine:     engine,
		clock:      clock,
		wakeCh:     make(chan struct{}, 1),
		instanceID: uuid.New().String()[:8],
		numWorkers: defaultWorkers,
		workCh:     make(chan session.Due, workChannelSize),
		inFlight:   make(map[uuid.UUID]bool),
	}
}

// Wake pokes the loop when a sooner deadline may have appeared.
func (sc *Scheduler) Wake() {
	select {
	case sc.wakeCh <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done, sleeping until the next deadline and
// firing due timeouts.
func (sc *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("instance", sc.instanceID).Int("workers", sc.numWorkers).Msg("deadline scheduler started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < sc.numWorkers; i++ {
		wg.Add(1)
		go sc.worker(workerCtx, &wg, i)
	}
	defer func() {
		cancelWorkers()
		close(sc.workCh)
		wg.Wait()
		log.Info().Str("instance", sc.instanceID).Msg("all scheduler workers shut down")
	}()

	timer := sc.clock.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-sc.wakeCh:
		default:
		}

		next := sc.store.NextDeadline()
		if next == nil {
			timer.Reset(idlePollPeriod)
			select {
			case <-timer.Chan():
				continue
			case <-sc.wakeCh:
				continue
			case <-ctx.Done():
				log.Info().Str("instance", sc.instanceID).Msg("scheduler shutdown during idle")
				return nil
			}
		}

		wait := next.Deadline.Sub(sc.clock.Now())
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.Chan():
			case <-sc.wakeCh:
				continue
			case <-ctx.Done():
				log.Info().Str("instance", sc.instanceID).Msg("scheduler shutdown during wait")
				return nil
			}
		}

		due := sc.store.DueSessions(sc.clock.Now())
		for _, d := range due {
			sc.inFlightMu.Lock()
			if sc.inFlight[d.SessionID] {
				sc.inFlightMu.Unlock()
				continue
			}
			sc.inFlight[d.SessionID] = true
			sc.inFlightMu.Unlock()

			select {
			case sc.workCh <- d:
			case <-ctx.Done():
				sc.inFlightMu.Lock()
				delete(sc.inFlight, d.SessionID)
				sc.inFlightMu.Unlock()
				log.Info().Str("instance", sc.instanceID).Msg("scheduler shutdown while queueing timeouts")
				return nil
			}
		}
	}
}

func (sc *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case due, ok := <-sc.workCh:
			if !ok {
				return
			}
			if err := sc.handleDue(due); err != nil {
				log.Error().
					Err(err).
					Str("session_id", due.SessionID.String()).
					Str("kind", string(due.Kind)).
					Int("worker_id", workerID).
					Msg("timeout handling failed")
			}
			sc.inFlightMu.Lock()
			delete(sc.inFlight, due.SessionID)
			sc.inFlightMu.Unlock()
		}
	}
}

func (sc *Scheduler) handleDue(due session.Due) error {
	log.Info().
		Str("session_id", due.SessionID.String()).
		Str("kind", string(due.Kind)).
		Time("deadline", due.Deadline).
		Msg("deadline fired")

	switch due.Kind {
	case session.DueDeposit:
		return sc.escrow.ExpireDeposit(due.SessionID)
	case session.DueChoice:
		return sc.engine.AutoChoose(due.SessionID)
	default:
		log.Warn().Str("kind", string(due.Kind)).Msg("unknown due kind - ignoring")
		return nil
	}
}

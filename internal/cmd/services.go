package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dmitro3/flipnosis/internal/archive"
	"github.com/dmitro3/flipnosis/internal/game/engine"
	"github.com/dmitro3/flipnosis/internal/game/escrow"
	"github.com/dmitro3/flipnosis/internal/game/gateway"
	"github.com/dmitro3/flipnosis/internal/game/orchestrator"
	"github.com/dmitro3/flipnosis/internal/game/session"
	"github.com/dmitro3/flipnosis/internal/models"
	"github.com/dmitro3/flipnosis/internal/offers"
	"github.com/dmitro3/flipnosis/internal/settlement"
)

type Services struct {
	Store       *session.Store
	Ledger      *offers.Ledger
	Escrow      *escrow.Coordinator
	Engine      *engine.Engine
	Scheduler   *orchestrator.Scheduler
	ConnManager *gateway.ConnectionManager
	WSHandler   *gateway.WebSocketHandler
	RESTHandler *gateway.RESTHandler
}

func setupServices(ctx context.Context, cfg *Config, arch *archive.Repository, publisher *settlement.JetStreamPublisher) *Services {
	// Wire up dependency injection chain
	// Store → broadcaster → ledger → escrow → engine → scheduler

	clock := clockwork.NewRealClock()

	store := session.NewStore(clock)
	connManager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())

	ledger := offers.NewLedger(offers.NewRepository(), store, connManager, clock)

	eng := engine.New(store, connManager, clock, engine.CryptoFlip, engine.Config{
		ChoiceTimeout: cfg.ChoiceTimeout(),
	})

	esc := escrow.New(store, connManager, settlement.AcceptAllVerifier{}, ledger, eng, clock, escrow.Config{
		DepositWindow: cfg.DepositWindow(),
	})

	// Accepting an offer opens the deposit window on the new session.
	ledger.SetWindowOpener(func(ctx context.Context, sessionID uuid.UUID) error {
		_, err := esc.OpenDepositWindow(ctx, sessionID)
		return err
	})

	scheduler := orchestrator.New(store, esc, eng, clock)
	eng.SetWake(scheduler.Wake)
	esc.SetWake(scheduler.Wake)

	hook := terminalHook(arch, publisher)
	eng.SetTerminalHook(hook)
	esc.SetTerminalHook(hook)

	if arch != nil {
		ledger.SetRecorder(&listingRecorder{repo: arch})
	}

	dispatcher := gateway.NewDispatcher(ctx, ledger, esc, eng, store)
	connManager.SetDispatcher(dispatcher)

	return &Services{
		Store:       store,
		Ledger:      ledger,
		Escrow:      esc,
		Engine:      eng,
		Scheduler:   scheduler,
		ConnManager: connManager,
		WSHandler:   gateway.NewWebSocketHandler(connManager),
		RESTHandler: gateway.NewRESTHandler(ledger, store),
	}
}

// terminalHook archives the final session snapshot and publishes the
// outcome for settlement. Runs outside the session lock with a copy,
// so slow I/O here never blocks gameplay.
func terminalHook(arch *archive.Repository, publisher *settlement.JetStreamPublisher) func(models.Session) {
	return func(s models.Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if arch != nil {
			if err := arch.SaveSession(ctx, s); err != nil {
				log.Error().Err(err).Str("session_id", s.ID.String()).Msg("failed to archive session")
			}
		}

		if publisher != nil {
			event := settlement.OutcomeEvent{
				SessionID:     s.ID,
				ListingID:     s.ListingID,
				Status:        s.Status,
				WinnerAddress: s.WinnerAddress,
				PriceUSD:      s.AcceptedPriceUSD,
				CompletedAt:   s.CompletedAt,
			}
			if err := publisher.PublishOutcome(ctx, event); err != nil {
				log.Error().Err(err).Str("session_id", s.ID.String()).Msg("failed to publish outcome")
			}
		}
	}
}

// listingRecorder mirrors listing state changes into the archive.
type listingRecorder struct {
	repo *archive.Repository
}

func (r *listingRecorder) OnListingUpdated(listing models.Listing) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.repo.SaveListing(ctx, listing); err != nil {
		log.Error().Err(err).Str("listing_id", listing.ID.String()).Msg("failed to archive listing")
	}
}

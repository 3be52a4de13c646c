// Package offers implements listing management and offer negotiation:
// validating offers against a listing, arbitrating acceptance, and
// performing the single atomic transition from negotiation to a
// pending game session.
package offers

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dmitro3/flipnosis/internal/game/events"
	"github.com/dmitro3/flipnosis/internal/game/session"
	"github.com/dmitro3/flipnosis/internal/models"
)

var (
	// ErrInvalidOffer marks a user-correctable validation failure.
	ErrInvalidOffer = errors.New("invalid offer")
	// ErrUnauthorized marks the wrong actor attempting a privileged
	// transition.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidState marks a transition attempted from a state that
	// does not permit it.
	ErrInvalidState = errors.New("invalid state for transition")
	// ErrListingNotFound is returned for an unknown listing id.
	ErrListingNotFound = errors.New("listing not found")
	// ErrOfferNotFound is returned for an unknown offer id.
	ErrOfferNotFound = errors.New("offer not found")
)

// Recorder receives best-effort listing updates for durable storage.
type Recorder interface {
	OnListingUpdated(listing models.Listing)
}

// Ledger tracks listings and their offers.
type Ledger struct {
	repo        *Repository
	sessions    *session.Store
	broadcaster events.Broadcaster
	clock       clockwork.Clock
	recorder    Recorder

	// openWindow stamps the deposit deadline; set via SetWindowOpener
	// after the escrow coordinator is constructed.
	openWindow func(ctx context.Context, sessionID uuid.UUID) error
}

// NewLedger creates an offer ledger over the given repository.
func NewLedger(repo *Repository, sessions *session.Store, broadcaster events.Broadcaster, clock clockwork.Clock) *Ledger {
	return &Ledger{
		repo:        repo,
		sessions:    sessions,
		broadcaster: broadcaster,
		clock:       clock,
	}
}

// SetWindowOpener wires the escrow coordinator's deposit window.
func (l *Ledger) SetWindowOpener(open func(ctx context.Context, sessionID uuid.UUID) error) {
	l.openWindow = open
}

// SetRecorder wires the durable listing recorder.
func (l *Ledger) SetRecorder(rec Recorder) { l.recorder = rec }

// CreateListingRequest carries the fields needed to list an NFT.
type CreateListingRequest struct {
	CreatorAddress      string     `json:"creator_address"`
	NFT                 models.NFT `json:"nft"`
	AskingPriceUSD      float64    `json:"asking_price_usd"`
	CreatorParticipates bool       `json:"creator_participates"`
}

// CreateListing lists an NFT for a flip match.
func (l *Ledger) CreateListing(req CreateListingRequest) (*models.Listing, error) {
	if req.CreatorAddress == "" {
		return nil, fmt.Errorf("%w: creator address is required", ErrInvalidOffer)
	}
	if req.AskingPriceUSD <= 0 {
		return nil, fmt.Errorf("%w: asking price must be positive", ErrInvalidOffer)
	}
	if req.NFT.ContractAddress == "" || req.NFT.TokenID == "" {
		return nil, fmt.Errorf("%w: nft contract and token id are required", ErrInvalidOffer)
	}

	listing := &models.Listing{
		ID:                  uuid.New(),
		CreatorAddress:      req.CreatorAddress,
		NFT:                 req.NFT,
		AskingPriceUSD:      req.AskingPriceUSD,
		CreatorParticipates: req.CreatorParticipates,
		Status:              models.ListingStatusOpen,
		CreatedAt:           l.clock.Now().UTC(),
		UpdatedAt:           l.clock.Now().UTC(),
	}
	l.repo.PutListing(listing)
	l.record(*listing)

	log.Info().
		Str("listing_id", listing.ID.String()).
		Str("creator", listing.CreatorAddress).
		Float64("asking_price_usd", listing.AskingPriceUSD).
		Msg("listing created")
	return listing, nil
}

// GetListing returns a listing by id.
func (l *Ledger) GetListing(id uuid.UUID) (*models.Listing, error) {
	return l.repo.GetListing(id)
}

// ListOpenListings returns all listings currently open for offers.
func (l *Ledger) ListOpenListings() []models.Listing {
	return l.repo.ListByStatus(models.ListingStatusOpen)
}

// CancelListing withdraws an open listing. Creator only.
func (l *Ledger) CancelListing(id uuid.UUID, requester string) error {
	err := l.repo.UpdateListing(id, func(listing *models.Listing) error {
		if listing.CreatorAddress != requester {
			return ErrUnauthorized
		}
		if listing.Status != models.ListingStatusOpen {
			return ErrInvalidState
		}
		listing.Status = models.ListingStatusCancelled
		listing.UpdatedAt = l.clock.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	if listing, getErr := l.repo.GetListing(id); getErr == nil {
		l.record(*listing)
	}
	log.Info().Str("listing_id", id.String()).Msg("listing cancelled")
	return nil
}

// ReopenListing puts a listing back on the market after a deposit
// timeout cancelled the pending session.
func (l *Ledger) ReopenListing(id uuid.UUID) error {
	err := l.repo.UpdateListing(id, func(listing *models.Listing) error {
		if listing.Status != models.ListingStatusOfferAccepted {
			return ErrInvalidState
		}
		listing.Status = models.ListingStatusOpen
		listing.UpdatedAt = l.clock.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	if listing, getErr := l.repo.GetListing(id); getErr == nil {
		l.record(*listing)
	}
	log.Info().Str("listing_id", id.String()).Msg("listing reopened")
	return nil
}

// SubmitOffer validates and records a challenger's offer, then
// broadcasts it to everyone watching the listing room.
func (l *Ledger) SubmitOffer(listingID uuid.UUID, offererAddress string, priceUSD float64) (*models.Offer, error) {
	listing, err := l.repo.GetListing(listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != models.ListingStatusOpen {
		return nil, fmt.Errorf("%w: listing is %s", ErrInvalidState, listing.Status)
	}
	if offererAddress == listing.CreatorAddress {
		return nil, fmt.Errorf("%w: creator cannot offer on own listing", ErrInvalidOffer)
	}
	if priceUSD < listing.MinOfferPrice() {
		return nil, fmt.Errorf("%w: price %.2f below minimum %.2f", ErrInvalidOffer, priceUSD, listing.MinOfferPrice())
	}

	offer := &models.Offer{
		ID:             uuid.New(),
		ListingID:      listingID,
		OffererAddress: offererAddress,
		PriceUSD:       priceUSD,
		Status:         models.OfferStatusPending,
		CreatedAt:      l.clock.Now().UTC(),
	}
	l.repo.PutOffer(offer)

	if ev, evErr := events.New(listingID, events.EventTypeOfferReceived, events.OfferReceivedPayload{
		OfferID:        offer.ID.String(),
		ListingID:      listingID.String(),
		OffererAddress: offererAddress,
		PriceUSD:       priceUSD,
		CreatedAt:      offer.CreatedAt,
	}); evErr == nil {
		l.broadcaster.BroadcastToGame(listingID, ev)
	}

	log.Info().
		Str("offer_id", offer.ID.String()).
		Str("listing_id", listingID.String()).
		Str("offerer", offererAddress).
		Float64("price_usd", priceUSD).
		Msg("offer submitted")
	return offer, nil
}

// AcceptOffer is the single transition point from negotiation to game
// session. Accepting the offer, superseding its competitors, creating
// the session, and opening the deposit window either all happen or
// none do.
func (l *Ledger) AcceptOffer(ctx context.Context, offerID uuid.UUID, accepterAddress string) (*models.Session, error) {
	offer, err := l.repo.GetOffer(offerID)
	if err != nil {
		return nil, err
	}
	listing, err := l.repo.GetListing(offer.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.CreatorAddress != accepterAddress {
		return nil, fmt.Errorf("%w: only the listing creator may accept", ErrUnauthorized)
	}
	if listing.Status != models.ListingStatusOpen {
		return nil, fmt.Errorf("%w: listing is %s", ErrInvalidState, listing.Status)
	}
	if offer.Status != models.OfferStatusPending {
		return nil, fmt.Errorf("%w: offer is %s", ErrInvalidState, offer.Status)
	}

	sess := &models.Session{
		ID:                uuid.New(),
		ListingID:         listing.ID,
		CreatorAddress:    listing.CreatorAddress,
		ChallengerAddress: offer.OffererAddress,
		AcceptedPriceUSD:  offer.PriceUSD,
		Status:            models.SessionStatusAwaitingDeposit,
		CurrentRound:      0,
	}
	if err := l.sessions.Create(sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := l.repo.AcceptOfferTx(offerID, listing.ID, l.clock.Now().UTC()); err != nil {
		l.sessions.Remove(sess.ID)
		return nil, err
	}

	if l.openWindow != nil {
		if err := l.openWindow(ctx, sess.ID); err != nil {
			// Unwind so no session exists without its deposit window.
			l.sessions.Remove(sess.ID)
			l.repo.UnacceptOfferTx(offerID, listing.ID)
			return nil, fmt.Errorf("open deposit window: %w", err)
		}
	}

	snap, err := l.sessions.Snapshot(sess.ID)
	if err != nil {
		return nil, err
	}

	l.broadcastAccepted(listing, &snap)
	if updated, getErr := l.repo.GetListing(listing.ID); getErr == nil {
		l.record(*updated)
	}

	log.Info().
		Str("offer_id", offerID.String()).
		Str("listing_id", listing.ID.String()).
		Str("session_id", sess.ID.String()).
		Str("challenger", offer.OffererAddress).
		Msg("offer accepted, session pending deposits")
	return &snap, nil
}

// RejectOffer marks a single offer rejected and notifies only the
// offerer.
func (l *Ledger) RejectOffer(offerID uuid.UUID, rejecterAddress string) error {
	offer, err := l.repo.GetOffer(offerID)
	if err != nil {
		return err
	}
	listing, err := l.repo.GetListing(offer.ListingID)
	if err != nil {
		return err
	}
	if listing.CreatorAddress != rejecterAddress {
		return fmt.Errorf("%w: only the listing creator may reject", ErrUnauthorized)
	}

	if err := l.repo.UpdateOffer(offerID, func(o *models.Offer) error {
		if o.Status != models.OfferStatusPending {
			return ErrInvalidState
		}
		o.Status = models.OfferStatusRejected
		return nil
	}); err != nil {
		return err
	}

	if ev, evErr := events.New(listing.ID, events.EventTypeOfferRejected, events.OfferRejectedPayload{
		OfferID:   offerID.String(),
		ListingID: listing.ID.String(),
	}); evErr == nil {
		l.broadcaster.BroadcastToUser(listing.ID, offer.OffererAddress, ev)
	}
	log.Info().Str("offer_id", offerID.String()).Msg("offer rejected")
	return nil
}

// OffersForListing returns all offers recorded against a listing.
func (l *Ledger) OffersForListing(listingID uuid.UUID) []models.Offer {
	return l.repo.OffersForListing(listingID)
}

// broadcastAccepted sends the acceptance to each player with its own
// framing: the creator waits, the challenger must deposit now.
func (l *Ledger) broadcastAccepted(listing *models.Listing, sess *models.Session) {
	deadline := sess.CreatedAt
	if sess.DepositDeadline != nil {
		deadline = *sess.DepositDeadline
	}
	timeLimit := int(deadline.Sub(l.clock.Now()).Seconds())
	if timeLimit < 0 {
		timeLimit = 0
	}

	base := events.OfferAcceptedPayload{
		SessionID:         sess.ID.String(),
		ListingID:         listing.ID.String(),
		CreatorAddress:    sess.CreatorAddress,
		ChallengerAddress: sess.ChallengerAddress,
		PriceUSD:          sess.AcceptedPriceUSD,
		DepositDeadline:   deadline,
		TimeLimitSec:      timeLimit,
	}

	creator := base
	creator.Waiting = true
	if ev, err := events.New(listing.ID, events.EventTypeOfferAccepted, creator); err == nil {
		l.broadcaster.BroadcastToUser(listing.ID, sess.CreatorAddress, ev)
	}

	challenger := base
	challenger.Waiting = false
	if ev, err := events.New(listing.ID, events.EventTypeOfferAccepted, challenger); err == nil {
		l.broadcaster.BroadcastToUser(listing.ID, sess.ChallengerAddress, ev)
	}
}

func (l *Ledger) record(listing models.Listing) {
	if l.recorder != nil {
		l.recorder.OnListingUpdated(listing)
	}
}

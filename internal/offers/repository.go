package offers

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitro3/flipnosis/internal/models"
)

// Repository is the in-memory listing/offer store backing the ledger.
// Live negotiation state is memory-resident; durable copies go through
// the Recorder hook.
type Repository struct {
	mu              sync.RWMutex
	listings        map[uuid.UUID]*models.Listing
	offers          map[uuid.UUID]*models.Offer
	offersByListing map[uuid.UUID][]uuid.UUID
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		listings:        make(map[uuid.UUID]*models.Listing),
		offers:          make(map[uuid.UUID]*models.Offer),
		offersByListing: make(map[uuid.UUID][]uuid.UUID),
	}
}

// PutListing stores a listing.
func (r *Repository) PutListing(listing *models.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings[listing.ID] = listing
}

// GetListing returns a copy of the listing.
func (r *Repository) GetListing(id uuid.UUID) (*models.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	listing, ok := r.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *listing
	return &cp, nil
}

// UpdateListing mutates a listing under the repository lock.
func (r *Repository) UpdateListing(id uuid.UUID, fn func(*models.Listing) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	listing, ok := r.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	return fn(listing)
}

// ListByStatus returns copies of all listings in the given status,
// newest first.
func (r *Repository) ListByStatus(status models.ListingStatus) []models.Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Listing
	for _, listing := range r.listings {
		if listing.Status == status {
			out = append(out, *listing)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// PutOffer stores an offer.
func (r *Repository) PutOffer(offer *models.Offer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers[offer.ID] = offer
	r.offersByListing[offer.ListingID] = append(r.offersByListing[offer.ListingID], offer.ID)
}

// GetOffer returns a copy of the offer.
func (r *Repository) GetOffer(id uuid.UUID) (*models.Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	offer, ok := r.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *offer
	return &cp, nil
}

// UpdateOffer mutates an offer under the repository lock.
func (r *Repository) UpdateOffer(id uuid.UUID, fn func(*models.Offer) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	offer, ok := r.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	return fn(offer)
}

// OffersForListing returns copies of all offers against a listing,
// oldest first.
func (r *Repository) OffersForListing(listingID uuid.UUID) []models.Offer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.offersByListing[listingID]
	out := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		if offer, ok := r.offers[id]; ok {
			out = append(out, *offer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AcceptOfferTx atomically marks one offer accepted, supersedes every
// other pending offer on the listing, and closes the listing to new
// offers.
func (r *Repository) AcceptOfferTx(offerID, listingID uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	offer, ok := r.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	listing, ok := r.listings[listingID]
	if !ok {
		return ErrListingNotFound
	}
	if offer.Status != models.OfferStatusPending || listing.Status != models.ListingStatusOpen {
		return ErrInvalidState
	}

	offer.Status = models.OfferStatusAccepted
	listing.Status = models.ListingStatusOfferAccepted
	listing.UpdatedAt = now

	for _, id := range r.offersByListing[listingID] {
		if id == offerID {
			continue
		}
		if other, ok := r.offers[id]; ok && other.Status == models.OfferStatusPending {
			other.Status = models.OfferStatusSuperseded
		}
	}
	return nil
}

// UnacceptOfferTx reverses AcceptOfferTx when a later step of the
// acceptance transition fails.
func (r *Repository) UnacceptOfferTx(offerID, listingID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if offer, ok := r.offers[offerID]; ok && offer.Status == models.OfferStatusAccepted {
		offer.Status = models.OfferStatusPending
	}
	if listing, ok := r.listings[listingID]; ok && listing.Status == models.ListingStatusOfferAccepted {
		listing.Status = models.ListingStatusOpen
	}
	for _, id := range r.offersByListing[listingID] {
		if other, ok := r.offers[id]; ok && other.Status == models.OfferStatusSuperseded {
			other.Status = models.OfferStatusPending
		}
	}
}

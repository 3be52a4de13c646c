package models

import (
	"time"

	"github.com/google/uuid"
)

// OfferStatus defines the status of an offer against a listing.
type OfferStatus string

const (
	OfferStatusPending  OfferStatus = "PENDING"
	OfferStatusAccepted OfferStatus = "ACCEPTED"
	OfferStatusRejected OfferStatus = "REJECTED"
	// OfferStatusSuperseded marks pending offers implicitly closed when a
	// different offer on the same listing is accepted.
	OfferStatusSuperseded OfferStatus = "SUPERSEDED"
)

// Offer represents a challenger's proposed price against a Listing.
type Offer struct {
	ID             uuid.UUID   `json:"id"`
	ListingID      uuid.UUID   `json:"listing_id"`
	OffererAddress string      `json:"offerer_address"`
	PriceUSD       float64     `json:"price_usd"`
	Status         OfferStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// ListingStatus defines the status of an NFT listing.
type ListingStatus string

const (
	ListingStatusOpen          ListingStatus = "OPEN"
	ListingStatusOfferAccepted ListingStatus = "OFFER_ACCEPTED"
	ListingStatusCancelled     ListingStatus = "CANCELLED"
)

// NFT identifies the wagered token plus the display metadata supplied
// by the external metadata store at listing-creation time.
type NFT struct {
	ContractAddress string `json:"contract_address"`
	TokenID         string `json:"token_id"`
	ChainID         int64  `json:"chain_id"`
	Name            string `json:"name,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	CollectionName  string `json:"collection_name,omitempty"`
}

// Listing represents an NFT offered for a flip match at an asking price.
type Listing struct {
	ID                  uuid.UUID     `json:"id"`
	CreatorAddress      string        `json:"creator_address"`
	NFT                 NFT           `json:"nft"`
	AskingPriceUSD      float64       `json:"asking_price_usd"`
	CreatorParticipates bool          `json:"creator_participates"`
	Status              ListingStatus `json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// MinOfferPrice returns the lowest offer this listing accepts.
// Offers below 80% of the asking price are rejected outright.
func (l *Listing) MinOfferPrice() float64 {
	return l.AskingPriceUSD * 0.8
}

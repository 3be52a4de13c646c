package events

import (
	"time"

	"github.com/dmitro3/flipnosis/internal/models"
)

// Server→client event payloads.

// OfferReceivedPayload is broadcast to the listing room on a new offer.
type OfferReceivedPayload struct {
	OfferID        string    `json:"offer_id"`
	ListingID      string    `json:"listing_id"`
	OffererAddress string    `json:"offerer_address"`
	PriceUSD       float64   `json:"price_usd"`
	CreatedAt      time.Time `json:"created_at"`
}

// OfferRejectedPayload is sent to the offerer only.
type OfferRejectedPayload struct {
	OfferID   string `json:"offer_id"`
	ListingID string `json:"listing_id"`
}

// OfferAcceptedPayload is sent distinctly to both players: the creator
// sees Waiting=true, the challenger sees a deposit-now framing.
type OfferAcceptedPayload struct {
	SessionID         string    `json:"session_id"`
	ListingID         string    `json:"listing_id"`
	CreatorAddress    string    `json:"creator_address"`
	ChallengerAddress string    `json:"challenger_address"`
	PriceUSD          float64   `json:"price_usd"`
	DepositDeadline   time.Time `json:"deposit_deadline"`
	TimeLimitSec      int       `json:"time_limit_sec"`
	Waiting           bool      `json:"waiting"`
}

// DepositCountdownPayload is an advisory 1 Hz tick; only the
// server-side deadline is authoritative.
type DepositCountdownPayload struct {
	SessionID        string    `json:"session_id"`
	TimeRemainingSec int       `json:"time_remaining_sec"`
	Deadline         time.Time `json:"deadline"`
}

// DepositConfirmedPayload announces one side's confirmed deposit.
type DepositConfirmedPayload struct {
	SessionID     string           `json:"session_id"`
	Player        string           `json:"player"`
	AssetType     models.AssetType `json:"asset_type"`
	BothDeposited bool             `json:"both_deposited"`
}

// DepositTimeoutPayload is broadcast when the deposit window expires.
type DepositTimeoutPayload struct {
	SessionID       string `json:"session_id"`
	ListingID       string `json:"listing_id"`
	ListingReopened bool   `json:"listing_reopened"`
}

// GameStartedPayload announces that both deposits cleared and round 1
// is underway.
type GameStartedPayload struct {
	SessionID         string    `json:"session_id"`
	CreatorAddress    string    `json:"creator_address"`
	ChallengerAddress string    `json:"challenger_address"`
	StartedAt         time.Time `json:"started_at"`
}

// RoundStartedPayload marks the start of a round's choosing phase.
// CurrentTurn is empty for round 5, which auto-resolves.
type RoundStartedPayload struct {
	SessionID        string    `json:"session_id"`
	Round            int       `json:"round"`
	CurrentTurn      string    `json:"current_turn,omitempty"`
	ChoiceDeadline   time.Time `json:"choice_deadline,omitempty"`
	TimePerChoiceSec int       `json:"time_per_choice_sec,omitempty"`
}

// ChoiceMadePayload carries the chooser's pick and the complement
// assigned to the opponent.
type ChoiceMadePayload struct {
	SessionID   string        `json:"session_id"`
	Player      string        `json:"player"`
	Choice      models.Choice `json:"choice"`
	Complement  models.Choice `json:"complement"`
	AutoDecided bool          `json:"auto_decided,omitempty"`
}

// PowerUpdatePayload announces one player's submitted power level.
type PowerUpdatePayload struct {
	SessionID  string  `json:"session_id"`
	Player     string  `json:"player"`
	PowerLevel float64 `json:"power_level"`
}

// RoundResolvedPayload is the single authoritative flip result,
// computed once server-side and broadcast once.
type RoundResolvedPayload struct {
	SessionID       string        `json:"session_id"`
	Round           int           `json:"round"`
	Outcome         models.Choice `json:"outcome"`
	WinnerAddress   string        `json:"winner_address"`
	CreatorPower    float64       `json:"creator_power"`
	ChallengerPower float64       `json:"challenger_power"`
	CreatorWins     int           `json:"creator_wins"`
	ChallengerWins  int           `json:"challenger_wins"`
	AutoDecided     bool          `json:"auto_decided,omitempty"`
}

// GameCompletedPayload announces the match winner.
type GameCompletedPayload struct {
	SessionID      string    `json:"session_id"`
	WinnerAddress  string    `json:"winner_address"`
	CreatorWins    int       `json:"creator_wins"`
	ChallengerWins int       `json:"challenger_wins"`
	CompletedAt    time.Time `json:"completed_at"`
}

// GameCancelledPayload announces a pre-activation cancellation.
type GameCancelledPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ChatMessagePayload relays chat between session participants.
type ChatMessagePayload struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// SessionStatePayload is the one-shot history/rehydration message sent
// to a (re)connecting client after it joins a room.
type SessionStatePayload struct {
	Session    models.Session `json:"session"`
	ServerTime time.Time      `json:"server_time"`
}

// ErrorPayload reports a rejected client message to its sender.
type ErrorPayload struct {
	RequestType string `json:"request_type"`
	Message     string `json:"message"`
}

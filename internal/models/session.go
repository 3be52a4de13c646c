package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus defines the lifecycle status of a game session.
type SessionStatus string

const (
	SessionStatusAwaitingChallenger SessionStatus = "AWAITING_CHALLENGER"
	SessionStatusAwaitingDeposit    SessionStatus = "AWAITING_DEPOSIT"
	SessionStatusActive             SessionStatus = "ACTIVE"
	SessionStatusCompleted          SessionStatus = "COMPLETED"
	SessionStatusCancelled          SessionStatus = "CANCELLED"
)

// Choice is a heads/tails selection. The zero value means "not chosen".
type Choice string

const (
	ChoiceNone  Choice = ""
	ChoiceHeads Choice = "HEADS"
	ChoiceTails Choice = "TAILS"
)

// Complement returns the opposite side of the coin. One player picks,
// the other is always assigned the complement; there is no tie state.
func (c Choice) Complement() Choice {
	switch c {
	case ChoiceHeads:
		return ChoiceTails
	case ChoiceTails:
		return ChoiceHeads
	default:
		return ChoiceNone
	}
}

// RoundPhase defines where within the current round the session is.
type RoundPhase string

const (
	PhaseChoosing RoundPhase = "CHOOSING"
	PhaseCharging RoundPhase = "CHARGING"
	PhaseFlipping RoundPhase = "FLIPPING"
	PhaseResolved RoundPhase = "RESOLVED"
)

// AssetType identifies what a player is staking into escrow.
type AssetType string

const (
	AssetTypeNFT    AssetType = "NFT"
	AssetTypeCrypto AssetType = "CRYPTO"
)

const (
	// TotalRounds is the maximum number of rounds in a match.
	TotalRounds = 5
	// WinsNeeded ends the match early when either side reaches it.
	WinsNeeded = 3
	// MaxPower is the upper bound of a power-charge submission.
	MaxPower = 10.0
)

// Session is the authoritative aggregate for one flip match. All
// mutation goes through the session store's serialized Apply path.
type Session struct {
	ID                uuid.UUID     `json:"id"`
	ListingID         uuid.UUID     `json:"listing_id"`
	CreatorAddress    string        `json:"creator_address"`
	ChallengerAddress string        `json:"challenger_address,omitempty"`
	AcceptedPriceUSD  float64       `json:"accepted_price_usd"`
	Status            SessionStatus `json:"status"`

	// Escrow state
	CreatorDeposited    bool       `json:"creator_deposited"`
	ChallengerDeposited bool       `json:"challenger_deposited"`
	DepositDeadline     *time.Time `json:"deposit_deadline,omitempty"`

	// Round state, reset at each round boundary
	CurrentRound     int        `json:"current_round"`
	Phase            RoundPhase `json:"phase,omitempty"`
	CreatorChoice    Choice     `json:"creator_choice,omitempty"`
	ChallengerChoice Choice     `json:"challenger_choice,omitempty"`
	CreatorPower     *float64   `json:"creator_power,omitempty"`
	ChallengerPower  *float64   `json:"challenger_power,omitempty"`
	CurrentTurn      string     `json:"current_turn,omitempty"`
	RoundDeadline    *time.Time `json:"round_deadline,omitempty"`
	RoundAutoDecided bool       `json:"round_auto_decided,omitempty"`

	// Match state
	CreatorWins    int           `json:"creator_wins"`
	ChallengerWins int           `json:"challenger_wins"`
	Rounds         []RoundResult `json:"rounds,omitempty"`
	WinnerAddress  string        `json:"winner_address,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RoundResult is an immutable record of one resolved round.
type RoundResult struct {
	Round           int       `json:"round"`
	Outcome         Choice    `json:"outcome"`
	WinnerAddress   string    `json:"winner_address"`
	CreatorPower    float64   `json:"creator_power"`
	ChallengerPower float64   `json:"challenger_power"`
	AutoDecided     bool      `json:"auto_decided"`
	ResolvedAt      time.Time `json:"resolved_at"`
}

// BothDeposited reports whether both stakes are confirmed in escrow.
// It is the necessary and sufficient condition for SessionStatusActive.
func (s *Session) BothDeposited() bool {
	return s.CreatorDeposited && s.ChallengerDeposited
}

// Terminal reports whether the session can no longer change.
func (s *Session) Terminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusCancelled
}

// IsParticipant reports whether addr is one of the two players.
func (s *Session) IsParticipant(addr string) bool {
	return addr == s.CreatorAddress || addr == s.ChallengerAddress
}

// Opponent returns the other player's address, or "" for a non-player.
func (s *Session) Opponent(addr string) string {
	switch addr {
	case s.CreatorAddress:
		return s.ChallengerAddress
	case s.ChallengerAddress:
		return s.CreatorAddress
	default:
		return ""
	}
}

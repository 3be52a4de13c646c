// Package settlement holds the interfaces to the on-chain escrow
// collaborator: deposit-proof verification and publication of terminal
// game outcomes. The core never talks to a chain node directly.
package settlement

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dmitro3/flipnosis/internal/models"
)

// AcceptAllVerifier accepts any non-empty deposit proof. Development
// and test stand-in for the on-chain verifier service.
type AcceptAllVerifier struct{}

// VerifyDeposit reports whether the proof is acceptable.
func (AcceptAllVerifier) VerifyDeposit(ctx context.Context, sessionID uuid.UUID, player string, assetType models.AssetType, proof string) (bool, error) {
	ok := strings.TrimSpace(proof) != ""
	if !ok {
		log.Debug().
			Str("session_id", sessionID.String()).
			Str("player", player).
			Msg("empty deposit proof rejected")
	}
	return ok, nil
}

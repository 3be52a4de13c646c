// Package archive persists listings and terminal session snapshots so
// history survives restarts. It sits off the hot path: writes happen
// at listing updates and terminal transitions only.
package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitro3/flipnosis/internal/models"
)

// Repository stores archive rows in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a repository over an existing pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// SaveListing upserts the current state of a listing.
func (r *Repository) SaveListing(ctx context.Context, listing models.Listing) error {
	nft, err := json.Marshal(listing.NFT)
	if err != nil {
		return fmt.Errorf("marshal nft metadata: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO listings (id, creator_address, nft, asking_price_usd, creator_participates, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		listing.ID, listing.CreatorAddress, nft, listing.AskingPriceUSD,
		listing.CreatorParticipates, listing.Status, listing.CreatedAt, listing.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save listing: %w", err)
	}
	return nil
}

// SaveSession stores a terminal session snapshot with its round
// results in one transaction.
func (r *Repository) SaveSession(ctx context.Context, s models.Session) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, listing_id, creator_address, challenger_address, accepted_price_usd,
			status, creator_wins, challenger_wins, winner_address, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status,
			creator_wins = EXCLUDED.creator_wins,
			challenger_wins = EXCLUDED.challenger_wins,
			winner_address = EXCLUDED.winner_address,
			completed_at = EXCLUDED.completed_at`,
		s.ID, s.ListingID, s.CreatorAddress, s.ChallengerAddress, s.AcceptedPriceUSD,
		s.Status, s.CreatorWins, s.ChallengerWins, nullable(s.WinnerAddress), s.CreatedAt, s.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	for _, round := range s.Rounds {
		_, err = tx.Exec(ctx, `
			INSERT INTO round_results (session_id, round, outcome, winner_address, creator_power, challenger_power, auto_decided, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (session_id, round) DO NOTHING`,
			s.ID, round.Round, round.Outcome, round.WinnerAddress,
			round.CreatorPower, round.ChallengerPower, round.AutoDecided, round.ResolvedAt,
		)
		if err != nil {
			return fmt.Errorf("save round %d: %w", round.Round, err)
		}
	}

	return tx.Commit(ctx)
}

// GetSession loads an archived session with its rounds.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var s models.Session
	var winner *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, listing_id, creator_address, challenger_address, accepted_price_usd,
			status, creator_wins, challenger_wins, winner_address, created_at, completed_at
		FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.ListingID, &s.CreatorAddress, &s.ChallengerAddress, &s.AcceptedPriceUSD,
		&s.Status, &s.CreatorWins, &s.ChallengerWins, &winner, &s.CreatedAt, &s.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if winner != nil {
		s.WinnerAddress = *winner
	}

	rows, err := r.pool.Query(ctx, `
		SELECT round, outcome, winner_address, creator_power, challenger_power, auto_decided, resolved_at
		FROM round_results WHERE session_id = $1 ORDER BY round`, id)
	if err != nil {
		return nil, fmt.Errorf("get rounds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var round models.RoundResult
		if err := rows.Scan(&round.Round, &round.Outcome, &round.WinnerAddress,
			&round.CreatorPower, &round.ChallengerPower, &round.AutoDecided, &round.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		s.Rounds = append(s.Rounds, round)
	}
	return &s, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/EspenRiis/attensi-spin-sub000/internal/domain"
)

// ResultsWriter hands the final leaderboard of a completed session back to
// the surrounding application, which reads it for statistics and exports.
type ResultsWriter struct {
	pool *pgxpool.Pool
}

func NewResultsWriter(pool *pgxpool.Pool) *ResultsWriter {
	return &ResultsWriter{pool: pool}
}

func (w *ResultsWriter) WriteFinal(ctx context.Context, sessionID string, completedAt time.Time, final domain.Leaderboard) error {
	data, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("marshal leaderboard: %w", err)
	}
	_, err = w.pool.Exec(ctx,
		`INSERT INTO session_results (session_id, completed_at, leaderboard)
		 VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (session_id) DO UPDATE SET completed_at=EXCLUDED.completed_at, leaderboard=EXCLUDED.leaderboard`,
		sessionID, completedAt, string(data))
	if err != nil {
		return fmt.Errorf("write session results: %w", err)
	}
	return nil
}

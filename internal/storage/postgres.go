package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MaxConnIdleTime = 30 * time.Minute
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	db.pool.Close()
}

// InsertMatchOutcome archives a resolved proposal. The queue/match flow is
// driven entirely off Redis; this table exists for history read-backs and
// offline diagnosis.
func (db *PostgresDB) InsertMatchOutcome(ctx context.Context, o *MatchOutcome) error {
	query := `
		INSERT INTO match_outcomes
			(match_id, user1_id, user2_id, question_id, difficulty, language,
			 topics, status, reason, declining_user_id, session_id, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (match_id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		o.MatchID, o.User1, o.User2, o.QuestionID, o.Difficulty, o.Language,
		o.Topics, o.Status, o.Reason, o.DecliningUserID, o.SessionID,
		o.CreatedAt, o.ResolvedAt)
	return err
}

// ListUserOutcomes returns a user's archived matches, newest first.
func (db *PostgresDB) ListUserOutcomes(ctx context.Context, userID string, limit int) ([]MatchOutcome, error) {
	query := `
		SELECT match_id, user1_id, user2_id, question_id, difficulty, language,
		       topics, status, reason, declining_user_id, session_id, created_at, resolved_at
		FROM match_outcomes
		WHERE user1_id = $1 OR user2_id = $1
		ORDER BY resolved_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []MatchOutcome
	for rows.Next() {
		var o MatchOutcome
		if err := rows.Scan(
			&o.MatchID, &o.User1, &o.User2, &o.QuestionID, &o.Difficulty, &o.Language,
			&o.Topics, &o.Status, &o.Reason, &o.DecliningUserID, &o.SessionID,
			&o.CreatedAt, &o.ResolvedAt,
		); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

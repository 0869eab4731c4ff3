package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
)

// ResultStore persists quiz completions into the room_results table.
type ResultStore struct {
	pool *pgxpool.Pool
}

func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// Notify records quiz_completed notifications; a repeat completion overwrites the score.
func (s *ResultStore) Notify(ctx context.Context, n domain.Notification) error {
	result, ok := app.ResultFromNotification(n)
	if !ok {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO room_results (room_id, user_id, username, score, total_questions, completed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (room_id, user_id) DO UPDATE
SET username = EXCLUDED.username,
    score = EXCLUDED.score,
    total_questions = EXCLUDED.total_questions,
    completed_at = EXCLUDED.completed_at`,
		result.RoomID, result.UserID, result.Username, result.Score, result.TotalQuestions, result.CompletedAt)
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

func (s *ResultStore) LoadResults(ctx context.Context, roomID string) ([]domain.RoomResult, error) {
	rows, err := s.pool.Query(ctx, `
SELECT room_id, user_id, username, score, total_questions, completed_at
FROM room_results
WHERE room_id = $1
ORDER BY score DESC, completed_at ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	defer rows.Close()

	var out []domain.RoomResult
	for rows.Next() {
		var r domain.RoomResult
		if err := rows.Scan(&r.RoomID, &r.UserID, &r.Username, &r.Score, &r.TotalQuestions, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	return out, nil
}

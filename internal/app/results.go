package app

import (
	"context"
	"sort"

	"quiz-room-service/internal/domain"
)

// ResultLoader reads durable results for a room from a backing store.
type ResultLoader interface {
	LoadResults(ctx context.Context, roomID string) ([]domain.RoomResult, error)
}

// ResultRepository serves room results, typically through a cache.
type ResultRepository interface {
	GetResults(ctx context.Context, roomID string) ([]domain.RoomResult, error)
}

// ResultFromNotification extracts the durable result carried by a quiz_completed notification.
func ResultFromNotification(n domain.Notification) (domain.RoomResult, bool) {
	if n.Type != domain.NotifyQuizCompleted || n.UserID == "" {
		return domain.RoomResult{}, false
	}
	return domain.RoomResult{
		RoomID:         n.RoomID,
		UserID:         n.UserID,
		Username:       n.Username,
		Score:          n.Score,
		TotalQuestions: n.TotalQuestions,
		CompletedAt:    n.OccurredAt,
	}, true
}

// SortResults orders results by score (highest first), then completion time.
func SortResults(results []domain.RoomResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CompletedAt.Before(results[j].CompletedAt)
	})
}

package app

import "quiz-room-service/internal/domain"

// member resolves the caller and requires connID to be attached to the room.
func (s *roomState) member(connID, userID string) (*domain.UserEntry, error) {
	u, ok := s.users[userID]
	if !ok || s.connOwner[connID] != userID {
		return nil, domain.ErrNotMember
	}
	return u, nil
}

func (s *roomState) progressFor(userID string) *domain.ProgressRecord {
	rec, ok := s.progress[userID]
	if !ok {
		rec = domain.NewProgressRecord()
		s.progress[userID] = rec
	}
	return rec
}

// recordAnswer is idempotent per question: a repeat delivery changes nothing and broadcasts nothing.
func (s *roomState) recordAnswer(connID, userID string, questionIndex int, correct bool) ([]domain.ProgressEntry, error) {
	if _, err := s.member(connID, userID); err != nil {
		return nil, err
	}
	rec := s.progressFor(userID)
	if _, done := rec.CompletedQuestions[questionIndex]; done {
		return s.progressSnapshot(), nil
	}
	rec.CompletedQuestions[questionIndex] = struct{}{}
	rec.CurrentQuestion = questionIndex + 1
	if correct {
		rec.Score++
	}

	progress := s.progressSnapshot()
	s.broadcast(domain.EventRoomProgressUpdated, progress)
	return progress, nil
}

func (s *roomState) recordCompletion(connID, userID string, score, totalQuestions int) ([]domain.ProgressEntry, error) {
	u, err := s.member(connID, userID)
	if err != nil {
		return nil, err
	}
	rec := s.progressFor(userID)
	rec.Score = score
	rec.Completed = true

	progress := s.progressSnapshot()
	s.broadcast(domain.EventRoomProgressUpdated, progress)
	s.broadcast(domain.EventUserCompletedQuiz, domain.UserCompletedQuiz{
		UserID:         userID,
		Username:       u.Username,
		Score:          score,
		TotalQuestions: totalQuestions,
	})
	s.notify(domain.Notification{
		Type:           domain.NotifyQuizCompleted,
		UserID:         userID,
		Username:       u.Username,
		Score:          score,
		TotalQuestions: totalQuestions,
	})
	return progress, nil
}

// updateProgress replaces the caller's record with a client-side view.
func (s *roomState) updateProgress(connID, userID string, update domain.ProgressUpdate) ([]domain.ProgressEntry, error) {
	if _, err := s.member(connID, userID); err != nil {
		return nil, err
	}
	rec := domain.NewProgressRecord()
	for _, q := range update.CompletedQuestions {
		rec.CompletedQuestions[q] = struct{}{}
	}
	rec.CurrentQuestion = update.CurrentQuestion
	rec.Score = update.Score
	rec.Completed = update.Completed
	s.progress[userID] = rec

	progress := s.progressSnapshot()
	s.broadcast(domain.EventRoomProgressUpdated, progress)
	return progress, nil
}

// sendProgress answers an on-demand progress request.
func (s *roomState) sendProgress(sink Sink) []domain.ProgressEntry {
	progress := s.progressSnapshot()
	s.sendTo(sink, domain.EventRoomProgressUpdated, progress)
	return progress
}

package app

import (
	"sort"

	"quiz-room-service/internal/domain"
)

// submitTextAnswer stores the caller's answer (last write wins) and evaluates quorum
// against the current membership.
func (s *roomState) submitTextAnswer(connID, userID string, questionIndex int, answer string) (domain.QuorumStatus, error) {
	if _, err := s.member(connID, userID); err != nil {
		return domain.QuorumStatus{}, err
	}
	answers, ok := s.textAnswers[questionIndex]
	if !ok {
		answers = make(map[string]string)
		s.textAnswers[questionIndex] = answers
	}
	answers[userID] = answer

	s.broadcast(domain.EventTextAnswersUpdated, domain.TextAnswers{
		QuestionIndex: questionIndex,
		Answers:       copyAnswers(answers),
	})

	status := s.quorumStatus(questionIndex)
	s.quorumMet[questionIndex] = status.Complete
	if status.Complete {
		s.fireQuorum(status)
	}
	return status, nil
}

// quorumStatus counts answers from current members only; answers of departed users stay stored.
func (s *roomState) quorumStatus(questionIndex int) domain.QuorumStatus {
	answers := s.textAnswers[questionIndex]
	submitted := 0
	for userID := range answers {
		if _, ok := s.users[userID]; ok {
			submitted++
		}
	}
	required := len(s.users)
	return domain.QuorumStatus{
		QuestionIndex: questionIndex,
		Answers:       copyAnswers(answers),
		Submitted:     submitted,
		Required:      required,
		Complete:      required > 0 && submitted >= required,
	}
}

func (s *roomState) fireQuorum(status domain.QuorumStatus) {
	s.broadcast(domain.EventAllAnswersSubmitted, domain.TextAnswers{
		QuestionIndex: status.QuestionIndex,
		Answers:       status.Answers,
	})
	s.advanceCursor(status.QuestionIndex)
	s.notify(domain.Notification{
		Type:          domain.NotifyAllAnswersSubmitted,
		QuestionIndex: status.QuestionIndex,
		Answers:       status.Answers,
	})
}

// reevaluateQuorum runs after membership shrinks: a question whose quorum was not met
// and becomes satisfied by the smaller denominator fires now.
func (s *roomState) reevaluateQuorum() {
	for _, q := range s.answeredQuestions() {
		if _, skipped := s.skipped[q]; skipped {
			continue
		}
		status := s.quorumStatus(q)
		wasMet := s.quorumMet[q]
		s.quorumMet[q] = status.Complete
		if status.Complete && !wasMet {
			s.fireQuorum(status)
		}
	}
}

// refreshQuorum runs after membership grows. A late joiner un-satisfies open
// questions without retracting anything already announced.
func (s *roomState) refreshQuorum() {
	for _, q := range s.answeredQuestions() {
		s.quorumMet[q] = s.quorumStatus(q).Complete
	}
}

func (s *roomState) answeredQuestions() []int {
	out := make([]int, 0, len(s.textAnswers))
	for q := range s.textAnswers {
		out = append(out, q)
	}
	sort.Ints(out)
	return out
}

// skipQuestion is owner-only. With no index it skips the room's current question.
func (s *roomState) skipQuestion(connID, userID string, questionIndex *int) (int, error) {
	u, err := s.member(connID, userID)
	if err != nil {
		return 0, err
	}
	if !u.IsOwner {
		return 0, domain.ErrNotOwner
	}
	q := s.currentQuestion
	if questionIndex != nil {
		q = *questionIndex
	}
	s.skipped[q] = struct{}{}
	s.advanceCursor(q)

	s.broadcast(domain.EventQuestionSkipped, domain.QuestionSkipped{QuestionIndex: q})
	s.notify(domain.Notification{
		Type:          domain.NotifyQuestionSkipped,
		UserID:        userID,
		Username:      u.Username,
		QuestionIndex: q,
	})
	return q, nil
}

func (s *roomState) advanceCursor(questionIndex int) {
	if questionIndex+1 > s.currentQuestion {
		s.currentQuestion = questionIndex + 1
	}
}

func copyAnswers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

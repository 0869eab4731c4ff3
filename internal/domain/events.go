package domain

import "time"

// Outbound event names.
const (
	EventSession             = "session"
	EventRoomUsersUpdated    = "room_users_updated"
	EventRoomProgressUpdated = "room_progress_updated"
	EventTextAnswersUpdated  = "text_answers_updated"
	EventAllAnswersSubmitted = "all_answers_submitted"
	EventQuestionSkipped     = "question_skipped"
	EventUserCompletedQuiz   = "user_completed_quiz"
	EventError               = "error"
)

// Inbound event names.
const (
	EventJoinRoom         = "join_room"
	EventLeaveRoom        = "leave_room"
	EventQuestionAnswered = "question_answered"
	EventQuizCompleted    = "quiz_completed"
	EventUpdateProgress   = "update_progress"
	EventSubmitTextAnswer = "submit_text_answer"
	EventSkipQuestion     = "skip_question"
	EventGetRoomUsers     = "get_room_users"
	EventGetRoomProgress  = "get_room_progress"
)

// Event is one outbound frame addressed to a connection.
type Event struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId,omitempty"`
	Payload any    `json:"payload"`
}

// ErrorPayload is sent to a single connection whose request was rejected.
type ErrorPayload struct {
	Request string `json:"request,omitempty"`
	Message string `json:"message"`
}

// Notification is reported to external collaborators (durable scores, analytics).
type Notification struct {
	Type           string            `json:"type" bson:"type"`
	RoomID         string            `json:"roomId" bson:"room_id"`
	UserID         string            `json:"userId,omitempty" bson:"user_id,omitempty"`
	Username       string            `json:"username,omitempty" bson:"username,omitempty"`
	QuestionIndex  int               `json:"questionIndex" bson:"question_index"`
	Score          int               `json:"score" bson:"score"`
	TotalQuestions int               `json:"totalQuestions" bson:"total_questions"`
	Answers        map[string]string `json:"answers,omitempty" bson:"answers,omitempty"`
	OccurredAt     time.Time         `json:"occurredAt" bson:"occurred_at"`
}

// Notification types reported to external collaborators.
const (
	NotifyQuizCompleted       = "quiz_completed"
	NotifyAllAnswersSubmitted = "all_answers_submitted"
	NotifyQuestionSkipped     = "question_skipped"
)

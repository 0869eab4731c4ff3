package protocol

// Inbound payloads. Pointer fields distinguish "missing" from zero values.

type userRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type JoinRoomPayload struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	Username string `json:"username" validate:"required,max=64"`
	UserID   string `json:"userId" validate:"max=128"`
	// User is accepted for clients that send {user: {id, username}}.
	User *userRef `json:"user,omitempty" validate:"-"`
}

func (p *JoinRoomPayload) normalize() {
	if p.User == nil {
		return
	}
	if p.Username == "" {
		p.Username = p.User.Username
	}
	if p.UserID == "" {
		p.UserID = p.User.ID
	}
}

type RoomPayload struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
}

type QuestionAnsweredPayload struct {
	RoomID        string `json:"roomId" validate:"required,max=128"`
	QuestionIndex *int   `json:"questionIndex" validate:"required,gte=0"`
	IsCorrect     bool   `json:"isCorrect"`
}

type QuizCompletedPayload struct {
	RoomID         string `json:"roomId" validate:"required,max=128"`
	Score          *int   `json:"score" validate:"required,gte=0"`
	TotalQuestions int    `json:"totalQuestions" validate:"gte=0"`
}

type UpdateProgressPayload struct {
	RoomID             string `json:"roomId" validate:"required,max=128"`
	CurrentQuestion    int    `json:"currentQuestion" validate:"gte=0"`
	CompletedQuestions []int  `json:"completedQuestions" validate:"dive,gte=0"`
	Score              int    `json:"score" validate:"gte=0"`
	Completed          bool   `json:"completed"`
}

type SubmitTextAnswerPayload struct {
	RoomID        string  `json:"roomId" validate:"required,max=128"`
	QuestionIndex *int    `json:"questionIndex" validate:"required,gte=0"`
	Answer        *string `json:"answer" validate:"required,max=2000"`
}

type SkipQuestionPayload struct {
	RoomID        string `json:"roomId" validate:"required,max=128"`
	QuestionIndex *int   `json:"questionIndex" validate:"omitempty,gte=0"`
}

package domain

import (
	"sort"
	"time"
)

// UserEntry is a participant's membership record inside one room.
// ConnectionIDs is never empty while the entry is part of a room.
type UserEntry struct {
	UserID        string
	Username      string
	JoinTime      time.Time
	ConnectionIDs map[string]struct{}
	IsOwner       bool
	// Seq breaks JoinTime ties so presence order stays stable.
	Seq uint64
}

// ProgressRecord is a participant's per-room quiz progress.
type ProgressRecord struct {
	CurrentQuestion    int
	CompletedQuestions map[int]struct{}
	Score              int
	Completed          bool
}

// NewProgressRecord returns an empty record.
func NewProgressRecord() *ProgressRecord {
	return &ProgressRecord{CompletedQuestions: make(map[int]struct{})}
}

// CompletedList returns completed question indices in ascending order.
func (p *ProgressRecord) CompletedList() []int {
	out := make([]int, 0, len(p.CompletedQuestions))
	for q := range p.CompletedQuestions {
		out = append(out, q)
	}
	sort.Ints(out)
	return out
}

// PresenceEntry is the broadcast view of a present user.
type PresenceEntry struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	JoinTime time.Time `json:"joinTime"`
	IsOwner  bool      `json:"isOwner"`
}

// ProgressEntry is the broadcast view of a member's progress.
type ProgressEntry struct {
	UserID             string `json:"userId"`
	Username           string `json:"username"`
	CurrentQuestion    int    `json:"currentQuestion"`
	CompletedQuestions []int  `json:"completedQuestions"`
	Score              int    `json:"score"`
	Completed          bool   `json:"completed"`
}

// TextAnswers carries every stored answer for one question index.
type TextAnswers struct {
	QuestionIndex int               `json:"questionIndex"`
	Answers       map[string]string `json:"answers"`
}

// QuestionSkipped announces that the owner skipped a question.
type QuestionSkipped struct {
	QuestionIndex int `json:"questionIndex"`
}

// UserCompletedQuiz announces that a member finished the question sequence.
type UserCompletedQuiz struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	Score          int    `json:"score"`
	TotalQuestions int    `json:"totalQuestions"`
}

// SessionInfo tells a connection which identity the server has bound to it.
type SessionInfo struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
}

// QuorumStatus summarizes the answer ledger for one question after a submission.
type QuorumStatus struct {
	QuestionIndex int               `json:"questionIndex"`
	Answers       map[string]string `json:"answers"`
	Submitted     int               `json:"submitted"`
	Required      int               `json:"required"`
	Complete      bool              `json:"complete"`
}

// RoomSnapshot is the full read-only view of a room.
type RoomSnapshot struct {
	RoomID           string          `json:"roomId"`
	Users            []PresenceEntry `json:"users"`
	Progress         []ProgressEntry `json:"progress"`
	CurrentQuestion  int             `json:"currentQuestion"`
	SkippedQuestions []int           `json:"skippedQuestions"`
}

// ProgressUpdate overwrites a member's progress record wholesale.
type ProgressUpdate struct {
	CurrentQuestion    int
	CompletedQuestions []int
	Score              int
	Completed          bool
}

// RoomResult is the durable record of a member finishing the quiz in a room.
type RoomResult struct {
	RoomID         string    `json:"roomId" bson:"room_id"`
	UserID         string    `json:"userId" bson:"user_id"`
	Username       string    `json:"username" bson:"username"`
	Score          int       `json:"score" bson:"score"`
	TotalQuestions int       `json:"totalQuestions" bson:"total_questions"`
	CompletedAt    time.Time `json:"completedAt" bson:"completed_at"`
}

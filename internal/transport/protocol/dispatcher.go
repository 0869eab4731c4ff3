package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"quiz-room-service/internal/domain"
	"quiz-room-service/internal/metrics"
)

// RoomService is the subset of app.RoomService the dispatcher drives.
type RoomService interface {
	Join(ctx context.Context, connID, roomID, userID, username string) ([]domain.PresenceEntry, error)
	Leave(ctx context.Context, connID, roomID string) error
	RecordAnswer(ctx context.Context, connID, roomID string, questionIndex int, correct bool) ([]domain.ProgressEntry, error)
	RecordCompletion(ctx context.Context, connID, roomID string, score, totalQuestions int) ([]domain.ProgressEntry, error)
	UpdateProgress(ctx context.Context, connID, roomID string, update domain.ProgressUpdate) ([]domain.ProgressEntry, error)
	SubmitTextAnswer(ctx context.Context, connID, roomID string, questionIndex int, answer string) (domain.QuorumStatus, error)
	SkipQuestion(ctx context.Context, connID, roomID string, questionIndex *int) (int, error)
	RoomUsers(ctx context.Context, connID, roomID string) ([]domain.PresenceEntry, error)
	RoomProgress(ctx context.Context, connID, roomID string) ([]domain.ProgressEntry, error)
}

// ErrUnknownEvent is returned for inbound event types the server does not handle.
var ErrUnknownEvent = errors.New("unsupported event type")

// Dispatcher decodes inbound events, validates them and calls the room service.
// Every transport (raw websocket, socket.io) shares it.
type Dispatcher struct {
	service  RoomService
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewDispatcher(service RoomService, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		service:  service,
		validate: validator.New(),
		logger:   logger,
		metrics:  m,
	}
}

// Dispatch handles one inbound event. The returned error is already classified;
// use Reply to decide what, if anything, the sender should see.
func (d *Dispatcher) Dispatch(ctx context.Context, connID, eventType string, raw json.RawMessage) error {
	err := d.dispatch(ctx, connID, eventType, raw)
	d.metrics.InboundEvent(eventType, outcome(err))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrMalformedRequest), errors.Is(err, ErrUnknownEvent):
		d.logger.Warn("rejected inbound event", "event", eventType, "conn", connID, "err", err)
	case errors.Is(err, domain.ErrIdentityConflict):
		d.logger.Warn("identity conflict", "event", eventType, "conn", connID)
	default:
		d.logger.Debug("ignored inbound event", "event", eventType, "conn", connID, "err", err)
	}
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, connID, eventType string, raw json.RawMessage) error {
	switch eventType {
	case domain.EventJoinRoom:
		var p JoinRoomPayload
		if err := d.decode(raw, &p, p.normalize); err != nil {
			return err
		}
		_, err := d.service.Join(ctx, connID, p.RoomID, p.UserID, p.Username)
		return err

	case domain.EventLeaveRoom:
		var p RoomPayload
		if err := d.decode(raw, &p, nil); err != nil {
			return err
		}
		return d.service.Leave(ctx, connID, p.RoomID)

	case domain.EventQuestionAnswered:
		var p QuestionAnsweredPayload
		if err := d.decode(raw, &p, nil); err != nil {
			return err
		}
		_, err := d.service.RecordAnswer(ctx, connID, p.RoomID, *p.QuestionIndex, p.IsCorrect)
		return err

	case domain.EventQuizCompleted:
		var p QuizCompletedPayload
		if err := d.decode(raw, &p, nil); err != nil {
			return err
		}
		_, err := d.service.RecordCompletion(ctx, connID, p.RoomID, *p.Score, p.TotalQuestions)
		return err

	case domain.EventUpdateProgress:
		var p UpdateProgressPayload
		if err := d.decode(raw, &p, nil); err != nil {
			return err
		}
		_, err := d.service.UpdateProgress(ctx, connID, p.RoomID, domain.ProgressUpdate{
			CurrentQuestion:    p.CurrentQuestion,
			CompletedQuestions: p.CompletedQuestions,
			Score:              p.Score,
			Completed:          p.Completed,
		})
		return err

	case domain.EventSubmitTextAnswer:
		var p SubmitTextAnswerPayload
		if err := d.decode(raw, &p, nil); err != nil {
			return err
		}
		_, err := d.service.SubmitTextAnswer(ctx, connID, p.RoomID, *p.QuestionIndex, *p.Answer)
		return err

	case domain.EventSkipQuestion:
		var p SkipQuestionPayload
		if err := d.decode(raw, &p, nil); err != nil {
			return err
		}
		_, err := d.service.SkipQuestion(ctx, connID, p.RoomID, p.QuestionIndex)
		return err

	case domain.EventGetRoomUsers:
		var p RoomPayload
		if err := d.decode(raw, &p, nil); err != nil {
			return err
		}
		_, err := d.service.RoomUsers(ctx, connID, p.RoomID)
		return err

	case domain.EventGetRoomProgress:
		var p RoomPayload
		if err := d.decode(raw, &p, nil); err != nil {
			return err
		}
		_, err := d.service.RoomProgress(ctx, connID, p.RoomID)
		return err

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
}

func (d *Dispatcher) decode(raw json.RawMessage, dst any, normalize func()) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", domain.ErrMalformedRequest)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}
	if normalize != nil {
		normalize()
	}
	if err := d.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", domain.ErrMalformedRequest, strings.Join(fields, ", "))
	}
	return nil
}

// Reply returns the error event to send back to the originating connection, if any.
// Malformed input, unknown events and identity conflicts are reported; everything
// else (unknown room, non-member, non-owner, throttled join) stays silent.
func Reply(eventType string, err error) (domain.Event, bool) {
	if err == nil {
		return domain.Event{}, false
	}
	switch {
	case errors.Is(err, domain.ErrMalformedRequest),
		errors.Is(err, ErrUnknownEvent),
		errors.Is(err, domain.ErrIdentityConflict):
		return domain.Event{
			Type:    domain.EventError,
			Payload: domain.ErrorPayload{Request: eventType, Message: err.Error()},
		}, true
	default:
		return domain.Event{}, false
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrMalformedRequest), errors.Is(err, ErrUnknownEvent), errors.Is(err, domain.ErrIdentityConflict):
		return "rejected"
	default:
		return "ignored"
	}
}

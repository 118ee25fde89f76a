package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"whatsapp-inbox/internal/lib/sl"

	"github.com/hibiken/asynq"
)

// TaskContinue is the asynq task type of a scheduled continuation.
const TaskContinue = "automation:continue"

// Continuation re-enters the engine after an auto-advancing node. It is
// only honoured if the session is still active at FromNodeID.
type Continuation struct {
	SessionID  string        `json:"session_id"`
	ChatID     string        `json:"chat_id"`
	FromNodeID string        `json:"from_node_id"`
	ToNodeID   string        `json:"to_node_id"`
	Delay      time.Duration `json:"delay"`
}

type Scheduler interface {
	Schedule(ctx context.Context, c Continuation) error
}

// ResumeFunc is what a scheduler calls when a continuation is due.
type ResumeFunc func(ctx context.Context, c Continuation) error

// TimerScheduler fires continuations from in-process timers. Pending
// timers are lost on restart.
type TimerScheduler struct {
	resume ResumeFunc
	log    *slog.Logger
}

func NewTimerScheduler(resume ResumeFunc, log *slog.Logger) *TimerScheduler {
	return &TimerScheduler{resume: resume, log: log.With(sl.Module("automation.timer"))}
}

func (s *TimerScheduler) Schedule(_ context.Context, c Continuation) error {
	time.AfterFunc(c.Delay, func() {
		if err := s.resume(context.Background(), c); err != nil {
			s.log.Error("resume automation", slog.String("session_id", c.SessionID), sl.Err(err))
		}
	})
	return nil
}

// InlineScheduler runs continuations immediately on the calling
// goroutine, ignoring the delay.
type InlineScheduler struct {
	resume ResumeFunc
}

func NewInlineScheduler(resume ResumeFunc) *InlineScheduler {
	return &InlineScheduler{resume: resume}
}

func (s *InlineScheduler) Schedule(ctx context.Context, c Continuation) error {
	return s.resume(ctx, c)
}

// AsynqScheduler persists continuations in Redis so they survive a
// restart of the process.
type AsynqScheduler struct {
	client *asynq.Client
}

func NewAsynqScheduler(client *asynq.Client) *AsynqScheduler {
	return &AsynqScheduler{client: client}
}

func (s *AsynqScheduler) Schedule(ctx context.Context, c Continuation) error {
	task, err := NewContinueTask(c)
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, task, asynq.ProcessIn(c.Delay), asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("enqueue continuation: %w", err)
	}
	return nil
}

func NewContinueTask(c Continuation) (*asynq.Task, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode continuation: %w", err)
	}
	return asynq.NewTask(TaskContinue, payload), nil
}

// HandleContinue is the asynq handler for TaskContinue.
func HandleContinue(resume ResumeFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var c Continuation
		if err := json.Unmarshal(t.Payload(), &c); err != nil {
			return fmt.Errorf("decode continuation: %w: %w", err, asynq.SkipRetry)
		}
		return resume(ctx, c)
	}
}

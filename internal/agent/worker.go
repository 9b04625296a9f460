package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"dealcoord/internal/domain"
)

type Inbox interface {
	Pending(ctx context.Context, agent, caseID string, limit int) ([]domain.Message, error)
	MarkDelivered(ctx context.Context, messageID string) error
	Complete(ctx context.Context, messageID string, response json.RawMessage) error
	Abandon(ctx context.Context, messageID, reason string) error
}

type Events interface {
	Subscribe(observerID, agent string) <-chan domain.Event
	Unsubscribe(observerID string)
}

type ProgressReporter interface {
	UpdateProgress(ctx context.Context, taskID, agent string, status domain.ProgressStatus, result json.RawMessage) (domain.CollaborativeTask, error)
}

// Handler does the agent's work for one message. The returned document is
// stored as the message response and, for task requests, as the task result.
type Handler interface {
	Handle(ctx context.Context, msg domain.Message) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, msg domain.Message) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, msg domain.Message) (json.RawMessage, error) {
	return f(ctx, msg)
}

type Config struct {
	Agent  string
	CaseID string
	// PollInterval bounds how long a message can wait when no event arrives.
	PollInterval  time.Duration
	HandleTimeout time.Duration
	Heartbeat     time.Duration
	BatchSize     int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 8 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	return c
}

// Worker drains one agent's inbox. Events only shorten the wait; every batch
// is read from the store.
type Worker struct {
	inbox    Inbox
	events   Events
	tasks    ProgressReporter
	cfg      Config
	logger   *log.Logger
	handlers map[domain.MessageType]Handler
	fallback Handler
}

func NewWorker(inbox Inbox, events Events, tasks ProgressReporter, cfg Config, logger *log.Logger) (*Worker, error) {
	if strings.TrimSpace(cfg.Agent) == "" {
		return nil, fmt.Errorf("new worker: agent is required: %w", domain.ErrInvalidInput)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		inbox:    inbox,
		events:   events,
		tasks:    tasks,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		handlers: make(map[domain.MessageType]Handler),
	}, nil
}

func (w *Worker) Handle(msgType domain.MessageType, h Handler) {
	w.handlers[msgType] = h
}

// HandleDefault sets the handler for types without their own.
func (w *Worker) HandleDefault(h Handler) {
	w.fallback = h
}

func (w *Worker) Agent() string {
	return w.cfg.Agent
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Printf("worker %s stopped: %v", w.cfg.Agent, err)
		}
	}()
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	var wake <-chan domain.Event
	if w.events != nil {
		observerID := "worker-" + w.cfg.Agent
		wake = w.events.Subscribe(observerID, w.cfg.Agent)
		defer w.events.Unsubscribe(observerID)
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.Printf("worker %s drain failed: %v", w.cfg.Agent, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

// Drain processes one batch of pending messages and reports how many it took.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	msgs, err := w.inbox.Pending(ctx, w.cfg.Agent, w.cfg.CaseID, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		w.process(ctx, msg)
	}
	return len(msgs), nil
}

func (w *Worker) process(ctx context.Context, msg domain.Message) {
	if msg.Status == domain.MessageStatusPending {
		if err := w.inbox.MarkDelivered(ctx, msg.ID); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			w.logger.Printf("worker %s mark delivered failed message=%s: %v", w.cfg.Agent, msg.ID, err)
			return
		}
	}

	handler, ok := w.handlers[msg.Type]
	if !ok {
		handler = w.fallback
	}
	if handler == nil {
		if err := w.inbox.Complete(ctx, msg.ID, mustJSON(map[string]string{"result": "ignored"})); err != nil {
			w.logger.Printf("worker %s complete ignored message=%s: %v", w.cfg.Agent, msg.ID, err)
		}
		return
	}

	taskID := w.taskID(msg)
	if taskID != "" {
		w.report(ctx, taskID, domain.ProgressInProgress, nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.HandleTimeout)
	stopHeartbeat := startProgressHeartbeat(runCtx, w.cfg.Heartbeat, func(elapsed time.Duration) {
		w.logger.Printf("worker %s still handling message=%s type=%s elapsed=%s", w.cfg.Agent, msg.ID, msg.Type, elapsed.Round(time.Second))
	})
	result, err := handler.Handle(runCtx, msg)
	stopHeartbeat()
	cancel()

	if err != nil {
		w.logger.Printf("worker %s handler failed message=%s subject=%q: %v", w.cfg.Agent, msg.ID, trim(msg.Subject, 80), err)
		if abandonErr := w.inbox.Abandon(ctx, msg.ID, err.Error()); abandonErr != nil {
			w.logger.Printf("worker %s abandon failed message=%s: %v", w.cfg.Agent, msg.ID, abandonErr)
		}
		if taskID != "" {
			w.report(ctx, taskID, domain.ProgressFailed, mustJSON(map[string]string{"error": err.Error()}))
		}
		return
	}
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	if err := w.inbox.Complete(ctx, msg.ID, result); err != nil {
		w.logger.Printf("worker %s complete failed message=%s: %v", w.cfg.Agent, msg.ID, err)
	}
	if taskID != "" {
		w.report(ctx, taskID, domain.ProgressCompleted, result)
	}
}

func (w *Worker) taskID(msg domain.Message) string {
	if msg.Type != domain.MessageTypeRequestAnalysis || w.tasks == nil {
		return ""
	}
	var req domain.TaskRequestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return ""
	}
	return req.TaskID
}

func (w *Worker) report(ctx context.Context, taskID string, status domain.ProgressStatus, result json.RawMessage) {
	if _, err := w.tasks.UpdateProgress(ctx, taskID, w.cfg.Agent, status, result); err != nil {
		w.logger.Printf("worker %s progress %s failed task=%s: %v", w.cfg.Agent, status, taskID, err)
	}
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

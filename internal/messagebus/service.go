package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealcoord/internal/domain"
)

type Store interface {
	CreateMessage(ctx context.Context, msg domain.Message) error
	GetMessage(ctx context.Context, messageID string) (domain.Message, error)
	ListPendingMessages(ctx context.Context, toAgent, caseID string, limit int) ([]domain.Message, error)
	TransitionMessage(ctx context.Context, messageID string, next domain.MessageStatus, response json.RawMessage, at time.Time) error
	SearchMessages(ctx context.Context, filter domain.MessageFilter, limit int) ([]domain.Message, error)
	ListConversation(ctx context.Context, correlationID string, limit int) ([]domain.Message, error)
}

// Observers receives best-effort events for live local listeners.
type Observers interface {
	Publish(evt domain.Event) error
}

type Config struct {
	PendingLimit int
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PendingLimit <= 0 {
		c.PendingLimit = 50
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type Service struct {
	store     Store
	observers Observers
	cfg       Config
	logger    *log.Logger
}

func New(store Store, observers Observers, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:     store,
		observers: observers,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

type SendInput struct {
	CaseID        string             `json:"case_id"`
	From          string             `json:"from_agent"`
	To            string             `json:"to_agent"`
	Type          domain.MessageType `json:"type"`
	Priority      domain.Priority    `json:"priority,omitempty"`
	Subject       string             `json:"subject"`
	Payload       json.RawMessage    `json:"payload,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}

func (in SendInput) validate() error {
	if strings.TrimSpace(in.CaseID) == "" || strings.TrimSpace(in.From) == "" || strings.TrimSpace(in.To) == "" {
		return fmt.Errorf("send message: case, from and to are required: %w", domain.ErrInvalidInput)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("send message: unknown type %q: %w", in.Type, domain.ErrInvalidInput)
	}
	if !in.Priority.Valid() {
		return fmt.Errorf("send message: unknown priority %q: %w", in.Priority, domain.ErrInvalidInput)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return fmt.Errorf("send message: payload is not valid JSON: %w", domain.ErrInvalidInput)
	}
	return nil
}

// Send persists a message and signals local observers. The returned id is the
// only handle the caller needs; delivery happens when the receiver polls.
func (s *Service) Send(ctx context.Context, in SendInput) (string, error) {
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	if err := in.validate(); err != nil {
		return "", err
	}
	now := s.cfg.Now()
	msg := domain.Message{
		ID:            uuid.NewString(),
		CaseID:        in.CaseID,
		FromAgent:     in.From,
		ToAgent:       in.To,
		Type:          in.Type,
		Priority:      in.Priority,
		Subject:       in.Subject,
		Payload:       in.Payload,
		Status:        domain.MessageStatusPending,
		CorrelationID: in.CorrelationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(msg.Payload) == 0 {
		msg.Payload = json.RawMessage("{}")
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return "", err
	}

	if s.observers != nil {
		if err := s.observers.Publish(domain.Event{
			Kind:      domain.EventMessageSent,
			CaseID:    msg.CaseID,
			Agent:     msg.ToAgent,
			RefID:     msg.ID,
			Status:    string(msg.Type),
			EmittedAt: now,
		}); err != nil {
			s.logger.Printf("observer publish failed message=%s to=%s: %v", msg.ID, msg.ToAgent, err)
		}
	}
	return msg.ID, nil
}

// Reply answers a message on the same conversation thread.
func (s *Service) Reply(ctx context.Context, originalID, from string, msgType domain.MessageType, subject string, payload json.RawMessage) (string, error) {
	original, err := s.store.GetMessage(ctx, originalID)
	if err != nil {
		return "", err
	}
	if from == "" {
		from = original.ToAgent
	}
	correlation := original.CorrelationID
	if correlation == "" {
		correlation = original.ID
	}
	return s.Send(ctx, SendInput{
		CaseID:        original.CaseID,
		From:          from,
		To:            original.FromAgent,
		Type:          msgType,
		Priority:      original.Priority,
		Subject:       subject,
		Payload:       payload,
		CorrelationID: correlation,
	})
}

// Pending lists messages the agent has not acknowledged yet, most urgent first.
func (s *Service) Pending(ctx context.Context, agent, caseID string, limit int) ([]domain.Message, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, fmt.Errorf("pending messages: agent is required: %w", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = s.cfg.PendingLimit
	}
	return s.store.ListPendingMessages(ctx, agent, caseID, limit)
}

func (s *Service) Get(ctx context.Context, messageID string) (domain.Message, error) {
	return s.store.GetMessage(ctx, messageID)
}

func (s *Service) MarkDelivered(ctx context.Context, messageID string) error {
	return s.store.TransitionMessage(ctx, messageID, domain.MessageStatusDelivered, nil, s.cfg.Now())
}

func (s *Service) Acknowledge(ctx context.Context, messageID string, response json.RawMessage) error {
	return s.store.TransitionMessage(ctx, messageID, domain.MessageStatusAcknowledged, response, s.cfg.Now())
}

func (s *Service) Complete(ctx context.Context, messageID string, response json.RawMessage) error {
	return s.store.TransitionMessage(ctx, messageID, domain.MessageStatusProcessed, response, s.cfg.Now())
}

// Abandon gives up on a message the receiver cannot process.
func (s *Service) Abandon(ctx context.Context, messageID, reason string) error {
	var response json.RawMessage
	if reason != "" {
		response = mustJSON(map[string]string{"reason": reason})
	}
	return s.store.TransitionMessage(ctx, messageID, domain.MessageStatusAbandoned, response, s.cfg.Now())
}

func (s *Service) Search(ctx context.Context, filter domain.MessageFilter, limit int) ([]domain.Message, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("search messages: unknown type %q: %w", filter.Type, domain.ErrInvalidInput)
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, fmt.Errorf("search messages: unknown priority %q: %w", filter.Priority, domain.ErrInvalidInput)
	}
	return s.store.SearchMessages(ctx, filter, limit)
}

func (s *Service) Conversation(ctx context.Context, correlationID string, limit int) ([]domain.Message, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("conversation: correlation id is required: %w", domain.ErrInvalidInput)
	}
	return s.store.ListConversation(ctx, correlationID, limit)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

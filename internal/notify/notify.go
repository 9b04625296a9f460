package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dealcoord/internal/domain"
)

var ErrRateLimited = errors.New("notification rate limited")

// Sink delivers notifications to humans. Delivery is best-effort.
type Sink interface {
	Notify(ctx context.Context, n domain.Notification) error
}

type AuditSink interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

// Dispatcher is what the coordination services talk to. It never returns
// collaborator errors: the durable state change has already happened.
type Dispatcher struct {
	sink   Sink
	audit  AuditSink
	logger *log.Logger
	now    func() time.Time
}

func NewDispatcher(sink Sink, audit AuditSink, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		sink:   sink,
		audit:  audit,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Notify(ctx context.Context, n domain.Notification) {
	if d == nil || d.sink == nil {
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	if n.Priority == "" {
		n.Priority = domain.PriorityNormal
	}
	if err := d.sink.Notify(ctx, n); err != nil {
		d.logger.Printf("notify failed recipient=%s kind=%s case=%s: %v", n.Recipient, n.Kind, n.CaseID, err)
	}
}

func (d *Dispatcher) Audit(ctx context.Context, entry domain.AuditEntry) {
	if d == nil || d.audit == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = d.now()
	}
	if err := d.audit.Record(ctx, entry); err != nil {
		d.logger.Printf("audit failed action=%s entity=%s/%s: %v", entry.ActionType, entry.EntityType, entry.EntityID, err)
	}
}

type OutboxStore interface {
	EnqueueNotification(ctx context.Context, n domain.Notification) error
}

// Outbox persists notifications for the external delivery layer to drain.
type Outbox struct {
	store OutboxStore
}

func NewOutbox(store OutboxStore) *Outbox {
	return &Outbox{store: store}
}

func (o *Outbox) Notify(ctx context.Context, n domain.Notification) error {
	return o.store.EnqueueNotification(ctx, n)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}

type AuditLog struct {
	store AuditStore
}

func NewAuditLog(store AuditStore) *AuditLog {
	return &AuditLog{store: store}
}

func (a *AuditLog) Record(ctx context.Context, entry domain.AuditEntry) error {
	return a.store.AppendAudit(ctx, entry)
}

// LogSink writes notifications to a logger.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Notify(_ context.Context, n domain.Notification) error {
	l.logger.Printf("notification kind=%s recipient=%s case=%s priority=%s title=%q", n.Kind, n.Recipient, n.CaseID, n.Priority, n.Title)
	return nil
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultMaxRecipients bounds how many per-recipient limiters Limited keeps.
const DefaultMaxRecipients = 1024

// Limited caps the notification rate per recipient. Critical notifications
// are never dropped. At most maxRecipients limiters are tracked: idle ones,
// whose bucket has refilled, are pruned first, and if every tracked recipient
// is still active an arbitrary one is forgotten and starts over with a full
// burst.
type Limited struct {
	next  Sink
	limit rate.Limit
	burst int

	mu            sync.Mutex
	maxRecipients int
	limiters      map[string]*rate.Limiter
}

func NewLimited(next Sink, perSecond float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{
		next:          next,
		limit:         rate.Limit(perSecond),
		burst:         burst,
		maxRecipients: DefaultMaxRecipients,
		limiters:      make(map[string]*rate.Limiter),
	}
}

// WithMaxRecipients changes the limiter cap. Non-positive values keep the
// default.
func (l *Limited) WithMaxRecipients(n int) *Limited {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > 0 {
		l.maxRecipients = n
	}
	return l
}

func (l *Limited) Notify(ctx context.Context, n domain.Notification) error {
	if n.Priority != domain.PriorityCritical && !l.limiter(n.Recipient).Allow() {
		return fmt.Errorf("recipient %s: %w", n.Recipient, ErrRateLimited)
	}
	return l.next.Notify(ctx, n)
}

func (l *Limited) limiter(recipient string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[recipient]
	if !ok {
		if len(l.limiters) >= l.maxRecipients {
			l.evictLocked()
		}
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[recipient] = limiter
	}
	return limiter
}

// evictLocked drops limiters with a full bucket, which behave like new ones.
// If none are idle it drops one entry so the map stays under the cap.
func (l *Limited) evictLocked() {
	now := time.Now()
	for recipient, limiter := range l.limiters {
		if limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, recipient)
		}
	}
	if len(l.limiters) < l.maxRecipients {
		return
	}
	for recipient := range l.limiters {
		delete(l.limiters, recipient)
		return
	}
}

// Payload marshals v for a notification body, falling back to an empty object.
func Payload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

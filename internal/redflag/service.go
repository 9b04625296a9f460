package redflag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealcoord/internal/approval"
	"dealcoord/internal/domain"
	"dealcoord/internal/messagebus"
	"dealcoord/internal/notify"
	"dealcoord/internal/orchestrator"
)

type Store interface {
	GetFinding(ctx context.Context, findingID string) (domain.Finding, error)
	ListUnscannedFindings(ctx context.Context, limit int) ([]domain.Finding, error)
	MarkFindingScanned(ctx context.Context, findingID string, at time.Time) (bool, error)

	SavePattern(ctx context.Context, p domain.RedFlagPattern) (domain.RedFlagPattern, error)
	GetPattern(ctx context.Context, patternID string) (domain.RedFlagPattern, error)
	ListPatterns(ctx context.Context, activeOnly bool) ([]domain.RedFlagPattern, error)

	CreateFlag(ctx context.Context, f domain.RedFlagInstance) error
	GetFlag(ctx context.Context, flagID string) (domain.RedFlagInstance, error)
	ListFlags(ctx context.Context, filter domain.FlagFilter, limit int) ([]domain.RedFlagInstance, error)
	ListNewlyOverdueFlags(ctx context.Context, now time.Time, limit int) ([]domain.RedFlagInstance, error)
	ListEscalatableFlags(ctx context.Context, limit int) ([]domain.RedFlagInstance, error)
	UpdateFlagStatus(ctx context.Context, flagID string, status domain.FlagStatus, actor, notes string, at time.Time) error
	AssignFlag(ctx context.Context, flagID, assignee string, at time.Time) error
	MarkFlagOverdue(ctx context.Context, flagID string, at time.Time) (bool, error)
	EscalateFlag(ctx context.Context, flagID string, fromLevel, toLevel int, at time.Time) (bool, error)

	AppendEscalationHistory(ctx context.Context, h domain.EscalationHistory) error
	ListEscalationHistory(ctx context.Context, flagID string) ([]domain.EscalationHistory, error)
}

type RoleResolver interface {
	Resolve(ctx context.Context, caseID string, role domain.Role) ([]string, error)
}

type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
	Audit(ctx context.Context, entry domain.AuditEntry)
}

type Messenger interface {
	Send(ctx context.Context, in messagebus.SendInput) (string, error)
}

type WorkflowStarter interface {
	Initiate(ctx context.Context, in approval.InitiateInput) (domain.WorkflowInstance, error)
}

type TaskCreator interface {
	CreateTask(ctx context.Context, in orchestrator.CreateTaskInput) (domain.CollaborativeTask, error)
}

type Observers interface {
	Publish(evt domain.Event) error
}

// Collaborators are the components immediate actions reach into. Any of them
// may be nil; the matching actions then fail and are recorded as such.
type Collaborators struct {
	Roles     RoleResolver
	Notifier  Notifier
	Bus       Messenger
	Workflows WorkflowStarter
	Tasks     TaskCreator
	Observers Observers
}

type Config struct {
	// Actor is the identity recorded for automated changes.
	Actor string
	// ExpertAgent receives validate_finding messages for expert review.
	ExpertAgent     string
	DefaultSLAHours int
	SweepLimit      int
	ListLimit       int
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Actor == "" {
		c.Actor = "red_flag_detector"
	}
	if c.ExpertAgent == "" {
		c.ExpertAgent = "expert"
	}
	if c.DefaultSLAHours <= 0 {
		c.DefaultSLAHours = 24
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 200
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 100
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// PhaseTransitionEntity is the workflow entity type a blocking flag gates on.
const PhaseTransitionEntity = "phase_transition"

type Service struct {
	store  Store
	deps   Collaborators
	cfg    Config
	logger *log.Logger
}

func New(store Store, deps Collaborators, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, deps: deps, cfg: cfg.withDefaults(), logger: logger}
}

func (s *Service) SavePattern(ctx context.Context, p domain.RedFlagPattern) (domain.RedFlagPattern, error) {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Category) == "" {
		return domain.RedFlagPattern{}, fmt.Errorf("save pattern: name and category are required: %w", domain.ErrInvalidInput)
	}
	if !p.Severity.Valid() {
		return domain.RedFlagPattern{}, fmt.Errorf("save pattern %s: unknown severity %q: %w", p.Name, p.Severity, domain.ErrInvalidInput)
	}
	if err := validateConditions(p.Conditions); err != nil {
		return domain.RedFlagPattern{}, fmt.Errorf("save pattern %s: %w", p.Name, err)
	}
	if p.Conditions.CombinationLogic == "" {
		p.Conditions.CombinationLogic = domain.CombineAnd
	}
	if p.Escalation.SLAHours < 0 {
		return domain.RedFlagPattern{}, fmt.Errorf("save pattern %s: negative sla hours: %w", p.Name, domain.ErrInvalidInput)
	}
	if p.Escalation.SLAHours == 0 {
		p.Escalation.SLAHours = s.cfg.DefaultSLAHours
	}
	for _, level := range p.Escalation.Chain {
		if !level.Role.Valid() {
			return domain.RedFlagPattern{}, fmt.Errorf("save pattern %s: unknown escalation role %q: %w", p.Name, level.Role, domain.ErrInvalidInput)
		}
	}
	for _, action := range p.Escalation.ImmediateActions {
		if !knownAction(action) {
			return domain.RedFlagPattern{}, fmt.Errorf("save pattern %s: unknown immediate action %q: %w", p.Name, action, domain.ErrInvalidInput)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = s.cfg.Now()
	return s.store.SavePattern(ctx, p)
}

func (s *Service) GetPattern(ctx context.Context, patternID string) (domain.RedFlagPattern, error) {
	return s.store.GetPattern(ctx, patternID)
}

func (s *Service) ListPatterns(ctx context.Context, activeOnly bool) ([]domain.RedFlagPattern, error) {
	return s.store.ListPatterns(ctx, activeOnly)
}

// Scan evaluates every active pattern against a finding and raises one flag
// per match. Immediate actions never undo a raised flag. A pattern whose flag
// cannot be stored does not stop the others; the failures come back joined
// alongside the flags that were raised.
func (s *Service) Scan(ctx context.Context, findingID, caseID string) ([]domain.RedFlagInstance, error) {
	finding, err := s.store.GetFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	if caseID != "" && finding.CaseID != caseID {
		return nil, fmt.Errorf("finding %s belongs to case %s, not %s: %w", findingID, finding.CaseID, caseID, domain.ErrInvalidInput)
	}
	patterns, err := s.store.ListPatterns(ctx, true)
	if err != nil {
		return nil, err
	}

	var raised []domain.RedFlagInstance
	var errs []error
	for _, pattern := range patterns {
		if !Matches(finding, pattern) {
			continue
		}
		flag, err := s.raise(ctx, finding, pattern)
		if err != nil {
			s.logger.Printf("raise flag failed finding=%s pattern=%s: %v", finding.ID, pattern.Name, err)
			errs = append(errs, fmt.Errorf("pattern %s: %w", pattern.Name, err))
			continue
		}
		raised = append(raised, flag)
	}
	return raised, errors.Join(errs...)
}

// ScanNew claims a finding for its first scan and scans it. A finding some
// other caller already claimed yields no flags.
func (s *Service) ScanNew(ctx context.Context, findingID string) ([]domain.RedFlagInstance, error) {
	claimed, err := s.store.MarkFindingScanned(ctx, findingID, s.cfg.Now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}
	return s.Scan(ctx, findingID, "")
}

// ScanPending screens findings that arrived without being scanned, however
// they were written. It returns the number of flags raised.
func (s *Service) ScanPending(ctx context.Context) (int, error) {
	pending, err := s.store.ListUnscannedFindings(ctx, s.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}
	raised := 0
	for _, finding := range pending {
		flags, err := s.ScanNew(ctx, finding.ID)
		raised += len(flags)
		if err != nil {
			s.logger.Printf("pending scan failed finding=%s: %v", finding.ID, err)
		}
	}
	return raised, nil
}

func (s *Service) raise(ctx context.Context, finding domain.Finding, pattern domain.RedFlagPattern) (domain.RedFlagInstance, error) {
	now := s.cfg.Now()
	flag := domain.RedFlagInstance{
		ID:          uuid.NewString(),
		CaseID:      finding.CaseID,
		PatternID:   pattern.ID,
		FindingID:   finding.ID,
		Title:       fmt.Sprintf("%s: %s", pattern.Name, finding.Title),
		Description: finding.Description,
		Severity:    pattern.Severity,
		Status:      domain.FlagOpen,
		DetectedAt:  now,
		SLADeadline: now.Add(time.Duration(pattern.Escalation.SLAHours) * time.Hour),
		UpdatedAt:   now,
	}
	if err := s.store.CreateFlag(ctx, flag); err != nil {
		return domain.RedFlagInstance{}, err
	}
	s.audit(ctx, flag, s.cfg.Actor, "flag_raised", map[string]any{
		"pattern":    pattern.Name,
		"finding_id": finding.ID,
		"severity":   flag.Severity,
	})
	if s.deps.Observers != nil {
		if err := s.deps.Observers.Publish(domain.Event{
			Kind:      domain.EventFlagRaised,
			CaseID:    flag.CaseID,
			RefID:     flag.ID,
			Status:    string(flag.Severity),
			EmittedAt: now,
		}); err != nil {
			s.logger.Printf("flag publish failed flag=%s: %v", flag.ID, err)
		}
	}

	for _, action := range pattern.Escalation.ImmediateActions {
		s.runAction(ctx, flag, finding, action)
	}
	return flag, nil
}

func (s *Service) runAction(ctx context.Context, flag domain.RedFlagInstance, finding domain.Finding, action domain.EscalationAction) {
	entry := domain.EscalationHistory{
		FlagID:    flag.ID,
		Level:     flag.EscalationLevel,
		Action:    string(action),
		CreatedAt: s.cfg.Now(),
	}
	detail, err := s.executeAction(ctx, flag, finding, action, &entry)
	entry.Succeeded = err == nil
	entry.Detail = detail
	if err != nil {
		entry.Detail = err.Error()
		s.logger.Printf("immediate action failed flag=%s action=%s: %v", flag.ID, action, err)
	}
	if err := s.store.AppendEscalationHistory(ctx, entry); err != nil {
		s.logger.Printf("escalation history append failed flag=%s action=%s: %v", flag.ID, action, err)
	}
}

func (s *Service) executeAction(ctx context.Context, flag domain.RedFlagInstance, finding domain.Finding, action domain.EscalationAction, entry *domain.EscalationHistory) (string, error) {
	switch action {
	case domain.ActionNotifyPartner:
		return s.notifyRole(ctx, flag, domain.RolePartner, domain.NotifyRedFlag, entry, nil)

	case domain.ActionNotifyDealLead:
		return s.notifyRole(ctx, flag, domain.RoleDealLead, domain.NotifyRedFlag, entry, nil)

	case domain.ActionScheduleReview:
		return s.notifyRole(ctx, flag, domain.RoleReviewer, domain.NotifyReviewScheduled, entry, map[string]any{
			"review_by": flag.SLADeadline,
		})

	case domain.ActionBlockPhase:
		if s.deps.Workflows == nil {
			return "", errors.New("no workflow engine configured")
		}
		inst, err := s.deps.Workflows.Initiate(ctx, approval.InitiateInput{
			CaseID:     flag.CaseID,
			EntityType: PhaseTransitionEntity,
			EntityID:   flag.ID,
			Title:      "Phase transition blocked: " + flag.Title,
			Initiator:  s.cfg.Actor,
		})
		if err != nil {
			return "", fmt.Errorf("initiate phase gate: %w", err)
		}
		return "workflow " + inst.ID, nil

	case domain.ActionTriggerExpertReview:
		if s.deps.Bus == nil {
			return "", errors.New("no message bus configured")
		}
		msgID, err := s.deps.Bus.Send(ctx, messagebus.SendInput{
			CaseID:   flag.CaseID,
			From:     s.cfg.Actor,
			To:       s.cfg.ExpertAgent,
			Type:     domain.MessageTypeValidateFinding,
			Priority: flag.Severity.Priority(),
			Subject:  "Expert review: " + flag.Title,
			Payload: notify.Payload(map[string]any{
				"flag_id":      flag.ID,
				"finding_id":   finding.ID,
				"sla_deadline": flag.SLADeadline,
			}),
			CorrelationID: flag.ID,
		})
		if err != nil {
			return "", fmt.Errorf("send expert review: %w", err)
		}
		if _, err := s.notifyRole(ctx, flag, domain.RoleExpert, domain.NotifyRedFlag, entry, nil); err != nil {
			s.logger.Printf("expert notify skipped flag=%s: %v", flag.ID, err)
		}
		return "message " + msgID, nil

	case domain.ActionCreateFollowUpTask:
		if s.deps.Tasks == nil {
			return "", errors.New("no task orchestrator configured")
		}
		if finding.GeneratedByAgent == "" {
			return "", errors.New("finding has no originating agent")
		}
		task, err := s.deps.Tasks.CreateTask(ctx, orchestrator.CreateTaskInput{
			CaseID:       flag.CaseID,
			Name:         "Follow up: " + flag.Title,
			Description:  finding.Description,
			Initiator:    s.cfg.Actor,
			Participants: []string{finding.GeneratedByAgent},
		})
		if err != nil {
			return "", fmt.Errorf("create follow-up task: %w", err)
		}
		return "task " + task.ID, nil
	}
	return "", fmt.Errorf("unknown action %q: %w", action, domain.ErrInvalidInput)
}

// notifyRole resolves a role and notifies every holder. Resolving to nobody
// counts as a failed action.
func (s *Service) notifyRole(ctx context.Context, flag domain.RedFlagInstance, role domain.Role, kind domain.NotificationKind, entry *domain.EscalationHistory, extra map[string]any) (string, error) {
	if s.deps.Roles == nil {
		return "", errors.New("no role resolver configured")
	}
	recipients, err := s.deps.Roles.Resolve(ctx, flag.CaseID, role)
	if err != nil {
		return "", err
	}
	if len(recipients) == 0 {
		return "", fmt.Errorf("nobody holds role %s on case %s", role, flag.CaseID)
	}
	entry.Role = role
	entry.Identity = strings.Join(recipients, ",")

	payload := map[string]any{
		"flag_id":          flag.ID,
		"severity":         flag.Severity,
		"sla_deadline":     flag.SLADeadline,
		"escalation_level": flag.EscalationLevel,
	}
	for k, v := range extra {
		payload[k] = v
	}
	for _, recipient := range recipients {
		s.notify(ctx, flag, recipient, kind, flag.Title, payload)
	}
	return fmt.Sprintf("notified %d %s", len(recipients), role), nil
}

// ProcessOverdue marks flags past their deadline as overdue and walks the
// escalation chain for patterns that auto-escalate. Newly overdue flags and
// flags waiting on their next level are listed separately, each under its own
// limit. Each level is claimed with a conditional update, so concurrent sweeps
// escalate a flag once.
func (s *Service) ProcessOverdue(ctx context.Context) (int, error) {
	now := s.cfg.Now()
	fresh, err := s.store.ListNewlyOverdueFlags(ctx, now, s.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}

	patterns := make(map[string]domain.RedFlagPattern)
	lookup := func(flag domain.RedFlagInstance) (domain.RedFlagPattern, bool) {
		if pattern, ok := patterns[flag.PatternID]; ok {
			return pattern, true
		}
		pattern, err := s.store.GetPattern(ctx, flag.PatternID)
		if err != nil {
			s.logger.Printf("overdue pattern lookup failed flag=%s pattern=%s: %v", flag.ID, flag.PatternID, err)
			return domain.RedFlagPattern{}, false
		}
		patterns[pattern.ID] = pattern
		return pattern, true
	}

	escalated := 0
	touched := make(map[string]bool, len(fresh))
	for _, flag := range fresh {
		claimed, err := s.store.MarkFlagOverdue(ctx, flag.ID, now)
		if err != nil {
			s.logger.Printf("mark overdue failed flag=%s: %v", flag.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		touched[flag.ID] = true
		flag.IsOverdue = true
		s.audit(ctx, flag, s.cfg.Actor, "flag_overdue", map[string]any{"sla_deadline": flag.SLADeadline})
		pattern, ok := lookup(flag)
		if ok && pattern.Escalation.AutoEscalate && s.escalate(ctx, flag, pattern, now) {
			escalated++
		}
	}

	waiting, err := s.store.ListEscalatableFlags(ctx, s.cfg.SweepLimit)
	if err != nil {
		return escalated, err
	}
	for _, flag := range waiting {
		if touched[flag.ID] {
			continue
		}
		pattern, ok := lookup(flag)
		if !ok || !pattern.Escalation.AutoEscalate {
			continue
		}
		if s.nextLevelDue(flag, pattern, now) && s.escalate(ctx, flag, pattern, now) {
			escalated++
		}
	}
	return escalated, nil
}

// nextLevelDue reports whether an already overdue flag has waited long enough
// at its current level. A level without its own delay waits one SLA period.
func (s *Service) nextLevelDue(flag domain.RedFlagInstance, pattern domain.RedFlagPattern, now time.Time) bool {
	next := flag.EscalationLevel + 1
	if next >= len(pattern.Escalation.Chain) {
		return false
	}
	base := flag.SLADeadline
	if flag.LastEscalatedAt != nil {
		base = *flag.LastEscalatedAt
	}
	delay := pattern.Escalation.Chain[next].DelayHours
	if delay <= 0 {
		delay = pattern.Escalation.SLAHours
	}
	return !now.Before(base.Add(time.Duration(delay) * time.Hour))
}

func (s *Service) escalate(ctx context.Context, flag domain.RedFlagInstance, pattern domain.RedFlagPattern, now time.Time) bool {
	next := flag.EscalationLevel + 1
	if next >= len(pattern.Escalation.Chain) {
		return false
	}
	claimed, err := s.store.EscalateFlag(ctx, flag.ID, flag.EscalationLevel, next, now)
	if err != nil {
		s.logger.Printf("escalate failed flag=%s level=%d: %v", flag.ID, next, err)
		return false
	}
	if !claimed {
		return false
	}
	from := flag.EscalationLevel
	flag.EscalationLevel = next
	flag.LastEscalatedAt = &now

	entry := domain.EscalationHistory{
		FlagID:    flag.ID,
		Level:     next,
		Action:    "escalate",
		CreatedAt: now,
	}
	detail, err := s.notifyRole(ctx, flag, pattern.Escalation.Chain[next].Role, domain.NotifyEscalation, &entry, map[string]any{
		"from_level": from,
	})
	entry.Succeeded = err == nil
	entry.Detail = detail
	if err != nil {
		entry.Role = pattern.Escalation.Chain[next].Role
		entry.Detail = err.Error()
	}
	if err := s.store.AppendEscalationHistory(ctx, entry); err != nil {
		s.logger.Printf("escalation history append failed flag=%s: %v", flag.ID, err)
	}
	s.audit(ctx, flag, s.cfg.Actor, "flag_escalated", map[string]any{"from_level": from, "to_level": next})
	return true
}

// UpdateStatus moves a flag through its lifecycle. Terminal statuses stamp the
// resolution and refuse later changes.
func (s *Service) UpdateStatus(ctx context.Context, flagID string, status domain.FlagStatus, actor, notes string) (domain.RedFlagInstance, error) {
	if !status.Valid() {
		return domain.RedFlagInstance{}, fmt.Errorf("update flag: unknown status %q: %w", status, domain.ErrInvalidInput)
	}
	if strings.TrimSpace(actor) == "" {
		return domain.RedFlagInstance{}, fmt.Errorf("update flag: actor is required: %w", domain.ErrInvalidInput)
	}
	if err := s.store.UpdateFlagStatus(ctx, flagID, status, actor, notes, s.cfg.Now()); err != nil {
		return domain.RedFlagInstance{}, err
	}
	flag, err := s.store.GetFlag(ctx, flagID)
	if err != nil {
		return domain.RedFlagInstance{}, err
	}
	s.audit(ctx, flag, actor, "flag_status_changed", map[string]any{"status": status, "notes": notes})
	return flag, nil
}

func (s *Service) Assign(ctx context.Context, flagID, assignee, actor string) (domain.RedFlagInstance, error) {
	if strings.TrimSpace(assignee) == "" {
		return domain.RedFlagInstance{}, fmt.Errorf("assign flag: assignee is required: %w", domain.ErrInvalidInput)
	}
	if err := s.store.AssignFlag(ctx, flagID, assignee, s.cfg.Now()); err != nil {
		return domain.RedFlagInstance{}, err
	}
	flag, err := s.store.GetFlag(ctx, flagID)
	if err != nil {
		return domain.RedFlagInstance{}, err
	}
	s.audit(ctx, flag, actor, "flag_assigned", map[string]any{"assignee": assignee})
	s.notify(ctx, flag, assignee, domain.NotifyRedFlag, "Assigned: "+flag.Title, map[string]any{
		"flag_id":      flag.ID,
		"sla_deadline": flag.SLADeadline,
	})
	return flag, nil
}

func (s *Service) Get(ctx context.Context, flagID string) (domain.RedFlagInstance, error) {
	return s.store.GetFlag(ctx, flagID)
}

func (s *Service) List(ctx context.Context, filter domain.FlagFilter) ([]domain.RedFlagInstance, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("list flags: unknown status %q: %w", filter.Status, domain.ErrInvalidInput)
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, fmt.Errorf("list flags: unknown severity %q: %w", filter.Severity, domain.ErrInvalidInput)
	}
	return s.store.ListFlags(ctx, filter, s.cfg.ListLimit)
}

func (s *Service) History(ctx context.Context, flagID string) ([]domain.EscalationHistory, error) {
	if _, err := s.store.GetFlag(ctx, flagID); err != nil {
		return nil, err
	}
	return s.store.ListEscalationHistory(ctx, flagID)
}

func (s *Service) notify(ctx context.Context, flag domain.RedFlagInstance, recipient string, kind domain.NotificationKind, title string, payload map[string]any) {
	if s.deps.Notifier == nil {
		return
	}
	s.deps.Notifier.Notify(ctx, domain.Notification{
		CaseID:    flag.CaseID,
		Recipient: recipient,
		Kind:      kind,
		Title:     title,
		Payload:   notify.Payload(payload),
		Priority:  flag.Severity.Priority(),
		CreatedAt: s.cfg.Now(),
	})
}

func (s *Service) audit(ctx context.Context, flag domain.RedFlagInstance, actor, action string, details map[string]any) {
	if s.deps.Notifier == nil {
		return
	}
	s.deps.Notifier.Audit(ctx, domain.AuditEntry{
		CaseID:     flag.CaseID,
		Actor:      actor,
		ActionType: action,
		EntityType: "red_flag",
		EntityID:   flag.ID,
		Details:    notify.Payload(details),
		CreatedAt:  s.cfg.Now(),
	})
}

func knownAction(a domain.EscalationAction) bool {
	switch a {
	case domain.ActionNotifyPartner, domain.ActionNotifyDealLead, domain.ActionScheduleReview,
		domain.ActionBlockPhase, domain.ActionTriggerExpertReview, domain.ActionCreateFollowUpTask:
		return true
	}
	return false
}

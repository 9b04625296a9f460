package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"dealcoord/internal/approval"
	"dealcoord/internal/config"
	"dealcoord/internal/dependency"
	"dealcoord/internal/messagebus"
	"dealcoord/internal/messaging/inproc"
	"dealcoord/internal/notify"
	"dealcoord/internal/orchestrator"
	"dealcoord/internal/redflag"
	"dealcoord/internal/roles"
	"dealcoord/internal/scheduler"
	sqlitestore "dealcoord/internal/store/sqlite"
)

const (
	jobApprovalTimeouts = "approval-timeouts"
	jobFlagOverdue      = "flag-overdue"
	jobFindingScan      = "finding-scan"
)

type app struct {
	cfg       config.Config
	store     *sqlitestore.Store
	observers *inproc.Bus
	roles     *roles.Engine
	bus       *messagebus.Service
	deps      *dependency.Graph
	tasks     *orchestrator.Service
	approvals *approval.Engine
	flags     *redflag.Service
	scheduler *scheduler.Scheduler
	logger    *log.Logger
}

// newApp wires every component over one store. now may be nil.
func newApp(store *sqlitestore.Store, cfg config.Config, now func() time.Time, logger *log.Logger) (*app, error) {
	if logger == nil {
		logger = log.Default()
	}
	roleEngine, err := roles.New(store, cfg.Roles)
	if err != nil {
		return nil, fmt.Errorf("configure roles: %w", err)
	}

	var sink notify.Sink = notify.NewOutbox(store)
	if cfg.Notify.LogOnly {
		sink = notify.NewLogSink(logger)
	} else {
		sink = notify.Fanout{sink, notify.NewLogSink(logger)}
	}
	if cfg.Notify.RatePerSecond > 0 {
		sink = notify.NewLimited(sink, cfg.Notify.RatePerSecond, intOrDefault(cfg.Notify.Burst, 10))
	}
	dispatcher := notify.NewDispatcher(sink, notify.NewAuditLog(store), logger)

	observers := inproc.New(intOrDefault(cfg.Coordinator.ObserverBuffer, 256))
	bus := messagebus.New(store, observers, messagebus.Config{Now: now}, logger)
	tasks := orchestrator.New(store, bus, observers, orchestrator.Config{Now: now}, logger)

	systemAgents := make(map[string]bool, len(cfg.Coordinator.SystemAgents))
	for _, agent := range cfg.Coordinator.SystemAgents {
		systemAgents[agent] = true
	}
	approvals := approval.New(
		store,
		roleEngine,
		dispatcher,
		approval.FindingLookup{Store: store, SystemAgents: systemAgents},
		approval.Config{Now: now},
		logger,
	)
	flags := redflag.New(store, redflag.Collaborators{
		Roles:     roleEngine,
		Notifier:  dispatcher,
		Bus:       bus,
		Workflows: approvals,
		Tasks:     tasks,
		Observers: observers,
	}, redflag.Config{
		ExpertAgent:     cfg.Coordinator.ExpertAgent,
		DefaultSLAHours: cfg.Coordinator.DefaultSLAHours,
		Now:             now,
	}, logger)

	timeoutEvery, err := cfg.Coordinator.TimeoutInterval()
	if err != nil {
		return nil, err
	}
	overdueEvery, err := cfg.Coordinator.OverdueInterval()
	if err != nil {
		return nil, err
	}
	scanEvery, err := cfg.Coordinator.ScanInterval()
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(logger)
	if err := sched.Register(jobApprovalTimeouts, timeoutEvery, approvals.ProcessTimeouts); err != nil {
		return nil, err
	}
	if err := sched.Register(jobFlagOverdue, overdueEvery, flags.ProcessOverdue); err != nil {
		return nil, err
	}
	if err := sched.Register(jobFindingScan, scanEvery, flags.ScanPending); err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		store:     store,
		observers: observers,
		roles:     roleEngine,
		bus:       bus,
		deps:      dependency.New(store, bus, now, logger),
		tasks:     tasks,
		approvals: approvals,
		flags:     flags,
		scheduler: sched,
		logger:    logger,
	}, nil
}

// seedCatalog upserts the configured definitions and patterns by name.
func (a *app) seedCatalog(ctx context.Context, catalog config.Catalog) error {
	for _, entry := range catalog.Workflows {
		if _, err := a.approvals.SaveDefinition(ctx, entry.Definition()); err != nil {
			return fmt.Errorf("seed workflow %s: %w", entry.Name, err)
		}
	}
	for _, entry := range catalog.Patterns {
		if _, err := a.flags.SavePattern(ctx, entry.Pattern()); err != nil {
			return fmt.Errorf("seed pattern %s: %w", entry.Name, err)
		}
	}
	return nil
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/messages", a.handleMessages)
	mux.HandleFunc("/messages/", a.handleMessageByID)
	mux.HandleFunc("/conversations/", a.handleConversation)
	mux.HandleFunc("/agents/", a.handleAgent)
	mux.HandleFunc("/dependencies", a.handleDependencies)
	mux.HandleFunc("/dependencies/", a.handleDependencyByID)
	mux.HandleFunc("/gates", a.handleGate)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/definitions", a.handleDefinitions)
	mux.HandleFunc("/definitions/", a.handleDefinitionByID)
	mux.HandleFunc("/workflows", a.handleWorkflows)
	mux.HandleFunc("/workflows/", a.handleWorkflowByID)
	mux.HandleFunc("/approvals", a.handleApprovals)
	mux.HandleFunc("/findings", a.handleFindings)
	mux.HandleFunc("/findings/", a.handleFindingByID)
	mux.HandleFunc("/patterns", a.handlePatterns)
	mux.HandleFunc("/patterns/", a.handlePatternByID)
	mux.HandleFunc("/flags", a.handleFlags)
	mux.HandleFunc("/flags/", a.handleFlagByID)
	mux.HandleFunc("/roles/", a.handleRoles)
	mux.HandleFunc("/notifications", a.handleNotifications)
	mux.HandleFunc("/notifications/", a.handleNotificationByID)
	mux.HandleFunc("/audit", a.handleAudit)
	mux.HandleFunc("/sweeps", a.handleSweeps)
	mux.HandleFunc("/sweeps/", a.handleSweepByName)
	return loggingMiddleware(a.logger, mux)
}

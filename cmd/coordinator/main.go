package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dealcoord/internal/agent"
	"dealcoord/internal/config"
	"dealcoord/internal/domain"
	sqlitestore "dealcoord/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.dealcoord/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	catalogFlag := flag.String("catalog", "", "workflow and pattern catalog (yaml) override")
	echoAgents := flag.String("echo-agents", "", "comma-separated agents answered by an in-process echo worker")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Coordinator.Addr, ":8091")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Coordinator.DBPath, "data/dealcoord.db"))
	catalogPath := firstNonEmpty(*catalogFlag, cfg.Coordinator.CatalogPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	a, err := newApp(store, cfg, nil, log.Default())
	if err != nil {
		log.Fatalf("wire coordinator: %v", err)
	}
	if catalogPath != "" {
		catalog, err := config.LoadCatalog(catalogPath)
		if err != nil {
			log.Fatalf("load catalog: %v", err)
		}
		if err := a.seedCatalog(ctx, catalog); err != nil {
			log.Fatalf("seed catalog: %v", err)
		}
		log.Printf("catalog seeded workflows=%d patterns=%d", len(catalog.Workflows), len(catalog.Patterns))
	}

	for _, name := range strings.Split(*echoAgents, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := a.startEchoWorker(ctx, name); err != nil {
			log.Fatalf("start echo worker %s: %v", name, err)
		}
	}

	a.scheduler.Start()
	defer a.scheduler.Stop()

	server := &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("dealcoord started addr=%s db=%s catalog=%s", addr, dbPath, catalogPath)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

// startEchoWorker answers every message addressed to name with a receipt.
// Useful for exercising task fan-out before real agents are attached.
func (a *app) startEchoWorker(ctx context.Context, name string) error {
	w, err := agent.NewWorker(a.bus, a.observers, a.tasks, agent.Config{Agent: name}, a.logger)
	if err != nil {
		return err
	}
	w.HandleDefault(agent.HandlerFunc(func(_ context.Context, msg domain.Message) (json.RawMessage, error) {
		return json.Marshal(map[string]any{
			"agent":       name,
			"received":    msg.ID,
			"subject":     msg.Subject,
			"answered_at": time.Now().UTC().Format(time.RFC3339),
		})
	}))
	w.Start(ctx)
	return nil
}

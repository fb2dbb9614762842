// Command mnemosyned runs the Mnemosyne memory engine with its HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lucidity-labs/mnemosyne/internal/authority"
	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/internal/engine"
	"github.com/lucidity-labs/mnemosyne/internal/lifecycle"
	"github.com/lucidity-labs/mnemosyne/internal/llm"
	"github.com/lucidity-labs/mnemosyne/internal/resolver"
	"github.com/lucidity-labs/mnemosyne/internal/retrieval"
	"github.com/lucidity-labs/mnemosyne/internal/server"
	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/internal/storage/postgres"
	"github.com/lucidity-labs/mnemosyne/internal/storage/sqlite"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("mnemosyned: %v", err)
	}
}

func run() error {
	cfg := config.Load()

	host := flag.String("host", cfg.Server.Host, "HTTP listen host")
	port := flag.Int("port", cfg.Server.Port, "HTTP listen port")
	storageEngine := flag.String("storage", cfg.Storage.Engine, "storage backend: sqlite or postgres")
	dataPath := flag.String("data", cfg.Storage.DataPath, "data directory for the sqlite backend")
	strategiesPath := flag.String("strategies", cfg.Retrieval.StrategiesPath, "optional YAML file of ranking strategies, hot-reloaded")
	flag.Parse()

	cfg.Server.Host = *host
	cfg.Server.Port = *port
	cfg.Storage.Engine = *storageEngine
	cfg.Storage.DataPath = *dataPath
	cfg.Retrieval.StrategiesPath = *strategiesPath

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("mnemosyned: store close: %v", err)
		}
	}()

	embedder, err := llm.NewHTTPEmbedder(cfg.Embedding)
	if err != nil {
		return err
	}
	reasoner := llm.NewHTTPReasoner(cfg.Reasoner)
	records := authority.NewClient(cfg.Authority)
	if records == nil {
		log.Printf("mnemosyned: no authoritative store configured, discovery disabled")
	}

	strategies, err := config.NewStrategyBook(cfg.Retrieval.StrategiesPath)
	if err != nil {
		return err
	}

	res, err := newResolver(store, reasoner, records, cfg)
	if err != nil {
		return err
	}

	manager := lifecycle.NewManager(store, store, newTruthSource(store, records), cfg.Lifecycle)
	generator := retrieval.NewGenerator(store, store, store, cfg.Retrieval)
	ranker := retrieval.NewRanker(strategies, manager, cfg.Retrieval)

	eng := engine.New(store, res, manager, generator, ranker, embedder, strategies, cfg)
	if err := eng.Start(); err != nil {
		return err
	}

	srv := server.New(eng, cfg.Server)
	addr, err := srv.Start()
	if err != nil {
		return err
	}
	log.Printf("mnemosyned: ready on %s (storage: %s)", addr, cfg.Storage.Engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Printf("mnemosyned: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("mnemosyned: server shutdown: %v", err)
	}
	return eng.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case "sqlite":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return sqlite.New(filepath.Join(cfg.Storage.DataPath, "mnemosyne.db"))
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage requires MNEMOSYNE_POSTGRES_DSN")
		}
		return postgres.New(cfg.Storage.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}

// newTruthSource adapts the record store for conflict resolution. A nil
// *Verifier must become a nil interface so the manager skips lookups.
func newTruthSource(store storage.Store, records *authority.Client) lifecycle.TruthSource {
	if v := authority.NewVerifier(store, records); v != nil {
		return v
	}
	return nil
}

func newResolver(store storage.Store, reasoner llm.Reasoner, records *authority.Client, cfg *config.Config) (*resolver.Resolver, error) {
	// A nil *Client must become a nil interface or the resolver would try to
	// call through it.
	var lookup authority.Lookup
	if records != nil {
		lookup = records
	}
	return resolver.New(store, store, reasoner, lookup, cfg.Resolver)
}

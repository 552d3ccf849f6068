package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokligence/streamflow/internal/config"
	"github.com/tokligence/streamflow/internal/coordinator"
	"github.com/tokligence/streamflow/internal/httpserver"
	"github.com/tokligence/streamflow/internal/ledger"
	ledgerasync "github.com/tokligence/streamflow/internal/ledger/async"
	ledgerpg "github.com/tokligence/streamflow/internal/ledger/postgres"
	ledgersql "github.com/tokligence/streamflow/internal/ledger/sqlite"
	"github.com/tokligence/streamflow/internal/logging"
	"github.com/tokligence/streamflow/internal/metrics"
	"github.com/tokligence/streamflow/internal/provider"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotating(target, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[streamflowd] ")
		defer rot.Close()
	}

	ledgerStore, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	if ledgerStore != nil {
		defer ledgerStore.Close()
	}

	registry := provider.NewRegistry()
	if cfg.ModelFamilyFile != "" {
		if err := registry.LoadFamilies(cfg.ModelFamilyFile); err != nil {
			log.Printf("model family file %s rejected: %v", cfg.ModelFamilyFile, err)
		} else {
			log.Printf("model families loaded from %s", cfg.ModelFamilyFile)
		}
	}

	collector := metrics.NewCollector()
	coord := coordinator.New(coordinator.Config{
		Collector: collector,
		Ledger:    ledgerStore,
		Logger:    log.New(log.Writer(), "[coordinator] ", log.LstdFlags|log.Lmicroseconds),
	})

	srv := httpserver.New(httpserver.Config{
		Addr:        cfg.ListenAddr,
		Coordinator: coord,
		Collector:   collector,
		Ledger:      ledgerStore,
		Logger:      log.New(log.Writer(), "[streamflowd/http] ", log.LstdFlags|log.Lmicroseconds),
		Version:     version,
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("http server error: %v", err)
		}
	}()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		err := config.Watch(watchCtx, ".", log.New(log.Writer(), "[config] ", log.LstdFlags|log.Lmicroseconds), func(next config.EngineConfig) {
			// Ledger and listen address need a restart; the model family
			// table can be swapped live.
			if next.ModelFamilyFile != "" {
				if err := registry.LoadFamilies(next.ModelFamilyFile); err != nil {
					log.Printf("model family reload rejected: %v", err)
				}
			}
		})
		if err != nil {
			log.Printf("config watch stopped: %v", err)
		}
	}()

	log.Printf("streamflowd %s env=%s ledger=%s listening on %s",
		version, cfg.Environment, cfg.LedgerDriver, cfg.ListenAddr)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	log.Printf("shutting down")
	stopWatch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	coord.Close()
}

// openLedger builds the outcome store named by the config, optionally
// wrapped for async batch writes. A nil store disables recording.
func openLedger(cfg config.EngineConfig) (ledger.Store, error) {
	var store ledger.Store
	switch cfg.LedgerDriver {
	case "off":
		return nil, nil
	case "postgres":
		s, err := ledgerpg.New(cfg.LedgerDSN)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		s, err := ledgersql.New(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		store = s
	}
	if cfg.LedgerAsync {
		store = ledgerasync.New(store, ledgerasync.Config{
			Logger: log.New(log.Writer(), "[async-ledger] ", log.LstdFlags|log.Lmicroseconds),
		})
	}
	return store, nil
}

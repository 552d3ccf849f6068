// Command streamflow is a one-shot streaming client: it opens an SSE
// chat completion against a provider, runs the chunks through the flow
// engine with recovery enabled, and prints the delivered text to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/tokligence/streamflow/internal/buffer"
	"github.com/tokligence/streamflow/internal/config"
	"github.com/tokligence/streamflow/internal/coordinator"
	"github.com/tokligence/streamflow/internal/ledger"
	ledgersql "github.com/tokligence/streamflow/internal/ledger/sqlite"
	"github.com/tokligence/streamflow/internal/provider"
	"github.com/tokligence/streamflow/internal/recovery"
	"github.com/tokligence/streamflow/internal/stream"
	"github.com/tokligence/streamflow/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	switch os.Args[1] {
	case "stream":
		runStream(cfg, os.Args[2:])
	case "outcomes":
		runOutcomes(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: streamflow <stream|outcomes> [flags]")
}

func runStream(cfg config.EngineConfig, args []string) {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	baseURL := fs.String("base-url", cfg.ProviderBaseURL, "provider base URL")
	apiKey := fs.String("api-key", cfg.ProviderAPIKey, "provider API key")
	model := fs.String("model", "gpt-4o-mini", "model name")
	prompt := fs.String("prompt", "", "user prompt (required)")
	maxTokens := fs.Int("max-tokens", 0, "token budget, 0 for provider default")
	batchSize := fs.Int("batch", cfg.BatchSize, "chunks per callback, 1 disables batching")
	strategy := fs.String("recovery", cfg.RecoveryStrategy, "boundary strategy: exact, sentence, paragraph, summarize")
	noRecovery := fs.Bool("no-recovery", !cfg.RecoveryEnabled, "disable interruption recovery")
	showMetrics := fs.Bool("metrics", false, "print delivery metrics on completion")
	_ = fs.Parse(args)

	if strings.TrimSpace(*prompt) == "" {
		log.Fatal("missing -prompt")
	}
	if strings.TrimSpace(*baseURL) == "" {
		log.Fatal("missing provider base URL (-base-url or provider_base_url in config)")
	}

	client, err := transport.New(transport.Config{
		BaseURL: *baseURL,
		Path:    cfg.ProviderPath,
		APIKey:  *apiKey,
	})
	if err != nil {
		log.Fatalf("transport init: %v", err)
	}

	registry := provider.NewRegistry()
	if cfg.ModelFamilyFile != "" {
		if err := registry.LoadFamilies(cfg.ModelFamilyFile); err != nil {
			log.Printf("model family file rejected: %v", err)
		}
	}
	strat := registry.Lookup(*model)

	coord := coordinator.New(coordinator.Config{
		Logger: log.New(os.Stderr, "[streamflow] ", log.LstdFlags|log.Lmicroseconds),
	})
	defer coord.Close()

	streamCfg := coordinator.StreamConfig{
		Request: provider.ChatRequest{
			Model:     *model,
			Messages:  []provider.Message{{Role: "user", Content: *prompt}},
			MaxTokens: *maxTokens,
		},
		Producer:              client.Stream,
		Parse:                 strat.Parse,
		Continuation:          strat.Continuation,
		ModelFamily:           strat.Family,
		BufferCapacity:        cfg.BufferCapacity,
		OverflowPolicy:        buffer.OverflowPolicy(cfg.OverflowPolicy),
		BackpressureThreshold: cfg.BackpressureThreshold,
		PushTimeout:           time.Duration(cfg.PushTimeoutMS) * time.Millisecond,
		StreamRecovery:        !*noRecovery,
		RecoveryStrategy:      recovery.Strategy(*strategy),
		MaxRecoveryAttempts:   cfg.MaxRecoveryAttempts,
		TrackMetrics:          *showMetrics,
	}
	if *batchSize > 1 {
		streamCfg.BufferChunks = *batchSize
		streamCfg.BatchTimeout = time.Duration(cfg.BatchTimeoutMS) * time.Millisecond
		streamCfg.BatchCallback = func(chunks []stream.Chunk) {
			for _, ch := range chunks {
				fmt.Print(ch.Content)
			}
		}
	} else {
		streamCfg.Callback = func(ch stream.Chunk) {
			fmt.Print(ch.Content)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := coord.StartStream(ctx, streamCfg)
	if err != nil {
		log.Fatalf("start stream: %v", err)
	}
	if err := sess.Wait(ctx); err != nil {
		fmt.Println()
		log.Fatalf("stream %s failed: %v", sess.ID, err)
	}
	fmt.Println()

	if *showMetrics {
		m := sess.Metrics()
		fmt.Fprintf(os.Stderr, "chunks=%d bytes=%d duration=%s backpressure=%d recoveries=%d\n",
			m.ChunksReceived, m.BytesReceived, m.Duration.Round(time.Millisecond),
			m.BackpressureEvents, sess.RecoveryAttempts())
	}
}

func runOutcomes(cfg config.EngineConfig, args []string) {
	fs := flag.NewFlagSet("outcomes", flag.ExitOnError)
	limit := fs.Int("limit", 20, "rows to show")
	family := fs.String("family", "", "restrict the summary to one model family")
	summaryOnly := fs.Bool("summary", false, "print only the aggregate summary")
	_ = fs.Parse(args)

	if cfg.LedgerDriver != "sqlite" {
		log.Fatalf("outcomes requires the sqlite ledger, configured driver is %q", cfg.LedgerDriver)
	}
	store, err := ledgersql.New(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	sum, err := store.Summary(ctx, *family)
	if err != nil {
		log.Fatalf("summary: %v", err)
	}
	fmt.Printf("sessions=%d completed=%d failed=%d cancelled=%d chunks=%d bytes=%d\n",
		sum.Sessions, sum.Completed, sum.Failed, sum.Cancelled, sum.Chunks, sum.Bytes)
	if *summaryOnly {
		return
	}

	rows, err := store.ListRecent(ctx, *limit)
	if err != nil {
		log.Fatalf("list outcomes: %v", err)
	}
	for _, o := range rows {
		printOutcome(o)
	}
}

func printOutcome(o ledger.Outcome) {
	fmt.Printf("%s  %-10s %-12s chunks=%-6d bytes=%-8d recoveries=%d %s\n",
		o.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		o.State, o.Model, o.Chunks, o.Bytes, o.RecoveryAttempts, o.SessionID)
}

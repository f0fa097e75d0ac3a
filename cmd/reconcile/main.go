// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Link reconciliation command
//
// Standalone CLI that re-creates email_links rows for received emails whose
// link failed at ingestion time. The reply address stored on each email is
// parsed and verified again before anything is written.
//
// Usage:
//
//	go run ./cmd/reconcile/ [--batch 500] [--dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seido/inbound/internal/config"
	"github.com/seido/inbound/internal/logging"
	"github.com/seido/inbound/internal/reconcile"
	"github.com/seido/inbound/internal/replyaddr"
	"github.com/seido/inbound/internal/store"
)

func main() {
	// --- CLI Flags ---
	batchFlag := flag.Int("batch", 500, "Number of unlinked emails fetched per query")
	dryRunFlag := flag.Bool("dry-run", false, "Report what would be linked without writing")
	flag.Parse()

	if *batchFlag <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --batch must be positive\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	st, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Run Reconciliation ---
	runner := reconcile.NewRunner(reconcile.RunnerConfig{
		Store:     st,
		Codec:     replyaddr.NewCodec(cfg.Reply.Secret, cfg.Reply.Domain),
		BatchSize: *batchFlag,
		DryRun:    *dryRunFlag,
	})

	result, err := runner.Run(ctx)
	if err != nil {
		if result != nil {
			slog.Info("partial reconciliation", "scanned", result.Scanned, "linked", result.Linked)
		}
		slog.Error("reconciliation failed", "error", err)
		os.Exit(1)
	}

	if result.Errors > 0 {
		os.Exit(2)
	}
}

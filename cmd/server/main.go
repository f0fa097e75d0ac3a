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

// Inbound email service
//
// Entry point for the webhook ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Builds the sync handler and the async processing pipeline
//  4. Runs the HTTP server, the dispatcher and the retention sweeper under
//     a supervisor tree
//  5. Drains in-flight work on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/seido/inbound/internal/attachments"
	"github.com/seido/inbound/internal/audit"
	"github.com/seido/inbound/internal/config"
	"github.com/seido/inbound/internal/dedup"
	"github.com/seido/inbound/internal/logging"
	"github.com/seido/inbound/internal/notify"
	"github.com/seido/inbound/internal/payload"
	"github.com/seido/inbound/internal/pipeline"
	"github.com/seido/inbound/internal/provider"
	"github.com/seido/inbound/internal/queue"
	"github.com/seido/inbound/internal/replyaddr"
	"github.com/seido/inbound/internal/retention"
	"github.com/seido/inbound/internal/signature"
	"github.com/seido/inbound/internal/storage"
	"github.com/seido/inbound/internal/store"
	"github.com/seido/inbound/internal/supervisor"
	"github.com/seido/inbound/internal/webhook"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	})

	slog.Info("starting inbound email service",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
		"reply_domain", cfg.Reply.Domain,
	)
	if cfg.Webhook.Secret == "" {
		slog.Warn("webhook secret is not configured, every webhook will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	st, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.Notify.Queue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Async pipeline ---
	objects := storage.NewS3(storage.Config{
		Endpoint:        cfg.Storage.Endpoint,
		Region:          cfg.Storage.Region,
		Bucket:          cfg.Storage.Bucket,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		UsePathStyle:    cfg.Storage.UsePathStyle,
		MaxAttempts:     3,
	})
	providerClient := provider.NewClient(ctx, cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	guard := dedup.NewGuard(dedup.NewFilter(rdb), st)
	auditor := audit.New(st)

	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Store:       st,
		Content:     providerClient,
		Dedup:       guard,
		Attachments: attachments.New(providerClient, objects, st, cfg.Attachment.MaxBytes, cfg.Attachment.AllowedTypes),
		Notifier:    notify.New(st, publisher, cfg.Notify.ManagerRole),
		Audit:       auditor,
	})
	dispatcher := pipeline.NewDispatcher(processor, pipeline.DispatcherConfig{
		Workers:      cfg.Dispatcher.Workers,
		QueueSize:    cfg.Dispatcher.QueueSize,
		DrainTimeout: cfg.Dispatcher.DrainTimeout,
	})

	// --- Sync handler ---
	payloads, err := payload.NewValidator()
	if err != nil {
		slog.Error("failed to compile payload schema", "error", err)
		os.Exit(1)
	}
	handler := webhook.NewHandler(webhook.HandlerConfig{
		Verifier: signature.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance),
		Payloads: payloads,
		Codec:    replyaddr.NewCodec(cfg.Reply.Secret, cfg.Reply.Domain),
		Guard:    guard,
		Jobs:     dispatcher,
		Audit:    auditor,
	})
	router := webhook.NewRouter(webhook.RouterConfig{
		Handler:         handler,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		Checks: []webhook.Check{
			{Name: "postgres", Pinger: st},
			{Name: "redis", Pinger: publisher},
		},
		Statuses: []webhook.Status{
			{Name: "object_storage_breaker", State: objects.BreakerState},
		},
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	})

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	// --- Supervisor tree ---
	tree := supervisor.NewTree(logger, supervisor.TreeConfig{
		ShutdownTimeout: cfg.Dispatcher.DrainTimeout + cfg.Server.ShutdownTimeout,
	})
	tree.AddWorker(dispatcher)
	tree.AddWorker(retention.NewSweeper(st, cfg.Retention.WebhookLogs, cfg.Retention.Interval))
	tree.AddAPI(supervisor.NewHTTPService(server, fmt.Sprintf(":%d", cfg.Server.Port), cfg.Server.ShutdownTimeout))

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Error("supervisor stopped unexpectedly", "error", err)
		os.Exit(1)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		slog.Warn("services did not stop in time", "count", len(report))
	}

	// The HTTP server has stopped accepting requests; jobs it handed over
	// while the pool was stopping still need the database and Redis.
	dispatcher.Wait(cfg.Dispatcher.DrainTimeout)
	slog.Info("inbound email service stopped")
}

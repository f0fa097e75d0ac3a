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

// Package reconcile re-creates missing email links. Linking a received
// email is best effort at ingestion time; this pass recovers the link from
// the stored reply address.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seido/inbound/internal/models"
	"github.com/seido/inbound/internal/replyaddr"
)

// Store is what reconciliation reads and writes.
type Store interface {
	ListUnlinkedEmails(ctx context.Context, after models.EmailCursor, limit int) ([]models.EmailRecord, error)
	GetIntervention(ctx context.Context, id string) (*models.Intervention, error)
	InsertEmailLink(ctx context.Context, link models.EmailLink) error
}

// Result summarises a run.
type Result struct {
	Scanned int
	Linked  int
	Skipped int
	Errors  int
	Batches int
	Elapsed time.Duration
}

// RunnerConfig holds dependencies for the runner.
type RunnerConfig struct {
	Store     Store
	Codec     *replyaddr.Codec
	BatchSize int
	DryRun    bool
}

// Runner links unlinked received emails to their intervention.
type Runner struct {
	store     Store
	codec     *replyaddr.Codec
	batchSize int
	dryRun    bool
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	size := cfg.BatchSize
	if size <= 0 {
		size = 500
	}
	return &Runner{
		store:     cfg.Store,
		codec:     cfg.Codec,
		batchSize: size,
		dryRun:    cfg.DryRun,
	}
}

// Run pages through every unlinked email, oldest first, batchSize at a
// time. Emails that cannot be linked are stepped over, so they never hide
// newer ones.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	slog.Info("starting link reconciliation",
		"batch_size", r.batchSize,
		"dry_run", r.dryRun,
	)

	result := &Result{}
	var cursor models.EmailCursor
	for {
		emails, err := r.store.ListUnlinkedEmails(ctx, cursor, r.batchSize)
		if err != nil {
			return result, fmt.Errorf("list unlinked emails: %w", err)
		}
		if len(emails) == 0 {
			break
		}
		result.Batches++

		for i := range emails {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Scanned++

			linked, err := r.relink(ctx, &emails[i])
			switch {
			case err != nil:
				result.Errors++
				slog.Error("failed to relink email", "email_id", emails[i].ID, "error", err)
			case linked:
				result.Linked++
			default:
				result.Skipped++
			}
		}

		if len(emails) < r.batchSize {
			break
		}
		cursor = models.CursorAfter(&emails[len(emails)-1])
	}

	result.Elapsed = time.Since(start)
	slog.Info("link reconciliation complete",
		"scanned", result.Scanned,
		"linked", result.Linked,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"batches", result.Batches,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// relink reports whether e was (or, in a dry run, would be) linked.
func (r *Runner) relink(ctx context.Context, e *models.EmailRecord) (bool, error) {
	if len(e.ToAddresses) == 0 {
		return false, nil
	}
	log := slog.With("email_id", e.ID, "recipient", e.ToAddresses[0])

	tok, err := r.codec.Parse(e.ToAddresses[0])
	if err != nil {
		log.Debug("recipient is not a reply address", "error", err)
		return false, nil
	}
	if !r.codec.Verify(tok) {
		log.Warn("stored reply address fails integrity check")
		return false, nil
	}

	intervention, err := r.store.GetIntervention(ctx, tok.EntityID)
	if err != nil {
		return false, fmt.Errorf("get intervention %s: %w", tok.EntityID, err)
	}
	if intervention == nil {
		log.Info("intervention no longer exists", "entity_id", tok.EntityID)
		return false, nil
	}
	if intervention.TeamID != e.TeamID {
		log.Warn("intervention belongs to another team",
			"entity_id", tok.EntityID,
			"email_team", e.TeamID,
			"entity_team", intervention.TeamID,
		)
		return false, nil
	}

	if r.dryRun {
		log.Info("would link email", "entity_id", intervention.ID)
		return true, nil
	}

	err = r.store.InsertEmailLink(ctx, models.EmailLink{
		EmailID:    e.ID,
		EntityType: tok.EntityType,
		EntityID:   intervention.ID,
		Notes:      "Linked by reconciliation",
	})
	if err != nil {
		return false, fmt.Errorf("insert link: %w", err)
	}
	log.Info("linked email", "entity_id", intervention.ID)
	return true, nil
}

package payments

import (
	"context"

	"bitbucket.org/storefront/backend/journal"
	"bitbucket.org/storefront/backend/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Journal is the delivery log replayed by Replay.
type Journal interface {
	Pending(limit int) ([]journal.Entry, error)
	MarkDone(key string) error
	MarkAttempt(key string) error
	MarkDeadLetter(key, reason string) error
	AttachWebhook(key, webhookID string) error
}

type ReplaySummary struct {
	Replayed     int `json:"replayed"`
	Accepted     int `json:"accepted"`
	Rejected     int `json:"rejected"`
	DeadLettered int `json:"dead_lettered"`
}

// Replay re-applies deliveries that were journaled but never marked done.
// Ingestion is idempotent, so entries already applied before a crash are
// harmless to run again. Entries that can never apply, or that used up
// MaxReplayAttempts, are dead-lettered.
func (o *Orchestrator) Replay(ctx context.Context, j Journal, limit int) (*ReplaySummary, error) {
	entries, err := j.Pending(limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed reading journal")
	}

	summary := &ReplaySummary{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Replayed++

		logger := o.log.WithFields(log.Fields{
			"journal_key": entry.Key,
			"kind":        entry.Kind,
			"attempts":    entry.Attempts,
		})

		result := o.replayEntry(ctx, j, logger, entry)
		if result.Accepted {
			summary.Accepted++
			if err := j.MarkDone(entry.Key); err != nil {
				logger.WithError(err).Error("failed marking journal entry done")
			}
			continue
		}

		summary.Rejected++
		kind := KindOf(result.Err)
		if o.deadLetter(kind, entry.Attempts+1) {
			summary.DeadLettered++
			logger.WithField("reason", kind).Warn("journal entry dead-lettered")
			if err := j.MarkDeadLetter(entry.Key, kind.String()); err != nil {
				logger.WithError(err).Error("failed dead-lettering journal entry")
			}
			continue
		}
		if err := j.MarkAttempt(entry.Key); err != nil {
			logger.WithError(err).Error("failed counting journal attempt")
		}
	}

	return summary, nil
}

// deadLetter reports whether a rejected entry should stop being replayed.
// Unknown handles and integrity failures will not change on a retry.
func (o *Orchestrator) deadLetter(kind Kind, attempts int) bool {
	switch kind {
	case KindNotFound, KindCallbackIntegrity:
		return true
	}
	return o.config.MaxReplayAttempts > 0 && attempts >= o.config.MaxReplayAttempts
}

// replayEntry applies a journaled delivery against the audit row already
// recorded for it, recording one only when the entry has none yet.
func (o *Orchestrator) replayEntry(ctx context.Context, j Journal, logger *log.Entry, entry journal.Entry) *IngestResult {
	webhookType := models.WebhookMobileMoney
	if entry.Kind == journal.KindCard {
		webhookType = models.WebhookCard
	}

	id, err := uuid.Parse(entry.WebhookID)
	if err != nil {
		id = uuid.New()
	}

	webhook, err := o.store.GetPaymentWebhookByID(id)
	if err != nil {
		return &IngestResult{WebhookID: id, Err: newError(KindInternal, "failed loading webhook", err)}
	}

	result := &IngestResult{WebhookID: id}
	switch {
	case webhook == nil:
		webhook, result = o.recordWebhook(id, webhookType, entry.Body)
		if webhook == nil {
			return result
		}
		if entry.WebhookID != id.String() {
			if err := j.AttachWebhook(entry.Key, id.String()); err != nil {
				logger.WithError(err).Error("failed attaching webhook to journal entry")
			}
		}
	case webhook.Processed:
		result.Accepted = true
		result.PaymentID = webhook.PaymentID.UUID
		return result
	}

	if entry.Kind == journal.KindCard {
		return o.ingestCard(ctx, webhook, result, entry.Body)
	}
	return o.ingestMobileMoney(ctx, webhook, result, entry.Body)
}

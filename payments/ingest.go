package payments

import (
	"context"
	"encoding/json"
	"strings"

	"bitbucket.org/storefront/backend/card"
	"bitbucket.org/storefront/backend/db"
	"bitbucket.org/storefront/backend/models"
	"bitbucket.org/storefront/backend/mpesa"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const maxApplyAttempts = 3

// IngestResult reports whether a provider delivery was applied. Deliveries
// that are not accepted stay unprocessed in the webhook table.
type IngestResult struct {
	Accepted  bool
	WebhookID uuid.UUID
	PaymentID uuid.UUID
	Status    models.PaymentStatus
	Err       error
}

// outcome is the provider-stated result a delivery applies to a payment.
type outcome struct {
	Status             models.PaymentStatus
	CallbackData       []byte
	MpesaTransactionID string
	CardLastFour       string
	CardBrand          string
}

// IngestMobileMoneyCallback applies an STK push result notification.
// ResultCode 0 completes the payment, anything else fails it.
func (o *Orchestrator) IngestMobileMoneyCallback(ctx context.Context, raw []byte) *IngestResult {
	webhook, result := o.recordWebhook(uuid.New(), models.WebhookMobileMoney, raw)
	if webhook == nil {
		return result
	}
	return o.ingestMobileMoney(ctx, webhook, result, raw)
}

func (o *Orchestrator) ingestMobileMoney(ctx context.Context, webhook *models.PaymentWebhook, result *IngestResult, raw []byte) *IngestResult {
	logger := o.log.WithFields(log.Fields{
		"webhook_id":   webhook.ID,
		"webhook_type": webhook.WebhookType,
	})

	callback, err := mpesa.ParseCallback(raw)
	if err != nil {
		return o.reject(logger, result, errors.Wrap(ErrMalformedCallback, err.Error()))
	}
	logger = logger.WithField("checkout_request_id", callback.CheckoutRequestID)

	payment, err := o.store.GetPaymentByCheckoutRequestID(callback.CheckoutRequestID)
	if err != nil {
		return o.reject(logger, result, newError(KindInternal, "failed loading payment", err))
	}
	if payment == nil {
		return o.reject(logger, result, errors.Wrap(ErrUnknownHandle, callback.CheckoutRequestID))
	}

	// A success without a receipt still completes. The provider reported the
	// money as taken and the raw callback is kept on the payment.
	out := outcome{Status: models.PaymentFailed, CallbackData: raw}
	if callback.Succeeded() {
		out.Status = models.PaymentCompleted
		out.MpesaTransactionID = callback.ReceiptNumber()
		if out.MpesaTransactionID == "" {
			logger.WithField("integrity", "missing_receipt").Warn("successful callback without receipt number")
		}
	}

	return o.applyDelivery(ctx, logger, result, payment, out)
}

// IngestCardWebhook applies a payment intent event. The signature must have
// been verified by the caller.
func (o *Orchestrator) IngestCardWebhook(ctx context.Context, raw []byte) *IngestResult {
	webhook, result := o.recordWebhook(uuid.New(), models.WebhookCard, raw)
	if webhook == nil {
		return result
	}
	return o.ingestCard(ctx, webhook, result, raw)
}

func (o *Orchestrator) ingestCard(ctx context.Context, webhook *models.PaymentWebhook, result *IngestResult, raw []byte) *IngestResult {
	logger := o.log.WithFields(log.Fields{
		"webhook_id":   webhook.ID,
		"webhook_type": webhook.WebhookType,
	})

	event, err := card.ParseEvent(raw)
	if err != nil {
		return o.reject(logger, result, errors.Wrap(ErrMalformedCallback, err.Error()))
	}
	intent, err := event.Intent()
	if err != nil {
		return o.reject(logger, result, errors.Wrap(ErrMalformedCallback, err.Error()))
	}
	logger = logger.WithFields(log.Fields{
		"event_id":          event.ID,
		"event_type":        event.Type,
		"payment_intent_id": intent.ID,
	})

	payment, err := o.store.GetPaymentByIntentID(intent.ID)
	if err != nil {
		return o.reject(logger, result, newError(KindInternal, "failed loading payment", err))
	}
	if payment == nil {
		return o.reject(logger, result, errors.Wrap(ErrUnknownHandle, intent.ID))
	}

	out := outcome{Status: payment.Status, CallbackData: raw}
	switch event.Type {
	case card.EventIntentSucceeded:
		if err := checkIntentAmount(payment, intent); err != nil {
			result.PaymentID = payment.ID
			o.linkWebhook(logger, webhook.ID, payment.ID)
			return o.reject(logger.WithField("payment_id", payment.ID), result, err)
		}
		out.Status = models.PaymentCompleted
		if details := intent.Card(); details != nil {
			out.CardBrand = details.Brand
			out.CardLastFour = details.Last4
		}
	case card.EventIntentFailed:
		out.Status = models.PaymentFailed
	default:
		logger.Info("event does not change payment state")
	}

	return o.applyDelivery(ctx, logger, result, payment, out)
}

// checkIntentAmount compares the gateway's minor-unit amount and currency
// with the stored payment.
func checkIntentAmount(payment *models.Payment, intent *card.PaymentIntent) error {
	if intent.Currency != "" && !strings.EqualFold(intent.Currency, payment.Currency) {
		return errors.Wrapf(ErrAmountMismatch, "currency %s, expected %s", intent.Currency, payment.Currency)
	}
	if !card.SameAmount(payment.Amount, intent.Amount, payment.Currency) {
		return errors.Wrapf(ErrAmountMismatch, "amount %d, expected %s", intent.Amount, payment.Amount)
	}
	return nil
}

// recordWebhook stores the audit row for a delivery under id. A nil webhook
// means the row could not be written and result already carries the failure.
func (o *Orchestrator) recordWebhook(id uuid.UUID, kind models.PaymentWebhookType, raw []byte) (*models.PaymentWebhook, *IngestResult) {
	webhook := &models.PaymentWebhook{
		ID:          id,
		WebhookType: kind,
		RawData:     types.JSONText(auditPayload(raw)),
		CreatedAt:   o.now(),
	}
	result := &IngestResult{WebhookID: webhook.ID}

	if err := o.store.InsertPaymentWebhook(webhook); err != nil {
		result.Err = newError(KindInternal, "failed recording webhook", err)
		o.log.WithError(err).WithField("webhook_type", kind).Error("failed recording webhook")
		return nil, result
	}

	return webhook, result
}

// auditPayload keeps non-JSON bodies as a JSON string so they still fit the
// audit column.
func auditPayload(raw []byte) []byte {
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

func (o *Orchestrator) reject(logger *log.Entry, result *IngestResult, err error) *IngestResult {
	result.Accepted = false
	result.Err = err
	logger.WithError(err).WithField("kind", KindOf(err)).Warn("delivery not accepted")
	return result
}

func (o *Orchestrator) linkWebhook(logger *log.Entry, webhookID, paymentID uuid.UUID) {
	if err := o.store.LinkPaymentWebhook(webhookID, paymentID); err != nil {
		logger.WithError(err).Error("failed linking webhook to payment")
	}
}

func (o *Orchestrator) applyDelivery(ctx context.Context, logger *log.Entry, result *IngestResult, payment *models.Payment, out outcome) *IngestResult {
	logger = logger.WithField("payment_id", payment.ID)
	result.PaymentID = payment.ID

	applied, err := o.apply(ctx, logger, payment, out)
	if err != nil {
		o.linkWebhook(logger, result.WebhookID, payment.ID)
		return o.reject(logger, result, err)
	}

	if err := o.store.MarkPaymentWebhookProcessed(result.WebhookID, payment.ID); err != nil {
		logger.WithError(err).Error("failed marking webhook processed")
	}

	result.Accepted = true
	result.Status = applied.Status
	return result
}

// apply writes a provider outcome onto a payment. The outcome overwrites the
// stored one when the state machine allows the move; otherwise the payment
// keeps its status and only callback_data is refreshed. A concurrent status
// change is retried against the fresh row.
func (o *Orchestrator) apply(ctx context.Context, logger *log.Entry, payment *models.Payment, out outcome) (*models.Payment, error) {
	for attempt := 1; ; attempt++ {
		now := o.now()
		update := &db.PaymentUpdate{
			ID:             payment.ID,
			ExpectedStatus: payment.Status,
			Status:         out.Status,
			CallbackData:   types.JSONText(auditPayload(out.CallbackData)),
			UpdatedAt:      now,
		}

		if payment.Status.CanTransition(out.Status) {
			update.MpesaTransactionID = out.MpesaTransactionID
			update.CardBrand = out.CardBrand
			update.CardLastFour = out.CardLastFour
			if out.Status == models.PaymentCompleted {
				update.CompletedAt = &now
				update.OrderID = payment.OrderID
				update.OrderStatus = o.config.OrderPaidStatus
			}
		} else {
			logger.WithFields(log.Fields{
				"status":          payment.Status,
				"provider_status": out.Status,
			}).Warn("provider outcome conflicts with terminal status, keeping status")
			update.Status = payment.Status
		}

		orderPaid, err := o.store.UpdatePayment(update)
		if errors.Is(err, db.ErrStalePayment) && attempt < maxApplyAttempts {
			fresh, getErr := o.store.GetPaymentByID(payment.ID)
			if getErr != nil {
				return nil, newError(KindInternal, "failed reloading payment", getErr)
			}
			if fresh == nil {
				return nil, ErrPaymentNotFound
			}
			payment = fresh
			continue
		}
		if err != nil {
			return nil, newError(KindInternal, "failed updating payment", err)
		}

		firstCompletion := update.Status == models.PaymentCompleted && payment.Status != models.PaymentCompleted

		applied := *payment
		applied.Status = update.Status
		applied.CallbackData = update.CallbackData
		applied.UpdatedAt = now
		if update.CompletedAt != nil {
			applied.CompletedAt = update.CompletedAt
		}
		if update.MpesaTransactionID != "" {
			applied.MpesaTransactionID = update.MpesaTransactionID
		}
		if update.CardBrand != "" {
			applied.CardBrand = update.CardBrand
		}
		if update.CardLastFour != "" {
			applied.CardLastFour = update.CardLastFour
		}

		logger.WithFields(log.Fields{
			"from":       payment.Status,
			"to":         applied.Status,
			"order_paid": orderPaid,
		}).Info("payment updated")

		if firstCompletion {
			o.notify(ctx, logger, &applied)
		}

		return &applied, nil
	}
}

func (o *Orchestrator) notify(ctx context.Context, logger *log.Entry, payment *models.Payment) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.PaymentCompleted(ctx, payment); err != nil {
		logger.WithError(err).Error("failed notifying completed payment")
	}
}

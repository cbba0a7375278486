package payments

import (
	"context"
	"time"

	"bitbucket.org/storefront/backend/card"
	"bitbucket.org/storefront/backend/gateway"
	"bitbucket.org/storefront/backend/models"
	"bitbucket.org/storefront/backend/mpesa"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RefreshPayment asks the payment's provider for its current state and
// applies a final answer. userID restricts the lookup to the caller's own
// payments; uuid.Nil skips that check.
func (o *Orchestrator) RefreshPayment(ctx context.Context, reference string, userID uuid.UUID) *Result {
	payment, err := o.store.GetPaymentByReference(reference)
	if err != nil {
		return failure(newError(KindInternal, "failed loading payment", err))
	}
	if payment == nil || (userID != uuid.Nil && payment.UserID != userID) {
		return failure(ErrPaymentNotFound)
	}

	return o.refresh(ctx, payment)
}

func (o *Orchestrator) refresh(ctx context.Context, payment *models.Payment) *Result {
	logger := o.log.WithFields(log.Fields{
		"payment_id": payment.ID,
		"reference":  payment.ReferenceNumber,
		"method":     payment.PaymentMethod,
	})

	if payment.Status.IsTerminal() || payment.ProviderHandle() == "" {
		return paymentResult(payment)
	}

	var (
		out *outcome
		err error
	)
	switch payment.PaymentMethod {
	case models.PaymentMethodCard:
		out, err = o.queryIntent(ctx, payment)
	default:
		out, err = o.querySTKPush(ctx, payment)
	}
	if err != nil {
		logger.WithError(err).Warn("provider status query failed")
		result := failure(err)
		result.PaymentID = payment.ID.String()
		result.Reference = payment.ReferenceNumber
		result.Status = payment.Status
		return result
	}
	if out == nil {
		return paymentResult(payment)
	}

	applied, err := o.apply(ctx, logger, payment, *out)
	if err != nil {
		return failure(err)
	}

	return paymentResult(applied)
}

func (o *Orchestrator) queryIntent(ctx context.Context, payment *models.Payment) (*outcome, error) {
	intent, err := o.card.GetPaymentIntent(ctx, payment.StripePaymentIntentID)
	if err != nil {
		return nil, newError(KindGateway, gatewayMessage(err, "failed retrieving payment intent"), err)
	}

	switch intent.Status {
	case card.IntentSucceeded:
		if err := checkIntentAmount(payment, intent); err != nil {
			return nil, err
		}
		out := &outcome{Status: models.PaymentCompleted, CallbackData: intent.Raw}
		if details := intent.Card(); details != nil {
			out.CardBrand = details.Brand
			out.CardLastFour = details.Last4
		}
		return out, nil
	case card.IntentCanceled:
		return &outcome{Status: models.PaymentFailed, CallbackData: intent.Raw}, nil
	default:
		return nil, nil
	}
}

func (o *Orchestrator) querySTKPush(ctx context.Context, payment *models.Payment) (*outcome, error) {
	response, err := o.mobileMoney.QuerySTKPush(ctx, payment.MpesaCheckoutRequestID)
	if err != nil {
		var gatewayErr *gateway.Error
		if errors.As(err, &gatewayErr) && mpesa.IsStillProcessing(gatewayErr.Body) {
			return nil, nil
		}
		return nil, newError(KindGateway, gatewayMessage(err, "failed querying stk push"), err)
	}
	if !response.Finished() {
		return nil, nil
	}

	if response.Succeeded() {
		return &outcome{Status: models.PaymentCompleted, CallbackData: response.Raw}, nil
	}
	return &outcome{Status: models.PaymentFailed, CallbackData: response.Raw}, nil
}

type ReconcileSummary struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// ReconcileStale refreshes up to limit payments that have been waiting on
// their provider for longer than olderThan.
func (o *Orchestrator) ReconcileStale(ctx context.Context, olderThan time.Duration, limit int) (*ReconcileSummary, error) {
	stale, err := o.store.GetStalePayments(o.now().Add(-olderThan), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed loading stale payments")
	}

	summary := &ReconcileSummary{}
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		payment := &stale[i]
		summary.Checked++

		result := o.refresh(ctx, payment)
		switch {
		case !result.Success:
			summary.Failed++
		case result.Status != payment.Status:
			summary.Updated++
		}
	}

	o.log.WithFields(log.Fields{
		"checked": summary.Checked,
		"updated": summary.Updated,
		"failed":  summary.Failed,
	}).Info("stale payments reconciled")

	return summary, nil
}

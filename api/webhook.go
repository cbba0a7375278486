package api

import (
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"bitbucket.org/storefront/backend/card"
	"bitbucket.org/storefront/backend/config"
	"bitbucket.org/storefront/backend/journal"
	"bitbucket.org/storefront/backend/middlewares"
	"bitbucket.org/storefront/backend/payments"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const maxWebhookBody = 1 << 20

// MPesaAck is the acknowledgement the push provider expects for every
// callback, whatever the outcome of processing it.
type MPesaAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var mpesaAccepted = MPesaAck{ResultCode: 0, ResultDesc: "Accepted"}

type WebhookAck struct {
	Received bool `json:"received"`
}

func readWebhookBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return ioutil.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
}

// journalDelivery records the delivery before it is processed. A journal
// failure is logged and processing continues.
func journalDelivery(ctx *config.AppContext, w *middlewares.ResponseWriter, kind journal.Kind, body []byte) string {
	if ctx.Journal == nil {
		return ""
	}
	key, err := ctx.Journal.Append(kind, body)
	if err != nil {
		w.LogError(err, "failed journaling delivery")
		return ""
	}
	return key
}

// finishDelivery marks applied deliveries done. Others keep their journal
// entry, tied to the audit row already written, so a replay reuses it.
func finishDelivery(ctx *config.AppContext, w *middlewares.ResponseWriter, key string, result *payments.IngestResult) {
	fields := log.Fields{
		"webhook_id": result.WebhookID,
		"payment_id": result.PaymentID,
		"status":     result.Status,
	}

	if !result.Accepted {
		w.Logger().WithFields(fields).WithField("kind", payments.KindOf(result.Err)).WithError(result.Err).Error("delivery not applied")
		if key != "" {
			if err := ctx.Journal.AttachWebhook(key, result.WebhookID.String()); err != nil {
				w.LogError(err, "failed attaching webhook to journal entry")
			}
		}
		return
	}

	if key != "" {
		if err := ctx.Journal.MarkDone(key); err != nil {
			w.LogError(err, "failed marking journal entry done")
		}
	}
	w.Logger().WithFields(fields).Info("delivery applied")
}

// MPesaCallback always acknowledges with ResultCode 0. Callbacks that could
// not be applied stay in the journal and the webhook table for replay.
func MPesaCallback(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	body, err := readWebhookBody(r)
	if err != nil {
		w.LogError(err, "failed reading body")
		w.WriteJSON(http.StatusOK, mpesaAccepted, nil, "")
		return
	}

	key := journalDelivery(ctx, w, journal.KindMobileMoney, body)
	result := ctx.Orchestrator.IngestMobileMoneyCallback(r.Context(), body)
	finishDelivery(ctx, w, key, result)

	w.WriteJSON(http.StatusOK, mpesaAccepted, nil, "")
}

// CardWebhook rejects deliveries whose signature does not verify. Verified
// deliveries are acknowledged unless they could not be recorded at all, in
// which case the gateway is asked to retry.
func CardWebhook(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	body, err := readWebhookBody(r)
	if err != nil {
		w.WriteJSON(http.StatusBadRequest, nil, err, "failed reading body")
		return
	}

	conf := ctx.Config.Card
	if err := card.VerifySignature(body, r.Header.Get(card.SignatureHeader), conf.WebhookSecret, conf.Tolerance, time.Now()); err != nil {
		w.WriteJSON(http.StatusBadRequest, nil, err, "invalid signature")
		return
	}

	key := journalDelivery(ctx, w, journal.KindCard, body)
	result := ctx.Orchestrator.IngestCardWebhook(r.Context(), body)
	finishDelivery(ctx, w, key, result)

	if !result.Accepted && payments.KindOf(result.Err) == payments.KindInternal {
		w.WriteJSON(http.StatusInternalServerError, nil, result.Err, "failed processing webhook")
		return
	}

	w.WriteJSON(http.StatusOK, WebhookAck{Received: true}, nil, "")
}

type getWebhooksOpts struct {
	Processed bool `schema:"processed"`
	Limit     int  `schema:"limit"`
}

// GetPaymentWebhooks lists stored deliveries, unprocessed ones by default,
// for manual reconciliation.
func GetPaymentWebhooks(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	var opts getWebhooksOpts
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&opts, r.URL.Query()); err != nil {
		w.WriteJSON(http.StatusBadRequest, nil, err, middlewares.Responses.FailedValidations.In(r))
		return
	}

	webhooks, err := ctx.DB.GetPaymentWebhooks(opts.Processed, opts.Limit)
	if err != nil {
		w.WriteJSON(http.StatusInternalServerError, nil, err, "failed getting webhooks")
		return
	}

	w.WriteJSON(http.StatusOK, webhooks, nil, "")
}

type journalOpts struct {
	Limit int `schema:"limit"`
}

// ReplayWebhooks re-applies journaled deliveries that were never applied.
func ReplayWebhooks(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	if ctx.Journal == nil {
		w.WriteJSON(http.StatusServiceUnavailable, nil, errors.New("journal not configured"), "journal not configured")
		return
	}

	var opts journalOpts
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&opts, r.URL.Query()); err != nil {
		w.WriteJSON(http.StatusBadRequest, nil, err, middlewares.Responses.FailedValidations.In(r))
		return
	}

	summary, err := ctx.Orchestrator.Replay(r.Context(), ctx.Journal, opts.Limit)
	if err != nil {
		w.WriteJSON(http.StatusInternalServerError, nil, err, "failed replaying webhooks")
		return
	}

	w.WriteJSON(http.StatusOK, summary, nil, "")
}

// GetDeadLetters lists journaled deliveries that replay gave up on.
func GetDeadLetters(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	if ctx.Journal == nil {
		w.WriteJSON(http.StatusServiceUnavailable, nil, errors.New("journal not configured"), "journal not configured")
		return
	}

	var opts journalOpts
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&opts, r.URL.Query()); err != nil {
		w.WriteJSON(http.StatusBadRequest, nil, err, middlewares.Responses.FailedValidations.In(r))
		return
	}

	entries, err := ctx.Journal.DeadLetters(opts.Limit)
	if err != nil {
		w.WriteJSON(http.StatusInternalServerError, nil, err, "failed reading journal")
		return
	}

	w.WriteJSON(http.StatusOK, entries, nil, "")
}

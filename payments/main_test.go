package payments

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bitbucket.org/storefront/backend/card"
	"bitbucket.org/storefront/backend/db"
	"bitbucket.org/storefront/backend/models"
	"bitbucket.org/storefront/backend/mpesa"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeMPesa struct {
	pushes    []*mpesa.STKPushRequest
	response  *mpesa.STKPushResponse
	err       error
	query     *mpesa.STKQueryResponse
	queryErr  error
	queries   int
	nextCheck int
}

func (f *fakeMPesa) InitiateSTKPush(_ context.Context, request *mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	f.pushes = append(f.pushes, request)
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response, nil
	}
	f.nextCheck++
	return &mpesa.STKPushResponse{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", f.nextCheck),
		ResponseCode:      "0",
		Raw:               []byte(`{"ResponseCode":"0"}`),
	}, nil
}

func (f *fakeMPesa) QuerySTKPush(_ context.Context, _ string) (*mpesa.STKQueryResponse, error) {
	f.queries++
	return f.query, f.queryErr
}

type fakeCard struct {
	intents []*card.CreateIntentRequest
	err     error
	get     *card.PaymentIntent
	getErr  error
	gets    int
}

func (f *fakeCard) CreatePaymentIntent(_ context.Context, request *card.CreateIntentRequest) (*card.PaymentIntent, error) {
	f.intents = append(f.intents, request)
	if f.err != nil {
		return nil, f.err
	}
	return &card.PaymentIntent{
		ID:           fmt.Sprintf("pi_%d", len(f.intents)),
		ClientSecret: fmt.Sprintf("pi_%d_secret_abc", len(f.intents)),
		Status:       "requires_payment_method",
	}, nil
}

func (f *fakeCard) GetPaymentIntent(_ context.Context, _ string) (*card.PaymentIntent, error) {
	f.gets++
	return f.get, f.getErr
}

type sequenceReferences struct {
	refs []string
	n    int
}

func (s *sequenceReferences) Generate() (string, error) {
	ref := s.refs[s.n%len(s.refs)]
	s.n++
	return ref, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	payments []*models.Payment
}

func (r *recordingNotifier) PaymentCompleted(_ context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, payment)
	return nil
}

type harness struct {
	store    *db.DB
	mpesa    *fakeMPesa
	card     *fakeCard
	notifier *recordingNotifier
	clock    time.Time
	o        *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	conn, err := sqlx.Connect(db.DriverSQLite, filepath.Join(t.TempDir(), "payments.db")+"?_foreign_keys=on")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	store, err := db.New(conn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())

	logger := log.New()
	logger.SetOutput(ioutil.Discard)

	h := &harness{
		store:    store,
		mpesa:    &fakeMPesa{},
		card:     &fakeCard{},
		notifier: &recordingNotifier{},
		clock:    time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	h.o = New(Deps{
		Store:       store,
		MobileMoney: h.mpesa,
		Card:        h.card,
		Notifier:    h.notifier,
		Now:         func() time.Time { return h.clock },
		Logger:      log.NewEntry(logger),
	}, DefaultConfig())

	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) seedUser(t *testing.T) *models.User {
	t.Helper()
	user := &models.User{Email: fmt.Sprintf("buyer-%s@example.com", uuid.New()), FirstName: "Otieno"}
	require.NoError(t, h.store.InsertUser(user))
	return user
}

func (h *harness) seedOrder(t *testing.T, number, total, phoneNumber string) *models.Order {
	t.Helper()

	user := &models.User{Email: number + "@example.com", FirstName: "Achieng", PhoneNumber: phoneNumber}
	require.NoError(t, h.store.InsertUser(user))

	order := &models.Order{
		OrderNumber: number,
		UserID:      user.ID,
		TotalPrice:  decimal.RequireFromString(total),
	}
	require.NoError(t, h.store.InsertOrder(order))
	return order
}

func (h *harness) payment(t *testing.T, reference string) *models.Payment {
	t.Helper()
	payment, err := h.store.GetPaymentByReference(reference)
	require.NoError(t, err)
	require.NotNil(t, payment)
	return payment
}

func (h *harness) order(t *testing.T, number string) *models.Order {
	t.Helper()
	order, err := h.store.GetOrderByNumber(number)
	require.NoError(t, err)
	require.NotNil(t, order)
	return order
}

func mpesaCallback(checkoutID string, resultCode int, receipt string) []byte {
	if resultCode != 0 {
		return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"1","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":"Request cancelled by user"}}}`, checkoutID, resultCode))
	}
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"1","CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":500},{"Name":"MpesaReceiptNumber","Value":%q},{"Name":"PhoneNumber","Value":254712345678}]}}}}`, checkoutID, receipt))
}

func cardEvent(eventType, intentID string, amount int64, currency string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","type":%q,"data":{"object":{"id":%q,"object":"payment_intent","amount":%d,"currency":%q,"status":"succeeded","charges":{"data":[{"id":"ch_1","payment_method_details":{"card":{"brand":"visa","last4":"4242"}}}]}}}}`, eventType, intentID, amount, currency))
}

func (h *harness) webhook(t *testing.T, id uuid.UUID) *models.PaymentWebhook {
	t.Helper()
	for _, processed := range []bool{true, false} {
		webhooks, err := h.store.GetPaymentWebhooks(processed, 100)
		require.NoError(t, err)
		for i := range webhooks {
			if webhooks[i].ID == id {
				return &webhooks[i]
			}
		}
	}
	t.Fatalf("webhook %s not stored", id)
	return nil
}

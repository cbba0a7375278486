package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"bitbucket.org/storefront/backend/card"
	"bitbucket.org/storefront/backend/config"
	"bitbucket.org/storefront/backend/db"
	"bitbucket.org/storefront/backend/helpers"
	"bitbucket.org/storefront/backend/journal"
	"bitbucket.org/storefront/backend/models"
	"bitbucket.org/storefront/backend/mpesa"
	"bitbucket.org/storefront/backend/payments"
	"bitbucket.org/storefront/backend/server"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret     = "jwt-secret"
	testWebhookSecret = "whsec_test"
)

type stubMPesa struct {
	pushes int
}

func (s *stubMPesa) InitiateSTKPush(_ context.Context, _ *mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	s.pushes++
	return &mpesa.STKPushResponse{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", s.pushes),
		ResponseCode:      "0",
		Raw:               []byte(`{"ResponseCode":"0"}`),
	}, nil
}

func (s *stubMPesa) QuerySTKPush(_ context.Context, _ string) (*mpesa.STKQueryResponse, error) {
	return nil, fmt.Errorf("not queried in handler tests")
}

type stubCard struct {
	intents int
}

func (s *stubCard) CreatePaymentIntent(_ context.Context, _ *card.CreateIntentRequest) (*card.PaymentIntent, error) {
	s.intents++
	return &card.PaymentIntent{
		ID:           fmt.Sprintf("pi_%d", s.intents),
		ClientSecret: fmt.Sprintf("pi_%d_secret_abc", s.intents),
		Status:       "requires_payment_method",
	}, nil
}

func (s *stubCard) GetPaymentIntent(_ context.Context, _ string) (*card.PaymentIntent, error) {
	return nil, fmt.Errorf("not queried in handler tests")
}

type testApp struct {
	store   *db.DB
	ctx     *config.AppContext
	handler http.Handler
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	log.SetOutput(ioutil.Discard)

	dir := t.TempDir()
	conn, err := sqlx.Connect(db.DriverSQLite, filepath.Join(dir, "api.db")+"?_foreign_keys=on")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	store, err := db.New(conn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())

	j, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	logger := log.New()
	logger.SetOutput(ioutil.Discard)

	ctx := &config.AppContext{
		SQLConn: conn,
		DB:      store,
		Journal: j,
		Orchestrator: payments.New(payments.Deps{
			Store:       store,
			MobileMoney: &stubMPesa{},
			Card:        &stubCard{},
			Logger:      log.NewEntry(logger),
		}, payments.DefaultConfig()),
	}
	ctx.Config.JWTSecret = testJWTSecret
	ctx.Config.Card.WebhookSecret = testWebhookSecret
	ctx.Config.Card.Tolerance = 5 * time.Minute

	return &testApp{
		store:   store,
		ctx:     ctx,
		handler: server.NewHandler(ctx, GetRoutes()),
	}
}

func (a *testApp) seedUser(t *testing.T, admin bool) *models.User {
	t.Helper()
	user := &models.User{
		Email:       fmt.Sprintf("user-%s@example.com", uuid.New()),
		FirstName:   "Wanjiku",
		PhoneNumber: "0712345678",
		IsAdmin:     admin,
	}
	require.NoError(t, a.store.InsertUser(user))
	return user
}

func (a *testApp) seedOrder(t *testing.T, user *models.User, number, total string) *models.Order {
	t.Helper()
	order := &models.Order{
		OrderNumber: number,
		UserID:      user.ID,
		TotalPrice:  decimal.RequireFromString(total),
	}
	require.NoError(t, a.store.InsertOrder(order))
	return order
}

// do sends the request through the full middleware chain, authenticated as
// user when one is given.
func (a *testApp) do(t *testing.T, method, path string, body []byte, user *models.User, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	if user != nil {
		token, err := helpers.GenerateToken(user, testJWTSecret, time.Minute)
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

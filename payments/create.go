package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bitbucket.org/storefront/backend/card"
	"bitbucket.org/storefront/backend/db"
	"bitbucket.org/storefront/backend/gateway"
	"bitbucket.org/storefront/backend/models"
	"bitbucket.org/storefront/backend/mpesa"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	defaultDescription = "Payment"
	messagePushSent    = "Payment initiated. Please complete on your phone."
	messageInitFailed  = "Payment initiation failed"
)

type MobileMoneyRequest struct {
	UserID      uuid.UUID
	Order       *models.Order
	Amount      decimal.Decimal
	PhoneNumber string
	Description string
}

type CardRequest struct {
	UserID        uuid.UUID
	Order         *models.Order
	Amount        decimal.Decimal
	Currency      string
	CustomerEmail string
	Description   string
}

// CreatePaymentForOrder starts a payment for the order with the given
// number. A mobile money payment without a phone number falls back to the
// phone stored on the order's owner.
func (o *Orchestrator) CreatePaymentForOrder(ctx context.Context, orderNumber string, method string, phoneNumber string) *Result {
	order, err := o.store.GetOrderByNumber(strings.TrimSpace(orderNumber))
	if err != nil {
		return failure(newError(KindInternal, "failed loading order", err))
	}
	if order == nil {
		return failure(ErrOrderNotFound)
	}
	if order.IsPaid {
		return failure(ErrAlreadyPaid)
	}

	paymentMethod, ok := models.ParsePaymentMethod(method)
	if !ok {
		return failure(ErrUnsupportedMethod)
	}

	if result := o.checkInProgress(order); result != nil {
		return result
	}

	user, err := o.store.GetUserByID(order.UserID)
	if err != nil {
		return failure(newError(KindInternal, "failed loading order owner", err))
	}

	switch paymentMethod {
	case models.PaymentMethodMobileMoney:
		if strings.TrimSpace(phoneNumber) == "" && user != nil {
			phoneNumber = user.PhoneNumber
		}
		if strings.TrimSpace(phoneNumber) == "" {
			return failure(ErrPhoneRequired)
		}
		return o.CreateMobileMoneyPayment(ctx, &MobileMoneyRequest{
			UserID:      order.UserID,
			Order:       order,
			Amount:      order.TotalPrice,
			PhoneNumber: phoneNumber,
			Description: fmt.Sprintf("Payment for order %s", order.OrderNumber),
		})
	default:
		var email string
		if user != nil {
			email = user.Email
		}
		return o.CreateCardPayment(ctx, &CardRequest{
			UserID:        order.UserID,
			Order:         order,
			Amount:        order.TotalPrice,
			Currency:      o.config.CardCurrency,
			CustomerEmail: email,
			Description:   fmt.Sprintf("Payment for order %s", order.OrderNumber),
		})
	}
}

// checkInProgress refuses a new attempt while the order's latest push is
// still awaiting the customer.
func (o *Orchestrator) checkInProgress(order *models.Order) *Result {
	if o.config.InProgressWindow <= 0 {
		return nil
	}

	latest, err := o.store.GetLatestPaymentForOrder(order.ID)
	if err != nil {
		return failure(newError(KindInternal, "failed loading order payments", err))
	}
	if latest == nil {
		return nil
	}
	if latest.Status == models.PaymentCompleted {
		return failure(ErrAlreadyPaid)
	}
	if latest.Status == models.PaymentProcessing && o.now().Sub(latest.UpdatedAt) < o.config.InProgressWindow {
		result := failure(ErrPaymentInProgress)
		result.PaymentID = latest.ID.String()
		result.Reference = latest.ReferenceNumber
		return result
	}

	return nil
}

func (o *Orchestrator) CreateStandaloneMobileMoneyPayment(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, phoneNumber string, description string) *Result {
	if amount.LessThan(o.config.MinimumAmount) {
		return failure(errors.Wrapf(ErrInvalidAmount, "must be at least %s", o.config.MinimumAmount))
	}
	if strings.TrimSpace(description) == "" {
		description = defaultDescription
	}
	return o.CreateMobileMoneyPayment(ctx, &MobileMoneyRequest{
		UserID:      userID,
		Amount:      amount,
		PhoneNumber: phoneNumber,
		Description: description,
	})
}

func (o *Orchestrator) CreateStandaloneCardPayment(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string, customerEmail string) *Result {
	if amount.LessThan(o.config.MinimumAmount) {
		return failure(errors.Wrapf(ErrInvalidAmount, "must be at least %s", o.config.MinimumAmount))
	}
	return o.CreateCardPayment(ctx, &CardRequest{
		UserID:        userID,
		Amount:        amount,
		Currency:      currency,
		CustomerEmail: customerEmail,
		Description:   defaultDescription,
	})
}

// CreateMobileMoneyPayment records a pending payment and asks the provider to
// prompt the customer's phone. An accepted push moves the payment to
// processing; a rejection or gateway failure marks it failed.
func (o *Orchestrator) CreateMobileMoneyPayment(ctx context.Context, request *MobileMoneyRequest) *Result {
	if !request.Amount.IsPositive() {
		return failure(ErrInvalidAmount)
	}

	phoneNumber, err := o.phones.Normalize(request.PhoneNumber)
	if err != nil {
		return failure(errors.Wrap(ErrInvalidPhone, err.Error()))
	}

	description := request.Description
	if description == "" {
		description = defaultDescription
	}

	payment := &models.Payment{
		UserID:           request.UserID,
		OrderID:          orderID(request.Order),
		Amount:           request.Amount,
		Currency:         o.config.Currency,
		PaymentMethod:    models.PaymentMethodMobileMoney,
		Status:           models.PaymentPending,
		Description:      description,
		MpesaPhoneNumber: phoneNumber,
	}
	if err := o.insertPayment(payment); err != nil {
		return failure(err)
	}

	logger := o.log.WithFields(log.Fields{
		"payment_id": payment.ID,
		"reference":  payment.ReferenceNumber,
		"method":     payment.PaymentMethod,
	})

	response, err := o.mobileMoney.InitiateSTKPush(ctx, &mpesa.STKPushRequest{
		Amount:      payment.Amount,
		Reference:   payment.ReferenceNumber,
		PhoneNumber: phoneNumber,
		Description: description,
	})
	if err != nil {
		logger.WithError(err).Warn("stk push failed")
		return o.failInitiation(payment, gatewayPayload(err), newError(KindGateway, gatewayMessage(err, messageInitFailed), err))
	}

	if !response.Accepted() {
		message := response.ErrorMessage
		if message == "" {
			message = response.ResponseDescription
		}
		if message == "" {
			message = messageInitFailed
		}
		logger.WithField("response_code", response.ResponseCode).Warn("stk push rejected")
		return o.failInitiation(payment, response.Raw, newError(KindGateway, message, nil))
	}

	_, err = o.store.UpdatePayment(&db.PaymentUpdate{
		ID:                     payment.ID,
		ExpectedStatus:         models.PaymentPending,
		Status:                 models.PaymentProcessing,
		MpesaCheckoutRequestID: response.CheckoutRequestID,
		UpdatedAt:              o.now(),
	})
	if err != nil {
		logger.WithError(err).Error("failed storing checkout request id")
		return failure(newError(KindInternal, "failed storing payment", err))
	}
	payment.Status = models.PaymentProcessing
	payment.MpesaCheckoutRequestID = response.CheckoutRequestID

	logger.WithField("checkout_request_id", response.CheckoutRequestID).Info("stk push sent")

	result := paymentResult(payment)
	result.Message = messagePushSent
	return result
}

// CreateCardPayment records a pending payment and registers a payment intent
// for it. The payment stays pending until the gateway reports the outcome.
func (o *Orchestrator) CreateCardPayment(ctx context.Context, request *CardRequest) *Result {
	if !request.Amount.IsPositive() {
		return failure(ErrInvalidAmount)
	}

	currency := strings.ToUpper(strings.TrimSpace(request.Currency))
	if currency == "" {
		currency = o.config.CardCurrency
	}
	if !o.isCardCurrency(currency) {
		return failure(errors.Wrap(ErrUnsupportedCurrency, currency))
	}
	if _, err := card.ToMinorUnits(request.Amount, currency); err != nil {
		return failure(errors.Wrap(ErrInvalidAmount, err.Error()))
	}

	description := request.Description
	if description == "" {
		description = defaultDescription
	}

	payment := &models.Payment{
		UserID:        request.UserID,
		OrderID:       orderID(request.Order),
		Amount:        request.Amount,
		Currency:      currency,
		PaymentMethod: models.PaymentMethodCard,
		Status:        models.PaymentPending,
		Description:   description,
	}
	if err := o.insertPayment(payment); err != nil {
		return failure(err)
	}

	logger := o.log.WithFields(log.Fields{
		"payment_id": payment.ID,
		"reference":  payment.ReferenceNumber,
		"method":     payment.PaymentMethod,
	})

	intent, err := o.card.CreatePaymentIntent(ctx, &card.CreateIntentRequest{
		Amount:        payment.Amount,
		Currency:      currency,
		Reference:     payment.ReferenceNumber,
		CustomerEmail: request.CustomerEmail,
	})
	if err != nil {
		logger.WithError(err).Warn("payment intent failed")
		return o.failInitiation(payment, gatewayPayload(err), newError(KindGateway, gatewayMessage(err, messageInitFailed), err))
	}

	_, err = o.store.UpdatePayment(&db.PaymentUpdate{
		ID:                    payment.ID,
		ExpectedStatus:        models.PaymentPending,
		Status:                models.PaymentPending,
		StripePaymentIntentID: intent.ID,
		UpdatedAt:             o.now(),
	})
	if err != nil {
		logger.WithError(err).Error("failed storing payment intent id")
		return failure(newError(KindInternal, "failed storing payment", err))
	}
	payment.StripePaymentIntentID = intent.ID

	logger.WithField("payment_intent_id", intent.ID).Info("payment intent created")

	result := paymentResult(payment)
	result.ClientSecret = intent.ClientSecret
	return result
}

// insertPayment assigns a fresh reference and stores the payment, retrying
// once with a new reference on a collision.
func (o *Orchestrator) insertPayment(payment *models.Payment) error {
	now := o.now()
	payment.ID = uuid.New()
	payment.CreatedAt = now
	payment.UpdatedAt = now

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		payment.ReferenceNumber, err = o.references.Generate()
		if err != nil {
			return newError(KindInternal, "failed generating reference", err)
		}

		err = o.store.InsertPayment(payment)
		if err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrDuplicateReference) {
			break
		}
		o.log.WithField("reference", payment.ReferenceNumber).Warn("reference collision, regenerating")
	}

	return newError(KindInternal, "failed creating payment", err)
}

// failInitiation marks a payment failed after its provider call did not go
// through, keeping what the provider said in callback_data.
func (o *Orchestrator) failInitiation(payment *models.Payment, payload []byte, cause *Error) *Result {
	_, err := o.store.UpdatePayment(&db.PaymentUpdate{
		ID:             payment.ID,
		ExpectedStatus: models.PaymentPending,
		Status:         models.PaymentFailed,
		CallbackData:   types.JSONText(payload),
		UpdatedAt:      o.now(),
	})
	if err != nil {
		o.log.WithError(err).WithField("payment_id", payment.ID).Error("failed marking payment failed")
	}

	result := failure(cause)
	result.PaymentID = payment.ID.String()
	result.Reference = payment.ReferenceNumber
	result.Status = models.PaymentFailed
	return result
}

// gatewayPayload returns the provider's raw body as JSON, wrapping non-JSON
// bodies and transport errors so callback_data always holds valid JSON.
func gatewayPayload(err error) []byte {
	var gatewayErr *gateway.Error
	if errors.As(err, &gatewayErr) && len(gatewayErr.Body) > 0 && json.Valid(gatewayErr.Body) {
		return gatewayErr.Body
	}

	payload := map[string]interface{}{"error": err.Error()}
	if gatewayErr != nil && len(gatewayErr.Body) > 0 {
		payload["body"] = string(gatewayErr.Body)
	}
	raw, _ := json.Marshal(payload)
	return raw
}

func gatewayMessage(err error, fallback string) string {
	var gatewayErr *gateway.Error
	if errors.As(err, &gatewayErr) && gatewayErr.Message != "" {
		return gatewayErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return fallback
}

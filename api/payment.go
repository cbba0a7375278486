package api

import (
	"net/http"
	"strings"

	"bitbucket.org/storefront/backend/config"
	"bitbucket.org/storefront/backend/middlewares"
	"bitbucket.org/storefront/backend/models"
	"bitbucket.org/storefront/backend/payments"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/thedevsaddam/govalidator"
)

var kindStatus = map[payments.Kind]int{
	payments.KindValidation:        http.StatusBadRequest,
	payments.KindNotFound:          http.StatusNotFound,
	payments.KindConflict:          http.StatusConflict,
	payments.KindGateway:           http.StatusBadGateway,
	payments.KindCallbackIntegrity: http.StatusUnprocessableEntity,
	payments.KindInternal:          http.StatusInternalServerError,
}

var localized = []struct {
	err error
	rm  *middlewares.NewRM
}{
	{payments.ErrOrderNotFound, middlewares.Responses.OrderNotFound},
	{payments.ErrPaymentNotFound, middlewares.Responses.PaymentNotFound},
	{payments.ErrAlreadyPaid, middlewares.Responses.AlreadyPaid},
	{payments.ErrPaymentInProgress, middlewares.Responses.PaymentInProgress},
	{payments.ErrUnsupportedMethod, middlewares.Responses.UnsupportedMethod},
	{payments.ErrPhoneRequired, middlewares.Responses.PhoneRequired},
	{payments.ErrInvalidPhone, middlewares.Responses.InvalidPhone},
}

// writeResult answers with the orchestrator result, translating known
// failures into the caller's language.
func writeResult(w *middlewares.ResponseWriter, r *http.Request, result *payments.Result) {
	if result.Success {
		if result.Message != "" && result.CheckoutRequestID != "" {
			result.Message = middlewares.Responses.PaymentInitiated.In(r)
		}
		w.WriteJSON(http.StatusOK, result, nil, "")
		return
	}

	for _, l := range localized {
		if errors.Is(result.Err, l.err) {
			result.Message = l.rm.In(r)
			break
		}
	}
	if result.Kind() == payments.KindInternal {
		result.Message = middlewares.Responses.InternalServerError.In(r)
	}

	w.WriteJSON(kindStatus[result.Kind()], result, result.Err, result.Message)
}

func callerID(w *middlewares.ResponseWriter, r *http.Request) (models.InfoUser, uuid.UUID, bool) {
	info, ok := middlewares.UserInfo(r)
	if !ok {
		w.WriteJSON(http.StatusUnauthorized, nil, nil, middlewares.Responses.Unauthorized.In(r))
		return info, uuid.Nil, false
	}
	id, ok := info.UUID()
	if !ok {
		w.WriteJSON(http.StatusUnauthorized, nil, nil, middlewares.Responses.Unauthorized.In(r))
		return info, uuid.Nil, false
	}
	return info, id, true
}

func InsertOrderPayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	info, userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var opts models.InsertOrderPaymentOpts
	validatorOpts := govalidator.Options{
		Request: r,
		Rules:   models.InsertOrderPaymentRules,
		Data:    &opts,
	}
	v := govalidator.New(validatorOpts)
	errs := v.ValidateJSON()
	if len(errs) > 0 {
		w.WriteJSON(http.StatusBadRequest, errs, nil, middlewares.Responses.FailedValidations.In(r))
		return
	}

	orderNumber := mux.Vars(r)["order_number"]
	order, err := ctx.DB.GetOrderByNumber(orderNumber)
	if err != nil {
		w.WriteJSON(http.StatusInternalServerError, nil, err, "failed getting order")
		return
	}

	if order == nil || (order.UserID != userID && !info.IsAdmin) {
		w.WriteJSON(http.StatusNotFound, nil, nil, middlewares.Responses.OrderNotFound.In(r))
		return
	}

	result := ctx.Orchestrator.CreatePaymentForOrder(r.Context(), order.OrderNumber, opts.PaymentMethod, opts.PhoneNumber)
	writeResult(w, r, result)
}

func InsertMobileMoneyPayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	_, userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var opts models.InsertMobileMoneyPaymentOpts
	validatorOpts := govalidator.Options{
		Request: r,
		Rules:   models.InsertMobileMoneyPaymentRules,
		Data:    &opts,
	}
	v := govalidator.New(validatorOpts)
	errs := v.ValidateJSON()
	if len(errs) > 0 {
		w.WriteJSON(http.StatusBadRequest, errs, nil, middlewares.Responses.FailedValidations.In(r))
		return
	}

	amount, err := decimal.NewFromString(opts.Amount.String())
	if err != nil {
		w.WriteJSON(http.StatusBadRequest, nil, err, middlewares.Responses.FailedValidations.In(r))
		return
	}

	result := ctx.Orchestrator.CreateStandaloneMobileMoneyPayment(r.Context(), userID, amount, opts.PhoneNumber, opts.Description)
	writeResult(w, r, result)
}

func InsertCardPayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	info, userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var opts models.InsertCardPaymentOpts
	validatorOpts := govalidator.Options{
		Request: r,
		Rules:   models.InsertCardPaymentRules,
		Data:    &opts,
	}
	v := govalidator.New(validatorOpts)
	errs := v.ValidateJSON()
	if len(errs) > 0 {
		w.WriteJSON(http.StatusBadRequest, errs, nil, middlewares.Responses.FailedValidations.In(r))
		return
	}

	amount, err := decimal.NewFromString(opts.Amount.String())
	if err != nil {
		w.WriteJSON(http.StatusBadRequest, nil, err, middlewares.Responses.FailedValidations.In(r))
		return
	}

	email := opts.CustomerEmail
	if email == "" {
		email = info.Email
	}

	result := ctx.Orchestrator.CreateStandaloneCardPayment(r.Context(), userID, amount, opts.Currency, email)
	writeResult(w, r, result)
}

func GetPayments(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	info, userID, ok := callerID(w, r)
	if !ok {
		return
	}

	validatorOpts := govalidator.Options{
		Request: r,
		Rules:   models.GetPaymentsRules,
	}
	v := govalidator.New(validatorOpts)
	errs := v.Validate()
	if len(errs) > 0 {
		w.WriteJSON(http.StatusBadRequest, errs, nil, middlewares.Responses.FailedValidations.In(r))
		return
	}

	var opts models.GetPaymentsOpts
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&opts, r.URL.Query()); err != nil {
		w.WriteJSON(http.StatusBadRequest, nil, err, middlewares.Responses.FailedValidations.In(r))
		return
	}

	if !info.IsAdmin {
		opts.UserID = userID
	}
	if opts.PaymentMethod != "" {
		method, _ := models.ParsePaymentMethod(opts.PaymentMethod)
		opts.PaymentMethod = string(method)
	}
	for i, status := range opts.Statuses {
		opts.Statuses[i] = strings.ToLower(status)
		if !models.PaymentStatus(opts.Statuses[i]).IsValid() {
			w.WriteJSON(http.StatusBadRequest, map[string][]string{"status": {"invalid payment status " + status}}, nil, middlewares.Responses.FailedValidations.In(r))
			return
		}
	}

	result, err := ctx.DB.GetPayments(&opts)
	if err != nil {
		w.WriteJSON(http.StatusInternalServerError, nil, err, "failed getting payments")
		return
	}

	w.WriteJSON(http.StatusOK, result, nil, "")
}

func GetPayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	info, userID, ok := callerID(w, r)
	if !ok {
		return
	}

	payment, err := ctx.DB.GetPaymentByReference(mux.Vars(r)["reference"])
	if err != nil {
		w.WriteJSON(http.StatusInternalServerError, nil, err, "failed getting payment")
		return
	}

	if payment == nil || (payment.UserID != userID && !info.IsAdmin) {
		w.WriteJSON(http.StatusNotFound, nil, nil, middlewares.Responses.PaymentNotFound.In(r))
		return
	}

	w.WriteJSON(http.StatusOK, payment, nil, "")
}

func RefreshPayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	info, userID, ok := callerID(w, r)
	if !ok {
		return
	}

	if info.IsAdmin {
		userID = uuid.Nil
	}

	result := ctx.Orchestrator.RefreshPayment(r.Context(), mux.Vars(r)["reference"], userID)
	writeResult(w, r, result)
}

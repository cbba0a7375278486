package api

import (
	"net/http"

	"bitbucket.org/storefront/backend/config"
	"bitbucket.org/storefront/backend/middlewares"
	"bitbucket.org/storefront/backend/server"
)

// HealthcheckHandler indicates the service's healthy
func HealthcheckHandler(_ *config.AppContext, w *middlewares.ResponseWriter, _ *http.Request) {
	w.String(http.StatusOK, "OK")
}

// GetRoutes ...
func GetRoutes() []*server.Route {
	return []*server.Route{
		{Path: "/healthcheck", Methods: []string{"GET", "HEAD"}, Handler: HealthcheckHandler, IsProtected: false},

		// Payment
		{Path: "/payment/order/{order_number}", Methods: []string{"POST"}, Handler: InsertOrderPayment, IsProtected: true},
		{Path: "/payment/mpesa", Methods: []string{"POST"}, Handler: InsertMobileMoneyPayment, IsProtected: true},
		{Path: "/payment/card", Methods: []string{"POST"}, Handler: InsertCardPayment, IsProtected: true},
		{Path: "/payment", Methods: []string{"GET", "HEAD"}, Handler: GetPayments, IsProtected: true},
		{Path: "/payment/{reference}", Methods: []string{"GET", "HEAD"}, Handler: GetPayment, IsProtected: true},
		{Path: "/payment/{reference}/refresh", Methods: []string{"POST"}, Handler: RefreshPayment, IsProtected: true},

		// Webhook
		{Path: "/webhook/mpesa", Methods: []string{"POST"}, Handler: MPesaCallback, IsProtected: false},
		{Path: "/webhook/card", Methods: []string{"POST"}, Handler: CardWebhook, IsProtected: false},
		{Path: "/webhook", Methods: []string{"GET"}, Handler: GetPaymentWebhooks, IsAdmin: true},
		{Path: "/webhook/replay", Methods: []string{"POST"}, Handler: ReplayWebhooks, IsAdmin: true},
		{Path: "/webhook/dead-letters", Methods: []string{"GET"}, Handler: GetDeadLetters, IsAdmin: true},
	}
}

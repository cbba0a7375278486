package models

// ReceiptHTML feeds the payment success email template.
type ReceiptHTML struct {
	Firstname     string
	Lastname      string
	Reference     string
	OrderNumber   string
	PaymentMethod string
	Amount        string
	Currency      string
	ReceiptURL    string
}

// ReceiptPDFHTML feeds the receipt PDF template. Image is a base64 PNG of the
// reference QR code.
type ReceiptPDFHTML struct {
	Firstname     string
	Lastname      string
	Reference     string
	OrderNumber   string
	PaymentMethod string
	Amount        string
	Currency      string
	Date          string
	Transaction   string
	Image         string
}

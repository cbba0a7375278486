package helpers

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"bitbucket.org/storefront/backend/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ReceiptStore is the lookup the notifier needs to address a receipt.
type ReceiptStore interface {
	GetUserByID(userID uuid.UUID) (*models.User, error)
	GetOrderByID(orderID uuid.UUID) (*models.Order, error)
}

// ReceiptNotifier emails a PDF receipt when a payment completes, keeping a
// copy in S3 when an uploader is configured. Delivery runs in the background.
type ReceiptNotifier struct {
	Store        ReceiptStore
	Mailer       Sender
	Uploader     Uploader
	Bucket       string
	PathReceipt  string
	EmailFrom    string
	NameFrom     string
	Subject      string
	MailTemplate string
	PDFTemplate  string
	FileName     string
	Logger       *log.Entry

	// RenderPDF defaults to GenerateReceiptPDF.
	RenderPDF func(templatePath string, data *models.ReceiptPDFHTML) (*bytes.Buffer, error)

	wg sync.WaitGroup
}

func (n *ReceiptNotifier) PaymentCompleted(_ context.Context, payment *models.Payment) error {
	if payment == nil {
		return errors.New("nil payment")
	}
	snapshot := *payment

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		logger := n.logger().WithFields(log.Fields{
			"payment_id": snapshot.ID,
			"reference":  snapshot.ReferenceNumber,
		})
		if err := n.Send(&snapshot); err != nil {
			logger.WithError(err).Error("failed sending receipt")
			return
		}
		logger.Info("receipt sent")
	}()

	return nil
}

// Wait blocks until every receipt in flight has been handled.
func (n *ReceiptNotifier) Wait() {
	n.wg.Wait()
}

// Send renders, stores and emails the receipt of a completed payment.
func (n *ReceiptNotifier) Send(payment *models.Payment) error {
	user, err := n.Store.GetUserByID(payment.UserID)
	if err != nil {
		return errors.Wrap(err, "failed getting user")
	}
	if user == nil || user.Email == "" {
		return errors.Errorf("no email for user %s", payment.UserID)
	}

	var orderNumber string
	if payment.OrderID.Valid {
		order, err := n.Store.GetOrderByID(payment.OrderID.UUID)
		if err != nil {
			return errors.Wrap(err, "failed getting order")
		}
		if order != nil {
			orderNumber = order.OrderNumber
		}
	}

	transaction := payment.MpesaTransactionID
	if transaction == "" && payment.CardLastFour != "" {
		transaction = fmt.Sprintf("%s **** %s", payment.CardBrand, payment.CardLastFour)
	}
	date := ""
	if payment.CompletedAt != nil {
		date = payment.CompletedAt.Format("02-01-2006 15:04")
	}

	render := n.RenderPDF
	if render == nil {
		render = GenerateReceiptPDF
	}
	pdf, err := render(n.PDFTemplate, &models.ReceiptPDFHTML{
		Firstname:     user.FirstName,
		Lastname:      user.LastName,
		Reference:     payment.ReferenceNumber,
		OrderNumber:   orderNumber,
		PaymentMethod: methodName(payment.PaymentMethod),
		Amount:        payment.Amount.StringFixed(2),
		Currency:      payment.Currency,
		Date:          date,
		Transaction:   transaction,
	})
	if err != nil {
		return errors.Wrap(err, "failed generating receipt")
	}

	var url string
	if n.Uploader != nil && n.Bucket != "" {
		url, err = AddFileToS3(n.Uploader, n.Bucket, pdf, fmt.Sprintf("%s/%s.pdf", n.PathReceipt, payment.ReferenceNumber))
		if err != nil {
			return err
		}
	}

	mail := &Mail{
		From:        n.EmailFrom,
		FromName:    n.NameFrom,
		To:          user.Email,
		ToName:      user.FullName(),
		Subject:     n.Subject,
		Template:    n.MailTemplate,
		Attachments: []Attachment{{Name: n.FileName, Content: pdf.Bytes()}},
	}

	return mail.Send(n.Mailer, models.ReceiptHTML{
		Firstname:     user.FirstName,
		Lastname:      user.LastName,
		Reference:     payment.ReferenceNumber,
		OrderNumber:   orderNumber,
		PaymentMethod: methodName(payment.PaymentMethod),
		Amount:        payment.Amount.StringFixed(2),
		Currency:      payment.Currency,
		ReceiptURL:    url,
	})
}

func (n *ReceiptNotifier) logger() *log.Entry {
	if n.Logger == nil {
		return log.NewEntry(log.StandardLogger())
	}
	return n.Logger
}

func methodName(method models.PaymentMethod) string {
	switch method {
	case models.PaymentMethodMobileMoney:
		return "M-Pesa"
	case models.PaymentMethodCard:
		return "Card"
	default:
		return string(method)
	}
}

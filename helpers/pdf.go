package helpers

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"strings"
	"text/template"
	"unicode"

	"bitbucket.org/storefront/backend/models"
	"github.com/SebastiaanKlippert/go-wkhtmltopdf"
	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const ReceiptTemplatePath = "./templates/pdf/receipt.html"

type RequestPdf struct {
	bodies []string
}

func (r *RequestPdf) ParseTemplate(templateFileName string, data interface{}) error {
	t, err := template.ParseFiles(templateFileName)
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	if err = t.Execute(buf, data); err != nil {
		return err
	}
	r.bodies = append(r.bodies, buf.String())
	return nil
}

// HTML returns the rendered pages joined by page breaks.
func (r *RequestPdf) HTML() string {
	return strings.Join(r.bodies, ConstHTMLNewPage)
}

const (
	ConstHTMLNewPage = `
	<div class="new-page"></div>
	`
)

func (r *RequestPdf) GeneratePDF() (*bytes.Buffer, error) {
	pdfg, err := wkhtmltopdf.NewPDFGenerator()
	if err != nil {
		return nil, errors.Wrap(err, "wkhtmltopdf not available")
	}

	pdfg.AddPage(wkhtmltopdf.NewPageReader(strings.NewReader(r.HTML())))

	err = pdfg.Create()
	if err != nil {
		return nil, err
	}

	return pdfg.Buffer(), nil
}

// ReceiptPage renders the receipt template with a QR code of the reference.
func ReceiptPage(templatePath string, data *models.ReceiptPDFHTML) (*RequestPdf, error) {
	r := RequestPdf{}

	img, err := qrcode.New(data.Reference, qrcode.Medium)
	if err != nil {
		return nil, err
	}

	encoded, err := EncodeImage(img.Image(256))
	if err != nil {
		return nil, err
	}

	page := *data
	page.Image = encoded
	page.Firstname = RemoveAccents(page.Firstname)
	page.Lastname = RemoveAccents(page.Lastname)

	if err := r.ParseTemplate(templatePath, page); err != nil {
		return nil, err
	}

	return &r, nil
}

func GenerateReceiptPDF(templatePath string, data *models.ReceiptPDFHTML) (*bytes.Buffer, error) {
	r, err := ReceiptPage(templatePath, data)
	if err != nil {
		return nil, err
	}

	return r.GeneratePDF()
}

func EncodeImage(m image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// RemoveAccents strips combining marks so names render with the PDF's fonts.
func RemoveAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

package helpers

import (
	"bytes"
	"html/template"
	"io"

	"github.com/pkg/errors"
	"gopkg.in/gomail.v2"
)

// Sender delivers composed messages; *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type Attachment struct {
	Name    string
	Content []byte
}

// Mail is a templated HTML message to a single recipient.
type Mail struct {
	From        string
	FromName    string
	To          string
	ToName      string
	Subject     string
	Template    string
	Attachments []Attachment
}

// Message renders the template with data and builds the message.
func (m *Mail) Message(data interface{}) (*gomail.Message, error) {
	if m.To == "" {
		return nil, errors.New("mail has no recipient")
	}

	t, err := template.ParseFiles(m.Template)
	if err != nil {
		return nil, errors.Wrap(err, "failed parsing mail template")
	}
	var body bytes.Buffer
	if err := t.Execute(&body, data); err != nil {
		return nil, errors.Wrap(err, "failed rendering mail template")
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", m.From, m.FromName)
	msg.SetAddressHeader("To", m.To, m.ToName)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/html", body.String())

	for _, a := range m.Attachments {
		content := a.Content
		msg.Attach(a.Name, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(content)
			return err
		}))
	}

	return msg, nil
}

// Send renders the message and hands it to sender.
func (m *Mail) Send(sender Sender, data interface{}) error {
	if sender == nil {
		return errors.New("no mail sender configured")
	}
	msg, err := m.Message(data)
	if err != nil {
		return err
	}
	return errors.Wrapf(sender.DialAndSend(msg), "failed sending mail to %s", m.To)
}

package card

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	SignatureHeader  = "Stripe-Signature"
	DefaultTolerance = 5 * time.Minute

	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrExpiredSignature = errors.New("webhook signature outside tolerance")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Intent decodes the event's data object as a payment intent.
func (e *Event) Intent() (*PaymentIntent, error) {
	if len(e.Data.Object) == 0 {
		return nil, errors.Wrap(ErrMalformedEvent, "event without data.object")
	}
	var intent PaymentIntent
	if err := json.Unmarshal(e.Data.Object, &intent); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if intent.ID == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "payment intent without id")
	}
	intent.Raw = e.Data.Object
	return &intent, nil
}

func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if event.Type == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "event without type")
	}
	return &event, nil
}

// VerifySignature checks a "t=<unix>,v1=<hex hmac>" header against the raw
// payload. Any v1 entry matching is enough; the timestamp must lie within
// tolerance of now.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return ErrMissingSignature
	}

	var (
		timestamp  string
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			sig, err := hex.DecodeString(kv[1])
			if err == nil {
				signatures = append(signatures, sig)
			}
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrMissingSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, "bad timestamp")
	}
	if tolerance > 0 {
		signedAt := time.Unix(unix, 0)
		if now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance {
			return ErrExpiredSignature
		}
	}

	expected := Sign(payload, secret, timestamp)
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign computes the v1 signature of payload at the given timestamp.
func Sign(payload []byte, secret, timestamp string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureHeaderValue builds a header value for payload signed at t.
func SignatureHeaderValue(payload []byte, secret string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(Sign(payload, secret, ts))
}

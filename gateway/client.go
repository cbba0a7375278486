// Package gateway holds the HTTP plumbing shared by the payment provider
// clients: a bounded-timeout client with certificate verification, and the
// Error type every provider failure is reported as.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultTimeout  = 30 * time.Second
	jsonContentType = `application/json`
	formContentType = `application/x-www-form-urlencoded`
	maxBodyBytes    = 1 << 20
)

// Error is returned for transport failures, non-2xx responses and bodies that
// cannot be decoded. Body keeps the provider's raw response for audit.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request gave up waiting for the provider.
func (e *Error) Timeout() bool {
	var netErr interface{ Timeout() bool }
	return errors.As(e.Err, &netErr) && netErr.Timeout() || errors.Is(e.Err, context.DeadlineExceeded)
}

// MessageFunc extracts the provider's human readable error from a response body.
type MessageFunc func(body []byte) string

type Client struct {
	Provider     string
	HTTP         *http.Client
	ErrorMessage MessageFunc
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	return &http.Client{Timeout: timeout, Transport: transport}
}

func NewClient(provider string, timeout time.Duration, message MessageFunc) *Client {
	return &Client{
		Provider:     provider,
		HTTP:         NewHTTPClient(timeout),
		ErrorMessage: message,
	}
}

type Header map[string]string

func (c *Client) PostJSON(ctx context.Context, endpoint string, headers Header, body interface{}, out interface{}) ([]byte, error) {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed marshaling request")
	}
	return c.do(ctx, http.MethodPost, endpoint, jsonContentType, headers, bytes.NewReader(requestBody), out)
}

func (c *Client) PostForm(ctx context.Context, endpoint string, headers Header, form url.Values, out interface{}) ([]byte, error) {
	return c.do(ctx, http.MethodPost, endpoint, formContentType, headers, strings.NewReader(form.Encode()), out)
}

func (c *Client) Get(ctx context.Context, endpoint string, headers Header, out interface{}) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpoint, "", headers, nil, out)
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, headers Header, body io.Reader, out interface{}) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &Error{Provider: c.Provider, Message: "failed building request", Err: err}
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	request.Header.Set("Accept", jsonContentType)
	for k, v := range headers {
		request.Header.Set(k, v)
	}

	response, err := c.HTTP.Do(request)
	if err != nil {
		return nil, &Error{Provider: c.Provider, Message: "request failed", Err: err}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Provider: c.Provider, StatusCode: response.StatusCode, Message: "failed reading response", Err: err}
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		gatewayErr := &Error{
			Provider:   c.Provider,
			StatusCode: response.StatusCode,
			Body:       responseBody,
			Err:        errors.Errorf("bad response %d", response.StatusCode),
		}
		if c.ErrorMessage != nil {
			gatewayErr.Message = c.ErrorMessage(responseBody)
		}
		return responseBody, gatewayErr
	}

	if out != nil {
		if err := json.Unmarshal(responseBody, out); err != nil {
			return responseBody, &Error{
				Provider:   c.Provider,
				StatusCode: response.StatusCode,
				Message:    "malformed response body",
				Body:       responseBody,
				Err:        err,
			}
		}
	}

	return responseBody, nil
}

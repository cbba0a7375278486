package middlewares

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type ResponseWriter struct {
	Writer http.ResponseWriter
	logger *log.Entry
}

func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{
		Writer: w,
		logger: Logger(r),
	}
}

// Logger is the logger of the request being answered.
func (r *ResponseWriter) Logger() *log.Entry {
	if r.logger == nil {
		r.logger = log.NewEntry(log.StandardLogger())
	}
	return r.logger
}

type generalResponse struct {
	Errors  []*errorResponse `json:"errors"`
	Success bool             `json:"success"`
	Data    interface{}      `json:"data"`
}

type errorResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Scope   string      `json:"scope"`
	Type    int         `json:"type"`
	Data    interface{} `json:"data"`
}

type ErrOption func(*errorResponse)

func WithErrorType(errType int) ErrOption {
	return func(err *errorResponse) {
		err.Type = errType
	}
}

func WithErrorScope(scope string) ErrOption {
	return func(err *errorResponse) {
		err.Scope = scope
	}
}

func (r *ResponseWriter) writeJSONResponse(code int, errors []*errorResponse, data interface{}) {
	response := &generalResponse{Errors: errors, Success: errors == nil, Data: data}
	r.writePlainJSONResponse(code, response)
}

func (r *ResponseWriter) writePlainJSONResponse(statusCode int, data interface{}) {
	b, err := json.Marshal(data)
	if err != nil {
		r.Logger().WithError(err).Error("could not encode response")
		r.Writer.WriteHeader(http.StatusInternalServerError)
		r.Writer.Write([]byte(fmt.Sprintf("unexpected error: %v", err)))
		return
	}

	r.Writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	r.Writer.WriteHeader(statusCode)

	if _, err := r.Writer.Write(b); err != nil {
		r.Logger().WithError(err).WithField("status_code", statusCode).Warn("could not write response")
	}
}

// WriteJSON answers with data as the body. Failures without data answer
// {"error": message}.
func (r *ResponseWriter) WriteJSON(statusCode int, data interface{}, err error, message string) {
	fields := log.Fields{"status_code": statusCode}
	if statusCode >= 200 && statusCode <= 299 {
		r.Logger().WithFields(fields).Info("success")
	}
	if statusCode >= 300 {
		if data == nil {
			data = map[string]interface{}{
				"error": message,
			}
		}
		if err == nil {
			err = errors.New(message)
		}
		fields["errors"] = data
		r.Logger().WithFields(fields).Error(err)
	}
	r.writePlainJSONResponse(statusCode, data)
}

func (r *ResponseWriter) LogError(err error, message string) {
	entry := r.Logger()
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

func (r *ResponseWriter) String(code int, msg string) {
	r.Writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	r.Writer.WriteHeader(code)
	if _, err := r.Writer.Write([]byte(msg)); err != nil {
		r.Logger().WithError(err).WithField("status_code", code).Warn("could not write response")
	}
}

func (r *ResponseWriter) Error(code int, msg string, opts ...ErrOption) {
	err := &errorResponse{Code: code, Message: msg}
	for _, With := range opts {
		With(err)
	}
	r.writeJSONResponse(code, []*errorResponse{err}, nil)
}

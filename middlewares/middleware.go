package middlewares

import (
	"context"
	"net/http"
	"strings"

	"bitbucket.org/storefront/backend/helpers"
	"bitbucket.org/storefront/backend/models"
	"github.com/dgrijalva/jwt-go"
	shortuuid "github.com/lithammer/shortuuid/v3"
	jwtmiddleware "github.com/mfuentesg/go-jwtmiddleware"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	userKey   contextKey = "user"
)

func jwtErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	rw := NewResponseWriter(w, r)
	if err.Error() == "Token is expired" {
		rw.Error(http.StatusUnauthorized, "unauthorized", WithErrorScope("token"), WithErrorType(1))
		return
	}
	if err != nil {
		rw.Error(http.StatusUnauthorized, "unauthorized", WithErrorScope("token"))
	}
}

func NewJWTMiddleware(secret []byte) *jwtmiddleware.Middleware {
	return jwtmiddleware.New(
		jwtmiddleware.WithErrorHandler(jwtErrorHandler),
		jwtmiddleware.WithSigningMethod(jwt.SigningMethodHS256),
		jwtmiddleware.WithSignKey(secret),
		jwtmiddleware.WithUserProperty("_jwt-token"),
	)
}

// LoggerRequest attaches a request scoped logger to the request context. A
// request id is generated when the caller did not send one.
func LoggerRequest(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = shortuuid.New()
	}

	requestLogger := log.WithFields(log.Fields{
		"request_id": requestID,
		"query":      r.URL.Query(),
		"host":       r.Host,
		"url":        r.URL.Path,
		"method":     r.Method,
	})
	requestLogger.Info("logger_request")

	rw.Header().Set("X-Request-ID", requestID)
	next(rw, r.WithContext(WithLogger(r.Context(), requestLogger)))
}

func WithLogger(ctx context.Context, logger *log.Entry) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request's logger, or the standard logger outside of a
// request.
func Logger(r *http.Request) *log.Entry {
	if r != nil {
		if logger, ok := r.Context().Value(loggerKey).(*log.Entry); ok {
			return logger
		}
	}
	return log.NewEntry(log.StandardLogger())
}

// UserMiddleware decodes the caller from the bearer token claims. The token
// signature is checked by the JWT middleware on protected routes.
func UserMiddleware() negroni.HandlerFunc {
	return negroni.HandlerFunc(func(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		authorization := r.Header.Get("Authorization")
		if len(authorization) == 0 {
			authorization = r.URL.Query().Get("token")
			if authorization != "" {
				authorization = "Bearer " + authorization
				r.Header.Set("Authorization", authorization)
			}
		}

		token := strings.Split(authorization, " ")
		if len(token) != 2 {
			next(rw, r)
			return
		}

		data, ok := helpers.ParserTokenUnverified(token[1])
		if !ok {
			next(rw, r)
			return
		}
		claims, ok := data["u"].(map[string]interface{})
		if !ok {
			next(rw, r)
			return
		}

		info := models.InfoUser{}
		mapstructure.Decode(map[string]interface{}{
			"ID":    claims["i"],
			"Roles": claims["r"],
			"Email": claims["email"],
		}, &info)
		info.IsAdmin = helpers.Contains(info.Roles, helpers.RoleAdmin)

		if _, valid := info.UUID(); !valid {
			NewResponseWriter(rw, r).Error(http.StatusUnauthorized, "unauthorized", WithErrorScope("token"))
			return
		}

		ctx := context.WithValue(r.Context(), userKey, info)
		ctx = WithLogger(ctx, Logger(r).WithField("user_id", info.ID))
		next(rw, r.WithContext(ctx))
	})
}

// UserInfo returns the caller decoded by UserMiddleware.
func UserInfo(r *http.Request) (models.InfoUser, bool) {
	info, ok := r.Context().Value(userKey).(models.InfoUser)
	return info, ok
}

// WithUser is used by handlers' tests to impersonate a caller.
func WithUser(r *http.Request, info models.InfoUser) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userKey, info))
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bitbucket.org/storefront/backend/config"
	"bitbucket.org/storefront/backend/db"
	"bitbucket.org/storefront/backend/helpers"
	"bitbucket.org/storefront/backend/journal"
	"bitbucket.org/storefront/backend/middlewares"
	"bitbucket.org/storefront/backend/payments"
	"bitbucket.org/storefront/backend/phone"
	"bitbucket.org/storefront/backend/reference"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	joonix "github.com/joonix/log"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
)

func recoveryHandler(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	defer func() {
		if err := recover(); err != nil {
			middlewares.Logger(r).WithField("panic", err).Error("recovered from panic")
			middlewares.NewResponseWriter(w, r).Error(http.StatusInternalServerError, "internal server error")
			return
		}
	}()
	next(w, r)
}

type AppHandlerFunc func(*config.AppContext, *middlewares.ResponseWriter, *http.Request)

type AppHandler struct {
	Context     *config.AppContext
	HandlerFunc AppHandlerFunc
}

func (a *AppHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.HandlerFunc(a.Context, middlewares.NewResponseWriter(w, r), r)
}

type Route struct {
	Path        string
	Handler     AppHandlerFunc
	Methods     []string
	IsProtected bool
	IsAdmin     bool
}

func adminOnly(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	info, ok := middlewares.UserInfo(r)
	if !ok || !info.IsAdmin {
		middlewares.NewResponseWriter(rw, r).Error(http.StatusForbidden, middlewares.Responses.Unauthorized.In(r))
		return
	}
	next(rw, r)
}

func NewRouter(ctx *config.AppContext, routes []*Route) *mux.Router {
	router := mux.NewRouter()
	for _, r := range routes {
		handler := &AppHandler{Context: ctx, HandlerFunc: r.Handler}
		if !r.IsProtected && !r.IsAdmin {
			router.Handle(r.Path, handler).Methods(r.Methods...)
			continue
		}

		chain := negroni.New(negroni.HandlerFunc(middlewares.NewJWTMiddleware([]byte(ctx.Config.JWTSecret)).HandlerNext))
		if r.IsAdmin {
			chain.UseFunc(adminOnly)
		}
		chain.UseHandler(handler)
		router.Handle(r.Path, chain).Methods(r.Methods...)
	}
	return router
}

func GetAppContext() *ContextWrapper {
	log.SetFormatter(joonix.NewFormatter())
	var conf config.Configuration
	if err := envdecode.Decode(&conf); err != nil {
		log.WithError(err).Fatal("could not load the app configuration")
	}
	context := &config.AppContext{
		Config: conf,
	}

	return &ContextWrapper{
		Context: context,
	}
}

type ContextWrapper struct {
	Context  *config.AppContext
	store    *db.DB
	receipts *helpers.ReceiptNotifier
}

func (wrapper *ContextWrapper) CreateSQLConnection() {
	conf := wrapper.Context.Config.SQL
	conn, err := config.CreateConnectionSQL(conf)
	if err != nil {
		log.WithError(err).Fatalf("%s: failed to open connection", conf.Driver)
	}
	conn.SetConnMaxLifetime(time.Minute * 5)
	wrapper.Context.SQLConn = conn

	wrapper.store, err = db.New(conn)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatalf("%s: failed to connect", conf.Driver)
	}
	wrapper.Context.DB = wrapper.store
}

// Migrate creates the schema on the configured database.
func (wrapper *ContextWrapper) Migrate() error {
	if wrapper.store == nil {
		return errors.New("no database connection")
	}
	return wrapper.store.Migrate()
}

func (wrapper *ContextWrapper) CreateSMTPConnection() {
	conn := config.CreateNewConnectionSMTP(wrapper.Context.Config.AwsSMTP)
	if conn == nil {
		log.Fatal(errors.Errorf("failed connecting SMTP"))
	}
	wrapper.Context.AwsSMTP = conn
}

func (wrapper *ContextWrapper) CreateNewSessionS3() {
	session, err := config.CreateNewSessionS3(wrapper.Context.Config.AwsS3)
	if err != nil {
		log.Fatal(errors.Errorf("failed to create new session s3 - %s", err.Error()))
	}
	if session == nil {
		log.Fatal(errors.Errorf("nil session s3"))
	}
	wrapper.Context.AwsS3 = session
}

func (wrapper *ContextWrapper) CreatePaymentGateways() {
	conf := wrapper.Context.Config
	wrapper.Context.MPesa = config.CreateMPesaIntegration(conf.MPesa, conf.Payments.GatewayTimeout)
	wrapper.Context.Card = config.CreateCardIntegration(conf.Card, conf.Payments.GatewayTimeout)
}

func (wrapper *ContextWrapper) OpenJournal() {
	path := wrapper.Context.Config.Journal.Path
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		log.WithError(err).Fatal("failed creating journal directory")
	}

	j, err := journal.Open(path)
	if err != nil {
		log.WithError(err).Fatal("failed opening webhook journal")
	}
	wrapper.Context.Journal = j
}

// CreateOrchestrator wires the payment orchestrator. Gateways and the
// database must be created first.
func (wrapper *ContextWrapper) CreateOrchestrator() {
	ctx := wrapper.Context
	conf := ctx.Config

	orchestratorConf, err := conf.Payments.OrchestratorConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid payments configuration")
	}
	orchestratorConf.MaxReplayAttempts = conf.Journal.MaxAttempts

	deps := payments.Deps{
		Store:       ctx.DB,
		MobileMoney: ctx.MPesa,
		Card:        ctx.Card,
		References:  reference.NewGenerator(conf.Payments.ReferencePrefix, conf.Payments.Location()),
		Phones:      phone.NewNormalizer(conf.Payments.CountryCode, conf.Payments.SubscriberLength),
		Logger:      log.WithField("app", conf.AppName),
	}

	if conf.Payments.ReceiptsEnabled {
		wrapper.receipts = &helpers.ReceiptNotifier{
			Store:        ctx.DB,
			Mailer:       ctx.AwsSMTP,
			Bucket:       conf.AwsS3.S3Bucket,
			PathReceipt:  conf.AwsS3.S3PathReceipt,
			EmailFrom:    conf.Mail.EmailFrom,
			NameFrom:     conf.Mail.NameFrom,
			Subject:      conf.Mail.PaymentSuccess.Subject,
			MailTemplate: fmt.Sprintf("%s%s/%s", conf.Mail.Folder, conf.Mail.Path, conf.Mail.PaymentSuccess.Template),
			PDFTemplate:  helpers.ReceiptTemplatePath,
			FileName:     conf.Mail.PaymentSuccess.FileName,
			Logger:       log.WithField("component", "receipts"),
		}
		if ctx.AwsS3 != nil {
			wrapper.receipts.Uploader = s3manager.NewUploader(ctx.AwsS3)
		}
		deps.Notifier = wrapper.receipts
	}

	ctx.Orchestrator = payments.New(deps, orchestratorConf)
}

// Close waits for receipts in flight and releases the connections.
func (wrapper *ContextWrapper) Close() {
	if wrapper.receipts != nil {
		wrapper.receipts.Wait()
	}
	if wrapper.Context.Journal != nil {
		if err := wrapper.Context.Journal.Close(); err != nil {
			log.WithError(err).Warn("failed closing journal")
		}
	}
	if wrapper.Context.SQLConn != nil {
		wrapper.Context.SQLConn.Close()
	}
}

const shutdownTimeout = 15 * time.Second

// UpServer serves until SIGINT or SIGTERM, then drains requests and closes
// the connections.
func UpServer(routes []*Route, wrapper *ContextWrapper) {
	server, err := createServer(wrapper.Context, routes)
	if err != nil {
		log.Fatal(err)
	}

	defer wrapper.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Environment " + wrapper.Context.Config.Environment)
	log.Info("Listening on " + server.Addr)

	if err := serve(ctx, server, shutdownTimeout); err != nil {
		log.Error(err)
	}
}

// serve runs server until ctx is done and then shuts it down, waiting up to
// timeout for requests in flight.
func serve(ctx context.Context, server *http.Server, timeout time.Duration) error {
	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}

// NewHandler builds the middleware chain around the routes.
func NewHandler(context *config.AppContext, routes []*Route) http.Handler {
	n := negroni.New()
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "PUT", "PATCH", "HEAD"},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Accept-Language", "Authorization", "Stripe-Signature"},
	})
	n.Use(c)
	n.Use(negroni.HandlerFunc(middlewares.LoggerRequest))
	n.UseFunc(recoveryHandler)
	n.Use(middlewares.UserMiddleware())
	n.UseHandler(NewRouter(context, routes))
	return n
}

func createServer(context *config.AppContext, routes []*Route) (*http.Server, error) {
	if context.Orchestrator == nil {
		return nil, errors.New("payment orchestrator not configured")
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", context.Config.Port),
		ReadTimeout:  time.Duration(context.Config.Timeout) * time.Second,
		WriteTimeout: time.Duration(context.Config.Timeout) * time.Second,
		Handler:      NewHandler(context, routes),
	}, nil
}

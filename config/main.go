package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"bitbucket.org/storefront/backend/card"
	"bitbucket.org/storefront/backend/db"
	"bitbucket.org/storefront/backend/journal"
	"bitbucket.org/storefront/backend/mpesa"
	"bitbucket.org/storefront/backend/payments"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/gomail.v2"
)

type Configuration struct {
	JWTSecret   string `env:"JWT_SECRET,required"`
	Port        int    `env:"PORT,default=3001"`
	Timeout     int    `env:"TIMEOUT,default=30"`
	Environment string `env:"ENVIRONMENT,default=development"`
	AppName     string `env:"APP_NAME,default=storefront"`
	SQL         database
	MPesa       mpesaConf
	Card        cardConf
	Payments    paymentsConf
	AwsSMTP     awsSMTP
	AwsS3       awsS3
	Mail        mail
	Journal     journalConf
}

type database struct {
	Driver         string `env:"DATA_BASE_DRIVER,default=mysql"`
	DSN            string `env:"DATA_BASE_DSN"`
	URL            string `env:"DATA_BASE_URL"`
	Name           string `env:"DATA_BASE_NAME"`
	User           string `env:"DATA_BASE_USER"`
	Port           int    `env:"DATA_BASE_PORT,default=3306"`
	Password       string `env:"DATA_BASE_PASSWORD"`
	OpenConnection int    `env:"DATA_BASE_MAX_OPEN_CONNECTION,default=5"`
}

type mpesaConf struct {
	BaseURL        string `env:"MPESA_BASE_URL,default=https://sandbox.safaricom.co.ke"`
	ConsumerKey    string `env:"MPESA_CONSUMER_KEY,required"`
	ConsumerSecret string `env:"MPESA_CONSUMER_SECRET,required"`
	ShortCode      string `env:"MPESA_SHORTCODE,required"`
	PassKey        string `env:"MPESA_PASSKEY,required"`
	CallbackURL    string `env:"MPESA_CALLBACK_URL,required"`
}

type cardConf struct {
	BaseURL       string        `env:"CARD_BASE_URL,default=https://api.stripe.com"`
	SecretKey     string        `env:"CARD_SECRET_KEY,required"`
	WebhookSecret string        `env:"CARD_WEBHOOK_SECRET,required"`
	Tolerance     time.Duration `env:"CARD_WEBHOOK_TOLERANCE,default=5m"`
}

type paymentsConf struct {
	CountryCode      string        `env:"PAYMENT_COUNTRY_CODE,default=254"`
	SubscriberLength int           `env:"PAYMENT_SUBSCRIBER_LENGTH,default=9"`
	Currency         string        `env:"PAYMENT_CURRENCY,default=KES"`
	CardCurrency     string        `env:"PAYMENT_CARD_CURRENCY,default=USD"`
	CardCurrencies   []string      `env:"PAYMENT_CARD_CURRENCIES,default=USD;KES;EUR;GBP"`
	ReferencePrefix  string        `env:"PAYMENT_REFERENCE_PREFIX,default=PAY"`
	TimeZone         string        `env:"PAYMENT_TIME_ZONE,default=Africa/Nairobi"`
	GatewayTimeout   time.Duration `env:"PAYMENT_GATEWAY_TIMEOUT,default=30s"`
	InProgressWindow time.Duration `env:"PAYMENT_IN_PROGRESS_WINDOW,default=2m"`
	OrderPaidStatus  string        `env:"PAYMENT_ORDER_PAID_STATUS,default=Processing"`
	MinimumAmount    string        `env:"PAYMENT_MINIMUM_AMOUNT,default=1"`
	StaleAfter       time.Duration `env:"PAYMENT_STALE_AFTER,default=5m"`
	ReceiptsEnabled  bool          `env:"PAYMENT_RECEIPTS_ENABLED,default=false"`
}

type awsSMTP struct {
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT,default=587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
}

type awsS3 struct {
	S3Region      string `env:"S3_REGION,default=eu-west-1"`
	S3Bucket      string `env:"S3_BUCKET"`
	S3PathReceipt string `env:"S3_PATH_RECEIPT,default=receipt"`
}

type mail struct {
	PaymentSuccess mailPaymentSuccess
	NameFrom       string `env:"MAIL_NAME_FROM,default=Storefront"`
	EmailFrom      string `env:"MAIL_EMAIL_FROM"`
	Folder         string `env:"MAIL_FOLDER,default=./templates"`
	Path           string `env:"MAIL_PATH,default=/mail"`
}

type mailPaymentSuccess struct {
	Subject  string `env:"MAIL_PAYMENT_SUCCESS_SUBJECT,default=Payment received"`
	Template string `env:"MAIL_PAYMENT_SUCCESS_TEMPLATE,default=payment_success.html"`
	FileName string `env:"MAIL_PAYMENT_SUCCESS_FILENAME,default=receipt.pdf"`
}

type journalConf struct {
	Path        string        `env:"JOURNAL_PATH,default=./data/journal.db"`
	Retention   time.Duration `env:"JOURNAL_RETENTION,default=168h"`
	MaxAttempts int           `env:"JOURNAL_MAX_ATTEMPTS,default=5"`
}

type AppContext struct {
	Config       Configuration
	SQLConn      *sqlx.DB
	DB           db.Storage
	AwsSMTP      *gomail.Dialer
	AwsS3        *session.Session
	MPesa        *mpesa.MPesa
	Card         *card.Card
	Journal      *journal.Journal
	Orchestrator *payments.Orchestrator
}

// DataSourceName builds the driver DSN from the discrete settings unless an
// explicit DSN is configured.
func DataSourceName(conf database) (string, error) {
	if conf.DSN != "" {
		return conf.DSN, nil
	}

	switch conf.Driver {
	case db.DriverMySQL:
		// clientFoundRows makes RowsAffected count matched rows, which the
		// optimistic payment update relies on.
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&clientFoundRows=true", conf.User, conf.Password, conf.URL, conf.Port, conf.Name), nil
	case db.DriverPostgres:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable", conf.URL, conf.Port, conf.User, conf.Password, conf.Name), nil
	case db.DriverSQLite:
		return fmt.Sprintf("%s?_foreign_keys=on", conf.Name), nil
	default:
		return "", errors.Errorf("unsupported database driver %q", conf.Driver)
	}
}

func CreateConnectionSQL(conf database) (*sqlx.DB, error) {
	dsn, err := DataSourceName(conf)
	if err != nil {
		return nil, err
	}

	connection, err := sqlx.Connect(conf.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if conf.Driver == db.DriverSQLite {
		connection.SetMaxOpenConns(1)
	} else {
		connection.SetMaxOpenConns(conf.OpenConnection)
	}

	return connection, nil
}

func CreateNewConnectionSMTP(conf awsSMTP) *gomail.Dialer {
	conn := gomail.NewDialer(conf.SMTPHost, conf.SMTPPort, conf.SMTPUser, conf.SMTPPassword)
	return conn
}

func CreateNewSessionS3(conf awsS3) (*session.Session, error) {
	s, err := session.NewSession(&aws.Config{Region: aws.String(conf.S3Region)})
	return s, err
}

func CreateMPesaIntegration(conf mpesaConf, timeout time.Duration) *mpesa.MPesa {
	return mpesa.New(mpesa.Config{
		BaseURL:        conf.BaseURL,
		ConsumerKey:    conf.ConsumerKey,
		ConsumerSecret: conf.ConsumerSecret,
		ShortCode:      conf.ShortCode,
		PassKey:        conf.PassKey,
		CallbackURL:    conf.CallbackURL,
		Timeout:        timeout,
	})
}

func CreateCardIntegration(conf cardConf, timeout time.Duration) *card.Card {
	return card.New(card.Config{
		BaseURL:   conf.BaseURL,
		SecretKey: conf.SecretKey,
		Timeout:   timeout,
	})
}

// Location resolves the business time zone, falling back to East Africa Time.
func (conf paymentsConf) Location() *time.Location {
	loc, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return mpesa.EAT
	}
	return loc
}

// OrchestratorConfig translates the environment settings into the payment
// orchestrator's configuration.
func (conf paymentsConf) OrchestratorConfig() (payments.Config, error) {
	minimum, err := decimal.NewFromString(conf.MinimumAmount)
	if err != nil {
		return payments.Config{}, errors.Wrap(err, "invalid PAYMENT_MINIMUM_AMOUNT")
	}

	var currencies []string
	for _, c := range conf.CardCurrencies {
		if c = strings.TrimSpace(c); c != "" {
			currencies = append(currencies, strings.ToUpper(c))
		}
	}

	return payments.Config{
		Currency:         conf.Currency,
		CardCurrency:     conf.CardCurrency,
		CardCurrencies:   currencies,
		OrderPaidStatus:  conf.OrderPaidStatus,
		InProgressWindow: conf.InProgressWindow,
		MinimumAmount:    minimum,
	}, nil
}

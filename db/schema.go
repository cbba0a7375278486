package db

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var schemas = map[string][]string{
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS users (
			id CHAR(36) NOT NULL PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			first_name VARCHAR(150) NOT NULL DEFAULT '',
			last_name VARCHAR(150) NOT NULL DEFAULT '',
			phone_number VARCHAR(20) NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT false,
			created_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id CHAR(36) NOT NULL PRIMARY KEY,
			order_number VARCHAR(32) NOT NULL UNIQUE,
			user_id CHAR(36) NOT NULL,
			total_price DECIMAL(12,2) NOT NULL,
			payment_method VARCHAR(20) NOT NULL DEFAULT '',
			is_paid BOOLEAN NOT NULL DEFAULT false,
			paid_at DATETIME(6) NULL,
			status VARCHAR(20) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users (id)
		)`,
		`CREATE TABLE IF NOT EXISTS payment (
			id CHAR(36) NOT NULL PRIMARY KEY,
			user_id CHAR(36) NOT NULL,
			order_id CHAR(36) NULL,
			amount DECIMAL(12,2) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			payment_method VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			description VARCHAR(255) NOT NULL DEFAULT '',
			reference_number VARCHAR(50) NOT NULL UNIQUE,
			mpesa_phone_number VARCHAR(20) NOT NULL DEFAULT '',
			mpesa_checkout_request_id VARCHAR(100) NOT NULL DEFAULT '',
			mpesa_transaction_id VARCHAR(100) NOT NULL DEFAULT '',
			stripe_payment_intent_id VARCHAR(100) NOT NULL DEFAULT '',
			card_last_four VARCHAR(4) NOT NULL DEFAULT '',
			card_brand VARCHAR(20) NOT NULL DEFAULT '',
			callback_data JSON NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			INDEX payment_checkout_idx (mpesa_checkout_request_id),
			INDEX payment_intent_idx (stripe_payment_intent_id),
			INDEX payment_order_idx (order_id, created_at),
			FOREIGN KEY (user_id) REFERENCES users (id),
			FOREIGN KEY (order_id) REFERENCES orders (id)
		)`,
		`CREATE TABLE IF NOT EXISTS payment_webhook (
			id CHAR(36) NOT NULL PRIMARY KEY,
			webhook_type VARCHAR(20) NOT NULL,
			payment_id CHAR(36) NULL,
			raw_data JSON NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT false,
			created_at DATETIME(6) NOT NULL,
			FOREIGN KEY (payment_id) REFERENCES payment (id)
		)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(36) PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			first_name VARCHAR(150) NOT NULL DEFAULT '',
			last_name VARCHAR(150) NOT NULL DEFAULT '',
			phone_number VARCHAR(20) NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(36) PRIMARY KEY,
			order_number VARCHAR(32) NOT NULL UNIQUE,
			user_id VARCHAR(36) NOT NULL REFERENCES users (id),
			total_price NUMERIC(12,2) NOT NULL,
			payment_method VARCHAR(20) NOT NULL DEFAULT '',
			is_paid BOOLEAN NOT NULL DEFAULT false,
			paid_at TIMESTAMPTZ NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payment (
			id VARCHAR(36) PRIMARY KEY,
			user_id VARCHAR(36) NOT NULL REFERENCES users (id),
			order_id VARCHAR(36) NULL REFERENCES orders (id),
			amount NUMERIC(12,2) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			payment_method VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			description VARCHAR(255) NOT NULL DEFAULT '',
			reference_number VARCHAR(50) NOT NULL UNIQUE,
			mpesa_phone_number VARCHAR(20) NOT NULL DEFAULT '',
			mpesa_checkout_request_id VARCHAR(100) NOT NULL DEFAULT '',
			mpesa_transaction_id VARCHAR(100) NOT NULL DEFAULT '',
			stripe_payment_intent_id VARCHAR(100) NOT NULL DEFAULT '',
			card_last_four VARCHAR(4) NOT NULL DEFAULT '',
			card_brand VARCHAR(20) NOT NULL DEFAULT '',
			callback_data TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL
		)`,
		`CREATE INDEX IF NOT EXISTS payment_checkout_idx ON payment (mpesa_checkout_request_id)`,
		`CREATE INDEX IF NOT EXISTS payment_intent_idx ON payment (stripe_payment_intent_id)`,
		`CREATE INDEX IF NOT EXISTS payment_order_idx ON payment (order_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS payment_webhook (
			id VARCHAR(36) PRIMARY KEY,
			webhook_type VARCHAR(20) NOT NULL,
			payment_id VARCHAR(36) NULL REFERENCES payment (id),
			raw_data TEXT NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT false,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			order_number TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL REFERENCES users (id),
			total_price TEXT NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			is_paid BOOLEAN NOT NULL DEFAULT false,
			paid_at DATETIME NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payment (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users (id),
			order_id TEXT NULL REFERENCES orders (id),
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			payment_method TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			reference_number TEXT NOT NULL UNIQUE,
			mpesa_phone_number TEXT NOT NULL DEFAULT '',
			mpesa_checkout_request_id TEXT NOT NULL DEFAULT '',
			mpesa_transaction_id TEXT NOT NULL DEFAULT '',
			stripe_payment_intent_id TEXT NOT NULL DEFAULT '',
			card_last_four TEXT NOT NULL DEFAULT '',
			card_brand TEXT NOT NULL DEFAULT '',
			callback_data TEXT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME NULL
		)`,
		`CREATE INDEX IF NOT EXISTS payment_checkout_idx ON payment (mpesa_checkout_request_id)`,
		`CREATE INDEX IF NOT EXISTS payment_intent_idx ON payment (stripe_payment_intent_id)`,
		`CREATE INDEX IF NOT EXISTS payment_order_idx ON payment (order_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS payment_webhook (
			id TEXT PRIMARY KEY,
			webhook_type TEXT NOT NULL,
			payment_id TEXT NULL REFERENCES payment (id),
			raw_data TEXT NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT false,
			created_at DATETIME NOT NULL
		)`,
	},
}

// Migrate creates the tables the backend needs if they do not exist yet.
func (db *DB) Migrate() error {
	statements, ok := schemas[db.DriverName()]
	if !ok {
		return errors.Errorf("no schema for driver %q", db.DriverName())
	}

	return db.withTx(func(tx Tx) error {
		for i, statement := range statements {
			if _, err := tx.Exec(statement); err != nil {
				return errors.Wrapf(err, "failed applying schema statement %d", i)
			}
		}
		log.WithField("driver", db.DriverName()).Info("schema up to date")
		return nil
	})
}

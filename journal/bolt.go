// Package journal keeps a local write-ahead record of inbound provider
// deliveries so they can be re-applied if processing did not finish.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	shortuuid "github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
)

const bucketName = "deliveries"

var ErrNotFound = errors.New("journal entry not found")

type Kind string

const (
	KindMobileMoney Kind = "mpesa"
	KindCard        Kind = "card"
)

// Entry is one journaled delivery. WebhookID names the audit row recorded
// for it, once there is one. Dead-lettered entries are never replayed.
type Entry struct {
	Key        string          `json:"key"`
	Kind       Kind            `json:"kind"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"received_at"`
	WebhookID  string          `json:"webhook_id,omitempty"`
	Done       bool            `json:"done"`
	DeadLetter bool            `json:"dead_letter"`
	Reason     string          `json:"reason,omitempty"`
	Attempts   int             `json:"attempts"`
}

// Live reports whether the entry still waits for replay.
func (e *Entry) Live() bool {
	return !e.Done && !e.DeadLetter
}

type Journal struct {
	db  *bolt.DB
	now func() time.Time
}

func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening journal %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records a delivery and returns its key. Keys sort by arrival time.
// The body must be JSON.
func (j *Journal) Append(kind Kind, body []byte) (string, error) {
	if !json.Valid(body) {
		return "", errors.New("journal body is not json")
	}

	receivedAt := j.now().UTC()
	entry := Entry{
		Key:        fmt.Sprintf("%020d-%s", receivedAt.UnixNano(), shortuuid.New()),
		Kind:       kind,
		Body:       body,
		ReceivedAt: receivedAt,
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		return put(tx, &entry)
	})
	if err != nil {
		return "", err
	}

	return entry.Key, nil
}

// MarkDone flags an entry as applied. Marking twice is a no-op.
func (j *Journal) MarkDone(key string) error {
	return j.update(key, func(entry *Entry) {
		entry.Done = true
	})
}

// MarkAttempt counts a failed replay of the entry.
func (j *Journal) MarkAttempt(key string) error {
	return j.update(key, func(entry *Entry) {
		entry.Attempts++
	})
}

// MarkDeadLetter counts a final failed replay and takes the entry out of
// Pending for good.
func (j *Journal) MarkDeadLetter(key, reason string) error {
	return j.update(key, func(entry *Entry) {
		entry.Attempts++
		entry.DeadLetter = true
		entry.Reason = reason
	})
}

// AttachWebhook stores the id of the audit row recorded for the entry.
func (j *Journal) AttachWebhook(key, webhookID string) error {
	return j.update(key, func(entry *Entry) {
		entry.WebhookID = webhookID
	})
}

func (j *Journal) update(key string, fn func(*Entry)) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if raw == nil {
			return errors.Wrap(ErrNotFound, key)
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		fn(&entry)

		return put(tx, &entry)
	})
}

// Pending returns up to limit live entries in arrival order. Done and
// dead-lettered entries are skipped without counting toward limit.
func (j *Journal) Pending(limit int) ([]Entry, error) {
	return j.scan(limit, func(entry *Entry) bool { return entry.Live() })
}

func (j *Journal) scan(limit int, keep func(*Entry) bool) ([]Entry, error) {
	entries := []Entry{}

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}

			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return errors.Wrapf(err, "corrupt journal entry %s", k)
			}
			if keep(&entry) {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Prune removes done and dead-lettered entries received before cutoff and
// returns how many were removed. Dead letters keep their audit row in the
// webhook table.
func (j *Journal) Prune(cutoff time.Time) (int, error) {
	removed := 0

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !entry.Live() && entry.ReceivedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})

	return removed, err
}

// DeadLetters returns up to limit dead-lettered entries in arrival order.
func (j *Journal) DeadLetters(limit int) ([]Entry, error) {
	return j.scan(limit, func(entry *Entry) bool { return entry.DeadLetter })
}

func put(tx *bolt.Tx, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketName)).Put([]byte(entry.Key), raw)
}

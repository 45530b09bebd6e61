package webhooks

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDeliveries = []byte("deliveries")

// ErrDeliveryNotFound is returned when a journal record does not exist.
var ErrDeliveryNotFound = errors.New("webhook: delivery not found")

// Delivery states recorded in the journal.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// DeliveryRecord is the durable trace of one delivery to one endpoint. Pending
// records are replayed when the dispatcher restarts.
type DeliveryRecord struct {
	ID          string          `json:"id"`
	Endpoint    string          `json:"endpoint"`
	URL         string          `json:"url"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	Status      string          `json:"status"`
	LastError   string          `json:"lastError,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	DeliveredAt *time.Time      `json:"deliveredAt,omitempty"`
}

// Journal persists delivery state in a Bolt database so deliveries survive
// process restarts and operators can audit outcomes.
type Journal struct {
	db *bolt.DB
}

// OpenJournal initialises the Bolt-backed delivery journal.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeliveries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record writes or replaces a delivery record.
func (j *Journal) Record(rec DeliveryRecord) error {
	if j == nil || j.db == nil {
		return nil
	}
	if rec.Status == "" {
		rec.Status = DeliveryPending
	}
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeliveries).Put([]byte(rec.ID), data)
	})
}

func (j *Journal) mutate(id string, fn func(*DeliveryRecord)) error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return ErrDeliveryNotFound
		}
		var rec DeliveryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		fn(&rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), data)
	})
}

// MarkDelivered transitions a record to the delivered state.
func (j *Journal) MarkDelivered(id string, attempts int) error {
	now := time.Now().UTC()
	return j.mutate(id, func(rec *DeliveryRecord) {
		rec.Status = DeliveryDelivered
		rec.Attempts = attempts
		rec.LastError = ""
		rec.DeliveredAt = &now
	})
}

// MarkFailed transitions a record to the failed state after retries are
// exhausted.
func (j *Journal) MarkFailed(id string, attempts int, lastError string) error {
	return j.mutate(id, func(rec *DeliveryRecord) {
		rec.Status = DeliveryFailed
		rec.Attempts = attempts
		rec.LastError = lastError
	})
}

// Pending returns deliveries that have not reached a terminal state.
func (j *Journal) Pending() ([]DeliveryRecord, error) {
	return j.list(func(rec DeliveryRecord) bool {
		return rec.Status == DeliveryPending
	}, 0)
}

// List returns up to limit journal records; limit <= 0 returns everything.
func (j *Journal) List(limit int) ([]DeliveryRecord, error) {
	return j.list(func(DeliveryRecord) bool { return true }, limit)
}

func (j *Journal) list(keep func(DeliveryRecord) bool, limit int) ([]DeliveryRecord, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	var records []DeliveryRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeliveries).ForEach(func(_, raw []byte) error {
			var rec DeliveryRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if keep(rec) {
				records = append(records, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

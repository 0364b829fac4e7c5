package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/resibo/internal/invoice"
)

const bucketName = "pending_invoices"

// ErrNotFound is returned when a pending invoice does not exist
var ErrNotFound = errors.New("pending invoice not found")

// PendingStore defines the storage operations for pending invoices
type PendingStore interface {
	// ListPending returns the user's invoices awaiting confirmation, newest first
	ListPending(ctx context.Context, userID string) ([]invoice.RawRecord, error)

	// GetPending retrieves a pending invoice by ID
	GetPending(ctx context.Context, id string) (*invoice.RawRecord, error)

	// SavePending inserts or replaces a pending invoice
	SavePending(ctx context.Context, rec *invoice.RawRecord) error

	// Resolve clears the awaiting flag once the invoice was committed or discarded
	Resolve(ctx context.Context, id string) error

	// Close closes the underlying connection
	Close() error
}

// BoltStore implements PendingStore using BoltStore
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore instance
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SavePending saves a pending invoice to the database
func (b *BoltStore) SavePending(_ context.Context, rec *invoice.RawRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling pending invoice: %w", err)
		}
		return bucket.Put([]byte(rec.ID), data)
	})
}

// GetPending retrieves a pending invoice by ID
func (b *BoltStore) GetPending(_ context.Context, id string) (*invoice.RawRecord, error) {
	var rec *invoice.RawRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Resolve marks a pending invoice as no longer awaiting confirmation
func (b *BoltStore) Resolve(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var rec invoice.RawRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshaling pending invoice: %w", err)
		}
		rec.AwaitingConfirmation = false
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling pending invoice: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// ListPending returns the user's invoices awaiting confirmation, newest first
func (b *BoltStore) ListPending(_ context.Context, userID string) ([]invoice.RawRecord, error) {
	records := make([]invoice.RawRecord, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var rec invoice.RawRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling pending invoice: %w", err)
			}
			if rec.UserID == userID && rec.AwaitingConfirmation {
				records = append(records, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}

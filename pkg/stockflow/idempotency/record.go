package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the processing state of an idempotency record.
type Status string

// Record statuses.
const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Store errors.
var (
	ErrNotFound      = errors.New("idempotency record not found")
	ErrNotProcessing = errors.New("idempotency record is not processing")
	ErrStoreClosed   = errors.New("idempotency store is closed")
)

// Record is the persisted state of one idempotency key.
// ResponseData is set iff Status is StatusCompleted.
type Record struct {
	Key          string          `json:"key"`
	RequestHash  string          `json:"request_hash"`
	Status       Status          `json:"status"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// Expired reports whether the record is stale at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// reclaimable reports whether a new request with hash may take over r.
func (r *Record) reclaimable(hash string, now time.Time) bool {
	return r.Expired(now) || (r.Status == StatusFailed && r.RequestHash == hash)
}

func (r *Record) clone() *Record {
	c := *r
	if r.ResponseData != nil {
		c.ResponseData = append(json.RawMessage(nil), r.ResponseData...)
	}
	return &c
}

// Store persists idempotency records. Acquire must be atomic per key.
type Store interface {
	// Acquire stores candidate if the key is free, expired, or failed with
	// the same request hash, and reports acquired=true. Otherwise it returns
	// the live record untouched.
	Acquire(ctx context.Context, candidate Record, now time.Time) (existing *Record, acquired bool, err error)

	// Finish moves a processing record to status. The response is stored
	// only for StatusCompleted. Returns ErrNotProcessing if the record is
	// missing or not processing.
	Finish(ctx context.Context, key string, status Status, response []byte) error

	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// DeleteExpired removes records that expired at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Close releases resources.
	Close() error
}

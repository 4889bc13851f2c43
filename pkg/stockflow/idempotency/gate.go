// Package idempotency guarantees that a request submitted several times
// under one key is processed at most once, with later submissions receiving
// the stored response.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
)

// DefaultTTL is how long a record lives when the gate sets no TTL.
const DefaultTTL = 24 * time.Hour

// Outcome is the gate's decision for a request.
type Outcome int

const (
	// OutcomeAdmitted means the caller owns the key and must Complete or Fail it.
	OutcomeAdmitted Outcome = iota
	// OutcomeReplay means the request already completed; Response holds the stored bytes.
	OutcomeReplay
	// OutcomeConflict means the key was used with a different request body.
	OutcomeConflict
	// OutcomeBusy means the same request is still being processed.
	OutcomeBusy
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeReplay:
		return "replay"
	case OutcomeConflict:
		return "conflict"
	case OutcomeBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Decision is the result of Admit.
type Decision struct {
	Outcome  Outcome
	Response json.RawMessage
}

// Option configures a Gate.
type Option func(*Gate)

// WithTTL sets how long records stay valid.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		g.ttl = ttl
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// Gate admits, replays or rejects requests by idempotency key.
type Gate struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewGate creates a gate over store.
func NewGate(store Store, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	return g
}

// Hash returns the hex SHA-256 of body's canonical JSON form. Object keys are
// sorted, so bodies that differ only in key order or whitespace hash equally.
// A []byte or json.RawMessage body is treated as JSON text.
func Hash(body any) (string, error) {
	var raw []byte
	switch b := body.(type) {
	case json.RawMessage:
		raw = b
	case []byte:
		raw = b
	default:
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return "", fmt.Errorf("encode body: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Admit decides what to do with a request carrying key and body.
func (g *Gate) Admit(ctx context.Context, key string, body any) (Decision, error) {
	if key == "" {
		return Decision{}, sferrors.Validation(errors.New("idempotency key is required"), "admit")
	}
	hash, err := Hash(body)
	if err != nil {
		return Decision{}, sferrors.Validation(err, "admit "+key)
	}

	now := g.now().UTC()
	existing, acquired, err := g.store.Acquire(ctx, Record{
		Key:         key,
		RequestHash: hash,
		Status:      StatusProcessing,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}, now)
	if err != nil {
		return Decision{}, sferrors.Transient(err, "admit "+key)
	}
	if acquired {
		return Decision{Outcome: OutcomeAdmitted}, nil
	}

	var d Decision
	switch {
	case existing.RequestHash != hash:
		d = Decision{Outcome: OutcomeConflict}
	case existing.Status == StatusCompleted:
		d = Decision{Outcome: OutcomeReplay, Response: existing.ResponseData}
	default:
		d = Decision{Outcome: OutcomeBusy}
	}
	g.logger.Debug("idempotency key in use",
		slog.String("idempotency_key", key),
		slog.String("status", string(existing.Status)),
		slog.String("outcome", d.Outcome.String()))
	return d, nil
}

// Complete stores response for a processing key and marks it completed.
// Later identical requests replay exactly these bytes.
func (g *Gate) Complete(ctx context.Context, key string, response []byte) error {
	if !json.Valid(response) {
		return sferrors.Validation(errors.New("response is not valid JSON"), "complete "+key)
	}
	if err := g.store.Finish(ctx, key, StatusCompleted, response); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// Fail marks a processing key failed so the same request may be retried.
func (g *Gate) Fail(ctx context.Context, key string) error {
	if err := g.store.Finish(ctx, key, StatusFailed, nil); err != nil {
		return fmt.Errorf("fail %s: %w", key, err)
	}
	return nil
}

// Get returns the record for key.
func (g *Gate) Get(ctx context.Context, key string) (*Record, error) {
	return g.store.Get(ctx, key)
}

// Cleanup deletes expired records and returns how many were removed.
func (g *Gate) Cleanup(ctx context.Context) (int, error) {
	return g.store.DeleteExpired(ctx, g.now().UTC())
}

// StartJanitor runs Cleanup every interval until ctx is done or the
// returned stop function is called. stop waits for the janitor to exit.
func (g *Gate) StartJanitor(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := g.Cleanup(ctx)
				if err != nil {
					g.logger.Warn("idempotency cleanup failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					g.logger.Debug("idempotency records expired", slog.Int("count", n))
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

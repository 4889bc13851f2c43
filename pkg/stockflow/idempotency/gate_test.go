package idempotency_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/stockflow/pkg/stockflow/idempotency"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil
	}
	return client
}

// stores returns every store implementation available in this environment.
// Redis keys are namespaced per test so runs do not collide.
func stores(t *testing.T) map[string]idempotency.Store {
	sqlite, err := idempotency.NewSQLiteStore(filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	out := map[string]idempotency.Store{
		"memory": idempotency.NewMemoryStore(),
		"sqlite": sqlite,
	}
	if client := getRedisClient(t); client != nil {
		rs := idempotency.NewRedisStore(client)
		t.Cleanup(func() { rs.Close() })
		out["redis"] = rs
	}
	return out
}

func uniqueKey(t *testing.T, name string) string {
	return fmt.Sprintf("%s-%s-%d", t.Name(), name, time.Now().UnixNano())
}

func TestHash_Canonical(t *testing.T) {
	a, err := idempotency.Hash(json.RawMessage(`{"product_id":"p1","quantity":3}`))
	require.NoError(t, err)
	b, err := idempotency.Hash([]byte(`{ "quantity": 3, "product_id": "p1" }`))
	require.NoError(t, err)
	c, err := idempotency.Hash(map[string]any{"quantity": 3, "product_id": "p1"})
	require.NoError(t, err)
	d, err := idempotency.Hash(map[string]any{"quantity": 4, "product_id": "p1"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)

	_, err = idempotency.Hash([]byte(`{not json`))
	assert.Error(t, err)
}

func TestGate_ReplayIsByteIdentical(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gate := idempotency.NewGate(store)
			key := uniqueKey(t, "replay")
			body := map[string]any{"product_id": "p1", "quantity": 3}

			d, err := gate.Admit(ctx, key, body)
			require.NoError(t, err)
			require.Equal(t, idempotency.OutcomeAdmitted, d.Outcome)

			response := []byte(`{"sale_id":"s-1","status":"completed","lines":[{"lot_id":"L1","quantity":3}]}`)
			require.NoError(t, gate.Complete(ctx, key, response))

			for i := 0; i < 3; i++ {
				d, err = gate.Admit(ctx, key, body)
				require.NoError(t, err)
				assert.Equal(t, idempotency.OutcomeReplay, d.Outcome)
				assert.Equal(t, string(response), string(d.Response))
			}

			rec, err := gate.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, idempotency.StatusCompleted, rec.Status)
		})
	}
}

func TestGate_ConflictOnDifferentBody(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gate := idempotency.NewGate(store)
			key := uniqueKey(t, "conflict")

			_, err := gate.Admit(ctx, key, map[string]int{"quantity": 3})
			require.NoError(t, err)
			require.NoError(t, gate.Complete(ctx, key, []byte(`{"ok":true}`)))

			d, err := gate.Admit(ctx, key, map[string]int{"quantity": 4})
			require.NoError(t, err)
			assert.Equal(t, idempotency.OutcomeConflict, d.Outcome)
			assert.Nil(t, d.Response)
		})
	}
}

func TestGate_BusyWhileProcessing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gate := idempotency.NewGate(store)
			key := uniqueKey(t, "busy")

			d, err := gate.Admit(ctx, key, "same")
			require.NoError(t, err)
			require.Equal(t, idempotency.OutcomeAdmitted, d.Outcome)

			d, err = gate.Admit(ctx, key, "same")
			require.NoError(t, err)
			assert.Equal(t, idempotency.OutcomeBusy, d.Outcome)

			// A different body on a live record is still a conflict
			d, err = gate.Admit(ctx, key, "other")
			require.NoError(t, err)
			assert.Equal(t, idempotency.OutcomeConflict, d.Outcome)
		})
	}
}

func TestGate_FailedRequestCanBeRetried(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gate := idempotency.NewGate(store)
			key := uniqueKey(t, "failed")

			_, err := gate.Admit(ctx, key, "body")
			require.NoError(t, err)
			require.NoError(t, gate.Fail(ctx, key))

			d, err := gate.Admit(ctx, key, "different")
			require.NoError(t, err)
			assert.Equal(t, idempotency.OutcomeConflict, d.Outcome)

			d, err = gate.Admit(ctx, key, "body")
			require.NoError(t, err)
			assert.Equal(t, idempotency.OutcomeAdmitted, d.Outcome)
		})
	}
}

func TestGate_CompleteAndFailRequireProcessing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gate := idempotency.NewGate(store)
			key := uniqueKey(t, "finish")

			assert.ErrorIs(t, gate.Complete(ctx, key, []byte(`{}`)), idempotency.ErrNotProcessing)

			_, err := gate.Admit(ctx, key, "body")
			require.NoError(t, err)
			require.NoError(t, gate.Complete(ctx, key, []byte(`{"a":1}`)))

			assert.ErrorIs(t, gate.Complete(ctx, key, []byte(`{"a":2}`)), idempotency.ErrNotProcessing)
			assert.ErrorIs(t, gate.Fail(ctx, key), idempotency.ErrNotProcessing)

			d, err := gate.Admit(ctx, key, "body")
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":1}`, string(d.Response))
		})
	}
}

func TestGate_ExpiredRecordsAreReclaimed(t *testing.T) {
	// Redis expiry is wall-clock driven, so only stores that honor the
	// injected clock are exercised here.
	all := stores(t)
	for _, name := range []string{"memory", "sqlite"} {
		store := all[name]
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
			gate := idempotency.NewGate(store, idempotency.WithTTL(time.Hour), idempotency.WithClock(clock.Now))

			// A crashed request leaves a processing record behind
			_, err := gate.Admit(ctx, "crashed", "body")
			require.NoError(t, err)
			_, err = gate.Admit(ctx, "done", "body")
			require.NoError(t, err)
			require.NoError(t, gate.Complete(ctx, "done", []byte(`{"stale":true}`)))

			clock.Advance(time.Hour)

			d, err := gate.Admit(ctx, "crashed", "body")
			require.NoError(t, err)
			assert.Equal(t, idempotency.OutcomeAdmitted, d.Outcome)

			// Stale responses are never replayed, even for a different body
			d, err = gate.Admit(ctx, "done", "new body")
			require.NoError(t, err)
			assert.Equal(t, idempotency.OutcomeAdmitted, d.Outcome)
			assert.Nil(t, d.Response)
		})
	}
}

func TestGate_Cleanup(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := idempotency.NewMemoryStore()
	gate := idempotency.NewGate(store, idempotency.WithTTL(time.Minute), idempotency.WithClock(clock.Now))

	_, err := gate.Admit(ctx, "a", 1)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = gate.Admit(ctx, "b", 2)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)

	n, err := gate.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = gate.Get(ctx, "a")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
	_, err = gate.Get(ctx, "b")
	assert.NoError(t, err)
}

func TestGate_JanitorStops(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := idempotency.NewMemoryStore()
	gate := idempotency.NewGate(store, idempotency.WithTTL(time.Millisecond), idempotency.WithClock(clock.Now))

	_, err := gate.Admit(context.Background(), "k", 1)
	require.NoError(t, err)
	clock.Advance(time.Second)

	stop := gate.StartJanitor(context.Background(), 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := gate.Get(context.Background(), "k")
		return err != nil
	}, time.Second, 5*time.Millisecond)
	stop()
}

func TestGate_RejectsBadInput(t *testing.T) {
	gate := idempotency.NewGate(idempotency.NewMemoryStore())

	_, err := gate.Admit(context.Background(), "", "body")
	assert.Error(t, err)

	_, err = gate.Admit(context.Background(), "k", func() {})
	assert.Error(t, err)

	assert.Error(t, gate.Complete(context.Background(), "k", []byte("not json")))
}

func TestGate_ConcurrentAdmitSingleWinner(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			gate := idempotency.NewGate(store)
			key := uniqueKey(t, "race")

			var admitted, busy atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := gate.Admit(context.Background(), key, "body")
					if !assert.NoError(t, err) {
						return
					}
					switch d.Outcome {
					case idempotency.OutcomeAdmitted:
						admitted.Add(1)
					case idempotency.OutcomeBusy:
						busy.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), admitted.Load())
			assert.Equal(t, int32(19), busy.Load())
		})
	}
}

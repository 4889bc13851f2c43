package inventory_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
	"github.com/randalmurphal/stockflow/pkg/stockflow/inventory"
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func getMySQLStore(t *testing.T) *inventory.MySQLStore {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/stockflow"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := inventory.OpenMySQLStore(ctx, dsn)
	if err != nil {
		return nil
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stores returns every lot store available in this environment. Tests use
// fresh product IDs so MySQL rows from earlier runs do not interfere.
func stores(t *testing.T) map[string]inventory.Store {
	out := map[string]inventory.Store{"memory": inventory.NewMemoryStore()}
	if s := getMySQLStore(t); s != nil {
		out["mysql"] = s
	}
	return out
}

func product() string {
	return "sku-" + uuid.NewString()[:8]
}

func addLots(t *testing.T, a *inventory.Allocator, productID string, expiries []*time.Time, qty int64) []inventory.Lot {
	t.Helper()
	lots := make([]inventory.Lot, 0, len(expiries))
	for i, exp := range expiries {
		lot, err := a.AddLot(context.Background(), inventory.Lot{
			LotID:             productID + "-lot" + string(rune('1'+i)),
			ProductID:         productID,
			WarehouseID:       "wh-1",
			QuantityAvailable: qty,
			UnitCost:          100 * int64(i+1),
			ExpiryDate:        exp,
		})
		require.NoError(t, err)
		lots = append(lots, lot)
	}
	return lots
}

func available(t *testing.T, a *inventory.Allocator, productID string) map[string]int64 {
	t.Helper()
	lots, err := a.Lots(context.Background(), productID, "wh-1")
	require.NoError(t, err)
	out := make(map[string]int64, len(lots))
	for _, l := range lots {
		out[l.LotID] = l.QuantityAvailable
	}
	return out
}

func TestAllocate_FEFOOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a := inventory.NewAllocator(store, inventory.DefaultConfig, inventory.WithClock(newClock().Now))
			p := product()
			lots := addLots(t, a, p, []*time.Time{nil, date(2024, 3, 1), date(2024, 1, 1)}, 5)

			alloc, err := a.Allocate(context.Background(), inventory.Request{
				ProductID: p, WarehouseID: "wh-1", Quantity: 7, Reference: "sale-1",
			})
			require.NoError(t, err)

			require.Len(t, alloc.Lines, 2)
			assert.Equal(t, lots[2].LotID, alloc.Lines[0].LotID)
			assert.Equal(t, int64(5), alloc.Lines[0].Quantity)
			assert.Equal(t, lots[1].LotID, alloc.Lines[1].LotID)
			assert.Equal(t, int64(2), alloc.Lines[1].Quantity)
			assert.Equal(t, int64(7), alloc.Allocated())
			assert.Equal(t, int64(5*300+2*200), alloc.Cost())
			assert.False(t, alloc.Partial)
			assert.Equal(t, inventory.StatusReserved, alloc.Status)

			qty := available(t, a, p)
			assert.Equal(t, int64(5), qty[lots[0].LotID])
			assert.Equal(t, int64(3), qty[lots[1].LotID])
			assert.Equal(t, int64(0), qty[lots[2].LotID])
		})
	}
}

func TestAllocate_FEFOTiesBreakByCreationOrder(t *testing.T) {
	a := inventory.NewAllocator(inventory.NewMemoryStore(), inventory.DefaultConfig)
	p := product()
	same := date(2024, 2, 1)
	lots := addLots(t, a, p, []*time.Time{same, same, nil, nil}, 2)

	alloc, err := a.Allocate(context.Background(), inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 7})
	require.NoError(t, err)

	var order []string
	for _, l := range alloc.Lines {
		order = append(order, l.LotID)
	}
	assert.Equal(t, []string{lots[0].LotID, lots[1].LotID, lots[2].LotID, lots[3].LotID}, order)
	assert.Equal(t, int64(1), alloc.Lines[3].Quantity)
}

func TestAllocate_FIFOIgnoresExpiry(t *testing.T) {
	a := inventory.NewAllocator(inventory.NewMemoryStore(), inventory.DefaultConfig)
	p := product()
	lots := addLots(t, a, p, []*time.Time{nil, date(2024, 1, 1)}, 5)

	alloc, err := a.Allocate(context.Background(), inventory.Request{
		ProductID: p, WarehouseID: "wh-1", Quantity: 3, Strategy: inventory.StrategyFIFO,
	})
	require.NoError(t, err)
	require.Len(t, alloc.Lines, 1)
	assert.Equal(t, lots[0].LotID, alloc.Lines[0].LotID)
}

func TestAllocate_NotEnoughStock(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a := inventory.NewAllocator(store, inventory.DefaultConfig)
			p := product()
			addLots(t, a, p, []*time.Time{nil, nil}, 3)

			_, err := a.Allocate(context.Background(), inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 10})
			require.Error(t, err)

			var short *inventory.NotEnoughStockError
			require.True(t, errors.As(err, &short))
			assert.Equal(t, int64(10), short.Requested)
			assert.Equal(t, int64(6), short.Available)
			assert.True(t, sferrors.IsBusiness(err))
			assert.Equal(t, sferrors.KindBusinessRule, sferrors.KindOf(err))

			// Nothing was reserved
			for _, q := range available(t, a, p) {
				assert.Equal(t, int64(3), q)
			}
		})
	}
}

func TestAllocate_PartialWhenAllowed(t *testing.T) {
	a := inventory.NewAllocator(inventory.NewMemoryStore(), inventory.DefaultConfig)
	p := product()
	addLots(t, a, p, []*time.Time{nil}, 4)

	alloc, err := a.Allocate(context.Background(), inventory.Request{
		ProductID: p, WarehouseID: "wh-1", Quantity: 10, AllowPartial: true,
	})
	require.NoError(t, err)
	assert.True(t, alloc.Partial)
	assert.Equal(t, int64(10), alloc.Requested)
	assert.Equal(t, int64(4), alloc.Allocated())
}

func TestAllocate_NoLots(t *testing.T) {
	a := inventory.NewAllocator(inventory.NewMemoryStore(), inventory.DefaultConfig)
	p := product()
	addLots(t, a, p, []*time.Time{nil}, 0)

	_, err := a.Allocate(context.Background(), inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 1})
	var none *inventory.NoLotsAvailableError
	require.True(t, errors.As(err, &none))
	assert.Equal(t, p, none.ProductID)
	assert.True(t, sferrors.IsBusiness(err))
}

func TestAllocate_RejectsBadInput(t *testing.T) {
	a := inventory.NewAllocator(inventory.NewMemoryStore(), inventory.DefaultConfig)

	tests := []struct {
		name string
		req  inventory.Request
	}{
		{"zero quantity", inventory.Request{ProductID: "p", WarehouseID: "w"}},
		{"negative quantity", inventory.Request{ProductID: "p", WarehouseID: "w", Quantity: -1}},
		{"missing product", inventory.Request{WarehouseID: "w", Quantity: 1}},
		{"unknown strategy", inventory.Request{ProductID: "p", WarehouseID: "w", Quantity: 1, Strategy: "lifo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Allocate(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, sferrors.KindValidation, sferrors.KindOf(err))
		})
	}
}

func TestAllocate_ConcurrentNeverOversells(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a := inventory.NewAllocator(store, inventory.DefaultConfig)
			p := product()
			addLots(t, a, p, []*time.Time{date(2024, 1, 1), date(2024, 2, 1), nil, nil}, 25)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				succeeded int
				allocated int64
			)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					alloc, err := a.Allocate(context.Background(), inventory.Request{
						ProductID: p, WarehouseID: "wh-1", Quantity: 3,
					})
					if err != nil {
						var short *inventory.NotEnoughStockError
						assert.True(t, errors.As(err, &short), "unexpected error: %v", err)
						return
					}
					mu.Lock()
					succeeded++
					allocated += alloc.Allocated()
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Equal(t, 33, succeeded)
			assert.Equal(t, int64(99), allocated)

			var left int64
			for _, q := range available(t, a, p) {
				assert.GreaterOrEqual(t, q, int64(0))
				left += q
			}
			assert.Equal(t, int64(1), left)
		})
	}
}

// Two allocators over one store stand in for two processes: their locks do
// not exclude each other, so only the store's conditional reserve protects
// the lots.
func TestAllocate_ConflictsAcrossAllocatorsAreReplanned(t *testing.T) {
	store := inventory.NewMemoryStore()
	a1 := inventory.NewAllocator(store, inventory.DefaultConfig)
	a2 := inventory.NewAllocator(store, inventory.DefaultConfig)
	p := product()
	addLots(t, a1, p, []*time.Time{nil, nil}, 20)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		allocated int64
	)
	for i := 0; i < 40; i++ {
		a := a1
		if i%2 == 1 {
			a = a2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := a.Allocate(context.Background(), inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 1})
			if err != nil {
				return
			}
			mu.Lock()
			allocated += alloc.Allocated()
			mu.Unlock()
		}()
	}
	wg.Wait()

	var left int64
	for _, q := range available(t, a1, p) {
		assert.GreaterOrEqual(t, q, int64(0))
		left += q
	}
	assert.Equal(t, int64(40), allocated+left)
}

func TestAllocator_ConfirmReleaseReverse(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := inventory.NewAllocator(store, inventory.DefaultConfig)
			p := product()
			lots := addLots(t, a, p, []*time.Time{nil}, 10)

			alloc, err := a.Allocate(ctx, inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 4, Reference: "r-" + p})
			require.NoError(t, err)

			confirmed, err := a.Confirm(ctx, alloc.AllocationID)
			require.NoError(t, err)
			assert.Equal(t, inventory.StatusConfirmed, confirmed.Status)
			assert.Equal(t, int64(6), available(t, a, p)[lots[0].LotID])

			// A confirmed exit cannot simply be released
			_, err = a.Release(ctx, alloc.AllocationID)
			require.Error(t, err)
			assert.True(t, errors.Is(err, inventory.ErrInvalidTransition))
			assert.True(t, sferrors.IsBusiness(err))

			reversed, err := a.ReverseExit(ctx, alloc.AllocationID)
			require.NoError(t, err)
			assert.Equal(t, inventory.StatusReversed, reversed.Status)
			assert.Equal(t, int64(10), available(t, a, p)[lots[0].LotID])

			// Repeating a compensation is harmless and restores nothing twice
			again, err := a.ReverseExit(ctx, alloc.AllocationID)
			require.NoError(t, err)
			assert.Equal(t, inventory.StatusReversed, again.Status)
			assert.Equal(t, int64(10), available(t, a, p)[lots[0].LotID])

			_, err = a.Confirm(ctx, "missing")
			assert.Equal(t, sferrors.KindNotFound, sferrors.KindOf(err))
		})
	}
}

func TestAllocator_ConfirmAfterExpiryReleases(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()
			a := inventory.NewAllocator(store, inventory.Config{ReservationTTL: time.Minute},
				inventory.WithClock(clock.Now))
			p := product()
			lots := addLots(t, a, p, []*time.Time{nil}, 5)

			alloc, err := a.Allocate(ctx, inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 3})
			require.NoError(t, err)
			assert.Equal(t, int64(2), available(t, a, p)[lots[0].LotID])

			// The reaper has not run yet, but the hold is over
			clock.Advance(2 * time.Minute)
			_, err = a.Confirm(ctx, alloc.AllocationID)
			require.Error(t, err)
			assert.ErrorIs(t, err, inventory.ErrReservationExpired)
			assert.Equal(t, sferrors.KindBusinessRule, sferrors.KindOf(err))
			assert.Equal(t, int64(5), available(t, a, p)[lots[0].LotID])

			got, err := a.Allocation(ctx, alloc.AllocationID)
			require.NoError(t, err)
			assert.Equal(t, inventory.StatusReleased, got.Status)

			released, err := a.ReleaseExpired(ctx, clock.Now())
			require.NoError(t, err)
			assert.Empty(t, ofProduct(released, p))
			assert.Equal(t, int64(5), available(t, a, p)[lots[0].LotID])
		})
	}
}

func TestAllocator_ConfirmAtExpiryInstant(t *testing.T) {
	clock := newClock()
	a := inventory.NewAllocator(inventory.NewMemoryStore(), inventory.Config{ReservationTTL: time.Minute},
		inventory.WithClock(clock.Now))
	p := product()
	addLots(t, a, p, []*time.Time{nil}, 5)

	early, err := a.Allocate(context.Background(), inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 1})
	require.NoError(t, err)
	late, err := a.Allocate(context.Background(), inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 1})
	require.NoError(t, err)

	clock.Advance(time.Minute - time.Second)
	_, err = a.Confirm(context.Background(), early.AllocationID)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = a.Confirm(context.Background(), late.AllocationID)
	assert.ErrorIs(t, err, inventory.ErrReservationExpired)
}

func TestAllocator_ByReference(t *testing.T) {
	ctx := context.Background()
	a := inventory.NewAllocator(inventory.NewMemoryStore(), inventory.DefaultConfig)
	p := product()
	lots := addLots(t, a, p, []*time.Time{nil}, 10)

	for i := 0; i < 2; i++ {
		_, err := a.Allocate(ctx, inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 2, Reference: "saga-1"})
		require.NoError(t, err)
	}
	_, err := a.Allocate(ctx, inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 1, Reference: "saga-2"})
	require.NoError(t, err)

	released, err := a.ReleaseByReference(ctx, "saga-1")
	require.NoError(t, err)
	assert.Len(t, released, 2)
	assert.Equal(t, int64(9), available(t, a, p)[lots[0].LotID])

	released, err = a.ReleaseByReference(ctx, "saga-1")
	require.NoError(t, err)
	assert.Empty(t, released)

	confirmed, err := a.ConfirmByReference(ctx, "saga-2")
	require.NoError(t, err)
	require.Len(t, confirmed, 1)

	reversed, err := a.ReverseByReference(ctx, "saga-2")
	require.NoError(t, err)
	require.Len(t, reversed, 1)
	assert.Equal(t, int64(10), available(t, a, p)[lots[0].LotID])
}

// ofProduct keeps allocations of productID; a shared MySQL database may
// hold expired reservations from other tests.
func ofProduct(allocs []*inventory.Allocation, productID string) []*inventory.Allocation {
	var out []*inventory.Allocation
	for _, a := range allocs {
		if a.ProductID == productID {
			out = append(out, a)
		}
	}
	return out
}

type publisherFunc func(ctx context.Context, evt event.Event) error

func (f publisherFunc) Publish(ctx context.Context, evt event.Event) error { return f(ctx, evt) }

func TestAllocator_ReleaseExpiredRestoresTotals(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()

			var (
				mu        sync.Mutex
				announced []event.Event
			)
			pub := publisherFunc(func(_ context.Context, evt event.Event) error {
				mu.Lock()
				defer mu.Unlock()
				announced = append(announced, evt)
				return nil
			})

			a := inventory.NewAllocator(store, inventory.Config{ReservationTTL: 10 * time.Minute},
				inventory.WithClock(clock.Now), inventory.WithPublisher(pub))
			p := product()
			addLots(t, a, p, []*time.Time{date(2024, 6, 1), nil}, 5)

			expiring, err := a.Allocate(ctx, inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 7})
			require.NoError(t, err)

			clock.Advance(5 * time.Minute)
			kept, err := a.Allocate(ctx, inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 1})
			require.NoError(t, err)
			_, err = a.Confirm(ctx, kept.AllocationID)
			require.NoError(t, err)

			released, err := a.ReleaseExpired(ctx, clock.Now())
			require.NoError(t, err)
			assert.Empty(t, ofProduct(released, p))

			clock.Advance(6 * time.Minute)
			released, err = a.ReleaseExpired(ctx, clock.Now())
			require.NoError(t, err)
			released = ofProduct(released, p)
			require.Len(t, released, 1)
			assert.Equal(t, expiring.AllocationID, released[0].AllocationID)
			assert.Equal(t, inventory.StatusReleased, released[0].Status)

			var total int64
			for _, q := range available(t, a, p) {
				total += q
			}
			assert.Equal(t, int64(9), total)

			mu.Lock()
			defer mu.Unlock()
			var ids []string
			for _, evt := range announced {
				assert.Equal(t, inventory.TypeReservationExpired, evt.Type())
				ids = append(ids, evt.AggregateID())
			}
			assert.Contains(t, ids, expiring.AllocationID)
		})
	}
}

func TestAllocator_Reaper(t *testing.T) {
	clock := newClock()
	a := inventory.NewAllocator(inventory.NewMemoryStore(), inventory.Config{ReservationTTL: time.Minute},
		inventory.WithClock(clock.Now))
	p := product()
	lots := addLots(t, a, p, []*time.Time{nil}, 3)

	_, err := a.Allocate(context.Background(), inventory.Request{ProductID: p, WarehouseID: "wh-1", Quantity: 3})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	stop := a.StartReaper(context.Background(), 5*time.Millisecond)
	defer stop()

	assert.Eventually(t, func() bool {
		return available(t, a, p)[lots[0].LotID] == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAllocator_AddLot(t *testing.T) {
	a := inventory.NewAllocator(inventory.NewMemoryStore(), inventory.DefaultConfig)

	lot, err := a.AddLot(context.Background(), inventory.Lot{ProductID: "p", WarehouseID: "w", QuantityAvailable: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, lot.LotID)
	assert.False(t, lot.CreatedAt.IsZero())
	assert.Equal(t, int64(1), lot.Sequence)

	_, err = a.AddLot(context.Background(), lot)
	assert.ErrorIs(t, err, inventory.ErrDuplicateLot)

	_, err = a.AddLot(context.Background(), inventory.Lot{ProductID: "p", WarehouseID: "w", QuantityAvailable: -1})
	assert.Equal(t, sferrors.KindValidation, sferrors.KindOf(err))
}

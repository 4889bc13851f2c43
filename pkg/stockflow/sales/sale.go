// Package sales records sales as sagas.
//
// A sale runs five steps: validate, price, allocate stock, record the stock
// exit, and complete. Allocation and exit are served by the inventory
// handlers and compensated by releasing the reservation or reversing the
// exit. This package provides the other handlers, the saga definition and
// the receipt built from a finished saga.
package sales

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/inventory"
)

// Request asks to sell a quantity of one product from one warehouse.
// Field names match inventory.StockRequest so the allocation and exit steps
// read the same payload.
type Request struct {
	CustomerID   string             `json:"customer_id"`
	ProductID    string             `json:"product_id"`
	WarehouseID  string             `json:"warehouse_id"`
	Quantity     int64              `json:"quantity"`
	UnitPrice    int64              `json:"unit_price,omitempty"`
	Currency     string             `json:"currency,omitempty"`
	Strategy     inventory.Strategy `json:"strategy,omitempty"`
	AllowPartial bool               `json:"allow_partial,omitempty"`
	Notes        string             `json:"notes,omitempty"`
}

// Validate checks the request fields.
func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.CustomerID) == "" {
		problems = append(problems, "customer_id is required")
	}
	if strings.TrimSpace(r.ProductID) == "" {
		problems = append(problems, "product_id is required")
	}
	if strings.TrimSpace(r.WarehouseID) == "" {
		problems = append(problems, "warehouse_id is required")
	}
	if r.Quantity <= 0 {
		problems = append(problems, "quantity must be positive")
	}
	if r.UnitPrice < 0 {
		problems = append(problems, "unit_price must not be negative")
	}
	switch r.Strategy {
	case "", inventory.StrategyFEFO, inventory.StrategyFIFO:
	default:
		problems = append(problems, fmt.Sprintf("unknown strategy %q", r.Strategy))
	}
	if len(problems) > 0 {
		return &sferrors.ValidationError{Message: strings.Join(problems, "; ")}
	}
	return nil
}

// ErrNoPrice means the price list has no price for a product.
var ErrNoPrice = errors.New("no price for product")

// PriceList returns unit prices in minor currency units.
type PriceList interface {
	UnitPrice(ctx context.Context, productID string) (int64, error)
}

// StaticPrices is a fixed PriceList.
type StaticPrices map[string]int64

// UnitPrice implements PriceList.
func (p StaticPrices) UnitPrice(_ context.Context, productID string) (int64, error) {
	price, ok := p[productID]
	if !ok {
		return 0, fmt.Errorf("%w %s", ErrNoPrice, productID)
	}
	return price, nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("empty document")
	}
	return json.Unmarshal(data, v)
}

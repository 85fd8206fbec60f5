package cart

import (
	"context"
	"errors"
	"fmt"
)

// Line is one staged cart entry. UnitPriceCents and StockCeiling are
// snapshots from when the product was added; the server re-validates both
// at checkout, so clamping here is only an optimistic courtesy.
type Line struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
	StockCeiling   int    `json:"stock_ceiling"`
}

// Persistence is the scoped storage behind a user's cart.
type Persistence interface {
	Load(ctx context.Context, userID string) ([]Line, error)
	Save(ctx context.Context, userID string, lines []Line) error
	Clear(ctx context.Context, userID string) error
}

var ErrNotLoaded = errors.New("cart not loaded")

// Store stages one user's cart. Load must complete before any mutation;
// mutations against an unloaded store are rejected, never applied blind.
type Store struct {
	userID string
	p      Persistence
	loaded bool
	lines  []Line
}

func NewStore(userID string, p Persistence) *Store {
	return &Store{userID: userID, p: p}
}

func (s *Store) Load(ctx context.Context) error {
	lines, err := s.p.Load(ctx, s.userID)
	if err != nil {
		return err
	}
	s.lines = lines
	s.loaded = true
	return nil
}

// Add merges the line into the cart, clamping the resulting quantity to the
// line's stock ceiling.
func (s *Store) Add(ctx context.Context, line Line) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	if line.ProductID == "" || line.Qty < 1 {
		return fmt.Errorf("invalid cart line: product=%q qty=%d", line.ProductID, line.Qty)
	}

	for i, l := range s.lines {
		if l.ProductID == line.ProductID {
			l.Qty = clamp(l.Qty+line.Qty, line.StockCeiling)
			l.StockCeiling = line.StockCeiling
			s.lines[i] = l
			return s.p.Save(ctx, s.userID, s.lines)
		}
	}
	line.Qty = clamp(line.Qty, line.StockCeiling)
	s.lines = append(s.lines, line)
	return s.p.Save(ctx, s.userID, s.lines)
}

// UpdateQuantity sets the quantity for a product, clamped to the last-known
// stock ceiling. A quantity of zero or less removes the line.
func (s *Store) UpdateQuantity(ctx context.Context, productID string, qty int) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	if qty <= 0 {
		return s.Remove(ctx, productID)
	}
	for i, l := range s.lines {
		if l.ProductID == productID {
			s.lines[i].Qty = clamp(qty, l.StockCeiling)
			return s.p.Save(ctx, s.userID, s.lines)
		}
	}
	return fmt.Errorf("product not in cart: %s", productID)
}

func (s *Store) Remove(ctx context.Context, productID string) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	for i, l := range s.lines {
		if l.ProductID == productID {
			s.lines = append(s.lines[:i], s.lines[i+1:]...)
			return s.p.Save(ctx, s.userID, s.lines)
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	s.lines = nil
	return s.p.Clear(ctx, s.userID)
}

func (s *Store) Lines() []Line {
	out := make([]Line, len(s.lines))
	copy(out, s.lines)
	return out
}

func (s *Store) TotalCents() int64 {
	var total int64
	for _, l := range s.lines {
		total += int64(l.Qty) * l.UnitPriceCents
	}
	return total
}

func (s *Store) TotalItems() int {
	var n int
	for _, l := range s.lines {
		n += l.Qty
	}
	return n
}

func clamp(qty, ceiling int) int {
	if ceiling > 0 && qty > ceiling {
		return ceiling
	}
	return qty
}

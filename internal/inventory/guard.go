package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type Shortfall struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.ProductID, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

// Guard reserves stock for an order as one atomic batch. The decrement is a
// conditional update (stock >= requested), so two concurrent checkouts for
// the last unit resolve to exactly one winner at the database.
type Guard struct{ DB *pgxpool.Pool }

// ReserveAll decrements stock and records a reservation row per item inside
// one transaction. Any failed conditional decrement rolls the whole batch
// back and reports the shortfalls. Re-running for an already reserved order
// is a no-op.
func (g *Guard) ReserveAll(ctx context.Context, orderID string, items []ItemQty) error {
	tx, err := g.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Idempotency short-circuit: reservation already taken for this order.
	var reserved int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM reservations
		WHERE order_id = $1 AND status = 'RESERVED'`, orderID).Scan(&reserved); err != nil {
		return err
	}
	if reserved == len(items) && reserved > 0 {
		return nil
	}

	var shortfalls []Shortfall
	for _, it := range items {
		ct, err := tx.Exec(ctx, `
			UPDATE products SET stock = stock - $2, updated_at = now()
			WHERE id = $1 AND stock >= $2`,
			it.ProductID, it.Qty,
		)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			var available int
			if err := tx.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, it.ProductID).Scan(&available); err != nil {
				if err == pgx.ErrNoRows {
					available = 0
				} else {
					return err
				}
			}
			shortfalls = append(shortfalls, Shortfall{ProductID: it.ProductID, Requested: it.Qty, Available: available})
			continue
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations(order_id, product_id, qty, status)
			VALUES ($1, $2, $3, 'RESERVED')
			ON CONFLICT (order_id, product_id) DO NOTHING`,
			orderID, it.ProductID, it.Qty,
		); err != nil {
			return err
		}
	}

	if len(shortfalls) > 0 {
		return &InsufficientStockError{Shortfalls: shortfalls} // rollback via defer
	}
	return tx.Commit(ctx)
}

// ReleaseAll restores stock for every live reservation of the order and
// marks the rows RELEASED. Safe to call more than once.
func (g *Guard) ReleaseAll(ctx context.Context, orderID string) error {
	tx, err := g.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT product_id, qty FROM reservations WHERE order_id=$1 AND status='RESERVED'`, orderID)
	if err != nil {
		return err
	}

	type rec struct {
		pid string
		qty int
	}
	var recs []rec
	for rows.Next() {
		var x rec
		if err := rows.Scan(&x.pid, &x.qty); err != nil {
			rows.Close()
			return err
		}
		recs = append(recs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, x := range recs {
		if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, x.pid, x.qty); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE reservations SET status='RELEASED' WHERE order_id=$1 AND status='RESERVED'`, orderID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ConfirmAll makes the order's reservation permanent after payment. The
// stock decrement already happened at reserve time; this just closes the
// reservation rows so a later release cannot refund sold stock.
func (g *Guard) ConfirmAll(ctx context.Context, orderID string) error {
	_, err := g.DB.Exec(ctx, `UPDATE reservations SET status='CONFIRMED' WHERE order_id=$1 AND status='RESERVED'`, orderID)
	return err
}

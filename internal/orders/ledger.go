package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger owns the durable Order entity. Other components hold order ids and
// go through these methods; nothing else writes the orders table.
type Ledger struct{ DB *pgxpool.Pool }

// TransitionMeta travels with a status change. Reason ends up in logs and
// downstream events, not on the order row itself.
type TransitionMeta struct {
	Reason string
}

const orderColumns = `id, user_id, status, subtotal_cents, shipping_cents, tax_cents, total_cents,
	shipping_address, provider_family, provider_ref, created_at, updated_at, paid_at, delivered_at`

// CreatePendingOrder writes the order and its immutable item snapshot in one
// transaction. Totals are the caller's server-computed amounts; they are
// stored once and never recomputed.
func (l *Ledger) CreatePendingOrder(ctx context.Context, orderID, userID string, items []LineItem, addr Address, t Totals) (*Order, error) {
	if len(items) == 0 {
		return nil, errors.New("order needs at least one line item")
	}

	addrJSON, err := json.Marshal(addr)
	if err != nil {
		return nil, fmt.Errorf("encode address: %w", err)
	}

	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		INSERT INTO orders(id, user_id, status, subtotal_cents, shipping_cents, tax_cents, total_cents, shipping_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+orderColumns,
		orderID, userID, StatusPending, t.SubtotalCents, t.ShippingCents, t.TaxCents, t.TotalCents, addrJSON,
	)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	for _, it := range items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, qty, unit_price_cents)
			VALUES ($1, $2, $3, $4)`,
			orderID, it.ProductID, it.Qty, it.UnitPriceCents,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

// BindProviderSession attaches the provider artifact to a pending order.
// A partial unique index on (provider_family, provider_ref) keeps one
// artifact from correlating to two orders.
func (l *Ledger) BindProviderSession(ctx context.Context, orderID, family, ref string) error {
	ct, err := l.DB.Exec(ctx, `
		UPDATE orders SET provider_family=$2, provider_ref=$3, updated_at=now()
		WHERE id=$1 AND provider_ref IS NULL`,
		orderID, family, ref,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrProviderRefBound
		}
		return err
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := l.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, orderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrProviderRefBound
	}
	return nil
}

// Transition is the guarded state change: one conditional UPDATE matching the
// current status against the allowed source set, so two near-simultaneous
// webhook deliveries cannot both win.
func (l *Ledger) Transition(ctx context.Context, orderID string, from []Status, to Status, meta TransitionMeta) (*Order, error) {
	srcs := make([]string, 0, len(from))
	for _, s := range from {
		srcs = append(srcs, string(s))
	}

	row := l.DB.QueryRow(ctx, `
		UPDATE orders SET
			status = $2,
			updated_at = now(),
			paid_at = CASE WHEN $3 AND paid_at IS NULL THEN now() ELSE paid_at END,
			delivered_at = CASE WHEN $4 THEN now() ELSE delivered_at END
		WHERE id = $1 AND status = ANY($5)
		RETURNING `+orderColumns,
		orderID, to, to == StatusPaid || to == StatusProcessing, to == StatusDelivered, srcs,
	)
	o, err := scanOrder(row)
	if err == nil {
		o.Items, err = l.loadItems(ctx, orderID)
		return o, err
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// No row matched: distinguish a missing order from a guarded rejection.
	var current Status
	err = l.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, &InvalidTransitionError{OrderID: orderID, Current: current, To: to}
}

func (l *Ledger) FindByProviderRef(ctx context.Context, family, ref string) (*Order, error) {
	row := l.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE provider_family=$1 AND provider_ref=$2`, family, ref)
	return l.finishScan(ctx, row)
}

func (l *Ledger) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	row := l.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID)
	return l.finishScan(ctx, row)
}

func (l *Ledger) finishScan(ctx context.Context, row pgx.Row) (*Order, error) {
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Items, err = l.loadItems(ctx, o.ID)
	return o, err
}

func (l *Ledger) loadItems(ctx context.Context, orderID string) ([]LineItem, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT oi.product_id, p.name, oi.qty, oi.unit_price_cents
		FROM order_items oi JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LineItem
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Qty, &it.UnitPriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o        Order
		addrJSON []byte
		family   *string
		ref      *string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.Status,
		&o.Totals.SubtotalCents, &o.Totals.ShippingCents, &o.Totals.TaxCents, &o.Totals.TotalCents,
		&addrJSON, &family, &ref,
		&o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(addrJSON, &o.Address); err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if family != nil {
		o.ProviderFamily = *family
	}
	if ref != nil {
		o.ProviderRef = *ref
	}
	return &o, nil
}

package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("order not found")

	// ErrProviderRefBound means the (family, ref) pair is already attached to
	// an order, or this order already carries a provider artifact.
	ErrProviderRefBound = errors.New("provider reference already bound")
)

// InvalidTransitionError is returned when a guarded transition finds the
// order outside the allowed source set. The order is left untouched.
type InvalidTransitionError struct {
	OrderID string
	Current Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot transition %s -> %s", e.OrderID, e.Current, e.To)
}

package orders

type Status string

const (
	StatusPending       Status = "pending"
	StatusPaymentFailed Status = "payment_failed"
	StatusExpired       Status = "expired"
	StatusPaid          Status = "paid"
	StatusProcessing    Status = "processing"
	StatusShipped       Status = "shipped"
	StatusDelivered     Status = "delivered"
	StatusCancelled     Status = "cancelled"
)

// payment_failed, expired, delivered and cancelled are terminal.
var validNext = map[Status]map[Status]bool{
	StatusPending:       {StatusPaid: true, StatusProcessing: true, StatusPaymentFailed: true, StatusExpired: true, StatusCancelled: true},
	StatusPaid:          {StatusShipped: true, StatusCancelled: true},
	StatusProcessing:    {StatusShipped: true, StatusCancelled: true},
	StatusShipped:       {StatusDelivered: true},
	StatusPaymentFailed: {},
	StatusExpired:       {},
	StatusDelivered:     {},
	StatusCancelled:     {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

package orders

const (
	TopicOrderPaid          = "order.paid"
	TopicOrderPaymentFailed = "order.payment_failed"
	TopicOrderExpired       = "order.expired"
)

// Partition key = order_id, so every event for one order keeps its ordering.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

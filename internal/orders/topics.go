package orders

const (
	TopicOrderSettled   = "order.settled"
	TopicOrderCancelled = "order.cancelled"
)

// Partition key = order_id so all events for one order stay ordered.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

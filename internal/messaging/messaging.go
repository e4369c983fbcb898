package messaging

// Kafka topics carrying checkout events.
const (
	TopicOrderSettled = "order.settled"
)

package events

// Topic constants for ledger domain events. They double as AMQP routing keys.
const (
	TopicOrderCreated     = "order.created"
	TopicPaymentAttempted = "payment.attempted"
	TopicPaymentPaid      = "payment.paid"
	TopicPaymentFailed    = "payment.failed"
	TopicPaymentRefunded  = "payment.refunded"
	TopicRefundCreated    = "refund.created"
	TopicRefundProcessed  = "refund.processed"
	TopicRefundFailed     = "refund.failed"
)

// DefaultTopics returns every topic the ledger emits.
func DefaultTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicPaymentAttempted,
		TopicPaymentPaid,
		TopicPaymentFailed,
		TopicPaymentRefunded,
		TopicRefundCreated,
		TopicRefundProcessed,
		TopicRefundFailed,
	}
}

// PaymentTopic maps a payment status onto its topic.
func PaymentTopic(status string) (string, bool) {
	switch status {
	case "attempted":
		return TopicPaymentAttempted, true
	case "paid":
		return TopicPaymentPaid, true
	case "failed":
		return TopicPaymentFailed, true
	case "refunded":
		return TopicPaymentRefunded, true
	}
	return "", false
}

// RefundTopic maps a refund status onto its topic.
func RefundTopic(status string) (string, bool) {
	switch status {
	case "created":
		return TopicRefundCreated, true
	case "processed":
		return TopicRefundProcessed, true
	case "failed":
		return TopicRefundFailed, true
	}
	return "", false
}

package ledger

// paymentForward lists the statuses each payment status may advance to.
// Skipping ahead along created → attempted → paid is allowed because the
// processor may report capture without an intermediate authorisation signal.
var paymentForward = map[PaymentStatus][]PaymentStatus{
	PaymentCreated:   {PaymentAttempted, PaymentPaid, PaymentFailed},
	PaymentAttempted: {PaymentPaid, PaymentFailed},
	PaymentPaid:      {PaymentRefunded},
}

func paymentCanAdvance(from, to PaymentStatus) bool {
	for _, next := range paymentForward[from] {
		if next == to {
			return true
		}
	}
	return false
}

func refundCanAdvance(from, to RefundStatus) bool {
	return from == RefundCreated && (to == RefundProcessed || to == RefundFailed)
}

// orderStatusFor derives the order status after one of its payments moves to
// p. A failed order can be retried with a new payment; a paid order stays paid.
func orderStatusFor(current OrderStatus, p PaymentStatus) OrderStatus {
	if current == OrderPaid {
		return current
	}
	switch p {
	case PaymentAttempted:
		return OrderAttempted
	case PaymentPaid, PaymentRefunded:
		return OrderPaid
	case PaymentFailed:
		if current == OrderCreated || current == OrderAttempted {
			return OrderFailed
		}
	}
	return current
}

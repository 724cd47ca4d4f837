// Package signature implements the HMAC-SHA256 checks that gate every ledger
// mutation: the payment signature returned to the client after checkout and
// the signature the processor attaches to webhook deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the lowercase hex HMAC-SHA256 of message keyed with secret.
func Sign(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC-SHA256 of message under secret.
// The comparison runs in constant time. Empty or malformed input yields false.
func Verify(message []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(message, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// PaymentMessage builds the message the processor signs for a completed
// checkout.
func PaymentMessage(orderID, paymentID string) []byte {
	msg := make([]byte, 0, len(orderID)+1+len(paymentID))
	msg = append(msg, orderID...)
	msg = append(msg, '|')
	msg = append(msg, paymentID...)
	return msg
}

// Verifier binds the two configured secrets to their call sites.
type Verifier struct {
	KeySecret     string
	WebhookSecret string
}

// VerifyPayment checks a client-reported checkout signature.
func (v Verifier) VerifyPayment(orderID, paymentID, sig string) bool {
	if orderID == "" || paymentID == "" {
		return false
	}
	return Verify(PaymentMessage(orderID, paymentID), sig, v.KeySecret)
}

// VerifyWebhook checks the signature of a raw, unparsed webhook body.
func (v Verifier) VerifyWebhook(rawBody []byte, sig string) bool {
	return Verify(rawBody, sig, v.WebhookSecret)
}

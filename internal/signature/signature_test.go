package signature_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paygate/internal/signature"
)

func TestVerifyAcceptsOwnSignature(t *testing.T) {
	msg := []byte(`{"event":"payment.captured"}`)
	sig := signature.Sign(msg, "whsec")
	require.Len(t, sig, 64)
	require.True(t, signature.Verify(msg, sig, "whsec"))
	require.False(t, signature.Verify(msg, sig, "other"))
}

func TestVerifyRejectsEverySingleBitFlip(t *testing.T) {
	msg := []byte("order_A|pay_B")
	secret := "key-secret"
	sig := signature.Sign(msg, secret)

	for i := range msg {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), msg...)
			mutated[i] ^= 1 << bit
			require.Falsef(t, signature.Verify(mutated, sig, secret), "message byte %d bit %d", i, bit)
		}
	}
	raw := []byte(sig)
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), raw...)
			mutated[i] ^= 1 << bit
			require.Falsef(t, signature.Verify(msg, string(mutated), secret), "signature byte %d bit %d", i, bit)
		}
	}
}

func TestVerifyMalformedInput(t *testing.T) {
	msg := []byte("body")
	require.False(t, signature.Verify(msg, "", "secret"))
	require.False(t, signature.Verify(msg, signature.Sign(msg, ""), ""))
	require.False(t, signature.Verify(msg, "not-hex-at-all", "secret"))
	require.False(t, signature.Verify(nil, "\x00\xff", "secret"))
}

func TestVerifierCallSites(t *testing.T) {
	v := signature.Verifier{KeySecret: "key", WebhookSecret: "hook"}

	paySig := signature.Sign(signature.PaymentMessage("order_1", "pay_1"), "key")
	require.True(t, v.VerifyPayment("order_1", "pay_1", paySig))
	require.False(t, v.VerifyPayment("order_1", "pay_2", paySig))
	require.False(t, v.VerifyPayment("", "", signature.Sign([]byte("|"), "key")))

	body := []byte(`{"event":"refund.created"}`)
	require.True(t, v.VerifyWebhook(body, signature.Sign(body, "hook")))
	require.False(t, v.VerifyWebhook(body, signature.Sign(body, "key")))
}

func TestPaymentMessageFormat(t *testing.T) {
	require.Equal(t, "order_9|pay_7", string(signature.PaymentMessage("order_9", "pay_7")))
}

// Command signwebhook signs webhook bodies and checkout callbacks with the
// configured secrets so the payment endpoints can be exercised locally.
//
//	signwebhook -event payment.captured -order order_x -payment pay_y -amount 49900
//	signwebhook -file body.json
//	signwebhook -verify -order order_x -payment pay_y
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/noah-isme/backend-paygate/internal/signature"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	var (
		file      = flag.String("file", "", "sign this raw body instead of a generated event (- for stdin)")
		event     = flag.String("event", "payment.captured", "event name for the generated body")
		orderID   = flag.String("order", "", "processor order id")
		paymentID = flag.String("payment", "", "processor payment id")
		refundID  = flag.String("refund", "", "processor refund id (refund.* events)")
		amount    = flag.Int64("amount", 0, "amount in minor units")
		currency  = flag.String("currency", "INR", "ISO 4217 currency code")
		verify    = flag.Bool("verify", false, "print the checkout callback signature for -order/-payment")
		url       = flag.String("url", "http://localhost:8000/payments/webhook", "webhook endpoint for the printed curl command")
	)
	flag.Parse()

	if *verify {
		secret := mustEnv("RAZORPAY_KEY_SECRET")
		if *orderID == "" || *paymentID == "" {
			log.Fatal("-order and -payment are required with -verify")
		}
		fmt.Println(signature.Sign(signature.PaymentMessage(*orderID, *paymentID), secret))
		return
	}

	secret := mustEnv("RAZORPAY_WEBHOOK_SECRET")
	body, err := readBody(*file, *event, *orderID, *paymentID, *refundID, *amount, *currency)
	if err != nil {
		log.Fatalf("build body: %v", err)
	}
	sig := signature.Sign(body, secret)
	fmt.Printf("X-Razorpay-Signature: %s\n\n", sig)
	fmt.Printf("curl -sS -X POST %s -H 'Content-Type: application/json' -H 'X-Razorpay-Signature: %s' --data-binary '%s'\n", *url, sig, body)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s is not set", key)
	}
	return v
}

func readBody(file, event, orderID, paymentID, refundID string, amount int64, currency string) ([]byte, error) {
	switch file {
	case "":
	case "-":
		return io.ReadAll(os.Stdin)
	default:
		return os.ReadFile(file)
	}

	now := time.Now().Unix()
	payload := map[string]any{}
	switch event {
	case "payment.authorized", "payment.captured", "payment.failed":
		status := map[string]string{
			"payment.authorized": "authorized",
			"payment.captured":   "captured",
			"payment.failed":     "failed",
		}[event]
		payload["payment"] = map[string]any{"entity": map[string]any{
			"id": paymentID, "order_id": orderID, "amount": amount, "currency": currency,
			"status": status, "method": "card", "created_at": now,
		}}
	case "refund.created", "refund.processed", "refund.failed":
		status := map[string]string{
			"refund.created":   "pending",
			"refund.processed": "processed",
			"refund.failed":    "failed",
		}[event]
		payload["refund"] = map[string]any{"entity": map[string]any{
			"id": refundID, "payment_id": paymentID, "amount": amount, "currency": currency,
			"status": status, "created_at": now,
		}}
	default:
		return nil, fmt.Errorf("unsupported event %q", event)
	}
	entity, _, _ := strings.Cut(event, ".")
	return json.Marshal(map[string]any{
		"entity":     "event",
		"event":      event,
		"contains":   []string{entity},
		"payload":    payload,
		"created_at": now,
	})
}

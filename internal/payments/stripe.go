package payments

import (
	"context"
	"fmt"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/customerbalancetransaction"
)

// zeroDecimal lists currencies Stripe takes in whole units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

func minorUnits(amount float64, currency string) int64 {
	if zeroDecimal[strings.ToLower(currency)] {
		return int64(math.Round(amount))
	}
	return int64(math.Round(amount * 100))
}

func majorUnits(v int64, currency string) float64 {
	if zeroDecimal[strings.ToLower(currency)] {
		return float64(v)
	}
	return float64(v) / 100
}

// StripeLedger books commissions as customer balance transactions on the
// driver's Stripe customer. A positive Stripe balance is money owed by the
// driver, so the driver-facing balance is its negation. The idempotency key
// makes a retried deduction return the original transaction.
type StripeLedger struct {
	Currency string
	// CustomerID maps a driver to its Stripe customer. Identity when nil.
	CustomerID func(driverID string) string
}

// NewStripeLedger sets the stripe-go API key.
func NewStripeLedger(apiKey, currency string) *StripeLedger {
	stripe.Key = apiKey
	return &StripeLedger{Currency: currency}
}

func (l *StripeLedger) Deduct(ctx context.Context, driverID, orderID string, amount float64) (float64, error) {
	customer := driverID
	if l.CustomerID != nil {
		customer = l.CustomerID(driverID)
	}
	params := &stripe.CustomerBalanceTransactionParams{
		Customer:    stripe.String(customer),
		Amount:      stripe.Int64(minorUnits(amount, l.Currency)),
		Currency:    stripe.String(strings.ToLower(l.Currency)),
		Description: stripe.String("commission for order " + orderID),
	}
	params.Context = ctx
	params.SetIdempotencyKey("commission-" + orderID)
	params.AddMetadata("order_id", orderID)
	params.AddMetadata("driver_id", driverID)

	txn, err := customerbalancetransaction.New(params)
	if err != nil {
		return 0, fmt.Errorf("stripe balance transaction: %w", err)
	}
	return -majorUnits(txn.EndingBalance, l.Currency), nil
}

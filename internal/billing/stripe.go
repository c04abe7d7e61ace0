package billing

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Biller is the payment collaborator the dispatch core calls around trip
// completion and cancellation. The core only sequences these calls; amounts,
// retries and reconciliation belong to the payment system behind it.
type Biller interface {
	// Hold places a manual-capture hold for the estimated fare and returns
	// the provider's intent id, stored on the trip for later settlement.
	Hold(ctx context.Context, amountMinor int64, currency, customerRef string) (string, error)
	// Capture settles a held intent after completion.
	Capture(ctx context.Context, intentID string, amountMinor int64) error
	// Release voids a held intent after cancellation.
	Release(ctx context.Context, intentID string) error
}

// StripeBiller drives PaymentIntent hold/capture/cancel flows.
type StripeBiller struct{}

// NewStripeBiller configures the stripe client from STRIPE_API_KEY.
func NewStripeBiller() *StripeBiller {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeBiller{}
}

func (s *StripeBiller) Hold(_ context.Context, amountMinor int64, currency, customerRef string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
	}
	if customerRef != "" {
		params.Customer = stripe.String(customerRef)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture may settle less than the held amount when the metered fare came in
// under the quote.
func (s *StripeBiller) Capture(_ context.Context, intentID string, amountMinor int64) error {
	var params *stripe.PaymentIntentCaptureParams
	if amountMinor > 0 {
		params = &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amountMinor)}
	}
	_, err := paymentintent.Capture(intentID, params)
	return err
}

func (s *StripeBiller) Release(_ context.Context, intentID string) error {
	_, err := paymentintent.Cancel(intentID, nil)
	return err
}

// NopBiller is used for cash trips and local runs.
type NopBiller struct{}

func (NopBiller) Hold(context.Context, int64, string, string) (string, error) { return "", nil }
func (NopBiller) Capture(context.Context, string, int64) error                { return nil }
func (NopBiller) Release(context.Context, string) error                       { return nil }

package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient implements the fare hold/capture/release flow on
// PaymentIntents with manual capture.
type StripeClient struct{}

// NewStripeClient sets the package-level stripe key and returns a client.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual for the fare
// estimate and returns its id.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture settles a previously-held PaymentIntent at the final fare, which
// may differ from the held estimate.
func (s *StripeClient) Capture(ctx context.Context, paymentRef string, amount int64) error {
	params := &stripe.PaymentIntentCaptureParams{}
	if amount > 0 {
		params.AmountToCapture = stripe.Int64(amount)
	}
	_, err := paymentintent.Capture(paymentRef, params)
	return err
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeClient) Release(ctx context.Context, paymentRef string) error {
	_, err := paymentintent.Cancel(paymentRef, nil)
	return err
}

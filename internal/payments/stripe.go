package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-lifecycle/internal/models"
)

// StripeClient is a thin wrapper around stripe-go used to settle fares for
// completed rides. The ledger entry is the source of truth; Stripe capture
// is a downstream effect and may lag or fail without affecting ride state.
type StripeClient struct {
	Currency string
}

// NewStripeClient configures the package-global stripe key and returns a
// client charging in the given currency ("usd" when empty).
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeClient{Currency: currency}
}

// SettleRide creates and captures a PaymentIntent for the ride's fare,
// tagged with the ride id so retries reconcile on the Stripe side too.
func (s *StripeClient) SettleRide(ctx context.Context, ride *models.Ride) error {
	amount := int64(ride.Fare * 100) // smallest currency unit
	if amount <= 0 {
		return nil
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.Currency),
		Confirm:  stripe.Bool(true),
	}
	params.AddMetadata("ride_id", ride.ID)
	params.AddMetadata("driver_id", ride.Driver)
	if _, err := paymentintent.New(params); err != nil {
		return fmt.Errorf("stripe settle ride %s: %w", ride.ID, err)
	}
	return nil
}

// Hold places a manual-capture PaymentIntent for the estimated fare when a
// ride is requested. Not wired into the transition path; exposed for the
// payment-flow jobs that run outside this service.
func (s *StripeClient) Hold(ctx context.Context, amount int64, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.Currency),
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

// Release cancels a previously held PaymentIntent, e.g. after cancellation.
func (s *StripeClient) Release(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}

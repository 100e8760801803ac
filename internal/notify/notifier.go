// internal/notify/notifier.go
// Package notify is the notification collaborator boundary. Every call is
// fire-and-forget relative to the core transaction: failures are logged as
// UPSTREAM_UNAVAILABLE and never propagated, so a broken mail pipeline can
// never roll back or block a deal-state transition.
package notify

import "context"

// CarInfo is the minimal vehicle description used in notification copy.
type CarInfo struct {
	Year  int
	Make  string
	Model string
}

// Notifier sends confirmations after settlement-affecting transitions.
// Implementations must not return errors to the caller.
type Notifier interface {
	// DealRequestReceived tells a dealer a customer shortlisted one of its cars.
	DealRequestReceived(ctx context.Context, dealerID string, car CarInfo)

	// DealAccepted confirms an accepted offer to the customer, including the
	// verification code to present at the dealership.
	DealAccepted(ctx context.Context, customerID string, car CarInfo, verificationCode string, finalPrice int64)

	// OfferDeclined tells a dealer the customer rejected its offer.
	OfferDeclined(ctx context.Context, dealerID string, car CarInfo)

	// DealCancelledByDealer tells a customer the dealer withdrew a selection.
	DealCancelledByDealer(ctx context.Context, customerID string, car CarInfo)

	// DealCancelledByCustomer tells a dealer the customer backed out of an
	// accepted deal.
	DealCancelledByCustomer(ctx context.Context, dealerID string, car CarInfo)
}

// Noop is a Notifier that does nothing. Used in tests and when notifications
// are disabled in config.
type Noop struct{}

func (Noop) DealRequestReceived(context.Context, string, CarInfo)         {}
func (Noop) DealAccepted(context.Context, string, CarInfo, string, int64) {}
func (Noop) OfferDeclined(context.Context, string, CarInfo)               {}
func (Noop) DealCancelledByDealer(context.Context, string, CarInfo)       {}
func (Noop) DealCancelledByCustomer(context.Context, string, CarInfo)     {}

var _ Notifier = Noop{}

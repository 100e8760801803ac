// internal/settlement/model.go
// Package settlement owns the accepted-deal record: the single live
// settlement per car, its verification code, and its terminal outcomes
// (sold, dead deal, cancelled by customer).
package settlement

import "time"

// AcceptedDeal is the settlement record created when a customer accepts an
// offer. At most one non-terminal row may exist per car.
type AcceptedDeal struct {
	ID               string
	CustomerID       string
	CarID            string
	FinalPrice       int64 // cents
	VerificationCode string

	Sold                bool
	DeadDeal            bool
	CancelledByCustomer bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Live reports whether the settlement is still in play: not dead and not
// cancelled. A sold deal is still "live" in the sense that its car stays
// sold; callers that need mutability check Sold separately.
func (d *AcceptedDeal) Live() bool {
	return !d.DeadDeal && !d.CancelledByCustomer
}

// TestDriveStatus is a test drive booking's lifecycle status.
type TestDriveStatus string

const (
	TestDriveRequested TestDriveStatus = "requested"
	TestDriveScheduled TestDriveStatus = "scheduled"
	TestDriveCancelled TestDriveStatus = "cancelled"
)

// TestDrive is a booking against an accepted deal. Scheduling specifics stay
// free-text until the dealer confirms a slot.
type TestDrive struct {
	ID             string
	AcceptedDealID string
	CustomerID     string
	DealerID       string
	ScheduledDate  string
	ScheduledTime  string
	CustomerNotes  string
	Status         TestDriveStatus
	CreatedAt      time.Time
}

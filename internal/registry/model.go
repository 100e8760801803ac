// internal/registry/model.go
// Package registry is the authoritative record of dealer vehicles and their
// availability status.
package registry

import "time"

// Status is a vehicle's lifecycle status (persisted as a string).
type Status string

const (
	StatusActive      Status = "active"       // listed, available for deal lists
	StatusPendingSale Status = "pending_sale" // an offer was accepted, awaiting completion
	StatusSold        Status = "sold"         // sale confirmed, terminal
)

// Car is a dealer's vehicle listing.
type Car struct {
	ID        string
	DealerID  string
	Make      string
	Model     string
	Year      int
	VIN       string
	SalePrice int64 // cents

	Status Status

	// StatusChangedAt is stamped on the transition into pending_sale or sold
	// and cleared on reversal to active. The expiry sweep keys off it.
	StatusChangedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllowTransition defines the vehicle status machine. Transitions are monotone
// except the explicit pending_sale -> active reversal used by dead-deal
// cancellation.
var AllowTransition = map[Status][]Status{
	StatusActive:      {StatusPendingSale, StatusSold},
	StatusPendingSale: {StatusSold, StatusActive},
	StatusSold:        {},
}

// CanTransition reports whether from -> to is an allowed status transition.
// A same-status transition is allowed so callers can be idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	allowed, ok := AllowTransition[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

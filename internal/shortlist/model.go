// internal/shortlist/model.go
// Package shortlist maintains a customer's deal list, the bounded set of
// candidate vehicles under active negotiation.
package shortlist

import "time"

// MaxCars is the capacity of a deal list, counted over non-cancelled
// selections.
const MaxCars = 4

// ListStatus is a deal list's lifecycle status.
type ListStatus string

const (
	ListActive    ListStatus = "active"    // open for additions and offers
	ListAccepted  ListStatus = "accepted"  // an offer was accepted; additions blocked
	ListCompleted ListStatus = "completed" // terminal
	ListCancelled ListStatus = "cancelled" // terminal
)

// SelectionStatus is one vehicle's sub-status within a deal list.
type SelectionStatus string

const (
	SelectionPending   SelectionStatus = "pending"
	SelectionWon       SelectionStatus = "won"
	SelectionLost      SelectionStatus = "lost"
	SelectionCancelled SelectionStatus = "cancelled" // soft delete, kept for audit
)

// DealList is a customer's shortlist of candidate vehicles.
type DealList struct {
	ID         string
	CustomerID string
	Status     ListStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SelectedCar is one vehicle's membership in a deal list.
type SelectedCar struct {
	ID         string
	DealListID string
	CarID      string
	Status     SelectionStatus

	// Price snapshot at selection time plus the running best offer.
	OriginalPrice     int64
	CurrentOfferPrice int64
	NegotiationCount  int

	CreatedAt time.Time
}

// CarSummary is the public read shape for a car inside a deal list.
type CarSummary struct {
	ID    string `json:"id"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  int    `json:"year"`
}

// DealStatus is the public "deal status for customer X" read shape.
type DealStatus struct {
	HasActiveDeal  bool         `json:"hasActiveDeal"`
	DealStatus     string       `json:"dealStatus,omitempty"`
	CurrentCount   int          `json:"currentCount"`
	RemainingSlots int          `json:"remainingSlots"`
	MaxCars        int          `json:"maxCars"`
	CarIDsInDeal   []string     `json:"carIdsInDeal"`
	CarsInDeal     []CarSummary `json:"carsInDeal"`
}

// internal/negotiation/model.go
// Package negotiation is the append-only offer ledger between dealers and a
// customer's selected vehicles.
package negotiation

import "time"

// OfferStatus is one offer's status within the ledger.
type OfferStatus string

const (
	OfferOpen       OfferStatus = "open"       // latest authoritative offer from this dealer
	OfferSuperseded OfferStatus = "superseded" // replaced by a newer offer, kept for history
	OfferAccepted   OfferStatus = "accepted"   // customer accepted; settlement exists
	OfferRejected   OfferStatus = "rejected"   // customer declined
)

// MaxOffersPerSelection caps how many times one dealer may bid on one
// selection.
const MaxOffersPerSelection = 3

// Offer is one dealer price proposal for one selected vehicle.
type Offer struct {
	ID            string
	SelectedCarID string
	DealerID      string
	OfferedPrice  int64 // cents
	Status        OfferStatus

	// Seq is a monotonic insertion sequence. Offers created in the same
	// instant are ordered by Seq, never by wall clock alone.
	Seq int64

	CreatedAt time.Time
}

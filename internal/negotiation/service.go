// internal/negotiation/service.go
package negotiation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"deal-engine/internal/common/database"
	apperrors "deal-engine/internal/common/errors"
	"deal-engine/internal/common/logger"
	"deal-engine/internal/common/metrics"
	"deal-engine/internal/notify"
	"deal-engine/internal/registry"
	"deal-engine/internal/shortlist"
)

// Service implements the negotiation ledger use cases. Acceptance is not
// here: it belongs to the settlement engine.
type Service struct {
	db       *sql.DB
	repo     *Repo
	lists    *shortlist.Repo
	cars     *registry.Repo
	notifier notify.Notifier
	logger   logger.Logger
}

func NewService(db *sql.DB, repo *Repo, lists *shortlist.Repo, cars *registry.Repo, notifier notify.Notifier, log logger.Logger) *Service {
	return &Service{
		db:       db,
		repo:     repo,
		lists:    lists,
		cars:     cars,
		notifier: notifier,
		logger:   log.WithFields(map[string]interface{}{"component": "negotiation"}),
	}
}

// SubmitOffer appends a dealer offer for one selection. A prior open offer by
// the same dealer is superseded in the same transaction, and the selection's
// running best price and submission count are maintained alongside.
func (s *Service) SubmitOffer(ctx context.Context, selectedCarID, dealerID string, price int64) (*Offer, error) {
	if selectedCarID == "" || dealerID == "" {
		return nil, apperrors.NewValidationError("selectedCarId and dealerId are required")
	}
	if price <= 0 {
		return nil, apperrors.NewValidationError("offerPrice must be positive")
	}

	var offer *Offer
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		sc, err := s.lists.GetSelection(ctx, tx, selectedCarID)
		if err != nil {
			return err
		}
		if sc.Status == shortlist.SelectionCancelled {
			return apperrors.NewValidationError("selection is cancelled")
		}

		car, err := s.cars.GetByID(ctx, tx, sc.CarID)
		if err != nil {
			return err
		}
		if car.DealerID != dealerID {
			return apperrors.NewNotFoundError("selected car", selectedCarID)
		}

		count, err := s.repo.CountByDealer(ctx, tx, selectedCarID, dealerID)
		if err != nil {
			return err
		}
		if count >= MaxOffersPerSelection {
			return apperrors.NewValidationError(
				fmt.Sprintf("maximum %d offers per car allowed", MaxOffersPerSelection))
		}

		if err := s.repo.SupersedeOpen(ctx, tx, selectedCarID, dealerID); err != nil {
			return err
		}

		offer, err = s.repo.Insert(ctx, tx, selectedCarID, dealerID, price, time.Now())
		if err != nil {
			return err
		}

		// Running best offer on the selection: keep the lower of old and new.
		_, err = tx.ExecContext(ctx, `
			UPDATE selected_cars
			SET current_offer_price = LEAST(current_offer_price, $1),
			    negotiation_count = negotiation_count + 1
			WHERE id = $2`, price, selectedCarID)
		if err != nil {
			return apperrors.NewQueryExecutionFailedError("update selection offer price", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OffersSubmitted.Inc()
	s.logger.Info("offer submitted", map[string]interface{}{
		"negotiationId": offer.ID,
		"selectedCarId": selectedCarID,
		"dealerId":      dealerID,
	})
	return offer, nil
}

// LatestOffer returns the authoritative (most recent) offer from a dealer for
// a selection.
func (s *Service) LatestOffer(ctx context.Context, selectedCarID, dealerID string) (*Offer, error) {
	if selectedCarID == "" || dealerID == "" {
		return nil, apperrors.NewValidationError("selectedCarId and dealerId are required")
	}
	return s.repo.Latest(ctx, nil, selectedCarID, dealerID)
}

// DeclineOffer lets the owning customer reject a dealer's offer. The dealer
// is notified after commit.
func (s *Service) DeclineOffer(ctx context.Context, negotiationID, customerID string) error {
	if negotiationID == "" || customerID == "" {
		return apperrors.NewValidationError("negotiationId and customerId are required")
	}

	var dealerID string
	var car *registry.Car

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		offer, err := s.repo.GetByID(ctx, tx, negotiationID)
		if err != nil {
			return err
		}

		sc, err := s.lists.GetSelection(ctx, tx, offer.SelectedCarID)
		if err != nil {
			return err
		}
		dl, err := s.lists.GetForUpdate(ctx, tx, sc.DealListID)
		if err != nil {
			return err
		}
		if dl.CustomerID != customerID {
			return apperrors.NewNotFoundError("negotiation", negotiationID)
		}

		car, err = s.cars.GetByID(ctx, tx, sc.CarID)
		if err != nil {
			return err
		}
		dealerID = offer.DealerID

		return s.repo.SetStatus(ctx, tx, negotiationID, OfferRejected)
	})
	if err != nil {
		return err
	}

	s.notifier.OfferDeclined(ctx, dealerID,
		notify.CarInfo{Year: car.Year, Make: car.Make, Model: car.Model})
	return nil
}

// internal/settlement/service.go
package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"time"

	"deal-engine/internal/common/database"
	apperrors "deal-engine/internal/common/errors"
	"deal-engine/internal/common/logger"
	"deal-engine/internal/common/metrics"
	"deal-engine/internal/negotiation"
	"deal-engine/internal/notify"
	"deal-engine/internal/registry"
	"deal-engine/internal/shortlist"
)

// Service drives the settlement lifecycle: acceptance, the three terminal
// outcomes, and test drive bookings against a live deal.
type Service struct {
	db       *sql.DB
	repo     *Repo
	cars     *registry.Repo
	lists    *shortlist.Repo
	offers   *negotiation.Repo
	notifier notify.Notifier
	logger   logger.Logger
	now      func() time.Time
}

func NewService(db *sql.DB, repo *Repo, cars *registry.Repo, lists *shortlist.Repo, offers *negotiation.Repo, notifier notify.Notifier, log logger.Logger) *Service {
	return &Service{
		db:       db,
		repo:     repo,
		cars:     cars,
		lists:    lists,
		offers:   offers,
		notifier: notifier,
		logger:   log.WithFields(map[string]interface{}{"component": "settlement"}),
		now:      time.Now,
	}
}

// newVerificationCode returns the 6-digit code the customer presents at the
// dealership. Uniqueness is not required, only unguessability over the deal's
// short lifetime.
func newVerificationCode() string {
	return fmt.Sprintf("%06d", rand.IntN(900000)+100000)
}

// AcceptOffer settles a negotiation: it creates the accepted-deal record,
// moves the car to pending_sale, marks the winning selection and demotes the
// rest, and locks the deal list against further additions. Everything happens
// in one transaction; under a concurrent accept on the same car exactly one
// caller wins and the rest get CONFLICT.
func (s *Service) AcceptOffer(ctx context.Context, customerID, negotiationID string) (*AcceptedDeal, error) {
	if customerID == "" || negotiationID == "" {
		return nil, apperrors.NewValidationError("customerId and negotiationId are required")
	}

	var (
		deal *AcceptedDeal
		car  *registry.Car
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		offer, err := s.offers.GetByID(ctx, tx, negotiationID)
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
		if dl.Status == shortlist.ListAccepted {
			return apperrors.NewDealLockedError(dl.ID)
		}
		if dl.Status != shortlist.ListActive {
			return apperrors.NewValidationError("deal list is not active")
		}
		if sc.Status != shortlist.SelectionPending {
			return apperrors.NewValidationError("selection is not pending")
		}

		car, err = s.cars.GetByID(ctx, tx, sc.CarID)
		if err != nil {
			return err
		}
		if car.Status != registry.StatusActive {
			return apperrors.NewConflictError(fmt.Sprintf("carId: %s, status: %s", car.ID, car.Status))
		}

		now := s.now()
		deal, err = s.repo.Insert(ctx, tx, customerID, car.ID, offer.OfferedPrice, newVerificationCode(), now)
		if err != nil {
			if apperrors.IsCode(err, apperrors.ErrCodeConflict) {
				metrics.AcceptConflicts.Inc()
			}
			return err
		}

		if err := s.cars.SetStatus(ctx, tx, car.ID, registry.StatusPendingSale, now); err != nil {
			return err
		}
		if err := s.offers.SetStatus(ctx, tx, offer.ID, negotiation.OfferAccepted); err != nil {
			return err
		}
		// Sibling selections stay pending; the customer may still be
		// negotiating the other cars if this deal falls through.
		if err := s.lists.SetSelectionStatus(ctx, tx, sc.ID, shortlist.SelectionWon); err != nil {
			return err
		}
		return s.lists.SetListStatus(ctx, tx, dl.ID, shortlist.ListAccepted, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.DealsAccepted.Inc()
	s.logger.Info("offer accepted", map[string]interface{}{
		"acceptedDealId": deal.ID,
		"carId":          deal.CarID,
		"finalPrice":     deal.FinalPrice,
	})
	s.notifier.DealAccepted(ctx, customerID,
		notify.CarInfo{Year: car.Year, Make: car.Make, Model: car.Model},
		deal.VerificationCode, deal.FinalPrice)
	return deal, nil
}

// MarkSold confirms the sale. Idempotent: repeating the call on a sold deal
// succeeds without side effects. A dead or cancelled deal cannot be sold.
// A non-nil finalPrice records the price the sale actually closed at.
func (s *Service) MarkSold(ctx context.Context, dealerID, acceptedDealID string, finalPrice *int64) (*AcceptedDeal, error) {
	if dealerID == "" || acceptedDealID == "" {
		return nil, apperrors.NewValidationError("dealerId and acceptedDealId are required")
	}
	if finalPrice != nil && *finalPrice <= 0 {
		return nil, apperrors.NewValidationError("finalPrice must be greater than zero")
	}

	var deal *AcceptedDeal
	alreadySold := false
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		deal, err = s.repo.GetForUpdate(ctx, tx, acceptedDealID)
		if err != nil {
			return err
		}
		car, err := s.cars.GetByID(ctx, tx, deal.CarID)
		if err != nil {
			return err
		}
		if car.DealerID != dealerID {
			return apperrors.NewNotFoundError("accepted deal", acceptedDealID)
		}
		if !deal.Live() {
			return apperrors.NewConflictError("deal is no longer live")
		}
		if deal.Sold {
			alreadySold = true
			return nil
		}

		now := s.now()
		if err := s.repo.MarkSold(ctx, tx, deal.ID, finalPrice, now); err != nil {
			return err
		}
		deal.Sold = true
		if finalPrice != nil {
			deal.FinalPrice = *finalPrice
		}
		if err := s.cars.SetStatus(ctx, tx, car.ID, registry.StatusSold, now); err != nil {
			return err
		}
		return s.completeListForDeal(ctx, tx, deal, shortlist.ListCompleted, now)
	})
	if err != nil {
		return nil, err
	}
	if alreadySold {
		return deal, nil
	}

	metrics.DealsFinalized.WithLabelValues("sold").Inc()
	s.logger.Info("deal marked sold", map[string]interface{}{
		"acceptedDealId": deal.ID,
		"carId":          deal.CarID,
	})
	return deal, nil
}

// MarkDeadDeal is the dealer backing out of an accepted deal. The car returns
// to the market, pending test drives are voided, and the customer's deal list
// reopens so they can pursue the remaining candidates. Repeating the call on a
// deal that is already dead is a no-op.
func (s *Service) MarkDeadDeal(ctx context.Context, dealerID, acceptedDealID string) error {
	if dealerID == "" || acceptedDealID == "" {
		return apperrors.NewValidationError("dealerId and acceptedDealId are required")
	}

	var (
		deal        *AcceptedDeal
		car         *registry.Car
		alreadyDead bool
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		deal, err = s.repo.GetForUpdate(ctx, tx, acceptedDealID)
		if err != nil {
			return err
		}
		car, err = s.cars.GetByID(ctx, tx, deal.CarID)
		if err != nil {
			return err
		}
		if car.DealerID != dealerID {
			return apperrors.NewNotFoundError("accepted deal", acceptedDealID)
		}
		if deal.Sold {
			return apperrors.NewConflictError("deal already completed")
		}
		if deal.DeadDeal {
			alreadyDead = true
			return nil
		}
		if deal.CancelledByCustomer {
			return apperrors.NewValidationError("deal is already closed")
		}

		now := s.now()
		if err := s.repo.MarkDead(ctx, tx, deal.ID, now); err != nil {
			return err
		}
		if err := s.repo.CancelTestDrives(ctx, tx, deal.ID); err != nil {
			return err
		}
		if err := s.cars.SetStatus(ctx, tx, car.ID, registry.StatusActive, now); err != nil {
			return err
		}
		return s.reopenListForDeal(ctx, tx, deal, now)
	})
	if err != nil {
		return err
	}
	if alreadyDead {
		return nil
	}

	metrics.DealsFinalized.WithLabelValues("dead_deal").Inc()
	s.logger.Info("deal marked dead", map[string]interface{}{
		"acceptedDealId": deal.ID,
		"carId":          deal.CarID,
	})
	s.notifier.DealCancelledByDealer(ctx, deal.CustomerID,
		notify.CarInfo{Year: car.Year, Make: car.Make, Model: car.Model})
	return nil
}

// CancelByCustomer is the customer backing out of an accepted deal before the
// sale completes. Mirrors MarkDeadDeal but closes the deal list instead of
// reopening it.
func (s *Service) CancelByCustomer(ctx context.Context, customerID, acceptedDealID string) error {
	if customerID == "" || acceptedDealID == "" {
		return apperrors.NewValidationError("customerId and acceptedDealId are required")
	}

	var (
		deal *AcceptedDeal
		car  *registry.Car
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		deal, err = s.repo.GetForUpdate(ctx, tx, acceptedDealID)
		if err != nil {
			return err
		}
		if deal.CustomerID != customerID {
			return apperrors.NewNotFoundError("accepted deal", acceptedDealID)
		}
		if deal.Sold {
			return apperrors.NewConflictError("deal already completed")
		}
		if deal.DeadDeal || deal.CancelledByCustomer {
			return apperrors.NewValidationError("deal is already closed")
		}

		car, err = s.cars.GetByID(ctx, tx, deal.CarID)
		if err != nil {
			return err
		}

		now := s.now()
		if err := s.repo.MarkCancelledByCustomer(ctx, tx, deal.ID, now); err != nil {
			return err
		}
		if err := s.repo.CancelTestDrives(ctx, tx, deal.ID); err != nil {
			return err
		}
		if err := s.cars.SetStatus(ctx, tx, car.ID, registry.StatusActive, now); err != nil {
			return err
		}
		return s.completeListForDeal(ctx, tx, deal, shortlist.ListCancelled, now)
	})
	if err != nil {
		return err
	}

	metrics.DealsFinalized.WithLabelValues("cancelled").Inc()
	s.logger.Info("deal cancelled by customer", map[string]interface{}{
		"acceptedDealId": deal.ID,
		"carId":          deal.CarID,
	})
	s.notifier.DealCancelledByCustomer(ctx, car.DealerID,
		notify.CarInfo{Year: car.Year, Make: car.Make, Model: car.Model})
	return nil
}

// ScheduleTestDrive books a test drive against a live, unsold settlement.
func (s *Service) ScheduleTestDrive(ctx context.Context, customerID, acceptedDealID, date, timeSlot, notes string) (*TestDrive, error) {
	if customerID == "" || acceptedDealID == "" {
		return nil, apperrors.NewValidationError("customerId and acceptedDealId are required")
	}

	var td *TestDrive
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		deal, err := s.repo.GetForUpdate(ctx, tx, acceptedDealID)
		if err != nil {
			return err
		}
		if deal.CustomerID != customerID {
			return apperrors.NewNotFoundError("accepted deal", acceptedDealID)
		}
		if !deal.Live() || deal.Sold {
			return apperrors.NewValidationError("deal is not open for test drives")
		}
		open, err := s.repo.CountOpenTestDrives(ctx, tx, deal.ID)
		if err != nil {
			return err
		}
		if open > 0 {
			return apperrors.NewValidationError("a test drive is already booked for this deal")
		}
		car, err := s.cars.GetByID(ctx, tx, deal.CarID)
		if err != nil {
			return err
		}

		td, err = s.repo.InsertTestDrive(ctx, tx, &TestDrive{
			AcceptedDealID: deal.ID,
			CustomerID:     customerID,
			DealerID:       car.DealerID,
			ScheduledDate:  date,
			ScheduledTime:  timeSlot,
			CustomerNotes:  notes,
		}, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("test drive requested", map[string]interface{}{
		"testDriveId":    td.ID,
		"acceptedDealId": td.AcceptedDealID,
	})
	return td, nil
}

// completeListForDeal moves the customer's ongoing deal list to a terminal
// status when its settlement finishes.
func (s *Service) completeListForDeal(ctx context.Context, tx *sql.Tx, deal *AcceptedDeal, status shortlist.ListStatus, now time.Time) error {
	dl, err := s.lists.FindOngoing(ctx, tx, deal.CustomerID)
	if err != nil {
		return err
	}
	if dl == nil {
		return nil
	}
	return s.lists.SetListStatus(ctx, tx, dl.ID, status, now)
}

// reopenListForDeal undoes the acceptance lock after a dead deal: the list
// becomes active again so the customer can pursue the remaining candidates.
// Selection sub-statuses are left as-is, including the winner's.
func (s *Service) reopenListForDeal(ctx context.Context, tx *sql.Tx, deal *AcceptedDeal, now time.Time) error {
	dl, err := s.lists.FindOngoing(ctx, tx, deal.CustomerID)
	if err != nil {
		return err
	}
	if dl == nil {
		return nil
	}
	return s.lists.SetListStatus(ctx, tx, dl.ID, shortlist.ListActive, now)
}

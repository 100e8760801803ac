// internal/shortlist/service.go
package shortlist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"deal-engine/internal/common/database"
	apperrors "deal-engine/internal/common/errors"
	"deal-engine/internal/common/logger"
	"deal-engine/internal/notify"
	"deal-engine/internal/registry"
)

// Service implements the deal list use cases. All multi-step mutations run in
// a single transaction so a concurrent reader never observes partial state.
type Service struct {
	db       *sql.DB
	repo     *Repo
	cars     *registry.Repo
	notifier notify.Notifier
	logger   logger.Logger
}

func NewService(db *sql.DB, repo *Repo, cars *registry.Repo, notifier notify.Notifier, log logger.Logger) *Service {
	return &Service{
		db:       db,
		repo:     repo,
		cars:     cars,
		notifier: notifier,
		logger:   log.WithFields(map[string]interface{}{"component": "shortlist"}),
	}
}

// GetOrCreateActive returns the customer's ongoing deal list, creating an
// active one when none exists. The lost half of a concurrent create race is
// retried once with a re-read; no side effect has committed at that point.
func (s *Service) GetOrCreateActive(ctx context.Context, customerID string) (*DealList, error) {
	if customerID == "" {
		return nil, apperrors.NewValidationError("customerId is required")
	}

	dl, err := s.repo.FindOngoing(ctx, nil, customerID)
	if err != nil {
		return nil, err
	}
	if dl != nil {
		return dl, nil
	}

	dl, err = s.repo.Create(ctx, nil, customerID, time.Now())
	if apperrors.IsCode(err, apperrors.ErrCodeConflict) {
		// Another request created the list first; use theirs.
		return s.repo.FindOngoing(ctx, nil, customerID)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("deal list created", map[string]interface{}{
		"dealListId": dl.ID,
		"customerId": customerID,
	})
	return dl, nil
}

// AddCar adds a vehicle to a deal list. The list row is locked for the
// duration of the transaction so the capacity recount and the insert are
// atomic against concurrent adds.
func (s *Service) AddCar(ctx context.Context, dealListID, carID string) (*SelectedCar, error) {
	if dealListID == "" || carID == "" {
		return nil, apperrors.NewValidationError("dealListId and carId are required")
	}

	var sc *SelectedCar
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		sc, err = s.addCarTx(ctx, tx, dealListID, carID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *Service) addCarTx(ctx context.Context, tx *sql.Tx, dealListID, carID string) (*SelectedCar, error) {
	dl, err := s.repo.GetForUpdate(ctx, tx, dealListID)
	if err != nil {
		return nil, err
	}

	if dl.Status == ListAccepted {
		return nil, apperrors.NewDealLockedError(dl.ID)
	}
	if dl.Status != ListActive {
		return nil, apperrors.NewNotFoundError("deal list", dealListID)
	}

	count, err := s.repo.CountActiveSelections(ctx, tx, dl.ID)
	if err != nil {
		return nil, err
	}
	if count >= MaxCars {
		return nil, apperrors.NewCapacityExceededError(dl.ID, count, MaxCars)
	}

	car, err := s.cars.GetByID(ctx, tx, carID)
	if err != nil {
		return nil, err
	}
	if car.Status != registry.StatusActive {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("car %s is not available (status %s)", carID, car.Status))
	}

	return s.repo.InsertSelection(ctx, tx, dl.ID, car.ID, car.SalePrice, time.Now())
}

// CreateDealRequest shortlists a batch of cars in one transaction and tells
// the affected dealers afterwards. Capacity and lock rules apply to the batch
// as a whole.
func (s *Service) CreateDealRequest(ctx context.Context, customerID string, carIDs []string) (*DealList, error) {
	if customerID == "" || len(carIDs) == 0 {
		return nil, apperrors.NewValidationError("customerId and carIds are required")
	}

	dl, err := s.GetOrCreateActive(ctx, customerID)
	if err != nil {
		return nil, err
	}

	type dealerNote struct {
		dealerID string
		car      notify.CarInfo
	}
	var notes []dealerNote

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, carID := range carIDs {
			if _, err := s.addCarTx(ctx, tx, dl.ID, carID); err != nil {
				return err
			}
			car, err := s.cars.GetByID(ctx, tx, carID)
			if err != nil {
				return err
			}
			notes = append(notes, dealerNote{
				dealerID: car.DealerID,
				car:      notify.CarInfo{Year: car.Year, Make: car.Make, Model: car.Model},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, n := range notes {
		s.notifier.DealRequestReceived(ctx, n.dealerID, n.car)
	}

	s.logger.Info("deal request created", map[string]interface{}{
		"dealListId": dl.ID,
		"customerId": customerID,
		"carCount":   len(carIDs),
	})
	return dl, nil
}

// RemoveCar soft-deletes a selection. The row is kept for audit; cancelled
// selections stop counting against capacity.
func (s *Service) RemoveCar(ctx context.Context, selectedCarID, customerID string) error {
	if selectedCarID == "" || customerID == "" {
		return apperrors.NewValidationError("selectedCarId and customerId are required")
	}

	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		sc, err := s.repo.GetSelection(ctx, tx, selectedCarID)
		if err != nil {
			return err
		}

		dl, err := s.repo.GetForUpdate(ctx, tx, sc.DealListID)
		if err != nil {
			return err
		}
		if dl.CustomerID != customerID {
			// Not the caller's selection; indistinguishable from absent.
			return apperrors.NewNotFoundError("selected car", selectedCarID)
		}

		return s.repo.SetSelectionStatus(ctx, tx, selectedCarID, SelectionCancelled)
	})
}

// DealerCancelSelection lets a dealer withdraw a selection on a car it owns.
// The customer is notified after commit.
func (s *Service) DealerCancelSelection(ctx context.Context, selectedCarID, dealerID string) error {
	if selectedCarID == "" || dealerID == "" {
		return apperrors.NewValidationError("selectedCarId and dealerId are required")
	}

	var customerID string
	var car *registry.Car

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		sc, err := s.repo.GetSelection(ctx, tx, selectedCarID)
		if err != nil {
			return err
		}
		if sc.Status == SelectionCancelled {
			return apperrors.NewValidationError("this deal is already cancelled")
		}

		car, err = s.cars.GetByID(ctx, tx, sc.CarID)
		if err != nil {
			return err
		}
		if car.DealerID != dealerID {
			return apperrors.NewNotFoundError("selected car", selectedCarID)
		}

		dl, err := s.repo.GetForUpdate(ctx, tx, sc.DealListID)
		if err != nil {
			return err
		}
		customerID = dl.CustomerID

		return s.repo.SetSelectionStatus(ctx, tx, selectedCarID, SelectionCancelled)
	})
	if err != nil {
		return err
	}

	s.notifier.DealCancelledByDealer(ctx, customerID,
		notify.CarInfo{Year: car.Year, Make: car.Make, Model: car.Model})
	return nil
}

// Status answers "get deal status for customer X": the public read shape used
// by the shortlist UI.
func (s *Service) Status(ctx context.Context, customerID string) (*DealStatus, error) {
	if customerID == "" {
		return nil, apperrors.NewValidationError("customerId is required")
	}

	dl, err := s.repo.FindOngoing(ctx, nil, customerID)
	if err != nil {
		return nil, err
	}

	status := &DealStatus{
		MaxCars:        MaxCars,
		RemainingSlots: MaxCars,
		CarIDsInDeal:   []string{},
		CarsInDeal:     []CarSummary{},
	}
	if dl == nil {
		return status, nil
	}

	selections, summaries, err := s.repo.ListSelectionsWithCars(ctx, nil, dl.ID)
	if err != nil {
		return nil, err
	}

	status.HasActiveDeal = true
	status.DealStatus = string(dl.Status)
	status.CurrentCount = len(selections)
	if summaries != nil {
		status.CarsInDeal = summaries
	}
	for _, sc := range selections {
		status.CarIDsInDeal = append(status.CarIDsInDeal, sc.CarID)
	}

	// An accepted list has no free slots regardless of count: it must be
	// completed or cancelled before anything can be added.
	if dl.Status == ListAccepted {
		status.RemainingSlots = 0
	} else {
		status.RemainingSlots = MaxCars - status.CurrentCount
	}
	return status, nil
}

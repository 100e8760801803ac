// internal/shortlist/repo.go
package shortlist

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"deal-engine/internal/common/database"
	apperrors "deal-engine/internal/common/errors"

	"github.com/google/uuid"
)

// Repo persists deal lists and selections. Methods take an optional Queryer
// so the settlement engine can drive them inside its own transaction.
type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) q(q database.Queryer) database.Queryer {
	if q != nil {
		return q
	}
	return r.db
}

// FindOngoing returns the customer's deal list with status active or
// accepted, or nil when there is none. Always a query, never cached state.
func (r *Repo) FindOngoing(ctx context.Context, q database.Queryer, customerID string) (*DealList, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT id, customer_id, status, created_at, updated_at
		FROM deal_lists
		WHERE customer_id = $1 AND status IN ('active', 'accepted')`, customerID)

	var dl DealList
	err := row.Scan(&dl.ID, &dl.CustomerID, &dl.Status, &dl.CreatedAt, &dl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("find ongoing deal list", err)
	}
	return &dl, nil
}

// Create inserts a new active deal list. The partial unique index on
// (customer_id) WHERE status IN ('active','accepted') rejects a second
// ongoing list under concurrent creation.
func (r *Repo) Create(ctx context.Context, q database.Queryer, customerID string, now time.Time) (*DealList, error) {
	dl := &DealList{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Status:     ListActive,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	_, err := r.q(q).ExecContext(ctx, `
		INSERT INTO deal_lists (id, customer_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)`,
		dl.ID, dl.CustomerID, string(dl.Status), dl.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperrors.NewConflictError("customer already has an ongoing deal list")
		}
		return nil, apperrors.NewQueryExecutionFailedError("create deal list", err)
	}
	return dl, nil
}

// GetForUpdate loads a deal list row with FOR UPDATE so capacity checks and
// dependent writes serialize against concurrent adds.
func (r *Repo) GetForUpdate(ctx context.Context, q database.Queryer, dealListID string) (*DealList, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT id, customer_id, status, created_at, updated_at
		FROM deal_lists
		WHERE id = $1
		FOR UPDATE`, dealListID)

	var dl DealList
	err := row.Scan(&dl.ID, &dl.CustomerID, &dl.Status, &dl.CreatedAt, &dl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("deal list", dealListID)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get deal list", err)
	}
	return &dl, nil
}

// CountActiveSelections recomputes the non-cancelled selection count from
// live rows. Never a cached counter: under concurrent adds/removes the count
// must come from the same transaction that writes.
func (r *Repo) CountActiveSelections(ctx context.Context, q database.Queryer, dealListID string) (int, error) {
	var count int
	err := r.q(q).QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM selected_cars
		WHERE deal_list_id = $1 AND status != 'cancelled'`, dealListID).Scan(&count)
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("count selections", err)
	}
	return count, nil
}

// InsertSelection adds a car to a deal list with its price snapshot.
func (r *Repo) InsertSelection(ctx context.Context, q database.Queryer, dealListID, carID string, price int64, now time.Time) (*SelectedCar, error) {
	sc := &SelectedCar{
		ID:                uuid.NewString(),
		DealListID:        dealListID,
		CarID:             carID,
		Status:            SelectionPending,
		OriginalPrice:     price,
		CurrentOfferPrice: price,
		CreatedAt:         now.UTC(),
	}
	_, err := r.q(q).ExecContext(ctx, `
		INSERT INTO selected_cars (id, deal_list_id, car_id, status, original_price, current_offer_price, negotiation_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
		sc.ID, sc.DealListID, sc.CarID, string(sc.Status), sc.OriginalPrice, sc.CurrentOfferPrice, sc.CreatedAt)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("insert selection", err)
	}
	return sc, nil
}

// GetSelection loads one selection.
func (r *Repo) GetSelection(ctx context.Context, q database.Queryer, selectedCarID string) (*SelectedCar, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT id, deal_list_id, car_id, status, original_price, current_offer_price, negotiation_count, created_at
		FROM selected_cars
		WHERE id = $1`, selectedCarID)

	var sc SelectedCar
	err := row.Scan(&sc.ID, &sc.DealListID, &sc.CarID, &sc.Status,
		&sc.OriginalPrice, &sc.CurrentOfferPrice, &sc.NegotiationCount, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("selected car", selectedCarID)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get selection", err)
	}
	return &sc, nil
}

// SetSelectionStatus updates a selection's sub-status. Soft delete only:
// cancelled rows stay for audit.
func (r *Repo) SetSelectionStatus(ctx context.Context, q database.Queryer, selectedCarID string, status SelectionStatus) error {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE selected_cars SET status = $1 WHERE id = $2`,
		string(status), selectedCarID)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("set selection status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("selected car", selectedCarID)
	}
	return nil
}

// SetListStatus updates a deal list's lifecycle status.
func (r *Repo) SetListStatus(ctx context.Context, q database.Queryer, dealListID string, status ListStatus, now time.Time) error {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE deal_lists SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), now.UTC(), dealListID)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("set deal list status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("deal list", dealListID)
	}
	return nil
}

// ListSelectionsWithCars returns a list's non-cancelled selections joined to
// their car summaries, oldest first.
func (r *Repo) ListSelectionsWithCars(ctx context.Context, q database.Queryer, dealListID string) ([]SelectedCar, []CarSummary, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT sc.id, sc.deal_list_id, sc.car_id, sc.status, sc.original_price,
		       sc.current_offer_price, sc.negotiation_count, sc.created_at,
		       c.make, c.model, c.year
		FROM selected_cars sc
		JOIN cars c ON c.id = sc.car_id
		WHERE sc.deal_list_id = $1 AND sc.status != 'cancelled'
		ORDER BY sc.created_at`, dealListID)
	if err != nil {
		return nil, nil, apperrors.NewQueryExecutionFailedError("list selections", err)
	}
	defer rows.Close()

	var selections []SelectedCar
	var summaries []CarSummary
	for rows.Next() {
		var sc SelectedCar
		var cs CarSummary
		if err := rows.Scan(&sc.ID, &sc.DealListID, &sc.CarID, &sc.Status,
			&sc.OriginalPrice, &sc.CurrentOfferPrice, &sc.NegotiationCount, &sc.CreatedAt,
			&cs.Make, &cs.Model, &cs.Year); err != nil {
			return nil, nil, apperrors.NewQueryExecutionFailedError("scan selection", err)
		}
		cs.ID = sc.CarID
		selections = append(selections, sc)
		summaries = append(summaries, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperrors.NewQueryExecutionFailedError("list selections", err)
	}
	return selections, summaries, nil
}

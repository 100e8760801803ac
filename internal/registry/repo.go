// internal/registry/repo.go
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"deal-engine/internal/common/database"
	apperrors "deal-engine/internal/common/errors"
)

// Repo persists vehicles. Methods take an optional Queryer so they can run
// inside a caller-owned transaction; nil falls back to the repo's own pool.
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

const carColumns = `id, dealer_id, make, model, year, COALESCE(vin, ''), sale_price, status, status_changed_at, created_at, updated_at`

func scanCar(row interface{ Scan(...interface{}) error }) (*Car, error) {
	var c Car
	var changedAt sql.NullTime
	err := row.Scan(&c.ID, &c.DealerID, &c.Make, &c.Model, &c.Year, &c.VIN,
		&c.SalePrice, &c.Status, &changedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if changedAt.Valid {
		t := changedAt.Time
		c.StatusChangedAt = &t
	}
	return &c, nil
}

// GetByID fetches a car. Status reads always hit the store; availability is
// never cached.
func (r *Repo) GetByID(ctx context.Context, q database.Queryer, id string) (*Car, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT `+carColumns+`
		FROM cars
		WHERE id = $1`, id)

	car, err := scanCar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("car", id)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get car", err)
	}
	return car, nil
}

// SetStatus transitions a car's status. StatusChangedAt is stamped only when
// entering pending_sale or sold from active, and cleared when reverting to
// active, so the expiry sweep always sees the start of the current hold.
func (r *Repo) SetStatus(ctx context.Context, q database.Queryer, carID string, status Status, now time.Time) error {
	car, err := r.GetByID(ctx, q, carID)
	if err != nil {
		return err
	}

	if !CanTransition(car.Status, status) {
		return apperrors.NewValidationError(
			fmt.Sprintf("invalid car status transition: %s -> %s", car.Status, status))
	}

	var changedAt sql.NullTime
	switch {
	case status == StatusActive:
		// reversal: clear the stamp
	case car.Status == StatusActive:
		changedAt = sql.NullTime{Time: now.UTC(), Valid: true}
	default:
		// pending_sale -> sold keeps the original stamp
		if car.StatusChangedAt != nil {
			changedAt = sql.NullTime{Time: *car.StatusChangedAt, Valid: true}
		}
	}

	res, err := r.q(q).ExecContext(ctx, `
		UPDATE cars
		SET status = $1, status_changed_at = $2, updated_at = $3
		WHERE id = $4`,
		string(status), changedAt, now.UTC(), carID)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("set car status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("car", carID)
	}
	return nil
}

// ListAvailable returns active cars from approved dealers, the public
// availability view. Dealer approval itself is owned by an external
// collaborator; this only reads the flag.
func (r *Repo) ListAvailable(ctx context.Context, q database.Queryer, limit, offset int) ([]Car, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.q(q).QueryContext(ctx, `
		SELECT `+prefixedCarColumns("c")+`
		FROM cars c
		JOIN users u ON u.id = c.dealer_id
		WHERE c.status = 'active' AND u.approved
		ORDER BY c.created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list available cars", err)
	}
	defer rows.Close()

	var cars []Car
	for rows.Next() {
		car, err := scanCar(rows)
		if err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("scan car", err)
		}
		cars = append(cars, *car)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list available cars", err)
	}
	return cars, nil
}

// ListExpiredPendingSale returns cars stuck in pending_sale since before the
// cutoff. Used by the expiry sweep.
func (r *Repo) ListExpiredPendingSale(ctx context.Context, q database.Queryer, cutoff time.Time) ([]Car, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT `+carColumns+`
		FROM cars
		WHERE status = 'pending_sale'
		  AND status_changed_at IS NOT NULL
		  AND status_changed_at < $1
		ORDER BY status_changed_at`, cutoff.UTC())
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list expired pending sales", err)
	}
	defer rows.Close()

	var cars []Car
	for rows.Next() {
		car, err := scanCar(rows)
		if err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("scan car", err)
		}
		cars = append(cars, *car)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list expired pending sales", err)
	}
	return cars, nil
}

func prefixedCarColumns(alias string) string {
	return alias + `.id, ` + alias + `.dealer_id, ` + alias + `.make, ` + alias + `.model, ` +
		alias + `.year, COALESCE(` + alias + `.vin, ''), ` + alias + `.sale_price, ` + alias + `.status, ` +
		alias + `.status_changed_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

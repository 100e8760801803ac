// internal/settlement/repo.go
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"deal-engine/internal/common/database"
	apperrors "deal-engine/internal/common/errors"
)

// Repo is the persistence layer for accepted deals and test drives. Methods
// take an optional Queryer so they compose into caller transactions.
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

const dealColumns = `id, customer_id, car_id, final_price, verification_code,
	sold, dead_deal, cancelled_by_customer, created_at, updated_at`

func scanDeal(row *sql.Row) (*AcceptedDeal, error) {
	var d AcceptedDeal
	err := row.Scan(&d.ID, &d.CustomerID, &d.CarID, &d.FinalPrice, &d.VerificationCode,
		&d.Sold, &d.DeadDeal, &d.CancelledByCustomer, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Insert writes a new settlement row. The partial unique index on live deals
// per car is the race backstop: a violation means another acceptance won.
func (r *Repo) Insert(ctx context.Context, q database.Queryer, customerID, carID string, finalPrice int64, code string, now time.Time) (*AcceptedDeal, error) {
	d := &AcceptedDeal{
		ID:               uuid.NewString(),
		CustomerID:       customerID,
		CarID:            carID,
		FinalPrice:       finalPrice,
		VerificationCode: code,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}
	_, err := r.q(q).ExecContext(ctx, `
		INSERT INTO accepted_deals (id, customer_id, car_id, final_price,
			verification_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		d.ID, d.CustomerID, d.CarID, d.FinalPrice, d.VerificationCode, d.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperrors.NewConflictError("carId: " + carID)
		}
		return nil, apperrors.NewQueryExecutionFailedError("insert accepted deal", err)
	}
	return d, nil
}

func (r *Repo) GetByID(ctx context.Context, q database.Queryer, id string) (*AcceptedDeal, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT `+dealColumns+` FROM accepted_deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("accepted deal", id)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get accepted deal", err)
	}
	return d, nil
}

// GetForUpdate locks the settlement row so outcome flags flip exactly once
// under concurrent dealer and customer actions.
func (r *Repo) GetForUpdate(ctx context.Context, q database.Queryer, id string) (*AcceptedDeal, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT `+dealColumns+` FROM accepted_deals WHERE id = $1 FOR UPDATE`, id)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("accepted deal", id)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("lock accepted deal", err)
	}
	return d, nil
}

// FindLiveByCar returns the car's live settlement, or nil when none exists.
func (r *Repo) FindLiveByCar(ctx context.Context, q database.Queryer, carID string) (*AcceptedDeal, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT `+dealColumns+` FROM accepted_deals
		WHERE car_id = $1 AND NOT dead_deal AND NOT cancelled_by_customer`, carID)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("find live deal", err)
	}
	return d, nil
}

func (r *Repo) setFlag(ctx context.Context, q database.Queryer, id, column string, now time.Time) error {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE accepted_deals SET `+column+` = TRUE, updated_at = $1 WHERE id = $2`,
		now.UTC(), id)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("update accepted deal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("accepted deal", id)
	}
	return nil
}

// MarkSold sets the sold flag. A non-nil finalPrice overwrites the price the
// deal was accepted at with the price the sale actually closed at.
func (r *Repo) MarkSold(ctx context.Context, q database.Queryer, id string, finalPrice *int64, now time.Time) error {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE accepted_deals SET sold = TRUE, final_price = COALESCE($1, final_price), updated_at = $2 WHERE id = $3`,
		finalPrice, now.UTC(), id)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("update accepted deal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("accepted deal", id)
	}
	return nil
}

func (r *Repo) MarkDead(ctx context.Context, q database.Queryer, id string, now time.Time) error {
	return r.setFlag(ctx, q, id, "dead_deal", now)
}

func (r *Repo) MarkCancelledByCustomer(ctx context.Context, q database.Queryer, id string, now time.Time) error {
	return r.setFlag(ctx, q, id, "cancelled_by_customer", now)
}

// InsertTestDrive books a test drive against a live settlement.
func (r *Repo) InsertTestDrive(ctx context.Context, q database.Queryer, td *TestDrive, now time.Time) (*TestDrive, error) {
	td.ID = uuid.NewString()
	td.CreatedAt = now.UTC()
	td.Status = TestDriveRequested
	if td.ScheduledDate != "" && td.ScheduledTime != "" {
		td.Status = TestDriveScheduled
	}
	if td.ScheduledDate == "" {
		td.ScheduledDate = "TBD"
	}
	if td.ScheduledTime == "" {
		td.ScheduledTime = "TBD"
	}
	_, err := r.q(q).ExecContext(ctx, `
		INSERT INTO test_drives (id, accepted_deal_id, customer_id, dealer_id,
			scheduled_date, scheduled_time, customer_notes, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		td.ID, td.AcceptedDealID, td.CustomerID, td.DealerID,
		td.ScheduledDate, td.ScheduledTime, td.CustomerNotes, string(td.Status), td.CreatedAt)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("insert test drive", err)
	}
	return td, nil
}

// CountOpenTestDrives counts non-cancelled test drives on a deal.
func (r *Repo) CountOpenTestDrives(ctx context.Context, q database.Queryer, acceptedDealID string) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM test_drives
		WHERE accepted_deal_id = $1 AND status != 'cancelled'`, acceptedDealID).Scan(&n)
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("count test drives", err)
	}
	return n, nil
}

// CancelTestDrives voids every non-cancelled booking for a settlement. Used
// when the deal itself dies.
func (r *Repo) CancelTestDrives(ctx context.Context, q database.Queryer, acceptedDealID string) error {
	_, err := r.q(q).ExecContext(ctx, `
		UPDATE test_drives SET status = 'cancelled'
		WHERE accepted_deal_id = $1 AND status != 'cancelled'`, acceptedDealID)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("cancel test drives", err)
	}
	return nil
}

// ListTestDrives returns a settlement's bookings, newest first.
func (r *Repo) ListTestDrives(ctx context.Context, q database.Queryer, acceptedDealID string) ([]TestDrive, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT id, accepted_deal_id, customer_id, dealer_id, scheduled_date,
		       scheduled_time, COALESCE(customer_notes, ''), status, created_at
		FROM test_drives
		WHERE accepted_deal_id = $1
		ORDER BY created_at DESC`, acceptedDealID)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list test drives", err)
	}
	defer rows.Close()

	var out []TestDrive
	for rows.Next() {
		var td TestDrive
		if err := rows.Scan(&td.ID, &td.AcceptedDealID, &td.CustomerID, &td.DealerID,
			&td.ScheduledDate, &td.ScheduledTime, &td.CustomerNotes, &td.Status, &td.CreatedAt); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("scan test drive", err)
		}
		out = append(out, td)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list test drives", err)
	}
	return out, nil
}

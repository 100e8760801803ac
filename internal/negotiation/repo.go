// internal/negotiation/repo.go
package negotiation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"deal-engine/internal/common/database"
	apperrors "deal-engine/internal/common/errors"

	"github.com/google/uuid"
)

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

const offerColumns = `id, selected_car_id, dealer_id, offered_price, status, seq, created_at`

func scanOffer(row interface{ Scan(...interface{}) error }) (*Offer, error) {
	var o Offer
	err := row.Scan(&o.ID, &o.SelectedCarID, &o.DealerID, &o.OfferedPrice, &o.Status, &o.Seq, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetByID loads one offer.
func (r *Repo) GetByID(ctx context.Context, q database.Queryer, id string) (*Offer, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT `+offerColumns+`
		FROM negotiations
		WHERE id = $1`, id)

	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("negotiation", id)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get negotiation", err)
	}
	return o, nil
}

// CountByDealer counts every submission by a dealer for a selection,
// superseded ones included: the cap is on submissions, not open offers.
func (r *Repo) CountByDealer(ctx context.Context, q database.Queryer, selectedCarID, dealerID string) (int, error) {
	var count int
	err := r.q(q).QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM negotiations
		WHERE selected_car_id = $1 AND dealer_id = $2`,
		selectedCarID, dealerID).Scan(&count)
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("count negotiations", err)
	}
	return count, nil
}

// SupersedeOpen retires the dealer's current open offer for the selection.
// The row is kept with status superseded, never deleted.
func (r *Repo) SupersedeOpen(ctx context.Context, q database.Queryer, selectedCarID, dealerID string) error {
	_, err := r.q(q).ExecContext(ctx, `
		UPDATE negotiations
		SET status = 'superseded'
		WHERE selected_car_id = $1 AND dealer_id = $2 AND status = 'open'`,
		selectedCarID, dealerID)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("supersede open offer", err)
	}
	return nil
}

// Insert appends a new open offer. Seq comes from the BIGSERIAL column.
func (r *Repo) Insert(ctx context.Context, q database.Queryer, selectedCarID, dealerID string, price int64, now time.Time) (*Offer, error) {
	o := &Offer{
		ID:            uuid.NewString(),
		SelectedCarID: selectedCarID,
		DealerID:      dealerID,
		OfferedPrice:  price,
		Status:        OfferOpen,
		CreatedAt:     now.UTC(),
	}
	err := r.q(q).QueryRowContext(ctx, `
		INSERT INTO negotiations (id, selected_car_id, dealer_id, offered_price, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		o.ID, o.SelectedCarID, o.DealerID, o.OfferedPrice, string(o.Status), o.CreatedAt).Scan(&o.Seq)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("insert negotiation", err)
	}
	return o, nil
}

// Latest returns the dealer's most recent offer for a selection, ordered by
// creation time with seq as the tiebreaker.
func (r *Repo) Latest(ctx context.Context, q database.Queryer, selectedCarID, dealerID string) (*Offer, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT `+offerColumns+`
		FROM negotiations
		WHERE selected_car_id = $1 AND dealer_id = $2
		ORDER BY created_at DESC, seq DESC
		LIMIT 1`, selectedCarID, dealerID)

	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("negotiation", selectedCarID+"/"+dealerID)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("latest negotiation", err)
	}
	return o, nil
}

// SetStatus updates one offer's status.
func (r *Repo) SetStatus(ctx context.Context, q database.Queryer, id string, status OfferStatus) error {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE negotiations SET status = $1 WHERE id = $2`,
		string(status), id)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("set negotiation status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("negotiation", id)
	}
	return nil
}

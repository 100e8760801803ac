// internal/sweep/sweeper.go
// Package sweep finalizes stale pending-sale vehicles. A deal left in
// pending_sale past the grace window is presumed completed offline, so the
// sweep promotes it to sold and closes out the customer's deal list.
package sweep

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"deal-engine/internal/common/config"
	"deal-engine/internal/common/database"
	"deal-engine/internal/common/logger"
	"deal-engine/internal/common/metrics"
	"deal-engine/internal/registry"
	"deal-engine/internal/settlement"
	"deal-engine/internal/shortlist"
)

// lockKey serializes sweep runs across instances.
const lockKey = "deal-engine:sweep:auto-sold"

// Report summarizes one sweep run.
type Report struct {
	// Scanned is how many expired pending-sale vehicles were examined.
	Scanned int `json:"scanned"`
	// Finalized is how many were promoted to sold.
	Finalized int `json:"finalized"`
	// Skipped is true when another instance held the sweep lock.
	Skipped bool `json:"skipped,omitempty"`
}

// Sweeper runs the pending-sale expiry pass. Each vehicle is finalized in its
// own transaction so one bad row cannot wedge the whole run.
type Sweeper struct {
	db     *sql.DB
	redis  *database.RedisClient
	cars   *registry.Repo
	deals  *settlement.Repo
	lists  *shortlist.Repo
	cfg    config.SweepConfig
	logger logger.Logger
	now    func() time.Time
}

func New(db *sql.DB, redis *database.RedisClient, cars *registry.Repo, deals *settlement.Repo, lists *shortlist.Repo, cfg config.SweepConfig, log logger.Logger) *Sweeper {
	return &Sweeper{
		db:     db,
		redis:  redis,
		cars:   cars,
		deals:  deals,
		lists:  lists,
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "sweep"}),
		now:    time.Now,
	}
}

// Run executes one sweep pass. It is idempotent: a second run over the same
// data scans nothing, because finalized vehicles have left pending_sale.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	owner := uuid.NewString()
	acquired, err := s.redis.AcquireLock(ctx, lockKey, owner, config.GetDuration(s.cfg.LockTTL))
	if err != nil {
		// Redis being down should not silently stop finalization forever,
		// but overlapping runs are worse. Surface the error to the trigger.
		return Report{}, err
	}
	if !acquired {
		s.logger.Info("sweep already running elsewhere, skipping", nil)
		return Report{Skipped: true}, nil
	}
	defer func() {
		if err := s.redis.ReleaseLock(context.WithoutCancel(ctx), lockKey); err != nil {
			s.logger.Warn("failed to release sweep lock", map[string]interface{}{"error": err.Error()})
		}
	}()

	metrics.SweepRuns.Inc()

	now := s.now()
	cutoff := now.AddDate(0, 0, -s.cfg.GraceDays)
	expired, err := s.cars.ListExpiredPendingSale(ctx, nil, cutoff)
	if err != nil {
		return Report{}, err
	}

	report := Report{Scanned: len(expired)}
	for i := range expired {
		car := &expired[i]
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sold, err := s.finalize(ctx, car, now)
		if err != nil {
			s.logger.Error("failed to finalize expired deal", map[string]interface{}{
				"carId": car.ID,
				"error": err.Error(),
			})
			continue
		}
		if sold {
			report.Finalized++
			metrics.SweepFinalized.Inc()
			metrics.DealsFinalized.WithLabelValues("auto_sold").Inc()
		}
	}

	s.logger.Info("sweep complete", map[string]interface{}{
		"scanned":   report.Scanned,
		"finalized": report.Finalized,
	})
	return report, nil
}

// finalize promotes one expired pending-sale vehicle to sold. It returns
// false when the car was reverted instead of sold.
func (s *Sweeper) finalize(ctx context.Context, car *registry.Car, now time.Time) (bool, error) {
	sold := true
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		deal, err := s.deals.FindLiveByCar(ctx, tx, car.ID)
		if err != nil {
			return err
		}
		if deal == nil {
			// pending_sale without a live settlement should not happen;
			// put the car back on the market rather than selling it blind.
			s.logger.Warn("expired pending_sale car has no live deal, reverting", map[string]interface{}{
				"carId": car.ID,
			})
			sold = false
			return s.cars.SetStatus(ctx, tx, car.ID, registry.StatusActive, now)
		}
		if !deal.Sold {
			if err := s.deals.MarkSold(ctx, tx, deal.ID, nil, now); err != nil {
				return err
			}
		}
		if err := s.cars.SetStatus(ctx, tx, car.ID, registry.StatusSold, now); err != nil {
			return err
		}
		dl, err := s.lists.FindOngoing(ctx, tx, deal.CustomerID)
		if err != nil {
			return err
		}
		if dl != nil {
			return s.lists.SetListStatus(ctx, tx, dl.ID, shortlist.ListCompleted, now)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return sold, nil
}

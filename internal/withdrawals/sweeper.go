package withdrawals

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	pkgerrors "github.com/hexline-labs/couponpool-backend/pkg/errors"
	"github.com/hexline-labs/couponpool-backend/pkg/logger"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultSweepLimit    = 100
)

// SweeperParams configures the pending-review sweeper.
type SweeperParams struct {
	Logger     *logger.Logger
	Reconciler *Reconciler
	Attempts   Repository
	Interval   time.Duration
	Limit      int
}

// Sweeper periodically retries parked withdrawal attempts that carry a
// settlement reference, so confirmed transfers eventually commit even
// when no caller ever retries the key.
type Sweeper struct {
	logg       *logger.Logger
	reconciler *Reconciler
	attempts   Repository
	interval   time.Duration
	limit      int
}

// NewSweeper builds a sweeper for parked withdrawal attempts.
func NewSweeper(params SweeperParams) (*Sweeper, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if params.Attempts == nil {
		return nil, fmt.Errorf("withdrawal attempt repository required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &Sweeper{
		logg:       params.Logger,
		reconciler: params.Reconciler,
		attempts:   params.Attempts,
		interval:   interval,
		limit:      limit,
	}, nil
}

// Run blocks until ctx is canceled, sweeping on a fixed cadence.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logg.Error(ctx, "pending-review sweep finished with errors", err)
			}
		}
	}
}

// SweepOnce reconciles one batch of parked attempts. Attempts that are
// still ambiguous stay parked; only gateway and storage failures count
// as sweep errors.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	parked, err := s.attempts.ListPendingReview(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("list parked attempts: %w", err)
	}

	var errs error
	resolved := 0
	for i := range parked {
		attempt := &parked[i]
		if attempt.SettlementRef == nil || *attempt.SettlementRef == "" {
			continue
		}
		_, reconcileErr := s.reconciler.reconcileParked(ctx, attempt)
		switch {
		case reconcileErr == nil:
			resolved++
		case hasCode(reconcileErr, pkgerrors.CodeSettlementRejected):
			// The network never saw the transfer; the attempt was
			// failed and the balance stays whole.
			resolved++
		case hasCode(reconcileErr, pkgerrors.CodeSettlementAmbiguous):
			// Not final yet, the next sweep will look again.
		default:
			errs = multierr.Append(errs, fmt.Errorf("attempt %s: %w", attempt.ID, reconcileErr))
		}
	}

	if resolved > 0 {
		s.logg.Info(s.logg.WithField(ctx, "resolved", resolved), "parked withdrawals resolved")
	}
	return errs
}

func hasCode(err error, code pkgerrors.Code) bool {
	typed := pkgerrors.As(err)
	return typed != nil && typed.Code() == code
}

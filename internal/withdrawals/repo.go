package withdrawals

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hexline-labs/couponpool-backend/pkg/db/models"
	"github.com/hexline-labs/couponpool-backend/pkg/enums"
)

// Repository manages persistence for withdrawal attempts. The unique
// index on idempotency_key makes Create the claim point: exactly one
// caller wins a given key, everyone else sees a unique violation.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, attempt *models.WithdrawalAttempt) error
	FindByKey(ctx context.Context, idempotencyKey string) (*models.WithdrawalAttempt, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID) error
	MarkCommitted(ctx context.Context, id uuid.UUID, settlementRef string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkPendingReview(ctx context.Context, id uuid.UUID, settlementRef *string, reason string) error
	ListPendingReview(ctx context.Context, limit int) ([]models.WithdrawalAttempt, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a withdrawal attempt repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, attempt *models.WithdrawalAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.Status == "" {
		attempt.Status = enums.WithdrawalStatusRequested
	}
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *repository) FindByKey(ctx context.Context, idempotencyKey string) (*models.WithdrawalAttempt, error) {
	var attempt models.WithdrawalAttempt
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&attempt).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *repository) MarkSubmitted(ctx context.Context, id uuid.UUID) error {
	return r.updateStatus(ctx, id, map[string]any{
		"status": enums.WithdrawalStatusSubmitted,
	})
}

func (r *repository) MarkCommitted(ctx context.Context, id uuid.UUID, settlementRef string) error {
	return r.updateStatus(ctx, id, map[string]any{
		"status":         enums.WithdrawalStatusCommitted,
		"settlement_ref": settlementRef,
		"failure_reason": nil,
	})
}

func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.updateStatus(ctx, id, map[string]any{
		"status":         enums.WithdrawalStatusFailed,
		"failure_reason": reason,
	})
}

func (r *repository) MarkPendingReview(ctx context.Context, id uuid.UUID, settlementRef *string, reason string) error {
	updates := map[string]any{
		"status":         enums.WithdrawalStatusPendingReview,
		"failure_reason": reason,
	}
	if settlementRef != nil {
		updates["settlement_ref"] = *settlementRef
	}
	return r.updateStatus(ctx, id, updates)
}

func (r *repository) ListPendingReview(ctx context.Context, limit int) ([]models.WithdrawalAttempt, error) {
	var attempts []models.WithdrawalAttempt
	query := r.db.WithContext(ctx).
		Where("status = ?", enums.WithdrawalStatusPendingReview).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repository) updateStatus(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.WithdrawalAttempt{}).
		Where("id = ?", id).
		Updates(updates).Error
}

package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hexline-labs/couponpool-backend/pkg/db/models"
)

// Repository manages persistence for coupon events.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, event *models.CouponEvent) error
	ListByCouponID(ctx context.Context, couponID string) ([]models.CouponEvent, error)
	FindBySettlementRef(ctx context.Context, ref string) (*models.CouponEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, event *models.CouponEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) ListByCouponID(ctx context.Context, couponID string) ([]models.CouponEvent, error) {
	var events []models.CouponEvent
	if err := r.db.WithContext(ctx).
		Where("coupon_id = ?", couponID).
		Order("created_at ASC, id ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repository) FindBySettlementRef(ctx context.Context, ref string) (*models.CouponEvent, error) {
	var event models.CouponEvent
	err := r.db.WithContext(ctx).
		Where("settlement_ref = ?", ref).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

package coupons

import (
	"context"

	"github.com/hexline-labs/couponpool-backend/pkg/db/models"
	"gorm.io/gorm"
)

// BalanceChange is the outcome of a conditional balance update, telling
// callers apart whether the row was missing or the guard failed.
type BalanceChange int

const (
	BalanceChangeApplied BalanceChange = iota
	BalanceChangeNotFound
	BalanceChangeInsufficient
)

// Repository manages persistence for coupons. Balance mutations are
// single-statement conditional updates so a concurrent check-then-act
// race cannot overdraw a coupon.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, coupon *models.Coupon) (*models.Coupon, error)
	FindByIDAndOwner(ctx context.Context, id, ownerWallet string) (*models.Coupon, error)
	ListByOwner(ctx context.Context, ownerWallet string) ([]models.Coupon, error)
	Credit(ctx context.Context, id, ownerWallet string, amountCents int64) (BalanceChange, error)
	Debit(ctx context.Context, id, ownerWallet string, amountCents int64) (BalanceChange, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a coupon repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, coupon *models.Coupon) (*models.Coupon, error) {
	if err := r.db.WithContext(ctx).Create(coupon).Error; err != nil {
		return nil, err
	}
	return coupon, nil
}

func (r *repository) FindByIDAndOwner(ctx context.Context, id, ownerWallet string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := r.db.WithContext(ctx).
		Where("id = ? AND owner_wallet = ?", id, ownerWallet).
		First(&coupon).Error
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

func (r *repository) ListByOwner(ctx context.Context, ownerWallet string) ([]models.Coupon, error) {
	var coupons []models.Coupon
	err := r.db.WithContext(ctx).
		Where("owner_wallet = ?", ownerWallet).
		Order("created_at ASC").
		Find(&coupons).Error
	if err != nil {
		return nil, err
	}
	return coupons, nil
}

func (r *repository) Credit(ctx context.Context, id, ownerWallet string, amountCents int64) (BalanceChange, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Coupon{}).
		Where("id = ? AND owner_wallet = ?", id, ownerWallet).
		Update("remaining_cents", gorm.Expr("remaining_cents + ?", amountCents))
	if result.Error != nil {
		return BalanceChangeNotFound, result.Error
	}
	if result.RowsAffected == 0 {
		return BalanceChangeNotFound, nil
	}
	return BalanceChangeApplied, nil
}

// Debit subtracts amountCents only when the remaining balance covers it.
// The guard lives in the statement itself, so two concurrent debits
// against the same coupon serialize at the row and at most one wins a
// balance that only covers one of them.
func (r *repository) Debit(ctx context.Context, id, ownerWallet string, amountCents int64) (BalanceChange, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Coupon{}).
		Where("id = ? AND owner_wallet = ? AND remaining_cents >= ?", id, ownerWallet, amountCents).
		Update("remaining_cents", gorm.Expr("remaining_cents - ?", amountCents))
	if result.Error != nil {
		return BalanceChangeNotFound, result.Error
	}
	if result.RowsAffected > 0 {
		return BalanceChangeApplied, nil
	}

	// The guarded update touched nothing; tell a missing coupon apart
	// from an insufficient balance with a plain existence check.
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Coupon{}).
		Where("id = ? AND owner_wallet = ?", id, ownerWallet).
		Count(&count).Error
	if err != nil {
		return BalanceChangeNotFound, err
	}
	if count == 0 {
		return BalanceChangeNotFound, nil
	}
	return BalanceChangeInsufficient, nil
}

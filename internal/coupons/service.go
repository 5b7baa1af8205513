package coupons

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hexline-labs/couponpool-backend/internal/ledger"
	"github.com/hexline-labs/couponpool-backend/pkg/db"
	"github.com/hexline-labs/couponpool-backend/pkg/db/models"
	"github.com/hexline-labs/couponpool-backend/pkg/enums"
	pkgerrors "github.com/hexline-labs/couponpool-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines the coupon lifecycle operations.
type Service interface {
	Create(ctx context.Context, input CreateCouponInput) (*MutationResult, error)
	Deposit(ctx context.Context, input DepositInput) (*MutationResult, error)
	Withdraw(ctx context.Context, input WithdrawInput) (*MutationResult, error)
	Pay(ctx context.Context, input PayInput) (*MutationResult, error)
	ListByOwner(ctx context.Context, ownerWallet string) ([]CouponWithHistory, error)
	History(ctx context.Context, id, ownerWallet string) (*CouponWithHistory, error)
	Debit(ctx context.Context, tx *gorm.DB, id, ownerWallet string, amountCents int64) error
	AppendEvent(ctx context.Context, tx *gorm.DB, event *models.CouponEvent) error
	FindByIDAndOwner(ctx context.Context, id, ownerWallet string) (*models.Coupon, error)
}

type service struct {
	repo        Repository
	events      ledger.Repository
	tx          txRunner
	poolAddress string
}

// CreateCouponInput captures the data required to mint a coupon.
type CreateCouponInput struct {
	OwnerWallet string
	Label       string
	AmountCents int64
	ExpiresAt   *time.Time
}

// DepositInput adds value to an existing coupon.
type DepositInput struct {
	CouponID    string
	OwnerWallet string
	AmountCents int64
}

// WithdrawInput moves value off a coupon to an arbitrary recipient.
type WithdrawInput struct {
	CouponID    string
	OwnerWallet string
	AmountCents int64
	Recipient   string
}

// PayInput spends coupon value at a merchant, with an optional note.
type PayInput struct {
	CouponID    string
	OwnerWallet string
	AmountCents int64
	Merchant    string
	Note        *string
}

// MutationResult is the authoritative post-mutation state every
// balance-affecting operation returns.
type MutationResult struct {
	Coupon *models.Coupon
	Event  *models.CouponEvent
}

// CouponWithHistory pairs a coupon with its ordered event trail.
type CouponWithHistory struct {
	Coupon models.Coupon
	Events []models.CouponEvent
}

// NewService builds a coupon service with the required dependencies.
func NewService(repo Repository, events ledger.Repository, tx txRunner, poolAddress string) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("coupon repository required")
	}
	if events == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if poolAddress == "" {
		return nil, fmt.Errorf("pool address required")
	}
	return &service{
		repo:        repo,
		events:      events,
		tx:          tx,
		poolAddress: poolAddress,
	}, nil
}

const couponIDAttempts = 5

func newCouponID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "cpn_" + hex.EncodeToString(buf), nil
}

func (s *service) Create(ctx context.Context, input CreateCouponInput) (*MutationResult, error) {
	if input.OwnerWallet == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner wallet required")
	}
	if input.Label == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "label required")
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	var result MutationResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		events := s.events.WithTx(tx)

		var coupon *models.Coupon
		for attempt := 0; attempt < couponIDAttempts; attempt++ {
			id, err := newCouponID()
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate coupon id")
			}
			candidate := &models.Coupon{
				ID:             id,
				OwnerWallet:    input.OwnerWallet,
				Label:          input.Label,
				InitialCents:   input.AmountCents,
				RemainingCents: input.AmountCents,
				ExpiresAt:      input.ExpiresAt,
				PoolAddress:    s.poolAddress,
			}
			created, err := repo.Create(ctx, candidate)
			if err != nil {
				if db.IsUniqueViolation(err) {
					continue
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist coupon")
			}
			coupon = created
			break
		}
		if coupon == nil {
			return pkgerrors.New(pkgerrors.CodeInternal, "coupon id space exhausted")
		}

		event := &models.CouponEvent{
			CouponID:    coupon.ID,
			OwnerWallet: coupon.OwnerWallet,
			Type:        enums.CouponEventTypeCreate,
			AmountCents: coupon.InitialCents,
			ToAddress:   coupon.OwnerWallet,
		}
		if err := events.Create(ctx, event); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append create event")
		}

		result = MutationResult{Coupon: coupon, Event: event}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *service) Deposit(ctx context.Context, input DepositInput) (*MutationResult, error) {
	if input.CouponID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon id required")
	}
	if input.OwnerWallet == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner wallet required")
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	var result MutationResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		events := s.events.WithTx(tx)

		change, err := repo.Credit(ctx, input.CouponID, input.OwnerWallet, input.AmountCents)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "credit coupon")
		}
		if change == BalanceChangeNotFound {
			return pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
		}

		event := &models.CouponEvent{
			CouponID:    input.CouponID,
			OwnerWallet: input.OwnerWallet,
			Type:        enums.CouponEventTypeDeposit,
			AmountCents: input.AmountCents,
			ToAddress:   input.OwnerWallet,
		}
		if err := events.Create(ctx, event); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append deposit event")
		}

		coupon, err := repo.FindByIDAndOwner(ctx, input.CouponID, input.OwnerWallet)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload coupon")
		}
		result = MutationResult{Coupon: coupon, Event: event}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *service) Withdraw(ctx context.Context, input WithdrawInput) (*MutationResult, error) {
	if input.Recipient == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "recipient required")
	}
	return s.spend(ctx, spendInput{
		couponID:    input.CouponID,
		ownerWallet: input.OwnerWallet,
		amountCents: input.AmountCents,
		eventType:   enums.CouponEventTypeWithdraw,
		toAddress:   input.Recipient,
	})
}

func (s *service) Pay(ctx context.Context, input PayInput) (*MutationResult, error) {
	if input.Merchant == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "merchant required")
	}
	return s.spend(ctx, spendInput{
		couponID:    input.CouponID,
		ownerWallet: input.OwnerWallet,
		amountCents: input.AmountCents,
		eventType:   enums.CouponEventTypePay,
		toAddress:   input.Merchant,
		note:        input.Note,
	})
}

type spendInput struct {
	couponID    string
	ownerWallet string
	amountCents int64
	eventType   enums.CouponEventType
	toAddress   string
	note        *string
}

// spend is the shared debit path for withdraw and pay. The conditional
// update and the event append share one transaction, so a committed
// debit always has its event and vice versa.
func (s *service) spend(ctx context.Context, input spendInput) (*MutationResult, error) {
	if input.couponID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon id required")
	}
	if input.ownerWallet == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner wallet required")
	}
	if input.amountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	var result MutationResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		events := s.events.WithTx(tx)

		change, err := repo.Debit(ctx, input.couponID, input.ownerWallet, input.amountCents)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "debit coupon")
		}
		switch change {
		case BalanceChangeNotFound:
			return pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
		case BalanceChangeInsufficient:
			return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "coupon balance does not cover amount")
		}

		event := &models.CouponEvent{
			CouponID:    input.couponID,
			OwnerWallet: input.ownerWallet,
			Type:        input.eventType,
			AmountCents: input.amountCents,
			ToAddress:   input.toAddress,
			Note:        input.note,
		}
		if err := events.Create(ctx, event); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append spend event")
		}

		coupon, err := repo.FindByIDAndOwner(ctx, input.couponID, input.ownerWallet)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload coupon")
		}
		result = MutationResult{Coupon: coupon, Event: event}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *service) ListByOwner(ctx context.Context, ownerWallet string) ([]CouponWithHistory, error) {
	if ownerWallet == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner wallet required")
	}

	coupons, err := s.repo.ListByOwner(ctx, ownerWallet)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list coupons")
	}

	out := make([]CouponWithHistory, 0, len(coupons))
	for _, coupon := range coupons {
		events, err := s.events.ListByCouponID(ctx, coupon.ID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list coupon events")
		}
		out = append(out, CouponWithHistory{Coupon: coupon, Events: events})
	}
	return out, nil
}

func (s *service) History(ctx context.Context, id, ownerWallet string) (*CouponWithHistory, error) {
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon id required")
	}
	if ownerWallet == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner wallet required")
	}

	coupon, err := s.repo.FindByIDAndOwner(ctx, id, ownerWallet)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}

	events, err := s.events.ListByCouponID(ctx, coupon.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list coupon events")
	}
	return &CouponWithHistory{Coupon: *coupon, Events: events}, nil
}

// Debit applies a guarded balance decrement inside a caller-owned
// transaction. The withdrawal reconciler uses it to make the on-chain
// commit share one transaction with its event and attempt update.
func (s *service) Debit(ctx context.Context, tx *gorm.DB, id, ownerWallet string, amountCents int64) error {
	change, err := s.repo.WithTx(tx).Debit(ctx, id, ownerWallet, amountCents)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "debit coupon")
	}
	switch change {
	case BalanceChangeNotFound:
		return pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
	case BalanceChangeInsufficient:
		return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "coupon balance does not cover amount")
	}
	return nil
}

func (s *service) AppendEvent(ctx context.Context, tx *gorm.DB, event *models.CouponEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "event required")
	}
	if !event.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid event type")
	}
	if err := s.events.WithTx(tx).Create(ctx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append event")
	}
	return nil
}

func (s *service) FindByIDAndOwner(ctx context.Context, id, ownerWallet string) (*models.Coupon, error) {
	coupon, err := s.repo.FindByIDAndOwner(ctx, id, ownerWallet)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}
	return coupon, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parallax-cloud/compute-broker/internal/billing"
	"github.com/parallax-cloud/compute-broker/internal/logger"
	"github.com/parallax-cloud/compute-broker/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// blocksPerDay assumes the auction chain's ~6s block time.
const blocksPerDay = 14400

// minBillingGapHours guards against double-billing: a consumption pass is
// a no-op unless at least this many hours elapsed since the previous one.
const minBillingGapHours = 20

// ErrEscrowDepleted is returned when consumption reached the deposit and
// the automatic top-up failed.
var ErrEscrowDepleted = errors.New("escrow depleted")

// EscrowService is the per-deployment USD sub-ledger: deposit on fund,
// daily consumption, auto-top-up, refund on close, pause/resume.
type EscrowService interface {
	FundDeployment(ctx context.Context, deployment *models.Deployment) (*models.Escrow, error)
	ProcessDailyConsumption(ctx context.Context, escrowID uint, force bool, now time.Time) error
	RefundEscrow(ctx context.Context, deploymentID uint) (int64, error)
	PauseEscrow(deploymentID uint) error
	ResumeEscrow(deploymentID uint, now time.Time) error
	SyncDailyRate(deployment *models.Deployment) error
	GetEscrowByDeployment(deploymentID uint) (*models.Escrow, error)
	ListActiveEscrows() ([]models.Escrow, error)
	DailyRateCents(pricePerBlock string, markupRate float64) (int64, error)
}

type escrowService struct {
	db          *gorm.DB
	billing     billing.Client
	tokenPrice  decimal.Decimal // USD per whole native token
	prefundDays int
	log         *logger.Logger
}

// NewEscrowService creates an EscrowService. tokenPriceUSD is the USD
// price of one whole native token; prefundDays is the pre-funding window.
func NewEscrowService(db *gorm.DB, billingClient billing.Client, tokenPriceUSD string, prefundDays int) (EscrowService, error) {
	price, err := decimal.NewFromString(tokenPriceUSD)
	if err != nil {
		return nil, fmt.Errorf("invalid token price %q: %w", tokenPriceUSD, err)
	}
	if prefundDays < 1 {
		prefundDays = 30
	}
	return &escrowService{
		db:          db,
		billing:     billingClient,
		tokenPrice:  price,
		prefundDays: prefundDays,
		log:         logger.New("escrow"),
	}, nil
}

// DailyRateCents converts a bid's native-token price per block (in
// millionths of a token) into a marked-up USD daily rate in cents,
// rounded up so fractional cents are never given away.
func (s *escrowService) DailyRateCents(pricePerBlock string, markupRate float64) (int64, error) {
	price, err := decimal.NewFromString(pricePerBlock)
	if err != nil {
		return 0, fmt.Errorf("invalid price per block %q: %w", pricePerBlock, err)
	}

	tokensPerDay := price.Mul(decimal.NewFromInt(blocksPerDay)).Shift(-6)
	usdPerDay := tokensPerDay.Mul(s.tokenPrice)
	markup := decimal.NewFromFloat(1 + markupRate)
	cents := usdPerDay.Mul(markup).Shift(2).Ceil()
	return cents.IntPart(), nil
}

// FundDeployment creates and funds the escrow for an active deployment.
// The up-front debit must succeed: a deployment may never be fundable
// beyond what the organization has already paid for.
func (s *escrowService) FundDeployment(ctx context.Context, deployment *models.Deployment) (*models.Escrow, error) {
	accountID, err := s.billing.ResolveBillingAccount(ctx, deployment.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve billing account: %w", err)
	}
	markup, err := s.billing.GetMarkupRate(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get markup rate: %w", err)
	}

	dailyRate, err := s.DailyRateCents(deployment.PricePerBlock, markup)
	if err != nil {
		return nil, err
	}
	deposit := dailyRate * int64(s.prefundDays)

	key := fmt.Sprintf("escrow-fund-%d", deployment.ID)
	if _, err := s.billing.Debit(ctx, accountID, deposit, key, map[string]string{
		"deployment_id": fmt.Sprint(deployment.ID),
		"reason":        "escrow_deposit",
	}); err != nil {
		return nil, fmt.Errorf("failed to debit escrow deposit: %w", err)
	}

	escrow := &models.Escrow{
		DeploymentID:     deployment.ID,
		BillingAccountID: accountID,
		DepositCents:     deposit,
		DailyRateCents:   dailyRate,
		MarkupRate:       markup,
		Status:           models.EscrowStatusActive,
		LastBilledAt:     time.Now().UTC(),
	}
	if err := s.db.Create(escrow).Error; err != nil {
		return nil, fmt.Errorf("failed to persist escrow: %w", err)
	}

	s.log.Info("escrow funded",
		"deployment_id", deployment.ID,
		"deposit_cents", deposit,
		"daily_rate_cents", dailyRate)
	return escrow, nil
}

// ProcessDailyConsumption advances the ledger by the elapsed whole days.
// When consumption would exceed the deposit it attempts an idempotent
// top-up debit for exactly the overage; on top-up failure it caps
// consumption at the deposit and marks the escrow depleted.
func (s *escrowService) ProcessDailyConsumption(ctx context.Context, escrowID uint, force bool, now time.Time) error {
	var escrow models.Escrow
	if err := s.db.First(&escrow, escrowID).Error; err != nil {
		return fmt.Errorf("failed to load escrow %d: %w", escrowID, err)
	}
	if escrow.Status != models.EscrowStatusActive {
		return nil
	}

	hours := now.Sub(escrow.LastBilledAt).Hours()
	if hours < minBillingGapHours && !force {
		return nil
	}

	days := int64(hours / 24)
	if days < 1 {
		days = 1
	}
	amount := days * escrow.DailyRateCents
	newConsumed := escrow.ConsumedCents + amount

	if newConsumed > escrow.DepositCents {
		overage := newConsumed - escrow.DepositCents
		key := fmt.Sprintf("escrow-%d-topup-%s", escrow.ID, now.UTC().Format("2006-01-02"))
		_, err := s.billing.Debit(ctx, escrow.BillingAccountID, overage, key, map[string]string{
			"deployment_id": fmt.Sprint(escrow.DeploymentID),
			"reason":        "escrow_topup",
		})
		if err != nil {
			// Cap at the deposit and mark depleted; the scheduler's
			// threshold check acts on this status.
			escrow.ConsumedCents = escrow.DepositCents
			escrow.Status = models.EscrowStatusDepleted
			escrow.LastBilledAt = now
			if saveErr := s.db.Save(&escrow).Error; saveErr != nil {
				return fmt.Errorf("failed to persist depleted escrow: %w", saveErr)
			}
			s.log.Warn("escrow top-up failed, marked depleted",
				"escrow_id", escrow.ID,
				"deployment_id", escrow.DeploymentID,
				"error", err.Error())
			return ErrEscrowDepleted
		}
		escrow.DepositCents += overage
	}

	escrow.ConsumedCents = newConsumed
	escrow.LastBilledAt = now
	if err := s.db.Save(&escrow).Error; err != nil {
		return fmt.Errorf("failed to persist escrow consumption: %w", err)
	}
	return nil
}

// RefundEscrow credits back the unconsumed remainder. Idempotent: a
// second call returns the previously refunded amount without issuing
// another credit.
func (s *escrowService) RefundEscrow(ctx context.Context, deploymentID uint) (int64, error) {
	escrow, err := s.GetEscrowByDeployment(deploymentID)
	if err != nil {
		return 0, err
	}
	if escrow.RefundedAt != nil {
		return escrow.RefundedCents, nil
	}

	refund := escrow.DepositCents - escrow.ConsumedCents
	if refund < 0 {
		refund = 0
	}

	if refund > 0 {
		key := fmt.Sprintf("escrow-refund-%d", escrow.ID)
		if _, err := s.billing.Credit(ctx, escrow.BillingAccountID, refund, key, map[string]string{
			"deployment_id": fmt.Sprint(deploymentID),
			"reason":        "escrow_refund",
		}); err != nil {
			// Best effort. The escrow is still marked refunded so a row
			// whose credit partially succeeded upstream is never retried.
			s.log.Warn("escrow refund credit failed",
				"escrow_id", escrow.ID,
				"error", err.Error())
		}
	}

	now := time.Now().UTC()
	escrow.RefundedCents = refund
	escrow.RefundedAt = &now
	escrow.Status = models.EscrowStatusRefunded
	if err := s.db.Save(escrow).Error; err != nil {
		return 0, fmt.Errorf("failed to persist refund: %w", err)
	}
	return refund, nil
}

// PauseEscrow is a status transition only; no money moves.
func (s *escrowService) PauseEscrow(deploymentID uint) error {
	return s.db.Model(&models.Escrow{}).
		Where("deployment_id = ? AND status IN ?", deploymentID,
			[]models.EscrowStatus{models.EscrowStatusActive, models.EscrowStatusDepleted}).
		Update("status", models.EscrowStatusPaused).Error
}

// ResumeEscrow reactivates a paused escrow. LastBilledAt is reset to the
// resume instant so the paused interval is never retroactively billed.
func (s *escrowService) ResumeEscrow(deploymentID uint, now time.Time) error {
	return s.db.Model(&models.Escrow{}).
		Where("deployment_id = ? AND status = ?", deploymentID, models.EscrowStatusPaused).
		Updates(map[string]interface{}{
			"status":         models.EscrowStatusActive,
			"last_billed_at": now,
		}).Error
}

// SyncDailyRate recomputes the daily rate from the deployment's current
// lease price, keeping the stored markup. A redeploy can win a bid at a
// different market price than the one the escrow was funded at.
func (s *escrowService) SyncDailyRate(deployment *models.Deployment) error {
	escrow, err := s.GetEscrowByDeployment(deployment.ID)
	if err != nil {
		return err
	}

	rate, err := s.DailyRateCents(deployment.PricePerBlock, escrow.MarkupRate)
	if err != nil {
		return err
	}
	if rate == escrow.DailyRateCents {
		return nil
	}

	s.log.Info("escrow daily rate updated",
		"deployment_id", deployment.ID,
		"old_rate_cents", escrow.DailyRateCents,
		"new_rate_cents", rate)
	return s.db.Model(&models.Escrow{}).Where("id = ?", escrow.ID).
		Update("daily_rate_cents", rate).Error
}

func (s *escrowService) GetEscrowByDeployment(deploymentID uint) (*models.Escrow, error) {
	var escrow models.Escrow
	if err := s.db.Where("deployment_id = ?", deploymentID).First(&escrow).Error; err != nil {
		return nil, fmt.Errorf("failed to load escrow for deployment %d: %w", deploymentID, err)
	}
	return &escrow, nil
}

func (s *escrowService) ListActiveEscrows() ([]models.Escrow, error) {
	var escrows []models.Escrow
	err := s.db.Where("status = ?", models.EscrowStatusActive).Find(&escrows).Error
	return escrows, err
}

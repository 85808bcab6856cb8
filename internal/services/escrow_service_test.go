package services

import (
	"context"
	"testing"
	"time"

	"github.com/parallax-cloud/compute-broker/internal/billing"
	"github.com/parallax-cloud/compute-broker/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newEscrowFixture(t *testing.T) (EscrowService, *fakeBillingClient, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	billingClient := newFakeBillingClient()
	service, err := NewEscrowService(db, billingClient, "1.00", 30)
	require.NoError(t, err)
	return service, billingClient, db
}

func createEscrowRow(t *testing.T, db *gorm.DB, deposit, consumed, dailyRate int64, lastBilled time.Time) *models.Escrow {
	t.Helper()
	escrow := &models.Escrow{
		DeploymentID:     uint(time.Now().UnixNano() % 1_000_000),
		BillingAccountID: "acct-org1",
		DepositCents:     deposit,
		ConsumedCents:    consumed,
		DailyRateCents:   dailyRate,
		MarkupRate:       0.2,
		Status:           models.EscrowStatusActive,
		LastBilledAt:     lastBilled,
	}
	require.NoError(t, db.Create(escrow).Error)
	return escrow
}

func TestEscrowDailyRate(t *testing.T) {
	service, _, _ := newEscrowFixture(t)

	t.Run("ConvertsBlockPriceToDailyCents", func(t *testing.T) {
		// 100 millionths of a token per block at 14400 blocks/day and
		// $1.00/token is $1.44/day; a 20% markup makes 172.8, rounded up.
		rate, err := service.DailyRateCents("100", 0.2)
		require.NoError(t, err)
		assert.Equal(t, int64(173), rate)
	})

	t.Run("RejectsMalformedPrice", func(t *testing.T) {
		_, err := service.DailyRateCents("not-a-number", 0)
		assert.Error(t, err)
	})
}

func TestFundDeployment(t *testing.T) {
	service, billingClient, db := newEscrowFixture(t)

	deployment := &models.Deployment{
		ServiceID:      "svc-1",
		OrganizationID: "org1",
		Owner:          "owner1",
		PricePerBlock:  "100",
		Status:         models.DeploymentStatusActive,
	}
	require.NoError(t, db.Create(deployment).Error)

	t.Run("DepositsPrefundWindow", func(t *testing.T) {
		escrow, err := service.FundDeployment(context.Background(), deployment)
		require.NoError(t, err)

		assert.Equal(t, int64(173), escrow.DailyRateCents)
		assert.Equal(t, int64(173*30), escrow.DepositCents)
		assert.Equal(t, models.EscrowStatusActive, escrow.Status)
		require.Len(t, billingClient.debits, 1)
		assert.Equal(t, int64(173*30), billingClient.debits[0].cents)
	})

	t.Run("InsufficientBalanceAbortsFunding", func(t *testing.T) {
		other := &models.Deployment{
			ServiceID:      "svc-2",
			OrganizationID: "org1",
			Owner:          "owner1",
			PricePerBlock:  "100",
			Status:         models.DeploymentStatusActive,
		}
		require.NoError(t, db.Create(other).Error)

		billingClient.debitErr = billing.ErrInsufficientBalance
		defer func() { billingClient.debitErr = nil }()

		_, err := service.FundDeployment(context.Background(), other)
		require.Error(t, err)
		assert.ErrorIs(t, err, billing.ErrInsufficientBalance)

		var count int64
		db.Model(&models.Escrow{}).Where("deployment_id = ?", other.ID).Count(&count)
		assert.Zero(t, count)
	})
}

func TestProcessDailyConsumption(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("BillsOneDayAfterFullDay", func(t *testing.T) {
		service, _, db := newEscrowFixture(t)
		escrow := createEscrowRow(t, db, 3000, 0, 100, now.Add(-25*time.Hour))

		require.NoError(t, service.ProcessDailyConsumption(context.Background(), escrow.ID, false, now))

		var got models.Escrow
		require.NoError(t, db.First(&got, escrow.ID).Error)
		assert.Equal(t, int64(100), got.ConsumedCents)
		assert.WithinDuration(t, now, got.LastBilledAt, time.Second)
	})

	t.Run("DoubleBillingGuard", func(t *testing.T) {
		service, _, db := newEscrowFixture(t)
		lastBilled := now.Add(-10 * time.Hour)
		escrow := createEscrowRow(t, db, 3000, 100, 100, lastBilled)

		require.NoError(t, service.ProcessDailyConsumption(context.Background(), escrow.ID, false, now))

		var got models.Escrow
		require.NoError(t, db.First(&got, escrow.ID).Error)
		assert.Equal(t, int64(100), got.ConsumedCents)
		assert.WithinDuration(t, lastBilled, got.LastBilledAt, time.Second)
	})

	t.Run("ForceBypassesGuard", func(t *testing.T) {
		service, _, db := newEscrowFixture(t)
		escrow := createEscrowRow(t, db, 3000, 100, 100, now.Add(-10*time.Hour))

		require.NoError(t, service.ProcessDailyConsumption(context.Background(), escrow.ID, true, now))

		var got models.Escrow
		require.NoError(t, db.First(&got, escrow.ID).Error)
		assert.Equal(t, int64(200), got.ConsumedCents)
	})

	t.Run("BillsMultipleElapsedDays", func(t *testing.T) {
		service, _, db := newEscrowFixture(t)
		escrow := createEscrowRow(t, db, 3000, 0, 100, now.Add(-72*time.Hour))

		require.NoError(t, service.ProcessDailyConsumption(context.Background(), escrow.ID, false, now))

		var got models.Escrow
		require.NoError(t, db.First(&got, escrow.ID).Error)
		assert.Equal(t, int64(300), got.ConsumedCents)
	})

	t.Run("TopUpOnOverage", func(t *testing.T) {
		service, billingClient, db := newEscrowFixture(t)
		escrow := createEscrowRow(t, db, 100, 50, 100, now.Add(-25*time.Hour))

		require.NoError(t, service.ProcessDailyConsumption(context.Background(), escrow.ID, false, now))

		var got models.Escrow
		require.NoError(t, db.First(&got, escrow.ID).Error)
		// Overage of 50 topped up: deposit and consumed both advance.
		assert.Equal(t, int64(150), got.DepositCents)
		assert.Equal(t, int64(150), got.ConsumedCents)
		assert.Equal(t, models.EscrowStatusActive, got.Status)
		require.Len(t, billingClient.debits, 1)
		assert.Equal(t, int64(50), billingClient.debits[0].cents)
	})

	t.Run("TopUpFailureDepletes", func(t *testing.T) {
		service, billingClient, db := newEscrowFixture(t)
		billingClient.debitErr = billing.ErrInsufficientBalance
		escrow := createEscrowRow(t, db, 100, 50, 100, now.Add(-25*time.Hour))

		err := service.ProcessDailyConsumption(context.Background(), escrow.ID, false, now)
		assert.ErrorIs(t, err, ErrEscrowDepleted)

		var got models.Escrow
		require.NoError(t, db.First(&got, escrow.ID).Error)
		assert.Equal(t, models.EscrowStatusDepleted, got.Status)
		// Never records consumed > deposit.
		assert.Equal(t, got.DepositCents, got.ConsumedCents)
	})

	t.Run("InvariantHoldsAcrossRepeatedCalls", func(t *testing.T) {
		service, _, db := newEscrowFixture(t)
		escrow := createEscrowRow(t, db, 250, 0, 100, now.Add(-25*time.Hour))

		for day := 1; day <= 5; day++ {
			at := now.Add(time.Duration(day) * 24 * time.Hour)
			_ = service.ProcessDailyConsumption(context.Background(), escrow.ID, false, at)

			var got models.Escrow
			require.NoError(t, db.First(&got, escrow.ID).Error)
			assert.LessOrEqual(t, got.ConsumedCents, got.DepositCents)
		}
	})
}

func TestRefundEscrow(t *testing.T) {
	t.Run("IdempotentRefund", func(t *testing.T) {
		service, billingClient, db := newEscrowFixture(t)
		escrow := createEscrowRow(t, db, 3000, 1200, 100, time.Now().UTC())

		first, err := service.RefundEscrow(context.Background(), escrow.DeploymentID)
		require.NoError(t, err)
		assert.Equal(t, int64(1800), first)

		second, err := service.RefundEscrow(context.Background(), escrow.DeploymentID)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		// At most one external credit call.
		assert.Len(t, billingClient.credits, 1)
	})

	t.Run("FailedCreditStillMarksRefunded", func(t *testing.T) {
		service, billingClient, db := newEscrowFixture(t)
		billingClient.creditErr = assert.AnError
		escrow := createEscrowRow(t, db, 3000, 1200, 100, time.Now().UTC())

		refunded, err := service.RefundEscrow(context.Background(), escrow.DeploymentID)
		require.NoError(t, err)
		assert.Equal(t, int64(1800), refunded)

		var got models.Escrow
		require.NoError(t, db.First(&got, escrow.ID).Error)
		assert.Equal(t, models.EscrowStatusRefunded, got.Status)
		assert.NotNil(t, got.RefundedAt)
	})
}

func TestPauseResume(t *testing.T) {
	service, _, db := newEscrowFixture(t)
	escrow := createEscrowRow(t, db, 3000, 0, 100, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, service.PauseEscrow(escrow.DeploymentID))

	var paused models.Escrow
	require.NoError(t, db.First(&paused, escrow.ID).Error)
	assert.Equal(t, models.EscrowStatusPaused, paused.Status)

	resumeAt := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, service.ResumeEscrow(escrow.DeploymentID, resumeAt))

	var resumed models.Escrow
	require.NoError(t, db.First(&resumed, escrow.ID).Error)
	assert.Equal(t, models.EscrowStatusActive, resumed.Status)
	// The paused interval is never retroactively billed.
	assert.WithinDuration(t, resumeAt, resumed.LastBilledAt, time.Second)
}

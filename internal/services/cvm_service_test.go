package services

import (
	"context"
	"testing"
	"time"

	"github.com/parallax-cloud/compute-broker/internal/cvmcli"
	"github.com/parallax-cloud/compute-broker/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type marketBFixture struct {
	service CvmService
	cli     *fakeCLI
	billing *fakeBillingClient
	db      *gorm.DB
}

func newMarketBFixture(t *testing.T) *marketBFixture {
	t.Helper()
	db := newTestDB(t)
	cli := &fakeCLI{createAppID: "app-1"}
	billingClient := newFakeBillingClient()

	cfg := CvmConfig{
		WorkDir:      t.TempDir(),
		PollInterval: time.Millisecond,
		PollAttempts: 5,
		SizeRates:    map[string]int64{"small": 100, "large": 400},
		DefaultRate:  100,
	}
	service := NewCvmService(db, cli, billingClient, NewManifestService(), cfg)
	return &marketBFixture{service: service, cli: cli, billing: billingClient, db: db}
}

func cvmRequest(serviceID string) CreateCvmRequest {
	return CreateCvmRequest{
		ServiceID:      serviceID,
		OrganizationID: "org1",
		Size:           "small",
		Spec: ServiceSpec{
			Name:      "agent",
			Image:     "agent:2.1",
			CPUMillis: 1000,
			MemoryMB:  2048,
			StorageMB: 4096,
			Port:      8080,
		},
	}
}

// runningCvmRow seeds a running CVM directly, bypassing the create flow,
// for billing and lifecycle tests that need a controlled checkpoint.
func runningCvmRow(t *testing.T, db *gorm.DB, hourlyRate int64, lastBilled time.Time) *models.CvmDeployment {
	t.Helper()
	active := lastBilled
	deployment := &models.CvmDeployment{
		ServiceID:        "svc-seeded",
		OrganizationID:   "org1",
		AppID:            "app-seeded",
		ComposeSpec:      "services: {}",
		Size:             "small",
		BillingAccountID: "acct-org1",
		HourlyRateCents:  hourlyRate,
		Status:           models.CvmStatusRunning,
		ActiveAt:         &active,
		LastBilledAt:     &lastBilled,
	}
	require.NoError(t, db.Create(deployment).Error)
	return deployment
}

func TestCreateCvmDeployment(t *testing.T) {
	t.Run("RunningWithURL", func(t *testing.T) {
		f := newMarketBFixture(t)
		f.cli.statuses = []cvmcli.AppStatus{
			{State: "creating"},
			{State: "running", PublicURLs: []string{"https://app-1.cvm.example.com"}},
		}

		deployment, err := f.service.CreateCvmDeployment(context.Background(), cvmRequest("svc-1"))
		require.NoError(t, err)

		assert.Equal(t, models.CvmStatusRunning, deployment.Status)
		assert.Equal(t, "app-1", deployment.AppID)
		assert.Equal(t, "https://app-1.cvm.example.com", deployment.URL)
		assert.NotNil(t, deployment.ActiveAt)
		assert.NotNil(t, deployment.LastBilledAt)
		// 100 cents base with the 20% markup.
		assert.Equal(t, int64(120), deployment.HourlyRateCents)
		assert.Equal(t, "acct-org1", deployment.BillingAccountID)
	})

	t.Run("HostFailureSurfacedVerbatim", func(t *testing.T) {
		f := newMarketBFixture(t)
		f.cli.statuses = []cvmcli.AppStatus{
			{State: "creating"},
			{State: "failed", Error: "disk quota exceeded"},
		}

		deployment, err := f.service.CreateCvmDeployment(context.Background(), cvmRequest("svc-1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CVM failed: disk quota exceeded")

		assert.Equal(t, models.CvmStatusFailed, deployment.Status)
		assert.Contains(t, deployment.ErrorMessage, "disk quota exceeded")
	})

	t.Run("NeverRunningExhaustsPollBudget", func(t *testing.T) {
		f := newMarketBFixture(t)
		f.cli.statuses = []cvmcli.AppStatus{{State: "creating"}}

		deployment, err := f.service.CreateCvmDeployment(context.Background(), cvmRequest("svc-1"))
		require.Error(t, err)
		assert.Equal(t, models.CvmStatusFailed, deployment.Status)
	})

	t.Run("EnvValuesNeverPersisted", func(t *testing.T) {
		f := newMarketBFixture(t)
		f.cli.statuses = []cvmcli.AppStatus{{State: "running"}}

		req := cvmRequest("svc-1")
		req.Env = map[string]string{
			"SECRET_TOKEN": "hunter2",
			"API_KEY":      "sk-abc123",
		}

		deployment, err := f.service.CreateCvmDeployment(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, models.StringList{"API_KEY", "SECRET_TOKEN"}, deployment.EnvVarNames)
		assert.NotContains(t, deployment.ComposeSpec, "hunter2")
		assert.NotContains(t, deployment.ComposeSpec, "sk-abc123")

		var stored models.CvmDeployment
		require.NoError(t, f.db.First(&stored, deployment.ID).Error)
		assert.NotContains(t, stored.ComposeSpec, "hunter2")
		assert.Equal(t, models.StringList{"API_KEY", "SECRET_TOKEN"}, stored.EnvVarNames)
	})

	t.Run("UnknownSizeUsesDefaultRate", func(t *testing.T) {
		f := newMarketBFixture(t)
		f.cli.statuses = []cvmcli.AppStatus{{State: "running"}}

		req := cvmRequest("svc-1")
		req.Size = "xxl"

		deployment, err := f.service.CreateCvmDeployment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, int64(120), deployment.HourlyRateCents)
	})
}

func TestStopCvmDeployment(t *testing.T) {
	t.Run("BillsPartialHoursRoundedUp", func(t *testing.T) {
		f := newMarketBFixture(t)
		// 2.5 hours at $1.00/hr bills as 3 whole hours.
		deployment := runningCvmRow(t, f.db, 100, time.Now().UTC().Add(-150*time.Minute))

		require.NoError(t, f.service.StopCvmDeployment(context.Background(), deployment.ID))

		require.Len(t, f.billing.debits, 1)
		assert.Equal(t, int64(300), f.billing.debits[0].cents)

		var got models.CvmDeployment
		require.NoError(t, f.db.First(&got, deployment.ID).Error)
		assert.Equal(t, models.CvmStatusStopped, got.Status)
		assert.Equal(t, int64(300), got.BilledCents)
		assert.Equal(t, []string{"app-seeded"}, f.cli.stops)
	})

	t.Run("StopIsIdempotent", func(t *testing.T) {
		f := newMarketBFixture(t)
		deployment := runningCvmRow(t, f.db, 100, time.Now().UTC().Add(-time.Hour))

		require.NoError(t, f.service.StopCvmDeployment(context.Background(), deployment.ID))
		require.NoError(t, f.service.StopCvmDeployment(context.Background(), deployment.ID))

		assert.Len(t, f.cli.stops, 1)
		assert.Len(t, f.billing.debits, 1)
	})

	t.Run("BillingFailureStillStops", func(t *testing.T) {
		f := newMarketBFixture(t)
		f.billing.debitErr = assert.AnError
		deployment := runningCvmRow(t, f.db, 100, time.Now().UTC().Add(-time.Hour))

		require.NoError(t, f.service.StopCvmDeployment(context.Background(), deployment.ID))

		var got models.CvmDeployment
		require.NoError(t, f.db.First(&got, deployment.ID).Error)
		assert.Equal(t, models.CvmStatusStopped, got.Status)
		assert.Zero(t, got.BilledCents)
	})
}

func TestStartCvmDeployment(t *testing.T) {
	f := newMarketBFixture(t)
	deployment := runningCvmRow(t, f.db, 100, time.Now().UTC().Add(-3*time.Hour))

	require.NoError(t, f.service.StopCvmDeployment(context.Background(), deployment.ID))

	before := time.Now().UTC()
	require.NoError(t, f.service.StartCvmDeployment(context.Background(), deployment.ID))

	var got models.CvmDeployment
	require.NoError(t, f.db.First(&got, deployment.ID).Error)
	assert.Equal(t, models.CvmStatusRunning, got.Status)
	// The stopped interval is never billed; the checkpoint restarts now.
	require.NotNil(t, got.LastBilledAt)
	assert.WithinDuration(t, before, *got.LastBilledAt, 2*time.Second)

	// Starting a running CVM is rejected.
	assert.Error(t, f.service.StartCvmDeployment(context.Background(), deployment.ID))
}

func TestDeleteCvmDeployment(t *testing.T) {
	t.Run("RunningIsBilledThenDeleted", func(t *testing.T) {
		f := newMarketBFixture(t)
		deployment := runningCvmRow(t, f.db, 100, time.Now().UTC().Add(-90*time.Minute))

		require.NoError(t, f.service.DeleteCvmDeployment(context.Background(), deployment.ID))

		require.Len(t, f.billing.debits, 1)
		assert.Equal(t, int64(200), f.billing.debits[0].cents)
		assert.Equal(t, []string{"app-seeded"}, f.cli.deletes)

		var got models.CvmDeployment
		require.NoError(t, f.db.First(&got, deployment.ID).Error)
		assert.Equal(t, models.CvmStatusDeleted, got.Status)
	})

	t.Run("StoppedIsDeletedWithoutBilling", func(t *testing.T) {
		f := newMarketBFixture(t)
		deployment := runningCvmRow(t, f.db, 100, time.Now().UTC().Add(-time.Hour))

		require.NoError(t, f.service.StopCvmDeployment(context.Background(), deployment.ID))
		debitsAfterStop := len(f.billing.debits)

		require.NoError(t, f.service.DeleteCvmDeployment(context.Background(), deployment.ID))
		assert.Len(t, f.billing.debits, debitsAfterStop)

		// Deleting again is a no-op.
		require.NoError(t, f.service.DeleteCvmDeployment(context.Background(), deployment.ID))
		assert.Len(t, f.cli.deletes, 1)
	})
}

func TestCvmLogsAndAttestation(t *testing.T) {
	f := newMarketBFixture(t)
	deployment := runningCvmRow(t, f.db, 100, time.Now().UTC())

	logs, err := f.service.GetLogs(context.Background(), deployment.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, "log output", logs)

	quote, err := f.service.GetAttestation(context.Background(), deployment.ID)
	require.NoError(t, err)
	assert.Contains(t, quote, "quote")
}

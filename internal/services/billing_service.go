package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parallax-cloud/compute-broker/internal/billing"
	"github.com/parallax-cloud/compute-broker/internal/logger"
	"github.com/parallax-cloud/compute-broker/internal/models"
	"gorm.io/gorm"
)

// BillingRunSummary reports one scheduler pass. Per-item failures are
// aggregated here instead of aborting the batch.
type BillingRunSummary struct {
	EscrowsProcessed    int `json:"escrows_processed"`
	EscrowsDepleted     int `json:"escrows_depleted"`
	EscrowsFailed       int `json:"escrows_failed"`
	CvmsBilled          int `json:"cvms_billed"`
	CvmsSkipped         int `json:"cvms_skipped"`
	CvmsFailed          int `json:"cvms_failed"`
	OrganizationsPaused int `json:"organizations_paused"`
}

// BillingService is the only actor that advances escrow time and the only
// one that decides, organization-wide, when to pause workloads.
type BillingService interface {
	// RunBillingCycle executes one scheduled pass: Market-A consumption,
	// Market-B hourly debits, then the per-organization threshold check.
	// force bypasses the minimum-elapsed guards; skipPause skips phase 3.
	RunBillingCycle(ctx context.Context, force, skipPause bool) (*BillingRunSummary, error)
	// Start runs billing cycles on the configured cadence until the
	// context is cancelled.
	Start(ctx context.Context)
}

type billingService struct {
	db          *gorm.DB
	escrow      EscrowService
	deployments DeploymentService
	cvms        CvmService
	billing     billing.Client
	interval    time.Duration
	log         *logger.Logger
}

func NewBillingService(db *gorm.DB, escrow EscrowService, deployments DeploymentService,
	cvms CvmService, billingClient billing.Client, interval time.Duration) BillingService {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &billingService{
		db:          db,
		escrow:      escrow,
		deployments: deployments,
		cvms:        cvms,
		billing:     billingClient,
		interval:    interval,
		log:         logger.New("billing-scheduler"),
	}
}

func (s *billingService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunBillingCycle(ctx, false, false); err != nil {
				s.log.Error("billing cycle failed", "error", err.Error())
			}
		}
	}
}

func (s *billingService) RunBillingCycle(ctx context.Context, force, skipPause bool) (*BillingRunSummary, error) {
	now := time.Now().UTC()
	summary := &BillingRunSummary{}

	s.consumeEscrows(ctx, force, now, summary)
	s.billCvms(ctx, force, now, summary)
	if !skipPause {
		s.enforceThreshold(ctx, summary)
	}

	s.log.Info("billing cycle finished",
		"escrows_processed", summary.EscrowsProcessed,
		"escrows_depleted", summary.EscrowsDepleted,
		"escrows_failed", summary.EscrowsFailed,
		"cvms_billed", summary.CvmsBilled,
		"cvms_failed", summary.CvmsFailed,
		"organizations_paused", summary.OrganizationsPaused)
	return summary, nil
}

// consumeEscrows is phase 1: daily consumption for every active escrow
// whose underlying deployment is still active.
func (s *billingService) consumeEscrows(ctx context.Context, force bool, now time.Time, summary *BillingRunSummary) {
	escrows, err := s.escrow.ListActiveEscrows()
	if err != nil {
		s.log.Error("failed to list active escrows", "error", err.Error())
		return
	}

	for _, e := range escrows {
		var deployment models.Deployment
		if err := s.db.First(&deployment, e.DeploymentID).Error; err != nil {
			s.log.Warn("escrow references missing deployment",
				"escrow_id", e.ID,
				"deployment_id", e.DeploymentID)
			summary.EscrowsFailed++
			continue
		}
		if deployment.Status != models.DeploymentStatusActive {
			continue
		}

		err := s.escrow.ProcessDailyConsumption(ctx, e.ID, force, now)
		switch {
		case errors.Is(err, ErrEscrowDepleted):
			summary.EscrowsProcessed++
			summary.EscrowsDepleted++
		case err != nil:
			s.log.Error("escrow consumption failed",
				"escrow_id", e.ID,
				"error", err.Error())
			summary.EscrowsFailed++
		default:
			summary.EscrowsProcessed++
		}
	}
}

// billCvms is phase 2: debit each running CVM for its elapsed whole
// hours. The idempotency key is scoped to the deployment and billing day,
// so a re-run on the same day is a no-op. Insufficient balance is
// swallowed here; phase 3 acts on it.
func (s *billingService) billCvms(ctx context.Context, force bool, now time.Time, summary *BillingRunSummary) {
	cvms, err := s.cvms.ListActiveCvmDeployments()
	if err != nil {
		s.log.Error("failed to list active CVMs", "error", err.Error())
		return
	}

	for i := range cvms {
		c := &cvms[i]
		if c.BillingAccountID == "" {
			summary.CvmsSkipped++
			continue
		}

		checkpoint := c.ActiveAt
		if c.LastBilledAt != nil {
			checkpoint = c.LastBilledAt
		}
		if checkpoint == nil {
			summary.CvmsSkipped++
			continue
		}

		hours := int64(now.Sub(*checkpoint).Hours())
		if hours < 1 {
			if !force {
				summary.CvmsSkipped++
				continue
			}
			hours = 1
		}

		amount := hours * c.HourlyRateCents
		key := fmt.Sprintf("cvm-%d-%s", c.ID, now.Format("2006-01-02"))
		_, err := s.billing.Debit(ctx, c.BillingAccountID, amount, key, map[string]string{
			"cvm_deployment_id": fmt.Sprint(c.ID),
			"reason":            "hourly_usage",
		})
		if err != nil {
			if errors.Is(err, billing.ErrInsufficientBalance) {
				summary.CvmsSkipped++
				continue
			}
			s.log.Error("CVM debit failed",
				"cvm_deployment_id", c.ID,
				"error", err.Error())
			summary.CvmsFailed++
			continue
		}

		// Advance the checkpoint by exactly the hours billed so the
		// fractional remainder carries into the next pass. A forced
		// minimum-hour bill could overshoot now; clamp so a later pass
		// never sees a future checkpoint.
		next := checkpoint.Add(time.Duration(hours) * time.Hour)
		if next.After(now) {
			next = now
		}
		if err := s.db.Model(&models.CvmDeployment{}).Where("id = ?", c.ID).
			Updates(map[string]interface{}{
				"last_billed_at": next,
				"billed_cents":   gorm.Expr("billed_cents + ?", amount),
			}).Error; err != nil {
			s.log.Error("failed to persist CVM billing",
				"cvm_deployment_id", c.ID,
				"error", err.Error())
			summary.CvmsFailed++
			continue
		}
		summary.CvmsBilled++
	}
}

type orgBurn struct {
	dailyBurnCents int64
	accountID      string
	deploymentIDs  []uint
	cvmIDs         []uint
}

// enforceThreshold is phase 3: aggregate each organization's daily burn
// and pause everything it owns when the wallet holds less than one day.
func (s *billingService) enforceThreshold(ctx context.Context, summary *BillingRunSummary) {
	orgs := map[string]*orgBurn{}

	deployments, err := s.deployments.ListActiveDeployments()
	if err != nil {
		s.log.Error("failed to list active deployments", "error", err.Error())
		return
	}
	for _, d := range deployments {
		if d.Escrow == nil {
			continue
		}
		org := s.orgFor(orgs, d.OrganizationID, d.Escrow.BillingAccountID)
		org.dailyBurnCents += d.Escrow.DailyRateCents
		org.deploymentIDs = append(org.deploymentIDs, d.ID)
	}

	cvms, err := s.cvms.ListActiveCvmDeployments()
	if err != nil {
		s.log.Error("failed to list active CVMs", "error", err.Error())
		return
	}
	for _, c := range cvms {
		org := s.orgFor(orgs, c.OrganizationID, c.BillingAccountID)
		org.dailyBurnCents += c.HourlyRateCents * 24
		org.cvmIDs = append(org.cvmIDs, c.ID)
	}

	for orgID, org := range orgs {
		if org.dailyBurnCents == 0 || org.accountID == "" {
			continue
		}
		balance, err := s.billing.GetBalance(ctx, org.accountID)
		if err != nil {
			s.log.Error("failed to query balance",
				"organization_id", orgID,
				"error", err.Error())
			continue
		}
		if balance >= org.dailyBurnCents {
			continue
		}

		s.pauseOrganization(ctx, orgID, org, balance)
		summary.OrganizationsPaused++
	}
}

// pauseOrganization suspends every workload the organization owns and
// sends one low-balance notification.
func (s *billingService) pauseOrganization(ctx context.Context, orgID string, org *orgBurn, balance int64) {
	s.log.Warn("organization below one day of runway, pausing",
		"organization_id", orgID,
		"balance_cents", balance,
		"daily_burn_cents", org.dailyBurnCents)

	for _, id := range org.deploymentIDs {
		if err := s.deployments.SuspendDeployment(ctx, id); err != nil {
			s.log.Error("failed to suspend deployment",
				"deployment_id", id,
				"error", err.Error())
		}
	}
	for _, id := range org.cvmIDs {
		if err := s.cvms.StopCvmDeployment(ctx, id); err != nil {
			s.log.Error("failed to stop CVM",
				"cvm_deployment_id", id,
				"error", err.Error())
		}
	}

	// Best effort; a failed notification never blocks the pause.
	if err := s.billing.Notify(ctx, orgID, "low_balance", map[string]interface{}{
		"balance_cents":    balance,
		"daily_burn_cents": org.dailyBurnCents,
	}); err != nil {
		s.log.Warn("low-balance notification failed",
			"organization_id", orgID,
			"error", err.Error())
	}
}

func (s *billingService) orgFor(orgs map[string]*orgBurn, orgID, accountID string) *orgBurn {
	org, ok := orgs[orgID]
	if !ok {
		org = &orgBurn{}
		orgs[orgID] = org
	}
	if org.accountID == "" {
		org.accountID = accountID
	}
	return org
}

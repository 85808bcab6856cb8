package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parallax-cloud/compute-broker/internal/chain"
	"github.com/parallax-cloud/compute-broker/internal/logger"
	"github.com/parallax-cloud/compute-broker/internal/models"
	"gorm.io/gorm"
)

// ErrNoBids means the order attracted no bids before the polling budget
// ran out. Distinct from ErrNoSafeBids: nobody bid at all.
var ErrNoBids = errors.New("no bids received within timeout")

// CreateDeploymentRequest describes one procurement attempt.
type CreateDeploymentRequest struct {
	ServiceID      string
	OrganizationID string
	Spec           ServiceSpec
	Overrides      map[string]string
}

// OrchestratorConfig holds the polling intervals and attempt caps for the
// auction-market state machine. Every loop is bounded; nothing retries
// forever.
type OrchestratorConfig struct {
	Owner         string
	DepositTokens string

	BidPollInterval    time.Duration
	BidPollAttempts    int
	LeaseSettleWait    time.Duration
	ManifestRetryDelay time.Duration

	// Ingress polling inside the deploy call (~2 minutes total).
	IngressPollInterval time.Duration
	IngressPollAttempts int

	// Detached backfill after activation (~3 minutes total).
	BackfillInterval time.Duration
	BackfillAttempts int
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.BidPollInterval <= 0 {
		c.BidPollInterval = 5 * time.Second
	}
	if c.BidPollAttempts <= 0 {
		c.BidPollAttempts = 8
	}
	if c.LeaseSettleWait <= 0 {
		c.LeaseSettleWait = 10 * time.Second
	}
	if c.ManifestRetryDelay <= 0 {
		c.ManifestRetryDelay = 5 * time.Second
	}
	if c.IngressPollInterval <= 0 {
		c.IngressPollInterval = 5 * time.Second
	}
	if c.IngressPollAttempts <= 0 {
		c.IngressPollAttempts = 24
	}
	if c.BackfillInterval <= 0 {
		c.BackfillInterval = 15 * time.Second
	}
	if c.BackfillAttempts <= 0 {
		c.BackfillAttempts = 12
	}
}

// DeploymentService drives the auction-market procurement state machine:
// submit order, collect bids, select a safe provider, create the lease,
// send the manifest, and observe ingress.
type DeploymentService interface {
	CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (*models.Deployment, error)
	CloseDeployment(ctx context.Context, id uint) error
	SuspendDeployment(ctx context.Context, id uint) error
	ResumeDeployment(ctx context.Context, id uint) (*models.Deployment, error)
	GetDeploymentByID(id uint) (*models.Deployment, error)
	ListDeployments() ([]models.Deployment, error)
	ListActiveDeployments() ([]models.Deployment, error)
	RecoverPendingIngress(ctx context.Context) (int, error)
}

type deploymentService struct {
	db       *gorm.DB
	chain    chain.Client
	gateway  chain.ProviderGateway
	selector ProviderSelector
	manifest ManifestService
	escrow   EscrowService
	cfg      OrchestratorConfig
	log      *logger.Logger
}

// NewDeploymentService creates a DeploymentService. All external clients
// are injected so tests can substitute fakes.
func NewDeploymentService(db *gorm.DB, chainClient chain.Client, gateway chain.ProviderGateway,
	selector ProviderSelector, manifest ManifestService, escrow EscrowService, cfg OrchestratorConfig) DeploymentService {
	cfg.applyDefaults()
	return &deploymentService{
		db:       db,
		chain:    chainClient,
		gateway:  gateway,
		selector: selector,
		manifest: manifest,
		escrow:   escrow,
		cfg:      cfg,
		log:      logger.New("market-a"),
	}
}

// CreateDeployment runs one full procurement attempt. Any prior
// non-terminal deployment for the same service is closed first, so at
// most one stays active per logical service.
func (s *deploymentService) CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (*models.Deployment, error) {
	if err := s.closePredecessors(ctx, req.ServiceID); err != nil {
		return nil, err
	}

	manifestText, err := s.manifest.GenerateManifest(req.Spec, req.Overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to generate manifest: %w", err)
	}

	deployment := &models.Deployment{
		ReferenceID:    uuid.NewString(),
		ServiceID:      req.ServiceID,
		OrganizationID: req.OrganizationID,
		Owner:          s.cfg.Owner,
		Manifest:       manifestText,
		Status:         models.DeploymentStatusWaitingBids,
	}
	if err := s.db.Create(deployment).Error; err != nil {
		return nil, fmt.Errorf("failed to persist deployment: %w", err)
	}

	if err := s.deploy(ctx, deployment); err != nil {
		s.markFailed(deployment, err)
		return deployment, err
	}
	return deployment, nil
}

// deploy advances the persisted status through each phase only after that
// phase's I/O completed, so no two phases ever overlap for one row.
func (s *deploymentService) deploy(ctx context.Context, d *models.Deployment) error {
	// The chain height doubles as the order's dseq.
	height, err := s.chain.BlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to query block height: %w", err)
	}
	d.DSeq = height

	orderID := chain.OrderID{Owner: d.Owner, DSeq: d.DSeq}
	if err := s.chain.SubmitOrder(ctx, orderID, d.Manifest, s.cfg.DepositTokens); err != nil {
		return fmt.Errorf("failed to submit order: %w", err)
	}
	if err := s.save(d); err != nil {
		return err
	}

	bids, err := s.pollBids(ctx, orderID)
	if err != nil {
		return err
	}

	if err := s.transition(d, models.DeploymentStatusSelectingBid); err != nil {
		return err
	}
	best, err := s.selector.GetBestProvider(bids, CategoryStandalone)
	if err != nil {
		// Everybody who bid is blocked; distinct from no bids at all.
		return fmt.Errorf("all %d bids filtered: %w", len(bids), err)
	}

	d.Provider = best.Provider
	d.GSeq = best.GSeq
	d.OSeq = best.OSeq
	d.PricePerBlock = best.Price.String()
	if err := s.transition(d, models.DeploymentStatusCreatingLease); err != nil {
		return err
	}

	leaseID := s.leaseID(d)
	if err := s.chain.CreateLease(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	// Leases are not immediately usable; wait for on-chain propagation.
	if err := sleepCtx(ctx, s.cfg.LeaseSettleWait); err != nil {
		return err
	}

	if err := s.transition(d, models.DeploymentStatusSendingManifest); err != nil {
		return err
	}
	if err := s.sendManifest(ctx, leaseID, d.Manifest); err != nil {
		return err
	}

	if err := s.transition(d, models.DeploymentStatusDeploying); err != nil {
		return err
	}
	uris, err := s.pollIngress(ctx, leaseID, s.cfg.IngressPollInterval, s.cfg.IngressPollAttempts)
	if err != nil {
		return err
	}

	// A redeploy of a previously funded row keeps its escrow; the resume
	// path refreshes the rate. Otherwise fund now. Funding failure never
	// blocks the deployment; the workload exists unfunded until the next
	// billing pass or manual intervention.
	if _, err := s.escrow.GetEscrowByDeployment(d.ID); err != nil {
		if _, err := s.escrow.FundDeployment(ctx, d); err != nil {
			s.log.Error("failed to fund deployment",
				"deployment_id", d.ID,
				"error", err.Error())
		}
	}

	now := time.Now().UTC()
	d.ActiveAt = &now
	d.ServiceURIs = urisToJSON(uris)
	if err := s.transition(d, models.DeploymentStatusActive); err != nil {
		return err
	}

	if len(uris) == 0 {
		// Providers can take far longer than the deploy budget to publish
		// ingress. The detached task is bounded and re-armed at startup
		// by RecoverPendingIngress.
		go s.backfillIngress(d.ID, leaseID)
	}
	return nil
}

// pollBids queries for bids with linearly increasing backoff until the
// attempt cap.
func (s *deploymentService) pollBids(ctx context.Context, id chain.OrderID) ([]chain.Bid, error) {
	for attempt := 1; attempt <= s.cfg.BidPollAttempts; attempt++ {
		if err := sleepCtx(ctx, time.Duration(attempt)*s.cfg.BidPollInterval); err != nil {
			return nil, err
		}
		bids, err := s.chain.ListBids(ctx, id)
		if err != nil {
			s.log.Warn("bid query failed",
				"dseq", id.DSeq,
				"attempt", attempt,
				"error", err.Error())
			continue
		}
		if len(bids) > 0 {
			return bids, nil
		}
	}
	return nil, ErrNoBids
}

// sendManifest submits the manifest to the provider, retrying exactly
// once after a fixed delay.
func (s *deploymentService) sendManifest(ctx context.Context, id chain.LeaseID, manifest string) error {
	err := s.gateway.SubmitManifest(ctx, id, manifest)
	if err == nil {
		return nil
	}
	s.log.Warn("manifest submission failed, retrying once",
		"dseq", id.DSeq,
		"provider", id.Provider,
		"error", err.Error())

	if err := sleepCtx(ctx, s.cfg.ManifestRetryDelay); err != nil {
		return err
	}
	if err := s.gateway.SubmitManifest(ctx, id, manifest); err != nil {
		return fmt.Errorf("manifest submission failed after retry: %w", err)
	}
	return nil
}

// pollIngress polls the provider for per-service URIs. Returns whatever
// was found when the attempt cap is reached, possibly nothing. A
// cancelled context is an error, not an empty result.
func (s *deploymentService) pollIngress(ctx context.Context, id chain.LeaseID, interval time.Duration, attempts int) (map[string][]string, error) {
	for attempt := 1; attempt <= attempts; attempt++ {
		uris, err := s.gateway.LeaseStatus(ctx, id)
		if err == nil && len(uris) > 0 {
			return uris, nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// backfillIngress keeps polling for ingress URIs after activation and
// writes them in once available. Gives up silently after its budget,
// leaving the map empty for manual inspection. The write is guarded on
// status: a row closed or suspended meanwhile keeps its cleared URIs.
func (s *deploymentService) backfillIngress(deploymentID uint, id chain.LeaseID) {
	uris, err := s.pollIngress(context.Background(), id, s.cfg.BackfillInterval, s.cfg.BackfillAttempts)
	if err != nil || len(uris) == 0 {
		return
	}
	if err := s.db.Model(&models.Deployment{}).
		Where("id = ? AND status = ?", deploymentID, models.DeploymentStatusActive).
		Update("service_uris", urisToJSON(uris)).Error; err != nil {
		s.log.Error("failed to persist backfilled ingress",
			"deployment_id", deploymentID,
			"error", err.Error())
		return
	}
	s.log.Info("ingress backfilled", "deployment_id", deploymentID)
}

// RecoverPendingIngress re-arms the ingress backfill for every active
// deployment with an empty URI map. The detached backfill task does not
// survive a restart, so it is re-derived from this persisted condition.
func (s *deploymentService) RecoverPendingIngress(ctx context.Context) (int, error) {
	var deployments []models.Deployment
	err := s.db.Where("status = ? AND (service_uris IS NULL OR service_uris IN ?)",
		models.DeploymentStatusActive, []string{"", "{}", "null"}).
		Find(&deployments).Error
	if err != nil {
		return 0, fmt.Errorf("failed to scan for pending ingress: %w", err)
	}

	for _, d := range deployments {
		go s.backfillIngress(d.ID, s.leaseID(&d))
	}
	if len(deployments) > 0 {
		s.log.Info("re-armed ingress backfill", "count", len(deployments))
	}
	return len(deployments), nil
}

// CloseDeployment closes the on-chain order best-effort and marks the row
// closed. The database status is authoritative: an unreachable or
// already-settled on-chain deployment must not block the close.
func (s *deploymentService) CloseDeployment(ctx context.Context, id uint) error {
	deployment, err := s.GetDeploymentByID(id)
	if err != nil {
		return err
	}
	if deployment.Status == models.DeploymentStatusClosed {
		return nil
	}

	s.closeOnChain(ctx, deployment)

	if _, err := s.escrow.RefundEscrow(ctx, deployment.ID); err != nil {
		s.log.Warn("escrow refund on close failed",
			"deployment_id", deployment.ID,
			"error", err.Error())
	}

	now := time.Now().UTC()
	return s.db.Model(&models.Deployment{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.DeploymentStatusClosed,
			"closed_at":    now,
			"service_uris": models.JSON(nil),
		}).Error
}

// SuspendDeployment stops the workload while retaining its manifest for a
// later resume. Used by the billing scheduler's threshold check.
func (s *deploymentService) SuspendDeployment(ctx context.Context, id uint) error {
	deployment, err := s.GetDeploymentByID(id)
	if err != nil {
		return err
	}
	if deployment.Status != models.DeploymentStatusActive {
		return fmt.Errorf("deployment %d is %s, not active", id, deployment.Status)
	}

	s.closeOnChain(ctx, deployment)

	if err := s.escrow.PauseEscrow(deployment.ID); err != nil {
		s.log.Warn("failed to pause escrow",
			"deployment_id", deployment.ID,
			"error", err.Error())
	}

	return s.db.Model(&models.Deployment{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.DeploymentStatusSuspended,
			"saved_manifest": deployment.Manifest,
			"service_uris":   models.JSON(nil),
		}).Error
}

// ResumeDeployment redeploys a suspended deployment from its saved
// manifest as a fresh procurement attempt on the same row. Resume is an
// explicit operator action, not automatic.
func (s *deploymentService) ResumeDeployment(ctx context.Context, id uint) (*models.Deployment, error) {
	deployment, err := s.GetDeploymentByID(id)
	if err != nil {
		return nil, err
	}
	if deployment.Status != models.DeploymentStatusSuspended {
		return nil, fmt.Errorf("deployment %d is %s, not suspended", id, deployment.Status)
	}
	if deployment.SavedManifest == "" {
		return nil, fmt.Errorf("deployment %d has no saved manifest", id)
	}

	deployment.Manifest = deployment.SavedManifest
	deployment.SavedManifest = ""
	deployment.Provider = ""
	deployment.ServiceURIs = nil
	deployment.ErrorMessage = ""
	if err := s.transition(deployment, models.DeploymentStatusWaitingBids); err != nil {
		return nil, err
	}

	if err := s.deploy(ctx, deployment); err != nil {
		s.markFailed(deployment, err)
		return deployment, err
	}

	// The new lease may have settled at a different price than the escrow
	// was funded at; metering must follow the price actually being paid.
	if err := s.escrow.SyncDailyRate(deployment); err != nil {
		s.log.Warn("failed to refresh escrow daily rate",
			"deployment_id", deployment.ID,
			"error", err.Error())
	}
	if err := s.escrow.ResumeEscrow(deployment.ID, time.Now().UTC()); err != nil {
		s.log.Warn("failed to resume escrow",
			"deployment_id", deployment.ID,
			"error", err.Error())
	}
	return deployment, nil
}

func (s *deploymentService) GetDeploymentByID(id uint) (*models.Deployment, error) {
	var deployment models.Deployment
	if err := s.db.Preload("Escrow").First(&deployment, id).Error; err != nil {
		return nil, fmt.Errorf("failed to load deployment %d: %w", id, err)
	}
	return &deployment, nil
}

func (s *deploymentService) ListDeployments() ([]models.Deployment, error) {
	var deployments []models.Deployment
	err := s.db.Preload("Escrow").Find(&deployments).Error
	return deployments, err
}

func (s *deploymentService) ListActiveDeployments() ([]models.Deployment, error) {
	var deployments []models.Deployment
	err := s.db.Preload("Escrow").
		Where("status = ?", models.DeploymentStatusActive).
		Find(&deployments).Error
	return deployments, err
}

// closePredecessors closes every non-terminal deployment for the service.
// On-chain close failures are logged but never block the new attempt; the
// database row is force-closed regardless.
func (s *deploymentService) closePredecessors(ctx context.Context, serviceID string) error {
	var stale []models.Deployment
	err := s.db.Where("service_id = ? AND status NOT IN ?", serviceID,
		[]models.DeploymentStatus{models.DeploymentStatusClosed, models.DeploymentStatusFailed}).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("failed to query predecessors: %w", err)
	}

	for i := range stale {
		d := &stale[i]
		s.closeOnChain(ctx, d)
		now := time.Now().UTC()
		if err := s.db.Model(&models.Deployment{}).Where("id = ?", d.ID).
			Updates(map[string]interface{}{
				"status":       models.DeploymentStatusClosed,
				"closed_at":    now,
				"service_uris": models.JSON(nil),
			}).Error; err != nil {
			return fmt.Errorf("failed to force-close predecessor %d: %w", d.ID, err)
		}
	}
	return nil
}

// closeOnChain attempts the on-chain close. The order may not exist, be
// already closed, or be corrupt; a failure is only a warning. When the
// chain already reports the order closed no close is submitted.
func (s *deploymentService) closeOnChain(ctx context.Context, d *models.Deployment) {
	if d.DSeq == 0 {
		return
	}
	orderID := chain.OrderID{Owner: d.Owner, DSeq: d.DSeq}
	if info, err := s.chain.GetDeployment(ctx, orderID); err == nil && info.State == "closed" {
		return
	}
	if err := s.chain.CloseDeployment(ctx, orderID); err != nil {
		s.log.Warn("on-chain close failed, proceeding",
			"deployment_id", d.ID,
			"dseq", d.DSeq,
			"error", err.Error())
	}
}

func (s *deploymentService) leaseID(d *models.Deployment) chain.LeaseID {
	return chain.LeaseID{
		Owner:    d.Owner,
		DSeq:     d.DSeq,
		GSeq:     d.GSeq,
		OSeq:     d.OSeq,
		Provider: d.Provider,
	}
}

func (s *deploymentService) transition(d *models.Deployment, status models.DeploymentStatus) error {
	d.Status = status
	return s.save(d)
}

func (s *deploymentService) save(d *models.Deployment) error {
	if err := s.db.Save(d).Error; err != nil {
		return fmt.Errorf("failed to persist deployment %d: %w", d.ID, err)
	}
	return nil
}

func (s *deploymentService) markFailed(d *models.Deployment, cause error) {
	d.Status = models.DeploymentStatusFailed
	d.ErrorMessage = cause.Error()
	if err := s.db.Save(d).Error; err != nil {
		s.log.Error("failed to persist failure",
			"deployment_id", d.ID,
			"error", err.Error())
	}
}

func urisToJSON(uris map[string][]string) models.JSON {
	if len(uris) == 0 {
		return nil
	}
	out := make(models.JSON, len(uris))
	for name, list := range uris {
		out[name] = list
	}
	return out
}

// sleepCtx suspends for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

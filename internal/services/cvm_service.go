package services

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parallax-cloud/compute-broker/internal/billing"
	"github.com/parallax-cloud/compute-broker/internal/cvmcli"
	"github.com/parallax-cloud/compute-broker/internal/logger"
	"github.com/parallax-cloud/compute-broker/internal/models"
	"gorm.io/gorm"
)

// CreateCvmRequest describes a confidential VM to create. Env values are
// written to a scratch env file for the CLI and never persisted; only
// their names are recorded.
type CreateCvmRequest struct {
	ServiceID      string
	OrganizationID string
	Spec           ServiceSpec
	Overrides      map[string]string
	Size           string
	Env            map[string]string
}

// CvmConfig holds the CVM host settings: CLI poll bounds, scratch
// directory, and per-size hourly base rates in cents.
type CvmConfig struct {
	WorkDir      string
	PollInterval time.Duration
	PollAttempts int
	// SizeRates maps a size class to its hourly base rate in cents,
	// before organization markup.
	SizeRates map[string]int64
	// DefaultRate applies to unknown size classes.
	DefaultRate int64
}

func (c *CvmConfig) applyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 36
	}
	if c.DefaultRate <= 0 {
		c.DefaultRate = 100
	}
}

// CvmService drives the CVM host's create→poll→ready lifecycle and its
// one-shot stop/start/delete/logs/attestation calls.
type CvmService interface {
	CreateCvmDeployment(ctx context.Context, req CreateCvmRequest) (*models.CvmDeployment, error)
	StopCvmDeployment(ctx context.Context, id uint) error
	StartCvmDeployment(ctx context.Context, id uint) error
	DeleteCvmDeployment(ctx context.Context, id uint) error
	GetLogs(ctx context.Context, id uint, tail int) (string, error)
	GetAttestation(ctx context.Context, id uint) (string, error)
	GetCvmDeploymentByID(id uint) (*models.CvmDeployment, error)
	ListCvmDeployments() ([]models.CvmDeployment, error)
	ListActiveCvmDeployments() ([]models.CvmDeployment, error)
}

type cvmService struct {
	db       *gorm.DB
	cli      cvmcli.CLI
	billing  billing.Client
	manifest ManifestService
	cfg      CvmConfig
	log      *logger.Logger
}

func NewCvmService(db *gorm.DB, cli cvmcli.CLI, billingClient billing.Client, manifest ManifestService, cfg CvmConfig) CvmService {
	cfg.applyDefaults()
	return &cvmService{
		db:       db,
		cli:      cli,
		billing:  billingClient,
		manifest: manifest,
		cfg:      cfg,
		log:      logger.New("market-b"),
	}
}

// CreateCvmDeployment creates the CVM via the CLI and polls until it
// reports running or failed. The billing context is resolved once here
// and frozen onto the row.
func (s *cvmService) CreateCvmDeployment(ctx context.Context, req CreateCvmRequest) (*models.CvmDeployment, error) {
	accountID, err := s.billing.ResolveBillingAccount(ctx, req.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve billing account: %w", err)
	}
	markup, err := s.billing.GetMarkupRate(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get markup rate: %w", err)
	}

	baseRate, ok := s.cfg.SizeRates[req.Size]
	if !ok {
		baseRate = s.cfg.DefaultRate
	}
	hourlyRate := int64(math.Ceil(float64(baseRate) * (1 + markup)))

	// Env values go only into the scratch env file; the compose spec is
	// persisted, so it is generated without them.
	composeSpec, err := s.manifest.GenerateComposeSpec(req.Spec, req.Overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to generate compose spec: %w", err)
	}

	deployment := &models.CvmDeployment{
		ReferenceID:      uuid.NewString(),
		ServiceID:        req.ServiceID,
		OrganizationID:   req.OrganizationID,
		AppID:            fmt.Sprintf("pending-%s", req.ServiceID),
		ComposeSpec:      composeSpec,
		EnvVarNames:      envNames(req.Env),
		Size:             req.Size,
		BillingAccountID: accountID,
		HourlyRateCents:  hourlyRate,
		MarkupRate:       markup,
		Status:           models.CvmStatusCreating,
	}
	if err := s.db.Create(deployment).Error; err != nil {
		return nil, fmt.Errorf("failed to persist CVM deployment: %w", err)
	}

	appID, err := s.invokeCreate(ctx, req, composeSpec)
	if err != nil {
		s.markFailed(deployment, err)
		return deployment, err
	}
	deployment.AppID = appID
	if err := s.db.Save(deployment).Error; err != nil {
		return nil, fmt.Errorf("failed to persist app id: %w", err)
	}

	if err := s.pollUntilRunning(ctx, deployment); err != nil {
		s.markFailed(deployment, err)
		return deployment, err
	}
	return deployment, nil
}

// invokeCreate writes the compose spec and merged environment to a
// scratch directory and runs the CLI create call.
func (s *cvmService) invokeCreate(ctx context.Context, req CreateCvmRequest, composeSpec string) (string, error) {
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "cvm-create-")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	composePath := filepath.Join(dir, "compose.yaml")
	if err := os.WriteFile(composePath, []byte(composeSpec), 0600); err != nil {
		return "", fmt.Errorf("failed to write compose spec: %w", err)
	}

	envPath := ""
	if len(req.Env) > 0 {
		envPath = filepath.Join(dir, "app.env")
		if err := os.WriteFile(envPath, []byte(envFileContent(req.Env)), 0600); err != nil {
			return "", fmt.Errorf("failed to write env file: %w", err)
		}
	}

	appID, err := s.cli.Create(ctx, req.ServiceID, composePath, envPath)
	if err != nil {
		return "", fmt.Errorf("CVM create failed: %w", err)
	}
	return appID, nil
}

// pollUntilRunning polls the CLI at a fixed interval until the CVM
// reports running or failed, up to the attempt cap.
func (s *cvmService) pollUntilRunning(ctx context.Context, d *models.CvmDeployment) error {
	for attempt := 1; attempt <= s.cfg.PollAttempts; attempt++ {
		status, err := s.cli.Status(ctx, d.AppID)
		if err != nil {
			s.log.Warn("CVM status query failed",
				"app_id", d.AppID,
				"attempt", attempt,
				"error", err.Error())
		} else {
			switch status.State {
			case "running":
				now := time.Now().UTC()
				d.Status = models.CvmStatusRunning
				d.ActiveAt = &now
				d.LastBilledAt = &now
				if len(status.PublicURLs) > 0 {
					d.URL = status.PublicURLs[0]
				}
				if err := s.db.Save(d).Error; err != nil {
					return fmt.Errorf("failed to persist running CVM: %w", err)
				}
				return nil
			case "failed":
				// Surface the host's error verbatim.
				return fmt.Errorf("CVM failed: %s", status.Error)
			}
		}
		if err := sleepCtx(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("CVM %s did not become running within %d attempts", d.AppID, s.cfg.PollAttempts)
}

// StopCvmDeployment bills the partial period since the last checkpoint,
// then stops the CVM. Unlike the auction market, the host supports a
// native stop/restart.
func (s *cvmService) StopCvmDeployment(ctx context.Context, id uint) error {
	deployment, err := s.GetCvmDeploymentByID(id)
	if err != nil {
		return err
	}
	if deployment.Status != models.CvmStatusRunning {
		return nil
	}

	s.billFinalPeriod(ctx, deployment)

	if err := s.cli.Stop(ctx, deployment.AppID); err != nil {
		return fmt.Errorf("failed to stop CVM %s: %w", deployment.AppID, err)
	}
	return s.db.Model(&models.CvmDeployment{}).Where("id = ?", id).
		Update("status", models.CvmStatusStopped).Error
}

// StartCvmDeployment restarts a stopped CVM. The billing checkpoint is
// reset to now so the stopped interval is never billed.
func (s *cvmService) StartCvmDeployment(ctx context.Context, id uint) error {
	deployment, err := s.GetCvmDeploymentByID(id)
	if err != nil {
		return err
	}
	if deployment.Status != models.CvmStatusStopped {
		return fmt.Errorf("CVM deployment %d is %s, not stopped", id, deployment.Status)
	}

	if err := s.cli.Start(ctx, deployment.AppID); err != nil {
		return fmt.Errorf("failed to start CVM %s: %w", deployment.AppID, err)
	}

	now := time.Now().UTC()
	return s.db.Model(&models.CvmDeployment{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.CvmStatusRunning,
			"last_billed_at": now,
		}).Error
}

// DeleteCvmDeployment bills the final partial period, deletes the CVM,
// and marks the row deleted. Rows are never removed.
func (s *cvmService) DeleteCvmDeployment(ctx context.Context, id uint) error {
	deployment, err := s.GetCvmDeploymentByID(id)
	if err != nil {
		return err
	}
	if deployment.Status == models.CvmStatusDeleted {
		return nil
	}

	if deployment.Status == models.CvmStatusRunning {
		s.billFinalPeriod(ctx, deployment)
	}

	if err := s.cli.Delete(ctx, deployment.AppID); err != nil {
		return fmt.Errorf("failed to delete CVM %s: %w", deployment.AppID, err)
	}
	return s.db.Model(&models.CvmDeployment{}).Where("id = ?", id).
		Update("status", models.CvmStatusDeleted).Error
}

// billFinalPeriod charges the partial period since the last checkpoint,
// rounded up to whole hours, so no compute is given away between
// scheduled billing passes. Best-effort: a billing failure never blocks
// the user-visible stop or delete.
func (s *cvmService) billFinalPeriod(ctx context.Context, d *models.CvmDeployment) {
	if d.BillingAccountID == "" || d.LastBilledAt == nil {
		return
	}

	elapsed := time.Since(*d.LastBilledAt)
	if elapsed <= 0 {
		return
	}
	// Round up to whole minutes, then to whole hours.
	minutes := int64(math.Ceil(elapsed.Minutes()))
	hours := (minutes + 59) / 60
	if hours < 1 {
		hours = 1
	}
	amount := hours * d.HourlyRateCents

	// Key scoped to the checkpoint so a retried teardown bills once.
	key := fmt.Sprintf("cvm-%d-final-%d", d.ID, d.LastBilledAt.Unix())
	_, err := s.billing.Debit(ctx, d.BillingAccountID, amount, key, map[string]string{
		"cvm_deployment_id": fmt.Sprint(d.ID),
		"reason":            "final_period",
	})
	if err != nil {
		s.log.Warn("final period billing failed",
			"cvm_deployment_id", d.ID,
			"amount_cents", amount,
			"error", err.Error())
		return
	}

	now := time.Now().UTC()
	d.LastBilledAt = &now
	d.BilledCents += amount
	if err := s.db.Save(d).Error; err != nil {
		s.log.Error("failed to persist final billing",
			"cvm_deployment_id", d.ID,
			"error", err.Error())
	}
}

func (s *cvmService) GetLogs(ctx context.Context, id uint, tail int) (string, error) {
	deployment, err := s.GetCvmDeploymentByID(id)
	if err != nil {
		return "", err
	}
	return s.cli.Logs(ctx, deployment.AppID, tail)
}

func (s *cvmService) GetAttestation(ctx context.Context, id uint) (string, error) {
	deployment, err := s.GetCvmDeploymentByID(id)
	if err != nil {
		return "", err
	}
	return s.cli.Attestation(ctx, deployment.AppID)
}

func (s *cvmService) GetCvmDeploymentByID(id uint) (*models.CvmDeployment, error) {
	var deployment models.CvmDeployment
	if err := s.db.First(&deployment, id).Error; err != nil {
		return nil, fmt.Errorf("failed to load CVM deployment %d: %w", id, err)
	}
	return &deployment, nil
}

func (s *cvmService) ListCvmDeployments() ([]models.CvmDeployment, error) {
	var deployments []models.CvmDeployment
	err := s.db.Find(&deployments).Error
	return deployments, err
}

func (s *cvmService) ListActiveCvmDeployments() ([]models.CvmDeployment, error) {
	var deployments []models.CvmDeployment
	err := s.db.Where("status = ?", models.CvmStatusRunning).Find(&deployments).Error
	return deployments, err
}

func (s *cvmService) markFailed(d *models.CvmDeployment, cause error) {
	d.Status = models.CvmStatusFailed
	d.ErrorMessage = cause.Error()
	if err := s.db.Save(d).Error; err != nil {
		s.log.Error("failed to persist CVM failure",
			"cvm_deployment_id", d.ID,
			"error", err.Error())
	}
}

func envNames(env map[string]string) models.StringList {
	if len(env) == 0 {
		return nil
	}
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func envFileContent(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return b.String()
}

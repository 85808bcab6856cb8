package server

import (
	"crypto/tls"
	"fmt"

	"github.com/parallax-cloud/compute-broker/internal/billing"
	"github.com/parallax-cloud/compute-broker/internal/chain"
	"github.com/parallax-cloud/compute-broker/internal/config"
	"github.com/parallax-cloud/compute-broker/internal/cvmcli"
	"github.com/parallax-cloud/compute-broker/internal/services"
	"gorm.io/gorm"
)

// Services bundles the fully wired service layer.
type Services struct {
	Escrow      services.EscrowService
	Deployments services.DeploymentService
	Cvms        services.CvmService
	Billing     services.BillingService
}

// InitializeClients constructs the external boundary clients from config.
func InitializeClients(cfg *config.Config) (chain.Client, chain.ProviderGateway, billing.Client, cvmcli.CLI, error) {
	var cert tls.Certificate
	if cfg.ProviderCertFile != "" {
		loaded, err := tls.LoadX509KeyPair(cfg.ProviderCertFile, cfg.ProviderKeyFile)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to load provider client certificate: %w", err)
		}
		cert = loaded
	}

	chainClient := chain.NewRESTClient(cfg.ChainRPCURL)
	gateway := chain.NewRESTGateway(cert)
	billingClient := billing.NewHTTPClient(cfg.BillingAPIURL, cfg.BillingAPIKey)
	cli := cvmcli.NewExecCLI(cfg.CvmCLIPath)
	return chainClient, gateway, billingClient, cli, nil
}

// InitializeServices wires the service layer over the given database and
// boundary clients.
func InitializeServices(db *gorm.DB, cfg *config.Config, chainClient chain.Client,
	gateway chain.ProviderGateway, billingClient billing.Client, cli cvmcli.CLI) (*Services, error) {

	escrowService, err := services.NewEscrowService(db, billingClient, cfg.TokenPriceUSD, cfg.PrefundDays)
	if err != nil {
		return nil, err
	}

	selector := services.NewProviderSelector(cfg.BlockedProviders, cfg.ProxyProvider)
	manifestService := services.NewManifestService()

	deploymentService := services.NewDeploymentService(db, chainClient, gateway, selector,
		manifestService, escrowService, services.OrchestratorConfig{
			Owner:         cfg.ChainOwner,
			DepositTokens: cfg.DepositTokens,
		})

	cvmService := services.NewCvmService(db, cli, billingClient, manifestService, services.CvmConfig{
		WorkDir:     cfg.CvmWorkDir,
		SizeRates:   cfg.CvmSizeRates,
		DefaultRate: cfg.CvmDefaultRateCents,
	})

	billingService := services.NewBillingService(db, escrowService, deploymentService,
		cvmService, billingClient, cfg.BillingInterval)

	return &Services{
		Escrow:      escrowService,
		Deployments: deploymentService,
		Cvms:        cvmService,
		Billing:     billingService,
	}, nil
}

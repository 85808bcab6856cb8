package api

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/parallax-cloud/compute-broker/internal/services"
	"gorm.io/gorm"
)

type APIServer struct {
	app         *fiber.App
	deployments services.DeploymentService
	cvms        services.CvmService
	escrows     services.EscrowService
	billing     services.BillingService
	validate    *validator.Validate
}

func NewAPIServer(deployments services.DeploymentService, cvms services.CvmService,
	escrows services.EscrowService, billing services.BillingService) *APIServer {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	server := &APIServer{
		app:         app,
		deployments: deployments,
		cvms:        cvms,
		escrows:     escrows,
		billing:     billing,
		validate:    validator.New(),
	}
	server.setupRoutes()
	return server
}

func (s *APIServer) setupRoutes() {
	// Auction-market deployments
	s.app.Post("/api/deployments", s.handleCreateDeployment)
	s.app.Get("/api/deployments", s.handleListDeployments)
	s.app.Get("/api/deployments/:id", s.handleGetDeployment)
	s.app.Delete("/api/deployments/:id", s.handleCloseDeployment)
	s.app.Post("/api/deployments/:id/suspend", s.handleSuspendDeployment)
	s.app.Post("/api/deployments/:id/resume", s.handleResumeDeployment)
	s.app.Get("/api/deployments/:id/escrow", s.handleGetEscrow)

	// CVM host deployments
	s.app.Post("/api/cvm", s.handleCreateCvm)
	s.app.Get("/api/cvm", s.handleListCvms)
	s.app.Get("/api/cvm/:id", s.handleGetCvm)
	s.app.Post("/api/cvm/:id/stop", s.handleStopCvm)
	s.app.Post("/api/cvm/:id/start", s.handleStartCvm)
	s.app.Delete("/api/cvm/:id", s.handleDeleteCvm)
	s.app.Get("/api/cvm/:id/logs", s.handleCvmLogs)
	s.app.Get("/api/cvm/:id/attestation", s.handleCvmAttestation)

	// Billing scheduler
	s.app.Post("/api/billing/run", s.handleRunBilling)

	// Health check
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})
}

// Start blocks serving the API until Shutdown is called.
func (s *APIServer) Start(addr string) error {
	return s.app.Listen(addr)
}

func (s *APIServer) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the underlying fiber app for in-process testing.
func (s *APIServer) App() *fiber.App {
	return s.app
}

// pathID parses the :id path parameter.
func pathID(c *fiber.Ctx) (uint, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

// serviceError maps a service failure onto an HTTP status.
func serviceError(c *fiber.Ctx, err error) error {
	status := 500
	if errors.Is(err, gorm.ErrRecordNotFound) {
		status = 404
	}
	return c.Status(status).JSON(map[string]string{"error": err.Error()})
}

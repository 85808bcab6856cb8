package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/parallax-cloud/compute-broker/internal/services"
)

type serviceSpecRequest struct {
	Name      string            `json:"name" validate:"required"`
	Image     string            `json:"image" validate:"required"`
	CPUMillis int               `json:"cpu_millis" validate:"required,gt=0"`
	MemoryMB  int               `json:"memory_mb" validate:"required,gt=0"`
	StorageMB int               `json:"storage_mb" validate:"required,gt=0"`
	Port      int               `json:"port" validate:"required,gt=0"`
	Replicas  int               `json:"replicas"`
	Env       map[string]string `json:"env"`
}

func (r serviceSpecRequest) toSpec() services.ServiceSpec {
	return services.ServiceSpec{
		Name:      r.Name,
		Image:     r.Image,
		CPUMillis: r.CPUMillis,
		MemoryMB:  r.MemoryMB,
		StorageMB: r.StorageMB,
		Port:      r.Port,
		Replicas:  r.Replicas,
		Env:       r.Env,
	}
}

type createDeploymentRequest struct {
	ServiceID      string             `json:"service_id" validate:"required"`
	OrganizationID string             `json:"organization_id" validate:"required"`
	Spec           serviceSpecRequest `json:"spec" validate:"required"`
	Overrides      map[string]string  `json:"overrides"`
}

// handleCreateDeployment runs one synchronous procurement attempt. A
// failed attempt still returns the persisted row so the caller can see
// where it stopped.
func (s *APIServer) handleCreateDeployment(c *fiber.Ctx) error {
	var req createDeploymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(map[string]string{"error": "invalid request body"})
	}
	if err := s.validate.Struct(req); err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}

	deployment, err := s.deployments.CreateDeployment(c.Context(), services.CreateDeploymentRequest{
		ServiceID:      req.ServiceID,
		OrganizationID: req.OrganizationID,
		Spec:           req.Spec.toSpec(),
		Overrides:      req.Overrides,
	})
	if err != nil {
		if deployment != nil {
			return c.Status(502).JSON(map[string]interface{}{
				"error":      err.Error(),
				"deployment": deployment,
			})
		}
		return serviceError(c, err)
	}
	return c.Status(201).JSON(deployment)
}

func (s *APIServer) handleListDeployments(c *fiber.Ctx) error {
	deployments, err := s.deployments.ListDeployments()
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(map[string]interface{}{"deployments": deployments})
}

func (s *APIServer) handleGetDeployment(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	deployment, err := s.deployments.GetDeploymentByID(id)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(deployment)
}

func (s *APIServer) handleCloseDeployment(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	if err := s.deployments.CloseDeployment(c.Context(), id); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(map[string]string{"status": "closed"})
}

func (s *APIServer) handleSuspendDeployment(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	if err := s.deployments.SuspendDeployment(c.Context(), id); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(map[string]string{"status": "suspended"})
}

func (s *APIServer) handleResumeDeployment(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	deployment, err := s.deployments.ResumeDeployment(c.Context(), id)
	if err != nil {
		if deployment != nil {
			return c.Status(502).JSON(map[string]interface{}{
				"error":      err.Error(),
				"deployment": deployment,
			})
		}
		return serviceError(c, err)
	}
	return c.JSON(deployment)
}

func (s *APIServer) handleGetEscrow(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	escrow, err := s.escrows.GetEscrowByDeployment(id)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(escrow)
}

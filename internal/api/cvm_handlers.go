package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/parallax-cloud/compute-broker/internal/services"
)

type createCvmRequest struct {
	ServiceID      string             `json:"service_id" validate:"required"`
	OrganizationID string             `json:"organization_id" validate:"required"`
	Size           string             `json:"size"`
	Spec           serviceSpecRequest `json:"spec" validate:"required"`
	Overrides      map[string]string  `json:"overrides"`
	// Env values are handed to the CVM host and never persisted; the
	// stored row records only the variable names.
	Env map[string]string `json:"env"`
}

func (s *APIServer) handleCreateCvm(c *fiber.Ctx) error {
	var req createCvmRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(map[string]string{"error": "invalid request body"})
	}
	if err := s.validate.Struct(req); err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}

	deployment, err := s.cvms.CreateCvmDeployment(c.Context(), services.CreateCvmRequest{
		ServiceID:      req.ServiceID,
		OrganizationID: req.OrganizationID,
		Spec:           req.Spec.toSpec(),
		Overrides:      req.Overrides,
		Size:           req.Size,
		Env:            req.Env,
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

func (s *APIServer) handleListCvms(c *fiber.Ctx) error {
	deployments, err := s.cvms.ListCvmDeployments()
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(map[string]interface{}{"deployments": deployments})
}

func (s *APIServer) handleGetCvm(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	deployment, err := s.cvms.GetCvmDeploymentByID(id)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(deployment)
}

func (s *APIServer) handleStopCvm(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	if err := s.cvms.StopCvmDeployment(c.Context(), id); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(map[string]string{"status": "stopped"})
}

func (s *APIServer) handleStartCvm(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	if err := s.cvms.StartCvmDeployment(c.Context(), id); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(map[string]string{"status": "running"})
}

func (s *APIServer) handleDeleteCvm(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	if err := s.cvms.DeleteCvmDeployment(c.Context(), id); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(map[string]string{"status": "deleted"})
}

func (s *APIServer) handleCvmLogs(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	tail := c.QueryInt("tail", 100)
	logs, err := s.cvms.GetLogs(c.Context(), id, tail)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(map[string]string{"logs": logs})
}

func (s *APIServer) handleCvmAttestation(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return c.Status(400).JSON(map[string]string{"error": err.Error()})
	}
	attestation, err := s.cvms.GetAttestation(c.Context(), id)
	if err != nil {
		return serviceError(c, err)
	}
	c.Set("Content-Type", "application/json")
	return c.SendString(attestation)
}

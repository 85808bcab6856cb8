package api

import (
	"github.com/gofiber/fiber/v2"
)

// handleRunBilling triggers one billing cycle outside the scheduled
// cadence. force bypasses the minimum-elapsed guards; skip_pause skips
// the threshold enforcement phase.
func (s *APIServer) handleRunBilling(c *fiber.Ctx) error {
	force := c.QueryBool("force", false)
	skipPause := c.QueryBool("skip_pause", false)

	summary, err := s.billing.RunBillingCycle(c.Context(), force, skipPause)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(summary)
}

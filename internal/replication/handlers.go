package replication

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"masterdata-backend/internal/masterdata"
)

// RegisterSyncRoutes mounts the sync endpoints on router. The routes
// expect auth middleware to have stored the acting user in locals.
func RegisterSyncRoutes(router fiber.Router, applier *Applier) {
	router.Post("/sync/push", func(c *fiber.Ctx) error {
		var req PushRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fiber.Map{"code": "INVALID_BODY", "message": "malformed push payload"},
			})
		}

		resp, err := applier.ApplyPush(c.UserContext(), actorFromCtx(c), req)
		if err != nil {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": fiber.Map{"code": "PUSH_FAILED", "message": err.Error()},
			})
		}
		return c.JSON(resp)
	})

	router.Get("/sync/pull", func(c *fiber.Ctx) error {
		since, err := strconv.ParseInt(c.Query("since", "0"), 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fiber.Map{"code": "INVALID_QUERY", "message": "since must be an integer"},
			})
		}
		limit, _ := strconv.Atoi(c.Query("limit", "0"))

		resp, err := applier.Pull(c.UserContext(), since, limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": fiber.Map{"code": "PULL_FAILED", "message": err.Error()},
			})
		}
		return c.JSON(resp)
	})
}

func actorFromCtx(c *fiber.Ctx) masterdata.Actor {
	if actor, ok := c.Locals("actor").(masterdata.Actor); ok {
		return actor
	}
	return masterdata.System
}

package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"masterdata-backend/internal/engine"
	"masterdata-backend/internal/masterdata"
)

// Middleware returns a Fiber middleware that validates JWT tokens and
// stores the acting user in locals for the handlers downstream.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return respond(c, engine.UnauthorizedError("Missing auth token"))
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return respond(c, engine.UnauthorizedError("Invalid auth header format"))
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return respond(c, engine.UnauthorizedError("Invalid or expired token"))
		}

		c.Locals("actor", masterdata.Actor{
			UserID:   claims.Subject,
			Username: claims.Username,
			Roles:    claims.Roles,
		})
		return c.Next()
	}
}

// RequireAdmin checks the authenticated user has the admin role.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor, ok := c.Locals("actor").(masterdata.Actor)
		if !ok {
			return respond(c, engine.UnauthorizedError("Missing auth token"))
		}
		if !actor.IsAdmin() {
			return respond(c, engine.ForbiddenError("Admin access required"))
		}
		return c.Next()
	}
}

// GetActor extracts the acting user from a Fiber context.
func GetActor(c *fiber.Ctx) masterdata.Actor {
	actor, _ := c.Locals("actor").(masterdata.Actor)
	return actor
}

func respond(c *fiber.Ctx, appErr *engine.AppError) error {
	return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
}

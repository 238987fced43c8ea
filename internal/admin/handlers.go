// Package admin exposes the management surface: the change-request
// queue, entity type and attribute definitions, and ledger inspection.
package admin

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"masterdata-backend/internal/auth"
	"masterdata-backend/internal/changereq"
	"masterdata-backend/internal/eav"
	"masterdata-backend/internal/engine"
	"masterdata-backend/internal/ledger"
	"masterdata-backend/internal/store"
)

// Handler serves the management endpoints.
type Handler struct {
	svc *engine.Service
	led *ledger.Ledger
	log zerolog.Logger
}

func NewHandler(svc *engine.Service, led *ledger.Ledger, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, led: led, log: log}
}

// RegisterRoutes mounts the management routes on the authenticated
// router. Definition writes and ledger inspection additionally require
// the admin role; change-request decisions are authorized per request
// (owner or admin).
func (h *Handler) RegisterRoutes(router fiber.Router) {
	router.Get("/changes", h.ListChanges)
	router.Get("/changes/:id", h.GetChange)
	router.Post("/changes/:id/apply", h.ApplyChange)
	router.Post("/changes/:id/reject", h.RejectChange)

	router.Get("/definitions/types/:code", h.GetDefinitions)
	router.Post("/definitions/types", auth.RequireAdmin(), h.EnsureType)
	router.Post("/definitions/types/:code/attributes", auth.RequireAdmin(), h.EnsureAttribute)

	router.Get("/admin/ledger/verify", auth.RequireAdmin(), h.VerifyLedger)
}

func (h *Handler) ListChanges(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	list, err := h.svc.Changes().List(c.UserContext(), c.Query("status"), limit)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": list})
}

func (h *Handler) GetChange(c *fiber.Ctx) error {
	cr, err := h.svc.Changes().Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": cr})
}

func (h *Handler) ApplyChange(c *fiber.Ctx) error {
	cr, err := h.svc.ApplyChangeRequest(c.UserContext(), auth.GetActor(c), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": cr})
}

func (h *Handler) RejectChange(c *fiber.Ctx) error {
	cr, err := h.svc.RejectChangeRequest(c.UserContext(), auth.GetActor(c), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": cr})
}

type ensureTypeRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (h *Handler) EnsureType(c *fiber.Ctx) error {
	var req ensureTypeRequest
	if err := c.BodyParser(&req); err != nil {
		return respond(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if req.Code == "" {
		return respond(c, engine.ValidationError([]engine.ErrorDetail{{Field: "code", Rule: "required", Message: "code is required"}}))
	}
	entityType, err := h.svc.EAV().EnsureEntityType(c.UserContext(), auth.GetActor(c), req.Code, req.Name)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": entityType})
}

type ensureAttributeRequest struct {
	Code               string `json:"code"`
	Name               string `json:"name"`
	DataType           string `json:"data_type"`
	IsRequired         bool   `json:"is_required"`
	SortOrder          int    `json:"sort_order"`
	LinkTargetTypeCode string `json:"link_target_type_code,omitempty"`
}

func (h *Handler) EnsureAttribute(c *fiber.Ctx) error {
	var req ensureAttributeRequest
	if err := c.BodyParser(&req); err != nil {
		return respond(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	def, err := h.svc.EAV().EnsureAttributeDef(c.UserContext(), auth.GetActor(c), c.Params("code"), eav.AttributeDefSpec{
		Code:               req.Code,
		Name:               req.Name,
		DataType:           req.DataType,
		IsRequired:         req.IsRequired,
		SortOrder:          req.SortOrder,
		LinkTargetTypeCode: req.LinkTargetTypeCode,
	})
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": def})
}

func (h *Handler) GetDefinitions(c *fiber.Ctx) error {
	code := c.Params("code")
	entityType, err := h.svc.EAV().GetEntityType(c.UserContext(), code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respond(c, engine.NewAppError("UNKNOWN_TYPE", 404, "unknown entity type: "+code))
		}
		return handleError(c, err)
	}
	defs, err := h.svc.EAV().ListAttributeDefs(c.UserContext(), entityType.ID)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"type": entityType, "attributes": defs}})
}

// VerifyLedger walks the whole ledger and checks the sequence, hash
// chain, and every signature.
func (h *Handler) VerifyLedger(c *fiber.Ctx) error {
	count, err := h.led.Verify()
	if err != nil {
		return c.Status(409).JSON(fiber.Map{
			"data": fiber.Map{"ok": false, "entries": count, "error": err.Error()},
		})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"ok": true, "entries": count}})
}

func respond(c *fiber.Ctx, appErr *engine.AppError) error {
	return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
}

func handleError(c *fiber.Ctx, err error) error {
	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return respond(c, appErr)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return respond(c, engine.NewAppError("NOT_FOUND", 404, err.Error()))
	case errors.Is(err, changereq.ErrDecided):
		return respond(c, engine.NewAppError("ALREADY_DECIDED", 409, err.Error()))
	case errors.Is(err, eav.ErrSyncConflict):
		return respond(c, engine.ConflictError(err.Error()))
	case errors.Is(err, store.ErrUniqueViolation):
		return respond(c, engine.NewAppError("CONFLICT", 409, err.Error()))
	}
	return respond(c, engine.NewAppError("INTERNAL", 500, err.Error()))
}

package engine

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"masterdata-backend/internal/changereq"
	"masterdata-backend/internal/dedup"
	"masterdata-backend/internal/eav"
	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/store"
)

// Handler exposes the entity API over Fiber.
type Handler struct {
	svc *Service
	log zerolog.Logger
}

func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes mounts the entity routes on router, typically the
// authenticated /api group.
func (h *Handler) RegisterRoutes(router fiber.Router) {
	router.Post("/entities", h.Create)
	router.Get("/entities/:id", h.GetByID)
	router.Get("/entities", h.List)
	router.Put("/entities/:id/attributes/:code", h.SetAttribute)
	router.Delete("/entities/:id", h.Delete)
}

type createEntityRequest struct {
	TypeCode string         `json:"type_code"`
	Attrs    map[string]any `json:"attrs"`
}

func (h *Handler) Create(c *fiber.Ctx) error {
	var req createEntityRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if req.TypeCode == "" {
		return respondError(c, ValidationError([]ErrorDetail{{Field: "type_code", Rule: "required", Message: "type_code is required"}}))
	}

	id, err := h.svc.CreateEntity(c.UserContext(), actorFromCtx(c), req.TypeCode, req.Attrs)
	if err != nil {
		return handleWriteError(c, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

func (h *Handler) GetByID(c *fiber.Ctx) error {
	id := c.Params("id")
	record, err := h.svc.EAV().GetEntity(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError("entity", id))
		}
		return handleWriteError(c, err)
	}
	return c.JSON(fiber.Map{"data": record})
}

func (h *Handler) List(c *fiber.Ctx) error {
	typeCode := c.Query("type")
	if typeCode == "" {
		return respondError(c, ValidationError([]ErrorDetail{{Field: "type", Rule: "required", Message: "type query parameter is required"}}))
	}
	entityType, err := h.svc.EAV().GetEntityType(c.UserContext(), typeCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NewAppError("UNKNOWN_TYPE", 404, "unknown entity type: "+typeCode))
		}
		return handleWriteError(c, err)
	}
	records, err := h.svc.EAV().ListWithAttributes(c.UserContext(), entityType.ID)
	if err != nil {
		return handleWriteError(c, err)
	}

	// Any query parameter besides type/limit/offset filters on attribute
	// equality, compared in string form.
	filters := map[string]string{}
	for key, value := range c.Queries() {
		switch key {
		case "type", "limit", "offset":
			continue
		}
		filters[key] = value
	}
	if len(filters) > 0 {
		filtered := records[:0]
		for _, rec := range records {
			if matchesFilters(rec.Attrs, filters) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	offset := c.QueryInt("offset", 0)
	if offset > len(records) {
		offset = len(records)
	}
	records = records[offset:]
	if limit := c.QueryInt("limit", 0); limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return c.JSON(fiber.Map{"data": records})
}

// matchesFilters compares in string form: a number filter must be
// written the way the decoded value prints (500, not 500.00). Filtering
// and paging happen after loading the full type, which is acceptable at
// masterdata volumes; a pushed-down query would be needed past that.
func matchesFilters(attrs map[string]any, filters map[string]string) bool {
	for code, want := range filters {
		v, ok := attrs[code]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

type setAttributeRequest struct {
	Value       any   `json:"value"`
	BaseVersion int64 `json:"base_version,omitempty"`
	Override    bool  `json:"override,omitempty"`
}

func (h *Handler) SetAttribute(c *fiber.Ctx) error {
	var req setAttributeRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	cr, err := h.svc.UpdateAttribute(c.UserContext(), actorFromCtx(c), c.Params("id"), c.Params("code"), req.Value, eav.SetOptions{
		AllowSyncConflicts: req.Override,
		BaseVersion:        req.BaseVersion,
	})
	if err != nil {
		return handleWriteError(c, err)
	}
	if cr != nil {
		// Ownership gating queued the change instead of writing it.
		return c.Status(202).JSON(fiber.Map{"data": fiber.Map{"change_request": cr}})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"status": "applied"}})
}

func (h *Handler) Delete(c *fiber.Ctx) error {
	cr, err := h.svc.DeleteEntity(c.UserContext(), actorFromCtx(c), c.Params("id"))
	if err != nil {
		return handleWriteError(c, err)
	}
	if cr != nil {
		return c.Status(202).JSON(fiber.Map{"data": fiber.Map{"change_request": cr}})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"status": "deleted"}})
}

func actorFromCtx(c *fiber.Ctx) masterdata.Actor {
	if actor, ok := c.Locals("actor").(masterdata.Actor); ok {
		return actor
	}
	return masterdata.System
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

// handleWriteError maps service errors to API responses.
func handleWriteError(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return respondError(c, appErr)
	}
	var dup *dedup.DuplicateError
	if errors.As(err, &dup) {
		return respondError(c, DuplicateError(dup.TypeCode, dup.ExistingID))
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return respondError(c, NewAppError("NOT_FOUND", 404, err.Error()))
	case errors.Is(err, eav.ErrTombstoned):
		return respondError(c, NewAppError("ENTITY_DELETED", 410, err.Error()))
	case errors.Is(err, eav.ErrSyncConflict):
		return respondError(c, ConflictError(err.Error()))
	case errors.Is(err, changereq.ErrDecided):
		return respondError(c, NewAppError("ALREADY_DECIDED", 409, err.Error()))
	case errors.Is(err, store.ErrUniqueViolation):
		return respondError(c, NewAppError("CONFLICT", 409, err.Error()))
	}
	return respondError(c, NewAppError("INTERNAL", 500, err.Error()))
}

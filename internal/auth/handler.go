package auth

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"masterdata-backend/internal/engine"
	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/store"
)

// Handler handles authentication endpoints.
type Handler struct {
	store     *store.Store
	jwtSecret string
}

func NewHandler(s *store.Store, jwtSecret string) *Handler {
	return &Handler{store: s, jwtSecret: jwtSecret}
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respond(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body"))
	}
	if body.Email == "" || body.Password == "" {
		return respond(c, engine.UnauthorizedError("Email and password are required"))
	}

	ctx := c.UserContext()
	user, err := h.findUserByEmail(ctx, body.Email)
	if err != nil {
		return respond(c, engine.UnauthorizedError("Invalid email or password"))
	}

	if !asBool(user["active"]) {
		return respond(c, engine.UnauthorizedError("Account is disabled"))
	}
	passwordHash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, passwordHash) {
		return respond(c, engine.UnauthorizedError("Invalid email or password"))
	}

	userID, _ := user["id"].(string)
	username, _ := user["username"].(string)
	roles, err := h.store.Dialect.ScanArray(user["roles"])
	if err != nil {
		roles = []string{}
	}

	pair, appErr := h.generateTokenPair(ctx, userID, username, roles)
	if appErr != nil {
		return respond(c, appErr)
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh. Refresh tokens rotate: the
// presented token is deleted whether or not a new pair is issued.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respond(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body"))
	}
	if body.RefreshToken == "" {
		return respond(c, engine.UnauthorizedError("Refresh token is required"))
	}

	ctx := c.UserContext()
	d := h.store.Dialect

	pb := d.NewParamBuilder()
	row, err := store.QueryRow(ctx, h.store.DB, fmt.Sprintf(
		`SELECT rt.id, rt.user_id, rt.expires_at, u.username, u.roles, u.active
		 FROM _refresh_tokens rt
		 JOIN _users u ON u.id = rt.user_id
		 WHERE rt.token = %s`, pb.Add(body.RefreshToken)), pb.Params()...)
	if err != nil {
		return respond(c, engine.UnauthorizedError("Invalid refresh token"))
	}

	tokenID, _ := row["id"].(string)
	pb = d.NewParamBuilder()
	_, _ = store.Exec(ctx, h.store.DB,
		fmt.Sprintf("DELETE FROM _refresh_tokens WHERE id = %s", pb.Add(tokenID)), pb.Params()...)

	expiresAt, _ := row["expires_at"].(int64)
	if masterdata.NowMillis() > expiresAt {
		return respond(c, engine.UnauthorizedError("Refresh token expired"))
	}
	if !asBool(row["active"]) {
		return respond(c, engine.UnauthorizedError("Account is disabled"))
	}

	userID, _ := row["user_id"].(string)
	username, _ := row["username"].(string)
	roles, err := d.ScanArray(row["roles"])
	if err != nil {
		roles = []string{}
	}

	pair, appErr := h.generateTokenPair(ctx, userID, username, roles)
	if appErr != nil {
		return respond(c, appErr)
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respond(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body"))
	}
	if body.RefreshToken == "" {
		return respond(c, engine.UnauthorizedError("Refresh token is required"))
	}

	pb := h.store.Dialect.NewParamBuilder()
	_, _ = store.Exec(c.UserContext(), h.store.DB,
		fmt.Sprintf("DELETE FROM _refresh_tokens WHERE token = %s", pb.Add(body.RefreshToken)), pb.Params()...)
	return c.JSON(fiber.Map{"message": "Logged out"})
}

// RegisterRoutes registers auth routes on the given Fiber app.
func RegisterRoutes(app *fiber.App, h *Handler) {
	grp := app.Group("/api/auth")
	grp.Post("/login", h.Login)
	grp.Post("/refresh", h.Refresh)
	grp.Post("/logout", h.Logout)
}

// --- helpers ---

func (h *Handler) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	pb := h.store.Dialect.NewParamBuilder()
	return store.QueryRow(ctx, h.store.DB, fmt.Sprintf(
		"SELECT id, email, password_hash, username, roles, active FROM _users WHERE email = %s",
		pb.Add(email)), pb.Params()...)
}

func (h *Handler) generateTokenPair(ctx context.Context, userID, username string, roles []string) (*TokenPair, *engine.AppError) {
	accessToken, err := GenerateAccessToken(userID, username, roles, h.jwtSecret)
	if err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}

	refreshToken := GenerateRefreshToken()
	expiresAt := masterdata.NowMillis() + RefreshTokenTTL.Milliseconds()

	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, h.store.DB, fmt.Sprintf(
		"INSERT INTO _refresh_tokens (id, user_id, token, expires_at, created_at) VALUES (%s, %s, %s, %s, %s)",
		pb.Add(uuid.New().String()), pb.Add(userID), pb.Add(refreshToken),
		pb.Add(expiresAt), pb.Add(masterdata.NowMillis())), pb.Params()...)
	if err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to store refresh token")
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int:
		return b != 0
	}
	return false
}

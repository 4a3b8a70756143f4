package auth

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tiersync/backend/pkg/response"
	"github.com/tiersync/backend/pkg/utils"
)

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string `json:"token"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// OperatorStore reads and writes operator accounts.
type OperatorStore interface {
	GetByEmail(ctx context.Context, email string) (*Operator, error)
	Upsert(ctx context.Context, email, passwordHash string) error
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	repo   OperatorStore
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo OperatorStore, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, jwt: jwt, logger: logger}
}

// EnsureOperator seeds the bootstrap operator from configuration. Blank credentials are a no-op.
func (h *Handler) EnsureOperator(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	hash, err := utils.HashPassword(password)
	if err != nil {
		return err
	}
	if err := h.repo.Upsert(ctx, email, hash); err != nil {
		return err
	}
	h.logger.Info("bootstrap operator ensured", zap.String("email", email))
	return nil
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	op, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, ErrOperatorNotFound) {
			h.logger.Error("operator lookup failed", zap.Error(err))
		}
		response.Unauthorized(c, "invalid email or password")
		return
	}
	if !utils.CheckPassword(req.Password, op.PasswordHash) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	token, err := h.jwt.GenerateAdmin(op.Email)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, TokenResponse{Token: token, Email: op.Email, Role: RoleAdmin})
}

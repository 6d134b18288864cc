package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handlers contains the auth HTTP handlers
type Handlers struct {
	jwt       *JWTManager
	keys      *KeyManager
	operators []Operator
}

// NewHandlers creates a new Handlers instance
func NewHandlers(jwt *JWTManager, keys *KeyManager, operators []Operator) *Handlers {
	return &Handlers{jwt: jwt, keys: keys, operators: operators}
}

// Token exchanges an operator API key for an access token
// POST /api/auth/token
func (h *Handlers) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"message": err.Error(),
		})
		return
	}

	op, err := h.keys.Authenticate(h.operators, req.Operator, req.APIKey)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   ErrInvalidCredentials.Code,
			"message": ErrInvalidCredentials.Message,
		})
		return
	}

	resp, err := h.jwt.IssueToken(OperatorClaims{Operator: op.Name, Role: op.Role})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "failed to issue token",
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Me returns the calling operator
// GET /api/auth/me
func (h *Handlers) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"operator": GetOperator(c),
		"role":     GetRole(c),
	})
}

// RegisterRoutes registers all auth routes
func (h *Handlers) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/token", h.Token)

	protected := router.Group("")
	protected.Use(Middleware(h.jwt))
	{
		protected.GET("/me", h.Me)
	}
}

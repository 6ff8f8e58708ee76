package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

var errTokenMissing = errors.New("authorization header or token query required")

// RequireJWT validates a bearer token from the Authorization header, or from
// ?token= for EventSource and WebSocket clients that cannot send headers.
func RequireJWT(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := extractAndValidateClaims(c, authService)
		if errors.Is(err, errTokenMissing) {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireStudent admits student tokens only. Must run after RequireJWT.
func RequireStudent() gin.HandlerFunc {
	return requireRole(response.ErrStudentAccessOnly, model.RoleStudent)
}

// RequireReviewer admits teacher and admin tokens. Must run after RequireJWT.
func RequireReviewer() gin.HandlerFunc {
	return requireRole(response.ErrReviewerAccessOnly, model.RoleTeacher, model.RoleAdmin)
}

// RequireAdmin admits admin tokens only. Must run after RequireJWT.
func RequireAdmin() gin.HandlerFunc {
	return requireRole(response.ErrForbidden, model.RoleAdmin)
}

func requireRole(code response.ErrCode, roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		response.AbortFail(c, http.StatusForbidden, code)
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetIdentity returns the caller identity, or the zero Identity when the
// request is unauthenticated.
func GetIdentity(c *gin.Context) model.Identity {
	if claims := GetClaims(c); claims != nil {
		return claims.Identity()
	}
	return model.Identity{}
}

func extractAndValidateClaims(c *gin.Context, authService *service.AuthService) (*service.Claims, error) {
	tokenStr := ""

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			tokenStr = strings.TrimSpace(parts[1])
		}
	}

	// Fallback for EventSource (SSE) and WebSocket which cannot send headers
	if tokenStr == "" {
		tokenStr = c.Query("token")
	}

	if tokenStr == "" {
		return nil, errTokenMissing
	}

	return authService.ValidateToken(tokenStr)
}

package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mprlab/sentinel/internal/authcore"
)

// HandleWhoAmI returns the authenticated principal's profile payload.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(contextGin *gin.Context) {
		principal, foundPrincipal := authcore.PrincipalFromContext(contextGin)
		claims, foundClaims := authcore.ClaimsFromContext(contextGin)
		if !foundPrincipal || !foundClaims {
			logger.Warn("missing auth state on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		expiresAt := time.Time{}
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"user_id": principal.ID,
			"email":   principal.Email,
			"role":    principal.Role,
			"active":  principal.Active,
			"expires": expiresAt,
		})
	}
}

package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/sessiond/internal/sessionkit"
	"github.com/tyemirov/sessiond/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// HandleWhoAmI returns the account behind the validated access token. The
// claims must already be on the context under sessionvalidator.DefaultContextKey.
func HandleWhoAmI(logger *zap.Logger, directory sessionkit.UserDirectory) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if directory == nil {
		panic("user directory is required")
	}

	return func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(sessionvalidator.DefaultContextKey)
		if !found {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, ok := claimsValue.(*sessionvalidator.Claims)
		if !ok || claims == nil {
			logger.Warn("invalid auth claims on context",
				zap.String("code", "api.me.invalid_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		userID, parseErr := uuid.Parse(claims.GetUserID())
		if parseErr != nil {
			logger.Warn("non-uuid subject in access token",
				zap.String("code", "api.me.invalid_subject"),
				zap.String("user_id", claims.GetUserID()))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		user, findErr := directory.FindByID(contextGin.Request.Context(), userID)
		if findErr != nil {
			if errors.Is(findErr, sessionkit.ErrUserNotFound) {
				logger.Warn("account missing for valid token",
					zap.String("code", "api.me.user_missing"),
					zap.String("user_id", userID.String()))
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
				return
			}
			logger.Error("account lookup error",
				zap.String("code", "api.me.lookup_error"),
				zap.String("user_id", userID.String()),
				zap.Error(findErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":     user.ID.String(),
			"user_email":  user.Email,
			"created_at":  user.CreatedAt,
			"last_active": user.LastActive,
			"expires":     claims.GetExpiresAt(),
		})
	}
}

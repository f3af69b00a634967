package sessionkit

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/sessiond/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// MountSessionRoutes registers /auth/register, /auth/login, /auth/refresh,
// /auth/logout and DELETE /auth/account/:id.
func MountSessionRoutes(router gin.IRouter, service *Service, validator *sessionvalidator.Validator, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	configuration := service.Configuration()

	router.POST("/auth/register", func(contextGin *gin.Context) {
		var inbound RegisterRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		user, registerErr := service.Register(contextGin.Request.Context(), inbound)
		if registerErr != nil {
			writeServiceError(contextGin, logger, registerErr, "register_failed")
			return
		}
		contextGin.JSON(http.StatusCreated, gin.H{"user_id": user.ID.String()})
	})

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound LoginRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if strings.TrimSpace(inbound.ExistingRefreshToken) == "" {
			inbound.ExistingRefreshToken = readCookie(contextGin, configuration.RefreshCookieName)
		}
		response, loginErr := service.Login(contextGin.Request.Context(), inbound, newGinCookieSink(contextGin, configuration))
		if loginErr != nil {
			writeServiceError(contextGin, logger, loginErr, "authentication_failed")
			return
		}
		writeTokenResponse(contextGin, response)
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound RefreshRequest
		if err := bindOptionalJSON(contextGin, &inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if strings.TrimSpace(inbound.RefreshToken) == "" {
			inbound.RefreshToken = readCookie(contextGin, configuration.RefreshCookieName)
		}
		response, refreshErr := service.Refresh(contextGin.Request.Context(), inbound, newGinCookieSink(contextGin, configuration))
		if refreshErr != nil {
			writeServiceError(contextGin, logger, refreshErr, "invalid_token")
			return
		}
		writeTokenResponse(contextGin, response)
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		sink := newGinCookieSink(contextGin, configuration)
		var inbound LogoutRequest
		if err := bindOptionalJSON(contextGin, &inbound); err != nil {
			service.clearRefreshCookie(sink)
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if strings.TrimSpace(inbound.RefreshToken) == "" {
			inbound.RefreshToken = readCookie(contextGin, configuration.RefreshCookieName)
		}
		if logoutErr := service.Logout(contextGin.Request.Context(), inbound, sink); logoutErr != nil {
			writeServiceError(contextGin, logger, logoutErr, "invalid_token")
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.DELETE("/auth/account/:id", func(contextGin *gin.Context) {
		targetID, parseErr := uuid.Parse(contextGin.Param("id"))
		if parseErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
			return
		}
		callerID, callerErr := resolveCaller(contextGin, service, validator, configuration)
		if callerErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
			return
		}
		if callerID != targetID {
			logger.Warn("account deletion denied",
				zap.String("code", "session.delete_account.forbidden"),
				zap.String("caller_id", callerID.String()),
				zap.String("target_id", targetID.String()),
			)
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		if deleteErr := service.DeleteAccount(contextGin.Request.Context(), targetID); deleteErr != nil {
			if errors.Is(deleteErr, ErrUserNotFound) {
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
				return
			}
			writeServiceError(contextGin, logger, deleteErr, "authentication_failed")
			return
		}
		contextGin.Status(http.StatusNoContent)
	})
}

// resolveCaller identifies the requester from a Bearer access token, or else
// from the refresh cookie resolved through the store.
func resolveCaller(contextGin *gin.Context, service *Service, validator *sessionvalidator.Validator, configuration ServerConfig) (uuid.UUID, error) {
	if bearer := sessionvalidator.BearerToken(contextGin.Request); bearer != "" && validator != nil {
		claims, validateErr := validator.ValidateAccessToken(bearer)
		if validateErr != nil {
			return uuid.Nil, validateErr
		}
		return uuid.Parse(claims.GetUserID())
	}
	return service.ResolveSessionOwner(contextGin.Request.Context(), readCookie(contextGin, configuration.RefreshCookieName))
}

// StatusForError maps an error kind to an HTTP status.
func StatusForError(err error) int {
	switch KindOf(err) {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound, KindInvalidCredentials, KindAuthentication:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError responds with the mapped status. Not-found, bad-credential
// and authentication kinds share authCode so callers cannot tell them apart.
func writeServiceError(contextGin *gin.Context, logger *zap.Logger, err error, authCode string) {
	status := StatusForError(err)
	errorCode := string(KindOf(err))
	switch status {
	case http.StatusUnauthorized:
		errorCode = authCode
	case http.StatusInternalServerError:
		logger.Error("session operation failed",
			zap.String("code", "session.http.internal"),
			zap.String("path", contextGin.FullPath()),
			zap.Error(err),
		)
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": errorCode})
}

func writeTokenResponse(contextGin *gin.Context, response TokenResponse) {
	if response.AccessToken == "" && response.RefreshToken == "" {
		contextGin.Status(http.StatusNoContent)
		return
	}
	contextGin.JSON(http.StatusOK, response)
}

func bindOptionalJSON(contextGin *gin.Context, target any) error {
	if contextGin.Request.Body == nil || contextGin.Request.ContentLength == 0 {
		return nil
	}
	if err := contextGin.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func readCookie(contextGin *gin.Context, name string) string {
	cookie, cookieErr := contextGin.Request.Cookie(name)
	if cookieErr != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

type ginCookieSink struct {
	contextGin    *gin.Context
	configuration ServerConfig
}

func newGinCookieSink(contextGin *gin.Context, configuration ServerConfig) *ginCookieSink {
	return &ginCookieSink{contextGin: contextGin, configuration: configuration}
}

// SetCookie writes cookie with the configured domain and SameSite mode.
func (sink *ginCookieSink) SetCookie(cookie Cookie) {
	maxAge := cookie.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(sink.contextGin.Writer, &http.Cookie{
		Name:     cookie.Name,
		Value:    cookie.Value,
		Path:     cookie.Path,
		Domain:   sink.configuration.CookieDomain,
		MaxAge:   maxAge,
		Secure:   cookie.Secure,
		HttpOnly: cookie.HTTPOnly,
		SameSite: sink.configuration.SameSiteMode,
	})
}

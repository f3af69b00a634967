package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errMissingCookieSink = errors.New("session.issue.missing_cookie_sink")

// issueTokens mints a pair, persists the hashed refresh token and delivers
// the result according to deviceType.
func (service *Service) issueTokens(ctx context.Context, user User, deviceType DeviceType, sink CookieSink) (TokenResponse, error) {
	if deviceType == DeviceWeb && sink == nil {
		return TokenResponse{}, errMissingCookieSink
	}
	accessToken, accessErr := service.signer.IssueAccessToken(user)
	if accessErr != nil {
		return TokenResponse{}, fmt.Errorf("session.issue.access: %w", accessErr)
	}
	refreshToken, refreshErr := service.signer.IssueRefreshToken(user)
	if refreshErr != nil {
		return TokenResponse{}, fmt.Errorf("session.issue.refresh: %w", refreshErr)
	}
	refreshTTL := service.signer.RefreshTTL()
	expiresAt := service.clock.Now().Add(refreshTTL)
	if storeErr := service.store.StoreToken(ctx, service.hasher.Hash(refreshToken), user.ID, expiresAt); storeErr != nil {
		return TokenResponse{}, fmt.Errorf("session.issue.store: %w", storeErr)
	}

	if deviceType == DeviceMobile {
		return TokenResponse{AccessToken: accessToken, RefreshToken: refreshToken}, nil
	}
	sink.SetCookie(Cookie{
		Name:          service.configuration.RefreshCookieName,
		Value:         refreshToken,
		Path:          service.configuration.RefreshCookiePath,
		MaxAgeSeconds: int(refreshTTL / time.Second),
		HTTPOnly:      true,
		Secure:        true,
	})
	return TokenResponse{}, nil
}

func (service *Service) clearRefreshCookie(sink CookieSink) {
	if sink == nil {
		return
	}
	sink.SetCookie(Cookie{
		Name:          service.configuration.RefreshCookieName,
		Value:         "",
		Path:          service.configuration.RefreshCookiePath,
		MaxAgeSeconds: 0,
		HTTPOnly:      true,
		Secure:        true,
	})
}

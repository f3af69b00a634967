package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errMissingDependency = errors.New("session.missing_dependency")

var registrationValidator = validator.New()

// DeviceType selects how issued tokens are delivered.
type DeviceType string

const (
	// DeviceWeb receives the refresh token only as an http-only cookie.
	DeviceWeb DeviceType = "web"
	// DeviceMobile receives both tokens in the response body.
	DeviceMobile DeviceType = "mobile"
)

// ParseDeviceType accepts "web" or "mobile" in any case.
func ParseDeviceType(raw string) (DeviceType, error) {
	switch DeviceType(strings.ToLower(strings.TrimSpace(raw))) {
	case DeviceWeb:
		return DeviceWeb, nil
	case DeviceMobile:
		return DeviceMobile, nil
	default:
		return "", fmt.Errorf("session.device_type.%q: %w", raw, ErrInvalidDeviceType)
	}
}

// RefreshTokenHasher turns a raw refresh token into its storage key.
type RefreshTokenHasher interface {
	Hash(raw string) string
}

// LoginRequest carries a password login.
type LoginRequest struct {
	Email                string `json:"email"`
	Password             string `json:"password"`
	DeviceType           string `json:"device_type"`
	ExistingRefreshToken string `json:"existing_refresh_token,omitempty"`
}

// RefreshRequest carries a refresh token rotation.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceType   string `json:"device_type"`
}

// LogoutRequest carries a logout for one or all devices.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	AllDevices   bool   `json:"all_devices"`
}

// RegisterRequest carries a new account.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is the body returned after login or refresh. Web clients get an empty body.
type TokenResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Dependencies are the collaborators the Service composes.
type Dependencies struct {
	Store          RefreshTokenStore
	Hasher         RefreshTokenHasher
	Verifier       CredentialVerifier
	Directory      UserDirectory
	Signer         TokenSigner
	Publisher      EventPublisher
	PasswordHasher PasswordHasher
}

// Service runs the login, refresh, logout, registration and account deletion flows.
type Service struct {
	configuration  ServerConfig
	store          RefreshTokenStore
	hasher         RefreshTokenHasher
	verifier       CredentialVerifier
	directory      UserDirectory
	signer         TokenSigner
	publisher      EventPublisher
	passwordHasher PasswordHasher
	limiter        *SessionLimiter
	logger         *zap.Logger
	metrics        MetricsRecorder
	clock          Clock
}

// ServiceOption configures optional Service collaborators.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics MetricsRecorder) ServiceOption {
	return func(service *Service) {
		if metrics != nil {
			service.metrics = metrics
		}
	}
}

// WithClock sets the clock used for token expiry and activity stamps.
func WithClock(clock Clock) ServiceOption {
	return func(service *Service) {
		if clock != nil {
			service.clock = clock
		}
	}
}

// NewService validates dependencies and builds the orchestrator.
func NewService(configuration ServerConfig, dependencies Dependencies, options ...ServiceOption) (*Service, error) {
	switch {
	case dependencies.Store == nil:
		return nil, fmt.Errorf("session.new.store: %w", errMissingDependency)
	case dependencies.Hasher == nil:
		return nil, fmt.Errorf("session.new.hasher: %w", errMissingDependency)
	case dependencies.Verifier == nil:
		return nil, fmt.Errorf("session.new.verifier: %w", errMissingDependency)
	case dependencies.Directory == nil:
		return nil, fmt.Errorf("session.new.directory: %w", errMissingDependency)
	case dependencies.Signer == nil:
		return nil, fmt.Errorf("session.new.signer: %w", errMissingDependency)
	}
	service := &Service{
		configuration:  configuration.withDefaults(),
		store:          dependencies.Store,
		hasher:         dependencies.Hasher,
		verifier:       dependencies.Verifier,
		directory:      dependencies.Directory,
		signer:         dependencies.Signer,
		publisher:      dependencies.Publisher,
		passwordHasher: dependencies.PasswordHasher,
		logger:         zap.NewNop(),
		metrics:        NopMetrics{},
		clock:          NewSystemClock(),
	}
	for _, option := range options {
		option(service)
	}
	if service.publisher == nil {
		service.publisher = NewLogPublisher(service.logger)
	}
	if service.passwordHasher == nil {
		service.passwordHasher = NewBcryptPasswordHasher(0)
	}
	service.limiter = NewSessionLimiter(service.store,
		WithLimiterLogger(service.logger),
		WithLimiterMetrics(service.metrics),
	)
	return service, nil
}

// Configuration returns the effective configuration after defaults.
func (service *Service) Configuration() ServerConfig {
	return service.configuration
}

// Login authenticates by email and password and opens a new session. A
// presented existing refresh token is revoked before the cap is enforced.
func (service *Service) Login(ctx context.Context, request LoginRequest, sink CookieSink) (TokenResponse, error) {
	response, err := service.login(ctx, request, sink)
	if err != nil {
		service.metrics.Increment(MetricLoginFailure)
		service.logger.Info("login failed",
			zap.String("code", "session.login.failure"),
			zap.String("email", RedactEmail(request.Email)),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
		return TokenResponse{}, err
	}
	service.metrics.Increment(MetricLoginSuccess)
	return response, nil
}

func (service *Service) login(ctx context.Context, request LoginRequest, sink CookieSink) (TokenResponse, error) {
	deviceType, deviceErr := ParseDeviceType(request.DeviceType)
	if deviceErr != nil {
		return TokenResponse{}, fmt.Errorf("session.login: %w", deviceErr)
	}
	user, findErr := service.directory.FindByEmail(ctx, request.Email)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return TokenResponse{}, fmt.Errorf("session.login: %w", findErr)
		}
		return TokenResponse{}, authenticationFailure("find_user", findErr)
	}
	verified, verifyErr := service.verifier.Verify(ctx, request.Email, request.Password)
	if verifyErr != nil {
		if errors.Is(verifyErr, ErrInvalidCredentials) {
			return TokenResponse{}, fmt.Errorf("session.login: %w", verifyErr)
		}
		return TokenResponse{}, authenticationFailure("verify", verifyErr)
	}
	if verified.ID != uuid.Nil {
		user = verified
	}
	if existing := strings.TrimSpace(request.ExistingRefreshToken); existing != "" {
		if revokeErr := service.store.RevokeToken(ctx, service.hasher.Hash(existing)); revokeErr != nil {
			return TokenResponse{}, authenticationFailure("revoke_existing", revokeErr)
		}
	}
	if admitErr := service.limiter.AdmitNewSession(ctx, user.ID, service.configuration.MaxConcurrentSessions); admitErr != nil {
		return TokenResponse{}, authenticationFailure("admit", admitErr)
	}
	response, issueErr := service.issueTokens(ctx, user, deviceType, sink)
	if issueErr != nil {
		return TokenResponse{}, authenticationFailure("issue", issueErr)
	}
	service.logger.Info("login succeeded",
		zap.String("code", "session.login.success"),
		zap.String("user_id", user.ID.String()),
		zap.String("device_type", string(deviceType)),
	)
	return response, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued. Rotation replaces a session, so the cap is not re-checked.
func (service *Service) Refresh(ctx context.Context, request RefreshRequest, sink CookieSink) (TokenResponse, error) {
	response, err := service.refresh(ctx, request, sink)
	if err != nil {
		service.metrics.Increment(MetricRefreshFailure)
		service.logger.Info("refresh failed",
			zap.String("code", "session.refresh.failure"),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
		return TokenResponse{}, err
	}
	service.metrics.Increment(MetricRefreshSuccess)
	return response, nil
}

func (service *Service) refresh(ctx context.Context, request RefreshRequest, sink CookieSink) (TokenResponse, error) {
	deviceType, deviceErr := ParseDeviceType(request.DeviceType)
	if deviceErr != nil {
		return TokenResponse{}, fmt.Errorf("session.refresh: %w", deviceErr)
	}
	// A missing token is just another invalid token on this path.
	if strings.TrimSpace(request.RefreshToken) == "" {
		return TokenResponse{}, fmt.Errorf("session.refresh: %w", ErrInvalidToken)
	}
	userID, resolveErr := service.ResolveSessionOwner(ctx, request.RefreshToken)
	if resolveErr != nil {
		return TokenResponse{}, fmt.Errorf("session.refresh: %w", resolveErr)
	}
	user, findErr := service.directory.FindByID(ctx, userID)
	if findErr != nil {
		return TokenResponse{}, fmt.Errorf("session.refresh.find_user: %w", findErr)
	}
	hashedToken := service.hasher.Hash(strings.TrimSpace(request.RefreshToken))
	if revokeErr := service.store.RevokeToken(ctx, hashedToken); revokeErr != nil {
		return TokenResponse{}, fmt.Errorf("session.refresh.revoke: %w", revokeErr)
	}
	user.LastActive = service.clock.Now()
	if saveErr := service.directory.Save(ctx, user); saveErr != nil {
		service.logger.Warn("last active update failed",
			zap.String("code", "session.refresh.touch_failed"),
			zap.String("user_id", user.ID.String()),
			zap.Error(saveErr),
		)
	}
	response, issueErr := service.issueTokens(ctx, user, deviceType, sink)
	if issueErr != nil {
		return TokenResponse{}, fmt.Errorf("session.refresh.issue: %w", issueErr)
	}
	service.logger.Info("refresh token rotated",
		zap.String("code", "session.refresh.success"),
		zap.String("user_id", user.ID.String()),
		zap.String("device_type", string(deviceType)),
	)
	return response, nil
}

// Logout revokes the presented token, or every token of its owner when
// AllDevices is set. The refresh cookie is cleared on every return path.
func (service *Service) Logout(ctx context.Context, request LogoutRequest, sink CookieSink) (err error) {
	defer service.clearRefreshCookie(sink)
	defer func() {
		if err != nil {
			service.logger.Info("logout failed",
				zap.String("code", "session.logout.failure"),
				zap.String("kind", string(KindOf(err))),
				zap.Error(err),
			)
		}
	}()

	rawToken := strings.TrimSpace(request.RefreshToken)
	if rawToken == "" {
		return fmt.Errorf("session.logout: %w", ErrMissingToken)
	}
	hashedToken := service.hasher.Hash(rawToken)
	if !request.AllDevices {
		if revokeErr := service.store.RevokeToken(ctx, hashedToken); revokeErr != nil {
			return fmt.Errorf("session.logout.revoke: %w", revokeErr)
		}
		service.metrics.Increment(MetricLogout)
		return nil
	}
	userID, lookupErr := service.store.GetUserIDFromToken(ctx, hashedToken)
	if lookupErr != nil {
		if errors.Is(lookupErr, ErrRefreshTokenNotFound) {
			return fmt.Errorf("session.logout.all: %w", ErrInvalidToken)
		}
		return fmt.Errorf("session.logout.all: %w", lookupErr)
	}
	if revokeErr := service.store.RevokeAllTokensForUser(ctx, userID); revokeErr != nil {
		return fmt.Errorf("session.logout.revoke_all: %w", revokeErr)
	}
	service.metrics.Increment(MetricLogoutAllDevices)
	service.logger.Info("logged out on all devices",
		zap.String("code", "session.logout.all_devices"),
		zap.String("user_id", userID.String()),
	)
	return nil
}

// DeleteAccount removes the user record and publishes account.deleted.
// Outstanding refresh tokens are left to expire; refresh rejects them because
// the owner no longer resolves.
func (service *Service) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	user, findErr := service.directory.FindByID(ctx, userID)
	if findErr != nil {
		return fmt.Errorf("session.delete_account: %w", findErr)
	}
	if deleteErr := service.directory.Delete(ctx, user); deleteErr != nil {
		return fmt.Errorf("session.delete_account: %w", deleteErr)
	}
	service.metrics.Increment(MetricAccountDeleted)
	service.logger.Info("account deleted",
		zap.String("code", "session.delete_account.success"),
		zap.String("user_id", user.ID.String()),
	)
	service.publish(ctx, TopicAccountDeleted, user)
	return nil
}

// Register creates an enabled account after a minimal format gate and publishes account.created.
func (service *Service) Register(ctx context.Context, request RegisterRequest) (User, error) {
	email := NormalizeEmail(request.Email)
	if email == "" || request.Password == "" {
		return User{}, fmt.Errorf("session.register: %w", ErrInvalidRegistration)
	}
	if emailErr := registrationValidator.Var(email, "required,email"); emailErr != nil {
		return User{}, fmt.Errorf("session.register.email: %w", ErrInvalidRegistration)
	}
	if _, findErr := service.directory.FindByEmail(ctx, email); findErr == nil {
		return User{}, fmt.Errorf("session.register: %w", ErrUserExists)
	} else if !errors.Is(findErr, ErrUserNotFound) {
		return User{}, fmt.Errorf("session.register.lookup: %w", findErr)
	}
	passwordHash, hashErr := service.passwordHasher.HashPassword(request.Password)
	if hashErr != nil {
		return User{}, fmt.Errorf("session.register.hash: %w", hashErr)
	}
	now := service.clock.Now()
	user := User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: passwordHash,
		Enabled:      true,
		CreatedAt:    now,
		LastActive:   now,
	}
	if saveErr := service.directory.Save(ctx, user); saveErr != nil {
		return User{}, fmt.Errorf("session.register.save: %w", saveErr)
	}
	service.metrics.Increment(MetricAccountRegistered)
	service.logger.Info("account registered",
		zap.String("code", "session.register.success"),
		zap.String("user_id", user.ID.String()),
		zap.String("email", RedactEmail(email)),
	)
	service.publish(ctx, TopicAccountCreated, user)
	return user, nil
}

// ResolveSessionOwner validates rawRefreshToken and returns the user it is stored under.
func (service *Service) ResolveSessionOwner(ctx context.Context, rawRefreshToken string) (uuid.UUID, error) {
	rawToken := strings.TrimSpace(rawRefreshToken)
	if rawToken == "" {
		return uuid.Nil, fmt.Errorf("session.resolve_owner: %w", ErrMissingToken)
	}
	if !service.signer.ValidateRefreshToken(rawToken) {
		return uuid.Nil, fmt.Errorf("session.resolve_owner: %w", ErrInvalidToken)
	}
	userID, lookupErr := service.store.GetUserIDFromToken(ctx, service.hasher.Hash(rawToken))
	if lookupErr != nil {
		if errors.Is(lookupErr, ErrRefreshTokenNotFound) {
			return uuid.Nil, fmt.Errorf("session.resolve_owner: %w", ErrInvalidToken)
		}
		return uuid.Nil, fmt.Errorf("session.resolve_owner: %w", lookupErr)
	}
	return userID, nil
}

func (service *Service) publish(ctx context.Context, topic string, user User) {
	payload, encodeErr := EncodeAccountEvent(user, service.clock.Now())
	if encodeErr == nil {
		encodeErr = service.publisher.Publish(ctx, topic, payload)
	}
	if encodeErr != nil {
		service.metrics.Increment(MetricPublishFailed)
		service.logger.Warn("account event not delivered",
			zap.String("code", "event.publish_failed"),
			zap.String("topic", topic),
			zap.String("user_id", user.ID.String()),
			zap.Error(encodeErr),
		)
	}
}

// authenticationFailure reports cause as a generic authentication failure while
// keeping it in the chain so KindOf can still tell a timeout apart.
func authenticationFailure(step string, cause error) error {
	return fmt.Errorf("session.login.%s: %w: %w", step, ErrAuthentication, cause)
}

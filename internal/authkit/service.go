package authkit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/tyemirov/socialauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// LoginPhase names a step of the OAuth callback state machine.
type LoginPhase string

const (
	PhaseInitiated        LoginPhase = "INITIATED"
	PhaseCallbackReceived LoginPhase = "CALLBACK_RECEIVED"
	PhaseAuthenticated    LoginPhase = "AUTHENTICATED"
	PhaseFailed           LoginPhase = "FAILED"
)

const messageRefreshRejected = "mismatched or expired refresh token"

// IdentityProvider runs the authorization-code flow for one provider.
type IdentityProvider interface {
	Name() string
	BuildAuthorizationURL(ctx context.Context) (string, string, error)
	ExchangeCodeForUser(ctx context.Context, code string, state string) (UserProfile, error)
}

var _ IdentityProvider = (*ProviderClient)(nil)

// ServiceDependencies lists the collaborators of a Service.
type ServiceDependencies struct {
	Issuer      *TokenIssuer
	Credentials CredentialStore
	Users       UserDirectory
	Providers   []IdentityProvider
	Clock       Clock
	Logger      *zap.Logger
	Metrics     MetricsRecorder
}

// TokenPair is a freshly minted access and refresh token.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// LoginResult is the outcome of a successful callback.
type LoginResult struct {
	User   User
	Tokens TokenPair
}

// Service orchestrates social login, refresh rotation, and logout.
// It never touches HTTP; the transport layer shapes cookies and bodies.
type Service struct {
	issuer      *TokenIssuer
	credentials CredentialStore
	users       UserDirectory
	providers   map[string]IdentityProvider
	clock       Clock
	logger      *zap.Logger
	metrics     MetricsRecorder
}

// NewService validates the dependencies and builds a Service.
func NewService(dependencies ServiceDependencies) (*Service, error) {
	if dependencies.Issuer == nil {
		return nil, errors.New("auth.service: token issuer is required")
	}
	if dependencies.Credentials == nil {
		return nil, errors.New("auth.service: credential store is required")
	}
	if dependencies.Users == nil {
		return nil, errors.New("auth.service: user directory is required")
	}
	providers := make(map[string]IdentityProvider, len(dependencies.Providers))
	for _, provider := range dependencies.Providers {
		if provider == nil {
			continue
		}
		if _, duplicate := providers[provider.Name()]; duplicate {
			return nil, errors.New("auth.service: duplicate provider " + provider.Name())
		}
		providers[provider.Name()] = provider
	}
	if len(providers) == 0 {
		return nil, errors.New("auth.service: at least one provider is required")
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if dependencies.Metrics != nil {
		metrics = dependencies.Metrics
	}
	return &Service{
		issuer:      dependencies.Issuer,
		credentials: dependencies.Credentials,
		users:       dependencies.Users,
		providers:   providers,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Providers returns the enabled provider names in sorted order.
func (service *Service) Providers() []string {
	names := make([]string, 0, len(service.providers))
	for name := range service.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (service *Service) provider(name string) (IdentityProvider, error) {
	provider, ok := service.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, notFoundError("auth.provider_unsupported", "provider not supported", nil)
	}
	return provider, nil
}

// InitializeLogin stores a fresh OAuth state and returns the provider consent URL.
func (service *Service) InitializeLogin(ctx context.Context, providerName string) (string, error) {
	provider, err := service.provider(providerName)
	if err != nil {
		return "", err
	}
	authURL, _, buildErr := provider.BuildAuthorizationURL(ctx)
	if buildErr != nil {
		authErr := AsError(buildErr)
		service.logger.Error("login initialization failed", zap.String("code", authErr.Code), zap.String("provider", provider.Name()), zap.Error(authErr.Err))
		return "", authErr
	}
	service.logger.Info("oauth login", zap.String("code", "auth.login.initiated"), zap.String("provider", provider.Name()), zap.String("phase", string(PhaseInitiated)))
	service.metrics.Increment(MetricLoginInitiated)
	return authURL, nil
}

// HandleCallback consumes the state, resolves the user, and issues a token pair.
// The state is consumed before the code exchange and before any token is minted.
func (service *Service) HandleCallback(ctx context.Context, providerName string, code string, state string) (LoginResult, error) {
	provider, err := service.provider(providerName)
	if err != nil {
		return LoginResult{}, err
	}
	service.logger.Info("oauth callback", zap.String("code", "auth.callback.received"), zap.String("provider", provider.Name()), zap.String("phase", string(PhaseCallbackReceived)))
	service.metrics.Increment(MetricCallbackReceived)

	profile, exchangeErr := provider.ExchangeCodeForUser(ctx, code, state)
	if exchangeErr != nil {
		return LoginResult{}, service.failCallback(provider.Name(), exchangeErr)
	}

	user, resolveErr := service.users.GetOrCreate(ctx, profile)
	if resolveErr != nil {
		return LoginResult{}, service.failCallback(provider.Name(), internalError("auth.user_resolve", resolveErr))
	}
	if !user.IsActive {
		return LoginResult{}, service.failCallback(provider.Name(), authenticationError("auth.user_inactive", "account is disabled", nil))
	}

	loginAt := service.clock.Now().UTC()
	if recordErr := service.users.RecordLogin(ctx, user.ID, loginAt); recordErr != nil {
		return LoginResult{}, service.failCallback(provider.Name(), internalError("auth.user_record_login", recordErr))
	}
	user.LastLogin = &loginAt

	tokens, issueErr := service.issuePair(user)
	if issueErr != nil {
		return LoginResult{}, service.failCallback(provider.Name(), issueErr)
	}
	if saveErr := service.credentials.SaveRefreshToken(ctx, user.ID, tokens.RefreshToken, service.issuer.RefreshTTL()); saveErr != nil {
		return LoginResult{}, service.failCallback(provider.Name(), internalError("auth.refresh_store", saveErr))
	}

	service.logger.Info("oauth callback", zap.String("code", "auth.callback.authenticated"), zap.String("provider", provider.Name()), zap.String("phase", string(PhaseAuthenticated)), zap.Int64("user_id", user.ID))
	service.metrics.Increment(MetricCallbackAuthenticated)
	return LoginResult{User: user, Tokens: tokens}, nil
}

func (service *Service) failCallback(providerName string, err error) error {
	authErr := AsError(err)
	service.logger.Warn("oauth callback",
		zap.String("code", authErr.Code),
		zap.String("provider", providerName),
		zap.String("phase", string(PhaseFailed)),
		zap.String("kind", string(authErr.Kind)),
		zap.NamedError("cause", authErr.Err),
	)
	service.metrics.Increment(MetricCallbackFailed)
	return authErr
}

// Refresh rotates a refresh token. The presented token is never accepted again once this returns.
func (service *Service) Refresh(ctx context.Context, presented string) (TokenPair, error) {
	tokens, err := service.refresh(ctx, presented)
	if err != nil {
		authErr := AsError(err)
		service.logger.Warn("token refresh rejected", zap.String("code", authErr.Code), zap.String("kind", string(authErr.Kind)), zap.NamedError("cause", authErr.Err))
		service.metrics.Increment(MetricRefreshFailed)
		return TokenPair{}, authErr
	}
	service.metrics.Increment(MetricRefreshSuccess)
	return tokens, nil
}

func (service *Service) refresh(ctx context.Context, presented string) (TokenPair, error) {
	if strings.TrimSpace(presented) == "" {
		return TokenPair{}, authenticationError("auth.refresh_missing", "missing refresh token", nil)
	}
	claims, verifyErr := service.issuer.Verify(presented)
	if verifyErr != nil {
		return TokenPair{}, verifyErr
	}
	if claims.GetTokenType() != sessionvalidator.TokenTypeRefresh {
		return TokenPair{}, authenticationError("auth.refresh_wrong_type", "invalid credentials", sessionvalidator.ErrUnexpectedTokenType)
	}
	blacklisted, lookupErr := service.credentials.IsBlacklisted(ctx, presented)
	if lookupErr != nil {
		return TokenPair{}, internalError("auth.blacklist_lookup", lookupErr)
	}
	if blacklisted {
		return TokenPair{}, authenticationError("auth.refresh_revoked", messageRefreshRejected, sessionvalidator.ErrTokenRevoked)
	}
	user, userErr := service.users.GetByID(ctx, claims.GetUserID())
	if errors.Is(userErr, ErrUserNotFound) {
		return TokenPair{}, authenticationError("auth.refresh_user_missing", "invalid credentials", userErr)
	}
	if userErr != nil {
		return TokenPair{}, internalError("auth.user_lookup", userErr)
	}
	if !user.IsActive {
		return TokenPair{}, authenticationError("auth.user_inactive", "account is disabled", nil)
	}
	tokens, issueErr := service.issuePair(user)
	if issueErr != nil {
		return TokenPair{}, issueErr
	}
	rotateErr := service.credentials.RotateRefreshToken(ctx, user.ID, presented, tokens.RefreshToken, service.issuer.RefreshTTL(), claims.GetExpiresAt())
	if errors.Is(rotateErr, ErrRefreshTokenMismatch) {
		return TokenPair{}, authenticationError("auth.refresh_mismatch", messageRefreshRejected, rotateErr)
	}
	if rotateErr != nil {
		return TokenPair{}, internalError("auth.refresh_rotate", rotateErr)
	}
	service.logger.Info("token refreshed", zap.String("code", "auth.refresh.success"), zap.Int64("user_id", user.ID))
	return tokens, nil
}

// Logout revokes the access token until it expires and forgets the user's refresh token.
// Repeating the call is not an error.
func (service *Service) Logout(ctx context.Context, userID int64, accessToken string) error {
	if strings.TrimSpace(accessToken) != "" {
		if claims, verifyErr := service.issuer.Verify(accessToken); verifyErr == nil {
			if blacklistErr := service.credentials.Blacklist(ctx, accessToken, claims.GetExpiresAt()); blacklistErr != nil {
				return service.failLogout(internalError("auth.logout_blacklist", blacklistErr))
			}
		}
	}
	if deleteErr := service.credentials.DeleteRefreshToken(ctx, userID); deleteErr != nil {
		return service.failLogout(internalError("auth.logout_refresh_delete", deleteErr))
	}
	service.logger.Info("logout", zap.String("code", "auth.logout"), zap.Int64("user_id", userID))
	service.metrics.Increment(MetricLogout)
	return nil
}

func (service *Service) failLogout(err error) error {
	authErr := AsError(err)
	service.logger.Error("logout failed", zap.String("code", authErr.Code), zap.NamedError("cause", authErr.Err))
	return authErr
}

// Authenticate verifies an access token and rejects revoked ones.
func (service *Service) Authenticate(ctx context.Context, accessToken string) (*sessionvalidator.Claims, error) {
	claims, err := service.authenticate(ctx, accessToken)
	if err != nil {
		service.metrics.Increment(MetricAuthenticateRejected)
		return nil, err
	}
	return claims, nil
}

func (service *Service) authenticate(ctx context.Context, accessToken string) (*sessionvalidator.Claims, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, authenticationError("auth.token_missing", "missing access token", sessionvalidator.ErrMissingToken)
	}
	claims, verifyErr := service.issuer.Verify(accessToken)
	if verifyErr != nil {
		return nil, verifyErr
	}
	if claims.GetTokenType() != sessionvalidator.TokenTypeAccess {
		return nil, authenticationError("auth.token_wrong_type", "invalid credentials", sessionvalidator.ErrUnexpectedTokenType)
	}
	blacklisted, lookupErr := service.credentials.IsBlacklisted(ctx, accessToken)
	if lookupErr != nil {
		service.logger.Error("blacklist lookup failed", zap.String("code", "auth.blacklist_lookup"), zap.Error(lookupErr))
		return nil, internalError("auth.blacklist_lookup", lookupErr)
	}
	if blacklisted {
		return nil, authenticationError("auth.token_revoked", "invalid credentials", sessionvalidator.ErrTokenRevoked)
	}
	return claims, nil
}

// CurrentUser loads the user named by verified claims.
func (service *Service) CurrentUser(ctx context.Context, claims *sessionvalidator.Claims) (User, error) {
	if claims == nil {
		return User{}, authenticationError("auth.claims_missing", "invalid credentials", nil)
	}
	user, err := service.users.GetByID(ctx, claims.GetUserID())
	if errors.Is(err, ErrUserNotFound) {
		return User{}, notFoundError("auth.user_not_found", "user not found", err)
	}
	if err != nil {
		return User{}, internalError("auth.user_lookup", err)
	}
	return user, nil
}

func (service *Service) issuePair(user User) (TokenPair, error) {
	accessToken, accessExpiresAt, accessErr := service.issuer.IssueAccessToken(user.ID, user.Email)
	if accessErr != nil {
		return TokenPair{}, internalError("auth.token_issue", accessErr)
	}
	refreshToken, refreshExpiresAt, refreshErr := service.issuer.IssueRefreshToken(user.ID, user.Email)
	if refreshErr != nil {
		return TokenPair{}, internalError("auth.token_issue", refreshErr)
	}
	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

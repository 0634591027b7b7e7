package authkit

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

type serviceHarness struct {
	service *Service
	issuer  *TokenIssuer
	store   *MemoryCredentialStore
	users   *DatabaseUserDirectory
	fake    *fakeProvider
	metrics *PrometheusMetrics
	clock   *controllableClock
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	clock := &controllableClock{current: time.Now().UTC()}
	issuer := newTestIssuer(t, clock)
	store := NewMemoryCredentialStore()
	users := newSQLiteDirectory(t)
	fake := newFakeProvider(t, googleProfileJSON)
	provider := newTestProviderClient(t, fake.config(ProviderGoogle), store, ProviderClientOptions{})
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())
	service, err := NewService(ServiceDependencies{
		Issuer:      issuer,
		Credentials: store,
		Users:       users,
		Providers:   []IdentityProvider{provider},
		Clock:       clock,
		Logger:      zaptest.NewLogger(t),
		Metrics:     metrics,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return &serviceHarness{service: service, issuer: issuer, store: store, users: users, fake: fake, metrics: metrics, clock: clock}
}

func (harness *serviceHarness) login(t *testing.T) LoginResult {
	t.Helper()
	ctx := context.Background()
	authURL, err := harness.service.InitializeLogin(ctx, ProviderGoogle)
	if err != nil {
		t.Fatalf("initialize login error: %v", err)
	}
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("invalid auth url: %v", err)
	}
	result, err := harness.service.HandleCallback(ctx, ProviderGoogle, "valid-code", parsed.Query().Get("state"))
	if err != nil {
		t.Fatalf("callback error: %v", err)
	}
	return result
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	issuer := newTestIssuer(t, NewSystemClock())
	store := NewMemoryCredentialStore()
	users := newSQLiteDirectory(t)
	if _, err := NewService(ServiceDependencies{Credentials: store, Users: users}); err == nil {
		t.Fatalf("expected missing issuer error")
	}
	if _, err := NewService(ServiceDependencies{Issuer: issuer, Credentials: store, Users: users}); err == nil {
		t.Fatalf("expected missing providers error")
	}
}

func TestServiceLoginIssuesTokensAndStoresRefresh(t *testing.T) {
	harness := newServiceHarness(t)
	result := harness.login(t)

	if result.User.Email != "google.user@example.com" || result.User.ID == 0 {
		t.Fatalf("unexpected user: %+v", result.User)
	}
	if result.User.LastLogin == nil {
		t.Fatalf("expected last login to be recorded")
	}
	stored, err := harness.store.RefreshToken(context.Background(), result.User.ID)
	if err != nil {
		t.Fatalf("expected stored refresh token: %v", err)
	}
	if stored != result.Tokens.RefreshToken {
		t.Fatalf("stored refresh token does not match issued token")
	}
	claims, err := harness.service.Authenticate(context.Background(), result.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("authenticate error: %v", err)
	}
	if claims.GetUserEmail() != result.User.Email {
		t.Fatalf("expected subject %s, got %s", result.User.Email, claims.GetUserEmail())
	}
	if harness.metrics.Count(MetricLoginInitiated) != 1 || harness.metrics.Count(MetricCallbackAuthenticated) != 1 {
		t.Fatalf("unexpected metrics: login=%d authenticated=%d", harness.metrics.Count(MetricLoginInitiated), harness.metrics.Count(MetricCallbackAuthenticated))
	}

	again := harness.login(t)
	if again.User.ID != result.User.ID {
		t.Fatalf("expected returning user to keep id %d, got %d", result.User.ID, again.User.ID)
	}
}

func TestServiceCallbackStateIsSingleUse(t *testing.T) {
	harness := newServiceHarness(t)
	ctx := context.Background()
	authURL, err := harness.service.InitializeLogin(ctx, ProviderGoogle)
	if err != nil {
		t.Fatalf("initialize login error: %v", err)
	}
	parsed, _ := url.Parse(authURL)
	state := parsed.Query().Get("state")

	if _, err := harness.service.HandleCallback(ctx, ProviderGoogle, "valid-code", state); err != nil {
		t.Fatalf("first callback error: %v", err)
	}
	_, replayErr := harness.service.HandleCallback(ctx, ProviderGoogle, "valid-code", state)
	if !errors.Is(replayErr, ErrValidation) {
		t.Fatalf("expected validation error on replay, got %v", replayErr)
	}
	_, unknownErr := harness.service.HandleCallback(ctx, ProviderGoogle, "valid-code", "expired-or-unknown")
	if !errors.Is(unknownErr, ErrValidation) {
		t.Fatalf("expected validation error for unknown state, got %v", unknownErr)
	}
	if harness.metrics.Count(MetricCallbackFailed) != 2 {
		t.Fatalf("expected two failed callbacks, got %d", harness.metrics.Count(MetricCallbackFailed))
	}
}

func TestServiceCallbackRejectedCodeIsAuthenticationError(t *testing.T) {
	harness := newServiceHarness(t)
	ctx := context.Background()
	authURL, err := harness.service.InitializeLogin(ctx, ProviderGoogle)
	if err != nil {
		t.Fatalf("initialize login error: %v", err)
	}
	parsed, _ := url.Parse(authURL)
	_, callbackErr := harness.service.HandleCallback(ctx, ProviderGoogle, "forged-code", parsed.Query().Get("state"))
	if !errors.Is(callbackErr, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", callbackErr)
	}
	if _, lookupErr := harness.users.GetByEmail(ctx, "google.user@example.com"); !errors.Is(lookupErr, ErrUserNotFound) {
		t.Fatalf("no user must be created for a rejected code, got %v", lookupErr)
	}
}

func TestServiceUnknownProviderIsNotFound(t *testing.T) {
	harness := newServiceHarness(t)
	ctx := context.Background()
	if _, err := harness.service.InitializeLogin(ctx, "discord"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := harness.service.HandleCallback(ctx, "discord", "code", "state"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := harness.service.Providers(); len(got) != 1 || got[0] != ProviderGoogle {
		t.Fatalf("unexpected providers %v", got)
	}
}

func TestServiceRefreshRotatesAndRejectsReuse(t *testing.T) {
	harness := newServiceHarness(t)
	ctx := context.Background()
	login := harness.login(t)

	rotated, err := harness.service.Refresh(ctx, login.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	if rotated.RefreshToken == login.Tokens.RefreshToken || rotated.AccessToken == login.Tokens.AccessToken {
		t.Fatalf("expected new tokens")
	}

	_, reuseErr := harness.service.Refresh(ctx, login.Tokens.RefreshToken)
	if !errors.Is(reuseErr, ErrAuthentication) {
		t.Fatalf("expected authentication error on reuse, got %v", reuseErr)
	}

	if _, err := harness.service.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("rotated token must remain usable: %v", err)
	}
	if harness.metrics.Count(MetricRefreshSuccess) != 2 || harness.metrics.Count(MetricRefreshFailed) != 1 {
		t.Fatalf("unexpected metrics: success=%d failed=%d", harness.metrics.Count(MetricRefreshSuccess), harness.metrics.Count(MetricRefreshFailed))
	}
}

func TestServiceRefreshRejectsSupersededToken(t *testing.T) {
	harness := newServiceHarness(t)
	first := harness.login(t)
	harness.login(t)

	_, err := harness.service.Refresh(context.Background(), first.Tokens.RefreshToken)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if AsError(err).Message != messageRefreshRejected {
		t.Fatalf("unexpected message %q", AsError(err).Message)
	}
}

func TestServiceRefreshRejections(t *testing.T) {
	harness := newServiceHarness(t)
	ctx := context.Background()
	login := harness.login(t)

	blacklistedRefresh, _, err := harness.issuer.IssueRefreshToken(login.User.ID, login.User.Email)
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}
	if err := harness.store.Blacklist(ctx, blacklistedRefresh, harness.clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("blacklist error: %v", err)
	}
	orphanRefresh, _, err := harness.issuer.IssueRefreshToken(999, "ghost@example.com")
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"access token": login.Tokens.AccessToken,
		"blacklisted":  blacklistedRefresh,
		"unknown user": orphanRefresh,
	} {
		if _, refreshErr := harness.service.Refresh(ctx, token); !errors.Is(refreshErr, ErrAuthentication) {
			t.Fatalf("%s: expected authentication error, got %v", name, refreshErr)
		}
	}

	harness.clock.Advance(8 * 24 * time.Hour)
	if _, expiredErr := harness.service.Refresh(ctx, login.Tokens.RefreshToken); !errors.Is(expiredErr, ErrAuthentication) {
		t.Fatalf("expected expired refresh token to fail, got %v", expiredErr)
	}
}

func TestServiceLogoutIsIdempotentAndRevokes(t *testing.T) {
	harness := newServiceHarness(t)
	ctx := context.Background()
	login := harness.login(t)

	if err := harness.service.Logout(ctx, login.User.ID, login.Tokens.AccessToken); err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if err := harness.service.Logout(ctx, login.User.ID, login.Tokens.AccessToken); err != nil {
		t.Fatalf("second logout must not fail: %v", err)
	}

	if _, err := harness.service.Authenticate(ctx, login.Tokens.AccessToken); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected revoked access token, got %v", err)
	}
	if _, err := harness.service.Refresh(ctx, login.Tokens.RefreshToken); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected refresh after logout to fail, got %v", err)
	}
	if _, err := harness.store.RefreshToken(ctx, login.User.ID); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected refresh token to be deleted, got %v", err)
	}
	if harness.metrics.Count(MetricLogout) != 2 {
		t.Fatalf("expected two logouts, got %d", harness.metrics.Count(MetricLogout))
	}
}

func TestServiceAuthenticateRejectsRefreshTokens(t *testing.T) {
	harness := newServiceHarness(t)
	login := harness.login(t)

	if _, err := harness.service.Authenticate(context.Background(), login.Tokens.RefreshToken); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if _, err := harness.service.Authenticate(context.Background(), ""); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error for empty token, got %v", err)
	}
	if harness.metrics.Count(MetricAuthenticateRejected) != 2 {
		t.Fatalf("expected two rejections, got %d", harness.metrics.Count(MetricAuthenticateRejected))
	}
}

func TestServiceCurrentUser(t *testing.T) {
	harness := newServiceHarness(t)
	ctx := context.Background()
	login := harness.login(t)

	claims, err := harness.service.Authenticate(ctx, login.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("authenticate error: %v", err)
	}
	user, err := harness.service.CurrentUser(ctx, claims)
	if err != nil {
		t.Fatalf("current user error: %v", err)
	}
	if user.ID != login.User.ID || user.Email != login.User.Email {
		t.Fatalf("unexpected user %+v", user)
	}

	orphanToken, _, err := harness.issuer.IssueAccessToken(999, "ghost@example.com")
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}
	orphanClaims, err := harness.service.Authenticate(ctx, orphanToken)
	if err != nil {
		t.Fatalf("authenticate error: %v", err)
	}
	if _, err := harness.service.CurrentUser(ctx, orphanClaims); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

package authkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
)

const maxProfileBytes = 1 << 20

var errProviderConfig = errors.New("provider.config.invalid")

// ProviderConfig describes one OAuth2 identity provider.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// WithDefaults fills empty endpoints and scopes from the built-in provider table.
func (configuration ProviderConfig) WithDefaults() ProviderConfig {
	defaults, ok := DefaultProviderConfig(configuration.Name)
	if !ok {
		return configuration
	}
	if configuration.AuthorizeURL == "" {
		configuration.AuthorizeURL = defaults.AuthorizeURL
	}
	if configuration.TokenURL == "" {
		configuration.TokenURL = defaults.TokenURL
	}
	if configuration.UserInfoURL == "" {
		configuration.UserInfoURL = defaults.UserInfoURL
	}
	if len(configuration.Scopes) == 0 {
		configuration.Scopes = defaults.Scopes
	}
	return configuration
}

// IDTokenValidator verifies an OpenID Connect ID token for an audience.
// *idtoken.Validator satisfies it.
type IDTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// ProviderClientOptions carries the collaborators of a ProviderClient.
type ProviderClientOptions struct {
	States           StateStore
	StateTTL         time.Duration
	Timeout          time.Duration
	HTTPClient       *http.Client
	IDTokenValidator IDTokenValidator
	Logger           *zap.Logger
}

// ProviderClient runs the authorization-code flow against one provider.
type ProviderClient struct {
	configuration ProviderConfig
	oauth         *oauth2.Config
	states        StateStore
	stateTTL      time.Duration
	timeout       time.Duration
	httpClient    *http.Client
	idTokens      IDTokenValidator
	logger        *zap.Logger
}

// NewProviderClient validates the provider configuration and builds a client.
func NewProviderClient(configuration ProviderConfig, options ProviderClientOptions) (*ProviderClient, error) {
	configuration = configuration.WithDefaults()
	if _, ok := profileShapes[configuration.Name]; !ok {
		return nil, fmt.Errorf("%w: unsupported provider %q", errProviderConfig, configuration.Name)
	}
	required := map[string]string{
		"client_id":     configuration.ClientID,
		"redirect_uri":  configuration.RedirectURI,
		"authorize_url": configuration.AuthorizeURL,
		"token_url":     configuration.TokenURL,
		"userinfo_url":  configuration.UserInfoURL,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%w: %s %s is required", errProviderConfig, configuration.Name, field)
		}
	}
	if options.States == nil {
		return nil, fmt.Errorf("%w: %s state store is required", errProviderConfig, configuration.Name)
	}
	stateTTL := durationOrDefault(options.StateTTL, DefaultStateTTL)
	timeout := durationOrDefault(options.Timeout, DefaultProviderTimeout)
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderClient{
		configuration: configuration,
		oauth: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURI,
			Scopes:       configuration.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   configuration.AuthorizeURL,
				TokenURL:  configuration.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		states:     options.States,
		stateTTL:   stateTTL,
		timeout:    timeout,
		httpClient: httpClient,
		idTokens:   options.IDTokenValidator,
		logger:     logger.With(zap.String("provider", configuration.Name)),
	}, nil
}

// Name returns the provider name.
func (client *ProviderClient) Name() string {
	return client.configuration.Name
}

// BuildAuthorizationURL stores a fresh state and returns the provider consent URL embedding it.
func (client *ProviderClient) BuildAuthorizationURL(ctx context.Context) (string, string, error) {
	state, err := newStateToken()
	if err != nil {
		return "", "", internalError("auth.state_generate", err)
	}
	if saveErr := client.states.SaveState(ctx, state, client.configuration.Name, client.stateTTL); saveErr != nil {
		return "", "", internalError("auth.state_save", saveErr)
	}
	return client.oauth.AuthCodeURL(state), state, nil
}

// ExchangeCodeForUser consumes the state, trades the code for a provider token and
// returns the normalized profile. The provider token never leaves this method.
func (client *ProviderClient) ExchangeCodeForUser(ctx context.Context, code string, state string) (UserProfile, error) {
	storedProvider, consumeErr := client.states.ConsumeState(ctx, state)
	if errors.Is(consumeErr, ErrStateNotFound) {
		return UserProfile{}, validationError("auth.state_invalid", "invalid or expired state", consumeErr)
	}
	if consumeErr != nil {
		return UserProfile{}, internalError("auth.state_lookup", consumeErr)
	}
	if storedProvider != client.configuration.Name {
		return UserProfile{}, validationError("auth.state_mismatch", "invalid or expired state", nil)
	}
	if strings.TrimSpace(code) == "" {
		return UserProfile{}, validationError("auth.code_missing", "authorization code is required", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	callCtx = context.WithValue(callCtx, oauth2.HTTPClient, client.httpClient)

	token, exchangeErr := client.oauth.Exchange(callCtx, code)
	if exchangeErr != nil {
		return UserProfile{}, client.classifyOutboundError("auth.code_exchange", exchangeErr)
	}

	document, fetchErr := client.fetchUserInfo(callCtx, token.AccessToken)
	if fetchErr != nil {
		return UserProfile{}, fetchErr
	}
	profile, normalizeErr := normalizeProfile(client.configuration.Name, document)
	if normalizeErr != nil {
		client.logger.Warn("provider profile rejected", zap.String("code", "auth.profile_invalid"), zap.Error(normalizeErr))
		return UserProfile{}, authenticationError("auth.profile_invalid", "provider returned an unusable profile", normalizeErr)
	}
	if verifyErr := client.crossCheckIDToken(callCtx, token, profile); verifyErr != nil {
		return UserProfile{}, verifyErr
	}
	return profile, nil
}

func (client *ProviderClient) fetchUserInfo(ctx context.Context, accessToken string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.configuration.UserInfoURL, nil)
	if err != nil {
		return nil, internalError("auth.userinfo_request", err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, client.classifyOutboundError("auth.userinfo_fetch", err)
	}
	defer response.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxProfileBytes))
	if readErr != nil {
		return nil, client.classifyOutboundError("auth.userinfo_fetch", readErr)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		client.logger.Warn("userinfo request rejected", zap.String("code", "auth.userinfo_rejected"), zap.Int("status", response.StatusCode))
		return nil, authenticationError("auth.userinfo_rejected", "provider rejected the profile request", fmt.Errorf("status %d", response.StatusCode))
	}
	return body, nil
}

func (client *ProviderClient) crossCheckIDToken(ctx context.Context, token *oauth2.Token, profile UserProfile) error {
	if client.idTokens == nil {
		return nil
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil
	}
	payload, err := client.idTokens.Validate(ctx, rawIDToken, client.configuration.ClientID)
	if err != nil {
		client.logger.Warn("id token rejected", zap.String("code", "auth.id_token_invalid"), zap.Error(err))
		return authenticationError("auth.id_token_invalid", "invalid credentials", err)
	}
	tokenEmail, _ := payload.Claims["email"].(string)
	if NormalizeEmail(tokenEmail) != profile.Email {
		return authenticationError("auth.id_token_mismatch", "invalid credentials", nil)
	}
	return nil
}

// classifyOutboundError separates provider rejections from transport failures.
func (client *ProviderClient) classifyOutboundError(code string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		client.logger.Warn("provider rejected token exchange", zap.String("code", code), zap.Int("status", status), zap.String("error_code", retrieveErr.ErrorCode))
		return authenticationError(code, "provider rejected the authorization code", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		client.logger.Error("provider unreachable", zap.String("code", code), zap.Error(err))
		return internalError(code, err)
	}
	client.logger.Warn("provider returned an unusable token response", zap.String("code", code), zap.Error(err))
	return authenticationError(code, "provider rejected the authorization code", err)
}

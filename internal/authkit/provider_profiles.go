package authkit

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Supported provider names.
const (
	ProviderGoogle = "google"
	ProviderNaver  = "naver"
	ProviderKakao  = "kakao"
)

var (
	errMalformedProfile = errors.New("provider.profile.malformed")
	errProfileNoEmail   = errors.New("provider.profile.missing_email")
	errUnknownProfile   = errors.New("provider.profile.unknown_shape")
)

// profileShape holds gjson paths into a provider's userinfo document.
type profileShape struct {
	emailPath   string
	namePath    string
	picturePath string
}

var profileShapes = map[string]profileShape{
	ProviderGoogle: {
		emailPath:   "email",
		namePath:    "name",
		picturePath: "picture",
	},
	ProviderNaver: {
		emailPath:   "response.email",
		namePath:    "response.name",
		picturePath: "response.profile_image",
	},
	ProviderKakao: {
		emailPath:   "kakao_account.email",
		namePath:    "kakao_account.profile.nickname",
		picturePath: "kakao_account.profile.profile_image_url",
	},
}

var defaultProviderConfigs = map[string]ProviderConfig{
	ProviderGoogle: {
		Name:         ProviderGoogle,
		AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		UserInfoURL:  "https://openidconnect.googleapis.com/v1/userinfo",
		Scopes:       []string{"openid", "email", "profile"},
	},
	ProviderNaver: {
		Name:         ProviderNaver,
		AuthorizeURL: "https://nid.naver.com/oauth2.0/authorize",
		TokenURL:     "https://nid.naver.com/oauth2.0/token",
		UserInfoURL:  "https://openapi.naver.com/v1/nid/me",
	},
	ProviderKakao: {
		Name:         ProviderKakao,
		AuthorizeURL: "https://kauth.kakao.com/oauth/authorize",
		TokenURL:     "https://kauth.kakao.com/oauth/token",
		UserInfoURL:  "https://kapi.kakao.com/v2/user/me",
		Scopes:       []string{"account_email", "profile_nickname", "profile_image"},
	},
}

// SupportedProviders lists the provider names with a known profile shape.
func SupportedProviders() []string {
	return []string{ProviderGoogle, ProviderNaver, ProviderKakao}
}

// DefaultProviderConfig returns the public endpoints and scopes for a supported provider.
func DefaultProviderConfig(name string) (ProviderConfig, bool) {
	configuration, ok := defaultProviderConfigs[name]
	if !ok {
		return ProviderConfig{}, false
	}
	configuration.Scopes = append([]string(nil), configuration.Scopes...)
	return configuration, true
}

// normalizeProfile maps a provider userinfo document to a UserProfile.
func normalizeProfile(providerName string, document []byte) (UserProfile, error) {
	shape, ok := profileShapes[providerName]
	if !ok {
		return UserProfile{}, errUnknownProfile
	}
	if !gjson.ValidBytes(document) {
		return UserProfile{}, errMalformedProfile
	}
	parsed := gjson.ParseBytes(document)
	email := stringField(parsed, shape.emailPath)
	if email == "" {
		return UserProfile{}, errProfileNoEmail
	}
	name := stringField(parsed, shape.namePath)
	if name == "" {
		name = emailLocalPart(email)
	}
	profile := UserProfile{Email: NormalizeEmail(email), Name: name}
	if picture := stringField(parsed, shape.picturePath); picture != "" {
		profile.Picture = &picture
	}
	return profile, nil
}

// stringField returns the trimmed value at path, or "" when it is absent or not a JSON string.
func stringField(document gjson.Result, path string) string {
	value := document.Get(path)
	if value.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(value.Str)
}

func emailLocalPart(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

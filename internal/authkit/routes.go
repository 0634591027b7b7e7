package authkit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/socialauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// MountAuthRoutes registers /login/:provider, /auth/:provider/callback, /token/refresh,
// /logout, /info, and /health-check.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, service *Service, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	requireSession := RequireSession(configuration, service, logger)

	router.GET("/health-check", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/login/:provider", func(contextGin *gin.Context) {
		authURL, err := service.InitializeLogin(contextGin.Request.Context(), contextGin.Param("provider"))
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"auth_url": authURL})
	})

	router.GET("/auth/:provider/callback", func(contextGin *gin.Context) {
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "https_required"})
			return
		}
		code := strings.TrimSpace(contextGin.Query("code"))
		state := strings.TrimSpace(contextGin.Query("state"))
		if code == "" || state == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "code and state are required"})
			return
		}
		result, err := service.HandleCallback(contextGin.Request.Context(), contextGin.Param("provider"), code, state)
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		writeTokenCookies(contextGin, configuration, result.Tokens)
		contextGin.JSON(http.StatusOK, gin.H{"message": "ok", "user": result.User})
	})

	router.POST("/token/refresh", func(contextGin *gin.Context) {
		presented, ok := sessionvalidator.TokenFromRequest(contextGin.Request, configuration.refreshCookieName())
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing refresh token"})
			return
		}
		tokens, err := service.Refresh(contextGin.Request.Context(), presented)
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		writeTokenCookies(contextGin, configuration, tokens)
		contextGin.JSON(http.StatusOK, gin.H{"access_token": tokens.AccessToken, "token_type": "bearer"})
	})

	router.POST("/logout", requireSession, func(contextGin *gin.Context) {
		claims, _ := ClaimsFromContext(contextGin)
		accessToken := contextGin.GetString(contextKeyAccessToken)
		if err := service.Logout(contextGin.Request.Context(), claims.GetUserID(), accessToken); err != nil {
			writeError(contextGin, logger, err)
			return
		}
		clearCookie(contextGin, configuration.accessCookieName(), configuration.CookieDomain, configuration.SameSiteMode)
		clearCookie(contextGin, configuration.refreshCookieName(), configuration.CookieDomain, configuration.SameSiteMode)
		contextGin.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	router.GET("/info", requireSession, func(contextGin *gin.Context) {
		claims, _ := ClaimsFromContext(contextGin)
		user, err := service.CurrentUser(contextGin.Request.Context(), claims)
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, user)
	})
}

// writeError renders an error as {"message": ...}. Internal causes are logged, never echoed.
func writeError(contextGin *gin.Context, logger *zap.Logger, err error) {
	authErr := AsError(err)
	status := HTTPStatus(authErr)
	message := authErr.Message
	if status == http.StatusInternalServerError {
		message = "internal server error"
		logger.Error("request failed", zap.String("code", authErr.Code), zap.String("path", contextGin.FullPath()), zap.NamedError("cause", authErr.Err))
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"message": message})
}

func writeTokenCookies(contextGin *gin.Context, configuration ServerConfig, tokens TokenPair) {
	writeCookie(contextGin, configuration, configuration.accessCookieName(), tokens.AccessToken, tokens.AccessExpiresAt)
	writeCookie(contextGin, configuration, configuration.refreshCookieName(), tokens.RefreshToken, tokens.RefreshExpiresAt)
}

func writeCookie(contextGin *gin.Context, configuration ServerConfig, name string, value string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearCookie(contextGin *gin.Context, name string, domain string, sameSite http.SameSite) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   domain,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: sameSite,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}

package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/socialauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// ContextKeyClaims is the gin context key holding *sessionvalidator.Claims.
const ContextKeyClaims = sessionvalidator.DefaultContextKey

const contextKeyAccessToken = "auth_access_token"

// RequireSession authenticates the access token from the cookie or bearer header and injects claims.
func RequireSession(configuration ServerConfig, service *Service, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		accessToken, ok := sessionvalidator.TokenFromRequest(contextGin.Request, configuration.accessCookieName())
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing access token"})
			return
		}
		claims, err := service.Authenticate(contextGin.Request.Context(), accessToken)
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.Set(ContextKeyClaims, claims)
		contextGin.Set(contextKeyAccessToken, accessToken)
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims injected by RequireSession.
func ClaimsFromContext(contextGin *gin.Context) (*sessionvalidator.Claims, bool) {
	value, exists := contextGin.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*sessionvalidator.Claims)
	return claims, ok
}

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"github.com/derhornspieler/memberof/internal/model"
)

type claimsKey struct{}

// Claims holds the verified OIDC token claims extracted by the auth
// middleware.
type Claims struct {
	Subject           string   `json:"sub"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Groups            []string `json:"groups"`
}

// GetClaims extracts the authenticated claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	if c, ok := ctx.Value(claimsKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// OIDCAuth verifies the Bearer token against the OIDC issuer and stores the
// claims on the request context.
func OIDCAuth(logger *zap.Logger, issuerURL, clientID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// The provider is initialized lazily on first request so a
		// temporarily unreachable issuer does not block startup.
		var (
			provider *oidc.Provider
			verifier *oidc.IDTokenVerifier
		)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provider == nil {
				p, err := oidc.NewProvider(r.Context(), issuerURL)
				if err != nil {
					logger.Error("failed to initialize OIDC provider",
						zap.Error(err),
						zap.String("issuer", issuerURL),
					)
					model.WriteError(w, http.StatusServiceUnavailable, "OIDC_UNAVAILABLE", "OIDC provider unavailable")
					return
				}
				provider = p
				verifier = provider.Verifier(&oidc.Config{ClientID: clientID})
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				model.WriteError(w, http.StatusUnauthorized, "MISSING_TOKEN", "authorization header required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				model.WriteError(w, http.StatusUnauthorized, "INVALID_TOKEN", "authorization header must be Bearer {token}")
				return
			}

			idToken, err := verifier.Verify(r.Context(), parts[1])
			if err != nil {
				logger.Debug("token verification failed",
					zap.Error(err),
					zap.String("request_id", GetRequestID(r.Context())),
				)
				model.WriteError(w, http.StatusUnauthorized, "INVALID_TOKEN", "token verification failed")
				return
			}

			var claims Claims
			if err := idToken.Claims(&claims); err != nil {
				model.WriteError(w, http.StatusUnauthorized, "INVALID_CLAIMS", "failed to parse token claims")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, &claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"
)

// bearerToken reads the token from the Authorization header, or from the token query parameter
// for players that cannot set headers on media requests.
func bearerToken(c *gin.Context) (string, error) {
	if authHeader := c.Request.Header.Get("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", errors.New("invalid Authorization header")
		}
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", errors.New("missing Authorization header")
}

func (h *Handlers) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		parser := jwt.Parser{
			ValidMethods:         h.JWKS.Algorithms,
			SkipClaimsValidation: h.Debug,
		}
		parsedToken, err := parser.Parse(token, func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			thumbprint, _ := token.Header["x5t"].(string)
			if keyID == "" && thumbprint == "" {
				return nil, errors.New("token names neither kid nor x5t")
			}
			return h.JWKS.LookupKey(c.Request.Context(), keyID, thumbprint)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to validate token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "failed to validate token"})
			c.Abort()
			return
		}

		claims, ok := parsedToken.Claims.(jwt.MapClaims)
		if !ok || !parsedToken.Valid {
			log.Warn().Msg("Failed to validate token, something wrong with claims")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "failed to validate token"})
			c.Abort()
			return
		}

		if subject, ok := claims["sub"].(string); ok {
			c.Set("subject", subject)
		}
		c.Next()
	}
}

package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
)

// jwtAuth is gin middleware gating every /admin route behind a bearer
// token signed with signingKey. Repurposed from the teacher's exchange
// JWT dependency (minting tokens for outbound broker auth) to validating
// inbound operator tokens — the only HTTP surface here that mutates
// engine state.
func jwtAuth(signingKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(signingKey), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims["sub"].(string); sub != "" {
				c.Set("operator_id", sub)
			}
		}
		c.Next()
	}
}

// requireTOTP validates the X-TOTP-Code header against cfg.TOTPSecret
// before an operator is allowed to flip a risk-sensitive override flag
// (ignore_session_window, use_market_orders_on_exit), per §9's guarded
// mutable record.
func (s *Server) requireTOTP(c *gin.Context) bool {
	code := c.GetHeader("X-TOTP-Code")
	if code == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "TOTP code required"})
		return false
	}
	ok := totp.Validate(code, s.cfg.TOTPSecret)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid TOTP code"})
		return false
	}
	return true
}

package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nexuspro/canvas/api"
	"github.com/nexuspro/canvas/internal/config"
	"github.com/nexuspro/canvas/internal/slogging"
)

// TokenExtractor handles extracting JWT tokens from requests
type TokenExtractor struct{}

// ExtractToken extracts the JWT token from the request. WebSocket paths
// use a query parameter because browsers cannot set headers on upgrade
// requests; everything else uses the Authorization header.
func (t *TokenExtractor) ExtractToken(c *gin.Context) (string, error) {
	logger := slogging.Get()

	if strings.HasPrefix(c.Request.URL.Path, "/ws/") {
		if tokenStr := c.Query("token"); tokenStr != "" {
			return tokenStr, nil
		}
		// Non-browser clients may send a header instead; fall through
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		logger.Warn("authentication failed: missing Authorization header for path %s", c.Request.URL.Path)
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		logger.Warn("authentication failed: invalid Authorization header format for path %s", c.Request.URL.Path)
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return parts[1], nil
}

// TokenValidator verifies HMAC-signed tokens against the configured secret
type TokenValidator struct {
	secret []byte
}

func NewTokenValidator(cfg *config.Config) *TokenValidator {
	return &TokenValidator{secret: []byte(cfg.Auth.JWT.Secret)}
}

// ValidateToken parses and verifies a token string
func (v *TokenValidator) ValidateToken(tokenStr string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid or expired token: %w", err)
	}
	return token, nil
}

// extractAndSetClaims copies identity claims into the gin context for the
// handlers downstream. The sub claim is the user id; name is optional.
func extractAndSetClaims(c *gin.Context, token *jwt.Token) error {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid token claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return fmt.Errorf("token missing sub claim")
	}
	c.Set("userID", api.SanitizeIdentifier(sub))

	if name, ok := claims["name"].(string); ok && name != "" {
		c.Set("userName", api.SanitizeText(name))
	}
	return nil
}

// publicPaths are reachable without authentication
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// JWTMiddleware enforces authentication on every non-public route
func JWTMiddleware(cfg *config.Config) gin.HandlerFunc {
	extractor := &TokenExtractor{}
	validator := NewTokenValidator(cfg)

	return func(c *gin.Context) {
		if publicPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenStr, err := extractor.ExtractToken(c)
		if err != nil {
			unauthorized(c)
			return
		}

		token, err := validator.ValidateToken(tokenStr)
		if err != nil {
			slogging.Get().Debug("token validation failed: %v", err)
			unauthorized(c)
			return
		}

		if err := extractAndSetClaims(c, token); err != nil {
			slogging.Get().Debug("claims extraction failed: %v", err)
			unauthorized(c)
			return
		}

		c.Next()
	}
}

// unauthorized aborts with a generic error that leaks no detail about why
// authentication failed.
func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, api.Error{
		Error:   "unauthorized",
		Message: "Authentication required",
	})
}

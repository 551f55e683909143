package websocket

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/config"
)

// ScopeVerb prefixes every game scope, as in "play:startKey" or "play:*".
const ScopeVerb = "play"

var errRevoked = errors.New("token has been revoked")

// CustomClaims defines the structure of the JWT claims used in the system.
// The 'jti' (JWT ID) from RegisteredClaims is used for token revocation.
type CustomClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant verb on resource. A scope ending
// in "*" matches any resource with that prefix.
func (c *CustomClaims) Allows(verb, resource string) bool {
	for _, scope := range c.Scopes {
		v, pattern, ok := strings.Cut(scope, ":")
		if !ok || v != verb {
			continue
		}
		if prefix, wildcard := strings.CutSuffix(pattern, "*"); wildcard {
			if strings.HasPrefix(resource, prefix) {
				return true
			}
			continue
		}
		if pattern == resource {
			return true
		}
	}
	return false
}

// JWTValidator handles JWT validation logic.
type JWTValidator struct {
	cfg         *config.AuthConfig
	redisClient redis.UniversalClient
	logger      *zap.Logger
}

// NewJWTValidator creates a new JWT validator. redisClient may be nil, in
// which case revocation is not checked.
func NewJWTValidator(cfg *config.AuthConfig, redisClient redis.UniversalClient, logger *zap.Logger) *JWTValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWTValidator{
		cfg:         cfg,
		redisClient: redisClient,
		logger:      logger.Named("auth"),
	}
}

// ValidateToken parses and validates a JWT string. It checks the signature,
// standard claims (like expiration), and the revocation list in Redis.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}

	isRevoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open: a Redis outage must not lock every player out.
		v.logger.Error("failed to check token revocation status", zap.Error(err))
	}
	if isRevoked {
		return nil, errRevoked
	}

	return claims, nil
}

// isTokenRevoked checks if a token ID (JTI) is in the Redis revocation list.
func (v *JWTValidator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil {
		return false, nil
	}
	if jti == "" {
		v.logger.Warn("token is missing the jti claim, cannot check for revocation")
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.cfg.RevocationListKey, jti)
	exists, err := v.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}

	return exists == 1, nil
}

// Package gateway implements the auth and HTTP middleware used across
// vigor services.
package gateway

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 24 * time.Hour

// TokenClaims is the vigor session claim set.
type TokenClaims struct {
	UserID int64  `json:"uid"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth provides an encapsulation for jwt auth.
type JWTAuth struct {
	// JWTKey is the configured signing secret. When empty, Init
	// generates an ephemeral one and sessions won't survive restarts.
	JWTKey string
	Key    []byte
}

// Init initializes the signing key.
func (j *JWTAuth) Init() {
	if len(j.Key) > 0 {
		return
	}
	if j.JWTKey != "" {
		j.Key = []byte(j.JWTKey)
		return
	}
	key, _ := GenerateSecretKey(32)
	j.Key = key
}

// GenerateJWT signs a session token for the user.
func (j *JWTAuth) GenerateJWT(userID int64, email string) (string, error) {
	if len(j.Key) == 0 {
		return "", errors.New("empty jwt key")
	}
	now := time.Now().UTC()
	claims := TokenClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "vigor",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.Key)
}

// VerifyJWT validates a session token and returns its claims.
func (j *JWTAuth) VerifyJWT(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.Key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}
	return claims, nil
}

// AuthMiddleware guards authenticated routes and stores the caller's
// user id on the request.
func (j *JWTAuth) AuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		h := c.Get(fiber.HeaderAuthorization)
		if h == "" {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
				"message": "empty authorization header",
				"code":    "unauthorized",
			})
		}
		raw := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		claims, err := j.VerifyJWT(raw)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
					"message": "token has expired",
					"code":    "jwt_expired",
				})
			}
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
				"message": "malformed token",
				"code":    "jwt_malformed",
			})
		}
		c.Locals("user_id", claims.UserID)
		c.Locals("email", claims.Email)
		return c.Next()
	}
}

// GenerateSecretKey generates a secret key for jwt signing.
func GenerateSecretKey(n int) ([]byte, error) {
	key := make([]byte, n)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

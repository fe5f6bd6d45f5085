package gateway

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

func TestJWTAuthRoundTrip(t *testing.T) {
	auth := &JWTAuth{JWTKey: "test-secret"}
	auth.Init()

	token, err := auth.GenerateJWT(42, "runner@example.com")
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	claims, err := auth.VerifyJWT(token)
	if err != nil {
		t.Fatalf("verify jwt: %v", err)
	}
	if claims.UserID != 42 || claims.Email != "runner@example.com" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyJWTRejectsWrongKey(t *testing.T) {
	auth := &JWTAuth{JWTKey: "key-one"}
	auth.Init()
	token, err := auth.GenerateJWT(1, "a@example.com")
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}

	other := &JWTAuth{JWTKey: "key-two"}
	other.Init()
	if _, err := other.VerifyJWT(token); err == nil {
		t.Fatal("token verified with the wrong key")
	}
}

func TestVerifyJWTRejectsExpired(t *testing.T) {
	auth := &JWTAuth{JWTKey: "test-secret"}
	auth.Init()

	past := time.Now().Add(-2 * time.Hour)
	claims := TokenClaims{
		UserID: 7,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(auth.Key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := auth.VerifyJWT(token); err == nil {
		t.Fatal("expired token verified")
	}
}

func TestAuthMiddleware(t *testing.T) {
	auth := &JWTAuth{JWTKey: "test-secret"}
	auth.Init()

	app := fiber.New()
	app.Get("/me", auth.AuthMiddleware(), func(c *fiber.Ctx) error {
		id, _ := c.Locals("user_id").(int64)
		return c.JSON(fiber.Map{"user_id": id})
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", fiber.StatusUnauthorized},
		{"garbage token", "not-a-token", fiber.StatusUnauthorized},
		{"valid bare token", "", fiber.StatusOK},
		{"valid bearer token", "", fiber.StatusOK},
	}

	token, err := auth.GenerateJWT(9, "u@example.com")
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	tests[2].header = token
	tests[3].header = "Bearer " + token

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set(fiber.HeaderAuthorization, tt.header)
			}
			res, err := app.Test(req)
			if err != nil {
				t.Fatalf("app test: %v", err)
			}
			defer res.Body.Close()
			if res.StatusCode != tt.want {
				body, _ := io.ReadAll(res.Body)
				t.Fatalf("status = %d, want %d (%s)", res.StatusCode, tt.want, body)
			}
		})
	}
}

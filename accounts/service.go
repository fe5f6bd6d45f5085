package accounts

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	gateway "github.com/vigorhq/vigor/apigateway"
)

// Service exposes the account endpoints.
type Service struct {
	DB     *gorm.DB
	Auth   *gateway.JWTAuth
	Logger *logrus.Logger
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=64"`
	FullName string `json:"full_name"`
}

// Register creates a new account.
func (s *Service) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := bindJSON(c, &req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"message": err.Error(), "code": "bad_request"})
	}
	email := strings.ToLower(req.Email)
	var existing User
	if res := s.DB.Where("email = ?", email).First(&existing); res.Error == nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"message": "user with this email already exists", "code": "duplicate_email"})
	}
	u := User{Email: email, Password: req.Password, FullName: req.FullName}
	if err := u.HashPassword(); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"message": err.Error(), "code": "internal_error"})
	}
	if err := s.DB.Create(&u).Error; err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"message": err.Error(), "code": "duplicate_email"})
	}
	s.Logger.WithFields(logrus.Fields{"user_id": u.ID}).Info("account created")
	u.Sanitize()
	return c.Status(http.StatusCreated).JSON(fiber.Map{"user": u})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login checks the password and hands out a session token.
func (s *Service) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := bindJSON(c, &req); err != nil {
		s.Logger.Printf("The request is wrong. %v", err)
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"message": err.Error(), "code": "bad_request"})
	}
	var u User
	if notFound := s.DB.Where("email = ?", strings.ToLower(req.Email)).First(&u).Error; errors.Is(notFound, gorm.ErrRecordNotFound) {
		s.Logger.Printf("User with email %s is not found.", req.Email)
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"message": "wrong email or password", "code": "not_found"})
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"message": "wrong password entered", "code": "wrong_password"})
	}
	token, err := s.Auth.GenerateJWT(int64(u.ID), u.Email)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"message": err.Error(), "code": "internal_error"})
	}
	u.Sanitize()
	c.Set("Authorization", token)
	return c.Status(http.StatusOK).JSON(fiber.Map{"authorization": token, "user": u})
}

// Me returns the calling account.
func (s *Service) Me(c *fiber.Ctx) error {
	userID := getUserID(c)
	if userID == 0 {
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"message": "unauthorized", "code": "unauthorized"})
	}
	u, err := UserByID(c.UserContext(), s.DB, userID)
	if err != nil {
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"message": err.Error(), "code": "not_found"})
	}
	u.Sanitize()
	return c.Status(http.StatusOK).JSON(fiber.Map{"user": u})
}

// RegisterDevice stores the caller's FCM registration token so the
// notifier can reach their phone.
func (s *Service) RegisterDevice(c *fiber.Ctx) error {
	email := getEmail(c)
	if getUserID(c) == 0 || email == "" {
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"message": "unauthorized", "code": "unauthorized"})
	}
	type data struct {
		Token string `json:"token" binding:"required"`
	}
	var req data
	if err := bindJSON(c, &req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"message": err.Error(), "code": "bad_request"})
	}
	if res := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"device_token": req.Token}),
	}).Create(&User{Email: email, DeviceToken: req.Token}); res.Error != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"message": res.Error.Error(), "code": "db_error"})
	}
	return c.Status(http.StatusOK).JSON(nil)
}

// DeviceToken resolves the user's registered FCM token for the notifier.
func (s *Service) DeviceToken(ctx context.Context, userID int64) (string, error) {
	u, err := UserByID(ctx, s.DB, userID)
	if err != nil {
		return "", err
	}
	return u.DeviceToken, nil
}

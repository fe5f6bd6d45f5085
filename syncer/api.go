package syncer

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/vigorhq/vigor/apperr"
	"github.com/vigorhq/vigor/wearables"
)

const maxSyncRangeDays = 366

// currentUserID reads the account id the auth middleware stored on the
// request.
func currentUserID(c *fiber.Ctx) (int64, bool) {
	id, ok := c.Locals("user_id").(int64)
	return id, ok && id > 0
}

func replyError(c *fiber.Ctx, err error) error {
	if e, ok := apperr.As(err); ok {
		return c.Status(e.Status).JSON(apperr.Payload(e))
	}
	var verr validator.ValidationErrors
	if errors.As(err, &verr) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"code":    "validation_error",
			"message": verr.Error(),
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"code":    "internal_error",
		"message": "internal error",
	})
}

// Connect returns the provider authorization URL for the current user.
func (s *Service) Connect(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(apperr.Payload(apperr.ErrUnauthorized))
	}
	url, err := s.AuthorizationURL(userID, c.Params("provider"))
	if err != nil {
		return replyError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": url})
}

// OAuthCallback lands the provider redirect. The state token carries
// the initiating user, so this route needs no session.
func (s *Service) OAuthCallback(c *fiber.Ctx) error {
	provider := c.Params("provider")
	if denied := c.Query("error"); denied != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"code":    "authorization_denied",
			"message": denied,
		})
	}
	code, state := c.Query("code"), c.Query("state")
	if code == "" || state == "" {
		return replyError(c, apperr.ErrInvalidState)
	}
	conn, err := s.HandleCallback(c.UserContext(), provider, code, state)
	if err != nil {
		return replyError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"provider":  provider,
		"connected": true,
		"scopes":    conn.Scopes,
	})
}

// DisconnectHandler removes the current user's connection.
func (s *Service) DisconnectHandler(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(apperr.Payload(apperr.ErrUnauthorized))
	}
	provider := c.Params("provider")
	if err := s.Disconnect(c.UserContext(), userID, provider); err != nil {
		return replyError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"disconnected": provider})
}

type connectionView struct {
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id,omitempty"`
	Scopes         string    `json:"scopes,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Connections lists the current user's provider connections. Tokens
// never leave the store layer.
func (s *Service) Connections(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(apperr.Payload(apperr.ErrUnauthorized))
	}
	conns, err := s.Store.UserConnections(c.UserContext(), userID)
	if err != nil {
		return replyError(c, err)
	}
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, connectionView{
			Provider:       conn.Provider,
			ProviderUserID: conn.ProviderUserID,
			Scopes:         conn.Scopes,
			ConnectedAt:    conn.ConnectedAt,
			ExpiresAt:      conn.ExpiresAt,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"connections": views})
}

type syncRequest struct {
	Start     string   `json:"start" binding:"required,dateonly"`
	End       string   `json:"end" binding:"required,dateonly"`
	DataTypes []string `json:"data_types"`
}

// Sync triggers a manual backfill over an inclusive date range.
func (s *Service) Sync(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(apperr.Payload(apperr.ErrUnauthorized))
	}
	provider := c.Params("provider")

	var req syncRequest
	if err := c.BodyParser(&req); err != nil {
		return replyError(c, apperr.Wrap(err, apperr.ErrBadRequest, "request body is not valid JSON"))
	}
	if err := wearables.ValidateStruct(&req); err != nil {
		return replyError(c, err)
	}

	start, err := time.Parse("2006-01-02", req.Start)
	if err != nil {
		return replyError(c, apperr.Wrap(err, apperr.ErrValidation, "start must be YYYY-MM-DD"))
	}
	endDay, err := time.Parse("2006-01-02", req.End)
	if err != nil {
		return replyError(c, apperr.Wrap(err, apperr.ErrValidation, "end must be YYYY-MM-DD"))
	}
	end := endDay.AddDate(0, 0, 1) // inclusive end date
	if !start.Before(end) {
		return replyError(c, apperr.Wrap(errors.New("start after end"), apperr.ErrValidation, "start must not be after end"))
	}
	if end.Sub(start) > maxSyncRangeDays*24*time.Hour {
		return replyError(c, apperr.Wrap(errors.New("range too wide"), apperr.ErrValidation, "range must not exceed a year"))
	}

	results, err := s.SyncRange(c.UserContext(), userID, provider, start.UTC(), end.UTC(), req.DataTypes)
	if err != nil {
		return replyError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"provider": provider, "results": results})
}

package accounts

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/vigorhq/vigor/wearables"
)

func bindJSON(c *fiber.Ctx, dst interface{}) error {
	if len(c.Body()) == 0 {
		return fiber.ErrBadRequest
	}
	if err := json.Unmarshal(c.Body(), dst); err != nil {
		return err
	}
	return wearables.ValidateStruct(dst)
}

func getUserID(c *fiber.Ctx) int64 {
	if v := c.Locals("user_id"); v != nil {
		switch t := v.(type) {
		case int64:
			return t
		case int:
			return int64(t)
		case uint:
			return int64(t)
		case float64:
			return int64(t)
		}
	}
	return 0
}

func getEmail(c *fiber.Ctx) string {
	if v := c.Locals("email"); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

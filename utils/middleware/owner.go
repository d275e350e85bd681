package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/go-exam-grader/utils/response"
)

// OwnerHeader carries the uploader identity. Authentication happens in
// front of this service; it only scopes deduplication per owner.
const OwnerHeader = "X-Owner-ID"

const ownerLocal = "owner_id"

// Owner resolves the owner ID from OwnerHeader, falling back to
// defaultOwner when the header is absent.
func Owner(defaultOwner uint) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get(OwnerHeader)
		if raw == "" {
			c.Locals(ownerLocal, defaultOwner)
			return c.Next()
		}
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || id == 0 {
			return response.BadRequest(c, "Invalid "+OwnerHeader+" header")
		}
		c.Locals(ownerLocal, uint(id))
		return c.Next()
	}
}

// GetOwnerID returns the owner resolved by Owner.
func GetOwnerID(c *fiber.Ctx) uint {
	if id, ok := c.Locals(ownerLocal).(uint); ok {
		return id
	}
	return 0
}

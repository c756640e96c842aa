package routes

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/b-open-io/wallet-monitor/storage"
)

const authLocal = "auth"

// Authenticator resolves a bearer token to the wallet user it acts for.
type Authenticator interface {
	Authenticate(token string) (storage.AuthID, bool)
}

// APIKeys maps bearer tokens to wallet users.
type APIKeys map[string]storage.AuthID

// Authenticate accepts only tokens bound to a user id.
func (k APIKeys) Authenticate(token string) (storage.AuthID, bool) {
	auth, ok := k[token]
	if !ok || auth.UserID == nil {
		return storage.AuthID{}, false
	}
	return auth, true
}

// requireAuth resolves the bearer token before the handler runs. A nil
// authenticator rejects every request.
func requireAuth(a Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || token == "" || a == nil {
			return errorResponse(c, fiber.StatusUnauthorized, "Unauthorized")
		}
		auth, ok := a.Authenticate(token)
		if !ok {
			return errorResponse(c, fiber.StatusUnauthorized, "Unauthorized")
		}
		c.Locals(authLocal, auth)
		return c.Next()
	}
}

func authFrom(c *fiber.Ctx) storage.AuthID {
	auth, _ := c.Locals(authLocal).(storage.AuthID)
	return auth
}

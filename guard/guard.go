// Package guard resolves the caller's voter identity from a bearer token.
package guard

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	log "github.com/sirupsen/logrus"

	"github.com/troydota/api.vote.komodohype.dev/utils"
)

// LocalKey is the fiber local holding the resolved voter id.
const LocalKey = string(utils.VoterIDKey)

var (
	ErrNoToken      = errors.New("no bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Guard struct {
	secret []byte
}

func New(secret string) *Guard {
	return &Guard{secret: []byte(secret)}
}

// VoterID verifies an HS256 token and returns its subject. A guard without a
// secret rejects every token.
func (g *Guard) VoterID(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	if len(g.secret) == 0 {
		return "", ErrInvalidToken
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}

// Middleware stores the caller's voter id in the request locals. Requests
// without a valid token pass through anonymously.
func (g *Guard) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := g.VoterID(bearer(c.Get(fiber.HeaderAuthorization)))
		if err == nil {
			c.Locals(LocalKey, id)
		} else if !errors.Is(err, ErrNoToken) {
			log.WithField("component", "guard").Debugf("token, err=%v", err)
		}
		return c.Next()
	}
}

// FromLocals returns the voter id resolved by Middleware, or "".
func FromLocals(c *fiber.Ctx) string {
	if v, ok := c.Locals(LocalKey).(string); ok {
		return v
	}
	return ""
}

func bearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

package server

import (
	"net"

	"github.com/davecgh/go-spew/spew"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/troydota/api.vote.komodohype.dev/guard"
	"github.com/troydota/api.vote.komodohype.dev/metrics"
	"github.com/troydota/api.vote.komodohype.dev/server/gql"
	"github.com/troydota/api.vote.komodohype.dev/server/gql/resolvers"
	"github.com/troydota/api.vote.komodohype.dev/utils"

	log "github.com/sirupsen/logrus"
)

type Server struct {
	app *fiber.App
	ln  net.Listener
}

type customLogger struct{}

func (*customLogger) Write(data []byte) (n int, err error) {
	log.Debugln(utils.B2S(data))
	return len(data), nil
}

// New wires the routes. Nothing listens until Listen is called.
func New(root *resolvers.RootResolver, g *guard.Guard, m *metrics.Metrics) *Server {
	server := &Server{
		app: fiber.New(fiber.Config{
			ErrorHandler:          errorHandler,
			DisableStartupMessage: true,
		}),
	}

	server.app.Use(recover.New())
	server.app.Use(cors.New())
	server.app.Use(logger.New(logger.Config{
		Output: &customLogger{},
	}))

	server.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": 200, "message": "OK"})
	})
	if m != nil {
		server.app.Get("/metrics", m.Handler())
	}

	server.app.Use(g.Middleware())
	gql.GQL(server.app, root)

	server.app.Use(func(c *fiber.Ctx) error {
		return c.Status(404).JSON(&fiber.Map{
			"status":  404,
			"message": "We don't know what you're looking for.",
		})
	})

	return server
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := s.app.Listener(ln); err != nil {
			log.Errorf("failed to start http server, err=%v", err)
		}
	}()

	log.WithField("component", "server").Infof("listening, addr=%s", ln.Addr())
	return nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	log.Errorf("internal err=%v", spew.Sdump(err))

	return c.SendStatus(500)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

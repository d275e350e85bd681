package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/go-exam-grader/services"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"github.com/sahilchouksey/go-exam-grader/utils/response"
)

type APIServer struct {
	app           *fiber.App
	listenAddress string
	log           *logger.Logger
}

// NewAPIServer creates the fiber app. bodyLimit must cover the largest
// upload plus multipart overhead.
func NewAPIServer(listenAddress string, bodyLimit int, log *logger.Logger) *APIServer {
	return &APIServer{
		app: fiber.New(fiber.Config{
			AppName:      "exam-grader",
			BodyLimit:    bodyLimit,
			ErrorHandler: errorHandler,
		}),
		listenAddress: listenAddress,
		log:           logger.OrNop(log),
	}
}

func (s *APIServer) GetEngine() *fiber.App {
	return s.app
}

func (s *APIServer) Run() error {
	s.log.Info("Starting API Server", "address", s.listenAddress)
	return s.app.Listen(s.listenAddress)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// errorHandler keeps fiber's own errors (404 route, 413 body) in the
// response envelope.
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return response.Error(c, fe.Code, fe.Message, "")
	}
	return response.Error(c, services.HTTPStatus(services.KindOf(err)), err.Error(), "")
}

package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/go-exam-grader/handlers"
	grading_handlers "github.com/sahilchouksey/go-exam-grader/handlers/grading"
	"github.com/sahilchouksey/go-exam-grader/services"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"github.com/sahilchouksey/go-exam-grader/utils/middleware"
)

// DefaultOwnerID scopes uploads that carry no owner header
const DefaultOwnerID uint = 1

// Deps is everything the routes need
type Deps struct {
	Documents *services.DocumentService
	Pipeline  *services.GradingPipeline
	Store     services.Storage
	Checks    map[string]handlers.HealthCheck

	Security       middleware.SecurityConfig
	MaxUploadBytes int
	KeepAlive      time.Duration
	Log            *logger.Logger
}

func SetupRoutes(app *fiber.App, deps Deps) {
	middleware.SetupSecurity(app, deps.Security)

	app.Get("/health", handlers.HandleCheckHealth(deps.Checks))

	gradingHandler := grading_handlers.NewGradingHandler(deps.Documents, deps.Pipeline, deps.Store, grading_handlers.Config{
		MaxUploadBytes: deps.MaxUploadBytes,
		KeepAlive:      deps.KeepAlive,
	}, deps.Log)

	v1 := app.Group("/api/v1", middleware.Owner(DefaultOwnerID))

	// Marking guides
	guides := v1.Group("/guides")
	guides.Post("/", gradingHandler.UploadGuide)
	guides.Get("/:id", gradingHandler.GetGuide)

	// Student submissions
	submissions := v1.Group("/submissions")
	submissions.Post("/", gradingHandler.UploadSubmission)
	submissions.Post("/:id/jobs", gradingHandler.StartJob)
	submissions.Get("/:id/result", gradingHandler.GetResult)

	// Grading jobs
	jobs := v1.Group("/jobs")
	jobs.Get("/:id", gradingHandler.GetJob)
	jobs.Post("/:id/cancel", gradingHandler.CancelJob)
	jobs.Get("/:id/events", gradingHandler.StreamJob)
}

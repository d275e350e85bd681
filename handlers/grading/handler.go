package grading

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/services"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"github.com/sahilchouksey/go-exam-grader/utils/middleware"
	"github.com/sahilchouksey/go-exam-grader/utils/pdfvalidation"
	"github.com/sahilchouksey/go-exam-grader/utils/response"
	"github.com/sahilchouksey/go-exam-grader/utils/sse"
	"github.com/sahilchouksey/go-exam-grader/utils/validation"
)

// GradingHandler serves uploads, jobs and results
type GradingHandler struct {
	documents *services.DocumentService
	pipeline  *services.GradingPipeline
	store     services.Storage
	validator *validation.Validator
	maxBytes  int
	keepAlive time.Duration
	log       *logger.Logger
}

// Config tunes the handler
type Config struct {
	MaxUploadBytes int
	KeepAlive      time.Duration // SSE keepalive interval
}

// NewGradingHandler creates a new grading handler
func NewGradingHandler(documents *services.DocumentService, pipeline *services.GradingPipeline, store services.Storage, cfg Config, log *logger.Logger) *GradingHandler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = services.DefaultMaxUploadBytes
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	return &GradingHandler{
		documents: documents,
		pipeline:  pipeline,
		store:     store,
		validator: validation.NewValidator(),
		maxBytes:  cfg.MaxUploadBytes,
		keepAlive: cfg.KeepAlive,
		log:       logger.OrNop(log).Named("http"),
	}
}

type guideForm struct {
	Filename string `validate:"required,upload_ext"`
}

type submissionForm struct {
	Filename    string `validate:"required,upload_ext"`
	GuideID     uint   `validate:"required,gte=1"`
	StudentName string `validate:"max=200"`
}

// UploadGuide handles POST /api/v1/guides
func (h *GradingHandler) UploadGuide(c *fiber.Ctx) error {
	filename, data, err := h.readUpload(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}
	if err := h.validator.ValidateStruct(guideForm{Filename: filename}); err != nil {
		return response.ValidationError(c, validation.FormatValidationErrors(err))
	}
	if rejected := checkPDF(filename, data, pdfvalidation.GuideLimits); rejected != "" {
		return response.BadRequest(c, rejected)
	}

	upload, err := h.documents.UploadGuide(c.UserContext(), services.UploadRequest{
		OwnerID:  middleware.GetOwnerID(c),
		Filename: filename,
		Data:     data,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Created(c, "Marking guide uploaded", upload)
}

// GetGuide handles GET /api/v1/guides/:id
func (h *GradingHandler) GetGuide(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return response.BadRequest(c, "Invalid guide ID")
	}
	guide, err := h.store.LoadGuide(c.UserContext(), id)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Success(c, guide)
}

// UploadSubmission handles POST /api/v1/submissions
func (h *GradingHandler) UploadSubmission(c *fiber.Ctx) error {
	filename, data, err := h.readUpload(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	guideID, _ := strconv.ParseUint(c.FormValue("guide_id"), 10, 32)
	form := submissionForm{
		Filename:    filename,
		GuideID:     uint(guideID),
		StudentName: validation.SanitizeString(c.FormValue("student_name")),
	}
	if err := h.validator.ValidateStruct(form); err != nil {
		return response.ValidationError(c, validation.FormatValidationErrors(err))
	}
	if rejected := checkPDF(filename, data, pdfvalidation.SubmissionLimits); rejected != "" {
		return response.BadRequest(c, rejected)
	}

	upload, err := h.documents.UploadSubmission(c.UserContext(), services.UploadRequest{
		OwnerID:     middleware.GetOwnerID(c),
		Filename:    filename,
		Data:        data,
		GuideID:     form.GuideID,
		StudentName: form.StudentName,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Created(c, "Submission uploaded", upload)
}

// StartJob handles POST /api/v1/submissions/:id/jobs
func (h *GradingHandler) StartJob(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return response.BadRequest(c, "Invalid submission ID")
	}
	job, err := h.pipeline.StartJob(c.UserContext(), id)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Accepted(c, "Grading started", fiber.Map{
		"job_id":        job.ID,
		"submission_id": job.SubmissionID,
		"state":         job.State,
		"events_url":    fmt.Sprintf("/api/v1/jobs/%s/events", job.ID),
	})
}

// GetJob handles GET /api/v1/jobs/:id
func (h *GradingHandler) GetJob(c *fiber.Ctx) error {
	status, err := h.pipeline.GetJobStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Success(c, status)
}

// CancelJob handles POST /api/v1/jobs/:id/cancel
func (h *GradingHandler) CancelJob(c *fiber.Ctx) error {
	jobID := c.Params("id")
	if err := h.pipeline.CancelJob(c.UserContext(), jobID); err != nil {
		return h.writeError(c, err)
	}
	status, err := h.pipeline.GetJobStatus(c.UserContext(), jobID)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Success(c, status)
}

// StreamJob handles GET /api/v1/jobs/:id/events. The stream ends after the
// terminal event; late subscribers get the terminal event straight away.
func (h *GradingHandler) StreamJob(c *fiber.Ctx) error {
	jobID := c.Params("id")
	events, unsubscribe, err := h.pipeline.Subscribe(c.UserContext(), jobID)
	if err != nil {
		return h.writeError(c, err)
	}

	for k, v := range sse.Headers {
		c.Set(k, v)
	}

	keepAlive := h.keepAlive
	log := h.log.With("job_id", jobID)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		err := sse.Pump(w, events,
			func(ev services.ProgressEvent) sse.Event {
				return sse.Event{Event: ev.Type, Data: ev}
			},
			services.ProgressEvent.IsTerminal,
			keepAlive,
		)
		if err != nil {
			log.Debug("event stream closed", "error", err.Error())
		}
	})
	return nil
}

// GetResult handles GET /api/v1/submissions/:id/result
func (h *GradingHandler) GetResult(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return response.BadRequest(c, "Invalid submission ID")
	}
	result, err := h.pipeline.GetResult(c.UserContext(), id)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Success(c, result)
}

func (h *GradingHandler) readUpload(c *fiber.Ctx) (string, []byte, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return "", nil, errors.New("file is required")
	}
	if file.Size > int64(h.maxBytes) {
		return "", nil, fmt.Errorf("file exceeds the %d byte limit", h.maxBytes)
	}
	f, err := file.Open()
	if err != nil {
		return "", nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(h.maxBytes)+1))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > h.maxBytes {
		return "", nil, fmt.Errorf("file exceeds the %d byte limit", h.maxBytes)
	}
	return validation.SanitizeString(file.Filename), data, nil
}

func checkPDF(filename string, data []byte, limits pdfvalidation.PDFLimits) string {
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return ""
	}
	result, err := pdfvalidation.ValidatePDFBytes(data, limits)
	if err != nil {
		return err.Error()
	}
	return result.Error
}

func parseID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint(id), nil
}

// writeError maps a pipeline error onto the API's status codes.
func (h *GradingHandler) writeError(c *fiber.Ctx, err error) error {
	kind := services.KindOf(err)
	status := services.HTTPStatus(kind)
	code := strings.ToUpper(string(kind))

	var dup *services.DuplicateContentError
	if errors.As(err, &dup) {
		return response.ErrorWithDetails(c, status, "Identical content was already uploaded", code,
			fiber.Map{"existing_document_id": dup.ExistingDocumentID})
	}
	var conflict *services.JobConflictError
	if errors.As(err, &conflict) {
		return response.ErrorWithDetails(c, status, "Submission already has an active job", code,
			fiber.Map{"existing_job_id": conflict.ExistingJobID})
	}

	if status >= fiber.StatusInternalServerError {
		h.log.Error("request failed", "path", c.Path(), "error_kind", kind, "error", err.Error())
		if kind == services.KindInternal {
			return response.InternalServerError(c, "")
		}
	}
	if errors.Is(err, model.ErrNotFound) {
		return response.NotFound(c, err.Error())
	}
	return response.Error(c, status, err.Error(), code)
}

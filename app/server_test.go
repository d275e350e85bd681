package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func newTestServer(t *testing.T) (*harness, *fiber.App) {
	t.Helper()
	h := newHarness(t)
	server := NewServer(h.env, h.store, h.components, nil)
	return h, server.GetEngine()
}

func uploadRequest(t *testing.T, path, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, envelope) {
	t.Helper()
	resp, err := app.Test(req, 10000)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestHealth(t *testing.T) {
	_, app := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
}

func TestHTTPGradingFlow(t *testing.T) {
	h, app := newTestServer(t)

	status, env := do(t, app, uploadRequest(t, "/api/v1/guides", "guide.txt", guideText, nil))
	require.Equal(t, http.StatusCreated, status)
	var guide struct {
		Guide struct {
			ID uint `json:"id"`
		} `json:"guide"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &guide))
	require.NotZero(t, guide.Guide.ID)

	status, _ = do(t, app, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/guides/%d", guide.Guide.ID), nil))
	assert.Equal(t, http.StatusOK, status)

	status, env = do(t, app, uploadRequest(t, "/api/v1/submissions", "answers.txt", submissionText,
		map[string]string{"guide_id": fmt.Sprint(guide.Guide.ID), "student_name": "Ada"}))
	require.Equal(t, http.StatusCreated, status)
	var sub struct {
		Submission struct {
			ID uint `json:"id"`
		} `json:"submission"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sub))

	// no result before grading
	resultPath := fmt.Sprintf("/api/v1/submissions/%d/result", sub.Submission.ID)
	status, _ = do(t, app, httptest.NewRequest(http.MethodGet, resultPath, nil))
	assert.Equal(t, http.StatusNotFound, status)

	status, env = do(t, app, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/submissions/%d/jobs", sub.Submission.ID), nil))
	require.Equal(t, http.StatusAccepted, status)
	var started struct {
		JobID     string `json:"job_id"`
		EventsURL string `json:"events_url"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))
	require.NotEmpty(t, started.JobID)

	h.components.Pipeline.Wait()

	status, env = do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+started.JobID, nil))
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"completed"`)

	status, env = do(t, app, httptest.NewRequest(http.MethodGet, resultPath, nil))
	require.Equal(t, http.StatusOK, status)
	var result struct {
		TotalScore float64 `json:"total_score"`
		MaxScore   float64 `json:"max_score"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 7.0, result.TotalScore)
	assert.Equal(t, 9.0, result.MaxScore)

	// the event stream of a finished job is its terminal event
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, started.EventsURL, nil), 10000)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	stream, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(stream), "event: complete")

	// cancelling a finished job conflicts
	status, env = do(t, app, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+started.JobID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "CONCURRENT_JOB_CONFLICT", env.Error.Code)
}

func TestHTTPDuplicateGuide(t *testing.T) {
	_, app := newTestServer(t)

	status, _ := do(t, app, uploadRequest(t, "/api/v1/guides", "guide.txt", guideText, nil))
	require.Equal(t, http.StatusCreated, status)

	status, env := do(t, app, uploadRequest(t, "/api/v1/guides", "guide.txt", guideText, nil))
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)
	assert.Contains(t, string(env.Error.Details), "existing_document_id")

	// a different owner is not a duplicate
	req := uploadRequest(t, "/api/v1/guides", "guide.txt", guideText, nil)
	req.Header.Set("X-Owner-ID", "7")
	status, _ = do(t, app, req)
	assert.Equal(t, http.StatusCreated, status)
}

func TestHTTPRejectsBadRequests(t *testing.T) {
	_, app := newTestServer(t)

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{
			name:   "unsupported extension",
			req:    func() *http.Request { return uploadRequest(t, "/api/v1/guides", "guide.docx", "text", nil) },
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "pdf without header",
			req:    func() *http.Request { return uploadRequest(t, "/api/v1/guides", "guide.pdf", "not a pdf", nil) },
			status: http.StatusBadRequest,
		},
		{
			name:   "missing file",
			req:    func() *http.Request { return httptest.NewRequest(http.MethodPost, "/api/v1/guides", strings.NewReader("")) },
			status: http.StatusBadRequest,
		},
		{
			name: "submission without guide",
			req: func() *http.Request {
				return uploadRequest(t, "/api/v1/submissions", "answers.txt", submissionText, nil)
			},
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "submission for unknown guide",
			req: func() *http.Request {
				return uploadRequest(t, "/api/v1/submissions", "answers.txt", submissionText, map[string]string{"guide_id": "41"})
			},
			status: http.StatusNotFound,
		},
		{
			name:   "invalid guide id",
			req:    func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/v1/guides/abc", nil) },
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown job",
			req:    func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope", nil) },
			status: http.StatusNotFound,
		},
		{
			name:   "job for unknown submission",
			req:    func() *http.Request { return httptest.NewRequest(http.MethodPost, "/api/v1/submissions/12/jobs", nil) },
			status: http.StatusNotFound,
		},
		{
			name: "invalid owner header",
			req: func() *http.Request {
				req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/x", nil)
				req.Header.Set("X-Owner-ID", "zero")
				return req
			},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := do(t, app, tt.req())
			assert.Equal(t, tt.status, status)
			assert.False(t, env.Success)
		})
	}
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sahilchouksey/go-exam-grader/model"
)

// ExtractionBackend turns a PDF page or a preprocessed image into text.
type ExtractionBackend interface {
	Extract(ctx context.Context, data []byte, format model.DocumentFormat) (string, error)
}

// OCRClient handles communication with the OCR sidecar service
type OCRClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// OCRResponse represents the response from OCR service
type OCRResponse struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
	Filename  string `json:"filename,omitempty"`
}

// NewOCRClient creates a new OCR client
func NewOCRClient(baseURL string) *OCRClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8081"
	}

	return &OCRClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			// Upper bound only; the resilience layer sets the real per-call deadline.
			Timeout: 5 * time.Minute,
		},
	}
}

// Extract posts one file to /ocr/file and returns the recognized text.
func (c *OCRClient) Extract(ctx context.Context, data []byte, format model.DocumentFormat) (string, error) {
	filename := "page.pdf"
	if format == model.FormatImage {
		filename = "page.png"
	}

	resp, err := c.ProcessFile(ctx, data, filename)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ProcessFile uploads a file as multipart form data
func (c *OCRClient) ProcessFile(ctx context.Context, data []byte, filename string) (*OCRResponse, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/ocr/file", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OCR service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Provider: "OCR", StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var ocrResp OCRResponse
	if err := json.NewDecoder(resp.Body).Decode(&ocrResp); err != nil {
		return nil, fmt.Errorf("failed to decode OCR response: %w", err)
	}
	return &ocrResp, nil
}

// HealthCheck checks if OCR service is healthy
func (c *OCRClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OCR service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// FallbackBackend tries Secondary when Primary fails with a service-side error.
type FallbackBackend struct {
	Primary   ExtractionBackend
	Secondary ExtractionBackend
}

func (f *FallbackBackend) Extract(ctx context.Context, data []byte, format model.DocumentFormat) (string, error) {
	text, err := f.Primary.Extract(ctx, data, format)
	if err == nil || f.Secondary == nil || ctx.Err() != nil {
		return text, err
	}
	switch KindOf(err) {
	case KindTransient, KindQuotaExhausted, KindAuthentication, KindServiceUnavailable:
		return f.Secondary.Extract(ctx, data, format)
	}
	return "", err
}

package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/sahilchouksey/go-exam-grader/model"
)

// VisionOCR runs document text detection on Google Cloud Vision.
type VisionOCR struct {
	client *vision.ImageAnnotatorClient
}

// visionClientOptions reads credentials from GOOGLE_APPLICATION_CREDENTIALS_JSON
// (inline JSON) or GOOGLE_APPLICATION_CREDENTIALS (path). Empty falls back to ADC.
func visionClientOptions() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

func NewVisionOCR(ctx context.Context) (*VisionOCR, error) {
	client, err := vision.NewImageAnnotatorClient(ctx, visionClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionOCR{client: client}, nil
}

func (v *VisionOCR) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}

// Extract sends images through BatchAnnotateImages and single-page PDFs
// through BatchAnnotateFiles.
func (v *VisionOCR) Extract(ctx context.Context, data []byte, format model.DocumentFormat) (string, error) {
	features := []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}}

	switch format {
	case model.FormatImage:
		resp, err := v.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
			Requests: []*visionpb.AnnotateImageRequest{{
				Image:    &visionpb.Image{Content: data},
				Features: features,
			}},
		})
		if err != nil {
			return "", fmt.Errorf("vision BatchAnnotateImages: %w", err)
		}
		if len(resp.GetResponses()) == 0 {
			return "", nil
		}
		return annotationText(resp.GetResponses()[0])

	case model.FormatPDF:
		resp, err := v.client.BatchAnnotateFiles(ctx, &visionpb.BatchAnnotateFilesRequest{
			Requests: []*visionpb.AnnotateFileRequest{{
				InputConfig: &visionpb.InputConfig{Content: data, MimeType: "application/pdf"},
				Features:    features,
			}},
		})
		if err != nil {
			return "", fmt.Errorf("vision BatchAnnotateFiles: %w", err)
		}

		var pages []string
		for _, fileResp := range resp.GetResponses() {
			for _, r := range fileResp.GetResponses() {
				text, err := annotationText(r)
				if err != nil {
					return "", err
				}
				if text != "" {
					pages = append(pages, text)
				}
			}
		}
		return strings.Join(pages, PageSeparator), nil
	}

	return "", NewPipelineError(KindUnsupportedFormat, "vision", fmt.Errorf("format %q: %w", format, ErrUnsupportedFormat))
}

func annotationText(r *visionpb.AnnotateImageResponse) (string, error) {
	if r == nil {
		return "", nil
	}
	if r.GetError() != nil && r.GetError().GetMessage() != "" {
		return "", fmt.Errorf("vision annotate error: %s", r.GetError().GetMessage())
	}
	return strings.TrimSpace(r.GetFullTextAnnotation().GetText()), nil
}

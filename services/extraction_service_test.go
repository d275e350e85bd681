package services

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExtraction(backend ExtractionBackend) *ExtractionService {
	return NewExtractionService(backend, cache.NewMemoryCache(64), fastResilience(), ExtractionConfig{
		Workers:  2,
		CacheTTL: time.Hour,
	}, nil)
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]model.DocumentFormat{
		"answers.TXT":  model.FormatText,
		"notes.md":     model.FormatText,
		"guide.pdf":    model.FormatPDF,
		"scan.JPEG":    model.FormatImage,
		"scan.tiff":    model.FormatImage,
		"handwrit.png": model.FormatImage,
	}
	for name, want := range tests {
		got, err := DetectFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := DetectFormat("essay.docx")
	assert.Equal(t, KindUnsupportedFormat, KindOf(err))
}

func TestExtractPlainText(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestExtraction(backend)

	result, err := svc.Extract(context.Background(), ExtractionInput{
		Filename: "a.txt", Format: model.FormatText, Data: []byte("  Q1. Inertia\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Q1. Inertia", result.Text)
	assert.Equal(t, 1, result.PageCount)
	assert.Zero(t, backend.calls.Load())
}

func TestExtractImageUsesBackendOnceThenCache(t *testing.T) {
	backend := &fakeBackend{text: "Q1 handwritten answer"}
	svc := newTestExtraction(backend)
	in := ExtractionInput{Filename: "scan.png", Format: model.FormatImage, Data: testPNG(t, 40, 20)}

	first, err := svc.Extract(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.Extract(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestExtractEmptyTextIsExtractionFailure(t *testing.T) {
	svc := newTestExtraction(&fakeBackend{})

	_, err := svc.Extract(context.Background(), ExtractionInput{
		Filename: "blank.txt", Format: model.FormatText, Data: []byte(" \n\t "),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.Equal(t, KindExtractionFailure, KindOf(err))
}

// scannedPDF builds a PDF whose pages are images with no text layer.
func scannedPDF(t *testing.T, pages int) []byte {
	t.Helper()
	imgs := make([]io.Reader, pages)
	for i := range imgs {
		imgs[i] = bytes.NewReader(testPNG(t, 200, 100))
	}
	var buf bytes.Buffer
	require.NoError(t, api.ImportImages(nil, &buf, imgs, nil, nil))
	return buf.Bytes()
}

func TestExtractScannedPDFPreprocessesPageImages(t *testing.T) {
	backend := &fakeBackend{text: "handwritten page"}
	svc := newTestExtraction(backend)

	result, err := svc.Extract(context.Background(), ExtractionInput{
		Filename: "scan.pdf", Format: model.FormatPDF, Data: scannedPDF(t, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.PageCount)
	assert.Equal(t, "handwritten page"+PageSeparator+"handwritten page", result.Text)

	require.Equal(t, int32(2), backend.calls.Load())
	for i, format := range backend.formats {
		assert.Equal(t, model.FormatImage, format)

		// preprocessed pages are grayscale PNGs upscaled for OCR
		img, err := png.Decode(bytes.NewReader(backend.inputs[i]))
		require.NoError(t, err)
		assert.Equal(t, minOCRWidth, img.Bounds().Dx())
		_, isGray := img.(*image.Gray)
		assert.True(t, isGray)
	}
}

func TestPDFPageImages(t *testing.T) {
	images, err := PDFPageImages(scannedPDF(t, 3))
	require.NoError(t, err)
	require.Len(t, images, 3)
	for page := 1; page <= 3; page++ {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(images[page]))
		require.NoError(t, err, "page %d", page)
		assert.Equal(t, 200, cfg.Width)
	}
}

func TestExtractImageWithoutBackend(t *testing.T) {
	svc := newTestExtraction(nil)

	_, err := svc.Extract(context.Background(), ExtractionInput{
		Filename: "scan.png", Format: model.FormatImage, Data: testPNG(t, 8, 8),
	})
	assert.Equal(t, KindServiceUnavailable, KindOf(err))
}

func TestExtractBatchIsolatesFailures(t *testing.T) {
	svc := newTestExtraction(&fakeBackend{text: "ocr text"})
	inputs := []ExtractionInput{
		{Key: "ok", Filename: "a.txt", Format: model.FormatText, Data: []byte("answer one")},
		{Key: "bad-image", Filename: "b.png", Format: model.FormatImage, Data: []byte("not an image")},
		{Key: "scan", Filename: "c.png", Format: model.FormatImage, Data: testPNG(t, 10, 10)},
	}

	var calls []int
	outcomes := svc.ExtractBatch(context.Background(), inputs, func(done, total int) {
		calls = append(calls, done)
		assert.Equal(t, 3, total)
	})
	require.Len(t, outcomes, 3)

	assert.Equal(t, "ok", outcomes[0].Key)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, KindUnsupportedFormat, KindOf(outcomes[1].Err))
	assert.NoError(t, outcomes[2].Err)
	assert.Equal(t, "ocr text", outcomes[2].Result.Text)
	assert.Len(t, calls, 3)
}

func TestPreprocessImageUpscalesSmallScans(t *testing.T) {
	out, err := PreprocessImage(testPNG(t, 100, 50))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, minOCRWidth, img.Bounds().Dx())
	assert.Equal(t, minOCRWidth/2, img.Bounds().Dy())
	_, isGray := img.(*image.Gray)
	assert.True(t, isGray)
}

func TestFallbackBackend(t *testing.T) {
	primary := &fakeBackend{err: &APIError{Provider: "ocr", StatusCode: 503}}
	secondary := &fakeBackend{text: "from vision"}
	fb := &FallbackBackend{Primary: primary, Secondary: secondary}

	text, err := fb.Extract(context.Background(), []byte("img"), model.FormatImage)
	require.NoError(t, err)
	assert.Equal(t, "from vision", text)
	assert.Equal(t, int32(1), primary.calls.Load())
}

package services

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// SplitPDFPages writes content into dir, splits it into single-page PDFs
// with pdfcpu and returns the page files in page order. The caller owns dir.
func SplitPDFPages(content []byte, dir string) ([]string, error) {
	sourcePath := filepath.Join(dir, "source.pdf")
	if err := os.WriteFile(sourcePath, sanitizePDF(content), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write source pdf: %w", err)
	}

	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed

	pageCount, err := api.PageCountFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	if err := api.SplitFile(sourcePath, dir, 1, conf); err != nil {
		return nil, fmt.Errorf("failed to split PDF: %w", err)
	}

	pages := make([]string, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		pagePath := filepath.Join(dir, fmt.Sprintf("source_%d.pdf", i))
		if _, err := os.Stat(pagePath); err != nil {
			return nil, fmt.Errorf("page %d: missing split output: %w", i, err)
		}
		pages = append(pages, pagePath)
	}
	return pages, nil
}

// PDFPageImages returns the largest embedded image of every page that has
// one, keyed by 1-based page number. A scanned page is a single full-page
// image; thumbnails are skipped.
func PDFPageImages(content []byte) (map[int][]byte, error) {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed

	pages := make(map[int][]byte)
	err := api.ExtractImages(bytes.NewReader(sanitizePDF(content)), nil, func(img pdfmodel.Image, _ bool, _ int) error {
		if img.Thumb || img.Reader == nil {
			return nil
		}
		data, err := io.ReadAll(img)
		if err != nil {
			return fmt.Errorf("page %d: read image: %w", img.PageNr, err)
		}
		if len(data) > len(pages[img.PageNr]) {
			pages[img.PageNr] = data
		}
		return nil
	}, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to extract page images: %w", err)
	}
	return pages, nil
}

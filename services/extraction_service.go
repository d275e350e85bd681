package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils/cache"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"golang.org/x/sync/errgroup"
)

// PageSeparator joins per-page text in extracted documents.
const PageSeparator = "\n\n--- page break ---\n\n"

// scannedTextThreshold is the embedded-text length below which a PDF is
// treated as a scan and sent to OCR.
const scannedTextThreshold = 50

// ExtractionConfig holds worker and cache settings
type ExtractionConfig struct {
	Workers     int
	PageWorkers int
	CacheTTL    time.Duration
}

func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		Workers:     4,
		PageWorkers: 2,
		CacheTTL:    24 * time.Hour,
	}
}

// ExtractionInput is one file to extract. Key is caller-defined and echoed
// back on the outcome.
type ExtractionInput struct {
	Key      string
	Filename string
	Format   model.DocumentFormat
	Data     []byte
	FileHash string
}

// ExtractionResult is the text pulled from one file
type ExtractionResult struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
	Cached    bool   `json:"-"`
}

// ExtractionOutcome pairs an input key with its result or error
type ExtractionOutcome struct {
	Key    string
	Result ExtractionResult
	Err    error
}

// ExtractionService converts uploads into plain text
type ExtractionService struct {
	backend    ExtractionBackend
	pdf        *PDFExtractor
	cache      cache.Cache
	resilience *Resilience
	cfg        ExtractionConfig
	log        *logger.Logger
}

func NewExtractionService(backend ExtractionBackend, c cache.Cache, resilience *Resilience, cfg ExtractionConfig, log *logger.Logger) *ExtractionService {
	defaults := DefaultExtractionConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.PageWorkers <= 0 {
		cfg.PageWorkers = defaults.PageWorkers
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	return &ExtractionService{
		backend:    backend,
		pdf:        NewPDFExtractor(),
		cache:      c,
		resilience: resilience,
		cfg:        cfg,
		log:        logger.OrNop(log).Named("extraction"),
	}
}

// DetectFormat maps a filename extension to a supported format.
func DetectFormat(filename string) (model.DocumentFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md", ".text":
		return model.FormatText, nil
	case ".pdf":
		return model.FormatPDF, nil
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		return model.FormatImage, nil
	}
	return "", NewPipelineError(KindUnsupportedFormat, "detect format",
		fmt.Errorf("%q: %w", filepath.Ext(filename), ErrUnsupportedFormat))
}

func extractionCacheKey(fileHash string) string {
	return "extract:" + fileHash
}

// Extract returns the text of one file, consulting the cache by raw-byte
// hash first.
func (s *ExtractionService) Extract(ctx context.Context, in ExtractionInput) (ExtractionResult, error) {
	if in.FileHash == "" {
		in.FileHash = HashBytes(in.Data)
	}
	key := extractionCacheKey(in.FileHash)

	var cached ExtractionResult
	if err := s.cache.GetJSON(ctx, key, &cached); err == nil && strings.TrimSpace(cached.Text) != "" {
		cached.Cached = true
		s.log.Debug("extraction cache hit", "file", in.Filename, "file_hash", in.FileHash)
		return cached, nil
	}

	start := time.Now()
	var result ExtractionResult
	var err error

	switch in.Format {
	case model.FormatText:
		result = ExtractionResult{Text: strings.ToValidUTF8(string(in.Data), ""), PageCount: 1}
	case model.FormatPDF:
		result, err = s.extractPDF(ctx, in)
	case model.FormatImage:
		result, err = s.extractImage(ctx, in)
	default:
		return ExtractionResult{}, NewPipelineError(KindUnsupportedFormat, "extract",
			fmt.Errorf("%s: format %q: %w", in.Filename, in.Format, ErrUnsupportedFormat))
	}
	if err != nil {
		return ExtractionResult{}, err
	}

	result.Text = strings.TrimSpace(result.Text)
	if result.Text == "" {
		return ExtractionResult{}, NewPipelineError(KindExtractionFailure, "extract",
			fmt.Errorf("%s: no text content: %w", in.Filename, ErrExtractionFailed))
	}

	if err := s.cache.SetJSON(ctx, key, result, s.cfg.CacheTTL); err != nil {
		s.log.Warn("failed to cache extraction", "file", in.Filename, "error", err.Error())
	}

	s.log.Info("extracted document",
		"file", in.Filename,
		"format", in.Format,
		"pages", result.PageCount,
		"chars", len(result.Text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// ExtractBatch extracts every input on a bounded pool. A failure is
// recorded on its own outcome and never stops the other items. onProgress
// is called after each item with the number finished so far.
func (s *ExtractionService) ExtractBatch(ctx context.Context, inputs []ExtractionInput, onProgress func(done, total int)) []ExtractionOutcome {
	outcomes := make([]ExtractionOutcome, len(inputs))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	var mu sync.Mutex
	done := 0

	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			outcomes[i].Key = in.Key
			if err := ctx.Err(); err != nil {
				outcomes[i].Err = NewPipelineError(KindCancelled, "extract", err)
			} else {
				outcomes[i].Result, outcomes[i].Err = s.Extract(ctx, in)
			}

			mu.Lock()
			done++
			if onProgress != nil {
				onProgress(done, len(inputs))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (s *ExtractionService) extractPDF(ctx context.Context, in ExtractionInput) (ExtractionResult, error) {
	pages, parseErr := s.pdf.ExtractPages(in.Data)
	if parseErr == nil {
		text := joinPages(pages)
		if len(text) >= scannedTextThreshold {
			return ExtractionResult{Text: text, PageCount: len(pages)}, nil
		}
		s.log.Info("pdf has little embedded text, running OCR", "file", in.Filename, "chars", len(text))
	} else {
		s.log.Warn("pdf text pull failed, running OCR", "file", in.Filename, "error", parseErr.Error())
	}

	if s.backend == nil {
		return ExtractionResult{}, NewPipelineError(KindServiceUnavailable, "extract",
			fmt.Errorf("%s: scanned pdf but no OCR backend configured: %w", in.Filename, ErrServiceUnavailable))
	}

	dir, err := os.MkdirTemp("", "grader-pdf-*")
	if err != nil {
		return ExtractionResult{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	pageFiles, err := SplitPDFPages(in.Data, dir)
	if err != nil {
		return ExtractionResult{}, NewPipelineError(KindExtractionFailure, "split pdf",
			fmt.Errorf("%s: %v: %w", in.Filename, err, ErrExtractionFailed))
	}

	images, err := PDFPageImages(in.Data)
	if err != nil {
		s.log.Warn("pdf image extraction failed, sending pages as pdf", "file", in.Filename, "error", err.Error())
		images = nil
	}

	texts := make([]string, len(pageFiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PageWorkers)
	for i, path := range pageFiles {
		i, path := i, path
		g.Go(func() error {
			text, err := s.ocrPage(gctx, path, images[i+1])
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ExtractionResult{}, err
	}

	return ExtractionResult{Text: joinPages(texts), PageCount: len(pageFiles)}, nil
}

// ocrPage reads one scanned page. A page image is preprocessed like any
// uploaded scan; a page without one has no raster to enhance and goes to
// OCR as a single-page PDF.
func (s *ExtractionService) ocrPage(ctx context.Context, pagePath string, image []byte) (string, error) {
	if len(image) > 0 {
		processed, err := PreprocessImage(image)
		if err == nil {
			return s.ocr(ctx, processed, model.FormatImage)
		}
		s.log.Warn("page image not decodable, sending page as pdf", "page", filepath.Base(pagePath), "error", err.Error())
	}
	data, err := os.ReadFile(pagePath)
	if err != nil {
		return "", err
	}
	return s.ocr(ctx, data, model.FormatPDF)
}

func (s *ExtractionService) extractImage(ctx context.Context, in ExtractionInput) (ExtractionResult, error) {
	if s.backend == nil {
		return ExtractionResult{}, NewPipelineError(KindServiceUnavailable, "extract",
			fmt.Errorf("%s: no OCR backend configured: %w", in.Filename, ErrServiceUnavailable))
	}

	processed, err := PreprocessImage(in.Data)
	if err != nil {
		return ExtractionResult{}, err
	}

	text, err := s.ocr(ctx, processed, model.FormatImage)
	if err != nil {
		return ExtractionResult{}, err
	}
	return ExtractionResult{Text: text, PageCount: 1}, nil
}

func (s *ExtractionService) ocr(ctx context.Context, data []byte, format model.DocumentFormat) (string, error) {
	var text string
	err := s.resilience.Do(ctx, OpExtraction, func(callCtx context.Context) error {
		out, err := s.backend.Extract(callCtx, data, format)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	return text, err
}

func joinPages(pages []string) string {
	kept := make([]string, 0, len(pages))
	for _, p := range pages {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, PageSeparator)
}


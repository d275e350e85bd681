package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/services/digitalocean"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
)

// DefaultMaxUploadBytes caps a single upload.
const DefaultMaxUploadBytes = 25 << 20

// UploadRequest is one file uploaded by an owner
type UploadRequest struct {
	OwnerID     uint
	Filename    string
	Data        []byte
	GuideID     uint   // submissions only
	StudentName string // submissions only
}

// GuideUpload is the stored guide and anything worth telling the uploader
type GuideUpload struct {
	Document       *model.Document     `json:"document"`
	Guide          *model.MarkingGuide `json:"guide"`
	Classification GuideClassification `json:"classification"`
	Warnings       []string            `json:"warnings,omitempty"`
}

// SubmissionUpload is the stored submission
type SubmissionUpload struct {
	Document   *model.Document   `json:"document"`
	Submission *model.Submission `json:"submission"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// DocumentService handles the upload path: hash, extract, dedup, persist.
type DocumentService struct {
	store      Storage
	blobs      BlobStore
	extraction *ExtractionService
	hasher     *ContentHasher
	classifier *GuideClassifier
	parser     *GuideParser
	maxBytes   int
	log        *logger.Logger
}

func NewDocumentService(store Storage, blobs BlobStore, extraction *ExtractionService, classifier *GuideClassifier, parser *GuideParser, maxBytes int, log *logger.Logger) *DocumentService {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &DocumentService{
		store:      store,
		blobs:      blobs,
		extraction: extraction,
		hasher:     NewContentHasher(store),
		classifier: classifier,
		parser:     parser,
		maxBytes:   maxBytes,
		log:        logger.OrNop(log).Named("documents"),
	}
}

// UploadGuide stores a marking guide, parses its questions and classifies
// it. Questions without a stated mark allocation are kept and reported in
// Warnings.
func (s *DocumentService) UploadGuide(ctx context.Context, req UploadRequest) (*GuideUpload, error) {
	doc, err := s.ingest(ctx, req, model.DocumentKindMarkingGuide)
	if err != nil {
		return nil, err
	}

	questions, err := s.parser.Parse(ctx, doc.ExtractedText)
	if err != nil {
		return nil, err
	}

	classification, err := s.classifier.Classify(ctx, doc.ExtractedText)
	if err != nil {
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return nil, err
		}
		s.log.Warn("guide classification failed, storing as unknown", "document_id", doc.ID, "error", err.Error())
		classification = GuideClassification{Type: model.GuideTypeUnknown}
	}

	guide := &model.MarkingGuide{
		DocumentID:     doc.ID,
		GuideType:      classification.Type,
		TypeConfidence: classification.Confidence,
		Questions:      questions,
	}
	if err := s.store.SaveGuide(ctx, guide); err != nil {
		return nil, fmt.Errorf("failed to save guide: %w", err)
	}

	var warnings []string
	if len(questions) == 0 {
		warnings = append(warnings, "no questions were found in the guide")
	}
	for _, n := range MissingMarks(questions) {
		warnings = append(warnings, fmt.Sprintf("question %d has no mark allocation and will not be graded", n))
	}

	s.log.Info("guide uploaded",
		"document_id", doc.ID,
		"guide_id", guide.ID,
		"questions", len(questions),
		"type", classification.Type,
	)
	return &GuideUpload{Document: doc, Guide: guide, Classification: classification, Warnings: warnings}, nil
}

// UploadSubmission stores a student's answer document against a guide.
func (s *DocumentService) UploadSubmission(ctx context.Context, req UploadRequest) (*SubmissionUpload, error) {
	if req.GuideID == 0 {
		return nil, NewPipelineError(KindMalformedRequest, "upload submission", fmt.Errorf("guide_id is required: %w", ErrMalformedRequest))
	}
	if _, err := s.store.LoadGuide(ctx, req.GuideID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewPipelineError(KindNotFound, "upload submission", fmt.Errorf("guide %d: %w", req.GuideID, ErrNotFound))
		}
		return nil, err
	}

	var warnings []string
	doc, err := s.ingest(ctx, req, model.DocumentKindSubmission)
	if err != nil {
		if doc == nil {
			return nil, err
		}
		// the job retries extraction and fails the submission if it still has no text
		warnings = append(warnings, "text extraction failed: "+err.Error())
	}

	sub := &model.Submission{
		DocumentID:  doc.ID,
		GuideID:     req.GuideID,
		StudentName: strings.TrimSpace(req.StudentName),
	}
	if err := s.store.SaveSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to save submission: %w", err)
	}

	s.log.Info("submission uploaded", "document_id", doc.ID, "submission_id", sub.ID, "guide_id", req.GuideID)
	return &SubmissionUpload{Document: doc, Submission: sub, Warnings: warnings}, nil
}

// ingest runs the shared upload steps. A byte-identical re-upload is
// rejected before any extraction work. When extraction fails the document
// is still stored with status failed and returned together with the error.
func (s *DocumentService) ingest(ctx context.Context, req UploadRequest, kind model.DocumentKind) (*model.Document, error) {
	if len(req.Data) == 0 {
		return nil, NewPipelineError(KindMalformedRequest, "upload", fmt.Errorf("empty file: %w", ErrMalformedRequest))
	}
	if len(req.Data) > s.maxBytes {
		return nil, NewPipelineError(KindMalformedRequest, "upload",
			fmt.Errorf("file is %d bytes, limit is %d: %w", len(req.Data), s.maxBytes, ErrMalformedRequest))
	}
	format, err := DetectFormat(req.Filename)
	if err != nil {
		return nil, err
	}

	fileHash := HashBytes(req.Data)
	if existing, err := s.store.FindDocumentByFileHash(ctx, req.OwnerID, fileHash, kind); err == nil {
		if existing.ContentHash != nil {
			s.log.Info("duplicate upload rejected", "existing_document_id", existing.ID, "match", "file_hash")
			return nil, &DuplicateContentError{ExistingDocumentID: existing.ID}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	key := blobKey(string(kind), req.OwnerID, fileHash, req.Filename)
	doc := &model.Document{
		OwnerID:          req.OwnerID,
		Kind:             kind,
		Filename:         req.Filename,
		Format:           format,
		SizeBytes:        int64(len(req.Data)),
		FileHash:         fileHash,
		RawKey:           key,
		ExtractionStatus: model.ExtractionStatusPending,
	}

	result, extractErr := s.extraction.Extract(ctx, ExtractionInput{
		Key:      key,
		Filename: req.Filename,
		Format:   format,
		Data:     req.Data,
		FileHash: fileHash,
	})
	if extractErr != nil {
		if errors.Is(extractErr, ErrUnsupportedFormat) || errors.Is(extractErr, ErrCancelled) || ctx.Err() != nil {
			return nil, extractErr
		}
		// keep the upload so a later job can retry extraction
		doc.ExtractionStatus = model.ExtractionStatusFailed
		doc.ExtractionError = extractErr.Error()
		if err := s.storeRaw(ctx, doc, req.Data); err != nil {
			return nil, err
		}
		if err := s.store.SaveDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("failed to save document: %w", err)
		}
		s.log.Warn("extraction failed at upload", "document_id", doc.ID, "error", extractErr.Error())
		return doc, extractErr
	}

	digest, err := s.hasher.CheckText(ctx, req.OwnerID, result.Text, kind)
	if err != nil {
		var dup *DuplicateContentError
		if errors.As(err, &dup) {
			s.log.Info("duplicate upload rejected", "existing_document_id", dup.ExistingDocumentID, "match", "content_hash")
		}
		return nil, err
	}

	doc.ContentHash = &digest
	doc.ExtractedText = result.Text
	doc.PageCount = result.PageCount
	doc.ExtractionStatus = model.ExtractionStatusReady

	if err := s.storeRaw(ctx, doc, req.Data); err != nil {
		return nil, err
	}
	if err := s.store.SaveDocument(ctx, doc); err != nil {
		if errors.Is(err, model.ErrDuplicateKey) {
			// a concurrent upload of the same content won the insert
			if existing, findErr := s.hasher.IsDuplicate(ctx, req.OwnerID, digest, kind); findErr == nil && existing != nil {
				return nil, &DuplicateContentError{ExistingDocumentID: existing.ID}
			}
		}
		return nil, fmt.Errorf("failed to save document: %w", err)
	}
	return doc, nil
}

func (s *DocumentService) storeRaw(ctx context.Context, doc *model.Document, data []byte) error {
	if err := s.blobs.Put(ctx, doc.RawKey, data, digitalocean.GetContentType(doc.Filename)); err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}
	return nil
}

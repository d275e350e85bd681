package model

import "time"

// DocumentKind distinguishes marking guides from student submissions
type DocumentKind string

const (
	DocumentKindMarkingGuide DocumentKind = "marking_guide"
	DocumentKindSubmission   DocumentKind = "submission"
)

// DocumentFormat is the detected input format of an upload
type DocumentFormat string

const (
	FormatText  DocumentFormat = "text"
	FormatPDF   DocumentFormat = "pdf"
	FormatImage DocumentFormat = "image"
)

// ExtractionStatus tracks whether a document's text is usable
type ExtractionStatus string

const (
	ExtractionStatusPending ExtractionStatus = "pending"
	ExtractionStatusReady   ExtractionStatus = "ready"
	ExtractionStatusFailed  ExtractionStatus = "failed"
)

// Document is an uploaded guide or submission file.
//
// ContentHash is the sha256 of the normalized extracted text. It stays nil
// until extraction succeeds, so failed uploads never occupy the
// (owner, content, kind) uniqueness slot.
type Document struct {
	ID               uint             `gorm:"primaryKey" json:"id"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	OwnerID          uint             `gorm:"not null;uniqueIndex:idx_documents_owner_content_kind,priority:1" json:"owner_id"`
	Kind             DocumentKind     `gorm:"type:varchar(20);not null;uniqueIndex:idx_documents_owner_content_kind,priority:3" json:"kind"`
	Filename         string           `gorm:"not null" json:"filename"`
	Format           DocumentFormat   `gorm:"type:varchar(10);not null" json:"format"`
	SizeBytes        int64            `gorm:"default:0" json:"size_bytes"`
	FileHash         string           `gorm:"type:varchar(64);index" json:"file_hash"`
	ContentHash      *string          `gorm:"type:varchar(64);uniqueIndex:idx_documents_owner_content_kind,priority:2" json:"content_hash,omitempty"`
	RawKey           string           `gorm:"type:varchar(500)" json:"raw_key"`
	ExtractedText    string           `gorm:"type:text" json:"-"`
	ExtractionStatus ExtractionStatus `gorm:"type:varchar(20);default:'pending'" json:"extraction_status"`
	ExtractionError  string           `gorm:"type:text" json:"extraction_error,omitempty"`
	PageCount        int              `gorm:"default:0" json:"page_count"`
	ArchivedAt       *time.Time       `gorm:"index" json:"archived_at,omitempty"`
}

// IsReady reports whether extracted text is available.
func (d *Document) IsReady() bool {
	return d.ExtractionStatus == ExtractionStatusReady && d.ExtractedText != ""
}

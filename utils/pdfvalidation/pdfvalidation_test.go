package pdfvalidation

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePDFBytesRejectsMissingHeader(t *testing.T) {
	result, err := ValidatePDFBytes([]byte("plain text"), GuideLimits)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "missing PDF header")
}

func TestValidatePDFBytesRejectsOversizedFile(t *testing.T) {
	limits := PDFLimits{MaxFileSizeMB: 1, MaxPages: 10, DocumentTypeName: "submission"}
	content := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), 1<<20)...)

	result, err := ValidatePDFBytes(content, limits)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "1MB")
}

func TestValidatePDFBytesRejectsUnreadablePDF(t *testing.T) {
	result, err := ValidatePDFBytes([]byte("%PDF-1.4\nbroken"), SubmissionLimits)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Error)
}

package validation

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator wraps the go-playground validator
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new validator instance with the upload rules
// registered.
func NewValidator() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("upload_ext", validateUploadExt)
	return &Validator{validate: v}
}

// ValidateStruct validates a struct using struct tags
func (v *Validator) ValidateStruct(s interface{}) error {
	return v.validate.Struct(s)
}

// UploadExtensions lists the accepted upload file extensions.
var UploadExtensions = []string{".txt", ".text", ".md", ".pdf", ".png", ".jpg", ".jpeg", ".tif", ".tiff"}

func validateUploadExt(fl validator.FieldLevel) bool {
	ext := strings.ToLower(filepath.Ext(fl.Field().String()))
	for _, allowed := range UploadExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// FormatValidationErrors converts validation errors to a user-friendly format
func FormatValidationErrors(err error) map[string]string {
	errors := make(map[string]string)

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		if err != nil {
			errors["request"] = err.Error()
		}
		return errors
	}

	for _, e := range validationErrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			errors[field] = fmt.Sprintf("%s is required", e.Field())
		case "min":
			errors[field] = fmt.Sprintf("%s must be at least %s", e.Field(), e.Param())
		case "max":
			errors[field] = fmt.Sprintf("%s must be at most %s", e.Field(), e.Param())
		case "gte":
			errors[field] = fmt.Sprintf("%s must be greater than or equal to %s", e.Field(), e.Param())
		case "upload_ext":
			errors[field] = fmt.Sprintf("%s must end in one of %s", e.Field(), strings.Join(UploadExtensions, ", "))
		default:
			errors[field] = fmt.Sprintf("%s is invalid", e.Field())
		}
	}
	return errors
}

// SanitizeString removes null bytes and surrounding whitespace
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

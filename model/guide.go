package model

import "time"

// GuideType is the structural category assigned by the classifier
type GuideType string

const (
	GuideTypeStructuredQA GuideType = "structured_qa"
	GuideTypeRubric       GuideType = "rubric"
	GuideTypeMCQKey       GuideType = "mcq_key"
	GuideTypeEssayPrompts GuideType = "essay_prompts"
	GuideTypeMixed        GuideType = "mixed"
	GuideTypeUnknown      GuideType = "unknown"
)

// ValidGuideType reports whether t is one of the known categories.
func ValidGuideType(t GuideType) bool {
	switch t {
	case GuideTypeStructuredQA, GuideTypeRubric, GuideTypeMCQKey,
		GuideTypeEssayPrompts, GuideTypeMixed, GuideTypeUnknown:
		return true
	}
	return false
}

// MarkingGuide holds the parsed questions of a guide document
type MarkingGuide struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DocumentID     uint            `gorm:"not null;uniqueIndex" json:"document_id"`
	GuideType      GuideType       `gorm:"type:varchar(20);default:'unknown'" json:"guide_type"`
	TypeConfidence float64         `gorm:"default:0" json:"type_confidence"`
	Questions      []GuideQuestion `gorm:"foreignKey:GuideID;constraint:OnDelete:CASCADE" json:"questions"`

	Document *Document `gorm:"foreignKey:DocumentID" json:"document,omitempty"`
}

// GuideQuestion is one question of a guide with its mark allocation.
// MaxMarks is nil when the guide does not state one.
type GuideQuestion struct {
	ID             uint     `gorm:"primaryKey" json:"id"`
	GuideID        uint     `gorm:"not null;index" json:"guide_id"`
	Position       int      `gorm:"not null" json:"position"`
	Number         int      `gorm:"not null" json:"number"`
	Text           string   `gorm:"type:text" json:"text"`
	ExpectedAnswer string   `gorm:"type:text" json:"expected_answer"`
	MaxMarks       *float64 `json:"max_marks"`
}

// HasMarks reports whether the question carries a mark allocation.
func (q GuideQuestion) HasMarks() bool {
	return q.MaxMarks != nil
}

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sahilchouksey/go-exam-grader/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// translate maps gorm errors onto the model sentinels the services check.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return model.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", model.ErrDuplicateKey, err)
	}
	return err
}

func (s *GORMStore) SaveDocument(ctx context.Context, doc *model.Document) error {
	db := s.db.WithContext(ctx)
	if doc.ID == 0 {
		return translate(db.Create(doc).Error)
	}
	return translate(db.Save(doc).Error)
}

func (s *GORMStore) LoadDocument(ctx context.Context, id uint) (*model.Document, error) {
	var doc model.Document
	if err := s.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		return nil, translate(err)
	}
	return &doc, nil
}

func (s *GORMStore) FindDocumentByContentHash(ctx context.Context, ownerID uint, contentHash string, kind model.DocumentKind) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND content_hash = ? AND kind = ?", ownerID, contentHash, kind).
		First(&doc).Error
	if err != nil {
		return nil, translate(err)
	}
	return &doc, nil
}

// FindDocumentByFileHash only matches documents whose extraction succeeded.
func (s *GORMStore) FindDocumentByFileHash(ctx context.Context, ownerID uint, fileHash string, kind model.DocumentKind) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND file_hash = ? AND kind = ? AND content_hash IS NOT NULL", ownerID, fileHash, kind).
		Order("id ASC").
		First(&doc).Error
	if err != nil {
		return nil, translate(err)
	}
	return &doc, nil
}

func (s *GORMStore) SaveGuide(ctx context.Context, guide *model.MarkingGuide) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if guide.ID == 0 {
			return translate(tx.Create(guide).Error)
		}
		if err := tx.Omit(clause.Associations).Save(guide).Error; err != nil {
			return translate(err)
		}
		if err := tx.Where("guide_id = ?", guide.ID).Delete(&model.GuideQuestion{}).Error; err != nil {
			return err
		}
		for i := range guide.Questions {
			guide.Questions[i].ID = 0
			guide.Questions[i].GuideID = guide.ID
		}
		if len(guide.Questions) == 0 {
			return nil
		}
		return tx.Create(&guide.Questions).Error
	})
}

func orderedQuestions(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

func (s *GORMStore) LoadGuide(ctx context.Context, id uint) (*model.MarkingGuide, error) {
	var guide model.MarkingGuide
	err := s.db.WithContext(ctx).
		Preload("Questions", orderedQuestions).
		Preload("Document").
		First(&guide, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &guide, nil
}

func (s *GORMStore) LoadGuideByDocument(ctx context.Context, documentID uint) (*model.MarkingGuide, error) {
	var guide model.MarkingGuide
	err := s.db.WithContext(ctx).
		Preload("Questions", orderedQuestions).
		Preload("Document").
		Where("document_id = ?", documentID).
		First(&guide).Error
	if err != nil {
		return nil, translate(err)
	}
	return &guide, nil
}

func (s *GORMStore) SaveSubmission(ctx context.Context, sub *model.Submission) error {
	db := s.db.WithContext(ctx).Omit(clause.Associations)
	if sub.ID == 0 {
		return translate(db.Create(sub).Error)
	}
	return translate(db.Save(sub).Error)
}

func (s *GORMStore) LoadSubmission(ctx context.Context, id uint) (*model.Submission, error) {
	var sub model.Submission
	err := s.db.WithContext(ctx).
		Preload("Document").
		Preload("Guide").
		Preload("Guide.Document").
		Preload("Guide.Questions", orderedQuestions).
		First(&sub, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

func (s *GORMStore) SaveJob(ctx context.Context, job *model.ProcessingJob) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(job).Error
	return translate(err)
}

func (s *GORMStore) LoadJob(ctx context.Context, id string) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

func (s *GORMStore) FindActiveJob(ctx context.Context, submissionID uint) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	err := s.db.WithContext(ctx).
		Where("submission_id = ? AND state IN ?", submissionID, model.ActiveJobStates).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

func (s *GORMStore) ListStaleJobs(ctx context.Context, olderThan time.Time) ([]model.ProcessingJob, error) {
	var jobs []model.ProcessingJob
	err := s.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", model.ActiveJobStates, olderThan).
		Order("updated_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// ReplaceMappings upserts on (submission_id, question_number) so mapping
// IDs stay stable across reprocessing, and drops rows for questions that
// are no longer mapped.
func (s *GORMStore) ReplaceMappings(ctx context.Context, submissionID uint, mappings []model.Mapping) ([]model.Mapping, error) {
	var saved []model.Mapping
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		numbers := make([]int, 0, len(mappings))
		for i := range mappings {
			mappings[i].ID = 0
			mappings[i].SubmissionID = submissionID
			numbers = append(numbers, mappings[i].QuestionNumber)
		}

		stale := tx.Where("submission_id = ?", submissionID)
		if len(numbers) > 0 {
			stale = stale.Where("question_number NOT IN ?", numbers)
		}
		if err := stale.Delete(&model.Mapping{}).Error; err != nil {
			return err
		}

		if len(mappings) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "submission_id"}, {Name: "question_number"}},
				DoUpdates: clause.AssignmentColumns([]string{"answer_text", "confidence", "updated_at"}),
			}).Create(&mappings).Error
			if err != nil {
				return err
			}
		}

		return tx.Where("submission_id = ?", submissionID).
			Order("question_number ASC").
			Find(&saved).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return saved, nil
}

func (s *GORMStore) ReplaceGradingResults(ctx context.Context, submissionID uint, results []model.GradingResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("submission_id = ?", submissionID).Delete(&model.GradingResult{}).Error; err != nil {
			return err
		}
		if len(results) == 0 {
			return nil
		}
		for i := range results {
			results[i].ID = 0
			results[i].SubmissionID = submissionID
		}
		return translate(tx.Create(&results).Error)
	})
}

func (s *GORMStore) SaveResult(ctx context.Context, result *model.SubmissionResult) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "submission_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"job_id", "total_score", "max_score", "percentage", "graded_count",
			"question_count", "breakdown", "flagged_for_review", "updated_at",
		}),
	}).Create(result).Error
	return translate(err)
}

func (s *GORMStore) LoadResult(ctx context.Context, submissionID uint) (*model.SubmissionResult, error) {
	var result model.SubmissionResult
	if err := s.db.WithContext(ctx).Where("submission_id = ?", submissionID).First(&result).Error; err != nil {
		return nil, translate(err)
	}
	return &result, nil
}

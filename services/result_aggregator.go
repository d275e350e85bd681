package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"gorm.io/datatypes"
)

// ResultAggregator builds and stores the per-submission report
type ResultAggregator struct {
	store Storage
	log   *logger.Logger
}

func NewResultAggregator(store Storage, log *logger.Logger) *ResultAggregator {
	return &ResultAggregator{store: store, log: logger.OrNop(log).Named("aggregator")}
}

// Aggregate joins mappings and grades by question number. Totals count
// graded questions only; anything else flags the result for review.
func Aggregate(submissionID uint, jobID string, questions []model.GuideQuestion, mappings []model.Mapping, results []model.GradingResult) (*model.SubmissionResult, error) {
	byMapping := make(map[int]model.Mapping, len(mappings))
	for _, m := range mappings {
		byMapping[m.QuestionNumber] = m
	}
	byResult := make(map[int]model.GradingResult, len(results))
	for _, r := range results {
		byResult[r.QuestionNumber] = r
	}

	breakdown := make([]model.QuestionBreakdown, 0, len(questions))
	var total, maxTotal float64
	graded := 0
	flagged := false

	for _, q := range questions {
		row := model.QuestionBreakdown{QuestionNumber: q.Number}
		if m, ok := byMapping[q.Number]; ok {
			row.Answer = m.AnswerText
			row.Confidence = m.Confidence
		}

		r, ok := byResult[q.Number]
		if !ok {
			row.Status = model.GradeStatusFailed
			row.Error = "no grading result"
			flagged = true
			breakdown = append(breakdown, row)
			continue
		}

		row.Score = r.Score
		row.MaxScore = r.MaxScore
		row.Status = r.Status
		row.Feedback = r.Feedback
		row.Error = r.Error

		if r.Status == model.GradeStatusGraded {
			total += r.Score
			maxTotal += r.MaxScore
			graded++
		} else {
			flagged = true
		}
		breakdown = append(breakdown, row)
	}

	raw, err := json.Marshal(breakdown)
	if err != nil {
		return nil, fmt.Errorf("marshal breakdown: %w", err)
	}

	percentage := 0.0
	if maxTotal > 0 {
		percentage = math.Round(total/maxTotal*10000) / 100
	}

	return &model.SubmissionResult{
		SubmissionID:     submissionID,
		JobID:            jobID,
		TotalScore:       total,
		MaxScore:         maxTotal,
		Percentage:       percentage,
		GradedCount:      graded,
		QuestionCount:    len(questions),
		Breakdown:        datatypes.JSON(raw),
		FlaggedForReview: flagged,
	}, nil
}

// Save aggregates and upserts the result. Running it twice for the same
// inputs leaves one identical row.
func (a *ResultAggregator) Save(ctx context.Context, submissionID uint, jobID string, questions []model.GuideQuestion, mappings []model.Mapping, results []model.GradingResult) (*model.SubmissionResult, error) {
	result, err := Aggregate(submissionID, jobID, questions, mappings, results)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveResult(ctx, result); err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}

	a.log.Info("aggregated submission result",
		"submission_id", submissionID,
		"total", result.TotalScore,
		"max", result.MaxScore,
		"graded", result.GradedCount,
		"questions", result.QuestionCount,
		"flagged", result.FlaggedForReview,
	)
	return result, nil
}

package services

import (
	"encoding/json"
	"testing"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateCountsGradedQuestionsOnly(t *testing.T) {
	questions := testQuestions()
	mappings := []model.Mapping{
		{ID: 1, QuestionNumber: 1, AnswerText: "resists change", Confidence: 0.9},
		{ID: 2, QuestionNumber: 2, AnswerText: "m v", Confidence: 0.6},
		{ID: 3, QuestionNumber: 3},
	}
	results := []model.GradingResult{
		{MappingID: 1, QuestionNumber: 1, Score: 4, MaxScore: 5, Status: model.GradeStatusGraded, Feedback: "good"},
		{MappingID: 2, QuestionNumber: 2, MaxScore: 4, Status: model.GradeStatusFailed, Error: "timeout"},
		{MappingID: 3, QuestionNumber: 3, Score: 0, MaxScore: 3, Status: model.GradeStatusGraded},
	}

	result, err := Aggregate(7, "job-1", questions, mappings, results)
	require.NoError(t, err)

	assert.Equal(t, uint(7), result.SubmissionID)
	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, 4.0, result.TotalScore)
	assert.Equal(t, 8.0, result.MaxScore)
	assert.Equal(t, 50.0, result.Percentage)
	assert.Equal(t, 2, result.GradedCount)
	assert.Equal(t, 3, result.QuestionCount)
	assert.True(t, result.FlaggedForReview)

	var rows []model.QuestionBreakdown
	require.NoError(t, json.Unmarshal(result.Breakdown, &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "resists change", rows[0].Answer)
	assert.Equal(t, 0.9, rows[0].Confidence)
	assert.Equal(t, model.GradeStatusFailed, rows[1].Status)
	assert.Equal(t, "timeout", rows[1].Error)
}

func TestAggregateMissingResultIsFlagged(t *testing.T) {
	questions := testQuestions()[:1]

	result, err := Aggregate(1, "job", questions, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.FlaggedForReview)
	assert.Zero(t, result.GradedCount)
	assert.Zero(t, result.Percentage)
}

func TestAggregateAllGradedIsNotFlagged(t *testing.T) {
	questions := testQuestions()[:2]
	results := []model.GradingResult{
		{QuestionNumber: 1, Score: 5, MaxScore: 5, Status: model.GradeStatusGraded},
		{QuestionNumber: 2, Score: 1, MaxScore: 4, Status: model.GradeStatusGraded},
	}

	result, err := Aggregate(1, "job", questions, nil, results)
	require.NoError(t, err)
	assert.False(t, result.FlaggedForReview)
	assert.Equal(t, 66.67, result.Percentage)
}

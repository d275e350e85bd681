package services

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var promptQuestionPattern = regexp.MustCompile(`(?m)^Question (\d+) \(max marks`)

// scoringLLM replies with score(n) for every question in the prompt.
// Questions for which score returns a negative sentinel of -100 are left out.
func scoringLLM(score func(n int) float64) *fakeLLM {
	return &fakeLLM{respond: func(_ int, _, user string) (string, error) {
		var parts []string
		for _, m := range promptQuestionPattern.FindAllStringSubmatch(user, -1) {
			n, _ := strconv.Atoi(m[1])
			s := score(n)
			if s == -100 {
				continue
			}
			parts = append(parts, fmt.Sprintf(`{"question": %d, "score": %g, "feedback": "ok %d"}`, n, s, n))
		}
		return "[" + strings.Join(parts, ",") + "]", nil
	}}
}

func gradingItems() []GradingItem {
	return []GradingItem{
		{QuestionNumber: 1, MappingID: 11, QuestionText: "Define inertia.", ExpectedAnswer: "Resistance to change.", AnswerText: "Resists change.", MaxMarks: marks(5)},
		{QuestionNumber: 2, MappingID: 12, QuestionText: "Define momentum.", AnswerText: "m times v", MaxMarks: marks(4)},
		{QuestionNumber: 3, MappingID: 13, QuestionText: "Third law.", AnswerText: "", MaxMarks: marks(3)},
		{QuestionNumber: 4, MappingID: 14, QuestionText: "Define power.", AnswerText: "work per time", MaxMarks: nil},
	}
}

func TestGradeScoresAndClamps(t *testing.T) {
	llm := scoringLLM(func(n int) float64 {
		if n == 1 {
			return 7.5 // above max marks
		}
		return 3
	})
	engine := NewGradingEngine(llm, fastResilience(), 4, nil)

	var lastDone, lastTotal int
	outcomes, err := engine.Grade(context.Background(), gradingItems(), func(done, total int) {
		lastDone, lastTotal = done, total
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	assert.Equal(t, 5.0, outcomes[0].Score)
	assert.True(t, outcomes[0].Clamped)
	assert.Equal(t, model.GradeStatusGraded, outcomes[0].Status)
	assert.Equal(t, uint(11), outcomes[0].MappingID)

	assert.Equal(t, 3.0, outcomes[1].Score)
	assert.False(t, outcomes[1].Clamped)
	assert.Equal(t, "ok 2", outcomes[1].Feedback)

	// an empty answer scores zero without a model call
	assert.Equal(t, model.GradeStatusGraded, outcomes[2].Status)
	assert.Zero(t, outcomes[2].Score)
	assert.Equal(t, 3.0, outcomes[2].MaxScore)

	// no mark allocation is a per-question data quality error
	assert.Equal(t, model.GradeStatusDataQualityError, outcomes[3].Status)
	assert.Equal(t, KindDataQuality, KindOf(outcomes[3].Err))

	assert.Equal(t, 4, lastDone)
	assert.Equal(t, 4, lastTotal)
	assert.Equal(t, 1, llm.Calls(), "both answered questions fit one batch")
}

func TestGradeNegativeScoreClampsToZero(t *testing.T) {
	engine := NewGradingEngine(scoringLLM(func(int) float64 { return -2 }), fastResilience(), 4, nil)

	outcomes, err := engine.Grade(context.Background(), gradingItems()[:1], nil)
	require.NoError(t, err)
	assert.Zero(t, outcomes[0].Score)
	assert.True(t, outcomes[0].Clamped)
}

func TestGradeReasksMissingQuestionAlone(t *testing.T) {
	asked := 0
	llm := scoringLLM(func(n int) float64 {
		if n == 2 {
			asked++
			if asked == 1 {
				return -100 // dropped from the batch reply
			}
		}
		return 2
	})
	engine := NewGradingEngine(llm, fastResilience(), 4, nil)

	outcomes, err := engine.Grade(context.Background(), gradingItems()[:2], nil)
	require.NoError(t, err)
	assert.Equal(t, model.GradeStatusGraded, outcomes[1].Status)
	assert.Equal(t, 2, llm.Calls())
}

func TestGradeOneFailedQuestionDoesNotFailOthers(t *testing.T) {
	llm := scoringLLM(func(n int) float64 {
		if n == 2 {
			return -100
		}
		return 4
	})
	engine := NewGradingEngine(llm, fastResilience(), 4, nil)

	outcomes, err := engine.Grade(context.Background(), gradingItems()[:2], nil)
	require.NoError(t, err)
	assert.Equal(t, model.GradeStatusGraded, outcomes[0].Status)
	assert.Equal(t, model.GradeStatusFailed, outcomes[1].Status)
	assert.Equal(t, KindMalformedOutput, KindOf(outcomes[1].Err))
}

func TestGradeFailsWhenNothingCouldBeGraded(t *testing.T) {
	engine := NewGradingEngine(staticLLM("no scores today"), fastResilience(), 4, nil)

	_, err := engine.Grade(context.Background(), gradingItems()[:2], nil)
	require.Error(t, err)
	assert.Equal(t, KindMalformedOutput, KindOf(err))
}

func TestGradeStopsOnQuotaExhaustion(t *testing.T) {
	llm := &fakeLLM{respond: func(int, string, string) (string, error) {
		return "", &APIError{Provider: "llm", StatusCode: 402, Body: "billing"}
	}}
	engine := NewGradingEngine(llm, fastResilience(), 1, nil)

	_, err := engine.Grade(context.Background(), gradingItems()[:2], nil)
	require.Error(t, err)
	assert.Equal(t, KindQuotaExhausted, KindOf(err))
	assert.Equal(t, 1, llm.Calls())
}

func TestGradeBatchesBySize(t *testing.T) {
	llm := scoringLLM(func(int) float64 { return 1 })
	engine := NewGradingEngine(llm, fastResilience(), 1, nil)

	_, err := engine.Grade(context.Background(), gradingItems()[:2], nil)
	require.NoError(t, err)
	assert.Equal(t, 2, llm.Calls())
}

func TestParseGradingResponseAcceptsBareObject(t *testing.T) {
	scores, err := parseGradingResponse(`{"question": "Q3", "score": 2.5, "feedback": "good"}`)
	require.NoError(t, err)
	assert.Equal(t, 2.5, scores[3].Score)
}

func TestFormatMarks(t *testing.T) {
	assert.Equal(t, "5", formatMarks(5))
	assert.Equal(t, "2.5", formatMarks(2.5))
}

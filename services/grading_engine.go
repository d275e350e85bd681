package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
)

// GradingItem is one mapped answer to score
type GradingItem struct {
	QuestionNumber int
	MappingID      uint
	QuestionText   string
	ExpectedAnswer string
	AnswerText     string
	MaxMarks       *float64
}

// GradeOutcome is the score for one item. Err is set when Status is not
// graded.
type GradeOutcome struct {
	QuestionNumber int
	MappingID      uint
	Score          float64
	MaxScore       float64
	Feedback       string
	Status         model.GradeStatus
	Clamped        bool
	Err            error
}

const gradingSystemPrompt = `You are an exam marker. Score each student answer strictly against the expected answer.
Rules:
- A score is a number between 0 and the question's max marks, inclusive.
- Award partial marks only for content that matches the expected answer.
- Feedback is one or two sentences addressed to the student.
Respond with a JSON array only:
[{"question": <question number>, "score": <number>, "feedback": "<text>"}]`

// GradingEngine scores mapped answers in batches
type GradingEngine struct {
	llm        LanguageModel
	resilience *Resilience
	batchSize  int
	log        *logger.Logger
}

func NewGradingEngine(llm LanguageModel, resilience *Resilience, batchSize int, log *logger.Logger) *GradingEngine {
	if batchSize <= 0 {
		batchSize = 4
	}
	return &GradingEngine{
		llm:        llm,
		resilience: resilience,
		batchSize:  batchSize,
		log:        logger.OrNop(log).Named("grading"),
	}
}

// Grade returns one outcome per item in input order. A question that
// cannot be graded is recorded on its own outcome; the returned error is
// reserved for cancellation, errors that will fail every remaining call
// (quota, credentials), and the case where no question could be graded.
func (g *GradingEngine) Grade(ctx context.Context, items []GradingItem, onProgress func(done, total int)) ([]GradeOutcome, error) {
	outcomes := make([]GradeOutcome, len(items))
	pending := make([]int, 0, len(items))
	done := 0
	report := func(n int) {
		done += n
		if onProgress != nil {
			onProgress(done, len(items))
		}
	}

	for i, it := range items {
		outcomes[i] = GradeOutcome{QuestionNumber: it.QuestionNumber, MappingID: it.MappingID}
		switch {
		case it.MaxMarks == nil:
			outcomes[i].Status = model.GradeStatusDataQualityError
			outcomes[i].Err = NewPipelineError(KindDataQuality, "grade",
				fmt.Errorf("question %d has no mark allocation: %w", it.QuestionNumber, ErrDataQuality))
			g.log.Warn("question has no mark allocation", "question", it.QuestionNumber)
			report(1)
		case strings.TrimSpace(it.AnswerText) == "":
			outcomes[i].MaxScore = *it.MaxMarks
			outcomes[i].Status = model.GradeStatusGraded
			outcomes[i].Feedback = "No answer was found for this question."
			report(1)
		default:
			outcomes[i].MaxScore = *it.MaxMarks
			pending = append(pending, i)
		}
	}

	attempted, graded := 0, 0
	var lastErr error

	for start := 0; start < len(pending); start += g.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, NewPipelineError(KindCancelled, "grade", err)
		}

		end := min(start+g.batchSize, len(pending))
		batch := pending[start:end]

		scores, err := g.gradeBatch(ctx, items, batch)
		if err != nil {
			if fatalGradingError(err) {
				return nil, err
			}
			g.log.Warn("batch grading failed, grading questions one by one",
				"batch_size", len(batch), "error", err.Error())
		}

		for _, idx := range batch {
			it := items[idx]
			attempted++

			s, ok := scores[it.QuestionNumber]
			if !ok {
				single, err := g.gradeBatch(ctx, items, []int{idx})
				if err == nil {
					s, ok = single[it.QuestionNumber]
					if !ok {
						err = NewPipelineError(KindMalformedOutput, "grade",
							fmt.Errorf("question %d missing from response: %w", it.QuestionNumber, ErrMalformedModelOutput))
					}
				}
				if err != nil {
					if fatalGradingError(err) {
						return nil, err
					}
					lastErr = err
					outcomes[idx].Status = model.GradeStatusFailed
					outcomes[idx].Err = err
					g.log.Error("question grading failed", "question", it.QuestionNumber, "error", err.Error())
					report(1)
					continue
				}
			}

			g.applyScore(&outcomes[idx], s)
			graded++
			report(1)
		}
	}

	if attempted > 0 && graded == 0 && lastErr != nil {
		return nil, lastErr
	}
	return outcomes, nil
}

type gradedScore struct {
	Score    float64
	Feedback string
}

func (g *GradingEngine) applyScore(out *GradeOutcome, s gradedScore) {
	score := s.Score
	if score < 0 || score > out.MaxScore {
		g.log.Warn("score outside mark allocation, clamping",
			"question", out.QuestionNumber,
			"score", score,
			"max_marks", out.MaxScore,
		)
		score = clampFloat(score, 0, out.MaxScore)
		out.Clamped = true
	}
	out.Score = score
	out.Feedback = strings.TrimSpace(s.Feedback)
	out.Status = model.GradeStatusGraded
}

func (g *GradingEngine) gradeBatch(ctx context.Context, items []GradingItem, batch []int) (map[int]gradedScore, error) {
	prompt := buildGradingPrompt(items, batch)

	var raw string
	err := g.resilience.Do(ctx, OpGrading, func(callCtx context.Context) error {
		out, err := g.llm.Complete(callCtx, gradingSystemPrompt, prompt, 0)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	scores, err := parseGradingResponse(raw)
	if err != nil {
		g.log.Warn("unparseable grading response", "response", utils.Truncate(raw, 200))
		return nil, err
	}
	return scores, nil
}

func buildGradingPrompt(items []GradingItem, batch []int) string {
	var b strings.Builder
	for _, idx := range batch {
		it := items[idx]
		fmt.Fprintf(&b, "Question %d (max marks %s)\n", it.QuestionNumber, formatMarks(*it.MaxMarks))
		fmt.Fprintf(&b, "Question text: %s\n", it.QuestionText)
		if it.ExpectedAnswer != "" {
			fmt.Fprintf(&b, "Expected answer: %s\n", it.ExpectedAnswer)
		}
		fmt.Fprintf(&b, "Student answer: %s\n\n", it.AnswerText)
	}
	return b.String()
}

func formatMarks(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}

type gradeItem struct {
	Question questionRef `json:"question"`
	Score    *float64    `json:"score"`
	Feedback string      `json:"feedback"`
}

func parseGradingResponse(raw string) (map[int]gradedScore, error) {
	var items []gradeItem

	span, err := utils.ExtractJSONArray(raw)
	if err == nil {
		err = json.Unmarshal([]byte(span), &items)
	}
	if err != nil {
		// a single-question reply may come back as a bare object
		var single gradeItem
		if objErr := utils.ExtractJSONTo(raw, &single); objErr != nil {
			return nil, NewPipelineError(KindMalformedOutput, "parse grades", fmt.Errorf("%v: %w", err, ErrMalformedModelOutput))
		}
		items = []gradeItem{single}
	}

	scores := make(map[int]gradedScore, len(items))
	for _, it := range items {
		if it.Score == nil || it.Question <= 0 {
			continue
		}
		scores[int(it.Question)] = gradedScore{Score: *it.Score, Feedback: it.Feedback}
	}
	if len(scores) == 0 {
		return nil, NewPipelineError(KindMalformedOutput, "parse grades", fmt.Errorf("no scores in response: %w", ErrMalformedModelOutput))
	}
	return scores, nil
}

// fatalGradingError reports errors that make further grading calls
// pointless for this job.
func fatalGradingError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch KindOf(err) {
	case KindCancelled, KindQuotaExhausted, KindAuthentication:
		return true
	}
	return false
}

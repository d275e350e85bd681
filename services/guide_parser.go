package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
)

var (
	// "Question 3 (10 marks):", "Q3.", "Q 3 [5 marks]"
	guideHeaderPattern = regexp.MustCompile(`(?im)^[ \t]*(?:question|q)[ \t]*\.?[ \t]*(\d+)[ \t]*(?:[(\[][ \t]*(\d+(?:\.\d+)?)[ \t]*(?:marks?|pts?|points?)[ \t]*[)\]])?[ \t]*[:.)\-]?[ \t]*`)

	// "(10 marks)", "[5 pts]", "Marks: 4"
	inlineMarksPattern = regexp.MustCompile(`(?i)[(\[]\s*(\d+(?:\.\d+)?)\s*(?:marks?|pts?|points?)\s*[)\]]|\bmarks?\s*[:=]\s*(\d+(?:\.\d+)?)`)

	expectedAnswerPattern = regexp.MustCompile(`(?i)\b(?:model|expected|sample|suggested)?\s*answer\s*[:\-]`)
)

// ParseGuideText pulls numbered questions out of a guide without calling a
// model. A question's MaxMarks is set only when the text states it.
func ParseGuideText(text string) []model.GuideQuestion {
	headers := guideHeaderPattern.FindAllStringSubmatchIndex(text, -1)
	if len(headers) == 0 {
		return nil
	}

	questions := make([]model.GuideQuestion, 0, len(headers))
	seen := make(map[int]bool, len(headers))

	for i, h := range headers {
		number, err := strconv.Atoi(text[h[2]:h[3]])
		if err != nil || seen[number] {
			continue
		}

		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		body := strings.TrimSpace(text[h[1]:end])

		var marks *float64
		if h[4] != -1 {
			marks = parseMarks(text[h[4]:h[5]])
		}
		if marks == nil {
			if m := inlineMarksPattern.FindStringSubmatch(body); m != nil {
				marks = parseMarks(firstNonEmpty(m[1], m[2]))
				body = strings.TrimSpace(strings.Replace(body, m[0], "", 1))
			}
		}

		questionText, expected := splitExpectedAnswer(body)
		seen[number] = true
		questions = append(questions, model.GuideQuestion{
			Position:       len(questions),
			Number:         number,
			Text:           questionText,
			ExpectedAnswer: expected,
			MaxMarks:       marks,
		})
	}

	return questions
}

func splitExpectedAnswer(body string) (string, string) {
	loc := expectedAnswerPattern.FindStringIndex(body)
	if loc == nil {
		return collapseSpaces(body), ""
	}
	return collapseSpaces(body[:loc[0]]), collapseSpaces(body[loc[1]:])
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func parseMarks(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return nil
	}
	return &v
}

const guideParserSystemPrompt = `You extract the questions of an exam marking guide.
Respond with a JSON array only:
[{"number": <int>, "text": "<question>", "expected_answer": "<model answer or empty>", "max_marks": <number or null>}]
Set max_marks only when the guide states the marks for that question. Never guess marks; use null.`

// GuideParser turns guide text into questions, falling back to the model
// when no numbered questions are found.
type GuideParser struct {
	llm        LanguageModel
	resilience *Resilience
	log        *logger.Logger
}

func NewGuideParser(llm LanguageModel, resilience *Resilience, log *logger.Logger) *GuideParser {
	return &GuideParser{llm: llm, resilience: resilience, log: logger.OrNop(log).Named("guide_parser")}
}

func (p *GuideParser) Parse(ctx context.Context, text string) ([]model.GuideQuestion, error) {
	if questions := ParseGuideText(text); len(questions) > 0 {
		p.log.Debug("parsed guide with patterns", "questions", len(questions))
		return questions, nil
	}
	if p.llm == nil {
		return nil, nil
	}

	p.log.Info("no numbered questions found, asking model")
	var raw string
	err := p.resilience.Do(ctx, OpClassification, func(callCtx context.Context) error {
		out, err := p.llm.Complete(callCtx, guideParserSystemPrompt, "Marking guide:\n\n"+text, 0)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	span, err := utils.ExtractJSONArray(raw)
	if err != nil {
		return nil, NewPipelineError(KindMalformedOutput, "parse guide", fmt.Errorf("%v: %w", err, ErrMalformedModelOutput))
	}

	var items []struct {
		Number         int      `json:"number"`
		Text           string   `json:"text"`
		ExpectedAnswer string   `json:"expected_answer"`
		MaxMarks       *float64 `json:"max_marks"`
	}
	if err := json.Unmarshal([]byte(span), &items); err != nil {
		return nil, NewPipelineError(KindMalformedOutput, "parse guide", fmt.Errorf("%v: %w", err, ErrMalformedModelOutput))
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Number < items[j].Number })

	questions := make([]model.GuideQuestion, 0, len(items))
	seen := make(map[int]bool, len(items))
	for _, it := range items {
		if it.Number <= 0 || seen[it.Number] || strings.TrimSpace(it.Text) == "" {
			continue
		}
		seen[it.Number] = true
		if it.MaxMarks != nil && *it.MaxMarks <= 0 {
			it.MaxMarks = nil
		}
		questions = append(questions, model.GuideQuestion{
			Position:       len(questions),
			Number:         it.Number,
			Text:           strings.TrimSpace(it.Text),
			ExpectedAnswer: strings.TrimSpace(it.ExpectedAnswer),
			MaxMarks:       it.MaxMarks,
		})
	}
	return questions, nil
}

// MissingMarks lists the numbers of questions without a mark allocation.
func MissingMarks(questions []model.GuideQuestion) []int {
	var missing []int
	for _, q := range questions {
		if !q.HasMarks() {
			missing = append(missing, q.Number)
		}
	}
	return missing
}

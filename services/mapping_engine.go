package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
)

// MappingTier records which parser produced the mapping.
type MappingTier string

const (
	TierStructured MappingTier = "structured"
	TierArraySpan  MappingTier = "array_span"
	TierPattern    MappingTier = "pattern"
	TierChunked    MappingTier = "chunked"
	TierEmpty      MappingTier = "empty_submission"
)

const (
	defaultMapAttempts    = 3
	maxSubmissionChars    = 24000
	patternConfidence     = 0.5
	chunkedConfidence     = 0.3
	missingConfidenceSeed = 0.5
	// share of an answer's words that must occur in the submission for the
	// prose tiers to accept it
	minGroundedOverlap = 0.6
)

// MappedAnswer is the submission text attributed to one guide question
type MappedAnswer struct {
	QuestionNumber int     `json:"question"`
	AnswerText     string  `json:"answer"`
	Confidence     float64 `json:"confidence"`
}

// MappingReport describes how a mapping was obtained
type MappingReport struct {
	Tier     MappingTier `json:"tier"`
	Attempts int         `json:"attempts"`
	Matched  int         `json:"matched"`
	Chunks   int         `json:"chunks"`
}

const mappingSystemPrompt = `You match a student's exam answers to the questions of a marking guide.
Use only text that appears in the submission. Do not grade or correct anything.
Respond with a JSON array only, one element per question you can find an answer for:
[{"question": <question number>, "answer": "<the student's answer text>", "confidence": <0..1>}]
Omit questions the student did not answer.`

// MappingEngine attributes submission text to guide questions with one
// batched model call per submission.
type MappingEngine struct {
	llm         LanguageModel
	resilience  *Resilience
	maxAttempts int
	log         *logger.Logger
}

func NewMappingEngine(llm LanguageModel, resilience *Resilience, log *logger.Logger) *MappingEngine {
	return &MappingEngine{
		llm:         llm,
		resilience:  resilience,
		maxAttempts: defaultMapAttempts,
		log:         logger.OrNop(log).Named("mapping"),
	}
}

// MapAnswers returns exactly one MappedAnswer per question, in guide order.
// Questions with no matching text get an empty answer and zero confidence.
// Model output that no parser tier can use after every attempt yields
// ErrMalformedModelOutput.
func (m *MappingEngine) MapAnswers(ctx context.Context, submissionText string, questions []model.GuideQuestion, onProgress func(percent int)) ([]MappedAnswer, MappingReport, error) {
	report := MappingReport{}
	if len(questions) == 0 {
		return nil, report, NewPipelineError(KindDataQuality, "map answers", fmt.Errorf("guide has no questions: %w", ErrDataQuality))
	}
	progress := func(p int) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	if strings.TrimSpace(submissionText) == "" {
		report.Tier = TierEmpty
		progress(100)
		return completeMapping(questions, nil), report, nil
	}

	chunks := ChunkAnswers(submissionText)
	report.Chunks = len(chunks)
	userPrompt := buildMappingPrompt(questions, chunks)
	valid := questionSet(questions)
	source := newSourceText(submissionText)

	var responses []string
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, report, NewPipelineError(KindCancelled, "map answers", err)
		}
		report.Attempts = attempt

		var raw string
		err := m.resilience.Do(ctx, OpMapping, func(callCtx context.Context) error {
			out, err := m.llm.Complete(callCtx, mappingSystemPrompt, userPrompt, 0)
			if err != nil {
				return err
			}
			raw = out
			return nil
		})
		if err != nil {
			return nil, report, err
		}
		responses = append(responses, raw)
		progress(attempt * 90 / m.maxAttempts)

		found, tier, ok := parseMappingResponse(raw, valid, source)
		if ok {
			report.Tier = tier
			report.Matched = len(found)
			progress(100)
			m.log.Info("mapped answers", "tier", tier, "matched", len(found), "questions", len(questions), "attempts", attempt)
			return completeMapping(questions, found), report, nil
		}

		m.log.Warn("mapping output unusable",
			"attempt", attempt,
			"max_attempts", m.maxAttempts,
			"response", utils.Truncate(raw, 200),
		)
	}

	for i := len(responses) - 1; i >= 0; i-- {
		if found := assignByOrder(responses[i], questions, source); len(found) > 0 {
			report.Tier = TierChunked
			report.Matched = len(found)
			progress(100)
			m.log.Warn("mapped answers by generic chunking", "matched", len(found))
			return completeMapping(questions, found), report, nil
		}
	}

	return nil, report, NewPipelineError(KindMalformedOutput, "map answers",
		fmt.Errorf("no usable mapping after %d attempts: %w", report.Attempts, ErrMalformedModelOutput))
}

func buildMappingPrompt(questions []model.GuideQuestion, chunks []AnswerChunk) string {
	var b strings.Builder
	b.WriteString("Questions:\n")
	for _, q := range questions {
		fmt.Fprintf(&b, "Q%d: %s\n", q.Number, q.Text)
	}

	b.WriteString("\nSubmission fragments:\n")
	budget := maxSubmissionChars
	for i, c := range chunks {
		if budget <= 0 {
			break
		}
		text := utils.Truncate(c.Text, budget)
		budget -= len(text)
		if c.Number > 0 {
			fmt.Fprintf(&b, "[%d] (marked Q%d) %s\n", i+1, c.Number, text)
		} else {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, text)
		}
	}
	return b.String()
}

func questionSet(questions []model.GuideQuestion) map[int]bool {
	set := make(map[int]bool, len(questions))
	for _, q := range questions {
		set[q.Number] = true
	}
	return set
}

// questionRef accepts 3, 3.0, "3" and "Q3".
type questionRef int

var digitsPattern = regexp.MustCompile(`\d+`)

func (q *questionRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		d := digitsPattern.FindString(s)
		if d == "" {
			*q = 0
			return nil
		}
		n, err := strconv.Atoi(d)
		*q = questionRef(n)
		return err
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*q = questionRef(int(f))
	return nil
}

type mappingItem struct {
	Question   questionRef `json:"question"`
	Answer     string      `json:"answer"`
	Confidence *float64    `json:"confidence"`
}

// parseMappingResponse tries the structured tiers then pattern extraction.
// A well-formed empty array is usable: the student answered nothing.
func parseMappingResponse(raw string, valid map[int]bool, source *sourceText) (map[int]MappedAnswer, MappingTier, bool) {
	usable := func(items []mappingItem) (map[int]MappedAnswer, bool) {
		found := collectItems(items, valid)
		return found, len(found) > 0 || len(items) == 0
	}

	var items []mappingItem
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &items); err == nil {
		if found, ok := usable(items); ok {
			return found, TierStructured, true
		}
	}

	if span, err := utils.ExtractJSONArray(raw); err == nil {
		items = nil
		if err := json.Unmarshal([]byte(span), &items); err == nil {
			if found, ok := usable(items); ok {
				return found, TierArraySpan, true
			}
		}
	}

	if obj, err := utils.ExtractJSON(raw); err == nil {
		var wrapped struct {
			Answers  []mappingItem `json:"answers"`
			Mappings []mappingItem `json:"mappings"`
		}
		if err := json.Unmarshal([]byte(obj), &wrapped); err == nil {
			all := append(wrapped.Answers, wrapped.Mappings...)
			if found := collectItems(all, valid); len(found) > 0 {
				return found, TierArraySpan, true
			}
		}
	}

	if found := extractByPattern(raw, valid, source); len(found) > 0 {
		return found, TierPattern, true
	}
	return nil, "", false
}

func collectItems(items []mappingItem, valid map[int]bool) map[int]MappedAnswer {
	found := make(map[int]MappedAnswer)
	for _, it := range items {
		n := int(it.Question)
		if !valid[n] {
			continue
		}
		conf := missingConfidenceSeed
		if it.Confidence != nil {
			conf = clampFloat(*it.Confidence, 0, 1)
		}
		answer := strings.TrimSpace(it.Answer)
		if answer == "" {
			conf = 0
		}
		if prev, ok := found[n]; ok && prev.Confidence >= conf {
			continue
		}
		found[n] = MappedAnswer{QuestionNumber: n, AnswerText: answer, Confidence: conf}
	}
	return found
}

// extractByPattern reads "Q1: ..." style blocks out of a prose response.
// Blocks whose text is not in the submission are dropped.
func extractByPattern(raw string, valid map[int]bool, source *sourceText) map[int]MappedAnswer {
	found := make(map[int]MappedAnswer)
	for _, c := range ChunkAnswers(raw) {
		if !valid[c.Number] {
			continue
		}
		text := stripAnswerLabel(stripEchoedQuestions(c.Text))
		if !looksLikeAnswer(text) || !source.contains(text) {
			continue
		}
		if _, ok := found[c.Number]; ok {
			continue
		}
		found[c.Number] = MappedAnswer{QuestionNumber: c.Number, AnswerText: text, Confidence: patternConfidence}
	}
	return found
}

var answerLabelPattern = regexp.MustCompile(`(?i)^(?:student'?s?\s+)?answer\s*[:\-]\s*`)

func stripAnswerLabel(s string) string {
	return strings.TrimSpace(answerLabelPattern.ReplaceAllString(s, ""))
}

// assignByOrder splits a response into paragraphs and maps them to
// questions in guide order. It only succeeds when the paragraph count
// equals the question count and every paragraph comes from the submission.
func assignByOrder(raw string, questions []model.GuideQuestion, source *sourceText) map[int]MappedAnswer {
	var usable []string
	for _, c := range chunkParagraphs(raw) {
		if !looksLikeAnswer(c.Text) {
			continue
		}
		if !source.contains(c.Text) {
			return nil
		}
		usable = append(usable, c.Text)
	}
	if len(usable) != len(questions) {
		return nil
	}

	found := make(map[int]MappedAnswer, len(questions))
	for i, q := range questions {
		found[q.Number] = MappedAnswer{QuestionNumber: q.Number, AnswerText: usable[i], Confidence: chunkedConfidence}
	}
	return found
}

// sourceText answers whether a model-quoted fragment was taken from
// the student's text.
type sourceText struct {
	normalized string
	words      map[string]bool
}

func newSourceText(text string) *sourceText {
	words := make(map[string]bool)
	for _, w := range wordsOf(text) {
		words[w] = true
	}
	return &sourceText{normalized: NormalizeText(text), words: words}
}

// contains accepts a fragment that is a normalized substring of the
// submission, or whose words mostly occur in it.
func (s *sourceText) contains(fragment string) bool {
	norm := NormalizeText(fragment)
	if norm == "" {
		return false
	}
	if strings.Contains(s.normalized, norm) {
		return true
	}
	words := wordsOf(fragment)
	if len(words) == 0 {
		return false
	}
	hits := 0
	for _, w := range words {
		if s.words[w] {
			hits++
		}
	}
	return float64(hits)/float64(len(words)) >= minGroundedOverlap
}

func wordsOf(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !isLetterOrDigit(r) })
}

// completeMapping emits one answer per question in guide order.
func completeMapping(questions []model.GuideQuestion, found map[int]MappedAnswer) []MappedAnswer {
	out := make([]MappedAnswer, 0, len(questions))
	for _, q := range questions {
		if a, ok := found[q.Number]; ok {
			out = append(out, a)
			continue
		}
		out = append(out, MappedAnswer{QuestionNumber: q.Number})
	}
	return out
}

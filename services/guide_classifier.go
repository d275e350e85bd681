package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils"
	"github.com/sahilchouksey/go-exam-grader/utils/cache"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"golang.org/x/sync/singleflight"
)

// GuideClassification is the structural category of a marking guide
type GuideClassification struct {
	Type       model.GuideType `json:"type"`
	Confidence float64         `json:"confidence"`
}

// classifierSampleChars bounds how much of the guide goes into the prompt.
const classifierSampleChars = 6000

const classifierSystemPrompt = `You classify exam marking guides by structure.
Answer with a single JSON object and nothing else:
{"type": "<structured_qa|rubric|mcq_key|essay_prompts|mixed|unknown>", "confidence": <0..1>}

structured_qa: numbered questions each with a model answer and marks
rubric: criteria and performance levels rather than fixed answers
mcq_key: an answer key of option letters
essay_prompts: open essay questions with marking notes
mixed: more than one of the above
unknown: none of the above`

// GuideClassifier assigns a GuideType to a guide's text. Results are cached
// by content hash and identical concurrent requests share one model call.
type GuideClassifier struct {
	llm        LanguageModel
	cache      cache.Cache
	resilience *Resilience
	ttl        time.Duration
	group      singleflight.Group
	log        *logger.Logger
}

func NewGuideClassifier(llm LanguageModel, c cache.Cache, resilience *Resilience, ttl time.Duration, log *logger.Logger) *GuideClassifier {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &GuideClassifier{
		llm:        llm,
		cache:      c,
		resilience: resilience,
		ttl:        ttl,
		log:        logger.OrNop(log).Named("classifier"),
	}
}

func classifierCacheKey(contentHash string) string {
	return "classify:" + contentHash
}

// Classify returns the guide type for text, calling the model at most once
// per normalized content while the cache entry lives.
func (c *GuideClassifier) Classify(ctx context.Context, guideText string) (GuideClassification, error) {
	key := classifierCacheKey(HashText(guideText))

	if cached, ok := c.lookup(ctx, key); ok {
		return cached, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// a caller that lost the race may arrive after the winner stored the result
		if cached, ok := c.lookup(ctx, key); ok {
			return cached, nil
		}

		result, parsed, err := c.classify(ctx, guideText)
		if err != nil {
			return GuideClassification{}, err
		}
		// a fallback is not the model's answer; the next upload asks again
		if !parsed {
			return result, nil
		}
		if err := c.cache.SetJSON(ctx, key, result, c.ttl); err != nil {
			c.log.Warn("failed to cache classification", "error", err.Error())
		}
		return result, nil
	})
	if err != nil {
		return GuideClassification{}, err
	}
	if shared {
		c.log.Debug("classification shared with concurrent caller", "key", key)
	}
	return v.(GuideClassification), nil
}

func (c *GuideClassifier) lookup(ctx context.Context, key string) (GuideClassification, bool) {
	var cached GuideClassification
	if err := c.cache.GetJSON(ctx, key, &cached); err != nil {
		return GuideClassification{}, false
	}
	return cached, cached.Type != ""
}

// classify reports parsed=false when the reply was unusable and the result
// is the unknown fallback.
func (c *GuideClassifier) classify(ctx context.Context, guideText string) (GuideClassification, bool, error) {
	userPrompt := fmt.Sprintf("Marking guide:\n\n%s", utils.Truncate(guideText, classifierSampleChars))

	var raw string
	err := c.resilience.Do(ctx, OpClassification, func(callCtx context.Context) error {
		out, err := c.llm.Complete(callCtx, classifierSystemPrompt, userPrompt, 0)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return GuideClassification{}, false, err
	}

	var parsed struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	}
	if err := utils.ExtractJSONTo(raw, &parsed); err != nil {
		c.log.Warn("unparseable classification, using unknown", "response", utils.Truncate(raw, 200))
		return GuideClassification{Type: model.GuideTypeUnknown}, false, nil
	}

	result := GuideClassification{
		Type:       model.GuideType(strings.ToLower(strings.TrimSpace(parsed.Type))),
		Confidence: clampFloat(parsed.Confidence, 0, 1),
	}
	if !model.ValidGuideType(result.Type) {
		c.log.Warn("model returned unknown guide type", "type", parsed.Type)
		return GuideClassification{Type: model.GuideTypeUnknown}, false, nil
	}

	c.log.Info("classified guide", "type", result.Type, "confidence", result.Confidence)
	return result, true, nil
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuideClassifierParsesModelReply(t *testing.T) {
	llm := staticLLM(`Here you go: {"type": "Rubric", "confidence": 1.7}`)
	classifier := NewGuideClassifier(llm, cache.NewMemoryCache(16), fastResilience(), time.Hour, nil)

	got, err := classifier.Classify(context.Background(), "Criterion A: excellent / good / poor")
	require.NoError(t, err)
	assert.Equal(t, model.GuideTypeRubric, got.Type)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestGuideClassifierUnknownOnBadReply(t *testing.T) {
	tests := map[string]string{
		"not json":     "this looks like a rubric",
		"invalid type": `{"type": "poetry", "confidence": 0.9}`,
	}
	for name, reply := range tests {
		t.Run(name, func(t *testing.T) {
			llm := staticLLM(reply)
			classifier := NewGuideClassifier(llm, cache.NewMemoryCache(16), fastResilience(), time.Hour, nil)
			got, err := classifier.Classify(context.Background(), "guide text")
			require.NoError(t, err)
			assert.Equal(t, model.GuideTypeUnknown, got.Type)

			// the fallback is not cached, so the next lookup asks again
			_, err = classifier.Classify(context.Background(), "guide text")
			require.NoError(t, err)
			assert.Equal(t, 2, llm.Calls())
		})
	}
}

func TestGuideClassifierRetriesAfterFallback(t *testing.T) {
	llm := &fakeLLM{respond: func(call int, _, _ string) (string, error) {
		if call == 1 {
			return "this looks like a rubric", nil
		}
		return `{"type": "rubric", "confidence": 0.7}`, nil
	}}
	classifier := NewGuideClassifier(llm, cache.NewMemoryCache(16), fastResilience(), time.Hour, nil)
	ctx := context.Background()

	first, err := classifier.Classify(ctx, "Criterion A: excellent / good / poor")
	require.NoError(t, err)
	assert.Equal(t, model.GuideTypeUnknown, first.Type)

	second, err := classifier.Classify(ctx, "Criterion A: excellent / good / poor")
	require.NoError(t, err)
	assert.Equal(t, model.GuideTypeRubric, second.Type)

	third, err := classifier.Classify(ctx, "Criterion A: excellent / good / poor")
	require.NoError(t, err)
	assert.Equal(t, model.GuideTypeRubric, third.Type)
	assert.Equal(t, 2, llm.Calls())
}

func TestGuideClassifierCachesByNormalizedContent(t *testing.T) {
	llm := staticLLM(`{"type": "structured_qa", "confidence": 0.8}`)
	classifier := NewGuideClassifier(llm, cache.NewMemoryCache(16), fastResilience(), time.Hour, nil)
	ctx := context.Background()

	_, err := classifier.Classify(ctx, "Q1 Define inertia (2 marks)")
	require.NoError(t, err)
	got, err := classifier.Classify(ctx, "  q1   define INERTIA (2 marks)\n")
	require.NoError(t, err)

	assert.Equal(t, model.GuideTypeStructuredQA, got.Type)
	assert.Equal(t, 1, llm.Calls())
}

func TestGuideClassifierConcurrentCallersShareOneCall(t *testing.T) {
	release := make(chan struct{})
	llm := &fakeLLM{respond: func(int, string, string) (string, error) {
		<-release
		return `{"type": "mcq_key", "confidence": 0.95}`, nil
	}}
	classifier := NewGuideClassifier(llm, cache.NewMemoryCache(16), fastResilience(), time.Hour, nil)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]GuideClassification, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = classifier.Classify(context.Background(), "1. B\n2. D\n3. A")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, model.GuideTypeMCQKey, results[i].Type)
	}
	assert.Equal(t, 1, llm.Calls())
}

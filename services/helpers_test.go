package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sahilchouksey/go-exam-grader/model"
)

// fastResilience retries quickly so tests never sleep for long.
func fastResilience() *Resilience {
	return NewResilience(ResilienceConfig{
		ModelCallTimeout:      2 * time.Second,
		ExtractionCallTimeout: 2 * time.Second,
		MaxAttempts:           3,
		InitialBackoff:        time.Millisecond,
		MaxBackoff:            5 * time.Millisecond,
		BreakerFailures:       3,
		BreakerCooldown:       time.Hour,
	}, nil)
}

// fakeLLM answers every call through respond and counts calls.
type fakeLLM struct {
	mu      sync.Mutex
	respond func(call int, system, user string) (string, error)
	calls   int
	prompts []string
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.prompts = append(f.prompts, userPrompt)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.respond(call, systemPrompt, userPrompt)
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// staticLLM always returns the same reply.
func staticLLM(reply string) *fakeLLM {
	return &fakeLLM{respond: func(int, string, string) (string, error) { return reply, nil }}
}

// fakeBackend returns text for every extraction call and records what it
// was sent.
type fakeBackend struct {
	text  string
	err   error
	calls atomic.Int32

	mu      sync.Mutex
	formats []model.DocumentFormat
	inputs  [][]byte
}

func (b *fakeBackend) Extract(ctx context.Context, data []byte, format model.DocumentFormat) (string, error) {
	b.calls.Add(1)
	b.mu.Lock()
	b.formats = append(b.formats, format)
	b.inputs = append(b.inputs, data)
	b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	if b.text != "" {
		return b.text, nil
	}
	return string(data), nil
}

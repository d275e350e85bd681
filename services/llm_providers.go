package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/sahilchouksey/go-exam-grader/services/digitalocean"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// LanguageModel is the single call shape every pipeline stage uses.
type LanguageModel interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error)
}

// Supported LLM_PROVIDER values
const (
	ProviderDigitalOcean = "digitalocean"
	ProviderOpenAI       = "openai"
	ProviderAnthropic    = "anthropic"
	ProviderOllama       = "ollama"
	ProviderVertex       = "vertex"
)

// ModelConfig selects and configures one language model backend
type ModelConfig struct {
	Provider        string
	Model           string
	APIKey          string
	BaseURL         string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OllamaHost      string
	GCPProject      string
	GCPRegion       string
}

// LangchainModel adapts a langchaingo model to LanguageModel.
type LangchainModel struct {
	llm       llms.Model
	modelName string
}

func NewLangchainModel(cfg ModelConfig) (*LangchainModel, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case ProviderOpenAI:
		token := firstNonEmpty(cfg.OpenAIAPIKey, cfg.APIKey)
		if token == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		opts := []openai.Option{openai.WithToken(token), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case ProviderAnthropic:
		token := firstNonEmpty(cfg.AnthropicAPIKey, cfg.APIKey)
		if token == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(token),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported langchain provider: %s", cfg.Provider)
	}

	return &LangchainModel{llm: model, modelName: cfg.Provider + ":" + cfg.Model}, nil
}

func (m *LangchainModel) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	response, err := m.llm.GenerateContent(ctx, messages, llms.WithTemperature(temperature))
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", m.modelName, err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("%s: no response choices", m.modelName)
	}
	return response.Choices[0].Content, nil
}

func (m *LangchainModel) Name() string { return m.modelName }

// VertexModel calls Gemini through Vertex AI.
type VertexModel struct {
	client    *genai.Client
	modelName string
}

func NewVertexModel(ctx context.Context, projectID, region, modelName string) (*VertexModel, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("vertex: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &VertexModel{client: client, modelName: modelName}, nil
}

func (m *VertexModel) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	model := m.client.GenerativeModel(m.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	model.GenerationConfig.Temperature = genai.Ptr(float32(temperature))

	resp, err := model.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("vertex generate: %w", err)
	}

	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		break
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("vertex: empty response")
	}
	return b.String(), nil
}

func (m *VertexModel) Name() string { return "vertex:" + m.modelName }

func (m *VertexModel) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// FallbackModel sends a call to Secondary when Primary fails for a reason
// tied to the primary service (outage, quota, credentials).
type FallbackModel struct {
	Primary   LanguageModel
	Secondary LanguageModel
	log       *logger.Logger
}

func NewFallbackModel(primary, secondary LanguageModel, log *logger.Logger) *FallbackModel {
	return &FallbackModel{Primary: primary, Secondary: secondary, log: logger.OrNop(log).Named("llm_fallback")}
}

func (f *FallbackModel) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	out, err := f.Primary.Complete(ctx, systemPrompt, userPrompt, temperature)
	if err == nil || f.Secondary == nil || ctx.Err() != nil {
		return out, err
	}

	switch KindOf(err) {
	case KindTransient, KindQuotaExhausted, KindAuthentication, KindServiceUnavailable:
		f.log.Warn("primary model failed, using fallback", "error", err.Error())
		out, fbErr := f.Secondary.Complete(ctx, systemPrompt, userPrompt, temperature)
		if fbErr != nil {
			return "", errors.Join(err, fbErr)
		}
		return out, nil
	}
	return "", err
}

// Close releases both wrapped models when they hold clients.
func (f *FallbackModel) Close() error {
	var errs []error
	for _, m := range []LanguageModel{f.Primary, f.Secondary} {
		if c, ok := m.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// NewLanguageModel builds the backend named by cfg.Provider.
func NewLanguageModel(ctx context.Context, cfg ModelConfig) (LanguageModel, error) {
	switch cfg.Provider {
	case "", ProviderDigitalOcean:
		return digitalocean.NewInferenceClient(digitalocean.InferenceConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		}), nil
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
		return NewLangchainModel(cfg)
	case ProviderVertex:
		return NewVertexModel(ctx, cfg.GCPProject, cfg.GCPRegion, cfg.Model)
	}
	return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
}

// BuildLanguageModel wires the primary backend and, when a fallback
// provider is configured, wraps both in a FallbackModel.
func BuildLanguageModel(ctx context.Context, primary ModelConfig, fallbackProvider, fallbackModel string, log *logger.Logger) (LanguageModel, error) {
	model, err := NewLanguageModel(ctx, primary)
	if err != nil {
		return nil, err
	}
	if fallbackProvider == "" || fallbackProvider == primary.Provider {
		return model, nil
	}

	secondaryCfg := primary
	secondaryCfg.Provider = fallbackProvider
	secondaryCfg.Model = fallbackModel
	secondaryCfg.BaseURL = ""
	secondary, err := NewLanguageModel(ctx, secondaryCfg)
	if err != nil {
		return nil, fmt.Errorf("fallback model: %w", err)
	}
	return NewFallbackModel(model, secondary, log), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

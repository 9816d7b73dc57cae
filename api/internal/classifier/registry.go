package classifier

import (
	"context"
	"fmt"

	"tutor-gate/api/internal/config"
)

// FromConfig builds the classifier selected by CLASSIFIER_PROVIDER.
func FromConfig(ctx context.Context, cfg *config.Config) (Classifier, error) {
	prompts, err := LoadPrompts(cfg.PromptDir, cfg.ClassifierProvider, cfg.ServiceDomain)
	if err != nil {
		return nil, err
	}
	switch cfg.ClassifierProvider {
	case "gemini":
		return NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiSafetyModel, cfg.GeminiRelevanceModel, prompts)
	case "openai":
		return NewOpenAI(OpenAIOptions{
			Name:           "openai",
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			SafetyModel:    cfg.OpenAISafetyModel,
			RelevanceModel: cfg.OpenAIRelevanceModel,
			Vision:         true,
			Prompts:        prompts,
		})
	case "groq":
		// groq moderation models are text-only
		return NewOpenAI(OpenAIOptions{
			Name:           "groq",
			APIKey:         cfg.GroqAPIKey,
			BaseURL:        GroqBaseURL,
			SafetyModel:    cfg.GroqSafetyModel,
			RelevanceModel: cfg.GroqRelevanceModel,
			Prompts:        prompts,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.ClassifierProvider)
	}
}

package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"tutor-gate/api/internal/util"
	"tutor-gate/api/internal/verdict"
)

// Gemini classifies through the Gemini API. One client is shared by both stages.
type Gemini struct {
	cl             *genai.Client
	safetyModel    string
	relevanceModel string
	prompts        Prompts
}

func NewGemini(ctx context.Context, apiKey, safetyModel, relevanceModel string, prompts Prompts) (*Gemini, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{
		cl:             cl,
		safetyModel:    strings.TrimSpace(safetyModel),
		relevanceModel: strings.TrimSpace(relevanceModel),
		prompts:        prompts,
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Close() error { return g.cl.Close() }

func (g *Gemini) model(stage verdict.Stage) string {
	if stage == verdict.StageRelevance {
		return g.relevanceModel
	}
	return g.safetyModel
}

func (g *Gemini) Classify(ctx context.Context, in Input) (Result, error) {
	text, err := g.prompts.Render(in)
	if err != nil {
		return Result{}, err
	}
	name := g.model(in.Stage)

	m := g.cl.GenerativeModel(name)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:     ptrFloat32(0),
		MaxOutputTokens: ptrInt32(10),
	}

	parts := []genai.Part{genai.Text(text)}
	if len(in.Image) > 0 {
		parts = append(parts, genai.Blob{MIMEType: util.PickMIME(in.MIME, "", in.Image), Data: in.Image})
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		// The provider's own safety filter refusing the content is a verdict, not an outage.
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return Result{Allowed: false, Label: "PROVIDER_BLOCKED", Confidence: 0.9, Model: name, Raw: blocked.Error()}, nil
		}
		return Result{}, fmt.Errorf("gemini %s: %w", in.Stage, err)
	}

	txt := firstText(resp)
	if txt == "" {
		return Result{}, fmt.Errorf("gemini %s: %w", in.Stage, ErrEmptyResponse)
	}
	res, err := ParseVerdict(in.Stage, txt)
	if err != nil {
		return Result{}, fmt.Errorf("gemini %s: %w", in.Stage, err)
	}
	res.Model = name
	if resp.UsageMetadata != nil {
		res.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return res, nil
}

// Ping fetches model metadata; it costs no tokens.
func (g *Gemini) Ping(ctx context.Context) error {
	if _, err := g.cl.GenerativeModel(g.safetyModel).Info(ctx); err != nil {
		return fmt.Errorf("gemini ping: %w", err)
	}
	return nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }

func ptrInt32(v int32) *int32 { return &v }

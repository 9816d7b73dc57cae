package tutor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"tutor-gate/api/internal/util"
)

var ErrEmptyAnswer = errors.New("tutor: empty answer")

const defaultSystemPrompt = `You are an expert Mahjong tutor specializing in American Mahjong and the National Mah Jongg League (NMJL) card.
Help players improve: analyse hands and tile photos, recommend which hands to pursue and when to switch,
explain Charleston passing, calling and defensive play, and the risk/reward of exposed versus concealed hands.
Use clear notation (F=Flower, D=Dragon, N/E/W/S=Winds), give concrete tile examples, explain why a move is
better, and adapt to the player's level. Stay on Mahjong; politely decline anything else.`

// Answer is passed to the client unchanged.
type Answer struct {
	Response   string `json:"response"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

// Responder is the expensive model call the gateway protects.
type Responder interface {
	Respond(ctx context.Context, message string, image []byte, mime string) (Answer, error)
}

type Gemini struct {
	cl     *genai.Client
	model  string
	system string
}

// NewGemini builds the tutor. The system prompt is PROMPT_DIR/gemini/tutor.txt (or PROMPT_DIR/tutor.txt);
// PROMPT_DIR/card.txt, when present, is appended as reference material.
func NewGemini(ctx context.Context, apiKey, model, promptDir string) (*Gemini, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	system, err := util.LoadPrompt(promptDir, "gemini", "tutor", defaultSystemPrompt)
	if err != nil {
		return nil, err
	}
	if promptDir != "" {
		card, err := os.ReadFile(filepath.Join(promptDir, "card.txt"))
		switch {
		case err == nil:
			system += "\n\nCard reference:\n" + strings.TrimSpace(string(card))
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read card: %w", err)
		}
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{cl: cl, model: strings.TrimSpace(model), system: system}, nil
}

func (g *Gemini) Close() error { return g.cl.Close() }

func (g *Gemini) Respond(ctx context.Context, message string, image []byte, mime string) (Answer, error) {
	m := g.cl.GenerativeModel(g.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:     ptrFloat32(0.7),
		MaxOutputTokens: ptrInt32(1000),
	}
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(g.system)}}

	text := strings.TrimSpace(message)
	if text == "" {
		text = "Please analyse the tiles in this photo."
	}
	parts := []genai.Part{genai.Text(text)}
	if len(image) > 0 {
		parts = append(parts, genai.Blob{MIMEType: util.PickMIME(mime, "", image), Data: image})
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return Answer{}, fmt.Errorf("gemini tutor: %w", err)
	}
	var b strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, p := range resp.Candidates[0].Content.Parts {
			if t, ok := p.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return Answer{}, ErrEmptyAnswer
	}
	a := Answer{Response: out, Model: g.model}
	if resp.UsageMetadata != nil {
		a.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return a, nil
}

// Static answers every request the same way; for tests and dry runs.
type Static struct {
	Answer Answer
	Err    error
}

func (s Static) Respond(ctx context.Context, _ string, _ []byte, _ string) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}
	return s.Answer, s.Err
}

func ptrFloat32(v float32) *float32 { return &v }

func ptrInt32(v int32) *int32 { return &v }

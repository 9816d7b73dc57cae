package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"tutor-gate/api/internal/util"
	"tutor-gate/api/internal/verdict"
)

const (
	OpenAIBaseURL = "https://api.openai.com/v1"
	GroqBaseURL   = "https://api.groq.com/openai/v1"
)

// OpenAI speaks the chat/completions protocol; Groq and other compatible hosts differ only by base URL.
type OpenAI struct {
	name           string
	apiKey         string
	baseURL        string
	safetyModel    string
	relevanceModel string
	// vision: send attached images along with the text
	vision  bool
	prompts Prompts
	httpc   *http.Client
}

type OpenAIOptions struct {
	Name           string
	APIKey         string
	BaseURL        string
	SafetyModel    string
	RelevanceModel string
	Vision         bool
	Prompts        Prompts
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%s: API key is empty", opts.Name)
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = OpenAIBaseURL
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
	}
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAI{
		name:           name,
		apiKey:         strings.TrimSpace(opts.APIKey),
		baseURL:        base,
		safetyModel:    opts.SafetyModel,
		relevanceModel: opts.RelevanceModel,
		vision:         opts.Vision,
		prompts:        opts.Prompts,
		// per-call deadlines come from the context
		httpc: &http.Client{Transport: tr},
	}, nil
}

// WithHTTPClient overrides the internal HTTP client (tests, tracing).
func (o *OpenAI) WithHTTPClient(c *http.Client) *OpenAI {
	if c != nil {
		o.httpc = c
	}
	return o
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Classify(ctx context.Context, in Input) (Result, error) {
	text, err := o.prompts.Render(in)
	if err != nil {
		return Result{}, err
	}
	model := o.safetyModel
	if in.Stage == verdict.StageRelevance {
		model = o.relevanceModel
	}

	var content any = text
	if o.vision && len(in.Image) > 0 {
		mime := util.PickMIME(in.MIME, "", in.Image)
		dataURL := util.MakeDataURL(mime, base64.StdEncoding.EncodeToString(in.Image))
		content = []any{
			map[string]any{"type": "text", "text": text},
			map[string]any{"type": "image_url", "image_url": map[string]any{"url": dataURL, "detail": "low"}},
		}
	}
	body := map[string]any{
		"model": model,
		"messages": []any{
			map[string]any{"role": "user", "content": content},
		},
		"temperature": 0,
		"max_tokens":  10,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", o.name, in.Stage, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		x, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, &StatusError{Provider: o.name, Code: resp.StatusCode, Body: strings.TrimSpace(string(x))}
	}

	var raw struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Result{}, fmt.Errorf("%s %s: decode: %w", o.name, in.Stage, err)
	}
	if len(raw.Choices) == 0 {
		return Result{}, fmt.Errorf("%s %s: %w", o.name, in.Stage, ErrEmptyResponse)
	}
	res, err := ParseVerdict(in.Stage, raw.Choices[0].Message.Content)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", o.name, in.Stage, err)
	}
	res.Model = model
	if raw.Usage != nil {
		res.TokensUsed = raw.Usage.TotalTokens
	}
	return res, nil
}

// Ping lists models, which checks reachability and the key without spending tokens.
func (o *OpenAI) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s ping: %w", o.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Provider: o.name, Code: resp.StatusCode}
	}
	return nil
}

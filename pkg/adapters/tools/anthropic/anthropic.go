// Package anthropic provides the llm_complete tool backed by the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/aescanero/dagrun/pkg/adapters/tools"
)

// ToolName is the registry name of the completion tool
const ToolName = "llm_complete"

// Config holds Anthropic client configuration
type Config struct {
	APIKey           string
	BaseURL          string
	DefaultModel     string
	DefaultMaxTokens int64
	RequestTimeout   time.Duration
	RateLimit        float64
	RateBurst        int
}

// Params are the tool's JSON parameters
type Params struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int64  `json:"max_tokens,omitempty"`
}

// Output is the tool's JSON result
type Output struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Tool calls the Messages API
type Tool struct {
	client anthropic.Client
	cfg    Config
	logger *zap.Logger
}

// New creates the completion tool
func New(cfg Config, logger *zap.Logger) (*Tool, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries belong to the step's retry policy
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}

	return &Tool{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Register adds the tool to r under ToolName
func (t *Tool) Register(r *tools.Registry) error {
	return r.Register(ToolName, t.Invoke, tools.WithRateLimit(t.cfg.RateLimit, t.cfg.RateBurst))
}

// Invoke implements tools.ToolFunc
func (t *Tool) Invoke(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid %s parameters: %w", ToolName, err)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, fmt.Errorf("%s requires a prompt", ToolName)
	}

	model := p.Model
	if model == "" {
		model = t.cfg.DefaultModel
	}
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = t.cfg.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.Prompt)),
		},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	start := time.Now()
	msg, err := t.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	t.logger.Debug("llm completion finished",
		zap.String("model", string(msg.Model)),
		zap.String("stop_reason", string(msg.StopReason)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.Duration("latency", time.Since(start)))

	return json.Marshal(Output{
		Text:         text.String(),
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	})
}

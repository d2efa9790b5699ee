package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/roach88/smartaudit/internal/detector"
)

// Mode tags a synthesis outcome.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
	ModeError    Mode = "error"
)

// Defaults.
const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 2 * time.Minute
	MaxTokens      = 900

	maxSourceChars   = 120_000
	maxFindingsChars = 4_000
)

const systemPrompt = "You are a helpful and rigorous smart contract auditor."

// Result is one synthesis outcome.
type Result struct {
	Mode         Mode     `json:"mode"`
	Model        string   `json:"model,omitempty"`
	Output       string   `json:"output,omitempty"`
	Observations []string `json:"observations"`
	Err          string   `json:"error,omitempty"`
}

// Synthesizer produces a synthesis for source and its findings.
type Synthesizer interface {
	Synthesize(ctx context.Context, source string, findings []detector.Finding) Result
}

// Config holds the chat client settings. An empty APIKey selects degraded
// mode.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	Organization string
	Timeout      time.Duration
}

// Client is the OpenAI-backed Synthesizer.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Synthesizer = (*Client)(nil)

// New creates a Client. logger may be nil.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		model:   strings.TrimSpace(cfg.Model),
		timeout: cfg.Timeout,
		logger:  logger,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		oc := openai.DefaultConfig(key)
		if cfg.BaseURL != "" {
			oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		if cfg.Organization != "" {
			oc.OrgID = cfg.Organization
		}
		c.api = openai.NewClientWithConfig(oc)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Synthesize asks the model to review source against findings.
func (c *Client) Synthesize(ctx context.Context, source string, findings []detector.Finding) Result {
	if c.api == nil {
		return Result{
			Mode:         ModeDegraded,
			Observations: []string{"Degraded mode: no LLM key, returning static analysis only."},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(source, findings)},
		},
	}
	// gpt-5 models reject max_tokens and any temperature but 1.
	if strings.HasPrefix(c.model, "gpt-5") {
		req.MaxCompletionTokens = MaxTokens
		req.Temperature = 1
	} else {
		req.MaxTokens = MaxTokens
		req.Temperature = 0.2
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		c.logger.Warn("synthesis call failed", "model", c.model, "error", err)
		return Result{
			Mode:  ModeError,
			Model: c.model,
			Err:   err.Error(),
			Observations: []string{
				"LLM error: " + describeError(err),
				"Falling back to static analysis only.",
			},
		}
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	c.logger.Debug("synthesis done",
		"model", c.model, "duration", time.Since(start), "tokens", resp.Usage.TotalTokens)
	return Result{
		Mode:         ModeNormal,
		Model:        c.model,
		Output:       content,
		Observations: []string{"LLM mode: combined with static analysis."},
	}
}

func describeError(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Sprintf("status %d: %v", reqErr.HTTPStatusCode, reqErr.Err)
	}
	return err.Error()
}

// BuildPrompt renders the review prompt. The source is bounded to 120000
// characters and the rendered findings to 4000.
func BuildPrompt(source string, findings []detector.Finding) string {
	rendered := RenderFindings(findings)
	lines := []string{
		"You are a senior smart contract auditor.",
		"Task:",
		"1) Review the Solidity source and Slither findings.",
		"2) Deduplicate and prioritize REAL vulnerabilities (Critical/High/Medium).",
		"3) For each real finding: explain root cause, risk, remediation, and point the exact location (file:lines).",
		"4) Identify false positives explicitly and give reasons.",
		"5) Add any missed findings not reported by Slither.",
		"6) Output must be concise and actionable.",
		"",
		"Solidity Source:",
		truncate(source, maxSourceChars),
		"",
		"Slither Findings (normalized):",
		truncate(rendered, maxFindingsChars),
	}
	return strings.Join(lines, "\n")
}

// RenderFindings lists findings one per line for the prompt.
func RenderFindings(findings []detector.Finding) string {
	if len(findings) == 0 {
		return "(no slither issues)"
	}
	var b strings.Builder
	for i, f := range findings {
		if i > 0 {
			b.WriteByte('\n')
		}
		title := f.Check
		if title == "" {
			title = fmt.Sprintf("Issue %d", i+1)
		}
		sev := f.Severity
		if sev == "" {
			sev = "info"
		}
		locs := make([]string, 0, len(f.Locations))
		for _, l := range f.Locations {
			locs = append(locs, fmt.Sprintf("%s:%v", l.Filename, l.Lines))
		}
		fmt.Fprintf(&b, "- [%s] %s: %s (%s)", sev, title, f.Description, strings.Join(locs, "; "))
	}
	return b.String()
}

// truncate bounds s to n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

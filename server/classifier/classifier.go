// Package classifier asks a language model to categorize free-text report
// descriptions. The grid works fine without it; an unconfigured or failing
// classifier falls back to a neutral classification and never blocks
// ingestion or submission.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/pluginapi"
	openai "github.com/sashabaranov/go-openai"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
)

const (
	classifyTimeout = 15 * time.Second

	systemPrompt = `You categorize community reports of enforcement activity.
Respond with a single JSON object and nothing else:
{"category": one of ["Checkpoint","Workplace Raid","Residential Visit","Street Operation","Public Transport","Other Activity"],
 "severity": one of ["low","medium","high"],
 "summary": a one-sentence neutral summary of the report}`
)

// Result is a model-produced classification of one report description.
type Result struct {
	Category report.Type     `json:"category"`
	Severity report.Severity `json:"severity"`
	Summary  string          `json:"summary"`
}

// ChatCompleter is the slice of the OpenAI client the classifier needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Classifier wraps a chat-completion model behind a fallback. A nil client
// means classification is not configured.
type Classifier struct {
	client ChatCompleter
	model  string
	logger pluginapi.LogService
}

// New creates a classifier. An empty apiKey yields a disabled classifier
// that always returns the fallback result; an empty model selects the
// default.
func New(apiKey, model string, logger pluginapi.LogService) *Classifier {
	if model == "" {
		model = openai.GPT4oMini
	}
	c := &Classifier{
		model:  model,
		logger: logger,
	}
	if apiKey != "" {
		c.client = openai.NewClient(apiKey)
	}
	return c
}

// NewWithClient creates a classifier around an existing client (useful for
// testing).
func NewWithClient(client ChatCompleter, logger pluginapi.LogService) *Classifier {
	return &Classifier{
		client: client,
		model:  openai.GPT4oMini,
		logger: logger,
	}
}

// Enabled reports whether a model is configured.
func (c *Classifier) Enabled() bool {
	return c.client != nil
}

// Classify categorizes a description. Every failure path returns the
// neutral fallback instead of an error; callers always get a usable result.
func (c *Classifier) Classify(ctx context.Context, description string) Result {
	fallback := Result{
		Category: report.TypeOther,
		Severity: report.SeverityMedium,
	}

	if c.client == nil || strings.TrimSpace(description) == "" {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: description},
		},
		Temperature: 0.1,
	})
	if err != nil {
		c.logger.Warn("Classification request failed, using fallback", "error", err.Error())
		return fallback
	}

	if len(resp.Choices) == 0 {
		c.logger.Warn("Classification response had no choices, using fallback")
		return fallback
	}

	result, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn("Classification response unparseable, using fallback", "error", err.Error())
		return fallback
	}

	return result
}

// parseResult decodes and validates the model's JSON reply. Models
// sometimes wrap JSON in a code fence; strip it before decoding.
func parseResult(content string) (Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var result Result
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return Result{}, fmt.Errorf("failed to parse classification: %w", err)
	}

	if !result.Category.IsValid() {
		return Result{}, fmt.Errorf("unknown category %q", result.Category)
	}
	if !result.Severity.IsValid() {
		return Result{}, fmt.Errorf("unknown severity %q", result.Severity)
	}

	return result, nil
}

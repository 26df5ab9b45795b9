package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse indicates the completion endpoint returned no choices
var ErrEmptyResponse = errors.New("empty completion response")

// MalformedResponseError indicates the completion content could not be parsed
// as JSON, even after fenced-block recovery
type MalformedResponseError struct {
	Content string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed completion response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// Request describes a single JSON-shaped completion call
type Request struct {
	Model  string
	System string
	Prompt string
	// Attachment is sent as a base64 data URI content part when non-nil
	Attachment []byte
	MIMEType   string
	MaxTokens  int
	Timeout    time.Duration
}

// Completer is the completion collaborator the pipeline stages depend on
type Completer interface {
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
}

// Client wraps an OpenAI-compatible chat completions endpoint with JSON
// response enforcement, per-call timeouts and bounded retry
type Client struct {
	client      *openai.Client
	logger      *log.Logger
	maxAttempts uint
}

// completionTemperature is fixed low for deterministic extraction output
const completionTemperature = 0.1

// NewClient creates a completion client. baseURL may be empty to use the
// default OpenAI endpoint.
func NewClient(logger *log.Logger, apiKey, baseURL string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{
		client:      openai.NewClientWithConfig(cfg),
		logger:      logger,
		maxAttempts: 3,
	}
}

// Complete performs one completion call and returns the parsed JSON content.
// Timeouts and transient transport errors are retried with a short delay; a
// response that parses but is malformed is not retried here, callers decide.
func (c *Client) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	messages := []openai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	if req.Attachment != nil {
		dataURI := fmt.Sprintf("data:%s;base64,%s", req.MIMEType, base64.StdEncoding.EncodeToString(req.Attachment))
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: req.Prompt},
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURI},
				},
			},
		})
	} else {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		})
	}

	var content string
	start := time.Now()
	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
				Model:       req.Model,
				Messages:    messages,
				Temperature: completionTemperature,
				MaxTokens:   req.MaxTokens,
				ResponseFormat: &openai.ChatCompletionResponseFormat{
					Type: openai.ChatCompletionResponseFormatTypeJSONObject,
				},
			})
			if err != nil {
				return fmt.Errorf("completion request failed: %w", err)
			}
			if len(resp.Choices) == 0 {
				return ErrEmptyResponse
			}
			content = resp.Choices[0].Message.Content
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.maxAttempts),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying completion request",
				"attempt", n+1,
				"max_attempts", c.maxAttempts,
				"model", req.Model,
				"error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Completion call finished",
		"model", req.Model,
		"content_length", len(content),
		"duration", time.Since(start))

	return DecodeJSON(content)
}

// DecodeJSON parses completion content defensively: a direct parse first,
// then recovery of a fenced ```json block, then a typed failure.
func DecodeJSON(content string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	if fenced, ok := extractFencedBlock(trimmed); ok {
		if json.Valid([]byte(fenced)) {
			return json.RawMessage(fenced), nil
		}
	}

	return nil, &MalformedResponseError{
		Content: content,
		Err:     errors.New("content is not valid JSON"),
	}
}

// extractFencedBlock pulls the body out of the first ``` fenced code block
func extractFencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start == -1 {
		return "", false
	}
	rest := s[start+3:]
	// Skip an optional language tag on the fence line
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "json" || firstLine == "" {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// Clamp01 bounds a confidence value to [0, 1]
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

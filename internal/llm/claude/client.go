// Package claude implements llm.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/warden/internal/llm"
)

const requestTimeout = 120 * time.Second

// Client calls the Anthropic Messages API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a Claude provider for the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		sdk: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithRequestTimeout(requestTimeout),
		),
		model: model,
	}
}

// Model returns the configured model name, used for cache keying.
func (c *Client) Model() string { return c.model }

// Complete sends one completion request. Failures are classified so the
// access layer retries only what is worth retrying.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	content := textContent(msg)
	if content == "" {
		return nil, &llm.ProviderError{
			Transient: false,
			Message:   "response contained no text content",
		}
	}

	return &llm.Response{
		Content: content,
		Model:   string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// textContent concatenates the text blocks of a message.
func textContent(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// classify converts SDK and transport failures into llm.ProviderError.
// Provider throttling (429), request timeout (408), and 5xx are transient;
// any other 4xx is permanent. Transport-level failures carry no status code
// and are treated as transient.
func classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &llm.ProviderError{
			StatusCode: apierr.StatusCode,
			Transient:  transientStatus(apierr.StatusCode),
			Message:    fmt.Sprintf("anthropic api error: status %d", apierr.StatusCode),
			Err:        err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return &llm.ProviderError{
		Transient: true,
		Message:   fmt.Sprintf("transport failure: %v", err),
		Err:       err,
	}
}

func transientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

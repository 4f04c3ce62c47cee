package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const claudeMaxTokens = 4096

// Claude is the single-endpoint hosted backend. A failure is terminal for
// the attempt; the outer job retry policy owns any repetition.
type Claude struct {
	client anthropic.Client
	model  string
}

// NewClaude creates the hosted backend. Extra options are forwarded to the
// SDK client, which lets tests point it at a stub server.
func NewClaude(apiKey, model string, opts ...option.RequestOption) *Claude {
	return &Claude{
		client: anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
		model:  model,
	}
}

func (c *Claude) Name() string { return "claude" }

// Generate issues one structured-generation call and concatenates the text
// blocks of the response.
func (c *Claude) Generate(ctx context.Context, req *Request) (json.RawMessage, *Meta, error) {
	meta := &Meta{Backend: "claude", Model: c.model}

	prompt, err := userPayload(req)
	if err != nil {
		return nil, meta, fmt.Errorf("build prompt: %w", err)
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: claudeMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, meta, fmt.Errorf("claude call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, meta, fmt.Errorf("empty generation response")
	}
	return json.RawMessage(text.String()), meta, nil
}

package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxTitleLen bounds titles in runes.
const maxTitleLen = 60

// Client wraps the Anthropic API for session titling.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model. Extra
// request options are passed through to the SDK.
func NewClient(apiKey, model string, extra ...option.RequestOption) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildTitlePrompt constructs the system and user prompts for titling a
// session from its first task.
func buildTitlePrompt(task string) (system string, user string) {
	system = `You name coding-agent sessions. Given the task a user gave the agent, reply with a short title for the session.

Rules:
- At most 8 words
- Imperative or noun phrase, e.g. "Fix flaky login test"
- No quotes, no trailing punctuation, no markdown
- Reply with the title only`

	user = "Task:\n\n" + task
	return
}

// GenerateTitle asks the model for a session title.
func (c *Client) GenerateTitle(ctx context.Context, task string) (string, error) {
	systemPrompt, userPrompt := buildTitlePrompt(task)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 64,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	title := cleanTitle(text)
	if title == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return title, nil
}

// cleanTitle strips quoting and decoration a model may add and bounds the
// length.
func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(strings.TrimSpace(s), "\"'`*#")
	s = strings.TrimRight(strings.TrimSpace(s), ".!")
	return truncate(s, maxTitleLen)
}

// FallbackTitle derives a title from the first line of the task.
func FallbackTitle(task string) string {
	line := strings.TrimSpace(task)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "Untitled session"
	}
	return truncate(line, maxTitleLen)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	cut := strings.TrimSpace(string(runes[:n-1]))
	return cut + "…"
}

// Titler produces session titles, using the model when an API key is
// configured and the task text otherwise.
type Titler struct {
	client *Client
}

// NewTitler returns a Titler. A nil client always falls back.
func NewTitler(client *Client) *Titler {
	return &Titler{client: client}
}

// Title returns a title for task. It never fails; model errors fall back to
// the task text and are returned alongside for logging.
func (t *Titler) Title(ctx context.Context, task string) (string, error) {
	if t == nil || t.client == nil {
		return FallbackTitle(task), nil
	}
	title, err := t.client.GenerateTitle(ctx, task)
	if err != nil {
		return FallbackTitle(task), err
	}
	return title, nil
}

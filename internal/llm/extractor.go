// Package llm turns page content into best-effort structured data using the
// Anthropic Messages API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// ErrNoJSON is returned when the model reply carries no JSON object.
var ErrNoJSON = errors.New("model reply contained no json object")

// Schema describes the object the model should return. Properties follow JSON
// Schema conventions.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"properties"`
	Required    []string       `json:"required,omitempty"`
}

// Config tunes the extractor.
type Config struct {
	APIKey        string
	Model         string
	MaxTokens     int
	Timeout       time.Duration
	MaxInputChars int
}

type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Extractor asks the model to fill a schema from page content.
type Extractor struct {
	cfg      Config
	messages messageCreator
	logger   *zap.Logger
}

const systemPrompt = `You extract structured data from web pages.
Reply with a single JSON object that matches the requested schema and nothing else.
Omit any field you cannot find on the page. Never invent values.`

// New builds an Extractor backed by the Anthropic API.
func New(cfg Config, logger *zap.Logger) (*Extractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm.api_key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return newWithCreator(cfg, &client.Messages, logger), nil
}

func newWithCreator(cfg Config, messages messageCreator, logger *zap.Logger) *Extractor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 60000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, messages: messages, logger: logger.Named("llm")}
}

// Extract converts html to markdown, sends it with instruction and schema,
// and decodes the reply into out. Fields the model omits stay zero.
func (e *Extractor) Extract(ctx context.Context, html, instruction string, schema Schema, out any) error {
	content := e.pageText(html)
	schemaJSON, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": schema.Properties,
		"required":   schema.Required,
	})
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	prompt := fmt.Sprintf("Instruction: %s\n\nSchema (%s): %s\n\nPage content:\n%s",
		instruction, schema.Name, schemaJSON, content)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := e.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.cfg.Model),
		MaxTokens: int64(e.cfg.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return fmt.Errorf("messages api: %w", err)
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	e.logger.Debug("extraction finished",
		zap.String("schema", schema.Name),
		zap.Int("input_chars", len(content)),
		zap.Duration("duration", time.Since(start)),
	)
	return DecodeJSON(reply.String(), out)
}

// pageText renders html as markdown, falling back to visible text, and
// truncates it to the configured budget.
func (e *Extractor) pageText(html string) string {
	text, err := md.NewConverter("", true, nil).ConvertString(html)
	if err != nil || strings.TrimSpace(text) == "" {
		text = visibleText(html)
	}
	if len(text) > e.cfg.MaxInputChars {
		text = text[:e.cfg.MaxInputChars]
	}
	return text
}

func visibleText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// DecodeJSON decodes the first JSON object or array found in reply into out.
// Models sometimes wrap JSON in prose or code fences.
func DecodeJSON(reply string, out any) error {
	start := strings.IndexAny(reply, "{[")
	if start < 0 {
		return ErrNoJSON
	}
	open := reply[start]
	closing := byte('}')
	if open == '[' {
		closing = ']'
	}
	end := strings.LastIndexByte(reply, closing)
	if end < start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), out); err != nil {
		return fmt.Errorf("decode model reply: %w", err)
	}
	return nil
}

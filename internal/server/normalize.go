package server

import (
	"encoding/json"
	"strings"

	"github.com/normanking/relay/pkg/types"
)

// askPayload is the raw JSON body of /ask and friends. The canonical key is
// "prompt"; the rest are legacy aliases still accepted from older clients.
type askPayload struct {
	Prompt        json.RawMessage `json:"prompt"`
	Model         string          `json:"model"`
	ModelOverride string          `json:"model_override"`
	Stream        bool            `json:"stream"`
	Temperature   float64         `json:"temperature"`
	TopP          float64         `json:"top_p"`
	MaxTokens     int             `json:"max_tokens"`
	DocIDs        []string        `json:"doc_ids"`
	Context       string          `json:"context"`
	SessionID     string          `json:"session_id"`

	Input   *nestedInput `json:"input"`
	Message string       `json:"message"`
	Text    string       `json:"text"`
	Query   string       `json:"query"`
	Q       string       `json:"q"`
}

type nestedInput struct {
	Prompt   json.RawMessage `json:"prompt"`
	Text     string          `json:"text"`
	Messages []types.Message `json:"messages"`
}

// normalized is the canonical form every entrypoint route works from.
type normalized struct {
	Prompt         string
	Shape          types.Shape
	NormalizedFrom string
	Override       string
	Stream         bool
	Opts           types.GenOptions
	DocIDs         []string
	Context        string
	SessionID      string
}

// normalize coerces the accepted payload shapes into one canonical form.
// It is idempotent: a canonical payload passes through unchanged.
func normalize(p *askPayload) (*normalized, error) {
	n := &normalized{
		Shape:     types.ShapeText,
		Stream:    p.Stream,
		DocIDs:    p.DocIDs,
		Context:   p.Context,
		SessionID: p.SessionID,
		Opts: types.GenOptions{
			Temperature: p.Temperature,
			TopP:        p.TopP,
			MaxTokens:   p.MaxTokens,
		},
	}

	n.Override = p.Model
	if n.Override == "" && p.ModelOverride != "" {
		n.Override = p.ModelOverride
		n.NormalizedFrom = "model_override"
	}

	prompt, shape, from, err := extractPrompt(p)
	if err != nil {
		return nil, err
	}
	n.Prompt = strings.TrimSpace(prompt)
	n.Shape = shape
	if from != "" {
		n.NormalizedFrom = from
	}

	if n.Prompt == "" {
		return nil, types.E(types.ErrEmptyPrompt, "prompt is empty")
	}
	return n, nil
}

// extractPrompt resolves the prompt from the canonical key or its aliases,
// in a fixed precedence order.
func extractPrompt(p *askPayload) (string, types.Shape, string, error) {
	if len(p.Prompt) > 0 {
		return decodePrompt(p.Prompt, "")
	}
	if p.Input != nil {
		switch {
		case len(p.Input.Prompt) > 0:
			prompt, shape, _, err := decodePrompt(p.Input.Prompt, "input.prompt")
			if shape == types.ShapeText {
				shape = types.ShapeNested
			}
			return prompt, shape, "input.prompt", err
		case len(p.Input.Messages) > 0:
			return joinMessages(p.Input.Messages), types.ShapeChat, "input.messages", nil
		case p.Input.Text != "":
			return p.Input.Text, types.ShapeNested, "input.text", nil
		}
	}
	for _, alias := range []struct {
		name  string
		value string
	}{
		{"message", p.Message},
		{"text", p.Text},
		{"query", p.Query},
		{"q", p.Q},
	} {
		if alias.value != "" {
			return alias.value, types.ShapeText, alias.name, nil
		}
	}
	return "", types.ShapeText, "", types.E(types.ErrEmptyPrompt, "no prompt field present")
}

// decodePrompt handles the dual-typed prompt key: a plain string or a chat
// message array.
func decodePrompt(raw json.RawMessage, from string) (string, types.Shape, string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, types.ShapeText, from, nil
	}
	var msgs []types.Message
	if err := json.Unmarshal(raw, &msgs); err == nil {
		return joinMessages(msgs), types.ShapeChat, from, nil
	}
	return "", types.ShapeText, from, types.E(types.ErrInvalidRequest, "prompt must be a string or a message array")
}

// joinMessages flattens a chat transcript into a single prompt, keeping turn
// order. Role prefixes are preserved for non-user turns so the model sees the
// conversation structure.
func joinMessages(msgs []types.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if m.Role != "" && m.Role != "user" {
			b.WriteString(m.Role)
			b.WriteString(": ")
		}
		b.WriteString(content)
	}
	return b.String()
}

// destructivePatterns are rejected outright before any routing happens.
var destructivePatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs.",
	"dd if=/dev/zero of=/dev/",
	":(){ :|:& };:",
	"drop database",
	"drop table",
	"truncate table",
	"> /dev/sda",
	"format c:",
}

// safetyPrecheck rejects clearly destructive content.
func safetyPrecheck(prompt string) error {
	lower := strings.ToLower(prompt)
	for _, pat := range destructivePatterns {
		if strings.Contains(lower, pat) {
			return types.E(types.ErrBlockedByPolicy, "prompt contains destructive content")
		}
	}
	return nil
}

package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agent-api/core"
	"github.com/agent-api/ollama/client"
)

const defaultOllamaURL = "http://localhost:11434/api"

// ollamaBackend talks to ollama's native chat API, which takes images as
// bare base64 strings on the message
type ollamaBackend struct {
	client *client.OllamaClient
	model  *core.Model
}

func newOllamaBackend(cfg Config) *ollamaBackend {
	return &ollamaBackend{
		client: client.NewClient(client.WithBaseURL(nativeURL(cfg.BaseURL))),
		model:  &core.Model{ID: cfg.Model},
	}
}

// nativeURL maps a configured base URL onto ollama's /api root. The /v1
// suffix of the OpenAI-compatible endpoint is accepted.
func nativeURL(base string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return defaultOllamaURL
	}
	base = strings.TrimSuffix(base, "/v1")
	if !strings.HasSuffix(base, "/api") {
		base += "/api"
	}
	return base
}

func (b *ollamaBackend) complete(ctx context.Context, system, prompt, jpeg string) (string, error) {
	messages := []*core.Message{
		{Role: core.SystemMessageRole, Content: system},
		{
			Role:    core.UserMessageRole,
			Content: prompt,
			Images:  []*core.Image{{MimeType: "image/jpeg", Base64Encoding: jpeg}},
		},
	}

	format := "json"
	resp, err := b.client.Chat(ctx, &client.ChatRequest{
		Model:    b.model.ID,
		Messages: toOllamaMessages(messages),
		Format:   &format,
	})
	if err != nil {
		return "", fmt.Errorf("vision chat failed: %w", err)
	}
	if resp == nil {
		return "", errors.New("vision chat returned no message")
	}
	return resp.Message.Content, nil
}

// ping sends an empty chat, which makes ollama load the model and fails when
// it has not been pulled
func (b *ollamaBackend) ping(ctx context.Context) error {
	if _, err := b.client.Chat(ctx, &client.ChatRequest{
		Model:    b.model.ID,
		Messages: []*client.Message{},
	}); err != nil {
		return fmt.Errorf("model %q is not available: %w", b.model.ID, err)
	}
	return nil
}

func toOllamaMessages(messages []*core.Message) []*client.Message {
	out := make([]*client.Message, 0, len(messages))
	for _, m := range messages {
		images := make([]string, 0, len(m.Images))
		for _, img := range m.Images {
			images = append(images, img.Base64Encoding)
		}

		var role client.Role
		switch m.Role {
		case core.SystemMessageRole:
			role = client.RoleSystem
		case core.AssistantMessageRole:
			role = client.RoleAssistant
		case core.ToolMessageRole:
			role = client.RoleTool
		default:
			role = client.RoleUser
		}
		out = append(out, &client.Message{Role: role, Content: m.Content, Images: images})
	}
	return out
}

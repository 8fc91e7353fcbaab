package detector

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

type openAIBackend struct {
	client *openai.Client
	model  string
}

func newOpenAIBackend(cfg Config) *openAIBackend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &openAIBackend{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}
}

func (b *openAIBackend) complete(ctx context.Context, system, prompt, jpeg string) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    "data:image/jpeg;base64," + jpeg,
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("vision completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("vision completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (b *openAIBackend) ping(ctx context.Context) error {
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("vision endpoint unreachable: %w", err)
	}
	for _, m := range list.Models {
		if m.ID == b.model {
			return nil
		}
	}
	return fmt.Errorf("model %q is not available (pull it first)", b.model)
}

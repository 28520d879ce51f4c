package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Maverick0351a/signet-protocol/pkg/httpx"
)

const repairSystemPrompt = "You repair malformed JSON. Return only the corrected JSON object, " +
	"changing nothing but syntax: do not alter any value, drop any field, or add commentary."

// OpenAIProvider repairs argument strings through the chat completions API.
type OpenAIProvider struct {
	Client     *http.Client
	BaseURL    string
	APIKey     string
	Model      string
	Retries    int
	RetryDelay time.Duration
}

func NewOpenAIProvider(client *http.Client, apiKey string) *OpenAIProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OpenAIProvider{
		Client:  client,
		BaseURL: "https://api.openai.com",
		APIKey:  apiKey,
		Model:   "gpt-4o-mini",
	}
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *OpenAIProvider) Repair(ctx context.Context, text string, schema json.RawMessage) (RepairResult, error) {
	if p.APIKey == "" {
		return RepairResult{}, errors.New("fallback: openai api key not configured")
	}
	user := "Repair this JSON so it parses"
	if len(schema) > 0 {
		user += " and satisfies this JSON Schema:\n" + string(schema)
	}
	user += "\n\n" + text
	body, err := json.Marshal(chatRequest{
		Model: p.Model,
		Messages: []chatMessage{
			{Role: "system", Content: repairSystemPrompt},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return RepairResult{}, fmt.Errorf("fallback: marshal request: %w", err)
	}
	status, respBody, err := httpx.PostJSON(ctx, p.Client, p.BaseURL+"/v1/chat/completions", body,
		map[string]string{"Authorization": "Bearer " + p.APIKey}, p.Retries, p.RetryDelay)
	if err != nil {
		return RepairResult{}, fmt.Errorf("fallback: provider request: %w", err)
	}
	if status != http.StatusOK {
		return RepairResult{}, fmt.Errorf("fallback: provider status %d", status)
	}
	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return RepairResult{}, fmt.Errorf("fallback: decode provider response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return RepairResult{}, errors.New("fallback: provider returned no choices")
	}
	return RepairResult{
		Text:   strings.TrimSpace(parsed.Choices[0].Message.Content),
		Tokens: parsed.Usage.TotalTokens,
	}, nil
}

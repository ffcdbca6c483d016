package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autoplan/autoplan/internal/config"
)

const systemPrompt = "You are a repair assistant for a data-analysis agent. " +
	"A plan step failed. Return ONLY a JSON object with the corrected step inputs. " +
	"For MySQL steps the inputs must contain a single read-only SELECT in \"sql\" without comments or semicolons. " +
	"No markdown, no explanation."

type OpenAIRepairer struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAIRepairer(cfg config.AIConfig) (*OpenAIRepairer, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIRepairer{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// Repair satisfies Func.
func (r *OpenAIRepairer) Repair(ctx context.Context, errorMessage, stepJSON, schemaHint string) (map[string]any, error) {
	body, err := json.Marshal(buildPayload(r.model, r.temperature, errorMessage, stepJSON, schemaHint))
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, string(rawRespBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("empty chat completion choices")
	}

	inputs, ok := ParseInputs(parsed.Choices[0].Message.Content)
	if !ok {
		return nil, fmt.Errorf("model returned no JSON object")
	}
	return inputs, nil
}

func buildPayload(model string, temperature float64, errorMessage, stepJSON, schemaHint string) map[string]any {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Error:\n%s\n\nStep (JSON):\n%s\n", strings.TrimSpace(errorMessage), stepJSON)
	if hint := strings.TrimSpace(schemaHint); hint != "" {
		fmt.Fprintf(&prompt, "\nDatabase schema:\n%s\n", hint)
	}
	prompt.WriteString("\nRules:\n- Use only listed tables and columns.\n- Keep inputs the error does not concern.\n- Output the inputs object only.")

	return map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt.String()},
		},
		"temperature": temperature,
	}
}

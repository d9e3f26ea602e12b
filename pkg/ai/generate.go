package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	generationTemperature = 0.7
	maxOutputTokens       = 2000
)

type part struct {
	Text string `json:"text,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type fileSearchTool struct {
	FileSearchStoreNames []string `json:"fileSearchStoreNames"`
}

type tool struct {
	FileSearch *fileSearchTool `json:"fileSearch,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Tools             []tool           `json:"tools,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateChunk struct {
	Candidates []struct {
		Content           content        `json:"content"`
		FinishReason      string         `json:"finishReason"`
		GroundingMetadata map[string]any `json:"groundingMetadata"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// StreamGenerate asks the model for an answer grounded in req.StoreName and
// forwards text fragments to onDelta as they arrive.
func (c *FileSearchClient) StreamGenerate(ctx context.Context, req ChatRequest, onDelta func(string) error) (ChatResult, error) {
	res, err := c.streamGenerate(ctx, req, onDelta)
	c.observe("generate", err)
	return res, err
}

func (c *FileSearchClient) streamGenerate(ctx context.Context, req ChatRequest, onDelta func(string) error) (ChatResult, error) {
	payload, err := buildGenerateRequest(req)
	if err != nil {
		return ChatResult{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ChatResult{}, err
	}
	url := c.apiURL(fmt.Sprintf("models/%s:streamGenerateContent?alt=sse", c.model))
	resp, err := c.send(ctx, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		return httpReq, nil
	})
	if err != nil {
		return ChatResult{}, err
	}
	defer resp.Body.Close()

	var (
		result ChatResult
		text   strings.Builder
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return ChatResult{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if reason := chunk.PromptFeedback.BlockReason; reason != "" {
			return ChatResult{}, fmt.Errorf("prompt blocked: %s", reason)
		}
		for _, cand := range chunk.Candidates {
			for _, p := range cand.Content.Parts {
				if p.Text == "" {
					continue
				}
				text.WriteString(p.Text)
				if onDelta != nil {
					if err := onDelta(p.Text); err != nil {
						return ChatResult{}, err
					}
				}
			}
			if cand.FinishReason != "" {
				result.FinishReason = cand.FinishReason
			}
			if len(cand.GroundingMetadata) > 0 {
				result.Grounding = cand.GroundingMetadata
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ChatResult{}, ctx.Err()
		}
		return ChatResult{}, fmt.Errorf("read stream: %w", err)
	}
	result.Text = text.String()
	return result, nil
}

func buildGenerateRequest(req ChatRequest) (generateRequest, error) {
	if strings.TrimSpace(req.StoreName) == "" {
		return generateRequest{}, fmt.Errorf("store name required")
	}
	contents := make([]content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: msg.Text}}})
	}
	if len(contents) == 0 {
		return generateRequest{}, fmt.Errorf("at least one message required")
	}
	out := generateRequest{
		Contents: contents,
		Tools: []tool{{FileSearch: &fileSearchTool{
			FileSearchStoreNames: []string{req.StoreName},
		}}},
		GenerationConfig: generationConfig{
			Temperature:     generationTemperature,
			MaxOutputTokens: maxOutputTokens,
		},
	}
	if prompt := strings.TrimSpace(req.SystemPrompt); prompt != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: prompt}}}
	}
	return out, nil
}

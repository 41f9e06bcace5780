package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const anthropicEndpoint = "https://api.anthropic.com/v1/messages"

// Claude transcribes page images with the Anthropic Messages API.
type Claude struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

func NewClaude(apiKey, model string) *Claude {
	return &Claude{
		apiKey:   apiKey,
		model:    model,
		endpoint: anthropicEndpoint,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// claudeImageTypes are the image encodings the API accepts.
var claudeImageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

type contentSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type contentBlock struct {
	Type   string         `json:"type"`
	Text   string         `json:"text,omitempty"`
	Source *contentSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const transcribeSystem = `You transcribe scanned document pages. Reply with a single JSON object and nothing else:
{"text": "<every word on the page in reading order, paragraphs separated by blank lines>", "confidence": <0-100, how legible the page was>}
Do not summarize, translate or correct the text. If the page is blank, return an empty text.`

// ExtractPage sends one page image, or a single-page PDF, to Claude.
func (c *Claude) ExtractPage(ctx context.Context, in PageInput) (Result, error) {
	block, err := c.pageBlock(in)
	if err != nil {
		return Result{}, err
	}
	prompt := fmt.Sprintf("Transcribe page %d.", in.PageNumber)
	if in.Language != "" {
		prompt += fmt.Sprintf(" The expected language is %q (Tesseract code).", in.Language)
	}

	reqBody := anthropicRequest{
		Model:     c.model,
		MaxTokens: 8192,
		System:    transcribeSystem,
		Messages: []anthropicMessage{
			{Role: "user", Content: []contentBlock{block, {Type: "text", Text: prompt}}},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("claude api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Result{}, &RetryableError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("claude api status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != nil {
		return Result{}, fmt.Errorf("claude error: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Content) == 0 {
		return Result{}, fmt.Errorf("empty response from claude")
	}

	text := stripCodeBlock(apiResp.Content[0].Text)
	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return Result{}, fmt.Errorf("parse transcription json: %w (raw: %s)", err, truncate(text, 200))
	}
	res.Method = "claude"
	return res, nil
}

func (c *Claude) pageBlock(in PageInput) (contentBlock, error) {
	if strings.EqualFold(in.MimeType, "application/pdf") {
		return contentBlock{
			Type:   "document",
			Source: &contentSource{Type: "base64", MediaType: "application/pdf", Data: base64.StdEncoding.EncodeToString(in.Data)},
		}, nil
	}
	img, err := ConvertImage(in.Data, in.MimeType, claudeImageTypes...)
	if err != nil {
		return contentBlock{}, err
	}
	return contentBlock{
		Type:   "image",
		Source: &contentSource{Type: "base64", MediaType: img.MimeType, Data: base64.StdEncoding.EncodeToString(img.Data)},
	}, nil
}

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if m := codeBlockRe.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return s
}

// Close releases resources.
func (c *Claude) Close() {
	c.httpClient.CloseIdleConnections()
}

package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL         = "https://generativelanguage.googleapis.com/v1beta"
	defaultTemperature     = 0.1
	defaultMaxOutputTokens = 8192
	defaultRequestTimeout  = 120 * time.Second
)

// Blob is a binary request part (instrument file bytes).
type Blob struct {
	MIMEType string
	Data     []byte
}

// ObjectRequest describes one structured-generation call.
type ObjectRequest struct {
	Prompt string
	Files  []Blob
	Schema *Schema
	// MaxOutputTokens bounds the response size; the client default applies when zero.
	MaxOutputTokens int
}

// ObjectGenerator produces a JSON document conforming to the request schema.
type ObjectGenerator interface {
	GenerateObject(ctx context.Context, req ObjectRequest) (json.RawMessage, error)
}

// APIError represents a generative API error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("genai: api error (%d): %s", e.Status, e.Message)
}

// GeminiClient calls the Google AI Studio (Gemini) API.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// GeminiClientConfig configures a GeminiClient.
type GeminiClientConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// NewGeminiClient constructs a client with the provided API key and model.
func NewGeminiClient(cfg GeminiClientConfig) (*GeminiClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("genai: api key required")
	}
	model := strings.TrimPrefix(strings.TrimSpace(cfg.Model), "models/")
	if model == "" {
		return nil, fmt.Errorf("genai: model required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &GeminiClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// GenerateObject performs a single blocking generateContent call with a
// strict response schema and low-temperature generation, returning the raw
// JSON document emitted by the model. There is no retry or streaming.
func (c *GeminiClient) GenerateObject(ctx context.Context, req ObjectRequest) (json.RawMessage, error) {
	if req.Schema == nil {
		return nil, fmt.Errorf("genai: response schema required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("genai: prompt required")
	}

	parts := make([]part, 0, len(req.Files)+1)
	parts = append(parts, part{Text: req.Prompt})
	for _, file := range req.Files {
		parts = append(parts, part{
			InlineData: &inlineData{
				MIMEType: file.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(file.Data),
			},
		})
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}

	payload := generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{
			Temperature:      defaultTemperature,
			MaxOutputTokens:  maxTokens,
			ResponseMIMEType: "application/json",
			ResponseSchema:   req.Schema,
		},
	}

	var response generateResponse
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	if err := c.doJSON(ctx, url, payload, &response); err != nil {
		return nil, err
	}
	if len(response.Candidates) == 0 || len(response.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("genai: empty response from model")
	}
	return json.RawMessage(response.Candidates[0].Content.Parts[0].Text), nil
}

func (c *GeminiClient) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		message := errResp.Error.Message
		if message == "" {
			message = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMIMEType string  `json:"responseMimeType"`
	ResponseSchema   *Schema `json:"responseSchema"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const DefaultOllamaURL = "http://localhost:11434"

// OllamaRequest represents the request body for the Ollama chat API
type OllamaRequest struct {
	Model    string          `json:"model"`
	Messages []OllamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  OllamaOptions   `json:"options"`
}

// OllamaMessage is a single chat message on the wire
type OllamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaOptions are the generation parameters Ollama understands
type OllamaOptions struct {
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// OllamaResponse represents the response from the Ollama chat API
type OllamaResponse struct {
	Model     string         `json:"model"`
	CreatedAt string         `json:"created_at"`
	Message   *OllamaMessage `json:"message"`
	Done      bool           `json:"done"`
	Error     string         `json:"error"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []Model `json:"models"`
}

// Ollama calls a local Ollama server.
type Ollama struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllama creates an Ollama backend. The request deadline comes from the
// caller's context, so the client carries no timeout of its own.
func NewOllama(baseURL string, logger *slog.Logger) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Chat sends the full message log and returns the reply content.
func (o *Ollama) Chat(ctx context.Context, req Request) (string, error) {
	const op = "ollama chat"

	msgs := make([]OllamaMessage, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = OllamaMessage{Role: string(msg.Role), Content: msg.Content}
	}

	body := OllamaRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   false,
		Options: OllamaOptions{
			Temperature: req.Options.Temperature,
			TopP:        req.Options.TopP,
			NumCtx:      req.Options.ContextWindow,
			Stop:        req.Options.Stop,
		},
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}

	respBody, status, err := o.do(ctx, http.MethodPost, "/api/chat", jsonData)
	if err != nil {
		return "", transportError(ctx, op, err)
	}
	if status != http.StatusOK {
		return "", statusError(op, status, errorText(respBody))
	}

	var apiResp OllamaResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", failed(op, status, errors.Wrap(err, "failed to unmarshal response"))
	}
	if apiResp.Error != "" {
		return "", failed(op, status, errors.New(apiResp.Error))
	}
	if apiResp.Message == nil {
		return "", failed(op, status, errors.New("response has no message"))
	}

	o.logger.Debug("ollama reply received",
		"model", req.Model,
		"message_count", len(req.Messages),
		"reply_length", len(apiResp.Message.Content),
	)
	return apiResp.Message.Content, nil
}

// ListModels fetches the models installed on the server.
func (o *Ollama) ListModels(ctx context.Context) ([]Model, error) {
	const op = "ollama list models"

	respBody, status, err := o.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, transportError(ctx, op, err)
	}
	if status != http.StatusOK {
		return nil, statusError(op, status, errorText(respBody))
	}

	var tagsResp OllamaTagsResponse
	if err := json.Unmarshal(respBody, &tagsResp); err != nil {
		return nil, failed(op, status, errors.Wrap(err, "failed to unmarshal response"))
	}
	return tagsResp.Models, nil
}

func (o *Ollama) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, reader)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to create request")
	}
	if payload != nil {
		req.Header.Set("content-type", "application/json")
	}

	start := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to send request (is Ollama running?)")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "failed to read response")
	}

	o.logger.Debug("ollama request done",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return body, resp.StatusCode, nil
}

// errorText pulls the message out of Ollama's {"error": "..."} bodies.
func errorText(body []byte) []byte {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return []byte(e.Error)
	}
	return bytes.TrimSpace(body)
}

var (
	_ Backend     = (*Ollama)(nil)
	_ ModelLister = (*Ollama)(nil)
)

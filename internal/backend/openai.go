package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI calls any server speaking the OpenAI chat completions protocol,
// such as llama.cpp, LM Studio or vLLM.
type OpenAI struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAI creates a backend for baseURL (for example http://localhost:8080/v1).
func NewOpenAI(baseURL, apiKey string, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), logger: logger}
}

// Chat sends the message log as a chat completion request.
func (o *OpenAI) Chat(ctx context.Context, req Request) (string, error) {
	const op = "openai chat"

	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content}
	}

	// Options.ContextWindow has no field in the chat completions protocol; these
	// servers fix the context size when the model is loaded (llama.cpp -c,
	// vLLM --max-model-len). It is not max_tokens, which caps only the reply.
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: float32(req.Options.Temperature),
		TopP:        float32(req.Options.TopP),
		Stop:        req.Options.Stop,
	})
	if err != nil {
		return "", o.classify(ctx, op, err)
	}
	if len(resp.Choices) == 0 {
		return "", failed(op, http.StatusOK, errors.New("empty response"))
	}

	o.logger.Debug("openai reply received",
		"model", req.Model,
		"message_count", len(req.Messages),
		"finish_reason", string(resp.Choices[0].FinishReason),
	)
	return resp.Choices[0].Message.Content, nil
}

// ListModels lists the models the server advertises.
func (o *OpenAI) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, o.classify(ctx, "openai list models", err)
	}
	models := make([]Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, Model{Name: m.ID})
	}
	return models, nil
}

func (o *OpenAI) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return transportError(ctx, op, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(op, apiErr.HTTPStatusCode, []byte(apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(op, reqErr.HTTPStatusCode, []byte(reqErr.Error()))
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return failed(op, http.StatusOK, errors.Wrap(err, "failed to decode response"))
	}
	return transportError(ctx, op, err)
}

var (
	_ Backend     = (*OpenAI)(nil)
	_ ModelLister = (*OpenAI)(nil)
)

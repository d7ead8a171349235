package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/provider"
)

type OpenAIAdapter struct {
	baseURL string
	client  *http.Client
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	Stop          []string        `json:"stop,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	Delta        openAIDelta   `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(baseURL string) provider.Adapter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 0}, // deadlines come from ctx
	}
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req *provider.Request, cred provider.Credential) (*provider.Response, error) {
	start := time.Now()
	httpReq, err := a.newRequest(ctx, req, cred, false)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.NewError(resp.StatusCode, string(respBody))
	}

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, &provider.Error{Kind: provider.KindMalformed, Message: err.Error()}
	}

	if len(openAIResp.Choices) == 0 {
		return nil, &provider.Error{Kind: provider.KindMalformed, Message: "openai returned no choices"}
	}

	out := &provider.Response{
		ID:        openAIResp.ID,
		Content:   openAIResp.Choices[0].Message.Content,
		Model:     openAIResp.Model,
		Provider:  a.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if openAIResp.Usage != nil {
		out.InputTokens = openAIResp.Usage.PromptTokens
		out.OutputTokens = openAIResp.Usage.CompletionTokens
	}
	return out, nil
}

func (a *OpenAIAdapter) newRequest(ctx context.Context, req *provider.Request, cred provider.Credential, stream bool) (*http.Request, error) {
	wire := a.translate(req)
	wire.Stream = stream
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", cred.Key))
	return httpReq, nil
}

func (a *OpenAIAdapter) translate(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{Role: m.Role, Content: m.Content}
	}
	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
}

func (a *OpenAIAdapter) OpenStream(ctx context.Context, req *provider.Request, cred provider.Credential) (<-chan *provider.Event, error) {
	httpReq, err := a.newRequest(ctx, req, cred, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Event)

	go func() {
		defer close(ch)

		resp, err := a.client.Do(httpReq)
		if err != nil {
			emit(ctx, ch, errEvent(a.ClassifyError(err), err.Error()))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			perr := provider.NewError(resp.StatusCode, string(respBody))
			emit(ctx, ch, &provider.Event{Kind: provider.EventError, Err: perr})
			return
		}

		var usage *provider.Usage
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					finish(ctx, ch, usage)
					return
				}
				emit(ctx, ch, errEvent(a.ClassifyError(err), err.Error()))
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				finish(ctx, ch, usage)
				return
			}

			var chunk openAIResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				emit(ctx, ch, errEvent(provider.KindMalformed, err.Error()))
				return
			}

			if chunk.Usage != nil {
				usage = &provider.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			for _, tc := range delta.ToolCalls {
				ev := &provider.Event{Kind: provider.EventToolCall, ToolCall: &provider.ToolCallDelta{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}}
				if !emit(ctx, ch, ev) {
					return
				}
			}
			if delta.Content != "" {
				if !emit(ctx, ch, &provider.Event{Kind: provider.EventToken, Text: delta.Content}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

// finish flushes any buffered usage before the terminal done event.
func finish(ctx context.Context, ch chan<- *provider.Event, usage *provider.Usage) {
	if usage != nil {
		if !emit(ctx, ch, &provider.Event{Kind: provider.EventUsage, Usage: usage}) {
			return
		}
	}
	emit(ctx, ch, &provider.Event{Kind: provider.EventDone})
}

func emit(ctx context.Context, ch chan<- *provider.Event, ev *provider.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func errEvent(kind provider.ErrorKind, msg string) *provider.Event {
	return &provider.Event{Kind: provider.EventError, Err: &provider.Error{Kind: kind, Message: msg}}
}

func (a *OpenAIAdapter) ClassifyError(err error) provider.ErrorKind {
	return provider.Classify(err)
}

func (a *OpenAIAdapter) Name() string {
	return "openai"
}

func (a *OpenAIAdapter) CostPerInputToken() float64 {
	return 0.00000015
}

func (a *OpenAIAdapter) CostPerOutputToken() float64 {
	return 0.00000060
}

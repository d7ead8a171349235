package claude

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

type ClaudeAdapter struct {
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   float64         `json:"temperature,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type         string           `json:"type"`
	Delta        claudeDelta      `json:"delta,omitempty"`
	ContentBlock *claudeBlock     `json:"content_block,omitempty"`
	Message      *claudeMsgHeader `json:"message,omitempty"`
	Usage        *claudeUsage     `json:"usage,omitempty"`
	Error        *claudeErrorBody `json:"error,omitempty"`
}

type claudeDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type claudeBlock struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type claudeMsgHeader struct {
	Usage claudeUsage `json:"usage"`
}

type claudeErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(baseURL string) provider.Adapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &ClaudeAdapter{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (a *ClaudeAdapter) Complete(ctx context.Context, req *provider.Request, cred provider.Credential) (*provider.Response, error) {
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

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, &provider.Error{Kind: provider.KindMalformed, Message: err.Error()}
	}

	if len(claudeResp.Content) == 0 {
		return nil, &provider.Error{Kind: provider.KindMalformed, Message: "claude returned no content"}
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Content:      claudeResp.Content[0].Text,
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
		Model:        claudeResp.Model,
		Provider:     a.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (a *ClaudeAdapter) newRequest(ctx context.Context, req *provider.Request, cred provider.Credential, stream bool) (*http.Request, error) {
	wire := a.translate(req)
	wire.Stream = stream
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cred.Key)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, nil
}

// translate maps canonical messages onto the messages API: system turns
// collapse into the top-level system field, everything else alternates
// user/assistant.
func (a *ClaudeAdapter) translate(req *provider.Request) claudeRequest {
	var system string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return claudeRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        system,
		Messages:      messages,
		Temperature:   req.Temperature,
		StopSequences: req.Stop,
	}
}

func (a *ClaudeAdapter) OpenStream(ctx context.Context, req *provider.Request, cred provider.Credential) (<-chan *provider.Event, error) {
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

		var usage claudeUsage
		var toolCall *provider.ToolCallDelta
		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					a.finish(ctx, ch, usage)
					return
				}
				emit(ctx, ch, errEvent(a.ClassifyError(err), err.Error()))
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var ev claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				emit(ctx, ch, errEvent(provider.KindMalformed, err.Error()))
				return
			}

			switch currentEvent {
			case "message_start":
				if ev.Message != nil {
					usage.InputTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					toolCall = &provider.ToolCallDelta{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				}
			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						if !emit(ctx, ch, &provider.Event{Kind: provider.EventToken, Text: ev.Delta.Text}) {
							return
						}
					}
				case "input_json_delta":
					tc := provider.ToolCallDelta{Arguments: ev.Delta.PartialJSON}
					if toolCall != nil {
						tc.ID, tc.Name = toolCall.ID, toolCall.Name
						toolCall = nil // header sent once
					}
					if !emit(ctx, ch, &provider.Event{Kind: provider.EventToolCall, ToolCall: &tc}) {
						return
					}
				}
			case "message_delta":
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			case "message_stop":
				a.finish(ctx, ch, usage)
				return
			case "error":
				if ev.Error != nil {
					emit(ctx, ch, errEvent(provider.KindUpstreamFault, ev.Error.Message))
					return
				}
			}
		}
	}()

	return ch, nil
}

func (a *ClaudeAdapter) finish(ctx context.Context, ch chan<- *provider.Event, usage claudeUsage) {
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		ev := &provider.Event{Kind: provider.EventUsage, Usage: &provider.Usage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
		}}
		if !emit(ctx, ch, ev) {
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

func (a *ClaudeAdapter) ClassifyError(err error) provider.ErrorKind {
	return provider.Classify(err)
}

func (a *ClaudeAdapter) Name() string {
	return "claude"
}

func (a *ClaudeAdapter) CostPerInputToken() float64 {
	return 0.0000008
}

func (a *ClaudeAdapter) CostPerOutputToken() float64 {
	return 0.000004
}

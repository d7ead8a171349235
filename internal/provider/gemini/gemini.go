package gemini

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

type GeminiAdapter struct {
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string              `json:"text"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(baseURL string) provider.Adapter {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiAdapter{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (a *GeminiAdapter) Complete(ctx context.Context, req *provider.Request, cred provider.Credential) (*provider.Response, error) {
	start := time.Now()
	body, err := json.Marshal(a.translate(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, req.Model, cred.Key)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.NewError(resp.StatusCode, string(respBody))
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, &provider.Error{Kind: provider.KindMalformed, Message: err.Error()}
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, &provider.Error{Kind: provider.KindMalformed, Message: "gemini returned no candidates"}
	}

	out := &provider.Response{
		Content:   geminiResp.Candidates[0].Content.Parts[0].Text,
		Model:     req.Model,
		Provider:  a.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if geminiResp.UsageMetadata != nil {
		out.InputTokens = geminiResp.UsageMetadata.PromptTokenCount
		out.OutputTokens = geminiResp.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

// translate maps canonical roles onto Gemini's user/model convention and
// lifts a leading system turn into systemInstruction.
func (a *GeminiAdapter) translate(req *provider.Request) geminiRequest {
	var system *geminiContent
	var contents []geminiContent
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	return geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			StopSequences:   req.Stop,
		},
	}
}

func (a *GeminiAdapter) OpenStream(ctx context.Context, req *provider.Request, cred provider.Credential) (<-chan *provider.Event, error) {
	body, err := json.Marshal(a.translate(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", a.baseURL, req.Model, cred.Key)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

			var chunk geminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				emit(ctx, ch, errEvent(provider.KindMalformed, err.Error()))
				return
			}

			if chunk.UsageMetadata != nil {
				usage = &provider.Usage{
					PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
					CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				}
			}

			for _, cand := range chunk.Candidates {
				for _, part := range cand.Content.Parts {
					if part.FunctionCall != nil {
						ev := &provider.Event{Kind: provider.EventToolCall, ToolCall: &provider.ToolCallDelta{
							Name:      part.FunctionCall.Name,
							Arguments: string(part.FunctionCall.Args),
						}}
						if !emit(ctx, ch, ev) {
							return
						}
						continue
					}
					if part.Text == "" {
						continue
					}
					if !emit(ctx, ch, &provider.Event{Kind: provider.EventToken, Text: part.Text}) {
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

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

func (a *GeminiAdapter) ClassifyError(err error) provider.ErrorKind {
	return provider.Classify(err)
}

func (a *GeminiAdapter) Name() string {
	return "gemini"
}

func (a *GeminiAdapter) CostPerInputToken() float64 {
	return 0.0000001
}

func (a *GeminiAdapter) CostPerOutputToken() float64 {
	return 0.0000004
}

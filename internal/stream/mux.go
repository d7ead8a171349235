// Package stream relays canonical events to the client connection as
// server-sent events, one event at a time with no response buffering.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/provider"
)

type Options struct {
	// IdleTimeout ends the stream when no event arrives for this long.
	IdleTimeout time.Duration
	// MaxDuration caps the total stream lifetime.
	MaxDuration time.Duration
}

type Multiplexer struct {
	opts Options
	log  *zap.Logger
}

func NewMultiplexer(opts Options, log *zap.Logger) *Multiplexer {
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.MaxDuration == 0 {
		opts.MaxDuration = 5 * time.Minute
	}
	return &Multiplexer{opts: opts, log: log}
}

// Result summarizes one relayed stream for usage recording.
type Result struct {
	Tokens          int
	Usage           *provider.Usage
	Err             *provider.Error
	ClientCancelled bool
}

type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Index        int       `json:"index"`
	Delta        sseDelta  `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type sseDelta struct {
	Content   string                    `json:"content,omitempty"`
	ToolCalls []*provider.ToolCallDelta `json:"tool_calls,omitempty"`
}

// Relay forwards events to w until the stream terminates. cancelUpstream
// must abort the upstream read; it is invoked on client disconnect, idle
// timeout, and the duration cap, so the provider connection is released
// promptly instead of being drained.
//
// The relay is unbuffered by construction: it reads the next event only
// after the previous write has been flushed to the client.
func (m *Multiplexer) Relay(ctx context.Context, cancelUpstream context.CancelFunc, events <-chan *provider.Event, req *provider.Request, w http.ResponseWriter) (*Result, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		cancelUpstream()
		return nil, errors.New("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	res := &Result{}
	idle := time.NewTimer(m.opts.IdleTimeout)
	defer idle.Stop()
	total := time.NewTimer(m.opts.MaxDuration)
	defer total.Stop()

	for {
		select {
		case <-ctx.Done():
			cancelUpstream()
			res.ClientCancelled = true
			return res, nil

		case <-idle.C:
			cancelUpstream()
			res.Err = &provider.Error{Kind: provider.KindTimeout, Message: "stream idle timeout"}
			m.writeError(w, flusher, res.Err, req)
			return res, nil

		case <-total.C:
			cancelUpstream()
			res.Err = &provider.Error{Kind: provider.KindTimeout, Message: "stream duration cap exceeded"}
			m.writeError(w, flusher, res.Err, req)
			return res, nil

		case ev, open := <-events:
			if !open {
				// The upstream can close in the same instant the
				// client goes away; the disconnect still wins.
				if ctx.Err() != nil {
					res.ClientCancelled = true
				}
				return res, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.opts.IdleTimeout)

			switch ev.Kind {
			case provider.EventToken:
				m.writeChunk(w, flusher, req, sseDelta{Content: ev.Text})
				res.Tokens++
			case provider.EventToolCall:
				m.writeChunk(w, flusher, req, sseDelta{ToolCalls: []*provider.ToolCallDelta{ev.ToolCall}})
				res.Tokens++
			case provider.EventUsage:
				res.Usage = ev.Usage
			case provider.EventError:
				res.Err = ev.Err
				m.writeError(w, flusher, ev.Err, req)
			case provider.EventDone:
				fmt.Fprintf(w, "data: [DONE]\n\n")
				flusher.Flush()
			}
		}
	}
}

func (m *Multiplexer) writeChunk(w http.ResponseWriter, flusher http.Flusher, req *provider.Request, delta sseDelta) {
	chunk := sseChunk{
		ID:      req.RequestID,
		Object:  "chat.completion.chunk",
		Model:   req.Model,
		Choices: []sseChoice{{Delta: delta}},
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		m.log.Error("failed to encode stream chunk", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func (m *Multiplexer) writeError(w http.ResponseWriter, flusher http.Flusher, perr *provider.Error, req *provider.Request) {
	payload, err := json.Marshal(map[string]any{"error": perr})
	if err != nil {
		m.log.Error("failed to encode stream error", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

package provider

// EventKind tags the variants of a canonical stream event.
type EventKind int

const (
	EventToken EventKind = iota
	EventToolCall
	EventUsage
	EventError
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventToolCall:
		return "tool_call"
	case EventUsage:
		return "usage"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	}
	return "unknown"
}

// Event is one element of a canonical stream. Exactly the fields for its
// Kind are set; everything else is zero.
type Event struct {
	Kind     EventKind
	Text     string         // EventToken
	ToolCall *ToolCallDelta // EventToolCall
	Usage    *Usage         // EventUsage
	Err      *Error         // EventError
}

// ToolCallDelta is an incremental fragment of a tool/function call.
type ToolCallDelta struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Delivered reports whether this event carries content the client may have
// rendered. Once a delivered event has been relayed, the routing engine
// must not fall back to another candidate.
func (e *Event) Delivered() bool {
	return e.Kind == EventToken || e.Kind == EventToolCall
}

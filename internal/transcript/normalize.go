package transcript

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedShape reports a raw message that matches no known
// representation or carries an unrecognized type. Callers skip the
// message and continue; a bad record never aborts a transcript.
var ErrUnsupportedShape = errors.New("unsupported message shape")

// Normalize converts one raw stored message into the canonical form.
// Three input shapes are accepted: the RawMessage struct, a plain map
// with a "type" key, and a kwargs-wrapped map as written by the agent's
// serializer. Anything else fails with ErrUnsupportedShape.
func Normalize(raw any, origin Origin) (ChatMessage, error) {
	switch m := raw.(type) {
	case RawMessage:
		return fromRaw(m, origin)
	case *RawMessage:
		if m == nil {
			return ChatMessage{}, fmt.Errorf("%w: nil message", ErrUnsupportedShape)
		}
		return fromRaw(*m, origin)
	case map[string]any:
		if kwargs, ok := m["kwargs"].(map[string]any); ok {
			return fromRaw(rawFromMap(kwargs), origin)
		}
		if _, ok := m["type"]; ok {
			return fromRaw(rawFromMap(m), origin)
		}
		return ChatMessage{}, fmt.Errorf("%w: map without type or kwargs", ErrUnsupportedShape)
	default:
		return ChatMessage{}, fmt.Errorf("%w: %T", ErrUnsupportedShape, raw)
	}
}

// rawFromMap reads the kwargs-record fields out of a generic map.
// Absent or mistyped fields stay at their zero values; validity is
// decided later by fromRaw.
func rawFromMap(m map[string]any) RawMessage {
	raw := RawMessage{Content: m["content"]}
	raw.Type, _ = m["type"].(string)
	raw.ToolCalls = toolCallMaps(m["tool_calls"])
	raw.AdditionalKwargs, _ = m["additional_kwargs"].(map[string]any)
	raw.ResponseMetadata, _ = m["response_metadata"].(map[string]any)
	raw.ToolCallID, _ = m["tool_call_id"].(string)
	raw.Name, _ = m["name"].(string)
	return raw
}

func fromRaw(raw RawMessage, origin Origin) (ChatMessage, error) {
	msg := ChatMessage{
		Content:   contentString(raw.Content),
		RunID:     origin.RunID,
		ThreadID:  origin.ThreadID,
		SessionID: origin.SessionID,
	}

	switch raw.Type {
	case TypeHuman:
		msg.Type = TypeHuman

	case TypeAI:
		msg.Type = TypeAI
		candidates := raw.ToolCalls
		if len(candidates) == 0 {
			candidates = toolCallMaps(raw.AdditionalKwargs["tool_calls"])
		}
		for _, c := range candidates {
			if tc, ok := toolCallFrom(c); ok {
				msg.ToolCalls = append(msg.ToolCalls, tc)
			}
		}

	case TypeTool:
		msg.Type = TypeTool
		msg.ToolCallID = raw.ToolCallID
		msg.Name = raw.Name

	default:
		return ChatMessage{}, fmt.Errorf("%w: type %q", ErrUnsupportedShape, raw.Type)
	}

	if len(raw.ResponseMetadata) > 0 {
		msg.ResponseMetadata = raw.ResponseMetadata
	}
	return msg, nil
}

// contentString flattens stored content to a plain string. List content
// concatenates its string items and the "text" field of structured text
// parts; everything else contributes nothing.
func contentString(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, item := range c {
			switch part := item.(type) {
			case string:
				b.WriteString(part)
			case map[string]any:
				if part["type"] == "text" {
					if text, ok := part["text"].(string); ok {
						b.WriteString(text)
					}
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// toolCallMaps coerces a stored tool_calls value into candidate maps.
// Non-list values and non-map entries are dropped.
func toolCallMaps(v any) []map[string]any {
	switch calls := v.(type) {
	case []map[string]any:
		return calls
	case []any:
		var out []map[string]any
		for _, item := range calls {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

// toolCallFrom validates one tool-call candidate. A candidate missing
// name or args, or whose args is not a mapping, is dropped while the
// surrounding message survives.
func toolCallFrom(c map[string]any) (ToolCall, bool) {
	name, hasName := c["name"]
	args, hasArgs := c["args"]
	if !hasName || !hasArgs {
		return ToolCall{}, false
	}
	argsMap, ok := args.(map[string]any)
	if !ok {
		return ToolCall{}, false
	}
	return ToolCall{
		Name: fmt.Sprint(name),
		Args: argsMap,
		ID:   idString(c["id"]),
	}, true
}

// idString renders a tool-call id as a string pointer, or nil when the
// candidate has no usable id (absent, empty, zero, or false).
func idString(v any) *string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
		return &x
	case bool:
		if !x {
			return nil
		}
	case float64:
		if x == 0 {
			return nil
		}
	case int:
		if x == 0 {
			return nil
		}
	}
	s := fmt.Sprint(v)
	return &s
}

package agent

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	traceResultLimit   = 700
	traceStringLimit   = 800
	traceStringKeep    = 400
	omittedPlaceholder = "[[omitted large text]]"
)

// Argument keys that carry whole documents and are never echoed back.
var largeTextKeys = map[string]bool{
	"optimized_markdown": true,
	"markdown":           true,
	"raw_html":           true,
	"page_html":          true,
	"content_blob":       true,
	"raw_text":           true,
	"html":               true,
}

// sanitizeArgs redacts bulky fields from tool arguments for the client trace.
// Arguments that are not a JSON object are returned as a truncated string.
func sanitizeArgs(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		b, _ := json.Marshal(truncateLong(string(raw)))
		return b
	}
	b, err := json.Marshal(sanitizeValue(decoded))
	if err != nil {
		return nil
	}
	return b
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if largeTextKeys[k] {
				out[k] = omittedPlaceholder
				continue
			}
			out[k] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val)
		}
		return out
	case string:
		return truncateLong(t)
	default:
		return v
	}
}

func truncateLong(s string) string {
	if utf8.RuneCountInString(s) > traceStringLimit {
		return truncate(s, traceStringKeep)
	}
	return s
}

// truncate cuts s to at most n runes, adding an ellipsis when cut.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// ThinkingNote summarizes which tools a turn used.
func ThinkingNote(used []string) string {
	if len(used) == 0 {
		return ""
	}
	return "Used tools: " + strings.Join(used, ", ")
}

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseStructured decodes a model response that was asked for JSON. Models
// frequently wrap the object in a ```json fence or surround it with prose, so
// parsing falls back to extracting the fenced block, then the outermost
// braces, before giving up.
func ParseStructured(content string, out any) error {
	trimmed := strings.TrimSpace(content)

	if err := json.Unmarshal([]byte(trimmed), out); err == nil {
		return nil
	}

	if block, ok := fencedJSON(trimmed); ok {
		if err := json.Unmarshal([]byte(block), out); err == nil {
			return nil
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), out); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no parseable JSON in response (%d bytes)", len(content))
}

func fencedJSON(s string) (string, bool) {
	const fence = "```json"
	start := strings.Index(s, fence)
	if start < 0 {
		return "", false
	}
	rest := s[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

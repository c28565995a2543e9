package claude

import (
	"errors"
	"fmt"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/linnemanlabs/warden/internal/llm"
)

func TestTextContent_SingleBlock(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "likely a false positive"},
		},
	}

	if got := textContent(msg); got != "likely a false positive" {
		t.Errorf("textContent = %q, want %q", got, "likely a false positive")
	}
}

func TestTextContent_ConcatenatesBlocks(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "part one "},
			{Type: "thinking", Thinking: "ignored"},
			{Type: "text", Text: "part two"},
		},
	}

	if got := textContent(msg); got != "part one part two" {
		t.Errorf("textContent = %q, want %q", got, "part one part two")
	}
}

func TestTextContent_Empty(t *testing.T) {
	t.Parallel()

	if got := textContent(&anthropic.Message{}); got != "" {
		t.Errorf("textContent = %q, want empty", got)
	}
}

func TestClassify_StatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"throttled", 429, true},
		{"request timeout", 408, true},
		{"server error", 500, true},
		{"overloaded", 529, true},
		{"bad request", 400, false},
		{"unauthorized", 401, false},
		{"not found", 404, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := classify(&anthropic.Error{StatusCode: tt.status})

			var perr *llm.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *llm.ProviderError, got %T", err)
			}
			if perr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", perr.StatusCode, tt.status)
			}
			if perr.Transient != tt.transient {
				t.Errorf("transient = %v, want %v", perr.Transient, tt.transient)
			}
		})
	}
}

func TestClassify_TransportFailureIsTransient(t *testing.T) {
	t.Parallel()

	err := classify(fmt.Errorf("dial tcp: connection refused"))

	var perr *llm.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *llm.ProviderError, got %T", err)
	}
	if !perr.Transient {
		t.Error("transport failures should be transient")
	}
	if perr.StatusCode != 0 {
		t.Errorf("status = %d, want 0", perr.StatusCode)
	}
}

func TestClassify_PreservesUnderlyingError(t *testing.T) {
	t.Parallel()

	apierr := &anthropic.Error{StatusCode: 429}
	err := classify(apierr)

	var unwrapped *anthropic.Error
	if !errors.As(err, &unwrapped) {
		t.Error("classified error should unwrap to the SDK error")
	}
	if !llm.IsTransient(err) {
		t.Error("429 should report as transient through IsTransient")
	}
}

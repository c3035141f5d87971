package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindsMatchSentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
		kind Kind
	}{
		{"config", Config("load", "missing %s", "tokenizer.json"), ErrConfig, KindConfig},
		{"region", InvalidRegion("Crop", "x=%d out of range", 3), ErrInvalidRegion, KindInvalidRegion},
		{"mismatch", ConfigMismatch("init", "2 markers, 1 slot"), ErrConfigMismatch, KindConfigMismatch},
		{"model", ModelCall("prefill", "Prefill", errors.New("oom")), ErrModelCall, KindModelCall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(tt.err, tt.want) {
				t.Fatalf("errors.Is(%v, %v) = false", tt.err, tt.want)
			}
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if got := KindOf(wrapped); got != tt.kind {
				t.Fatalf("KindOf: got %v want %v", got, tt.kind)
			}
		})
	}
}

func TestModelCallKeepsStageAndCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("session closed")
	err := ModelCall("decode", "DecodeStep", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable through %v", err)
	}
	if !strings.Contains(err.Error(), "decode/DecodeStep") {
		t.Fatalf("missing stage/op in %q", err.Error())
	}
	if errors.Is(err, ErrConfig) {
		t.Fatalf("model call must not match ErrConfig")
	}
	if again := ModelCall("outer", "Other", err); again != err {
		t.Fatalf("rewrapping a model call error should return it unchanged")
	}
	if ModelCall("prefill", "Prefill", nil) != nil {
		t.Fatalf("nil cause should yield nil")
	}
}

func TestKindOfPlainError(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("got %v", got)
	}
}
